package chat

import (
	"time"
)

const (
	componentActionRow = 1
	componentButton    = 2
)

type wireUser struct {
	ID UserID `json:"id,string"`
}

type wireChannel struct {
	ID   ChannelID `json:"id,string"`
	Name string    `json:"name"`
}

type wireEmbedAuthor struct {
	Name string `json:"name"`
}

type wireEmbedFooter struct {
	Text string `json:"text"`
}

type wireEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type wireEmbed struct {
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	URL         string           `json:"url,omitempty"`
	Color       int              `json:"color,omitempty"`
	Author      *wireEmbedAuthor `json:"author,omitempty"`
	Footer      *wireEmbedFooter `json:"footer,omitempty"`
	Timestamp   string           `json:"timestamp,omitempty"`
	Fields      []wireEmbedField `json:"fields,omitempty"`
}

type wireComponent struct {
	Type       int             `json:"type"`
	Style      int             `json:"style,omitempty"`
	Label      string          `json:"label,omitempty"`
	CustomID   string          `json:"custom_id,omitempty"`
	Disabled   bool            `json:"disabled,omitempty"`
	Components []wireComponent `json:"components,omitempty"`
}

type wirePayload struct {
	Content    string          `json:"content,omitempty"`
	Embeds     []wireEmbed     `json:"embeds,omitempty"`
	Components []wireComponent `json:"components"`
	Flags      int             `json:"flags,omitempty"`
}

type wireMessage struct {
	ID         MessageID       `json:"id,string"`
	ChannelID  ChannelID       `json:"channel_id,string"`
	Author     wireUser        `json:"author"`
	Content    string          `json:"content"`
	Embeds     []wireEmbed     `json:"embeds"`
	Components []wireComponent `json:"components"`
}

type wireInteractionResponse struct {
	Type int          `json:"type"`
	Data *wirePayload `json:"data,omitempty"`
}

func toWirePayload(p Payload) wirePayload {
	out := wirePayload{
		Content:    p.Content,
		Components: []wireComponent{},
	}
	for _, e := range p.Embeds {
		out.Embeds = append(out.Embeds, toWireEmbed(e))
	}
	if len(p.Buttons) > 0 {
		row := wireComponent{Type: componentActionRow}
		for _, b := range p.Buttons {
			style := b.Style
			if style == 0 {
				style = ButtonSecondary
			}
			row.Components = append(row.Components, wireComponent{
				Type:     componentButton,
				Style:    int(style),
				Label:    b.Label,
				CustomID: b.CustomID,
				Disabled: b.Disabled,
			})
		}
		out.Components = append(out.Components, row)
	}
	return out
}

func toWireEmbed(e Embed) wireEmbed {
	out := wireEmbed{
		Title:       e.Title,
		Description: e.Description,
		URL:         e.URL,
		Color:       e.Color,
	}
	if e.Author != "" {
		out.Author = &wireEmbedAuthor{Name: e.Author}
	}
	if e.Footer != "" {
		out.Footer = &wireEmbedFooter{Text: e.Footer}
	}
	if !e.Timestamp.IsZero() {
		out.Timestamp = e.Timestamp.UTC().Format(time.RFC3339)
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, wireEmbedField(f))
	}
	return out
}

func (e wireEmbed) toEmbed() Embed {
	out := Embed{
		Title:       e.Title,
		Description: e.Description,
		URL:         e.URL,
		Color:       e.Color,
	}
	if e.Author != nil {
		out.Author = e.Author.Name
	}
	if e.Footer != nil {
		out.Footer = e.Footer.Text
	}
	if e.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
			out.Timestamp = ts
		}
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, EmbedField(f))
	}
	return out
}

func (m wireMessage) toMessage() Message {
	out := Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		AuthorID:  m.Author.ID,
		Content:   m.Content,
	}
	for _, e := range m.Embeds {
		out.Embeds = append(out.Embeds, e.toEmbed())
	}
	for _, row := range m.Components {
		for _, c := range row.Components {
			if c.Type != componentButton {
				continue
			}
			out.Buttons = append(out.Buttons, Button{
				CustomID: c.CustomID,
				Label:    c.Label,
				Style:    ButtonStyle(c.Style),
				Disabled: c.Disabled,
			})
		}
	}
	return out
}

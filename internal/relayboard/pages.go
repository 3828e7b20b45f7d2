package relayboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentworkforce/relayboard/internal/chat"
	"github.com/agentworkforce/relayboard/internal/display"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultPageCharLimit = 1000

	sessionPrefix  = "mm"
	buttonPrevious = "p"
	buttonNext     = "n"
)

type pagedSession struct {
	pages    []chat.Embed
	position int
}

// PageText packs entries greedily, in order, into pages of at most limit
// bytes. An entry longer than limit gets a page of its own.
func PageText(entries []string, limit int) []string {
	if limit <= 0 {
		limit = DefaultPageCharLimit
	}
	var pages []string
	for _, entry := range entries {
		last := len(pages) - 1
		if last < 0 || len(pages[last])+len(entry) > limit {
			pages = append(pages, entry)
			continue
		}
		pages[last] += entry
	}
	return pages
}

// Pages copies template once per chunk, with the chunk as description and
// the page number as footer.
func Pages(template chat.Embed, chunks []string) []chat.Embed {
	out := make([]chat.Embed, 0, len(chunks))
	for i, chunk := range chunks {
		page := template
		page.Fields = append([]chat.EmbedField(nil), template.Fields...)
		page.Description = chunk
		page.Footer = fmt.Sprintf("Page %d / %d", i+1, len(chunks))
		out = append(out, page)
	}
	return out
}

// SummaryPages renders the summaries of records as pages.
func SummaryPages(template chat.Embed, records []Record) []chat.Embed {
	entries := make([]string, 0, len(records))
	for _, r := range records {
		entries = append(entries, r.Summary())
	}
	return Pages(template, PageText(entries, DefaultPageCharLimit))
}

// PostPaged sends pages as one message. Several pages get previous and next
// buttons that turn them in place.
func (b *Board) PostPaged(ctx context.Context, channelID chat.ChannelID, pages []chat.Embed) (chat.Message, error) {
	switch len(pages) {
	case 0:
		return chat.Message{}, fmt.Errorf("post paged message: %w", display.ErrEmptyContainer)
	case 1:
		return b.client.SendMessage(ctx, channelID, chat.Payload{Embeds: []chat.Embed{pages[0]}})
	}
	session := sessionPrefix + ulid.Make().String()
	s := &pagedSession{pages: pages}
	msg, err := b.client.SendMessage(ctx, channelID, s.payload(session))
	if err != nil {
		return chat.Message{}, err
	}
	b.sessions[session] = s
	return msg, nil
}

func (s *pagedSession) payload(session string) chat.Payload {
	return chat.Payload{
		Embeds:  []chat.Embed{s.pages[s.position]},
		Buttons: pageButtons(session, s.position == 0, s.position == len(s.pages)-1),
	}
}

func pageButtons(session string, disablePrevious, disableNext bool) []chat.Button {
	return []chat.Button{
		{CustomID: session + "-" + buttonPrevious, Label: "Previous", Style: chat.ButtonSecondary, Disabled: disablePrevious},
		{CustomID: session + "-" + buttonNext, Label: "Next", Style: chat.ButtonSecondary, Disabled: disableNext},
	}
}

// HandleInteraction routes a button press. Page turns are answered here;
// other presses go to the action handler. A press on a message whose
// record is gone deletes that message. Malformed ids are logged and dropped.
func (b *Board) HandleInteraction(ctx context.Context, in chat.Interaction) error {
	var err error
	if strings.HasPrefix(in.CustomID, sessionPrefix) {
		err = b.turnPage(ctx, in)
	} else if b.actions == nil {
		err = &display.InteractionIDError{CustomID: in.CustomID, MessageID: uint64(in.MessageID)}
	} else {
		err = b.actions.HandleAction(ctx, b, in)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, display.ErrInteractionID):
		b.logger.Warn("dropping interaction", slog.String("custom_id", in.CustomID), slog.Any("error", err))
		return nil
	case errors.Is(err, display.ErrObjectNotFound):
		b.logger.Warn("interaction on a stale message, deleting it",
			slog.String("custom_id", in.CustomID),
			slog.Uint64("message_id", uint64(in.MessageID)),
			slog.Any("error", err))
		if delErr := b.client.DeleteMessage(ctx, in.ChannelID, in.MessageID); delErr != nil && !errors.Is(delErr, chat.ErrNotFound) {
			return fmt.Errorf("delete stale message %d: %w", in.MessageID, delErr)
		}
		return nil
	default:
		return err
	}
}

func (b *Board) turnPage(ctx context.Context, in chat.Interaction) error {
	cut := strings.LastIndex(in.CustomID, "-")
	if cut <= len(sessionPrefix) {
		return &display.InteractionIDError{CustomID: in.CustomID, MessageID: uint64(in.MessageID)}
	}
	session, direction := in.CustomID[:cut], in.CustomID[cut+1:]
	step := 0
	switch direction {
	case buttonNext:
		step = 1
	case buttonPrevious:
		step = -1
	default:
		return &display.InteractionIDError{CustomID: in.CustomID, MessageID: uint64(in.MessageID)}
	}

	s, ok := b.sessions[session]
	if !ok {
		// Sessions do not survive a restart; grey the buttons out.
		if err := b.Respond(ctx, in, chat.Response{Kind: chat.ResponseAcknowledge}); err != nil {
			return err
		}
		_, err := b.client.EditMessage(ctx, in.ChannelID, in.MessageID, chat.Payload{Buttons: pageButtons(session, true, true)})
		return err
	}
	next := s.position + step
	if next < 0 || next >= len(s.pages) {
		next = s.position
	}
	s.position = next
	return b.Respond(ctx, in, chat.Response{Kind: chat.ResponseUpdate, Payload: s.payload(session)})
}

// Respond answers an interaction through the configured responder.
func (b *Board) Respond(ctx context.Context, in chat.Interaction, response chat.Response) error {
	if b.responder == nil {
		return fmt.Errorf("answer interaction %s: no responder configured", in.ID)
	}
	return b.responder.RespondInteraction(ctx, in, response)
}

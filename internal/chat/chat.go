package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	if e.Path == "" {
		return "not found"
	}
	return fmt.Sprintf("not found: %s", e.Path)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type HTTPError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("http %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type (
	ChannelID uint64
	MessageID uint64
	UserID    uint64
)

func (id ChannelID) String() string { return strconv.FormatUint(uint64(id), 10) }
func (id MessageID) String() string { return strconv.FormatUint(uint64(id), 10) }
func (id UserID) String() string    { return strconv.FormatUint(uint64(id), 10) }

type ButtonStyle int

const (
	ButtonPrimary   ButtonStyle = 1
	ButtonSecondary ButtonStyle = 2
	ButtonSuccess   ButtonStyle = 3
	ButtonDanger    ButtonStyle = 4
)

type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

type Embed struct {
	Title       string
	Description string
	URL         string
	Color       int
	Author      string
	Footer      string
	Timestamp   time.Time
	Fields      []EmbedField
}

type Button struct {
	CustomID string
	Label    string
	Style    ButtonStyle
	Disabled bool
}

// Payload is the renderable body of a message: content, embeds and one row
// of buttons.
type Payload struct {
	Content string
	Embeds  []Embed
	Buttons []Button
}

type Message struct {
	ID        MessageID
	ChannelID ChannelID
	AuthorID  UserID
	Content   string
	Embeds    []Embed
	Buttons   []Button
}

type Channel struct {
	ID   ChannelID
	Name string
}

type Client interface {
	FetchChannel(ctx context.Context, channelID ChannelID) (Channel, error)
	SendMessage(ctx context.Context, channelID ChannelID, payload Payload) (Message, error)
	EditMessage(ctx context.Context, channelID ChannelID, messageID MessageID, payload Payload) (Message, error)
	DeleteMessage(ctx context.Context, channelID ChannelID, messageID MessageID) error
	FetchMessage(ctx context.Context, channelID ChannelID, messageID MessageID) (Message, error)
	// FetchHistory returns up to limit messages older than before, newest
	// first. A zero before starts from the most recent message.
	FetchHistory(ctx context.Context, channelID ChannelID, before MessageID, limit int) ([]Message, error)
}

type Interaction struct {
	ID        string
	Token     string
	ChannelID ChannelID
	MessageID MessageID
	UserID    UserID
	CustomID  string
}

type ResponseKind int

const (
	// ResponseUpdate replaces the message the component is attached to.
	ResponseUpdate ResponseKind = iota
	// ResponseAcknowledge defers without changing the message.
	ResponseAcknowledge
	// ResponseReply posts a new message visible to the invoking user only.
	ResponseReply
)

type Response struct {
	Kind    ResponseKind
	Payload Payload
}

type Responder interface {
	RespondInteraction(ctx context.Context, interaction Interaction, response Response) error
}

// MarkerID extracts the entity id carried in the footer of a message's
// first embed.
func MarkerID(msg Message) (uint64, bool) {
	if len(msg.Embeds) == 0 {
		return 0, false
	}
	footer := strings.TrimSpace(msg.Embeds[0].Footer)
	if footer == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(footer, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Package item defines the work item shown on the board.
package item

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relayboard/internal/chat"
	"github.com/agentworkforce/relayboard/internal/display"
	"github.com/agentworkforce/relayboard/internal/relayboard"
	"gopkg.in/yaml.v3"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusDropped    Status = "dropped"
)

// Statuses lists every status in workflow order.
var Statuses = []Status{StatusOpen, StatusInProgress, StatusReview, StatusDone, StatusDropped}

var ErrInvalidItem = errors.New("invalid item")

func ParseStatus(s string) (Status, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return StatusOpen, nil
	}
	for _, status := range Statuses {
		if string(status) == s {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidItem, s)
}

func (s Status) Label() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusInProgress:
		return "In progress"
	case StatusReview:
		return "In review"
	case StatusDone:
		return "Done"
	case StatusDropped:
		return "Dropped"
	}
	return string(s)
}

func (s Status) color() int {
	switch s {
	case StatusInProgress:
		return 0xF1C40F
	case StatusReview:
		return 0x3498DB
	case StatusDone:
		return 0x2ECC71
	case StatusDropped:
		return 0x95A5A6
	}
	return 0xE67E22
}

type Item struct {
	ItemID    uint64    `yaml:"id"`
	Title     string    `yaml:"title"`
	URL       string    `yaml:"url,omitempty"`
	Author    string    `yaml:"author,omitempty"`
	Status    Status    `yaml:"status"`
	Kind      string    `yaml:"kind,omitempty"`
	Published time.Time `yaml:"published"`
	Notes     string    `yaml:"notes,omitempty"`

	modified bool
}

var _ relayboard.Record = (*Item)(nil)

func (it *Item) ID() uint64                { return it.ItemID }
func (it *Item) Modified() bool            { return it.modified }
func (it *Item) SetModified(modified bool) { it.modified = modified }
func (it *Item) OrderingKey() time.Time    { return it.Published }
func (it *Item) Name() string              { return it.Title }
func (it *Item) SetName(name string)       { it.Title = name }

func (it *Item) Bump(now time.Time) {
	it.Published = now.UTC()
}

func (it *Item) Clone() relayboard.Record {
	c := *it
	return &c
}

// Absorb takes the fields a feed owns. Status and notes belong to the
// board's users and are left alone.
func (it *Item) Absorb(incoming relayboard.Record) bool {
	in, ok := incoming.(*Item)
	if !ok || in.ItemID != it.ItemID {
		return false
	}
	changed := it.Title != in.Title || it.URL != in.URL || it.Author != in.Author ||
		it.Kind != in.Kind || !it.Published.Equal(in.Published)
	it.Title = in.Title
	it.URL = in.URL
	it.Author = in.Author
	it.Kind = in.Kind
	it.Published = in.Published
	return changed
}

// Details returns the markdown notes attached to the item.
func (it *Item) Details() string { return it.Notes }

func (it *Item) Summary() string {
	title := it.Title
	if it.URL != "" {
		title = fmt.Sprintf("[%s](%s)", it.Title, it.URL)
	}
	return fmt.Sprintf("- %s (%s, `%d`)\n", title, it.Status.Label(), it.ItemID)
}

// Render builds the board message. The footer carries the id so a channel
// scan can match the message back to the item.
func (it *Item) Render() chat.Payload {
	embed := chat.Embed{
		Title:       it.Title,
		Description: it.Notes,
		URL:         it.URL,
		Color:       it.Status.color(),
		Author:      it.Author,
		Footer:      strconv.FormatUint(it.ItemID, 10),
		Timestamp:   it.Published,
		Fields: []chat.EmbedField{
			{Name: "Status", Value: it.Status.Label(), Inline: true},
		},
	}
	if it.Kind != "" {
		embed.Fields = append(embed.Fields, chat.EmbedField{Name: "Kind", Value: it.Kind, Inline: true})
	}
	var buttons []chat.Button
	for _, status := range Statuses {
		if status == it.Status {
			continue
		}
		buttons = append(buttons, chat.Button{
			CustomID: statusButtonID(status, it.ItemID),
			Label:    status.Label(),
			Style:    statusButtonStyle(status),
		})
	}
	return chat.Payload{Embeds: []chat.Embed{embed}, Buttons: buttons}
}

func statusButtonStyle(s Status) chat.ButtonStyle {
	switch s {
	case StatusDone:
		return chat.ButtonSuccess
	case StatusDropped:
		return chat.ButtonDanger
	case StatusInProgress:
		return chat.ButtonPrimary
	}
	return chat.ButtonSecondary
}

// Decode reads one persisted or fed item.
func Decode(node *yaml.Node) (relayboard.Record, error) {
	var it Item
	if err := node.Decode(&it); err != nil {
		return nil, err
	}
	if err := it.normalize(); err != nil {
		return nil, err
	}
	return &it, nil
}

func (it *Item) normalize() error {
	if it.ItemID == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidItem)
	}
	it.Title = strings.TrimSpace(it.Title)
	if it.Title == "" {
		return fmt.Errorf("%w: item %d has no title", ErrInvalidItem, it.ItemID)
	}
	status, err := ParseStatus(string(it.Status))
	if err != nil {
		return err
	}
	it.Status = status
	it.Kind = strings.ToLower(strings.TrimSpace(it.Kind))
	it.Published = it.Published.UTC()
	return nil
}

// MatchFilter matches items whose status and kind are listed. An empty list
// accepts any value.
func MatchFilter(statuses []Status, kinds []string) display.Predicate {
	statusSet := map[Status]struct{}{}
	for _, s := range statuses {
		statusSet[s] = struct{}{}
	}
	kindSet := map[string]struct{}{}
	for _, k := range kinds {
		kindSet[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}
	return display.PredicateFunc(func(e display.Entity) bool {
		it, ok := e.(*Item)
		if !ok {
			return false
		}
		if len(statusSet) > 0 {
			if _, ok := statusSet[it.Status]; !ok {
				return false
			}
		}
		if len(kindSet) > 0 {
			if _, ok := kindSet[it.Kind]; !ok {
				return false
			}
		}
		return true
	})
}

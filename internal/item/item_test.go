package item

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relayboard/internal/chat"
	"github.com/agentworkforce/relayboard/internal/display"
	"github.com/agentworkforce/relayboard/internal/relayboard"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func describe(p chat.Payload) []byte {
	var sb strings.Builder
	line := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&sb, "%s: %s\n", key, value)
		}
	}
	for _, e := range p.Embeds {
		line("title", e.Title)
		line("url", e.URL)
		line("author", e.Author)
		line("color", fmt.Sprintf("#%06X", e.Color))
		line("timestamp", e.Timestamp.Format(time.RFC3339))
		line("footer", e.Footer)
		line("description", e.Description)
		for _, f := range e.Fields {
			line("field", fmt.Sprintf("%s = %s (inline=%t)", f.Name, f.Value, f.Inline))
		}
	}
	for _, b := range p.Buttons {
		line("button", fmt.Sprintf("%s %q style=%d disabled=%t", b.CustomID, b.Label, b.Style, b.Disabled))
	}
	return []byte(sb.String())
}

func TestRenderGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	cases := map[string]*Item{
		"item_in_progress": {
			ItemID:    12,
			Title:     "Fix login redirect",
			URL:       "https://example.com/issues/12",
			Author:    "dana",
			Status:    StatusInProgress,
			Kind:      "bug",
			Published: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Notes:     "Redirect loops after SSO.",
		},
		"item_minimal": {
			ItemID:    7,
			Title:     "Write onboarding doc",
			Status:    StatusOpen,
			Published: time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC),
		},
	}
	for name, it := range cases {
		t.Run(name, func(t *testing.T) {
			g.Assert(t, name, describe(it.Render()))
		})
	}
}

func TestRenderedMessageCarriesMarker(t *testing.T) {
	it := &Item{ItemID: 981, Title: "x", Status: StatusOpen}
	p := it.Render()
	id, ok := chat.MarkerID(chat.Message{Embeds: p.Embeds})
	require.True(t, ok)
	require.Equal(t, uint64(981), id)
}

func TestDecodeNormalizes(t *testing.T) {
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("id: 4\ntitle: '  Tidy  '\nkind: Bug\npublished: 2026-01-01T10:00:00+02:00\n"), &node))
	r, err := Decode(node.Content[0])
	require.NoError(t, err)
	it := r.(*Item)
	require.Equal(t, "Tidy", it.Title)
	require.Equal(t, StatusOpen, it.Status)
	require.Equal(t, "bug", it.Kind)
	require.Equal(t, time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), it.Published)

	for _, doc := range []string{"title: no id\n", "id: 3\n", "id: 3\ntitle: t\nstatus: lost\n"} {
		var n yaml.Node
		require.NoError(t, yaml.Unmarshal([]byte(doc), &n))
		_, err := Decode(n.Content[0])
		require.ErrorIs(t, err, ErrInvalidItem, doc)
	}
}

func TestAbsorbKeepsUserFields(t *testing.T) {
	it := &Item{ItemID: 1, Title: "old", Status: StatusReview, Notes: "mine"}
	require.True(t, it.Absorb(&Item{ItemID: 1, Title: "new", Status: StatusOpen}))
	require.Equal(t, "new", it.Title)
	require.Equal(t, StatusReview, it.Status)
	require.Equal(t, "mine", it.Notes)
	require.False(t, it.Absorb(&Item{ItemID: 1, Title: "new"}))
	require.False(t, it.Absorb(&Item{ItemID: 2, Title: "other"}))
}

func TestCloneIsIndependent(t *testing.T) {
	it := &Item{ItemID: 1, Title: "a"}
	c := it.Clone().(*Item)
	c.Title = "b"
	require.Equal(t, "a", it.Title)
}

func TestMatchFilter(t *testing.T) {
	active := MatchFilter([]Status{StatusOpen, StatusInProgress}, []string{"Bug"})
	require.True(t, active.Match(&Item{Status: StatusOpen, Kind: "bug"}))
	require.False(t, active.Match(&Item{Status: StatusDone, Kind: "bug"}))
	require.False(t, active.Match(&Item{Status: StatusOpen, Kind: "feature"}))
	require.False(t, active.Match(nil))
	require.True(t, MatchFilter(nil, nil).Match(&Item{Status: StatusDropped}))
}

func TestSummary(t *testing.T) {
	it := &Item{ItemID: 5, Title: "Docs", URL: "https://x.test/5", Status: StatusDone}
	require.Equal(t, "- [Docs](https://x.test/5) (Done, `5`)\n", it.Summary())
}

type fakeChat struct {
	sent      []chat.Payload
	edits     int
	deleted   []chat.MessageID
	responses []chat.Response
}

func (f *fakeChat) FetchChannel(ctx context.Context, id chat.ChannelID) (chat.Channel, error) {
	return chat.Channel{ID: id, Name: "items"}, nil
}

func (f *fakeChat) SendMessage(ctx context.Context, id chat.ChannelID, p chat.Payload) (chat.Message, error) {
	f.sent = append(f.sent, p)
	return chat.Message{ID: chat.MessageID(100 + len(f.sent)), ChannelID: id, AuthorID: 1, Embeds: p.Embeds}, nil
}

func (f *fakeChat) EditMessage(ctx context.Context, id chat.ChannelID, msg chat.MessageID, p chat.Payload) (chat.Message, error) {
	f.edits++
	return chat.Message{ID: msg, ChannelID: id, Embeds: p.Embeds}, nil
}

func (f *fakeChat) DeleteMessage(ctx context.Context, id chat.ChannelID, msg chat.MessageID) error {
	f.deleted = append(f.deleted, msg)
	return nil
}

func (f *fakeChat) FetchMessage(ctx context.Context, id chat.ChannelID, msg chat.MessageID) (chat.Message, error) {
	return chat.Message{}, &chat.NotFoundError{}
}

func (f *fakeChat) FetchHistory(ctx context.Context, id chat.ChannelID, before chat.MessageID, limit int) ([]chat.Message, error) {
	return nil, nil
}

func (f *fakeChat) RespondInteraction(ctx context.Context, in chat.Interaction, r chat.Response) error {
	f.responses = append(f.responses, r)
	return nil
}

func TestStatusButtonMovesItemBetweenChannels(t *testing.T) {
	ctx := context.Background()
	client := &fakeChat{}
	open := display.New(1, client, MatchFilter([]Status{StatusOpen}, nil), display.Options{})
	done := display.New(2, client, MatchFilter([]Status{StatusDone}, nil), display.Options{})
	b := relayboard.New(client, []*display.Channel{open, done}, relayboard.Options{Decode: Decode, Actions: Actions{}})
	require.NoError(t, b.Add(&Item{ItemID: 3, Title: "ship it", Status: StatusOpen}))
	require.NoError(t, b.Init(ctx, 1))
	require.True(t, open.Contains(3))

	msgID, _ := open.Handle(3)
	in := chat.Interaction{ID: "9", ChannelID: 1, MessageID: msgID, CustomID: statusButtonID(StatusDone, 3)}
	require.NoError(t, b.HandleInteraction(ctx, in))
	require.Equal(t, []chat.Response{{Kind: chat.ResponseAcknowledge}}, client.responses)
	require.True(t, b.Pending())

	require.NoError(t, b.UpdateAll(ctx))
	require.False(t, open.Contains(3))
	require.True(t, done.Contains(3))
	require.Contains(t, client.deleted, msgID)

	require.True(t, b.Undo())
	r, _ := b.Get(3)
	require.Equal(t, StatusOpen, r.(*Item).Status)
}

func TestStatusButtonOnDeletedItemRemovesMessage(t *testing.T) {
	client := &fakeChat{}
	b := relayboard.New(client, nil, relayboard.Options{Decode: Decode, Actions: Actions{}})
	in := chat.Interaction{ID: "9", ChannelID: 1, MessageID: 55, CustomID: statusButtonID(StatusDone, 404)}
	require.NoError(t, b.HandleInteraction(context.Background(), in))
	require.Equal(t, []chat.MessageID{55}, client.deleted)
}

func TestParseStatusButtonRejectsMalformedIDs(t *testing.T) {
	for _, id := range []string{"status:done", "status::3", "status:lost:3", "state:done:3", "status:done:x"} {
		_, _, err := parseStatusButton(chat.Interaction{CustomID: id})
		require.ErrorIs(t, err, display.ErrInteractionID, id)
	}
}

package relayboard

import (
	"context"
	"testing"
	"time"

	"github.com/agentworkforce/relayboard/internal/display"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTripRestoresFromSnapshot(t *testing.T) {
	ctx := context.Background()
	client := newFakeChat()
	b := newTestBoard(t, client, Options{})
	b.entities[1] = rec(1, "alpha", true, 1)
	b.entities[2] = rec(2, "beta", false, 2)
	b.lastFeedUpdate = time.Unix(1700000000, 0).UTC()
	require.NoError(t, b.Init(ctx, botID))

	data, err := b.EncodeState()
	require.NoError(t, err)
	require.Contains(t, string(data), "last_feed_update: 1700000000")

	sentBefore := len(client.sent)
	restored := newTestBoard(t, client, Options{})
	require.NoError(t, restored.LoadState(data))
	require.Equal(t, 2, restored.Len())
	require.Equal(t, b.LastFeedUpdate(), restored.LastFeedUpdate())
	require.NoError(t, restored.Init(ctx, botID))

	require.Len(t, client.sent, sentBefore)
	require.Len(t, client.fetched, 3)
	for i, ch := range restored.Channels() {
		require.Equal(t, b.channels[i].Snapshot(), ch.Snapshot())
	}
}

func TestLoadStateSkipsNonMappingSnapshotEntries(t *testing.T) {
	b := newTestBoard(t, newFakeChat(), Options{})
	doc := `
entries:
  - id: 1
    title: alpha
    open: true
last_feed_update: 0
channels:
  10:
    - id: 1
      message_id: 99
    - just a string
`
	require.NoError(t, b.LoadState([]byte(doc)))
	require.Equal(t, []display.SnapshotEntry{{EntityID: "1", MessageID: "99"}}, b.snapshots[boardChannel])
	_, scanned := b.snapshots[otherChannel]
	require.False(t, scanned)
}

func TestLoadStateRejectsCorruptDocuments(t *testing.T) {
	cases := map[string]string{
		"not a document": "entries: [",
		"entries scalar": "entries: nope",
		"bad entry":      "entries:\n  - title: no id\n",
		"duplicate id":   "entries:\n  - id: 1\n    title: a\n  - id: 1\n    title: b\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			b := newTestBoard(t, newFakeChat(), Options{})
			err := b.LoadState([]byte(doc))
			require.ErrorIs(t, err, ErrCorruptState)
		})
	}
}

func TestLoadStateEmptyStartsFresh(t *testing.T) {
	b := newTestBoard(t, newFakeChat(), Options{})
	require.NoError(t, b.LoadState(nil))
	require.NoError(t, b.LoadState([]byte("  \n")))
	require.Zero(t, b.Len())
}

func TestMalformedSnapshotIDFailsInit(t *testing.T) {
	b := newTestBoard(t, newFakeChat(), Options{})
	doc := "entries: []\nchannels:\n  10:\n    - id: seven\n      message_id: 99\n"
	require.NoError(t, b.LoadState([]byte(doc)))
	err := b.Init(context.Background(), botID)
	require.ErrorIs(t, err, display.ErrMalformedSnapshot)
}

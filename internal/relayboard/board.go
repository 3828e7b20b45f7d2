package relayboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/agentworkforce/relayboard/internal/batch"
	"github.com/agentworkforce/relayboard/internal/chat"
	"github.com/agentworkforce/relayboard/internal/display"
	"gopkg.in/yaml.v3"
)

// ActionHandler handles button presses that are not list page turns.
type ActionHandler interface {
	HandleAction(ctx context.Context, b *Board, in chat.Interaction) error
}

type ActionFunc func(ctx context.Context, b *Board, in chat.Interaction) error

func (f ActionFunc) HandleAction(ctx context.Context, b *Board, in chat.Interaction) error {
	return f(ctx, b, in)
}

type DecodeFunc func(node *yaml.Node) (Record, error)

type Options struct {
	Logger    *slog.Logger
	Now       func() time.Time
	UndoDepth int
	// Decode turns one persisted entry back into a record.
	Decode  DecodeFunc
	Actions ActionHandler
	// Responder answers interactions. When nil the client is used if it
	// implements chat.Responder.
	Responder chat.Responder
}

// Board owns the entity collection and the display channels bound to it.
// It is not safe for concurrent use; Service serializes access.
type Board struct {
	client    chat.Client
	responder chat.Responder
	channels  []*display.Channel
	entities  catalog
	undo      *undoLog
	pending   bool

	lastFeedUpdate time.Time
	selfID         chat.UserID
	snapshots      map[chat.ChannelID][]display.SnapshotEntry
	sessions       map[string]*pagedSession

	decode  DecodeFunc
	actions ActionHandler
	now     func() time.Time
	logger  *slog.Logger
}

type ChannelStats struct {
	ID       chat.ChannelID `json:"id,string"`
	Name     string         `json:"name"`
	Loaded   bool           `json:"loaded"`
	Messages int            `json:"messages"`
}

type Stats struct {
	Entities       int            `json:"entities"`
	Channels       []ChannelStats `json:"channels"`
	UndoDepth      int            `json:"undoDepth"`
	Pending        bool           `json:"pending"`
	LastFeedUpdate time.Time      `json:"lastFeedUpdate"`
	Sessions       int            `json:"sessions"`
}

func New(client chat.Client, channels []*display.Channel, opts Options) *Board {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	responder := opts.Responder
	if responder == nil {
		if r, ok := client.(chat.Responder); ok {
			responder = r
		}
	}
	return &Board{
		client:    client,
		responder: responder,
		channels:  channels,
		entities:  catalog{},
		undo:      newUndoLog(opts.UndoDepth),
		snapshots: map[chat.ChannelID][]display.SnapshotEntry{},
		sessions:  map[string]*pagedSession{},
		decode:    opts.Decode,
		actions:   opts.Actions,
		now:       now,
		logger:    logger.With(slog.String("component", "board")),
	}
}

func (b *Board) Channels() []*display.Channel {
	return append([]*display.Channel(nil), b.channels...)
}

func (b *Board) Channel(id chat.ChannelID) (*display.Channel, bool) {
	for _, ch := range b.channels {
		if ch.ID() == id {
			return ch, true
		}
	}
	return nil, false
}

func (b *Board) Get(id uint64) (Record, bool) {
	r, ok := b.entities[id]
	return r, ok
}

func (b *Board) Len() int {
	return len(b.entities)
}

// Records lists every record ordered by id.
func (b *Board) Records() []Record {
	out := make([]Record, 0, len(b.entities))
	for _, id := range b.entities.ids() {
		out = append(out, b.entities[id])
	}
	return out
}

func (b *Board) Catalog() display.Catalog {
	return b.entities
}

func (b *Board) Pending() bool {
	return b.pending
}

func (b *Board) LastFeedUpdate() time.Time {
	return b.lastFeedUpdate
}

func (b *Board) SelfID() chat.UserID {
	return b.selfID
}

// Add archives id and stores r under it, replacing any previous record.
func (b *Board) Add(r Record) error {
	if r == nil {
		return ErrInvalidInput
	}
	b.Archive(r.ID())
	r.SetModified(true)
	b.entities[r.ID()] = r
	return nil
}

// Init binds every channel, restoring its index from the loaded snapshot
// when there is one and scanning its history otherwise.
func (b *Board) Init(ctx context.Context, self chat.UserID) error {
	b.selfID = self
	_, err := batch.Each(ctx, b.channels, batch.Options{Policy: batch.FailFast},
		func(ctx context.Context, ch *display.Channel) error {
			src := display.Scan()
			if entries, ok := b.snapshots[ch.ID()]; ok {
				src = display.FromSnapshot(entries)
			}
			return ch.Init(ctx, b.entities, self, src)
		})
	if err != nil {
		return err
	}
	b.snapshots = map[chat.ChannelID][]display.SnapshotEntry{}
	b.clearModified()
	b.pending = false
	b.logger.Info("board initialized", slog.Int("entities", len(b.entities)), slog.Int("channels", len(b.channels)))
	return nil
}

// UpdateAll reconciles every channel. Modified flags and the pending flag
// are only cleared when every channel succeeded.
func (b *Board) UpdateAll(ctx context.Context) error {
	results, err := batch.Each(ctx, b.channels, batch.Options{Policy: batch.BestEffort},
		func(ctx context.Context, ch *display.Channel) error {
			return ch.Update(ctx, b.entities)
		})
	if err != nil {
		return err
	}
	if err := joinChannelErrors(b.channels, results); err != nil {
		return err
	}
	b.clearModified()
	b.pending = false
	return nil
}

// RefreshAll deletes every displayed message; deletion events repost them.
func (b *Board) RefreshAll(ctx context.Context) error {
	_, err := batch.Each(ctx, b.channels, batch.Options{Policy: batch.FailFast},
		func(ctx context.Context, ch *display.Channel) error {
			return ch.Refresh(ctx)
		})
	return err
}

// PurgeAll clears every channel and reposts from scratch.
func (b *Board) PurgeAll(ctx context.Context) error {
	_, err := batch.Each(ctx, b.channels, batch.Options{Policy: batch.FailFast},
		func(ctx context.Context, ch *display.Channel) error {
			return ch.Purge(ctx)
		})
	// Cleared indexes stay pending until an UpdateAll succeeds.
	b.pending = true
	if err != nil {
		return err
	}
	return b.UpdateAll(ctx)
}

// EditAll re-renders every displayed message.
func (b *Board) EditAll(ctx context.Context) error {
	_, err := batch.Each(ctx, b.channels, batch.Options{Policy: batch.FailFast},
		func(ctx context.Context, ch *display.Channel) error {
			return ch.EditAll(ctx, b.entities)
		})
	return err
}

func (b *Board) HandleMessageDelete(ctx context.Context, messageID chat.MessageID) error {
	results, err := batch.Each(ctx, b.channels, batch.Options{Policy: batch.BestEffort},
		func(ctx context.Context, ch *display.Channel) error {
			return ch.OnExternalDelete(ctx, b.entities, messageID)
		})
	if err == nil {
		err = joinChannelErrors(b.channels, results)
	}
	if err != nil {
		b.pending = true
	}
	return err
}

// VerifyAll forgets displayed messages that vanished without a deletion
// event and marks the board pending so they are posted again.
func (b *Board) VerifyAll(ctx context.Context) error {
	results, err := batch.Run(ctx, b.channels, batch.Options{Policy: batch.BestEffort},
		func(ctx context.Context, ch *display.Channel) (int, error) {
			return ch.Verify(ctx)
		})
	for _, res := range results {
		if res.Value > 0 {
			b.pending = true
		}
	}
	if err != nil {
		return err
	}
	return joinChannelErrors(b.channels, results)
}

func (b *Board) Delete(id uint64) (Record, error) {
	r, ok := b.entities[id]
	if !ok {
		return nil, notFound(id)
	}
	b.Archive(id)
	delete(b.entities, id)
	return r, nil
}

func (b *Board) Rename(id uint64, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidInput)
	}
	return b.Mutate(id, func(r Record) { r.SetName(name) })
}

// Mutate archives id, applies fn and flags the record modified.
func (b *Board) Mutate(id uint64, fn func(Record)) error {
	r, ok := b.entities[id]
	if !ok {
		return notFound(id)
	}
	b.Archive(id)
	fn(r)
	r.SetModified(true)
	return nil
}

// Up moves a record to the most recent position: its messages are deleted
// and the deletion events repost them at the bottom of their channels.
func (b *Board) Up(ctx context.Context, id uint64) error {
	r, ok := b.entities[id]
	if !ok {
		return notFound(id)
	}
	var holding []*display.Channel
	for _, ch := range b.channels {
		if ch.Contains(id) {
			holding = append(holding, ch)
		}
	}
	_, err := batch.Each(ctx, holding, batch.Options{Policy: batch.FailFast},
		func(ctx context.Context, ch *display.Channel) error {
			return ch.Up(ctx, id)
		})
	if err != nil {
		return err
	}
	b.Archive(id)
	r.Bump(b.now())
	r.SetModified(true)
	return nil
}

// RemoveDuplicates deletes records whose name is already taken by a record
// with a lower id. It returns the removed ids.
func (b *Board) RemoveDuplicates() []uint64 {
	seen := map[string]struct{}{}
	var dups []uint64
	for _, id := range b.entities.ids() {
		name := b.entities[id].Name()
		if _, ok := seen[name]; ok {
			dups = append(dups, id)
			continue
		}
		seen[name] = struct{}{}
	}
	b.Archive(dups...)
	for _, id := range dups {
		delete(b.entities, id)
	}
	return dups
}

func (b *Board) Stats() Stats {
	stats := Stats{
		Entities:       len(b.entities),
		UndoDepth:      b.undo.len(),
		Pending:        b.pending,
		LastFeedUpdate: b.lastFeedUpdate,
		Sessions:       len(b.sessions),
	}
	for _, ch := range b.channels {
		name, _ := ch.Name()
		stats.Channels = append(stats.Channels, ChannelStats{
			ID:       ch.ID(),
			Name:     name,
			Loaded:   ch.Loaded(),
			Messages: ch.Len(),
		})
	}
	return stats
}

func (b *Board) clearModified() {
	for _, r := range b.entities {
		r.SetModified(false)
	}
}

func joinChannelErrors[R any](channels []*display.Channel, results []batch.Result[R]) error {
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", channels[res.Index].ID(), res.Err))
		}
	}
	return errors.Join(errs...)
}

func sortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		ki, kj := records[i].OrderingKey(), records[j].OrderingKey()
		if !ki.Equal(kj) {
			return ki.After(kj)
		}
		return records[i].ID() > records[j].ID()
	})
}

package relayboard

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentworkforce/relayboard/internal/chat"
	"github.com/agentworkforce/relayboard/internal/display"
	"gopkg.in/yaml.v3"
)

var ErrCorruptState = errors.New("corrupt persisted state")

type StateError struct {
	Reason string
	Err    error
}

func (e *StateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *StateError) Unwrap() error {
	return e.Err
}

func (e *StateError) Is(target error) bool {
	return target == ErrCorruptState
}

type loadedState struct {
	Entries        []yaml.Node            `yaml:"entries"`
	LastFeedUpdate int64                  `yaml:"last_feed_update"`
	Channels       map[uint64][]yaml.Node `yaml:"channels"`
}

type savedState struct {
	Entries        []Record                            `yaml:"entries"`
	LastFeedUpdate int64                               `yaml:"last_feed_update"`
	Channels       map[uint64][]display.SnapshotEntry `yaml:"channels"`
}

// LoadState replaces the board contents with a persisted document. Empty
// data leaves the board empty. Channel snapshots are kept for Init.
func (b *Board) LoadState(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		b.logger.Info("no persisted state, starting empty")
		return nil
	}
	if b.decode == nil {
		return errors.New("load state: no record decoder configured")
	}
	var doc loadedState
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &StateError{Reason: "decode state document", Err: err}
	}

	entities := make(catalog, len(doc.Entries))
	for i := range doc.Entries {
		r, err := b.decode(&doc.Entries[i])
		if err != nil {
			return &StateError{Reason: fmt.Sprintf("decode entry %d (line %d)", i, doc.Entries[i].Line), Err: err}
		}
		if r == nil {
			return &StateError{Reason: fmt.Sprintf("decode entry %d (line %d): empty record", i, doc.Entries[i].Line)}
		}
		if _, dup := entities[r.ID()]; dup {
			return &StateError{Reason: fmt.Sprintf("duplicate entity id %d", r.ID())}
		}
		entities[r.ID()] = r
	}

	snapshots := make(map[chat.ChannelID][]display.SnapshotEntry, len(doc.Channels))
	for channelID, nodes := range doc.Channels {
		entries := make([]display.SnapshotEntry, 0, len(nodes))
		for i := range nodes {
			node := &nodes[i]
			if node.Kind != yaml.MappingNode {
				b.logger.Warn("skipping snapshot entry that is not a mapping",
					slog.Uint64("channel_id", channelID), slog.Int("line", node.Line))
				continue
			}
			var entry display.SnapshotEntry
			if err := node.Decode(&entry); err != nil {
				b.logger.Warn("skipping unreadable snapshot entry",
					slog.Uint64("channel_id", channelID), slog.Int("line", node.Line), slog.Any("error", err))
				continue
			}
			entries = append(entries, entry)
		}
		snapshots[chat.ChannelID(channelID)] = entries
	}

	b.entities = entities
	b.snapshots = snapshots
	b.lastFeedUpdate = time.Time{}
	if doc.LastFeedUpdate > 0 {
		b.lastFeedUpdate = time.Unix(doc.LastFeedUpdate, 0).UTC()
	}
	b.logger.Info("persisted state loaded", slog.Int("entities", len(entities)), slog.Int("channels", len(snapshots)))
	return nil
}

// EncodeState renders the board as a persisted document. Channels that
// never loaded keep the snapshot they were restored from.
func (b *Board) EncodeState() ([]byte, error) {
	doc := savedState{
		Entries:  b.Records(),
		Channels: map[uint64][]display.SnapshotEntry{},
	}
	if !b.lastFeedUpdate.IsZero() {
		doc.LastFeedUpdate = b.lastFeedUpdate.Unix()
	}
	for _, ch := range b.channels {
		if ch.Loaded() {
			doc.Channels[uint64(ch.ID())] = ch.Snapshot()
			continue
		}
		if entries, ok := b.snapshots[ch.ID()]; ok {
			doc.Channels[uint64(ch.ID())] = entries
		}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return buf.Bytes(), nil
}

package relayboard

import (
	"log/slog"
	"time"
)

type IngestResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
}

func (r IngestResult) Changed() bool {
	return r.Added+r.Updated > 0
}

// Ingest merges records produced by a feed. Unknown ids are added, known
// ids absorb the incoming fields. All changes form a single undo batch.
// The feed cursor only moves forward.
func (b *Board) Ingest(records []Record, cursor time.Time) IngestResult {
	var (
		result  IngestResult
		ids     []uint64
		changed = map[uint64]Record{}
	)
	for _, incoming := range records {
		if incoming == nil {
			continue
		}
		id := incoming.ID()
		if pending, dup := changed[id]; dup {
			pending.Absorb(incoming)
			continue
		}
		existing, ok := b.entities[id]
		if !ok {
			result.Added++
			ids = append(ids, id)
			changed[id] = incoming
			continue
		}
		merged := existing.Clone()
		if merged.Absorb(incoming) {
			result.Updated++
			ids = append(ids, id)
			changed[id] = merged
		}
	}
	if cursor.After(b.lastFeedUpdate) {
		b.lastFeedUpdate = cursor
	}
	if len(ids) == 0 {
		return result
	}
	b.Archive(ids...)
	for _, id := range ids {
		r := changed[id]
		r.SetModified(true)
		b.entities[id] = r
	}
	b.logger.Info("feed ingested", slog.Int("added", result.Added), slog.Int("updated", result.Updated))
	return result
}

package relayboard

import "log/slog"

const DefaultUndoDepth = 5

// undoEntry holds the value an id had before an edit. A nil prior means
// the edit created the id.
type undoEntry struct {
	id    uint64
	prior Record
}

// undoLog is a bounded stack of edit batches, newest last.
type undoLog struct {
	depth   int
	batches [][]undoEntry
}

func newUndoLog(depth int) *undoLog {
	if depth <= 0 {
		depth = DefaultUndoDepth
	}
	return &undoLog{depth: depth}
}

func (l *undoLog) push(batch []undoEntry) {
	if len(l.batches) >= l.depth {
		l.batches = append(l.batches[:0], l.batches[1:]...)
	}
	l.batches = append(l.batches, batch)
}

func (l *undoLog) pop() ([]undoEntry, bool) {
	if len(l.batches) == 0 {
		return nil, false
	}
	last := l.batches[len(l.batches)-1]
	l.batches[len(l.batches)-1] = nil
	l.batches = l.batches[:len(l.batches)-1]
	return last, true
}

func (l *undoLog) len() int {
	return len(l.batches)
}

// Archive records the current value of every id as one undo batch. It must
// run before the edit it guards. Every call marks the board for
// reconciliation, even with no ids.
func (b *Board) Archive(ids ...uint64) {
	b.pending = true
	if len(ids) == 0 {
		return
	}
	batch := make([]undoEntry, 0, len(ids))
	for _, id := range ids {
		entry := undoEntry{id: id}
		if r, ok := b.entities[id]; ok {
			entry.prior = r.Clone()
		}
		batch = append(batch, entry)
	}
	b.undo.push(batch)
}

// Undo reverts the newest archived batch and reports whether there was one.
// Restored records are flagged modified so their messages are re-rendered.
func (b *Board) Undo() bool {
	batch, ok := b.undo.pop()
	if !ok {
		return false
	}
	for _, entry := range batch {
		if entry.prior == nil {
			delete(b.entities, entry.id)
			continue
		}
		restored := entry.prior.Clone()
		restored.SetModified(true)
		b.entities[entry.id] = restored
	}
	b.pending = true
	b.logger.Info("undo applied", slog.Int("entities", len(batch)), slog.Int("remaining", b.undo.len()))
	return true
}

func (b *Board) UndoDepth() int {
	return b.undo.len()
}

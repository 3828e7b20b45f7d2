package relayboard

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agentworkforce/relayboard/internal/display"
)

var (
	ErrAmbiguous    = errors.New("ambiguous criterion")
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("service closed")
)

// Record is an entity owned by the board.
type Record interface {
	display.Entity
	SetModified(modified bool)
	Name() string
	SetName(name string)
	// Summary is the entry shown in list views.
	Summary() string
	// Bump moves the record to the most recent position.
	Bump(now time.Time)
	// Absorb copies the feed-owned fields of incoming into the record and
	// reports whether anything changed.
	Absorb(incoming Record) bool
	Clone() Record
}

type AmbiguousError struct {
	Criterion string
	Matches   int
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%q matches %d entities", e.Criterion, e.Matches)
}

func (e *AmbiguousError) Is(target error) bool {
	return target == ErrAmbiguous
}

type catalog map[uint64]Record

func (c catalog) Lookup(id uint64) (display.Entity, bool) {
	r, ok := c[id]
	if !ok {
		return nil, false
	}
	return r, true
}

func (c catalog) Entities() []display.Entity {
	out := make([]display.Entity, 0, len(c))
	for _, id := range c.ids() {
		out = append(out, c[id])
	}
	return out
}

func (c catalog) ids() []uint64 {
	ids := make([]uint64, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func notFound(id uint64) error {
	return &display.NotFoundError{Kind: "entity", ID: id, Where: "database"}
}

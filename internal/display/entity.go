package display

import (
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relayboard/internal/chat"
	"gopkg.in/yaml.v3"
)

// Entity is a record that can be shown as one message in a display channel.
// Render must put the entity id in the footer of the first embed so that a
// channel scan can recognise the message after a restart.
type Entity interface {
	ID() uint64
	Modified() bool
	OrderingKey() time.Time
	Render() chat.Payload
}

type Catalog interface {
	Lookup(id uint64) (Entity, bool)
	Entities() []Entity
}

type Predicate interface {
	Match(e Entity) bool
}

// PredicateFunc adapts a function to Predicate. A nil entity never matches.
type PredicateFunc func(e Entity) bool

func (f PredicateFunc) Match(e Entity) bool {
	if f == nil || e == nil {
		return false
	}
	return f(e)
}

// All matches every entity.
var All = PredicateFunc(func(Entity) bool { return true })

// RawID is a persisted identifier. It is kept verbatim when loaded and only
// validated when a channel is restored from it.
type RawID string

func FormatID(id uint64) RawID {
	return RawID(strconv.FormatUint(id, 10))
}

func (r RawID) Parse() (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(string(r)), 10, 64)
}

func (r *RawID) UnmarshalYAML(node *yaml.Node) error {
	*r = RawID(node.Value)
	return nil
}

func (r RawID) MarshalYAML() (any, error) {
	if id, err := r.Parse(); err == nil {
		return id, nil
	}
	return string(r), nil
}

type SnapshotEntry struct {
	EntityID  RawID `yaml:"id" json:"id"`
	MessageID RawID `yaml:"message_id" json:"message_id"`
}

type sourceKind int

const (
	sourceScan sourceKind = iota
	sourceSnapshot
)

// Source selects how Init rebuilds the index: from persisted pairs or by
// scanning the channel history.
type Source struct {
	kind    sourceKind
	entries []SnapshotEntry
}

func FromSnapshot(entries []SnapshotEntry) Source {
	return Source{kind: sourceSnapshot, entries: entries}
}

func Scan() Source {
	return Source{kind: sourceScan}
}

func (s Source) IsSnapshot() bool {
	return s.kind == sourceSnapshot
}

func (s Source) String() string {
	if s.kind == sourceSnapshot {
		return "snapshot"
	}
	return "scan"
}

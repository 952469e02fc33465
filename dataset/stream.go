package dataset

import (
	"fmt"

	"github.com/google/btree"
)

// StreamID is a stream entry identifier: milliseconds-sequence, the
// same two-part scheme streams use everywhere in the corpus this was
// modeled on.
type StreamID struct {
	Ms  int64
	Seq int64
}

func (id StreamID) String() string {
	return fmt.Sprintf("%d-%d", id.Ms, id.Seq)
}

func (id StreamID) Less(o StreamID) bool {
	if id.Ms != o.Ms {
		return id.Ms < o.Ms
	}
	return id.Seq < o.Seq
}

// StreamEntry is one XADD'd record. Fields preserves insertion order so
// re-emitted XADD commands are byte-stable.
type StreamEntry struct {
	ID     StreamID
	Fields []FieldValue
}

type FieldValue struct {
	Field string
	Value string
}

// PendingEntry tracks one message a consumer has been handed but not
// yet acknowledged, preserving delivery time and retry count the way
// XCLAIM ... JUSTID FORCE needs to reconstruct it.
type PendingEntry struct {
	Consumer      string
	DeliveryTimeMs int64
	DeliveryCount int64
}

type ConsumerGroup struct {
	Name            string
	LastDeliveredID StreamID
	Consumers       map[string]struct{}
	Pending         map[StreamID]*PendingEntry
}

// Stream is an append-only, btree-ordered sequence of entries plus its
// consumer groups.
type Stream struct {
	tree   *btree.BTreeG[*StreamEntry]
	lastID StreamID
	groups map[string]*ConsumerGroup
}

func NewStreamContainer() *Stream {
	return &Stream{
		tree:   btree.NewG(32, func(a, b *StreamEntry) bool { return a.ID.Less(b.ID) }),
		groups: map[string]*ConsumerGroup{},
	}
}

func (s *Stream) Add(id StreamID, fields []FieldValue) {
	s.tree.ReplaceOrInsert(&StreamEntry{ID: id, Fields: fields})
	if s.lastID.Less(id) {
		s.lastID = id
	}
}

// SetID implements XSETID: forces the stream's last-generated ID
// without adding an entry, used to restore the exact ID watermark on
// replay even when the tail entries were trimmed.
func (s *Stream) SetID(id StreamID) {
	s.lastID = id
}

func (s *Stream) LastID() StreamID {
	return s.lastID
}

func (s *Stream) Len() int {
	return s.tree.Len()
}

func (s *Stream) Ascend(fn func(e *StreamEntry) bool) {
	s.tree.Ascend(fn)
}

func (s *Stream) Group(name string) (*ConsumerGroup, bool) {
	g, ok := s.groups[name]
	return g, ok
}

func (s *Stream) CreateGroup(name string, lastDeliveredID StreamID) *ConsumerGroup {
	g := &ConsumerGroup{
		Name:            name,
		LastDeliveredID: lastDeliveredID,
		Consumers:       map[string]struct{}{},
		Pending:         map[StreamID]*PendingEntry{},
	}
	s.groups[name] = g
	return g
}

// GroupNames returns group names in Go map iteration order, which can
// differ between calls; callers that need determinism sort the
// returned slice themselves.
func (s *Stream) GroupNames() []string {
	names := make([]string, 0, len(s.groups))
	for n := range s.groups {
		names = append(names, n)
	}
	return names
}

func (g *ConsumerGroup) CreateConsumer(name string) {
	g.Consumers[name] = struct{}{}
}

func (g *ConsumerGroup) Claim(id StreamID, consumer string, deliveryTimeMs, deliveryCount int64) {
	g.Consumers[consumer] = struct{}{}
	g.Pending[id] = &PendingEntry{Consumer: consumer, DeliveryTimeMs: deliveryTimeMs, DeliveryCount: deliveryCount}
}

package aof

import (
	"errors"
	"fmt"
)

// Manifest is the ordered view of one base plus history and incremental
// segments. It is always mutated on a dup(); the live pointer is only
// swapped after a successful persist, so a concurrent reader never
// observes a partially mutated manifest.
type Manifest struct {
	Base         *Segment
	History      []Segment
	Incrementals []Segment
	CurrBaseSeq  uint64
	CurrIncrSeq  uint64
	Dirty        bool
}

// NewManifest returns an empty, valid manifest.
func NewManifest() *Manifest {
	return &Manifest{}
}

// Dup returns a deep copy suitable for staging modifications that are
// only committed by swapping the live pointer after persist succeeds.
func (m *Manifest) Dup() *Manifest {
	out := &Manifest{
		CurrBaseSeq: m.CurrBaseSeq,
		CurrIncrSeq: m.CurrIncrSeq,
		Dirty:       m.Dirty,
	}
	if m.Base != nil {
		b := *m.Base
		out.Base = &b
	}
	out.History = append([]Segment(nil), m.History...)
	out.Incrementals = append([]Segment(nil), m.Incrementals...)
	return out
}

// NewBaseName increments CurrBaseSeq, demotes the existing base (if any)
// to the front of history, installs a fresh base descriptor and marks
// the manifest dirty. It does not touch the filesystem.
func (m *Manifest) NewBaseName(prefix string, binary bool) Segment {
	m.CurrBaseSeq++
	if m.Base != nil {
		m.History = append([]Segment{{Name: m.Base.Name, Seq: m.Base.Seq, Kind: KindHist}}, m.History...)
	}
	seg := Segment{Name: BaseName(prefix, m.CurrBaseSeq, binary), Seq: m.CurrBaseSeq, Kind: KindBase}
	m.Base = &seg
	m.Dirty = true
	return seg
}

// NewIncrName increments CurrIncrSeq and appends a fresh tail incremental.
func (m *Manifest) NewIncrName(prefix string) Segment {
	m.CurrIncrSeq++
	seg := Segment{Name: IncrName(prefix, m.CurrIncrSeq), Seq: m.CurrIncrSeq, Kind: KindIncr}
	m.Incrementals = append(m.Incrementals, seg)
	m.Dirty = true
	return seg
}

// LastIncrName returns the tail incremental, creating one if the list is
// empty.
func (m *Manifest) LastIncrName(prefix string) Segment {
	if len(m.Incrementals) == 0 {
		return m.NewIncrName(prefix)
	}
	return m.Incrementals[len(m.Incrementals)-1]
}

// MarkRewrittenIncrsAsHistory moves every incremental except the current
// tail (when writerActive) to the front of history. Called after a
// successful rewrite installs a new base.
func (m *Manifest) MarkRewrittenIncrsAsHistory(writerActive bool) {
	if len(m.Incrementals) == 0 {
		return
	}

	keep := m.Incrementals
	moved := m.Incrementals
	if writerActive {
		keep = m.Incrementals[len(m.Incrementals)-1:]
		moved = m.Incrementals[:len(m.Incrementals)-1]
	} else {
		keep = nil
	}

	if len(moved) > 0 {
		asHist := make([]Segment, len(moved))
		for i, s := range moved {
			asHist[i] = Segment{Name: s.Name, Seq: s.Seq, Kind: KindHist}
		}
		m.History = append(asHist, m.History...)
	}

	m.Incrementals = append([]Segment(nil), keep...)
	m.Dirty = true
}

var (
	ErrMultipleBase        = errors.New("aof: manifest has more than one base")
	ErrNonMonotonicIncr    = errors.New("aof: incremental sequence numbers are not strictly increasing")
	ErrDuplicateIncrSeq    = errors.New("aof: duplicate incremental sequence number")
	ErrInvalidSegmentName  = errors.New("aof: segment name embeds a path separator")
	ErrZeroSeq             = errors.New("aof: segment sequence must be >= 1")
)

// Validate checks the invariants that must hold after every
// durable manifest write. It does not check filesystem existence.
func (m *Manifest) Validate() error {
	if m.Base != nil {
		if !ValidName(m.Base.Name) {
			return fmt.Errorf("%w: %q", ErrInvalidSegmentName, m.Base.Name)
		}
		if m.Base.Seq == 0 {
			return ErrZeroSeq
		}
	}

	var last uint64
	seen := map[uint64]bool{}
	for i, s := range m.Incrementals {
		if !ValidName(s.Name) {
			return fmt.Errorf("%w: %q", ErrInvalidSegmentName, s.Name)
		}
		if s.Seq == 0 {
			return ErrZeroSeq
		}
		if seen[s.Seq] {
			return fmt.Errorf("%w: seq %d", ErrDuplicateIncrSeq, s.Seq)
		}
		seen[s.Seq] = true
		if i > 0 && s.Seq <= last {
			return fmt.Errorf("%w: seq %d follows %d", ErrNonMonotonicIncr, s.Seq, last)
		}
		last = s.Seq
	}

	for _, s := range m.History {
		if !ValidName(s.Name) {
			return fmt.Errorf("%w: %q", ErrInvalidSegmentName, s.Name)
		}
	}

	return nil
}

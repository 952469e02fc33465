package dataset

import "github.com/google/btree"

// zsetEntry is one (score, member) pair, ordered first by score then by
// member for a stable ascending traversal — the same shape a real
// sorted set's skiplist provides.
type zsetEntry struct {
	score  float64
	member string
}

func lessZSetEntry(a, b zsetEntry) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.member < b.member
}

// ZSet is a sorted set: btree-ordered by (score, member) for range scans,
// plus a map for O(1) score lookup by member, mirroring how the
// example pack's collectionv2 pairs a btree.BTreeG ordering index with a
// direct lookup for point queries.
type ZSet struct {
	tree    *btree.BTreeG[zsetEntry]
	byMember map[string]float64
}

func NewZSetContainer() *ZSet {
	return &ZSet{
		tree:     btree.NewG(32, lessZSetEntry),
		byMember: map[string]float64{},
	}
}

// Add inserts or updates member's score, returning true if the member
// is new.
func (z *ZSet) Add(member string, score float64) bool {
	if old, ok := z.byMember[member]; ok {
		if old == score {
			return false
		}
		z.tree.Delete(zsetEntry{score: old, member: member})
	}
	z.tree.ReplaceOrInsert(zsetEntry{score: score, member: member})
	_, existed := z.byMember[member]
	z.byMember[member] = score
	return !existed
}

func (z *ZSet) Score(member string) (float64, bool) {
	s, ok := z.byMember[member]
	return s, ok
}

func (z *ZSet) Remove(member string) bool {
	score, ok := z.byMember[member]
	if !ok {
		return false
	}
	z.tree.Delete(zsetEntry{score: score, member: member})
	delete(z.byMember, member)
	return true
}

func (z *ZSet) Len() int {
	return len(z.byMember)
}

// Ascend calls fn for every (member, score) pair in ascending
// (score, member) order until fn returns false.
func (z *ZSet) Ascend(fn func(member string, score float64) bool) {
	z.tree.Ascend(func(e zsetEntry) bool {
		return fn(e.member, e.score)
	})
}

package dataset

import "sort"

// SortedSetMembers returns v's set members in ascending lexical order,
// giving the serializer a stable SADD argument order across runs.
func SortedSetMembers(v *Value) []string {
	members := make([]string, 0, len(v.Set))
	for m := range v.Set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}

// SortedHashFields returns v's hash field names (names only; values
// stay in v.Hash) in ascending lexical order, for stable HMSET emission.
func SortedHashFields(v *Value) []string {
	fields := make([]string, 0, len(v.Hash))
	for f := range v.Hash {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// SortedKeys returns db's keys in ascending lexical order, the
// traversal order the serializer walks a database in so a rewrite of
// an unchanged dataset emits its keys in the same order every time.
func (d *Dataset) SortedKeys(db int) []string {
	keys := d.Keys(db)
	sort.Strings(keys)
	return keys
}

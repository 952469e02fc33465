package dataset

import "sync"

// Dataset is the in-memory value store that Apply mutates during AOF
// replay and that the serializer walks to produce a rewrite snapshot.
// It has no notion of clients, transactions or expiry sweeps beyond
// what replay needs to reconstruct exact state.
type Dataset struct {
	mu  sync.RWMutex
	dbs map[int]map[string]*Value
	// expireAtMs holds per-key absolute expirations (unix ms). A key
	// absent here never expires. Hash field expirations live on
	// HashField itself instead, since they don't evict the whole key.
	expireAtMs map[int]map[string]int64
}

func New() *Dataset {
	return &Dataset{
		dbs:        map[int]map[string]*Value{},
		expireAtMs: map[int]map[string]int64{},
	}
}

func (d *Dataset) db(n int) map[string]*Value {
	m, ok := d.dbs[n]
	if !ok {
		m = map[string]*Value{}
		d.dbs[n] = m
	}
	return m
}

func (d *Dataset) expires(n int) map[string]int64 {
	m, ok := d.expireAtMs[n]
	if !ok {
		m = map[string]int64{}
		d.expireAtMs[n] = m
	}
	return m
}

func (d *Dataset) Get(db int, key string) (*Value, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.dbs[db][key]
	return v, ok
}

func (d *Dataset) Set(db int, key string, v *Value) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.db(db)[key] = v
}

func (d *Dataset) Delete(db int, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.db(db)
	if _, ok := m[key]; !ok {
		return false
	}
	delete(m, key)
	delete(d.expires(db), key)
	return true
}

func (d *Dataset) ExpireAt(db int, key string, atMs int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.db(db)[key]; !ok {
		return
	}
	d.expires(db)[key] = atMs
}

func (d *Dataset) ExpiresAt(db int, key string) (int64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ms, ok := d.expireAtMs[db][key]
	return ms, ok
}

// DBs returns the set of database indices that currently hold at
// least one key, in ascending order, for the serializer's
// SELECT-on-db-change traversal.
func (d *Dataset) DBs() []int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]int, 0, len(d.dbs))
	for n, m := range d.dbs {
		if len(m) > 0 {
			out = append(out, n)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Keys returns the keys of one database in an arbitrary order. The
// serializer sorts them when it needs deterministic output.
func (d *Dataset) Keys(db int) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m := d.dbs[db]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func (d *Dataset) Len(db int) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.dbs[db])
}

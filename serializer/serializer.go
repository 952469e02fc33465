// Package serializer walks a dataset and emits the minimal command
// sequence that reconstructs it, in the exact framing the Writer and
// Loader already speak. It reads the live Dataset key by key and takes
// no snapshot of it, so writes applied during a walk may or may not
// appear in the output.
package serializer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fulldump/aofdb/aof"
	"github.com/fulldump/aofdb/dataset"
	"github.com/fulldump/aofdb/resp"
)

// batchSize bounds how many bulk items (list elements, set members,
// zset pairs, hash fields) go into a single command, so no argv ever
// grows unbounded for a very large collection.
const batchSize = 64

// progressEvery gates how often Progress fires by key count; the wall
// clock gate (progressMinInterval) additionally suppresses bursts on a
// fast disk.
const progressEvery = 1024

const progressMinInterval = time.Second

// ExtensionEncoder lets an external module register how its opaque
// value type is turned into commands. emit writes one already-framed
// command; the encoder may call it as many times as it needs (the N=64
// batching convention is the encoder's own responsibility, not
// enforced here, since only the registrar knows what "an item" means
// for its type).
type ExtensionEncoder func(key string, ext *dataset.ExtensionValue, emit func(argv [][]byte) error) error

// Config wires a Serializer to the dataset it walks and the optional
// collaborators a real deployment would supply.
type Config struct {
	Dataset *dataset.Dataset
	Clock   aof.Clock

	// Extensions maps an ExtensionValue.TypeName to the registrar's
	// encoding callback. A value whose type has no registered encoder
	// makes Serialize fail with an error.
	Extensions map[string]ExtensionEncoder

	// Progress is called approximately every 1024 keys, rate-limited
	// to at most once per second of wall clock, plus once more
	// unconditionally when Serialize finishes. Nil disables reporting.
	Progress func(keysDone, keysTotal int)

	// ReleasePages is called after each value is fully emitted. It
	// stands in for the fork child's madvise(DONTNEED)-style hint to
	// limit copy-on-write amplification; the default no-op reflects
	// that this process never forks, so there are no shared dirty
	// pages to reclaim.
	ReleasePages func()
}

// Serializer implements aof.Serializer against one live Dataset.
type Serializer struct {
	cfg Config
}

func New(cfg Config) *Serializer {
	if cfg.Extensions == nil {
		cfg.Extensions = map[string]ExtensionEncoder{}
	}
	return &Serializer{cfg: cfg}
}

var _ aof.Serializer = (*Serializer)(nil)

// Serialize writes a timestamp annotation followed by the minimal
// command sequence reconstructing every database in s.cfg.Dataset, in
// ascending db then ascending key order for reproducible output.
func (s *Serializer) Serialize(ctx context.Context, f *os.File) error {
	bw := bufio.NewWriterSize(f, 64*1024)

	nowMs := int64(0)
	if s.cfg.Clock != nil {
		nowMs = s.cfg.Clock.NowMs()
	}
	if err := resp.WriteTimestamp(bw, nowMs/1000); err != nil {
		return fmt.Errorf("serializer: write timestamp: %w", err)
	}

	emit := func(argv [][]byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return resp.WriteArray(bw, argv)
	}

	dbs := s.cfg.Dataset.DBs()
	keysTotal := 0
	for _, db := range dbs {
		keysTotal += s.cfg.Dataset.Len(db)
	}

	keysDone := 0
	lastProgress := time.Now()
	currentDB := 0
	selectedYet := false

	for _, db := range dbs {
		if db != 0 || !selectedYet {
			if !selectedYet || db != currentDB {
				if err := emit([][]byte{[]byte("SELECT"), []byte(fmt.Sprintf("%d", db))}); err != nil {
					return err
				}
			}
		}
		currentDB = db
		selectedYet = true

		for _, key := range s.cfg.Dataset.SortedKeys(db) {
			v, ok := s.cfg.Dataset.Get(db, key)
			if !ok {
				continue
			}
			if err := s.serializeValue(emit, key, v); err != nil {
				return fmt.Errorf("serializer: key %q: %w", key, err)
			}
			if ms, ok := s.cfg.Dataset.ExpiresAt(db, key); ok {
				if err := emit([][]byte{[]byte("PEXPIREAT"), []byte(key), []byte(fmt.Sprintf("%d", ms))}); err != nil {
					return err
				}
			}
			if s.cfg.ReleasePages != nil {
				s.cfg.ReleasePages()
			}

			keysDone++
			if s.cfg.Progress != nil && keysDone%progressEvery == 0 {
				if time.Since(lastProgress) >= progressMinInterval {
					s.cfg.Progress(keysDone, keysTotal)
					lastProgress = time.Now()
				}
			}
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("serializer: flush: %w", err)
	}
	if s.cfg.Progress != nil {
		s.cfg.Progress(keysDone, keysTotal)
	}
	return nil
}

func (s *Serializer) serializeValue(emit func([][]byte) error, key string, v *dataset.Value) error {
	switch v.Kind {
	case dataset.KindString:
		return emit([][]byte{[]byte("SET"), []byte(key), []byte(v.Str)})

	case dataset.KindList:
		for start := 0; start < len(v.List); start += batchSize {
			end := start + batchSize
			if end > len(v.List) {
				end = len(v.List)
			}
			argv := make([][]byte, 0, 2+end-start)
			argv = append(argv, []byte("RPUSH"), []byte(key))
			for _, item := range v.List[start:end] {
				argv = append(argv, []byte(item))
			}
			if err := emit(argv); err != nil {
				return err
			}
		}
		return nil

	case dataset.KindSet:
		members := dataset.SortedSetMembers(v)
		for start := 0; start < len(members); start += batchSize {
			end := start + batchSize
			if end > len(members) {
				end = len(members)
			}
			argv := make([][]byte, 0, 2+end-start)
			argv = append(argv, []byte("SADD"), []byte(key))
			for _, m := range members[start:end] {
				argv = append(argv, []byte(m))
			}
			if err := emit(argv); err != nil {
				return err
			}
		}
		return nil

	case dataset.KindZSet:
		var pairs [][2]string
		v.ZSet.Ascend(func(member string, score float64) bool {
			pairs = append(pairs, [2]string{fmt.Sprintf("%g", score), member})
			return true
		})
		for start := 0; start < len(pairs); start += batchSize {
			end := start + batchSize
			if end > len(pairs) {
				end = len(pairs)
			}
			argv := make([][]byte, 0, 2+2*(end-start))
			argv = append(argv, []byte("ZADD"), []byte(key))
			for _, p := range pairs[start:end] {
				argv = append(argv, []byte(p[0]), []byte(p[1]))
			}
			if err := emit(argv); err != nil {
				return err
			}
		}
		return nil

	case dataset.KindHash:
		return s.serializeHash(emit, key, v)

	case dataset.KindStream:
		return s.serializeStream(emit, key, v)

	case dataset.KindExtension:
		return s.serializeExtension(emit, key, v)

	default:
		return fmt.Errorf("unsupported value kind %d", v.Kind)
	}
}

func (s *Serializer) serializeHash(emit func([][]byte) error, key string, v *dataset.Value) error {
	fields := dataset.SortedHashFields(v)
	var expiring []string

	for start := 0; start < len(fields); start += batchSize {
		end := start + batchSize
		if end > len(fields) {
			end = len(fields)
		}
		argv := make([][]byte, 0, 2+2*(end-start))
		argv = append(argv, []byte("HMSET"), []byte(key))
		for _, f := range fields[start:end] {
			hf := v.Hash[f]
			argv = append(argv, []byte(f), []byte(hf.Value))
			if hf.ExpireAtMs != 0 {
				expiring = append(expiring, f)
			}
		}
		if err := emit(argv); err != nil {
			return err
		}
	}

	byExpiry := map[int64][]string{}
	for _, f := range expiring {
		ms := v.Hash[f].ExpireAtMs
		byExpiry[ms] = append(byExpiry[ms], f)
	}
	expiries := make([]int64, 0, len(byExpiry))
	for ms := range byExpiry {
		expiries = append(expiries, ms)
	}
	sort.Slice(expiries, func(i, j int) bool { return expiries[i] < expiries[j] })

	for _, ms := range expiries {
		group := byExpiry[ms]
		argv := make([][]byte, 0, 4+len(group))
		argv = append(argv, []byte("HPEXPIREAT"), []byte(key), []byte(fmt.Sprintf("%d", ms)), []byte("FIELDS"), []byte(fmt.Sprintf("%d", len(group))))
		for _, f := range group {
			argv = append(argv, []byte(f))
		}
		if err := emit(argv); err != nil {
			return err
		}
	}
	return nil
}

func (s *Serializer) serializeStream(emit func([][]byte) error, key string, v *dataset.Value) error {
	st := v.Stream

	var replayErr error
	st.Ascend(func(e *dataset.StreamEntry) bool {
		argv := make([][]byte, 0, 2+2*len(e.Fields))
		argv = append(argv, []byte("XADD"), []byte(key), []byte(e.ID.String()))
		for _, fv := range e.Fields {
			argv = append(argv, []byte(fv.Field), []byte(fv.Value))
		}
		if err := emit(argv); err != nil {
			replayErr = err
			return false
		}
		return true
	})
	if replayErr != nil {
		return replayErr
	}

	if err := emit([][]byte{[]byte("XSETID"), []byte(key), []byte(st.LastID().String())}); err != nil {
		return err
	}

	names := st.GroupNames()
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}

	for _, name := range names {
		g, _ := st.Group(name)
		if err := emit([][]byte{[]byte("XGROUP"), []byte("CREATE"), []byte(key), []byte(name), []byte(g.LastDeliveredID.String())}); err != nil {
			return err
		}

		pendingConsumers := map[string]struct{}{}
		for _, pe := range g.Pending {
			pendingConsumers[pe.Consumer] = struct{}{}
		}

		for consumer := range g.Consumers {
			if _, hasPending := pendingConsumers[consumer]; hasPending {
				continue
			}
			if err := emit([][]byte{[]byte("XGROUP"), []byte("CREATECONSUMER"), []byte(key), []byte(name), []byte(consumer)}); err != nil {
				return err
			}
		}

		for id, pe := range g.Pending {
			argv := [][]byte{
				[]byte("XCLAIM"), []byte(key), []byte(name), []byte(pe.Consumer),
				[]byte("0"), []byte(id.String()),
				[]byte("TIME"), []byte(fmt.Sprintf("%d", pe.DeliveryTimeMs)),
				[]byte("RETRYCOUNT"), []byte(fmt.Sprintf("%d", pe.DeliveryCount)),
				[]byte("JUSTID"), []byte("FORCE"),
			}
			if err := emit(argv); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Serializer) serializeExtension(emit func([][]byte) error, key string, v *dataset.Value) error {
	ext := v.Extension
	encoder, ok := s.cfg.Extensions[ext.TypeName]
	if !ok {
		return fmt.Errorf("no encoder registered for extension type %q", ext.TypeName)
	}
	if !gjson.ValidBytes(ext.Payload) {
		return fmt.Errorf("extension type %q: payload is not valid JSON", ext.TypeName)
	}
	return encoder(key, ext, emit)
}

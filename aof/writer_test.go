package aof

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fulldump/biff"
)

// controlledBIO lets tests decide exactly when a submitted fsync job
// "completes" instead of finishing synchronously like NopBIO.
type controlledBIO struct {
	mu      sync.Mutex
	pending []func()
	onDone  func(int64, error)
}

func newControlledBIO(onDone func(int64, error)) *controlledBIO {
	return &controlledBIO{onDone: onDone}
}

func (b *controlledBIO) SubmitFsync(fd *os.File, replOffset int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, func() {
		err := fd.Sync()
		b.onDone(replOffset, err)
	})
}

func (b *controlledBIO) SubmitFsyncClose(fd *os.File, replOffset int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, func() {
		err := fd.Sync()
		if cerr := fd.Close(); err == nil {
			err = cerr
		}
		b.onDone(replOffset, err)
	})
}

func (b *controlledBIO) SubmitUnlink(path string, onDone func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, func() {
		err := os.Remove(path)
		if onDone != nil {
			onDone(err)
		}
	})
}

func (b *controlledBIO) PendingFsyncs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *controlledBIO) DrainFsyncs() {
	b.CompleteAll()
}

func (b *controlledBIO) CompleteAll() {
	b.mu.Lock()
	jobs := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, j := range jobs {
		j()
	}
}

func newTestManifest(dir, prefix string) *Manifest {
	m := NewManifest()
	m.NewIncrName(prefix)
	PersistManifest(dir, prefix, m)
	return m
}

func Test_Writer_AlwaysPolicy_syncsSynchronously(t *testing.T) {

	dir := t.TempDir()
	m := newTestManifest(dir, "dump")

	w, err := NewWriter(Config{Dir: dir, Prefix: "dump", Policy: FsyncAlways, Clock: NewManualClock(0)}, m)
	biff.AssertNil(err)

	cmd := NewCommand(0, [][]byte{[]byte("SET"), []byte("k"), []byte("v")}, 0)
	biff.AssertNil(w.Feed(cmd))
	biff.AssertNil(w.Flush(true))

	biff.AssertEqual(w.LastWriteStatus(), error(nil))
	if w.DurableOffset() == 0 {
		t.Fatalf("expected durable offset to advance under Always policy")
	}
}

func Test_Writer_EverySec_postponesWhileFsyncInFlight(t *testing.T) {

	dir := t.TempDir()
	m := newTestManifest(dir, "dump")
	clock := NewManualClock(0)

	var w *Writer
	bio := newControlledBIO(func(off int64, err error) { w.OnFsyncComplete(off, err) })

	var err error
	w, err = NewWriter(Config{Dir: dir, Prefix: "dump", Policy: FsyncEverySec, BIO: bio, Clock: clock}, m)
	biff.AssertNil(err)

	// First write: nothing in flight yet, triggers an async fsync once
	// 1s has elapsed.
	biff.AssertNil(w.Feed(NewCommand(0, [][]byte{[]byte("SET"), []byte("a"), []byte("1")}, 0)))
	clock.Advance(1100 * msDuration)
	biff.AssertNil(w.Flush(false))
	if bio.PendingFsyncs() != 1 {
		t.Fatalf("expected 1 pending fsync, got %d", bio.PendingFsyncs())
	}

	// Second write arrives while the fsync above is still in flight and
	// force=false: it must be postponed, not blocked forever.
	biff.AssertNil(w.Feed(NewCommand(0, [][]byte{[]byte("SET"), []byte("b"), []byte("2")}, 0)))
	biff.AssertNil(w.Flush(false))
	if w.DelayedFsyncs() != 0 {
		t.Fatalf("expected no delayed fsync yet, postponement window not elapsed")
	}

	// Advance past the 2s postponement ceiling: the postponed write must
	// now go through even though the fsync is still "in flight".
	clock.Advance(2100 * msDuration)
	biff.AssertNil(w.Flush(false))
	if w.DelayedFsyncs() != 1 {
		t.Fatalf("expected exactly one delayed fsync to be recorded")
	}

	bio.CompleteAll()
	if w.IsFsyncInFlight() {
		t.Fatalf("expected fsync in-flight flag to clear after completion")
	}
}

func Test_Writer_Rotation_persistsManifestAndOpensNewTail(t *testing.T) {

	dir := t.TempDir()
	m := newTestManifest(dir, "dump")

	w, err := NewWriter(Config{Dir: dir, Prefix: "dump", Policy: FsyncNever}, m)
	biff.AssertNil(err)

	biff.AssertNil(w.Feed(NewCommand(0, [][]byte{[]byte("SET"), []byte("k"), []byte("v")}, 0)))
	biff.AssertNil(w.Flush(true))

	before := w.Manifest().LastIncrName("dump")
	biff.AssertNil(w.OpenNewIncrForAppend())
	after := w.Manifest().LastIncrName("dump")

	if before.Name == after.Name {
		t.Fatalf("expected a new tail incremental after rotation")
	}
	if _, err := os.Stat(filepath.Join(dir, after.Name)); err != nil {
		t.Fatalf("new tail file not created: %v", err)
	}

	reloaded, err := LoadManifest(filepath.Join(dir, ManifestFileName("dump")))
	biff.AssertNil(err)
	biff.AssertEqual(reloaded.LastIncrName("dump").Name, after.Name)
}

func Test_Writer_WaitRewrite_usesTempIncrWithoutManifestMutation(t *testing.T) {

	dir := t.TempDir()
	m := newTestManifest(dir, "dump")

	w, err := NewWriter(Config{Dir: dir, Prefix: "dump", Policy: FsyncNever}, m)
	biff.AssertNil(err)

	before := w.Manifest().Dup()

	w.BeginWaitRewrite()
	biff.AssertNil(w.OpenNewIncrForAppend())

	if _, err := os.Stat(filepath.Join(dir, tempIncrName("dump"))); err != nil {
		t.Fatalf("expected temp incr file to exist: %v", err)
	}

	after := w.Manifest()
	biff.AssertEqual(len(after.Incrementals), len(before.Incrementals))
}

const msDuration = 1000000 // nanoseconds per millisecond, avoids importing time in this file

package aof

import (
	"bufio"
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulldump/aofdb/resp"
)

type State int

const (
	StateOff State = iota
	StateOn
	StateWaitRewrite
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateOn:
		return "on"
	case StateWaitRewrite:
		return "wait-rewrite"
	default:
		return "unknown"
	}
}

type FsyncPolicy int

const (
	FsyncNever FsyncPolicy = iota
	FsyncEverySec
	FsyncAlways
)

const fsyncEverySecMs = 1000
const shrinkBufferThreshold = 1 << 20 // 1MiB; below this we keep the buffer's capacity

// EverySecPostponeCeiling is the hard cap on how long a non-forced
// EverySec Flush postpones writing its buffer while a background fsync
// is in flight. Past it the buffer is written without waiting for that
// fsync, and the delayed-fsync counter is incremented.
const EverySecPostponeCeiling = 2 * time.Second

const postponeMaxMs = int64(EverySecPostponeCeiling / time.Millisecond)

// Writer buffers propagated commands, flushes them to the tail segment
// and enforces the configured fsync policy.
type Writer struct {
	dir    string
	prefix string

	manifest atomic.Pointer[Manifest]

	fd  *os.File
	buf bytes.Buffer

	lastIncrSize        int64 // bytes written to the *current* tail, used for truncation recovery
	lastIncrFsyncOffset int64 // bytes of the current tail confirmed by a synchronous (Always) fsync; background fsync completions do not update it
	lastFsyncMs         int64
	postponedFlushStart int64 // 0 means unset
	selectedDB          int
	state               State
	lastWriteErr        error
	policy              FsyncPolicy
	delayedFsyncs       uint64
	bioFsyncErr         error

	// globalWritten/globalSynced are monotonic byte counters spanning the
	// writer's whole lifetime, not reset on rotation; they back the
	// durable replication offset published to WAITAOF callers.
	globalWritten int64
	globalSynced  int64

	timestampsEnabled bool
	lastTsSecond      int64
	noFsyncOnRewrite  bool
	forkChildActive   atomic.Bool

	bio           BIO
	clock         Clock
	fsyncInFlight atomic.Bool
	durableOffset atomic.Int64

	mu  sync.Mutex
	log *log.Logger
}

type Config struct {
	Dir               string
	Prefix            string
	Policy            FsyncPolicy
	TimestampsEnabled bool
	NoFsyncOnRewrite  bool
	BIO               BIO
	Clock             Clock
	Logger            *log.Logger
}

// NewWriter opens (or creates) the tail incremental named by m and
// returns a Writer positioned to append after it. Callers are expected
// to have already run Loader against m so in-memory state matches what
// is on disk.
func NewWriter(cfg Config, m *Manifest) (*Writer, error) {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.BIO == nil {
		cfg.BIO = NewNopBIO(nil)
	}

	w := &Writer{
		dir:               cfg.Dir,
		prefix:            cfg.Prefix,
		policy:            cfg.Policy,
		timestampsEnabled: cfg.TimestampsEnabled,
		noFsyncOnRewrite:  cfg.NoFsyncOnRewrite,
		bio:               cfg.BIO,
		clock:             cfg.Clock,
		log:               cfg.Logger,
		state:             StateOn,
	}
	w.manifest.Store(m)

	tail := m.LastIncrName(w.prefix) // creates one and marks m dirty if the manifest had none
	if m.Dirty {
		if err := PersistManifest(w.dir, w.prefix, m); err != nil {
			return nil, fmt.Errorf("persist manifest for initial tail: %w", err)
		}
	}

	fd, err := os.OpenFile(filepath.Join(w.dir, tail.Name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open tail incr for append: %w", err)
	}
	w.fd = fd

	if fi, err := fd.Stat(); err == nil {
		w.lastIncrSize = fi.Size()
		w.lastIncrFsyncOffset = fi.Size()
	}

	return w, nil
}

// Manifest returns the currently live manifest snapshot. Safe to call
// concurrently; the returned value is immutable.
func (w *Writer) Manifest() *Manifest {
	return w.manifest.Load()
}

// SwapManifest atomically installs m as the live manifest. Callers must
// have already persisted m; this only updates the in-memory pointer
// so a concurrent reader never observes a torn manifest.
func (w *Writer) SwapManifest(m *Manifest) {
	w.manifest.Store(m)
}

func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// DurableOffset returns the monotonically increasing "durable
// replication offset" published once bytes up to it are fsynced. It
// backs the WAITAOF primitive.
func (w *Writer) DurableOffset() int64 {
	return w.durableOffset.Load()
}

func (w *Writer) LastWriteStatus() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastWriteErr
}

func (w *Writer) DelayedFsyncs() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.delayedFsyncs
}

// BIOFsyncStatus reports the outcome of the most recently completed
// background fsync job, nil meaning Ok. A background fsync failure is
// nonfatal: it is logged and the next scheduled fsync attempt is
// expected to retry.
func (w *Writer) BIOFsyncStatus() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bioFsyncErr
}

// Feed encodes one command in RESP framing and appends it to the
// pending buffer. If the target database differs from the last written
// one, a SELECT is prepended. If timestamp annotations are enabled and
// the current epoch second has advanced, a "#TS:<epoch>\r\n" line is
// emitted first.
func (w *Writer) Feed(cmd *Command) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateOff {
		return ErrClosed
	}

	bw := bufio.NewWriter(&w.buf)

	if w.timestampsEnabled {
		sec := cmd.Timestamp / 1e9
		if sec > w.lastTsSecond {
			resp.WriteTimestamp(bw, sec)
			w.lastTsSecond = sec
		}
	}

	if cmd.DB != w.selectedDB {
		resp.WriteArray(bw, [][]byte{[]byte("SELECT"), []byte(fmt.Sprintf("%d", cmd.DB))})
		w.selectedDB = cmd.DB
	}

	if err := resp.WriteArray(bw, cmd.Argv); err != nil {
		return err
	}
	return bw.Flush()
}

// Flush writes the pending buffer to the tail fd (subject to
// fsync-postponement under EverySec) and drives the fsync stage.
func (w *Writer) Flush(force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(force)
}

func (w *Writer) flushLocked(force bool) error {
	nowMs := w.clock.NowMs()

	if w.buf.Len() == 0 {
		if !w.fsyncDueLocked(nowMs) {
			return nil
		}
		return w.fsyncStageLocked(nowMs)
	}

	if w.policy == FsyncEverySec && !force {
		if w.fsyncInFlight.Load() {
			if w.postponedFlushStart == 0 {
				w.postponedFlushStart = nowMs
			}
			if nowMs-w.postponedFlushStart < postponeMaxMs {
				return nil
			}
			w.delayedFsyncs++
		}
	}
	w.postponedFlushStart = 0

	data := w.buf.Bytes()
	n, err := writeAllWithRetry(w.fd, data)
	if n > 0 {
		w.lastIncrSize += int64(n)
		w.globalWritten += int64(n)
	}

	if err != nil {
		// Partial write: try to truncate the tail back to a clean
		// boundary so a future append does not corrupt a command.
		if n > 0 && n < len(data) {
			if terr := w.fd.Truncate(w.lastIncrSize - int64(n)); terr == nil {
				w.lastIncrSize -= int64(n)
				w.globalWritten -= int64(n)
				n = -1
			}
		}

		if w.policy == FsyncAlways {
			w.log.Fatalf("aof: write failed under Always policy, terminating: %v", err)
		}

		w.lastWriteErr = err
		remaining := data
		if n > 0 {
			remaining = data[n:]
		}
		w.buf.Reset()
		w.buf.Write(remaining)
		return fmt.Errorf("aof: write failed, will retry: %w", err)
	}

	w.lastWriteErr = nil
	w.buf.Reset()
	if w.buf.Cap() > shrinkBufferThreshold {
		w.buf = bytes.Buffer{}
	}

	return w.fsyncStageLocked(nowMs)
}

func (w *Writer) fsyncDueLocked(nowMs int64) bool {
	unsynced := w.globalWritten > w.globalSynced
	switch w.policy {
	case FsyncEverySec:
		return unsynced && nowMs-w.lastFsyncMs >= fsyncEverySecMs
	case FsyncAlways:
		return unsynced
	default:
		return false
	}
}

func (w *Writer) fsyncStageLocked(nowMs int64) error {
	if w.noFsyncOnRewrite && w.forkChildActive.Load() {
		// Documented, explicit weakening of the Always contract while a
		// rewrite child is running.
		return nil
	}

	switch w.policy {
	case FsyncAlways:
		if err := w.fd.Sync(); err != nil {
			w.log.Fatalf("aof: fsync failed under Always policy, terminating: %v", err)
		}
		w.lastFsyncMs = nowMs
		w.lastIncrFsyncOffset = w.lastIncrSize
		w.globalSynced = w.globalWritten
		w.publishDurableLocked()
	case FsyncEverySec:
		if !w.fsyncInFlight.Load() && nowMs-w.lastFsyncMs >= fsyncEverySecMs {
			w.fsyncInFlight.Store(true)
			w.bio.SubmitFsync(w.fd, w.globalWritten)
			w.lastFsyncMs = nowMs
		}
	case FsyncNever:
		// delegated to the OS
	}
	return nil
}

// OnFsyncComplete is the BIO completion callback: replOffset is the
// snapshot of globalWritten taken when the job was submitted. err is
// the fsync's own outcome; a non-nil err means replOffset must not be
// treated as durable, so the watermark is left untouched, the failure
// is logged, and bio_fsync_status is recorded for BIOFsyncStatus. Wire
// this via the BIO's onFsyncDone hook at construction time.
func (w *Writer) OnFsyncComplete(replOffset int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bioFsyncErr = err
	w.fsyncInFlight.Store(false)
	if err != nil {
		w.log.Printf("aof: background fsync failed: %v", err)
		return
	}
	if replOffset > w.globalSynced {
		w.globalSynced = replOffset
	}
	w.publishDurableLocked()
}

func (w *Writer) publishDurableLocked() {
	if w.globalSynced > w.durableOffset.Load() {
		w.durableOffset.Store(w.globalSynced)
	}
}

func (w *Writer) IsFsyncInFlight() bool {
	return w.fsyncInFlight.Load()
}

func (w *Writer) DrainFsyncs() {
	w.bio.DrainFsyncs()
}

// OpenNewIncrForAppend rotates the tail segment.
func (w *Writer) OpenNewIncrForAppend() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(true); err != nil {
		return err
	}

	if w.state == StateWaitRewrite {
		path := filepath.Join(w.dir, tempIncrName(w.prefix))
		fd, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open temp incr for wait-rewrite: %w", err)
		}
		oldFd := w.fd
		w.fd = fd
		w.lastIncrSize = 0
		w.lastIncrFsyncOffset = 0
		// Fsync-then-close ordering: the old tail's buffered bytes
		// must be durable before the fd is closed.
		w.bio.SubmitFsyncClose(oldFd, w.globalWritten)
		return nil
	}

	m := w.manifest.Load()
	dup := m.Dup()
	newSeg := dup.NewIncrName(w.prefix)

	if err := PersistManifest(w.dir, w.prefix, dup); err != nil {
		return fmt.Errorf("persist manifest for rotation: %w", err)
	}

	fd, err := os.OpenFile(filepath.Join(w.dir, newSeg.Name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open new incr: %w", err)
	}

	oldFd := w.fd

	w.manifest.Store(dup)
	w.fd = fd
	w.lastIncrSize = 0
	w.lastIncrFsyncOffset = 0

	// Fsync-then-close ordering: fsync of the old fd must happen
	// before close so no reordering can lose already-buffered bytes.
	w.bio.SubmitFsyncClose(oldFd, w.globalWritten)

	return nil
}

// BeginWaitRewrite transitions the writer into WaitRewrite state ahead
// of a rewrite child starting. Foreground writes continue into a
// temporary incremental until the rewrite completes.
func (w *Writer) BeginWaitRewrite() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateWaitRewrite
}

// CompleteWaitRewrite transitions back to On after a rewrite finalizes,
// publishing the caller-supplied durable offset baseline.
func (w *Writer) CompleteWaitRewrite(fsyncedReplOffsetPending int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateOn
	if fsyncedReplOffsetPending > w.durableOffset.Load() {
		w.durableOffset.Store(fsyncedReplOffsetPending)
	}
}

// AbortWaitRewrite drops the accumulated foreground buffer content
// and removes the temp incremental; called after a
// failed or aborted rewrite when the writer had been pinned to
// WaitRewrite.
func (w *Writer) AbortWaitRewrite() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateWaitRewrite {
		return
	}
	w.buf.Reset()
	w.state = StateOn
	path := filepath.Join(w.dir, tempIncrName(w.prefix))
	w.bio.SubmitUnlink(path, nil)
}

// SetForkChildActive flags whether a rewrite child is currently running,
// consulted by the fsync stage when NoFsyncOnRewrite is set.
func (w *Writer) SetForkChildActive(active bool) {
	w.forkChildActive.Store(active)
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(true); err != nil {
		w.log.Printf("aof: flush on close failed: %v", err)
	}
	w.state = StateOff
	return w.fd.Close()
}

// writeAllWithRetry writes data in full, retrying on short writes and
// EINTR-style interrupted writes.
func writeAllWithRetry(fd *os.File, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n, err := fd.Write(data[total:])
		total += n
		if err != nil {
			if isRetryable(err) {
				continue
			}
			return total, err
		}
	}
	return total, nil
}

func isRetryable(err error) bool {
	return false // os.File.Write already retries EINTR internally on Go's runtime.
}

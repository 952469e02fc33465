package aof

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Serializer writes a minimal command sequence recreating the current
// dataset to w. Real value iteration is an external collaborator; ctx
// is honored as the cooperative cancellation signal that stands in for
// killing the fork child.
type Serializer interface {
	Serialize(ctx context.Context, w *os.File) error
}

type RewriterConfig struct {
	Dir         string
	Prefix      string
	Writer      *Writer
	Serializer  Serializer
	BIO         BIO
	Clock       Clock
	Logger      *log.Logger
	RateLimiter *RewriteRateLimiter
}

// Rewriter orchestrates the background rewrite protocol without
// fork(): the "child" is a goroutine writing to a temp file, and the
// "distinguished abort signal" is context cancellation.
type Rewriter struct {
	dir        string
	prefix     string
	writer     *Writer
	serializer Serializer
	bio        BIO
	clock      Clock
	log        *log.Logger
	limiter    *RewriteRateLimiter

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	lastStatus error

	historyDeleteErrors atomic.Int64
}

func NewRewriter(cfg RewriterConfig) *Rewriter {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.BIO == nil {
		cfg.BIO = NewNopBIO(nil)
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = NewRewriteRateLimiter(cfg.Clock)
	}
	return &Rewriter{
		dir:        cfg.Dir,
		prefix:     cfg.Prefix,
		writer:     cfg.Writer,
		serializer: cfg.Serializer,
		bio:        cfg.BIO,
		clock:      cfg.Clock,
		log:        cfg.Logger,
		limiter:    cfg.RateLimiter,
	}
}

func (rw *Rewriter) Running() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.running
}

func (rw *Rewriter) LastStatus() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.lastStatus
}

// LastHistoryDeleteErrors reports how many best-effort history-segment
// unlinks have failed across every completed rewrite. History deletion
// is advisory: a failed unlink never fails the rewrite itself.
func (rw *Rewriter) LastHistoryDeleteErrors() int {
	return int(rw.historyDeleteErrors.Load())
}

// Start begins a rewrite. manual=false requests are subject to the
// rate limiter; manual=true bypasses it. Start returns once the child
// goroutine has been launched, not once the rewrite finishes; use
// Wait to block for completion.
func (rw *Rewriter) Start(manual bool) error {
	rw.mu.Lock()
	if rw.running {
		rw.mu.Unlock()
		return ErrRewriteInProgress
	}
	if !manual && !rw.limiter.Allowed() {
		rw.mu.Unlock()
		return ErrRewriteRateLimited
	}
	rw.mu.Unlock()

	if err := os.MkdirAll(rw.dir, 0755); err != nil {
		return fmt.Errorf("aof: rewrite precheck, create dir: %w", err)
	}

	wasWaitRewrite := rw.writer.State() == StateWaitRewrite

	if err := rw.writer.OpenNewIncrForAppend(); err != nil {
		return fmt.Errorf("aof: rewrite could not rotate writer: %w", err)
	}

	rw.writer.DrainFsyncs()
	fsyncedReplOffsetPending := rw.writer.DurableOffset()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	rw.mu.Lock()
	rw.running = true
	rw.cancel = cancel
	rw.done = done
	rw.mu.Unlock()

	go rw.run(ctx, done, wasWaitRewrite, fsyncedReplOffsetPending)

	return nil
}

// Abort cancels a running rewrite; the child treats context
// cancellation as a clean abort, distinct from a real failure, and it
// does not count against consecutive_failures.
func (rw *Rewriter) Abort() {
	rw.mu.Lock()
	cancel := rw.cancel
	rw.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current (or most recently started) rewrite
// finishes. It is a no-op if none has ever run.
func (rw *Rewriter) Wait() {
	rw.mu.Lock()
	done := rw.done
	rw.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (rw *Rewriter) run(ctx context.Context, done chan struct{}, wasWaitRewrite bool, fsyncedReplOffsetPending int64) {
	defer close(done)

	rw.writer.SetForkChildActive(true)
	defer rw.writer.SetForkChildActive(false)

	tempPath := filepath.Join(rw.dir, tempRewriteBaseName(os.Getpid()))

	err := rw.writeChildSnapshot(ctx, tempPath)

	rw.mu.Lock()
	rw.running = false
	rw.mu.Unlock()

	if err != nil {
		os.Remove(tempPath)
		if errors.Is(err, context.Canceled) {
			rw.log.Printf("aof: rewrite aborted")
			rw.finish(ErrRewriteAborted, wasWaitRewrite, false)
			return
		}
		rw.log.Printf("aof: rewrite child failed: %v", err)
		rw.finish(err, wasWaitRewrite, true)
		return
	}

	if err := rw.finalizeSuccess(tempPath, wasWaitRewrite, fsyncedReplOffsetPending); err != nil {
		rw.log.Printf("aof: rewrite finalize failed: %v", err)
		os.Remove(tempPath)
		rw.finish(err, wasWaitRewrite, true)
		return
	}

	rw.limiter.OnSuccess()
	rw.finish(nil, wasWaitRewrite, false)
}

// finish applies the shared cleanup and updates rate
// limiter / last-status bookkeeping. countsAsFailure distinguishes a
// real failure from a clean abort, which must not increment
// consecutive_failures.
func (rw *Rewriter) finish(status error, wasWaitRewrite, countsAsFailure bool) {
	if countsAsFailure {
		rw.limiter.OnFailure()
	}
	if wasWaitRewrite && status != nil {
		rw.writer.AbortWaitRewrite()
	}

	rw.mu.Lock()
	rw.lastStatus = status
	rw.cancel = nil
	rw.mu.Unlock()
}

func (rw *Rewriter) writeChildSnapshot(ctx context.Context, tempPath string) error {
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open rewrite temp file: %w", err)
	}

	if err := rw.serializer.Serialize(ctx, f); err != nil {
		f.Close()
		return err
	}

	if err := ctx.Err(); err != nil {
		f.Close()
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync rewrite temp file: %w", err)
	}
	return f.Close()
}

// finalizeSuccess handles the successful-rewrite case.
func (rw *Rewriter) finalizeSuccess(tempPath string, wasWaitRewrite bool, fsyncedReplOffsetPending int64) error {
	m := rw.writer.Manifest()
	dup := m.Dup()

	newBase := dup.NewBaseName(rw.prefix, false)
	newBasePath := filepath.Join(rw.dir, newBase.Name)
	if err := os.Rename(tempPath, newBasePath); err != nil {
		return fmt.Errorf("rename rewrite output into base: %w", err)
	}

	if wasWaitRewrite {
		tempIncrPath := filepath.Join(rw.dir, tempIncrName(rw.prefix))
		newIncr := dup.NewIncrName(rw.prefix)
		newIncrPath := filepath.Join(rw.dir, newIncr.Name)
		if err := os.Rename(tempIncrPath, newIncrPath); err != nil {
			os.Remove(newBasePath)
			return fmt.Errorf("rename wait-rewrite temp incr into place: %w", err)
		}
	}

	dup.MarkRewrittenIncrsAsHistory(true)

	if err := PersistManifest(rw.dir, rw.prefix, dup); err != nil {
		os.Remove(newBasePath)
		return fmt.Errorf("persist post-rewrite manifest: %w", err)
	}

	rw.writer.SwapManifest(dup)
	if wasWaitRewrite {
		rw.writer.CompleteWaitRewrite(fsyncedReplOffsetPending)
	}

	newlyHistoryCount := len(dup.History) - len(m.History)
	if newlyHistoryCount > 0 {
		rw.scheduleHistoryDeletion(dup.History[:newlyHistoryCount])
	}

	return nil
}

func (rw *Rewriter) scheduleHistoryDeletion(segs []Segment) {
	for _, s := range segs {
		path := filepath.Join(rw.dir, s.Name)
		rw.bio.SubmitUnlink(path, func(err error) {
			if err != nil {
				rw.historyDeleteErrors.Add(1)
				rw.log.Printf("aof: best-effort history delete failed for %s: %v", path, err)
			}
		})
	}
}

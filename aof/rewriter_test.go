package aof

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulldump/biff"
)

type fakeSerializer struct {
	data []byte
	err  error
}

func (f *fakeSerializer) Serialize(ctx context.Context, w *os.File) error {
	if f.err != nil {
		return f.err
	}
	_, err := w.Write(f.data)
	return err
}

type blockingSerializer struct {
	unblock chan struct{}
}

func (b *blockingSerializer) Serialize(ctx context.Context, w *os.File) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.unblock:
		return nil
	}
}

func newTestRewriter(dir string, w *Writer, s Serializer, rl *RewriteRateLimiter) *Rewriter {
	return NewRewriter(RewriterConfig{
		Dir:         dir,
		Prefix:      "dump",
		Writer:      w,
		Serializer:  s,
		Clock:       NewManualClock(0),
		RateLimiter: rl,
	})
}

func Test_Rewriter_SuccessfulRewrite_normalState(t *testing.T) {

	dir := t.TempDir()
	m := newTestManifest(dir, "dump")
	w, err := NewWriter(Config{Dir: dir, Prefix: "dump", Policy: FsyncNever}, m)
	biff.AssertNil(err)

	biff.AssertNil(w.Feed(NewCommand(0, [][]byte{[]byte("SET"), []byte("k"), []byte("v")}, 0)))
	biff.AssertNil(w.Flush(true))

	rw := newTestRewriter(dir, w, &fakeSerializer{data: []byte("*1\r\n$4\r\nPING\r\n")}, nil)

	biff.AssertNil(rw.Start(true))
	rw.Wait()
	biff.AssertNil(rw.LastStatus())

	reloaded, err := LoadManifest(filepath.Join(dir, ManifestFileName("dump")))
	biff.AssertNil(err)
	if reloaded.Base == nil {
		t.Fatalf("expected a base segment after successful rewrite")
	}
	if len(reloaded.Incrementals) != 1 {
		t.Fatalf("expected exactly one live incremental after rewrite, got %d", len(reloaded.Incrementals))
	}
	if len(reloaded.History) == 0 {
		t.Fatalf("expected the pre-rewrite incremental to be reclassified as history")
	}
	if _, err := os.Stat(filepath.Join(dir, reloaded.Base.Name)); err != nil {
		t.Fatalf("expected base file on disk: %v", err)
	}
}

func Test_Rewriter_SuccessfulRewrite_waitRewriteState(t *testing.T) {

	dir := t.TempDir()
	m := newTestManifest(dir, "dump")
	w, err := NewWriter(Config{Dir: dir, Prefix: "dump", Policy: FsyncNever}, m)
	biff.AssertNil(err)

	w.BeginWaitRewrite()

	rw := newTestRewriter(dir, w, &fakeSerializer{data: []byte("*1\r\n$4\r\nPING\r\n")}, nil)
	biff.AssertNil(rw.Start(true))
	rw.Wait()
	biff.AssertNil(rw.LastStatus())

	biff.AssertEqual(w.State(), StateOn)

	reloaded, err := LoadManifest(filepath.Join(dir, ManifestFileName("dump")))
	biff.AssertNil(err)
	if len(reloaded.Incrementals) != 1 {
		t.Fatalf("expected exactly one live incremental (the renamed temp), got %d", len(reloaded.Incrementals))
	}
	if _, err := os.Stat(filepath.Join(dir, tempIncrName("dump"))); err == nil {
		t.Fatalf("expected the temp incr to have been renamed away")
	}
}

func Test_Rewriter_FailedChild_engagesRateLimiterAfterThreshold(t *testing.T) {

	rl := NewRewriteRateLimiter(NewManualClock(0))

	for i := 0; i < rewriteFailureThreshold; i++ {
		dir := t.TempDir()
		m := newTestManifest(dir, "dump")
		w, err := NewWriter(Config{Dir: dir, Prefix: "dump", Policy: FsyncNever}, m)
		biff.AssertNil(err)

		rw := newTestRewriter(dir, w, &fakeSerializer{err: errors.New("disk full")}, rl)
		biff.AssertNil(rw.Start(true))
		rw.Wait()
		if rw.LastStatus() == nil {
			t.Fatalf("expected a failure status on iteration %d", i)
		}
		w.Close()
	}

	if rl.Allowed() {
		t.Fatalf("expected automatic rewrites to be rate limited after %d consecutive failures", rewriteFailureThreshold)
	}
}

func Test_Rewriter_Abort_doesNotCountAsFailure(t *testing.T) {

	dir := t.TempDir()
	m := newTestManifest(dir, "dump")
	w, err := NewWriter(Config{Dir: dir, Prefix: "dump", Policy: FsyncNever}, m)
	biff.AssertNil(err)

	rl := NewRewriteRateLimiter(NewManualClock(0))
	blocker := &blockingSerializer{unblock: make(chan struct{})}
	rw := newTestRewriter(dir, w, blocker, rl)

	biff.AssertNil(rw.Start(true))
	rw.Abort()
	rw.Wait()

	biff.AssertEqual(rw.LastStatus(), ErrRewriteAborted)
	biff.AssertEqual(rl.ConsecutiveFailures(), 0)
}

func Test_Rewriter_RejectsConcurrentStart(t *testing.T) {

	dir := t.TempDir()
	m := newTestManifest(dir, "dump")
	w, err := NewWriter(Config{Dir: dir, Prefix: "dump", Policy: FsyncNever}, m)
	biff.AssertNil(err)

	blocker := &blockingSerializer{unblock: make(chan struct{})}
	rw := newTestRewriter(dir, w, blocker, nil)

	biff.AssertNil(rw.Start(true))
	err = rw.Start(true)
	biff.AssertEqual(err, ErrRewriteInProgress)

	rw.Abort()
	rw.Wait()
}

func Test_Rewriter_HistoryDeletion_reportsErrors(t *testing.T) {

	dir := t.TempDir()
	m := newTestManifest(dir, "dump")
	w, err := NewWriter(Config{Dir: dir, Prefix: "dump", Policy: FsyncNever}, m)
	biff.AssertNil(err)

	bio := newControlledBIO(func(int64, error) {})
	rw := NewRewriter(RewriterConfig{
		Dir:        dir,
		Prefix:     "dump",
		Writer:     w,
		Serializer: &fakeSerializer{data: []byte("*1\r\n$4\r\nPING\r\n")},
		BIO:        bio,
		Clock:      NewManualClock(0),
	})

	biff.AssertNil(rw.Start(true))
	rw.Wait()
	biff.AssertNil(rw.LastStatus())

	// Remove the history file out from under BIO so the scheduled
	// unlink fails when it eventually runs.
	reloaded, err := LoadManifest(filepath.Join(dir, ManifestFileName("dump")))
	biff.AssertNil(err)
	for _, s := range reloaded.History {
		os.Remove(filepath.Join(dir, s.Name))
	}

	bio.CompleteAll()
	if rw.LastHistoryDeleteErrors() == 0 {
		t.Fatalf("expected at least one reported history delete error")
	}
}

package aof

import "os"

// BIO is the consumed interface onto the background I/O worker pool
// The core never waits on individual jobs, only queries whether
// an AOF fsync is in flight and, at controlled points, drains them.
type BIO interface {
	SubmitFsync(fd *os.File, replOffset int64)
	SubmitFsyncClose(fd *os.File, replOffset int64)

	// SubmitUnlink removes path in the background, reporting the
	// outcome via onDone once it runs. onDone may be nil.
	SubmitUnlink(path string, onDone func(error))

	// PendingFsyncs reports the number of fsync/fsync-close jobs not yet
	// completed.
	PendingFsyncs() int

	// DrainFsyncs blocks until every submitted fsync/fsync-close job has
	// completed.
	DrainFsyncs()
}

// NopBIO performs every job synchronously on the calling goroutine. It
// exists for tests and for callers that have not wired a real pool; it
// satisfies the BIO contract but defeats the point of offloading fsync.
type NopBIO struct {
	onFsyncDone func(replOffset int64, err error)
}

func NewNopBIO(onFsyncDone func(replOffset int64, err error)) *NopBIO {
	return &NopBIO{onFsyncDone: onFsyncDone}
}

func (b *NopBIO) SubmitFsync(fd *os.File, replOffset int64) {
	err := fd.Sync()
	if b.onFsyncDone != nil {
		b.onFsyncDone(replOffset, err)
	}
}

func (b *NopBIO) SubmitFsyncClose(fd *os.File, replOffset int64) {
	err := fd.Sync()
	if cerr := fd.Close(); err == nil {
		err = cerr
	}
	if b.onFsyncDone != nil {
		b.onFsyncDone(replOffset, err)
	}
}

func (b *NopBIO) SubmitUnlink(path string, onDone func(error)) {
	err := os.Remove(path)
	if onDone != nil {
		onDone(err)
	}
}

func (b *NopBIO) PendingFsyncs() int { return 0 }
func (b *NopBIO) DrainFsyncs()       {}

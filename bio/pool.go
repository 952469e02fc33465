// Package bio is a small background-I/O worker pool: one goroutine
// drains fsync/fsync-close jobs, a second drains unlink jobs, so a slow
// disk on one class of job never head-of-line-blocks the other. It is
// the concrete aof.BIO used outside of tests.
package bio

import (
	"os"
	"sync"
	"sync/atomic"
)

type fsyncJob struct {
	fd         *os.File
	replOffset int64
	closeAfter bool
}

type unlinkJob struct {
	path   string
	onDone func(error)
}

// Pool runs two dedicated worker goroutines, one goroutine per job
// class, so an fsync backlog cannot delay unlinks (or the reverse).
type Pool struct {
	onFsyncDone func(replOffset int64, err error)

	fsyncJobs  chan fsyncJob
	unlinkJobs chan unlinkJob

	pending int64 // atomic: fsync/fsync-close jobs not yet completed
	wg      sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
	workersWG sync.WaitGroup
}

// New builds a Pool. onFsyncDone is called once per completed
// fsync/fsync-close job with the replicated-offset marker and the
// fsync error, if any; a non-nil err means the offset must not be
// treated as durable.
func New(onFsyncDone func(replOffset int64, err error)) *Pool {
	p := &Pool{
		onFsyncDone: onFsyncDone,
		fsyncJobs:   make(chan fsyncJob, 4096),
		unlinkJobs:  make(chan unlinkJob, 4096),
		closed:      make(chan struct{}),
	}
	p.workersWG.Add(2)
	go p.fsyncLoop()
	go p.unlinkLoop()
	return p
}

func (p *Pool) runFsyncJob(job fsyncJob) {
	err := job.fd.Sync()
	if job.closeAfter {
		if cerr := job.fd.Close(); err == nil {
			err = cerr
		}
	}
	if p.onFsyncDone != nil {
		p.onFsyncDone(job.replOffset, err)
	}
	atomic.AddInt64(&p.pending, -1)
	p.wg.Done()
}

func (p *Pool) runUnlinkJob(job unlinkJob) {
	err := os.Remove(job.path)
	if job.onDone != nil {
		job.onDone(err)
	}
}

func (p *Pool) fsyncLoop() {
	defer p.workersWG.Done()
	for {
		select {
		case job := <-p.fsyncJobs:
			p.runFsyncJob(job)
		case <-p.closed:
			for {
				select {
				case job := <-p.fsyncJobs:
					p.runFsyncJob(job)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) unlinkLoop() {
	defer p.workersWG.Done()
	for {
		select {
		case job := <-p.unlinkJobs:
			p.runUnlinkJob(job)
		case <-p.closed:
			for {
				select {
				case job := <-p.unlinkJobs:
					p.runUnlinkJob(job)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) SubmitFsync(fd *os.File, replOffset int64) {
	atomic.AddInt64(&p.pending, 1)
	p.wg.Add(1)
	p.fsyncJobs <- fsyncJob{fd: fd, replOffset: replOffset}
}

func (p *Pool) SubmitFsyncClose(fd *os.File, replOffset int64) {
	atomic.AddInt64(&p.pending, 1)
	p.wg.Add(1)
	p.fsyncJobs <- fsyncJob{fd: fd, replOffset: replOffset, closeAfter: true}
}

func (p *Pool) SubmitUnlink(path string, onDone func(error)) {
	p.unlinkJobs <- unlinkJob{path: path, onDone: onDone}
}

func (p *Pool) PendingFsyncs() int {
	return int(atomic.LoadInt64(&p.pending))
}

func (p *Pool) DrainFsyncs() {
	p.wg.Wait()
}

// Close stops both workers after draining whatever is already queued.
// It does not wait for jobs submitted concurrently with the call.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	p.workersWG.Wait()
}

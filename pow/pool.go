package pow

import (
	"context"
	"runtime"
	"sync"
)

// Job carries one solution check through the worker pool.
type Job struct {
	Nonce       int64
	Seed        string
	VisitorID   string
	TraceData   string
	ClaimedHash string
	Difficulty  int
	Params      Params
}

type task struct {
	job    Job
	result chan Result
}

// Pool runs Argon2d verification on a fixed set of worker goroutines so
// the memory-hard computation never blocks the request goroutines
// directly and total memory use stays bounded at workers*MemoryKB.
type Pool struct {
	tasks chan task
	wg    sync.WaitGroup

	closeOnce sync.Once
	size      int
}

// DefaultPoolSize is the worker count used when none is configured:
// one per CPU, leaving one core for the I/O path.
func DefaultPoolSize() int {
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}

// NewPool starts a verification pool with the given number of workers.
// Sizes below 1 fall back to DefaultPoolSize.
func NewPool(size int) *Pool {
	if size < 1 {
		size = DefaultPoolSize()
	}
	p := &Pool{
		tasks: make(chan task),
		size:  size,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		j := t.job
		t.result <- VerifySolution(j.Nonce, j.Seed, j.VisitorID, j.TraceData, j.ClaimedHash, j.Difficulty, j.Params)
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Verify submits a job and waits for its result. It returns early with
// ctx.Err() if the context is cancelled before a worker picks the job
// up or finishes it.
func (p *Pool) Verify(ctx context.Context, job Job) (Result, error) {
	result := make(chan Result, 1)
	select {
	case p.tasks <- task{job: job, result: result}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-result:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close stops accepting jobs and waits for in-flight verifications to
// finish. Safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}

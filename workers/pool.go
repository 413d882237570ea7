package workers

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Job is one file handed to the pool. Key is the photo identity key and is
// used to drop duplicate submissions while a job is still pending.
type Job struct {
	Path string
	Key  string
}

// Handler processes a single job. The context it receives is never
// cancelled, so a started job always runs to completion.
type Handler func(ctx context.Context, job Job)

type Pool struct {
	JobQueue chan Job
	Wg       sync.WaitGroup
	Pending  map[string]bool
	Mutex    sync.Mutex

	ctx     context.Context
	handler Handler
	log     *zap.Logger
	once    sync.Once
}

// NewPool starts numWorkers goroutines reading from a queue of queueSize.
// Once ctx is cancelled, queued jobs that have not started are dropped.
func NewPool(ctx context.Context, queueSize, numWorkers int, handler Handler, log *zap.Logger) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		JobQueue: make(chan Job, queueSize),
		Pending:  make(map[string]bool),
		ctx:      ctx,
		handler:  handler,
		log:      log.Named("workers"),
	}
	p.Wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.worker(i)
	}
	p.log.Debug("started worker pool", zap.Int("workers", numWorkers), zap.Int("queue_size", queueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.Wg.Done()

	for job := range p.JobQueue {
		if p.ctx.Err() != nil {
			p.log.Debug("dropping job after cancellation", zap.Int("worker", id), zap.String("key", job.Key))
		} else {
			p.handler(context.WithoutCancel(p.ctx), job)
		}

		p.Mutex.Lock()
		delete(p.Pending, job.Key)
		p.Mutex.Unlock()
	}
	p.log.Debug("worker stopping: job queue closed", zap.Int("worker", id))
}

// Submit queues job unless one with the same key is already pending. It
// blocks while the queue is full and returns false with ctx's error when
// cancelled first.
func (p *Pool) Submit(ctx context.Context, job Job) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.Mutex.Lock()
	if p.Pending[job.Key] {
		p.Mutex.Unlock()
		return false, nil
	}
	p.Pending[job.Key] = true
	p.Mutex.Unlock()

	select {
	case p.JobQueue <- job:
		return true, nil
	case <-ctx.Done():
		p.Mutex.Lock()
		delete(p.Pending, job.Key)
		p.Mutex.Unlock()
		return false, ctx.Err()
	}
}

// Close stops accepting jobs and waits for the workers to drain the queue.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.JobQueue) })
	p.Wg.Wait()
}

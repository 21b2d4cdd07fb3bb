package cache

import (
	"runtime"
	"sync"

	"github.com/apex/log"

	"github.com/Kush-Singh-26/vallenato/engine/models"
)

// WriteOp identifies a background job kind
type WriteOp int

const (
	OpPut WriteOp = iota
	OpTrim
)

func (op WriteOp) String() string {
	if op == OpTrim {
		return "trim"
	}
	return "put"
}

// WriteResult reports the outcome of one background job
type WriteResult struct {
	Op      WriteOp
	Bucket  string
	Key     string
	Evicted int
	Err     error
}

// Target is what background jobs write into; *Bucket implements it
type Target interface {
	Name() string
	Put(key string, resp *models.Response) error
	Trim(limit int) (int, error)
}

type writeJob struct {
	op     WriteOp
	bucket Target
	key    string
	resp   *models.Response
	limit  int
}

// AsyncWriter runs cache writes and trims off the response path with a
// bounded worker pool. Failures are logged and discarded; a full queue drops
// the job rather than blocking the caller.
type AsyncWriter struct {
	queue     chan writeJob
	pending   sync.WaitGroup
	stopCh    chan struct{}
	workers   sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	onResult  func(WriteResult)
}

// NewAsyncWriter starts the worker pool. workers <= 0 uses NumCPU (min 2);
// queueSize <= 0 uses workers*4. onResult may be nil.
func NewAsyncWriter(workers, queueSize int, onResult func(WriteResult)) *AsyncWriter {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers < 2 {
			workers = 2
		}
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}

	w := &AsyncWriter{
		queue:    make(chan writeJob, queueSize),
		stopCh:   make(chan struct{}),
		onResult: onResult,
	}
	for i := 0; i < workers; i++ {
		w.workers.Add(1)
		go w.work()
	}
	return w
}

func (w *AsyncWriter) work() {
	defer w.workers.Done()
	for {
		select {
		case job := <-w.queue:
			w.run(job)
			w.pending.Done()
		case <-w.stopCh:
			return
		}
	}
}

func (w *AsyncWriter) run(job writeJob) {
	res := WriteResult{Op: job.op, Bucket: job.bucket.Name(), Key: job.key}

	if job.op == OpPut {
		if err := job.bucket.Put(job.key, job.resp); err != nil {
			res.Err = err
			log.WithError(err).WithField("bucket", res.Bucket).WithField("key", job.key).Warn("background cache write failed")
			w.report(res)
			return
		}
	}
	if job.limit > 0 {
		n, err := job.bucket.Trim(job.limit)
		res.Evicted = n
		if err != nil {
			res.Err = err
			log.WithError(err).WithField("bucket", res.Bucket).Warn("cache trim failed")
		}
	}
	w.report(res)
}

func (w *AsyncWriter) report(res WriteResult) {
	if w.onResult != nil {
		w.onResult(res)
	}
}

func (w *AsyncWriter) enqueue(job writeJob) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}

	w.pending.Add(1)
	select {
	case w.queue <- job:
		return true
	default:
		w.pending.Done()
		log.WithField("bucket", job.bucket.Name()).WithField("op", job.op.String()).Warn("cache write queue full, dropping job")
		return false
	}
}

// Put queues a store of resp under key followed by a trim to limit.
// Reports whether the job was accepted.
func (w *AsyncWriter) Put(b Target, key string, resp *models.Response, limit int) bool {
	return w.enqueue(writeJob{op: OpPut, bucket: b, key: key, resp: resp, limit: limit})
}

// Trim queues an eviction pass on b
func (w *AsyncWriter) Trim(b Target, limit int) bool {
	return w.enqueue(writeJob{op: OpTrim, bucket: b, limit: limit})
}

// Wait blocks until every accepted job has finished
func (w *AsyncWriter) Wait() {
	w.pending.Wait()
}

// Close rejects new jobs, drains accepted ones and stops the workers.
// Safe to call multiple times.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.pending.Wait()
	w.closeOnce.Do(func() {
		close(w.stopCh)
	})
	w.workers.Wait()
	return nil
}

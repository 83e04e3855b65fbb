package storagecore

import "sync"

// WorkerPool runs background maintenance off the request path: Verify
// walks and vacuum-threshold checks are submitted here so a REPL (or
// whatever else drives the storage files) isn't blocked behind a long
// tree scan. A fixed set of goroutines drains one task channel; there
// is no dynamic sizing, idle reaping or waiting queue — the pool
// exists for a handful of long-running maintenance tasks, not for
// fan-out throughput, and a Submit that briefly blocks while every
// worker is busy is acceptable there.
type WorkerPool struct {
	tasks    chan func()
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool starts maxWorkers goroutines waiting for submitted tasks.
func NewPool(maxWorkers int) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	p := &WorkerPool{tasks: make(chan func(), maxWorkers)}
	p.wg.Add(maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Submit enqueues task to run on some worker goroutine, without
// waiting for it to start or finish. It blocks only while every
// worker is busy and the queue is full. Submit after Stop panics; the
// pool's owner controls both sides of that ordering.
func (p *WorkerPool) Submit(task func()) {
	if task == nil {
		return
	}
	p.tasks <- task
}

// SubmitWait enqueues task and blocks until it has finished running.
func (p *WorkerPool) SubmitWait(task func()) {
	if task == nil {
		return
	}
	done := make(chan struct{})
	p.tasks <- func() {
		defer close(done)
		task()
	}
	<-done
}

// Stop closes the pool to new work and blocks until every task
// already submitted has finished. Safe to call more than once.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.tasks) })
	p.wg.Wait()
}

// VerifyAsync submits t.Verify to run on pool, reporting progress
// through report (called from the worker goroutine, so a caller that
// wants it on its own goroutine-safe channel must make report so
// itself) and the terminal error (nil on success) through done.
// Splitting a Verify walk across the pool's goroutines isn't possible
// without parallel leaf-chain traversal; what the pool buys is
// running the walk off the caller's own goroutine so a REPL's
// "verify" command returns immediately.
func (t *BTree) VerifyAsync(pool *WorkerPool, report func(visited int), done func(error)) {
	pool.Submit(func() {
		err := t.Verify(report)
		if done != nil {
			done(err)
		}
	})
}

// VacuumCheck reports whether deletions tracked against a sidecar
// counter exceed cfg.VacuumThreshold, the signal a full-text
// engine's per-term deletion counter or a KdTree engine's tombstone
// count uses to decide a rebuild is due. The storage core itself never
// acts on this; it only computes the comparison the caller's worker
// pool schedules on whatever cadence it likes.
func VacuumCheck(cfg Config, deletionCount uint32) bool {
	return cfg.VacuumThreshold > 0 && deletionCount > cfg.VacuumThreshold
}

// ScheduleVacuumChecks submits a VacuumCheck against count() to pool
// once, reporting through due if the threshold has been crossed. It
// does not reschedule itself — callers that want a recurring check
// submit it again from their own ticker; the pool is driven entirely
// by caller-submitted tasks rather than anything self-scheduling
// inside it.
func ScheduleVacuumChecks(pool *WorkerPool, cfg Config, count func() (uint32, error), due func(bool, error)) {
	pool.Submit(func() {
		n, err := count()
		if err != nil {
			due(false, err)
			return
		}
		due(VacuumCheck(cfg, n), nil)
	})
}

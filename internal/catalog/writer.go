package catalog

import (
	"context"

	"github.com/tapecore/engine/internal/logging"
)

// Priority selects which queue a write job lands on.
type Priority int

const (
	// PriorityNormal is used for routine progress updates.
	PriorityNormal Priority = iota
	// PriorityHigh is used for writes that gate forward progress --
	// MarkFilesQueued calls that a tape writer is blocked on, and task
	// status transitions.
	PriorityHigh
)

// writeJob is a unit of work submitted to the Writer's single goroutine.
type writeJob struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Writer serializes all catalog mutations onto one goroutine via two
// buffered channels. High-priority jobs are drained first, but after ten
// consecutive high-priority jobs the writer forces one normal-priority
// job through so progress-update traffic is never starved out entirely.
type Writer struct {
	store  *Store
	high   chan writeJob
	normal chan writeJob
	done   chan struct{}
	log    *logging.FieldLogger
}

// NewWriter starts the writer's drain loop and returns a handle to submit
// jobs to it. Call Close to stop the loop once no more writes are coming.
func NewWriter(store *Store, log *logging.FieldLogger, queueDepth int) *Writer {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	w := &Writer{
		store:  store,
		high:   make(chan writeJob, queueDepth),
		normal: make(chan writeJob, queueDepth),
		done:   make(chan struct{}),
		log:    log,
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	const starveLimit = 10
	consecutiveHigh := 0

	for {
		// A multi-way select picks among ready channels at random, so
		// queued work is taken here first: one normal job once ten
		// consecutive high-priority jobs have run, otherwise high first.
		if consecutiveHigh >= starveLimit && len(w.normal) > 0 {
			w.execute(<-w.normal)
			consecutiveHigh = 0
			continue
		}
		if len(w.high) > 0 {
			w.execute(<-w.high)
			consecutiveHigh++
			continue
		}

		select {
		case job, ok := <-w.high:
			if !ok {
				w.drainRemaining()
				return
			}
			consecutiveHigh++
			w.execute(job)

			if consecutiveHigh >= starveLimit {
				select {
				case normalJob, ok := <-w.normal:
					if ok {
						w.execute(normalJob)
					}
				default:
				}
				consecutiveHigh = 0
			}

		case job, ok := <-w.normal:
			if !ok {
				continue
			}
			w.execute(job)
			consecutiveHigh = 0

		case <-w.done:
			w.drainRemaining()
			return
		}
	}
}

func (w *Writer) drainRemaining() {
	for {
		select {
		case job, ok := <-w.high:
			if !ok {
				return
			}
			w.execute(job)
		case job, ok := <-w.normal:
			if !ok {
				return
			}
			w.execute(job)
		default:
			return
		}
	}
}

func (w *Writer) execute(job writeJob) {
	err := job.fn(context.Background())
	if err != nil && w.log != nil {
		w.log.Warn("catalog write failed", map[string]interface{}{"error": err.Error()})
	}
	if job.done != nil {
		job.done <- err
	}
}

// Submit enqueues fn to run on the writer goroutine and blocks until it
// has executed, returning its error.
func (w *Writer) Submit(ctx context.Context, priority Priority, fn func(ctx context.Context) error) error {
	job := writeJob{fn: fn, done: make(chan error, 1)}

	target := w.normal
	if priority == PriorityHigh {
		target = w.high
	}

	select {
	case target <- job:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer's drain loop after flushing any queued jobs.
func (w *Writer) Close() {
	close(w.done)
}

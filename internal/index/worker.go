package index

import (
	"context"
	"errors"
	"sync"

	"mrindex/internal/docstore"
)

// ErrWorkerStopped is returned to waiters once the worker has exited.
var ErrWorkerStopped = errors.New("index worker stopped")

// Worker feeds changes to an Indexer on a single goroutine so that the
// document store commit path never blocks on indexing. Changes queue without
// bound and are applied in etag order.
type Worker struct {
	ix *Indexer

	mu       sync.Mutex
	queue    []docstore.Change
	wake     chan struct{}
	progress chan struct{} // closed and replaced on every advance
	indexed  uint64
	seen     uint64
	stopped  bool
	err      error
}

func NewWorker(ix *Indexer) *Worker {
	return &Worker{
		ix:       ix,
		wake:     make(chan struct{}, 1),
		progress: make(chan struct{}),
	}
}

// ResumeFrom marks every change up to etag as already indexed.
func (w *Worker) ResumeFrom(etag uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if etag > w.indexed {
		w.indexed = etag
	}
	if etag > w.seen {
		w.seen = etag
	}
	w.advanceLocked()
}

// Attach subscribes the worker to db's order changefeed.
func (w *Worker) Attach(db *docstore.DB) { db.Subscribe(w.Enqueue) }

// Enqueue queues a change. Changes at or below the indexed etag are dropped.
func (w *Worker) Enqueue(ch docstore.Change) {
	w.mu.Lock()
	if ch.Etag <= w.indexed || w.stopped {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, ch)
	if ch.Etag > w.seen {
		w.seen = ch.Etag
	}
	w.mu.Unlock()
	w.updateLag()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run applies queued changes until ctx is done or the store fails. Rejected
// orders are logged by the indexer and do not stop the worker.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		w.mu.Lock()
		w.stopped = true
		if w.err == nil {
			w.err = ErrWorkerStopped
		}
		w.advanceLocked()
		w.mu.Unlock()
	}()
	for {
		ch, ok := w.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.wake:
				continue
			}
		}
		if _, err := w.ix.Apply(ctx, ch); err != nil && !IsDataError(err) {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			w.ix.log.WithError(err).WithField("etag", ch.Etag).Error("index worker failed")
			return err
		}
		w.mu.Lock()
		if ch.Etag > w.indexed {
			w.indexed = ch.Etag
		}
		w.advanceLocked()
		w.mu.Unlock()
		w.updateLag()
	}
}

func (w *Worker) next() (docstore.Change, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) > 0 {
		ch := w.queue[0]
		w.queue[0] = docstore.Change{}
		w.queue = w.queue[1:]
		// queued before a ResumeFrom that covers it
		if ch.Etag > w.indexed {
			return ch, true
		}
	}
	return docstore.Change{}, false
}

func (w *Worker) advanceLocked() {
	close(w.progress)
	w.progress = make(chan struct{})
}

func (w *Worker) updateLag() {
	if w.ix.mreg == nil {
		return
	}
	w.mu.Lock()
	indexed, seen := w.indexed, w.seen
	w.mu.Unlock()
	w.ix.mreg.LastIndexedEtag.WithLabelValues(w.ix.def.Name).Set(float64(indexed))
	w.ix.mreg.IndexLag.WithLabelValues(w.ix.def.Name).Set(float64(seen - indexed))
}

// LastIndexedEtag returns the etag of the last change folded into the index.
func (w *Worker) LastIndexedEtag() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.indexed
}

// IsStale reports whether queued changes are not yet reflected in the index.
func (w *Worker) IsStale() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.indexed < w.seen
}

// WaitForNonStale blocks until every change up to etag is indexed.
func (w *Worker) WaitForNonStale(ctx context.Context, etag uint64) error {
	for {
		w.mu.Lock()
		if w.indexed >= etag {
			w.mu.Unlock()
			return nil
		}
		if w.stopped {
			err := w.err
			w.mu.Unlock()
			return err
		}
		progress := w.progress
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-progress:
		}
	}
}

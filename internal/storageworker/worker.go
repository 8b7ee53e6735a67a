// Package storageworker serialises all TileStore access behind a single
// consumer goroutine, so that no network handler ever blocks another
// handler while holding the index lock.
package storageworker

import (
	"sync/atomic"

	"github.com/ofsouzap/mandelserve/internal/coordid"
	"github.com/ofsouzap/mandelserve/internal/metrics"
	"github.com/ofsouzap/mandelserve/internal/tilestore"
)

// Progress receives incremental updates while Enumerate scans the index.
// *progressbar.ProgressBar satisfies this; tests pass a no-op implementation.
type Progress interface {
	Add(n int) error
}

// Singleton guards against constructing more than one StorageWorker against
// the same guard value. The original design treats "only one StorageWorker
// per process" as a process-wide fact; here it is a constructor-injected
// dependency (one *Singleton built once in main) rather than a package
// global, so tests can each build their own without colliding.
type Singleton struct {
	used int32
}

// NewSingleton returns a fresh, unused guard.
func NewSingleton() *Singleton {
	return &Singleton{}
}

type job struct {
	run func()
}

// Worker runs the single background consumer goroutine. Construct exactly
// one per Singleton guard.
type Worker struct {
	store      *tilestore.Store
	jobs       chan job
	queueDepth int64
	metrics    *metrics.Metrics
}

// SetMetrics attaches an optional Metrics sink. Not safe to call
// concurrently with job submission.
func (w *Worker) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

// New constructs a Worker and starts its consumer goroutine. Calling New a
// second time against the same guard is a programming error and panics.
func New(guard *Singleton, store *tilestore.Store) *Worker {
	if !atomic.CompareAndSwapInt32(&guard.used, 0, 1) {
		panic("storageworker: a StorageWorker has already been constructed against this guard")
	}
	w := &Worker{
		store: store,
		jobs:  make(chan job, 64),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	for j := range w.jobs {
		atomic.AddInt64(&w.queueDepth, -1)
		j.run()
	}
}

func (w *Worker) submit(run func()) {
	atomic.AddInt64(&w.queueDepth, 1)
	w.jobs <- job{run: run}
}

// QueueDepth reports the number of jobs submitted but not yet started (a
// job stops counting when the consumer takes it off the queue, before it
// runs), for the storage-worker queue-depth gauge.
func (w *Worker) QueueDepth() int64 {
	return atomic.LoadInt64(&w.queueDepth)
}

func (w *Worker) observeJob(kind string) {
	if w.metrics != nil {
		w.metrics.ObserveStorageJob(kind)
	}
}

// Enumerate returns every index entry whose level appears in ownedLevels,
// in index (insertion) order. progress, if non-nil, is advanced by one per
// record scanned regardless of whether the record belongs to an owned level.
func (w *Worker) Enumerate(ownedLevels []uint32, progress Progress) ([]tilestore.IndexEntry, error) {
	type result struct {
		entries []tilestore.IndexEntry
		err     error
	}
	done := make(chan result, 1)
	w.submit(func() {
		w.observeJob("enumerate")
		owned := make(map[uint32]bool, len(ownedLevels))
		for _, l := range ownedLevels {
			owned[l] = true
		}

		it, err := w.store.Enumerate()
		if err != nil {
			done <- result{err: err}
			return
		}
		defer it.Close(w.store)

		var entries []tilestore.IndexEntry
		for {
			entry, ok := it.Next()
			if !ok {
				break
			}
			if progress != nil {
				_ = progress.Add(1)
			}
			if owned[entry.Coord.Level] {
				entries = append(entries, entry)
			}
		}
		if err := it.Err(); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{entries: entries}
	})
	r := <-done
	return r.entries, r.err
}

// Lookup resolves each coord to its index entry, preserving input order;
// unresolved coords come back nil. The scan stops as soon as every coord
// has been resolved.
func (w *Worker) Lookup(coords []coordid.Coord) ([]*tilestore.IndexEntry, error) {
	type result struct {
		entries []*tilestore.IndexEntry
		err     error
	}
	done := make(chan result, 1)
	w.submit(func() {
		w.observeJob("lookup")
		remaining := make(map[coordid.Coord]int, len(coords))
		for i, c := range coords {
			remaining[c] = i
		}
		out := make([]*tilestore.IndexEntry, len(coords))

		it, err := w.store.Enumerate()
		if err != nil {
			done <- result{err: err}
			return
		}
		defer it.Close(w.store)

		for len(remaining) > 0 {
			entry, ok := it.Next()
			if !ok {
				break
			}
			if i, want := remaining[entry.Coord]; want {
				captured := entry
				out[i] = &captured
				delete(remaining, entry.Coord)
			}
		}
		if err := it.Err(); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{entries: out}
	})
	r := <-done
	return r.entries, r.err
}

// LoadPayload materializes entry's decoded tile payload.
func (w *Worker) LoadPayload(entry tilestore.IndexEntry) ([]byte, error) {
	type result struct {
		tile []byte
		err  error
	}
	done := make(chan result, 1)
	w.submit(func() {
		w.observeJob("load_payload")
		tile, err := w.store.LoadPayload(entry)
		done <- result{tile: tile, err: err}
	})
	r := <-done
	return r.tile, r.err
}

// LoadEncodedPayload materializes entry's on-wire encoded bytes, as
// TileServer sends them.
func (w *Worker) LoadEncodedPayload(entry tilestore.IndexEntry) ([]byte, error) {
	type result struct {
		encoded []byte
		err     error
	}
	done := make(chan result, 1)
	w.submit(func() {
		w.observeJob("load_encoded_payload")
		encoded, err := w.store.LoadEncodedPayload(entry)
		done <- result{encoded: encoded, err: err}
	})
	r := <-done
	return r.encoded, r.err
}

// Save persists tile at coord and blocks until the job completes.
func (w *Worker) Save(coord coordid.Coord, tile []byte) (tilestore.IndexEntry, error) {
	type result struct {
		entry tilestore.IndexEntry
		err   error
	}
	done := make(chan result, 1)
	w.submit(func() {
		w.observeJob("save")
		entry, err := w.store.Save(coord, tile)
		done <- result{entry: entry, err: err}
	})
	r := <-done
	return r.entry, r.err
}

// SaveAsync submits a Save job without making the caller wait for it: the
// coord is already reflected in Leaseboard's Completed set by the time a
// Dispatcher handler calls this, so persistence can lag behind without
// affecting correctness (see the coordinator's design notes on save
// ordering). onDone, if non-nil, runs on a separate goroutine once the job
// completes — never on the caller's goroutine.
func (w *Worker) SaveAsync(coord coordid.Coord, tile []byte, onDone func(tilestore.IndexEntry, error)) {
	go func() {
		entry, err := w.Save(coord, tile)
		if onDone != nil {
			onDone(entry, err)
		}
	}()
}

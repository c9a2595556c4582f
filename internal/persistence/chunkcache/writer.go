package chunkcache

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"sheetmap.ai/internal/sim/tiles"
)

// Saver is the write half of a cache backend.
type Saver interface {
	Save(ctx context.Context, key tiles.ChunkKey, g tiles.Grid) error
}

type Job struct {
	Key     tiles.ChunkKey
	Grid    tiles.Grid
	Version uint64
}

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	SaveSuccessTotal    uint64
	SaveFailTotal       uint64
	StaleSkippedTotal   uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

type WriterConfig struct {
	Workers       int
	QueueCapacity int
	EnqueueWait   time.Duration
	SaveTimeout   time.Duration
	Logger        *log.Logger

	// OnSaved runs on the worker goroutine after every save attempt.
	OnSaved func(job Job, err error)
}

const keyStripes = 64

// Writer persists fetched chunks off the control goroutine. Saves of one key are serialized and a
// job older than the last version written for its key is skipped.
type Writer struct {
	store   Saver
	logger  *log.Logger
	onSaved func(Job, error)

	mu          sync.RWMutex
	closed      bool
	jobs        chan Job
	enqueueWait time.Duration
	saveTimeout time.Duration
	wg          sync.WaitGroup

	stripes   [keyStripes]sync.Mutex
	writtenMu sync.Mutex
	written   map[tiles.ChunkKey]uint64

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	saveSuccessTotal    atomic.Uint64
	saveFailTotal       atomic.Uint64
	staleSkippedTotal   atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func NewWriter(store Saver, cfg WriterConfig) *Writer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 10 * time.Millisecond
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 5 * time.Second
	}
	w := &Writer{
		store:       store,
		logger:      cfg.Logger,
		onSaved:     cfg.OnSaved,
		jobs:        make(chan Job, cfg.QueueCapacity),
		enqueueWait: cfg.EnqueueWait,
		saveTimeout: cfg.SaveTimeout,
		written:     map[tiles.ChunkKey]uint64{},
	}
	for i := 0; i < cfg.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for job := range w.jobs {
				w.saveOne(job)
			}
		}()
	}
	return w
}

// TryEnqueue hands job to the workers without waiting. A full queue drops the job.
// Use it from the control goroutine.
func (w *Writer) TryEnqueue(job Job) bool {
	return w.enqueue(job, 0)
}

// Enqueue hands job to the workers, waiting at most the configured enqueue wait when the queue
// is full. It reports whether the job was accepted.
func (w *Writer) Enqueue(job Job) bool {
	if w == nil {
		return false
	}
	return w.enqueue(job, w.enqueueWait)
}

func (w *Writer) enqueue(job Job, wait time.Duration) bool {
	if w == nil || w.store == nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	w.enqueuedTotal.Add(1)

	select {
	case w.jobs <- job:
		return true
	default:
	}

	w.queueSaturatedTotal.Add(1)
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case w.jobs <- job:
			return true
		case <-timer.C:
		}
	}
	dropped := w.droppedTotal.Add(1)
	w.printf("cache write drop key=%s reason=queue_saturated wait_ms=%d dropped_total=%d", job.Key, wait.Milliseconds(), dropped)
	return false
}

// Close drains queued jobs and waits for the workers.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Writer) Stats() Stats {
	if w == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(w.jobs),
		QueueCapacity:       cap(w.jobs),
		EnqueuedTotal:       w.enqueuedTotal.Load(),
		QueueSaturatedTotal: w.queueSaturatedTotal.Load(),
		DroppedTotal:        w.droppedTotal.Load(),
		SaveSuccessTotal:    w.saveSuccessTotal.Load(),
		SaveFailTotal:       w.saveFailTotal.Load(),
		StaleSkippedTotal:   w.staleSkippedTotal.Load(),
		LastSuccessUnix:     w.lastSuccessUnix.Load(),
		LastErrorUnix:       w.lastErrorUnix.Load(),
	}
}

func (w *Writer) saveOne(job Job) {
	stripe := &w.stripes[stripeFor(job.Key)]
	stripe.Lock()
	defer stripe.Unlock()

	if w.stale(job) {
		w.staleSkippedTotal.Add(1)
		return
	}
	err := w.saveWithRetry(job)
	if err != nil {
		w.saveFailTotal.Add(1)
		w.lastErrorUnix.Store(time.Now().UTC().Unix())
		w.printf("cache save failed key=%s version=%d err=%v", job.Key, job.Version, err)
	} else {
		w.writtenMu.Lock()
		w.written[job.Key] = job.Version
		w.writtenMu.Unlock()
		w.saveSuccessTotal.Add(1)
		w.lastSuccessUnix.Store(time.Now().UTC().Unix())
	}
	if w.onSaved != nil {
		w.onSaved(job, err)
	}
}

func (w *Writer) stale(job Job) bool {
	w.writtenMu.Lock()
	defer w.writtenMu.Unlock()
	last, ok := w.written[job.Key]
	return ok && job.Version < last
}

func stripeFor(k tiles.ChunkKey) int {
	h := uint32(k.CX)*2654435761 ^ uint32(k.CY)*40503
	return int(h % keyStripes)
}

func (w *Writer) saveWithRetry(job Job) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), w.saveTimeout)
		err := w.store.Save(ctx, job.Key, job.Grid)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt*attempt) * 50 * time.Millisecond)
		}
	}
	return lastErr
}

func (w *Writer) printf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

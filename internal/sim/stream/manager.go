package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"sheetmap.ai/internal/sim/tiles"
)

// RemoteSource fetches live chunk data. A grid returned with tiles.ErrEmptyResult is a valid
// empty chunk.
type RemoteSource interface {
	FetchChunk(ctx context.Context, key tiles.ChunkKey) (tiles.Grid, error)
}

// CacheStore reads previously saved chunks; ok=false means nothing is cached.
type CacheStore interface {
	Load(ctx context.Context, key tiles.ChunkKey) (tiles.Grid, bool, error)
}

var errNoRemote = errors.New("no remote source configured")

type Config struct {
	Remote      RemoteSource
	Cache       CacheStore
	Radius      int
	MaxInFlight int
	Online      bool
	Logger      *log.Logger

	// OnFetched is called on the control goroutine for every successful remote load
	// (Loaded or Empty) once it is installed.
	OnFetched func(key tiles.ChunkKey, g tiles.Grid, version uint64)
}

type Stats struct {
	EnqueuedTotal  uint64 `json:"enqueued_total"`
	CompletedTotal uint64 `json:"completed_total"`
	FailedTotal    uint64 `json:"failed_total"`
	EvictedTotal   uint64 `json:"evicted_total"`
	DiscardedTotal uint64 `json:"discarded_total"`

	Loading  int `json:"loading"`
	Resident int `json:"resident"`
	InFlight int `json:"in_flight"`
}

// Manager owns the chunk table. Every method except Online, SetOnlineMode and Stats must be
// called from one goroutine; loads run on their own goroutines and only hand back results.
type Manager struct {
	remote    RemoteSource
	cache     CacheStore
	radius    int
	logger    *log.Logger
	onFetched func(tiles.ChunkKey, tiles.Grid, uint64)

	online atomic.Bool
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	records map[tiles.ChunkKey]*Record
	seq     uint64

	enqueuedTotal  atomic.Uint64
	completedTotal atomic.Uint64
	failedTotal    atomic.Uint64
	evictedTotal   atomic.Uint64
	discardedTotal atomic.Uint64
	loading        atomic.Int64
	resident       atomic.Int64
	inFlight       atomic.Int64
}

func New(cfg Config) *Manager {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.Radius < 0 {
		cfg.Radius = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		remote:    cfg.Remote,
		cache:     cfg.Cache,
		radius:    cfg.Radius,
		logger:    cfg.Logger,
		onFetched: cfg.OnFetched,
		sem:       semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		ctx:       ctx,
		cancel:    cancel,
		records:   make(map[tiles.ChunkKey]*Record),
	}
	m.online.Store(cfg.Online)
	return m
}

func (m *Manager) Radius() int { return m.radius }

func (m *Manager) Online() bool { return m.online.Load() }

// SetOnlineMode affects loads enqueued from now on; in-flight loads keep their backend.
func (m *Manager) SetOnlineMode(on bool) {
	if m.online.Swap(on) != on {
		m.printf("mode online=%v", on)
	}
}

// EnsureWindowLoaded enqueues a load for every key of the window that has no record yet.
func (m *Manager) EnsureWindowLoaded(center tiles.ChunkKey, radius int) []tiles.ChunkKey {
	var started []tiles.ChunkKey
	for _, k := range tiles.Window(center, radius) {
		if _, ok := m.records[k]; ok {
			continue
		}
		rec := &Record{Key: k, State: Loading}
		m.records[k] = rec
		m.loading.Add(1)
		m.start(rec)
		started = append(started, k)
	}
	return started
}

// Poll installs every finished load without waiting for unfinished ones.
func (m *Manager) Poll() []tiles.ChunkKey {
	var installed []tiles.ChunkKey
	for k, rec := range m.records {
		if rec.op == nil {
			continue
		}
		select {
		case res := <-rec.op.done:
			m.install(rec, res)
			installed = append(installed, k)
		default:
		}
	}
	sortKeys(installed)
	return installed
}

// Drain blocks until every in-flight load has finished and is installed, or ctx is done.
func (m *Manager) Drain(ctx context.Context) ([]tiles.ChunkKey, error) {
	var installed []tiles.ChunkKey
	for k, rec := range m.records {
		if rec.op == nil {
			continue
		}
		select {
		case res := <-rec.op.done:
			m.install(rec, res)
			installed = append(installed, k)
		case <-ctx.Done():
			sortKeys(installed)
			return installed, ctx.Err()
		}
	}
	sortKeys(installed)
	return installed, nil
}

// Evict drops every record farther than radius from center, including ones still loading.
func (m *Manager) Evict(center tiles.ChunkKey, radius int) []tiles.ChunkKey {
	var evicted []tiles.ChunkKey
	for k, rec := range m.records {
		if tiles.InWindow(k, center, radius) {
			continue
		}
		m.drop(rec)
		delete(m.records, k)
		evicted = append(evicted, k)
	}
	sortKeys(evicted)
	return evicted
}

// Tick runs EnsureWindowLoaded, Poll and Evict for the configured radius.
func (m *Manager) Tick(center tiles.ChunkKey) Delta {
	var d Delta
	d.Enqueued = m.EnsureWindowLoaded(center, m.radius)
	d.Installed = m.Poll()
	d.Evicted = m.Evict(center, m.radius)
	return d
}

// Refresh reloads every Resident record that has nothing in flight, using the current mode.
// The old grid stays visible until the new result is installed.
func (m *Manager) Refresh() []tiles.ChunkKey {
	var started []tiles.ChunkKey
	for k, rec := range m.records {
		if rec.State != Resident || rec.op != nil {
			continue
		}
		m.start(rec)
		started = append(started, k)
	}
	sortKeys(started)
	return started
}

// Lookup returns a copy of the record for key.
func (m *Manager) Lookup(key tiles.ChunkKey) (Record, bool) {
	rec, ok := m.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// TileAt returns the tile code at a world tile position, or tiles.Unknown when its chunk is
// absent or has not finished its first load.
func (m *Manager) TileAt(tileX, tileY int) tiles.Code {
	rec, ok := m.records[tiles.TileToChunk(tileX, tileY)]
	if !ok || rec.State != Resident {
		return tiles.Unknown
	}
	lx, ly := tiles.LocalIndex(tileX, tileY)
	return rec.Grid.Get(lx, ly)
}

// Range calls fn for every record in key order until fn returns false.
func (m *Manager) Range(fn func(Record) bool) {
	keys := make([]tiles.ChunkKey, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sortKeys(keys)
	for _, k := range keys {
		if !fn(*m.records[k]) {
			return
		}
	}
}

func (m *Manager) Len() int { return len(m.records) }

func (m *Manager) Stats() Stats {
	return Stats{
		EnqueuedTotal:  m.enqueuedTotal.Load(),
		CompletedTotal: m.completedTotal.Load(),
		FailedTotal:    m.failedTotal.Load(),
		EvictedTotal:   m.evictedTotal.Load(),
		DiscardedTotal: m.discardedTotal.Load(),
		Loading:        int(m.loading.Load()),
		Resident:       int(m.resident.Load()),
		InFlight:       int(m.inFlight.Load()),
	}
}

// Close stops new work from acquiring a slot and waits for running loads to return.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) start(rec *Record) {
	src := Cache
	if m.online.Load() {
		src = Remote
	}
	op := newOperation(src)
	rec.op = op
	m.enqueuedTotal.Add(1)
	m.inFlight.Add(1)

	key := rec.Key
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		var res result
		if err := m.sem.Acquire(m.ctx, 1); err != nil {
			res = result{grid: tiles.NewGrid(), content: Failed, err: fmt.Errorf("load %s: %w", key, err)}
		} else {
			res = m.load(m.ctx, key, src)
			m.sem.Release(1)
		}
		op.done <- res
		if !op.state.CompareAndSwap(opPending, opDone) {
			m.discardedTotal.Add(1)
		}
	}()
}

func (m *Manager) load(ctx context.Context, key tiles.ChunkKey, src Source) result {
	if src == Cache {
		if m.cache == nil {
			return result{grid: tiles.NewGrid(), content: Empty}
		}
		g, ok, err := m.cache.Load(ctx, key)
		switch {
		case err != nil:
			return result{grid: tiles.NewGrid(), content: Failed, err: err}
		case !ok:
			return result{grid: tiles.NewGrid(), content: Empty}
		default:
			return result{grid: g, content: Loaded}
		}
	}

	if m.remote == nil {
		return result{grid: tiles.NewGrid(), content: Failed, err: fmt.Errorf("load %s: %w: %w", key, tiles.ErrTransport, errNoRemote)}
	}
	g, err := m.remote.FetchChunk(ctx, key)
	switch {
	case err == nil:
		return result{grid: g, content: Loaded}
	case errors.Is(err, tiles.ErrEmptyResult):
		if len(g.Cells) != tiles.ChunkW*tiles.ChunkH {
			g = tiles.NewGrid()
		}
		return result{grid: g, content: Empty}
	default:
		return result{grid: tiles.NewGrid(), content: Failed, err: err}
	}
}

func (m *Manager) install(rec *Record, res result) {
	src := rec.op.source
	rec.op = nil
	m.inFlight.Add(-1)
	m.completedTotal.Add(1)
	if rec.State == Loading {
		rec.State = Resident
		m.loading.Add(-1)
		m.resident.Add(1)
	} else if res.content == Failed {
		// A failed reload keeps what was already visible.
		m.failedTotal.Add(1)
		rec.Err = res.err
		m.printf("chunk reload failed key=%s source=%s err=%v", rec.Key, src, res.err)
		return
	}

	m.seq++
	rec.Content = res.content
	rec.Source = src
	rec.Grid = res.grid
	rec.Err = res.err
	rec.Version = m.seq

	if res.content == Failed {
		m.failedTotal.Add(1)
		m.printf("chunk load failed key=%s source=%s err=%v", rec.Key, src, res.err)
		return
	}
	if src == Remote && m.onFetched != nil {
		m.onFetched(rec.Key, rec.Grid, rec.Version)
	}
}

func (m *Manager) drop(rec *Record) {
	m.evictedTotal.Add(1)
	switch rec.State {
	case Loading:
		m.loading.Add(-1)
	case Resident:
		m.resident.Add(-1)
	}
	if rec.op == nil {
		return
	}
	m.inFlight.Add(-1)
	// Whichever of the worker and the evictor marks the operation second counts the discard.
	if !rec.op.state.CompareAndSwap(opPending, opAbandoned) {
		m.discardedTotal.Add(1)
	}
	rec.op = nil
}

func (m *Manager) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

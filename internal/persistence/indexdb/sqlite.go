package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"sheetmap.ai/internal/sim/tiles"
	"sheetmap.ai/internal/sim/tuning"
)

// SQLiteIndex records what the cache holds and how the sheet has been reachable. It is a
// secondary index: writes are queued and dropped when the writer falls behind.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropSaveTotal  atomic.Uint64
	dropProbeTotal atomic.Uint64
	dropTickTotal  atomic.Uint64
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropSaveTotal  uint64
	DropProbeTotal uint64
	DropTickTotal  uint64
}

type reqKind int

const (
	reqSave reqKind = iota + 1
	reqProbe
	reqTick
	reqSync
)

type req struct {
	kind reqKind

	save  ChunkSave
	probe Probe
	tick  TickRow
	done  chan struct{}
}

// ChunkSave is one write-behind attempt.
type ChunkSave struct {
	Key      tiles.ChunkKey
	Digest   string
	NonEmpty int
	Version  uint64
	Err      string
	At       time.Time
}

type Probe struct {
	URL     string
	Online  bool
	Latency time.Duration
	At      time.Time
}

// TickRow summarizes a tick that changed the chunk table.
type TickRow struct {
	Tick      uint64
	Center    tiles.ChunkKey
	Online    bool
	Enqueued  int
	Installed int
	Evicted   int
	Resident  int
}

// ChunkRow is the latest successful save of a chunk.
type ChunkRow struct {
	CX       int    `json:"cx"`
	CY       int    `json:"cy"`
	Digest   string `json:"digest"`
	NonEmpty int    `json:"non_empty"`
	Version  uint64 `json:"version"`
	Saves    int    `json:"saves"`
	SavedAt  string `json:"saved_at"`
}

type ProbeRow struct {
	URL       string `json:"url"`
	Online    bool   `json:"online"`
	LatencyMs int64  `json:"latency_ms"`
	ProbedAt  string `json:"probed_at"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 8192),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS config (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			cx INTEGER NOT NULL,
			cy INTEGER NOT NULL,
			digest TEXT NOT NULL,
			non_empty INTEGER NOT NULL,
			version INTEGER NOT NULL,
			saves INTEGER NOT NULL DEFAULT 1,
			saved_at TEXT NOT NULL,
			PRIMARY KEY (cx, cy)
		);`,
		`CREATE TABLE IF NOT EXISTS chunk_saves (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cx INTEGER NOT NULL,
			cy INTEGER NOT NULL,
			digest TEXT NOT NULL,
			ok INTEGER NOT NULL,
			error TEXT,
			saved_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_saves_pos ON chunk_saves(cx, cy, id);`,
		`CREATE TABLE IF NOT EXISTS probes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT NOT NULL,
			online INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL,
			probed_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			center_x INTEGER NOT NULL,
			center_y INTEGER NOT NULL,
			online INTEGER NOT NULL,
			enqueued INTEGER NOT NULL,
			installed INTEGER NOT NULL,
			evicted INTEGER NOT NULL,
			resident INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropSaveTotal:  s.dropSaveTotal.Load(),
		DropProbeTotal: s.dropProbeTotal.Load(),
		DropTickTotal:  s.dropTickTotal.Load(),
	}
}

func (s *SQLiteIndex) RecordSave(e ChunkSave) {
	if s == nil || s.closed.Load() {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case s.ch <- req{kind: reqSave, save: e}:
	default:
		s.dropSaveTotal.Add(1)
	}
}

func (s *SQLiteIndex) RecordProbe(p Probe) {
	if s == nil || s.closed.Load() {
		return
	}
	if p.At.IsZero() {
		p.At = time.Now()
	}
	select {
	case s.ch <- req{kind: reqProbe, probe: p}:
	default:
		s.dropProbeTotal.Add(1)
	}
}

func (s *SQLiteIndex) WriteTick(t TickRow) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqTick, tick: t}:
	default:
		// The tick log on disk stays the source of truth.
		s.dropTickTotal.Add(1)
	}
}

// UpsertTuning stores the configuration actually applied, minus the API key.
func (s *SQLiteIndex) UpsertTuning(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	tune.Sheet.APIKey = ""
	tune.Cache.DSN = ""
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO config(name,digest,json,updated_at) VALUES(?,?,?,?)`, "tuning", hex.EncodeToString(sum[:]), string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

// Chunks lists cached chunks, most recently saved first.
func (s *SQLiteIndex) Chunks(ctx context.Context, limit int) ([]ChunkRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT cx,cy,digest,non_empty,version,saves,saved_at FROM chunks ORDER BY saved_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChunkRow
	for rows.Next() {
		var r ChunkRow
		if err := rows.Scan(&r.CX, &r.CY, &r.Digest, &r.NonEmpty, &r.Version, &r.Saves, &r.SavedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Chunk(ctx context.Context, key tiles.ChunkKey) (ChunkRow, bool, error) {
	var r ChunkRow
	err := s.db.QueryRowContext(ctx, `SELECT cx,cy,digest,non_empty,version,saves,saved_at FROM chunks WHERE cx=? AND cy=?`, key.CX, key.CY).
		Scan(&r.CX, &r.CY, &r.Digest, &r.NonEmpty, &r.Version, &r.Saves, &r.SavedAt)
	if err == sql.ErrNoRows {
		return ChunkRow{}, false, nil
	}
	if err != nil {
		return ChunkRow{}, false, err
	}
	return r, true, nil
}

func (s *SQLiteIndex) Probes(ctx context.Context, limit int) ([]ProbeRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT url,online,latency_ms,probed_at FROM probes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProbeRow
	for rows.Next() {
		var r ProbeRow
		var online int
		if err := rows.Scan(&r.URL, &online, &r.LatencyMs, &r.ProbedAt); err != nil {
			return nil, err
		}
		r.Online = online != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sync blocks until everything queued before the call is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	upsertChunk, _ := s.db.Prepare(`INSERT INTO chunks(cx,cy,digest,non_empty,version,saves,saved_at) VALUES(?,?,?,?,?,1,?)
		ON CONFLICT(cx,cy) DO UPDATE SET digest=excluded.digest, non_empty=excluded.non_empty, version=excluded.version, saves=chunks.saves+1, saved_at=excluded.saved_at`)
	insertSave, _ := s.db.Prepare(`INSERT INTO chunk_saves(cx,cy,digest,ok,error,saved_at) VALUES(?,?,?,?,?,?)`)
	insertProbe, _ := s.db.Prepare(`INSERT INTO probes(url,online,latency_ms,probed_at) VALUES(?,?,?,?)`)
	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,center_x,center_y,online,enqueued,installed,evicted,resident) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{upsertChunk, insertSave, insertProbe, insertTick} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if tx == nil || st == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	// Commit on a timer too: reads share the single connection with the open tx.
	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-ticker.C:
			commit()
			continue
		}
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqSave:
			e := r.save
			at := e.At.UTC().Format(time.RFC3339Nano)
			exec(insertSave, e.Key.CX, e.Key.CY, e.Digest, boolInt(e.Err == ""), e.Err, at)
			if e.Err == "" {
				exec(upsertChunk, e.Key.CX, e.Key.CY, e.Digest, e.NonEmpty, int64(e.Version), at)
			}
		case reqProbe:
			p := r.probe
			exec(insertProbe, p.URL, boolInt(p.Online), p.Latency.Milliseconds(), p.At.UTC().Format(time.RFC3339Nano))
		case reqTick:
			t := r.tick
			exec(insertTick, int64(t.Tick), t.Center.CX, t.Center.CY, boolInt(t.Online), t.Enqueued, t.Installed, t.Evicted, t.Resident)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}
}

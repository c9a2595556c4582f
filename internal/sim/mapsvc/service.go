package mapsvc

import (
	"context"
	"log"
	"time"

	"sheetmap.ai/internal/sim/stream"
	"sheetmap.ai/internal/sim/tiles"
)

// Prober reports whether the network is reachable.
type Prober interface {
	ProbeLiveness(ctx context.Context, timeout time.Duration) bool
}

// ProbeResult is one finished liveness check.
type ProbeResult struct {
	Online  bool
	Latency time.Duration
	At      time.Time
}

type Config struct {
	Manager      *stream.Manager
	Prober       Prober
	ProbeTimeout time.Duration

	// SkipInitialProbe keeps the manager's starting mode through Initialize.
	SkipInitialProbe bool

	TilePx  int
	OffsetY int

	Logger *log.Logger

	// OnProbe runs on the control goroutine for every probe result, applied or not.
	OnProbe func(ProbeResult)
}

type Layout struct {
	TilePx  int `json:"tile_px"`
	OffsetY int `json:"offset_y"`
	ChunkPx int `json:"chunk_px"`
}

// Rect is a tile's box in screen pixels.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

type Status struct {
	Online        bool           `json:"online"`
	Mode          string         `json:"mode"`
	View          [2]int         `json:"view"`
	Center        tiles.ChunkKey `json:"-"`
	Radius        int            `json:"radius"`
	ProbePending  bool           `json:"probe_pending"`
	LastProbeUnix int64          `json:"last_probe_unix,omitempty"`
	Stream        stream.Stats   `json:"stream"`
}

type probeMsg struct {
	gen uint64
	res ProbeResult
}

// Service is the map facade a frame loop drives. It is not safe for concurrent use; Loop owns
// one and serializes access to it.
type Service struct {
	m            *stream.Manager
	prober       Prober
	probeTimeout time.Duration
	skipProbe    bool
	layout       Layout
	logger       *log.Logger
	onProbe      func(ProbeResult)

	viewX, viewY int
	center       tiles.ChunkKey

	probing   bool
	probeGen  uint64
	probeCh   chan probeMsg
	lastProbe time.Time
}

func New(cfg Config) *Service {
	if cfg.Manager == nil {
		cfg.Manager = stream.New(stream.Config{})
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.TilePx <= 0 {
		cfg.TilePx = 20
	}
	return &Service{
		m:            cfg.Manager,
		prober:       cfg.Prober,
		probeTimeout: cfg.ProbeTimeout,
		skipProbe:    cfg.SkipInitialProbe,
		layout:       Layout{TilePx: cfg.TilePx, OffsetY: cfg.OffsetY, ChunkPx: cfg.TilePx * tiles.ChunkW},
		logger:       cfg.Logger,
		onProbe:      cfg.OnProbe,
		probeCh:      make(chan probeMsg, 1),
	}
}

// Initialize sets the mode from a bounded liveness probe, then runs the first tick.
func (s *Service) Initialize(ctx context.Context, tileX, tileY int) stream.Delta {
	if s.prober != nil && !s.skipProbe {
		start := time.Now()
		pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
		online := s.prober.ProbeLiveness(pctx, s.probeTimeout)
		cancel()
		s.applyProbe(ProbeResult{Online: online, Latency: time.Since(start), At: time.Now()}, true)
	}
	return s.tick(tileX, tileY)
}

// Update applies a finished background probe, if any, then ticks at the new viewpoint.
func (s *Service) Update(tileX, tileY int) stream.Delta {
	select {
	case msg := <-s.probeCh:
		s.probing = false
		s.applyProbe(msg.res, msg.gen == s.probeGen)
	default:
	}
	return s.tick(tileX, tileY)
}

func (s *Service) tick(tileX, tileY int) stream.Delta {
	s.viewX, s.viewY = tileX, tileY
	s.center = tiles.TileToChunk(tileX, tileY)
	return s.m.Tick(s.center)
}

func (s *Service) applyProbe(res ProbeResult, apply bool) {
	s.lastProbe = res.At
	if apply {
		s.m.SetOnlineMode(res.Online)
	}
	s.printf("probe online=%v latency_ms=%d applied=%v", res.Online, res.Latency.Milliseconds(), apply)
	if s.onProbe != nil {
		s.onProbe(res)
	}
}

// QueryTile returns tiles.Unknown while the tile's chunk is absent or loading.
func (s *Service) QueryTile(tileX, tileY int) tiles.Code {
	return s.m.TileAt(tileX, tileY)
}

func (s *Service) Refresh() []tiles.ChunkKey {
	started := s.m.Refresh()
	s.printf("refresh started=%d online=%v", len(started), s.m.Online())
	return started
}

// RequestProbe starts a background liveness check whose result the next Update applies. It
// reports false when a check is already running or no prober is configured.
func (s *Service) RequestProbe() bool {
	if s.prober == nil || s.probing {
		return false
	}
	s.probing = true
	gen := s.probeGen
	prober, timeout, out := s.prober, s.probeTimeout, s.probeCh
	go func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		online := prober.ProbeLiveness(ctx, timeout)
		out <- probeMsg{gen: gen, res: ProbeResult{Online: online, Latency: time.Since(start), At: time.Now()}}
	}()
	return true
}

// SetOnline forces the mode. A probe still running when this is called is not applied.
func (s *Service) SetOnline(on bool) {
	s.probeGen++
	s.m.SetOnlineMode(on)
}

func (s *Service) Online() bool { return s.m.Online() }

func (s *Service) Status() Status {
	st := Status{
		Online:       s.m.Online(),
		Mode:         ModeText(s.m.Online()),
		View:         [2]int{s.viewX, s.viewY},
		Center:       s.center,
		Radius:       s.m.Radius(),
		ProbePending: s.probing,
		Stream:       s.m.Stats(),
	}
	if !s.lastProbe.IsZero() {
		st.LastProbeUnix = s.lastProbe.Unix()
	}
	return st
}

// ModeText is the label a renderer shows in the corner.
func ModeText(online bool) string {
	if online {
		return "Online"
	}
	return "Offline"
}

func (s *Service) Layout() Layout { return s.layout }

func (s *Service) ScreenRect(tileX, tileY int) Rect {
	px := s.layout.TilePx
	return Rect{X: tileX * px, Y: s.layout.OffsetY + tileY*px, W: px, H: px}
}

func (s *Service) View() (tileX, tileY int) { return s.viewX, s.viewY }

func (s *Service) Center() tiles.ChunkKey { return s.center }

// Range visits the chunk table in key order.
func (s *Service) Range(fn func(stream.Record) bool) { s.m.Range(fn) }

// Drain waits for in-flight loads and installs them.
func (s *Service) Drain(ctx context.Context) ([]tiles.ChunkKey, error) { return s.m.Drain(ctx) }

func (s *Service) printf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

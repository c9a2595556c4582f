package mapsvc

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"sheetmap.ai/internal/persistence/indexdb"
	persistlog "sheetmap.ai/internal/persistence/log"
	"sheetmap.ai/internal/sim/stream"
	"sheetmap.ai/internal/sim/tiles"
)

// ErrStopped is returned by Loop requests once Run has returned.
var ErrStopped = errors.New("map loop stopped")

type TickLogWriter interface {
	WriteTick(persistlog.TickEntry) error
}

type TickIndexer interface {
	WriteTick(indexdb.TickRow)
}

type CommandKind int

const (
	CmdRefresh CommandKind = iota + 1
	CmdProbe
	CmdSetOnline
)

type Command struct {
	Kind   CommandKind
	Online bool // CmdSetOnline
}

type LoopConfig struct {
	FrameRateHz int
	StartX      int
	StartY      int

	TickLog TickLogWriter
	Index   TickIndexer
	Logger  *log.Logger
}

type viewReq struct{ x, y int }

type tileReq struct {
	x, y int
	resp chan tiles.Code
}

type statusReq struct {
	resp chan LoopStatus
}

// LoopStatus is Service.Status plus the loop's tick counter.
type LoopStatus struct {
	Status
	Tick uint64 `json:"tick"`
}

// Loop is the control goroutine. It owns the Service; everything else talks to it through
// channels.
type Loop struct {
	svc    *Service
	hz     int
	log    TickLogWriter
	index  TickIndexer
	logger *log.Logger

	view     chan viewReq
	cmds     chan Command
	tileQ    chan tileReq
	statusQ  chan statusReq
	vJoin    chan ViewerJoinRequest
	vLeave   chan string
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce atomic.Bool

	tick    atomic.Uint64
	viewX   int
	viewY   int
	viewers map[string]*viewerClient
}

func NewLoop(svc *Service, cfg LoopConfig) *Loop {
	if cfg.FrameRateHz <= 0 {
		cfg.FrameRateHz = 30
	}
	return &Loop{
		svc:     svc,
		hz:      cfg.FrameRateHz,
		log:     cfg.TickLog,
		index:   cfg.Index,
		logger:  cfg.Logger,
		view:    make(chan viewReq, 64),
		cmds:    make(chan Command, 64),
		tileQ:   make(chan tileReq, 256),
		statusQ: make(chan statusReq, 64),
		vJoin:   make(chan ViewerJoinRequest, 16),
		vLeave:  make(chan string, 16),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		viewX:   cfg.StartX,
		viewY:   cfg.StartY,
		viewers: map[string]*viewerClient{},
	}
}

func (l *Loop) Service() *Service { return l.svc }

func (l *Loop) CurrentTick() uint64 { return l.tick.Load() }

func (l *Loop) ViewerJoin() chan<- ViewerJoinRequest { return l.vJoin }

// Stop makes Run return after the current step.
func (l *Loop) Stop() {
	if l.stopOnce.CompareAndSwap(false, true) {
		close(l.stop)
	}
}

// Run initializes the service at the start position and advances it every frame until ctx is
// done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)
	defer l.closeViewers()

	d := l.svc.Initialize(ctx, l.viewX, l.viewY)
	l.record(0, d)
	l.printf("start view=%d,%d online=%v", l.viewX, l.viewY, l.svc.Online())

	ticker := time.NewTicker(time.Second / time.Duration(l.hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case v := <-l.view:
			l.viewX, l.viewY = v.x, v.y
		case c := <-l.cmds:
			l.handleCommand(c)
		case q := <-l.tileQ:
			q.resp <- l.svc.QueryTile(q.x, q.y)
		case q := <-l.statusQ:
			q.resp <- LoopStatus{Status: l.svc.Status(), Tick: l.tick.Load()}
		case req := <-l.vJoin:
			l.handleViewerJoin(req)
		case id := <-l.vLeave:
			l.handleViewerLeave(id)
		case <-ticker.C:
			tick := l.tick.Add(1)
			d := l.svc.Update(l.viewX, l.viewY)
			l.record(tick, d)
			l.stepViewers(tick)
		}
	}
}

func (l *Loop) handleCommand(c Command) {
	switch c.Kind {
	case CmdRefresh:
		l.svc.Refresh()
	case CmdProbe:
		if !l.svc.RequestProbe() {
			l.printf("probe request ignored (already running or no prober)")
		}
	case CmdSetOnline:
		l.svc.SetOnline(c.Online)
	}
}

func (l *Loop) record(tick uint64, d stream.Delta) {
	if d.Empty() {
		return
	}
	st := l.svc.Status()
	if l.log != nil {
		e := persistlog.TickEntry{
			Tick:      tick,
			Time:      time.Now().UTC().Format(time.RFC3339Nano),
			Center:    [2]int{st.Center.CX, st.Center.CY},
			Online:    st.Online,
			Enqueued:  keyPairs(d.Enqueued),
			Installed: keyPairs(d.Installed),
			Evicted:   keyPairs(d.Evicted),
			Loading:   st.Stream.Loading,
			Resident:  st.Stream.Resident,
		}
		if err := l.log.WriteTick(e); err != nil {
			l.printf("tick log write failed tick=%d err=%v", tick, err)
		}
	}
	if l.index != nil {
		l.index.WriteTick(indexdb.TickRow{
			Tick:      tick,
			Center:    st.Center,
			Online:    st.Online,
			Enqueued:  len(d.Enqueued),
			Installed: len(d.Installed),
			Evicted:   len(d.Evicted),
			Resident:  st.Stream.Resident,
		})
	}
}

func keyPairs(keys []tiles.ChunkKey) [][2]int {
	if len(keys) == 0 {
		return nil
	}
	out := make([][2]int, len(keys))
	for i, k := range keys {
		out[i] = [2]int{k.CX, k.CY}
	}
	return out
}

// SetView moves the viewpoint; the next frame loads around it.
func (l *Loop) SetView(ctx context.Context, tileX, tileY int) error {
	return send(ctx, l, l.view, viewReq{x: tileX, y: tileY})
}

func (l *Loop) Do(ctx context.Context, c Command) error {
	return send(ctx, l, l.cmds, c)
}

func (l *Loop) QueryTile(ctx context.Context, tileX, tileY int) (tiles.Code, error) {
	resp := make(chan tiles.Code, 1)
	if err := send(ctx, l, l.tileQ, tileReq{x: tileX, y: tileY, resp: resp}); err != nil {
		return tiles.Unknown, err
	}
	return recv(ctx, l, resp)
}

func (l *Loop) Status(ctx context.Context) (LoopStatus, error) {
	resp := make(chan LoopStatus, 1)
	if err := send(ctx, l, l.statusQ, statusReq{resp: resp}); err != nil {
		return LoopStatus{}, err
	}
	return recv(ctx, l, resp)
}

func send[T any](ctx context.Context, l *Loop, ch chan T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recv[T any](ctx context.Context, l *Loop, ch chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-l.stopped:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (l *Loop) printf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Printf(format, args...)
	}
}

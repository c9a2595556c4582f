package mapsvc

import (
	"context"
	"sync"
	"testing"
	"time"

	"sheetmap.ai/internal/sim/stream"
	"sheetmap.ai/internal/sim/tiles"
)

type stubRemote struct {
	mu    sync.Mutex
	calls int
}

func (s *stubRemote) FetchChunk(_ context.Context, key tiles.ChunkKey) (tiles.Grid, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	g := tiles.NewGrid()
	if key.CX == 0 && key.CY == 0 {
		g.Set(3, 2, tiles.Brick)
	}
	return g, nil
}

func (s *stubRemote) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubProber struct {
	online bool
	gate   chan struct{}
}

func (p *stubProber) ProbeLiveness(ctx context.Context, _ time.Duration) bool {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return false
		}
	}
	return p.online
}

func newTestService(t *testing.T, p Prober, remote stream.RemoteSource) *Service {
	t.Helper()
	m := stream.New(stream.Config{Remote: remote, Radius: 1})
	t.Cleanup(m.Close)
	return New(Config{Manager: m, Prober: p, ProbeTimeout: time.Second, TilePx: 20, OffsetY: 30})
}

func drain(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestService_InitializeProbesAndLoadsWindow(t *testing.T) {
	remote := &stubRemote{}
	s := newTestService(t, &stubProber{online: true}, remote)

	d := s.Initialize(context.Background(), 5, 5)
	if !s.Online() || ModeText(s.Online()) != "Online" {
		t.Fatalf("expected online after a successful probe")
	}
	if len(d.Enqueued) != 9 {
		t.Fatalf("enqueued=%d want 9", len(d.Enqueued))
	}
	if got := s.QueryTile(3, 2); got != tiles.Unknown {
		t.Fatalf("tile before install=%v want unknown", got)
	}
	drain(t, s)
	if got := s.QueryTile(3, 2); got != tiles.Brick {
		t.Fatalf("tile=%v want brick", got)
	}
	if remote.Calls() != 9 {
		t.Fatalf("remote calls=%d want 9", remote.Calls())
	}
}

func TestService_InitializeOfflineWhenProbeFails(t *testing.T) {
	remote := &stubRemote{}
	s := newTestService(t, &stubProber{online: false}, remote)
	s.Initialize(context.Background(), 0, 0)
	drain(t, s)
	if s.Online() || s.Status().Mode != "Offline" {
		t.Fatalf("expected offline")
	}
	if remote.Calls() != 0 {
		t.Fatalf("offline mode must not touch the remote, calls=%d", remote.Calls())
	}
	// No cache configured: chunks are resident and empty.
	if got := s.QueryTile(3, 2); got != tiles.Empty {
		t.Fatalf("tile=%v want empty", got)
	}
}

func TestService_RequestProbeAppliesOnLaterUpdate(t *testing.T) {
	p := &stubProber{online: true, gate: make(chan struct{})}
	s := newTestService(t, p, &stubRemote{})
	s.Update(0, 0)
	if s.Online() {
		t.Fatalf("manager starts offline without an initial probe")
	}

	if !s.RequestProbe() {
		t.Fatalf("RequestProbe=false")
	}
	if s.RequestProbe() {
		t.Fatalf("second RequestProbe while pending must be refused")
	}
	if !s.Status().ProbePending {
		t.Fatalf("ProbePending=false")
	}
	close(p.gate)

	deadline := time.Now().Add(5 * time.Second)
	for !s.Online() {
		if time.Now().After(deadline) {
			t.Fatalf("probe result never applied")
		}
		s.Update(0, 0)
		time.Sleep(5 * time.Millisecond)
	}
	if s.Status().ProbePending || s.Status().LastProbeUnix == 0 {
		t.Fatalf("status after probe=%+v", s.Status())
	}
}

func TestService_SetOnlineDiscardsPendingProbe(t *testing.T) {
	p := &stubProber{online: true, gate: make(chan struct{})}
	var results []ProbeResult
	m := stream.New(stream.Config{Radius: 0})
	t.Cleanup(m.Close)
	s := New(Config{Manager: m, Prober: p, ProbeTimeout: time.Second, OnProbe: func(r ProbeResult) { results = append(results, r) }})

	s.RequestProbe()
	s.SetOnline(false)
	close(p.gate)

	deadline := time.Now().Add(5 * time.Second)
	for len(results) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("probe never finished")
		}
		s.Update(0, 0)
		time.Sleep(5 * time.Millisecond)
	}
	if s.Online() {
		t.Fatalf("stale probe overrode an explicit mode switch")
	}
}

func TestService_ScreenRect(t *testing.T) {
	s := New(Config{TilePx: 20, OffsetY: 30})
	got := s.ScreenRect(2, 3)
	want := Rect{X: 40, Y: 90, W: 20, H: 20}
	if got != want {
		t.Fatalf("ScreenRect=%+v want %+v", got, want)
	}
	if l := s.Layout(); l.ChunkPx != 320 {
		t.Fatalf("ChunkPx=%d want 320", l.ChunkPx)
	}
}

func TestService_RefreshReloadsResident(t *testing.T) {
	remote := &stubRemote{}
	s := newTestService(t, &stubProber{online: true}, remote)
	s.Initialize(context.Background(), 0, 0)
	drain(t, s)
	s.Update(0, 0)

	started := s.Refresh()
	if len(started) != 9 {
		t.Fatalf("refresh started=%d want 9", len(started))
	}
	if got := s.QueryTile(3, 2); got != tiles.Brick {
		t.Fatalf("old grid must stay visible during refresh, got %v", got)
	}
	drain(t, s)
	if remote.Calls() != 18 {
		t.Fatalf("remote calls=%d want 18", remote.Calls())
	}
}

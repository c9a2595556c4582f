package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sheetmap.ai/internal/sim/mapsvc"
	"sheetmap.ai/internal/sim/stream"
	"sheetmap.ai/internal/sim/tiles"
	"sheetmap.ai/internal/viewerproto"
	"sheetmap.ai/schemas"
)

type flatRemote struct{}

func (flatRemote) FetchChunk(_ context.Context, key tiles.ChunkKey) (tiles.Grid, error) {
	g := tiles.NewGrid()
	g.Set(0, 0, tiles.Water)
	return g, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *mapsvc.Loop) {
	t.Helper()
	m := stream.New(stream.Config{Remote: flatRemote{}, Radius: 1, Online: true})
	t.Cleanup(m.Close)
	l := mapsvc.NewLoop(mapsvc.New(mapsvc.Config{Manager: m, TilePx: 20, OffsetY: 30}), mapsvc.LoopConfig{FrameRateHz: 100})
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	t.Cleanup(func() {
		l.Stop()
		<-done
	})

	s := NewServer(l, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/viewer/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/v1/viewer/ws", s.WSHandler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, l
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/viewer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestBootstrap(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/viewer/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := schemas.MustCompile(schemas.ViewerBootstrap).Validate(doc); err != nil {
		t.Fatalf("bootstrap does not match schema: %v", err)
	}
	m := doc.(map[string]any)
	if m["tile_px"].(float64) != 20 || m["view_distance"].(float64) != 1 {
		t.Fatalf("bootstrap=%v", m)
	}
}

func TestWS_SubscribeStreamsChunks(t *testing.T) {
	srv, l := newTestServer(t)
	conn := dial(t, srv)

	x, y := 40, 8
	if err := conn.WriteJSON(viewerproto.ClientMsg{Type: viewerproto.TypeSubscribe, ProtocolVersion: viewerproto.Version, TileX: &x, TileY: &y}); err != nil {
		t.Fatalf("write: %v", err)
	}

	chunkSchema := schemas.MustCompile(schemas.ViewerChunk)
	tickSchema := schemas.MustCompile(schemas.ViewerTick)
	seen := map[tiles.ChunkKey]bool{}
	sawTick := false
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for !sawTick || len(seen) < 9 {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read (chunks=%d tick=%v): %v", len(seen), sawTick, err)
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		switch doc["type"] {
		case viewerproto.TypeChunk:
			if err := chunkSchema.Validate(doc); err != nil {
				t.Fatalf("chunk does not match schema: %v", err)
			}
			k := tiles.ChunkKey{CX: int(doc["cx"].(float64)), CY: int(doc["cy"].(float64))}
			if !tiles.InWindow(k, tiles.ChunkKey{CX: 2, CY: 0}, 1) {
				continue // chunks from before the view moved
			}
			seen[k] = true
		case viewerproto.TypeTick:
			if err := tickSchema.Validate(doc); err != nil {
				t.Fatalf("tick does not match schema: %v", err)
			}
			sawTick = true
		}
	}

	on := false
	if err := conn.WriteJSON(viewerproto.ClientMsg{Type: viewerproto.TypeSetOnline, Online: &on}); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := l.Status(context.Background())
		if err == nil && !st.Online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("SET_ONLINE not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWS_RejectsMissingSubscribe(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)
	if err := conn.WriteJSON(viewerproto.ClientMsg{Type: viewerproto.TypeRefresh}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if err == nil || !errors.As(err, &ce) || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestWS_SchemaRejectsViewWithoutCoordinates(t *testing.T) {
	s := &Server{clientSchema: schemas.MustCompile(schemas.ViewerClient)}
	if _, err := s.decode([]byte(`{"type":"VIEW","tile_x":1}`)); err == nil {
		t.Fatalf("VIEW without tile_y must be rejected")
	}
	if _, err := s.decode([]byte(`{"type":"SET_ONLINE"}`)); err == nil {
		t.Fatalf("SET_ONLINE without online must be rejected")
	}
	msg, err := s.decode([]byte(`{"type":"VIEW","tile_x":-3,"tile_y":7}`))
	if err != nil || *msg.TileX != -3 || *msg.TileY != 7 {
		t.Fatalf("decode VIEW: msg=%+v err=%v", msg, err)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5555": true,
		"[::1]:80":       true,
		"10.0.0.2:80":    false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", addr, got, want)
		}
	}
}

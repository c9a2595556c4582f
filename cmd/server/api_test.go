package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sheetmap.ai/internal/persistence/chunkcache"
	"sheetmap.ai/internal/sim/mapsvc"
	"sheetmap.ai/internal/sim/stream"
	"sheetmap.ai/internal/sim/tiles"
)

func newTestAPI(t *testing.T) (*httptest.Server, *mapsvc.Loop) {
	t.Helper()
	fs, err := chunkcache.OpenFileStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	g := tiles.NewGrid()
	g.Set(1, 2, tiles.Stone)
	if err := fs.Save(context.Background(), tiles.ChunkKey{}, g); err != nil {
		t.Fatalf("Save: %v", err)
	}
	writer := chunkcache.NewWriter(fs, chunkcache.WriterConfig{Workers: 1, QueueCapacity: 4})
	t.Cleanup(writer.Close)

	m := stream.New(stream.Config{Cache: fs, Radius: 1})
	t.Cleanup(m.Close)
	loop := mapsvc.NewLoop(mapsvc.New(mapsvc.Config{Manager: m, TilePx: 20, OffsetY: 30}), mapsvc.LoopConfig{FrameRateHz: 100})
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	t.Cleanup(func() {
		loop.Stop()
		<-done
	})

	mux := http.NewServeMux()
	(&apiServer{loop: loop, writer: writer}).register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, loop
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestAPI_TileServedFromCacheOffline(t *testing.T) {
	srv, _ := newTestAPI(t)

	var got struct {
		Code int         `json:"code"`
		Name string      `json:"name"`
		Rect mapsvc.Rect `json:"rect"`
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if code := getJSON(t, srv.URL+"/v1/tile?x=1&y=2", &got); code != http.StatusOK {
			t.Fatalf("status=%d", code)
		}
		if got.Code == int(tiles.Stone) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tile never became stone: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got.Rect != (mapsvc.Rect{X: 20, Y: 70, W: 20, H: 20}) {
		t.Fatalf("rect=%+v", got.Rect)
	}

	if code := getJSON(t, srv.URL+"/v1/tile?x=a&y=2", nil); code != http.StatusBadRequest {
		t.Fatalf("bad query status=%d want 400", code)
	}
}

func TestAPI_StatusAndOnlineToggle(t *testing.T) {
	srv, _ := newTestAPI(t)

	var st struct {
		Online bool          `json:"online"`
		Mode   string        `json:"mode"`
		Radius int           `json:"radius"`
		Layout mapsvc.Layout `json:"layout"`
	}
	if code := getJSON(t, srv.URL+"/v1/status", &st); code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	if st.Online || st.Mode != "Offline" || st.Radius != 1 || st.Layout.TilePx != 20 {
		t.Fatalf("status=%+v", st)
	}

	resp, err := http.Post(srv.URL+"/v1/online?on=true", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("online status=%d", resp.StatusCode)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		getJSON(t, srv.URL+"/v1/status", &st)
		if st.Online && st.Mode == "Online" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("online toggle not applied: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err = http.Post(srv.URL+"/v1/online?on=maybe", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad toggle status=%d", resp.StatusCode)
	}
}

func TestAPI_ViewRequiresPostAndCoordinates(t *testing.T) {
	srv, loop := newTestAPI(t)

	if code := getJSON(t, srv.URL+"/v1/view", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /v1/view status=%d", code)
	}
	resp, err := http.Post(srv.URL+"/v1/view", "application/json", strings.NewReader(`{"tile_x":5}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("partial body status=%d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/view", "application/json", strings.NewReader(`{"tile_x":-20,"tile_y":40}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("view status=%d", resp.StatusCode)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := loop.Status(context.Background())
		if err == nil && st.Center == (tiles.ChunkKey{CX: -2, CY: 2}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("view not applied: %+v err=%v", st, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAPI_Metrics(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	body := string(b)
	for _, want := range []string{
		"# TYPE sheetmap_chunks_resident gauge",
		"sheetmap_online 0",
		"# TYPE sheetmap_cache_write_dropped_total counter",
		"sheetmap_cache_write_queue_capacity 4",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

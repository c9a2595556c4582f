package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"sheetmap.ai/internal/persistence/chunkcache"
	"sheetmap.ai/internal/persistence/indexdb"
	"sheetmap.ai/internal/sim/mapsvc"
	"sheetmap.ai/internal/transport/viewer"
)

type apiServer struct {
	loop   *mapsvc.Loop
	writer *chunkcache.Writer
	index  *indexdb.SQLiteIndex
	viewer *viewer.Server
}

func (a *apiServer) register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", a.handleMetrics)
	mux.HandleFunc("/v1/status", a.handleStatus)
	mux.HandleFunc("/v1/tile", a.handleTile)
	mux.HandleFunc("/v1/view", a.handleView)
	mux.HandleFunc("/v1/refresh", a.command(mapsvc.CmdRefresh))
	mux.HandleFunc("/v1/probe", a.command(mapsvc.CmdProbe))
	mux.HandleFunc("/v1/online", a.handleOnline)
}

func (a *apiServer) handleStatus(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	st, err := a.loop.Status(ctx)
	if err != nil {
		writeError(rw, http.StatusServiceUnavailable, err)
		return
	}
	resp := struct {
		mapsvc.LoopStatus
		Layout mapsvc.Layout `json:"layout"`
	}{LoopStatus: st, Layout: a.loop.Service().Layout()}
	writeJSON(rw, http.StatusOK, resp)
}

func (a *apiServer) handleTile(rw http.ResponseWriter, r *http.Request) {
	x, errX := strconv.Atoi(r.URL.Query().Get("x"))
	y, errY := strconv.Atoi(r.URL.Query().Get("y"))
	if errX != nil || errY != nil {
		writeError(rw, http.StatusBadRequest, fmt.Errorf("x and y must be integers"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	code, err := a.loop.QueryTile(ctx, x, y)
	if err != nil {
		writeError(rw, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"x":    x,
		"y":    y,
		"code": int(code),
		"name": code.String(),
		"rect": a.loop.Service().ScreenRect(x, y),
	})
}

func (a *apiServer) handleView(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TileX *int `json:"tile_x"`
		TileY *int `json:"tile_y"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TileX == nil || req.TileY == nil {
		writeError(rw, http.StatusBadRequest, fmt.Errorf("body must be {\"tile_x\":int,\"tile_y\":int}"))
		return
	}
	if err := a.loop.SetView(r.Context(), *req.TileX, *req.TileY); err != nil {
		writeError(rw, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *apiServer) command(kind mapsvc.CommandKind) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := a.loop.Do(r.Context(), mapsvc.Command{Kind: kind}); err != nil {
			writeError(rw, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(rw, http.StatusAccepted, map[string]any{"ok": true})
	}
}

func (a *apiServer) handleOnline(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	on, err := strconv.ParseBool(r.URL.Query().Get("on"))
	if err != nil {
		writeError(rw, http.StatusBadRequest, fmt.Errorf("on must be a boolean"))
		return
	}
	if err := a.loop.Do(r.Context(), mapsvc.Command{Kind: mapsvc.CmdSetOnline, Online: on}); err != nil {
		writeError(rw, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]any{"ok": true, "online": on})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, err error) {
	writeJSON(rw, status, map[string]any{"ok": false, "error": err.Error()})
}

package mapsvc

import (
	"encoding/json"

	"sheetmap.ai/internal/sim/stream"
	"sheetmap.ai/internal/sim/tiles"
	"sheetmap.ai/internal/viewerproto"
)

// Per-frame cap on CHUNK messages per session so one slow viewer can't stall the loop.
const viewerMaxChunksPerTick = 16

// ViewerJoinRequest registers a viewer session with the Loop. The Loop owns both channels
// after this and closes them when the session leaves or the Loop stops.
type ViewerJoinRequest struct {
	SessionID string
	TickOut   chan []byte
	DataOut   chan []byte
}

type viewerClient struct {
	id      string
	tickOut chan []byte
	dataOut chan []byte

	// Version of each chunk this session has been sent.
	sent map[tiles.ChunkKey]uint64
}

func (l *Loop) handleViewerJoin(req ViewerJoinRequest) {
	if req.SessionID == "" || req.TickOut == nil || req.DataOut == nil {
		return
	}
	if old := l.viewers[req.SessionID]; old != nil {
		close(old.tickOut)
		close(old.dataOut)
	}
	l.viewers[req.SessionID] = &viewerClient{
		id:      req.SessionID,
		tickOut: req.TickOut,
		dataOut: req.DataOut,
		sent:    map[tiles.ChunkKey]uint64{},
	}
	l.printf("viewer join id=%s viewers=%d", req.SessionID, len(l.viewers))
}

// LeaveViewer removes a session. It waits for the loop to take the request unless the loop is
// stopping, in which case Run closes the session channels itself.
func (l *Loop) LeaveViewer(id string) {
	select {
	case l.vLeave <- id:
	case <-l.stop:
	case <-l.stopped:
	}
}

func (l *Loop) handleViewerLeave(id string) {
	c := l.viewers[id]
	if c == nil {
		return
	}
	delete(l.viewers, id)
	close(c.tickOut)
	close(c.dataOut)
	l.printf("viewer leave id=%s viewers=%d", id, len(l.viewers))
}

func (l *Loop) closeViewers() {
	for id, c := range l.viewers {
		delete(l.viewers, id)
		close(c.tickOut)
		close(c.dataOut)
	}
}

func (l *Loop) stepViewers(tick uint64) {
	if len(l.viewers) == 0 {
		return
	}
	st := l.svc.Status()
	b, err := json.Marshal(viewerproto.TickMsg{
		Type:            viewerproto.TypeTick,
		ProtocolVersion: viewerproto.Version,
		Tick:            tick,
		Online:          st.Online,
		Center:          [2]int{st.Center.CX, st.Center.CY},
		View:            st.View,
		Loading:         st.Stream.Loading,
		Resident:        st.Stream.Resident,
	})
	if err != nil {
		l.printf("viewer tick marshal: %v", err)
		return
	}

	var resident []stream.Record
	l.svc.Range(func(r stream.Record) bool {
		if r.State == stream.Resident {
			resident = append(resident, r)
		}
		return true
	})

	for _, c := range l.viewers {
		l.stepViewer(c, resident)
		sendLatest(c.tickOut, b)
	}
}

func (l *Loop) stepViewer(c *viewerClient, resident []stream.Record) {
	present := make(map[tiles.ChunkKey]struct{}, len(resident))
	budget := viewerMaxChunksPerTick
	for _, r := range resident {
		present[r.Key] = struct{}{}
		if budget == 0 || c.sent[r.Key] == r.Version {
			continue
		}
		b, err := json.Marshal(chunkMsg(r))
		if err != nil {
			continue
		}
		if !trySend(c.dataOut, b) {
			// Channel is full; retry next frame.
			budget = 0
			continue
		}
		c.sent[r.Key] = r.Version
		budget--
	}

	for k := range c.sent {
		if _, ok := present[k]; ok {
			continue
		}
		b, err := json.Marshal(viewerproto.ChunkEvictMsg{
			Type:            viewerproto.TypeChunkEvict,
			ProtocolVersion: viewerproto.Version,
			CX:              k.CX,
			CY:              k.CY,
		})
		if err != nil {
			continue
		}
		if trySend(c.dataOut, b) {
			delete(c.sent, k)
		}
	}
}

func chunkMsg(r stream.Record) viewerproto.ChunkMsg {
	m := viewerproto.ChunkMsg{
		Type:            viewerproto.TypeChunk,
		ProtocolVersion: viewerproto.Version,
		CX:              r.Key.CX,
		CY:              r.Key.CY,
		Content:         r.Content.String(),
		Source:          r.Source.String(),
		Version:         r.Version,
		Tiles:           r.Grid.Rows(),
	}
	if r.Err != nil {
		m.Error = r.Err.Error()
	}
	return m
}

func trySend(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
		return false
	}
}

// sendLatest replaces the oldest queued message when ch is full.
func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

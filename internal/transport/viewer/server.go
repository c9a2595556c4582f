package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"sheetmap.ai/internal/sim/mapsvc"
	"sheetmap.ai/internal/sim/tiles"
	"sheetmap.ai/internal/viewerproto"
	"sheetmap.ai/schemas"
)

type Server struct {
	loop *mapsvc.Loop
	log  *log.Logger

	// AllowRemote disables the loopback-only check.
	AllowRemote bool

	clientSchema *jsonschema.Schema
	upgrader     websocket.Upgrader
	nextID       atomic.Uint64
	sessions     atomic.Int64
}

func NewServer(l *mapsvc.Loop, logger *log.Logger) *Server {
	return &Server{
		loop:         l,
		log:          logger,
		clientSchema: schemas.MustCompile(schemas.ViewerClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Sessions is the number of connected viewers.
func (s *Server) Sessions() int64 { return s.sessions.Load() }

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		st, err := s.loop.Status(r.Context())
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		layout := s.loop.Service().Layout()
		resp := viewerproto.BootstrapResponse{
			ProtocolVersion: viewerproto.Version,
			Tick:            st.Tick,
			Online:          st.Online,
			ChunkSize:       [2]int{tiles.ChunkW, tiles.ChunkH},
			TilePx:          layout.TilePx,
			OffsetY:         layout.OffsetY,
			ViewDistance:    st.Radius,
			Palette:         viewerproto.Palette(),
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, err := s.decode(raw)
		if err != nil {
			closeWith(conn, websocket.ClosePolicyViolation, "bad subscribe")
			return
		}
		if sub.Type != viewerproto.TypeSubscribe || sub.ProtocolVersion != viewerproto.Version {
			closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
			return
		}

		sid := fmt.Sprintf("V%d", s.nextID.Add(1))
		tickOut := make(chan []byte, 4)
		dataOut := make(chan []byte, 1024)
		select {
		case s.loop.ViewerJoin() <- mapsvc.ViewerJoinRequest{SessionID: sid, TickOut: tickOut, DataOut: dataOut}:
		default:
			closeWith(conn, websocket.CloseTryAgainLater, "server busy")
			return
		}
		s.sessions.Add(1)
		defer s.sessions.Add(-1)
		defer s.loop.LeaveViewer(sid)
		s.printf("session %s from %s", sid, r.RemoteAddr)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if sub.TileX != nil && sub.TileY != nil {
			_ = s.loop.SetView(ctx, *sub.TileX, *sub.TileY)
		}

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				var b []byte
				var ok bool
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok = <-dataOut:
				case b, ok = <-tickOut:
				}
				if !ok {
					writeErr <- nil
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					return
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, raw, err := conn.ReadMessage()
			if err != nil {
				break
			}
			msg, err := s.decode(raw)
			if err != nil {
				s.printf("session %s bad message: %v", sid, err)
				continue
			}
			if err := s.apply(ctx, msg); err != nil {
				break
			}
		}

		cancel()
		closeWith(conn, websocket.CloseNormalClosure, "bye")

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) decode(raw []byte) (viewerproto.ClientMsg, error) {
	var msg viewerproto.ClientMsg
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return msg, err
	}
	if err := s.clientSchema.Validate(doc); err != nil {
		return msg, err
	}
	err := json.Unmarshal(raw, &msg)
	return msg, err
}

func (s *Server) apply(ctx context.Context, msg viewerproto.ClientMsg) error {
	switch msg.Type {
	case viewerproto.TypeView:
		return s.loop.SetView(ctx, *msg.TileX, *msg.TileY)
	case viewerproto.TypeRefresh:
		return s.loop.Do(ctx, mapsvc.Command{Kind: mapsvc.CmdRefresh})
	case viewerproto.TypeProbe:
		return s.loop.Do(ctx, mapsvc.Command{Kind: mapsvc.CmdProbe})
	case viewerproto.TypeSetOnline:
		return s.loop.Do(ctx, mapsvc.Command{Kind: mapsvc.CmdSetOnline, Online: *msg.Online})
	}
	return nil
}

func (s *Server) allowed(r *http.Request) bool {
	return s.AllowRemote || isLoopbackRemote(r.RemoteAddr)
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

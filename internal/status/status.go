// Package status exposes a loopback-only HTTP+WebSocket introspection
// endpoint for operators: a snapshot of active sessions and a live feed
// of session lifecycle and rule-decision events. It is pure observability
// — nothing here ever influences an allow/deny decision — and is
// disabled unless the caller opts in with a listen address.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nikicat/dbus-filterproxy/internal/listener"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
)

// Event is one entry in the live feed, serialized as JSON over the
// WebSocket. Events are not stored; GET /sessions returns the listener's
// session snapshot instead.
type Event struct {
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	SessionID  string    `json:"session_id,omitempty"`
	UniqueName string    `json:"unique_name,omitempty"`
	Direction  string    `json:"direction,omitempty"`
	Interface  string    `json:"interface,omitempty"`
	Path       string    `json:"path,omitempty"`
	Member     string    `json:"member,omitempty"`
	Verdict    string    `json:"verdict,omitempty"`
	Sender     string    `json:"sender,omitempty"`
}

// Server is the loopback introspection server. It implements
// listener.Observer so a Listener can feed it session lifecycle events
// directly, and exposes RecordDecision/RecordEavesdrop for the audit
// logger to mirror rule-engine verdicts into the same feed.
type Server struct {
	sessions *listener.Listener
	log      *slog.Logger

	httpServer *http.Server

	connsMu sync.RWMutex
	conns   map[*wsConn]struct{}
}

// New constructs a Server that reports on sessions. The address to bind is
// given to Run.
func New(sessions *listener.Listener, log *slog.Logger) *Server {
	s := &Server{
		sessions: sessions,
		log:      log,
		conns:    make(map[*wsConn]struct{}),
	}
	sessions.Subscribe(s)
	return s
}

// OnSessionStart implements listener.Observer.
func (s *Server) OnSessionStart(info listener.SessionInfo) {
	s.broadcast(Event{Type: "session_connected", Time: time.Now(), SessionID: info.ID, UniqueName: info.UniqueName})
}

// OnSessionEnd implements listener.Observer.
func (s *Server) OnSessionEnd(info listener.SessionInfo) {
	s.broadcast(Event{Type: "session_disconnected", Time: time.Now(), SessionID: info.ID, UniqueName: info.UniqueName})
}

// RecordDecision mirrors a rule-engine verdict into the live feed.
func (s *Server) RecordDecision(sessionID, verdict, direction, iface, path, member string) {
	s.broadcast(Event{
		Type: "rule_decision", Time: time.Now(), SessionID: sessionID,
		Verdict: verdict, Direction: direction, Interface: iface, Path: path, Member: member,
	})
}

// RecordEavesdrop mirrors an eavesdrop-set mutation into the live feed.
func (s *Server) RecordEavesdrop(sessionID, sender string) {
	s.broadcast(Event{Type: "eavesdrop_detected", Time: time.Now(), SessionID: sessionID, Sender: sender})
}

func (s *Server) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	for c := range s.conns {
		select {
		case c.send <- data:
		default:
			s.log.Warn("status websocket send buffer full, dropping event")
		}
	}
}

// Run binds addr, e.g. "127.0.0.1:8787", and serves /sessions and
// /sessions/ws until ctx is cancelled. addr must name a loopback host.
func (s *Server) Run(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("status address %q is not a loopback address", addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", s.handleSnapshot)
	mux.HandleFunc("/sessions/ws", s.handleWS)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		s.httpServer.Close()
	}()

	err = s.httpServer.Serve(ln)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.sessions.Sessions())
}

type wsConn struct {
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.log.Warn("status websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(context.Background())
	wc := &wsConn{conn: conn, send: make(chan []byte, 64), ctx: ctx, cancel: cancel}

	s.connsMu.Lock()
	s.conns[wc] = struct{}{}
	s.connsMu.Unlock()

	if data, err := json.Marshal(map[string]any{"type": "snapshot", "sessions": s.sessions.Sessions()}); err == nil {
		writeCtx, writeCancel := context.WithTimeout(ctx, writeWait)
		conn.Write(writeCtx, websocket.MessageText, data)
		writeCancel()
	}

	go s.writePump(wc)
}

func (s *Server) writePump(wc *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.connsMu.Lock()
		delete(s.conns, wc)
		s.connsMu.Unlock()
		wc.cancel()
		wc.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-wc.ctx.Done():
			return
		case msg, ok := <-wc.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(wc.ctx, writeWait)
			err := wc.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(wc.ctx, writeWait)
			err := wc.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

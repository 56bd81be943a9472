// Package listener accepts client connections on a Unix domain socket,
// completes the server-role SASL handshake, dials a fresh upstream
// connection per client, and hands the pair off to a session.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/dbus-filterproxy/internal/eavesdrop"
	"github.com/nikicat/dbus-filterproxy/internal/logging"
	"github.com/nikicat/dbus-filterproxy/internal/rules"
	"github.com/nikicat/dbus-filterproxy/internal/session"
	"github.com/nikicat/dbus-filterproxy/internal/transport"
)

// BusType selects which real bus a session's upstream connection dials
// into (spec.md §6, the proxy's second positional argument).
type BusType string

const (
	SessionBus BusType = "session"
	SystemBus  BusType = "system"
)

// SessionInfo is a snapshot of one active session, used by status
// introspection.
type SessionInfo struct {
	ID         string
	UniqueName string
}

// Observer receives notifications about sessions starting and ending, for
// the optional status introspection server.
type Observer interface {
	OnSessionStart(SessionInfo)
	OnSessionEnd(SessionInfo)
}

// Listener owns the Unix socket clients connect to.
type Listener struct {
	socketPath string
	busType    BusType
	engine     *rules.Engine
	log        *logging.Logger

	mu    sync.Mutex
	infos map[string]SessionInfo

	observersMu sync.RWMutex
	observers   []Observer
}

// New constructs a Listener bound to socketPath, proxying to busType.
// engine is shared process-wide across every session it spawns.
func New(socketPath string, busType BusType, engine *rules.Engine, log *logging.Logger) *Listener {
	return &Listener{
		socketPath: socketPath,
		busType:    busType,
		engine:     engine,
		log:        log,
		infos:      make(map[string]SessionInfo),
	}
}

// SetLogger swaps the logger used for sessions accepted from this point
// on, letting main wire in a status-introspection observer after
// construction without a second Listener.
func (l *Listener) SetLogger(log *logging.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = log
}

// Subscribe registers o to receive session lifecycle notifications.
func (l *Listener) Subscribe(o Observer) {
	l.observersMu.Lock()
	defer l.observersMu.Unlock()
	l.observers = append(l.observers, o)
}

func (l *Listener) notify(info SessionInfo, start bool) {
	l.observersMu.RLock()
	defer l.observersMu.RUnlock()
	for _, o := range l.observers {
		if start {
			o.OnSessionStart(info)
		} else {
			o.OnSessionEnd(info)
		}
	}
}

// Run binds the socket and accepts connections until ctx is cancelled.
// The listener is bound exactly once for the whole process lifetime; Go's
// net.Listener has no need to be torn down and recreated between accepts
// the way the fork-per-client original did.
func (l *Listener) Run(ctx context.Context) error {
	if err := os.Remove(l.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &transport.BindError{Path: l.socketPath, Err: err}
	}

	ln, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return &transport.BindError{Path: l.socketPath, Err: err}
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &transport.BindError{Path: l.socketPath, Err: err}
		}
		go l.serve(ctx, conn)
	}
}

// Sessions returns a snapshot of every currently active session, for
// status introspection.
func (l *Listener) Sessions() []SessionInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	infos := make([]SessionInfo, 0, len(l.infos))
	for _, info := range l.infos {
		infos = append(infos, info)
	}
	return infos
}

func (l *Listener) serve(ctx context.Context, raw net.Conn) {
	rwc, err := transport.Accept(raw)
	if err != nil {
		l.log.LogAttrs(ctx, slog.LevelWarn, "handshake_failed", slog.String("error", err.Error()))
		raw.Close()
		return
	}

	clientConn, err := dbus.NewConn(rwc)
	if err != nil {
		l.log.LogAttrs(ctx, slog.LevelWarn, "client_conn_failed", slog.String("error", err.Error()))
		rwc.Close()
		return
	}

	upstream, uniqueName, err := l.dialUpstream()
	if err != nil {
		l.log.LogAttrs(ctx, slog.LevelError, "upstream_dial_failed", slog.String("error", err.Error()))
		clientConn.Close()
		return
	}

	sess := session.New(clientConn, upstream, uniqueName, l.engine, eavesdrop.NewSet(), l.log)
	info := SessionInfo{ID: sess.ID(), UniqueName: uniqueName}
	l.track(info)
	l.notify(info, true)
	defer func() {
		l.untrack(info.ID)
		l.notify(info, false)
	}()

	if err := sess.Run(ctx); err != nil {
		l.log.LogAttrs(ctx, slog.LevelDebug, "session_run_error", slog.String("error", err.Error()))
	}
}

// dialUpstream dials, authenticates and Hello-greets a fresh connection to
// the real bus for one client session.
func (l *Listener) dialUpstream() (*dbus.Conn, string, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch l.busType {
	case SystemBus:
		conn, err = dbus.ConnectSystemBus()
	case SessionBus:
		conn, err = dbus.ConnectSessionBus()
	default:
		return nil, "", &session.UpstreamError{Err: fmt.Errorf("unknown bus type %q", l.busType)}
	}
	if err != nil {
		return nil, "", &session.UpstreamError{Err: err}
	}

	names := conn.Names()
	if len(names) == 0 {
		conn.Close()
		return nil, "", &session.UpstreamError{Err: fmt.Errorf("upstream Hello returned no unique name")}
	}
	return conn, names[0], nil
}

func (l *Listener) track(info SessionInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos[info.ID] = info
}

func (l *Listener) untrack(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.infos, id)
}

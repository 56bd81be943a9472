package listener

import (
	"log/slog"
	"testing"

	"github.com/nikicat/dbus-filterproxy/internal/logging"
	"github.com/nikicat/dbus-filterproxy/internal/rules"
)

func newTestListener() *Listener {
	engine := rules.NewEngine(nil)
	log := logging.New(slog.New(slog.DiscardHandler), "")
	return New("/tmp/does-not-matter.sock", SessionBus, engine, log)
}

func TestDialUpstreamUnknownBusType(t *testing.T) {
	l := newTestListener()
	l.busType = BusType("bogus")
	_, _, err := l.dialUpstream()
	if err == nil {
		t.Fatal("expected an error for an unrecognized bus type")
	}
}

type recordingObserver struct {
	started []SessionInfo
	ended   []SessionInfo
}

func (r *recordingObserver) OnSessionStart(info SessionInfo) { r.started = append(r.started, info) }
func (r *recordingObserver) OnSessionEnd(info SessionInfo)   { r.ended = append(r.ended, info) }

func TestSubscribeNotifiesObservers(t *testing.T) {
	l := newTestListener()
	obs := &recordingObserver{}
	l.Subscribe(obs)

	info := SessionInfo{ID: "abc", UniqueName: ":1.99"}
	l.track(info)
	l.notify(info, true)
	if len(l.Sessions()) != 1 {
		t.Fatalf("expected one tracked session, got %d", len(l.Sessions()))
	}

	l.untrack(info.ID)
	l.notify(info, false)
	if len(l.Sessions()) != 0 {
		t.Fatal("expected session removed after untrack")
	}

	if len(obs.started) != 1 || obs.started[0].ID != "abc" {
		t.Fatalf("expected one start notification for abc, got %+v", obs.started)
	}
	if len(obs.ended) != 1 || obs.ended[0].ID != "abc" {
		t.Fatalf("expected one end notification for abc, got %+v", obs.ended)
	}
}

func TestSetLoggerSwapsLogger(t *testing.T) {
	l := newTestListener()
	newLog := logging.New(slog.New(slog.DiscardHandler), "swapped")
	l.SetLogger(newLog)
	if l.log != newLog {
		t.Fatal("expected SetLogger to replace the listener's logger")
	}
}

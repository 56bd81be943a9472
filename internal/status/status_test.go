package status

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/nikicat/dbus-filterproxy/internal/listener"
	"github.com/nikicat/dbus-filterproxy/internal/logging"
	"github.com/nikicat/dbus-filterproxy/internal/rules"
)

func newTestServer() (*Server, *listener.Listener) {
	engine := rules.NewEngine(nil)
	log := logging.New(slog.New(slog.DiscardHandler), "")
	l := listener.New("/tmp/does-not-matter.sock", listener.SessionBus, engine, log)
	s := New(l, slog.New(slog.DiscardHandler))
	return s, l
}

func TestServerImplementsDecisionObserver(t *testing.T) {
	s, _ := newTestServer()
	var _ logging.DecisionObserver = s
}

func TestOnSessionStartEndBroadcastsWithoutPanicking(t *testing.T) {
	s, _ := newTestServer()
	info := listener.SessionInfo{ID: "abc", UniqueName: ":1.5"}
	// No websocket clients are attached; broadcast must be a no-op, not a panic.
	s.OnSessionStart(info)
	s.OnSessionEnd(info)
	s.RecordDecision("abc", "accepted", "outgoing", "com.example.Foo", "/com/example/Foo", "DoThing")
	s.RecordEavesdrop("abc", ":1.42")
}

func TestEventMarshalsExpectedFields(t *testing.T) {
	ev := Event{Type: "rule_decision", SessionID: "abc", Verdict: "accepted", Direction: "outgoing"}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round map[string]interface{}
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if round["type"] != "rule_decision" || round["session_id"] != "abc" {
		t.Fatalf("unexpected fields: %+v", round)
	}
}

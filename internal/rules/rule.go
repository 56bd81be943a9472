// Package rules implements the proxy's rule engine: an ordered, append-only
// set of allow rules evaluated first-match-wins against every message
// crossing the proxy in either direction.
package rules

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
)

// Direction is the direction a message is travelling relative to the
// client: Outgoing means client -> broker, Incoming means broker -> client.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Method holds either a single glob pattern or a list of glob patterns a
// rule's method field matches. A rule whose method field was never set
// (absent key, or an explicit empty array) matches nothing, same as any
// other empty field (spec: "method given as [] matches no message").
type Method struct {
	patterns []string
}

// UnmarshalJSON accepts both a bare string and an array of strings.
func (m *Method) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		m.patterns = []string{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	m.patterns = list
	return nil
}

// MarshalJSON renders a single-pattern Method as a bare string and a
// multi-pattern Method as an array, mirroring the input shape.
func (m Method) MarshalJSON() ([]byte, error) {
	if len(m.patterns) == 1 {
		return json.Marshal(m.patterns[0])
	}
	return json.Marshal(m.patterns)
}

// Matches reports whether member matches this method field: any one
// pattern in the set glob-matching member satisfies the field.
func (m Method) Matches(member string) bool {
	for _, p := range m.patterns {
		if matchField(p, member) {
			return true
		}
	}
	return false
}

// Rule describes one allow entry: glob patterns for direction, interface
// and object-path, plus a method-name set. An empty string in any field
// never matches (spec: "acts as a deny"); use "*" to wildcard a field.
type Rule struct {
	Direction  string `json:"direction"`
	Interface  string `json:"interface"`
	ObjectPath string `json:"object-path"`
	Method     Method `json:"method"`
}

// matchField reports whether value matches pattern under spec's glob
// rules, with the empty-pattern-never-matches sentinel. Matching is shell
// glob semantics, not stdlib path.Match's: '*' and '?' match '/' like any
// other byte, since every D-Bus object path starts with '/' and a rule
// wildcarding object-path with "*" must still match it.
func matchField(pattern, value string) bool {
	if pattern == "" {
		return false
	}
	return globMatch(pattern, value)
}

// globMatch is a classic two-pointer '*'/'?' matcher: '?' matches exactly
// one byte, '*' matches any run of bytes (including none), and no byte is
// ever treated specially.
func globMatch(pattern, value string) bool {
	var pIdx, vIdx, starIdx, starMatch int
	starIdx = -1

	for vIdx < len(value) {
		switch {
		case pIdx < len(pattern) && (pattern[pIdx] == '?' || pattern[pIdx] == value[vIdx]):
			pIdx++
			vIdx++
		case pIdx < len(pattern) && pattern[pIdx] == '*':
			starIdx = pIdx
			starMatch = vIdx
			pIdx++
		case starIdx != -1:
			pIdx = starIdx + 1
			starMatch++
			vIdx = starMatch
		default:
			return false
		}
	}
	for pIdx < len(pattern) && pattern[pIdx] == '*' {
		pIdx++
	}
	return pIdx == len(pattern)
}

// Allows reports whether this rule permits a message with the given
// direction, interface, object path and method name. directionOnlyMiss is
// true when every field except the direction matches, so the caller can
// emit the "direction does not match but everything else does" diagnostic.
func (r Rule) Allows(dir Direction, iface, objPath, member string) (matched bool, directionOnlyMiss bool) {
	ifaceOK := matchField(r.Interface, iface)
	pathOK := matchField(r.ObjectPath, objPath)
	methodOK := r.Method.Matches(member)
	dirOK := matchField(r.Direction, string(dir))

	if dirOK && ifaceOK && pathOK && methodOK {
		return true, false
	}
	if !dirOK && ifaceOK && pathOK && methodOK {
		return false, true
	}
	return false, false
}

// RuleSet is an ordered, immutable list of rules. New rules are never
// inserted into an existing RuleSet; Engine publishes a fresh RuleSet on
// every append so readers always see a consistent, atomically-visible
// snapshot (spec.md I4).
type RuleSet struct {
	rules []Rule
}

// Append returns a new RuleSet with extra appended after the receiver's
// rules, preserving evaluation order (spec: "append-only... insertion
// order is preserved").
func (rs *RuleSet) Append(extra ...Rule) *RuleSet {
	if rs == nil {
		return &RuleSet{rules: append([]Rule(nil), extra...)}
	}
	next := make([]Rule, 0, len(rs.rules)+len(extra))
	next = append(next, rs.rules...)
	next = append(next, extra...)
	return &RuleSet{rules: next}
}

// Len reports the number of rules currently in the set.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Engine holds the process-wide RuleSet snapshot and evaluates messages
// against it. It is safe for concurrent use by every session.
type Engine struct {
	current atomic.Pointer[RuleSet]
	logger  *slog.Logger
}

// NewEngine returns an Engine with an empty rule set. A nil logger
// disables the direction-only-miss diagnostic.
func NewEngine(logger *slog.Logger) *Engine {
	e := &Engine{logger: logger}
	e.current.Store(&RuleSet{})
	return e
}

// Snapshot returns the RuleSet currently in effect.
func (e *Engine) Snapshot() *RuleSet {
	return e.current.Load()
}

// Append adds rules to the live set, publishing the new snapshot
// atomically. Safe to call concurrently with IsAllowed from any session.
func (e *Engine) Append(rs ...Rule) {
	for {
		old := e.current.Load()
		next := old.Append(rs...)
		if e.current.CompareAndSwap(old, next) {
			return
		}
	}
}

// IsAllowed evaluates the current snapshot first-match-wins: the first
// rule whose direction, interface, path and method all match decides the
// outcome; if no rule matches at all, the message is denied.
func (e *Engine) IsAllowed(dir Direction, iface, objPath, member string) bool {
	snap := e.current.Load()
	if snap == nil {
		return false
	}
	for _, r := range snap.rules {
		matched, directionOnlyMiss := r.Allows(dir, iface, objPath, member)
		if matched {
			return true
		}
		if directionOnlyMiss && e.logger != nil {
			e.logger.Debug("direction does not match but everything else does",
				"rule_direction", r.Direction, "direction", string(dir),
				"interface", iface, "path", objPath, "member", member)
		}
	}
	return false
}

package rules

import "testing"

func TestEngineEmptyRuleSetDenies(t *testing.T) {
	e := NewEngine(nil)
	if e.IsAllowed(Outgoing, "com.example.Svc", "/com/example/Foo", "DoThing") {
		t.Fatal("empty rule set must deny")
	}
}

// Scenario 2 from spec.md §8: wildcard direction, interface glob, exact
// path, exact method.
func TestEngineOutgoingAllow(t *testing.T) {
	e := NewEngine(nil)
	e.Append(Rule{
		Direction:  "*",
		Interface:  "com.example.*",
		ObjectPath: "/com/example/Foo",
		Method:     Method{patterns: []string{"DoThing"}},
	})
	if !e.IsAllowed(Outgoing, "com.example.Svc", "/com/example/Foo", "DoThing") {
		t.Fatal("expected allow")
	}
	if e.IsAllowed(Outgoing, "com.example.Svc", "/com/example/Bar", "DoThing") {
		t.Fatal("expected deny for non-matching path")
	}
}

// Scenario 3: an empty interface field denies regardless of other fields.
func TestEngineEmptyFieldDenies(t *testing.T) {
	e := NewEngine(nil)
	e.Append(Rule{
		Direction:  "outgoing",
		Interface:  "",
		ObjectPath: "*",
		Method:     Method{patterns: []string{"*"}},
	})
	if e.IsAllowed(Outgoing, "com.example.X", "/any", "Call") {
		t.Fatal("empty interface field must deny")
	}
}

// Scenario 4: method given as an array matches any one of its entries.
func TestEngineMethodArray(t *testing.T) {
	e := NewEngine(nil)
	e.Append(Rule{
		Direction:  "outgoing",
		Interface:  "*",
		ObjectPath: "*",
		Method:     Method{patterns: []string{"Ping", "Pong"}},
	})
	if !e.IsAllowed(Outgoing, "com.example.X", "/x", "Pong") {
		t.Fatal("expected Pong to be allowed")
	}
	if e.IsAllowed(Outgoing, "com.example.X", "/x", "Ding") {
		t.Fatal("expected Ding to be denied")
	}
}

// object-path wildcards must match real paths, which always start with
// '/'. stdlib path.Match excludes '/' from '*'; globMatch must not.
func TestMatchFieldWildcardMatchesSlashes(t *testing.T) {
	if !matchField("*", "/com/example/Foo") {
		t.Fatal("expected \"*\" to match a real object path")
	}
	if !matchField("/com/example/*", "/com/example/Foo/Bar") {
		t.Fatal("expected a trailing '*' to match across path segments")
	}
	if !matchField("*", "/") {
		t.Fatal("expected \"*\" to match the root path")
	}
}

func TestMethodEmptyArrayMatchesNothing(t *testing.T) {
	m := Method{}
	if m.Matches("AnyMethod") {
		t.Fatal("empty method set must not match anything")
	}
}

func TestRuleNoDirectionKeySkipped(t *testing.T) {
	var r Rule
	matched, _ := r.Allows(Outgoing, "com.example.X", "/x", "Call")
	if matched {
		t.Fatal("rule with zero-value direction must never match")
	}
}

func TestRuleSetAppendIsMonotonic(t *testing.T) {
	e := NewEngine(nil)
	e.Append(Rule{Direction: "outgoing", Interface: "a.*", ObjectPath: "*", Method: Method{patterns: []string{"*"}}})
	if !e.IsAllowed(Outgoing, "a.b", "/x", "M") {
		t.Fatal("first fragment should already allow")
	}
	e.Append(Rule{Direction: "outgoing", Interface: "z.*", ObjectPath: "*", Method: Method{patterns: []string{"*"}}})
	if !e.IsAllowed(Outgoing, "a.b", "/x", "M") {
		t.Fatal("appending an unrelated fragment must not unmatch a previously matching message")
	}
}

func TestRuleSetFirstMatchWins(t *testing.T) {
	e := NewEngine(nil)
	e.Append(
		Rule{Direction: "outgoing", Interface: "*", ObjectPath: "*", Method: Method{patterns: []string{"*"}}},
		Rule{Direction: "outgoing", Interface: "", ObjectPath: "*", Method: Method{patterns: []string{"*"}}},
	)
	if !e.IsAllowed(Outgoing, "com.example.X", "/x", "Call") {
		t.Fatal("first matching rule should allow even though a later rule would deny")
	}
}

func TestMethodUnmarshalJSONString(t *testing.T) {
	var m Method
	if err := m.UnmarshalJSON([]byte(`"DoThing"`)); err != nil {
		t.Fatal(err)
	}
	if !m.Matches("DoThing") {
		t.Fatal("expected single-string method to match")
	}
}

func TestMethodUnmarshalJSONArray(t *testing.T) {
	var m Method
	if err := m.UnmarshalJSON([]byte(`["Ping","Pong"]`)); err != nil {
		t.Fatal(err)
	}
	if !m.Matches("Pong") || m.Matches("Ding") {
		t.Fatal("expected array method to match only its entries")
	}
}

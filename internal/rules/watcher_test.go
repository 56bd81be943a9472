package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFragmentWatcherLoadsExistingFragmentsOnStart(t *testing.T) {
	dir := t.TempDir()
	fragment := `{"dbus-gateway-config-session": [{"direction":"outgoing","interface":"*","object-path":"*","method":"*"}]}` + "\n"
	if err := os.WriteFile(filepath.Join(dir, "a.json"), []byte(fragment), 0o644); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(nil)
	w, err := NewFragmentWatcher(dir, "session", e, nil)
	if err != nil {
		t.Fatalf("NewFragmentWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for e.Snapshot().Len() == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("timed out waiting for the initial fragment scan to apply")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !e.IsAllowed(Outgoing, "any.iface", "/x", "M") {
		t.Fatal("expected the pre-existing fragment's rule to be applied")
	}

	cancel()
	<-done
}

func TestFragmentWatcherPicksUpNewFile(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(nil)
	w, err := NewFragmentWatcher(dir, "session", e, nil)
	if err != nil {
		t.Fatalf("NewFragmentWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond) // let the watcher attach before the write

	fragment := `{"dbus-gateway-config-session": [{"direction":"outgoing","interface":"com.example.*","object-path":"*","method":"*"}]}` + "\n"
	if err := os.WriteFile(filepath.Join(dir, "b.json"), []byte(fragment), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for e.Snapshot().Len() == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("timed out waiting for the new fragment to be picked up")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !e.IsAllowed(Outgoing, "com.example.Svc", "/x", "M") {
		t.Fatal("expected the newly dropped fragment's rule to be applied")
	}

	cancel()
	<-done
}

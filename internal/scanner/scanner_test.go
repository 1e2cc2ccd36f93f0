package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/logging"
)

func seedTree(t *testing.T, root string, paths []string) {
	t.Helper()
	for _, p := range paths {
		full := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestScanAppliesIgnoreGlobs(t *testing.T) {
	root := t.TempDir()
	seedTree(t, root, []string{
		"cmd/main.go",
		"README.md",
		".git/HEAD",
		"node_modules/pkg/index.js",
		"go.lock",
	})

	items, err := New().Scan(root)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	got := map[string]bool{}
	for _, it := range items {
		got[it.Path] = true
	}
	for _, want := range []string{"cmd", "cmd/main.go", "README.md"} {
		if !got[want] {
			t.Errorf("missing %s in %v", want, got)
		}
	}
	for _, banned := range []string{".git/HEAD", "node_modules/pkg/index.js", "go.lock"} {
		if got[banned] {
			t.Errorf("%s should be ignored", banned)
		}
	}
}

func TestScanSortedAndSized(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	items, err := New().Scan(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Path != "a.txt" || items[1].Path != "b.txt" {
		t.Fatalf("not sorted: %+v", items)
	}
	if items[1].Size != 5 {
		t.Errorf("size not recorded: %+v", items[1])
	}
}

func TestFilter(t *testing.T) {
	items := []FileItem{
		{Path: "internal/store/store.go"},
		{Path: "cmd/main.go"},
		{Path: "README.md"},
	}
	got := Filter(items, "STORE")
	if len(got) != 1 || got[0].Path != "internal/store/store.go" {
		t.Errorf("filter failed: %+v", got)
	}
	if len(Filter(items, "")) != 3 {
		t.Error("empty query must return everything")
	}
}

func TestWatcherDebouncesBurst(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := Watch(ctx, root, logging.Nop())
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// A burst of writes should settle into a single refresh signal.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte{byte(i)}, 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-w.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("no refresh signal after changes")
	}

	// The burst was coalesced: no second signal arrives without new events.
	select {
	case <-w.Events():
		t.Error("burst produced more than one signal")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcherClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w, err := Watch(ctx, t.TempDir(), logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, open := <-w.Events():
		if open {
			// Drain a possible in-flight signal, then expect closure.
			if _, open = <-w.Events(); open {
				t.Error("events channel should close after cancel")
			}
		}
	case <-time.After(2 * time.Second):
		t.Error("events channel did not close")
	}
}

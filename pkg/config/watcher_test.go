package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const watcherManifest = `
layers:
  - name: unit
    strategy: sequential
    categories:
      - name: tests
        command: make
`

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "verity.yaml")
	if err := os.WriteFile(path, []byte(watcherManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	reloads := make(chan *Manifest, 4)
	w, err := NewWatcher(path, nil, func(m *Manifest) { reloads <- m })
	if err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer w.Close()

	updated := watcherManifest + "workers: 7\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}

	select {
	case m := <-reloads:
		if m.Workers != 7 {
			t.Errorf("reloaded workers = %d, want 7", m.Workers)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after manifest write")
	}
}

func TestWatcherIgnoresBrokenManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "verity.yaml")
	if err := os.WriteFile(path, []byte(watcherManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	reloads := make(chan *Manifest, 4)
	w, err := NewWatcher(path, nil, func(m *Manifest) { reloads <- m })
	if err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("layers: ["), 0o644); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}

	select {
	case <-reloads:
		t.Fatal("broken manifest must not trigger a reload")
	case <-time.After(time.Second):
	}

	// A subsequent valid write still reloads.
	if err := os.WriteFile(path, []byte(watcherManifest), 0o644); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}
	select {
	case <-reloads:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the manifest was fixed")
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "verity.yaml")
	if err := os.WriteFile(path, []byte(watcherManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	reloads := make(chan *Manifest, 4)
	w, err := NewWatcher(path, nil, func(m *Manifest) { reloads <- m })
	if err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	select {
	case <-reloads:
		t.Fatal("sibling file change must not trigger a reload")
	case <-time.After(time.Second):
	}
}

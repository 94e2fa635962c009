package hostapi

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMirrorWritesServerChanges(t *testing.T) {
	ctx := context.Background()
	server := NewServer(nil, nil)
	if _, err := server.SetContent(ctx, "before", "existing"); err != nil {
		t.Fatalf("set content: %v", err)
	}
	mirror, err := NewMirror(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	if err := server.AttachMirror(ctx, mirror); err != nil {
		t.Fatalf("attach mirror: %v", err)
	}
	assertFileContent(t, mirror.Path("before"), "existing")

	if _, err := server.SetContent(ctx, "notes", "# title"); err != nil {
		t.Fatalf("set content: %v", err)
	}
	assertFileContent(t, mirror.Path("notes"), "# title")
}

func TestMirrorSyncAppliesExternalEdits(t *testing.T) {
	ctx := context.Background()
	server := NewServer(nil, nil)
	mirror, err := NewMirror(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	if err := server.AttachMirror(ctx, mirror); err != nil {
		t.Fatalf("attach mirror: %v", err)
	}
	if _, err := server.SetContent(ctx, "notes", "v1"); err != nil {
		t.Fatalf("set content: %v", err)
	}

	// Our own write is recognized and not applied again.
	if err := mirror.sync(ctx, "notes"); err != nil {
		t.Fatalf("sync own write: %v", err)
	}
	doc, _ := server.Document(ctx, "notes")
	if doc.Revision != 1 {
		t.Fatalf("expected revision 1 after own write, got %d", doc.Revision)
	}

	if err := os.WriteFile(mirror.Path("notes"), []byte("v2 from disk"), 0o644); err != nil {
		t.Fatalf("write mirror file: %v", err)
	}
	if err := mirror.sync(ctx, "notes"); err != nil {
		t.Fatalf("sync external edit: %v", err)
	}
	doc, _ = server.Document(ctx, "notes")
	if doc.Content != "v2 from disk" || doc.Revision != 2 {
		t.Fatalf("expected external edit at revision 2, got %q at %d", doc.Content, doc.Revision)
	}
	// Applying the edit must not rewrite the file it came from.
	assertFileContent(t, mirror.Path("notes"), "v2 from disk")
}

func TestMirrorIgnoresForeignFiles(t *testing.T) {
	mirror, err := NewMirror(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	cases := []string{
		filepath.Join(mirror.Dir(), ".notes.md.tmp-123"),
		filepath.Join(mirror.Dir(), "notes.txt"),
		filepath.Join(mirror.Dir(), "sub", "notes.md"),
		filepath.Join(mirror.Dir(), ".md"),
	}
	for _, path := range cases {
		if id, ok := mirror.documentID(path); ok {
			t.Fatalf("expected %s to be ignored, got id %q", path, id)
		}
	}
	if id, ok := mirror.documentID(mirror.Path("notes")); !ok || id != "notes" {
		t.Fatalf("expected notes, got %q (%v)", id, ok)
	}
}

func TestMirrorRunPicksUpFileEdits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server := NewServer(nil, nil)
	mirror, err := NewMirror(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	if err := server.AttachMirror(ctx, mirror); err != nil {
		t.Fatalf("attach mirror: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- mirror.Run(ctx) }()

	// Give the watcher a moment to register the directory.
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if err := os.WriteFile(mirror.Path("notes"), []byte("typed in another editor"), 0o644); err != nil {
			t.Fatalf("write mirror file: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		if doc, err := server.Document(ctx, "notes"); err == nil && doc.Content == "typed in another editor" {
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("run returned %v", err)
			}
			return
		}
	}
	t.Fatalf("expected the file edit to reach the server")
}

func assertFileContent(t *testing.T, path, want string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if string(data) != want {
		t.Fatalf("expected %q in %s, got %q", want, path, string(data))
	}
}

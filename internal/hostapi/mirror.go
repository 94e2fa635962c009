package hostapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relaymd/internal/docstore"
)

const mirrorExt = ".md"

// Mirror keeps a markdown file per document in a directory. Server changes
// are written out, and edits made to the files by other programs come back in
// as host values. Writes the mirror made itself are recognized by content
// hash and not fed back.
type Mirror struct {
	dir    string
	logger Logger

	mu     sync.Mutex
	hashes map[string]string
	apply  func(ctx context.Context, documentID, content string) error
}

func NewMirror(dir string, logger Logger) (*Mirror, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("mirror directory is required")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Mirror{
		dir:    dir,
		logger: logger,
		hashes: map[string]string{},
	}, nil
}

func (m *Mirror) Dir() string {
	return m.dir
}

func (m *Mirror) Path(documentID string) string {
	return filepath.Join(m.dir, documentID+mirrorExt)
}

// AttachMirror routes server changes to m and m's file edits to the server.
// Every stored document is written out once.
func (s *Server) AttachMirror(ctx context.Context, m *Mirror) error {
	m.mu.Lock()
	m.apply = func(ctx context.Context, documentID, content string) error {
		_, err := s.setContent(ctx, documentID, content, true)
		return err
	}
	m.mu.Unlock()

	s.mirrorMu.Lock()
	s.mirror = m
	s.mirrorMu.Unlock()

	ids, err := s.docs.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		doc, err := s.docs.Load(ctx, id)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			return err
		}
		if err := m.Write(doc); err != nil {
			return err
		}
	}
	return nil
}

// Write stores doc's content in its mirror file unless the file already
// holds it.
func (m *Mirror) Write(doc docstore.Document) error {
	hash := hashString(doc.Content)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[doc.ID] == hash {
		return nil
	}
	if err := writeFileAtomic(m.Path(doc.ID), []byte(doc.Content), 0o644); err != nil {
		return err
	}
	m.hashes[doc.ID] = hash
	return nil
}

// Run watches the directory until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(m.dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			documentID, ok := m.documentID(event.Name)
			if !ok {
				continue
			}
			if err := m.sync(ctx, documentID); err != nil {
				logf(m.logger, "mirror sync %s failed: %v", documentID, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logf(m.logger, "mirror watcher error: %v", err)
		}
	}
}

func (m *Mirror) documentID(path string) (string, bool) {
	if filepath.Dir(path) != m.dir {
		return "", false
	}
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || filepath.Ext(base) != mirrorExt {
		return "", false
	}
	id := strings.TrimSuffix(base, mirrorExt)
	return id, id != ""
}

// sync reads a mirror file and hands changed content to the server.
func (m *Mirror) sync(ctx context.Context, documentID string) error {
	data, err := os.ReadFile(m.Path(documentID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	content := string(data)
	hash := hashString(content)

	m.mu.Lock()
	if m.hashes[documentID] == hash {
		m.mu.Unlock()
		return nil
	}
	m.hashes[documentID] = hash
	apply := m.apply
	m.mu.Unlock()

	if apply == nil {
		return nil
	}
	return apply(ctx, documentID, content)
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

func logf(logger Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

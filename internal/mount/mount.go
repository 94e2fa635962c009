package mount

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
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relaymd/internal/attachment"
	"github.com/agentworkforce/relaymd/internal/editor"
	"github.com/agentworkforce/relaymd/internal/imagestore"
	"github.com/agentworkforce/relaymd/internal/syncengine"
)

const defaultDropSettle = 250 * time.Millisecond

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Session   *editor.Session
	LocalFile string
	// DropDir, when set, is watched for new image files. Each one is pasted
	// at the cursor once it stops changing for DropSettle.
	DropDir    string
	DropSettle time.Duration
	Logger     Logger
}

// Mount binds a local markdown file to an editing session. Saving the file is
// a local edit, host values are written back to it, and images dropped into
// the drop directory are pasted.
type Mount struct {
	session    *editor.Session
	localFile  string
	dropDir    string
	dropSettle time.Duration
	logger     Logger

	mu       sync.Mutex
	lastHash string
	pasted   map[string]struct{}
	settling map[string]*time.Timer
}

func New(opts Options) (*Mount, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	localFile := strings.TrimSpace(opts.LocalFile)
	if localFile == "" {
		return nil, fmt.Errorf("local file is required")
	}
	localFile = filepath.Clean(localFile)
	if err := os.MkdirAll(filepath.Dir(localFile), 0o755); err != nil {
		return nil, err
	}
	dropDir := strings.TrimSpace(opts.DropDir)
	if dropDir != "" {
		dropDir = filepath.Clean(dropDir)
		if err := os.MkdirAll(dropDir, 0o755); err != nil {
			return nil, err
		}
	}
	settle := opts.DropSettle
	if settle <= 0 {
		settle = defaultDropSettle
	}
	return &Mount{
		session:    opts.Session,
		localFile:  localFile,
		dropDir:    dropDir,
		dropSettle: settle,
		logger:     opts.Logger,
		pasted:     map[string]struct{}{},
		settling:   map[string]*time.Timer{},
	}, nil
}

func (m *Mount) LocalFile() string {
	return m.localFile
}

// Initialize applies the host's first value. A host that has no value yet
// gets the local file's content as the first edit instead.
func (m *Mount) Initialize(initial syncengine.HostValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.EchoState() != syncengine.StateUninitialized {
		return nil
	}
	if m.session.Initialize(initial) {
		return m.writeLocked(m.session.Text())
	}
	data, err := os.ReadFile(m.localFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	m.lastHash = hashBytes(data)
	m.session.SetContent(string(data))
	return nil
}

// ApplyHost writes a host value to the local file unless the session
// suppresses it as an echo.
func (m *Mount) ApplyHost(value syncengine.HostValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.session.ApplyHostUpdate(value) {
		return nil
	}
	return m.writeLocked(m.session.Text())
}

// SyncFile feeds the local file into the session when it differs from what
// the mount last wrote or read.
func (m *Mount) SyncFile() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := os.ReadFile(m.localFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	hash := hashBytes(data)
	if hash == m.lastHash {
		return false, nil
	}
	m.lastHash = hash
	return m.session.SetContent(string(data)), nil
}

// Drop pastes an image file into the session and writes the result back to
// the local file. Each path is pasted at most once.
func (m *Mount) Drop(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	m.mu.Lock()
	if _, ok := m.pasted[path]; ok {
		m.mu.Unlock()
		return nil
	}
	m.pasted[path] = struct{}{}
	m.mu.Unlock()

	res := <-m.session.Paste(ctx, attachment.FileSource(path))
	if res.Err != nil {
		m.mu.Lock()
		delete(m.pasted, path)
		m.mu.Unlock()
		return res.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(m.session.Text())
}

// Run watches the local file and the drop directory until ctx is done.
func (m *Mount) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	defer m.stopSettling()

	if err := watcher.Add(filepath.Dir(m.localFile)); err != nil {
		return err
	}
	if m.dropDir != "" && m.dropDir != filepath.Dir(m.localFile) {
		if err := watcher.Add(m.dropDir); err != nil {
			return err
		}
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
			name := filepath.Clean(event.Name)
			switch {
			case name == m.localFile:
				if _, err := m.SyncFile(); err != nil {
					logf(m.logger, "sync %s failed: %v", name, err)
				}
			case m.isDropCandidate(name):
				m.settle(ctx, name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logf(m.logger, "watcher error: %v", err)
		}
	}
}

func (m *Mount) isDropCandidate(path string) bool {
	if m.dropDir == "" || filepath.Dir(path) != m.dropDir {
		return false
	}
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && imagestore.IsImageName(base)
}

// settle pastes path once no event has touched it for dropSettle, so a file
// still being copied in is not read half written.
func (m *Mount) settle(ctx context.Context, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pasted[path]; ok {
		return
	}
	if t, ok := m.settling[path]; ok {
		t.Stop()
	}
	m.settling[path] = time.AfterFunc(m.dropSettle, func() {
		m.mu.Lock()
		delete(m.settling, path)
		m.mu.Unlock()
		if err := m.Drop(ctx, path); err != nil {
			logf(m.logger, "drop %s failed: %v", path, err)
		}
	})
}

func (m *Mount) stopSettling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, t := range m.settling {
		t.Stop()
		delete(m.settling, path)
	}
}

func (m *Mount) writeLocked(content string) error {
	hash := hashString(content)
	if hash == m.lastHash {
		return nil
	}
	if err := writeFileAtomic(m.localFile, []byte(content), 0o644); err != nil {
		return err
	}
	m.lastHash = hash
	return nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hashString(s string) string {
	return hashBytes([]byte(s))
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

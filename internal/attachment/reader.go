package attachment

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/relaymd/internal/syncengine"
)

const (
	DefaultMaxBytes = 10 << 20
	DefaultName     = "image.png"
)

var (
	ErrUnsupportedType = errors.New("unsupported attachment type")
	ErrTooLarge        = errors.New("attachment too large")
	ErrEmpty           = errors.New("attachment is empty")
)

// ReadError wraps a failed paste/drop read with the source name.
type ReadError struct {
	Name string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read attachment %q: %v", e.Name, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Source is a pasted or dropped file. Open is called once per read.
type Source struct {
	Name     string
	MimeType string
	Open     func() (io.ReadCloser, error)
}

// FileSource opens path lazily.
func FileSource(path string) Source {
	return Source{
		Name: filepath.Base(path),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

// BytesSource wraps an in-memory payload such as clipboard contents.
func BytesSource(name, mimeType string, data []byte) Source {
	return Source{
		Name:     name,
		MimeType: mimeType,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

type Result struct {
	Attachment syncengine.PendingAttachment
	Err        error
}

type Reader struct {
	MaxBytes int64
}

// Read loads src and returns it as a pending attachment whose payload and
// match key are the data URI inserted into the document.
func (r Reader) Read(ctx context.Context, src Source) (syncengine.PendingAttachment, error) {
	name := strings.TrimSpace(src.Name)
	if name == "" {
		name = DefaultName
	}
	fail := func(err error) (syncengine.PendingAttachment, error) {
		return syncengine.PendingAttachment{}, &ReadError{Name: name, Err: err}
	}
	if src.Open == nil {
		return fail(errors.New("source has no opener"))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	maxBytes := r.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	data, err := load(ctx, src, maxBytes+1)
	if err != nil {
		return fail(err)
	}
	if int64(len(data)) > maxBytes {
		return fail(fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes))
	}
	if len(data) == 0 {
		return fail(ErrEmpty)
	}

	mimeType := detectMimeType(src.MimeType, name, data)
	if !strings.HasPrefix(mimeType, "image/") {
		return fail(fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType))
	}
	uri := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	return syncengine.PendingAttachment{
		Payload:      uri,
		OriginalName: name,
		MatchKey:     uri,
		MimeType:     mimeType,
	}, nil
}

// Start reads src in the background. The returned channel always yields
// exactly one result, including when ctx is cancelled first or while the
// source is blocked.
func (r Reader) Start(ctx context.Context, src Source) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		att, err := r.Read(ctx, src)
		out <- Result{Attachment: att, Err: err}
		close(out)
	}()
	return out
}

// Markdown is the image reference inserted into the document for att.
func Markdown(att syncengine.PendingAttachment) string {
	alt := strings.TrimSuffix(att.OriginalName, filepath.Ext(att.OriginalName))
	alt = strings.NewReplacer("\n", " ", "\r", " ", "[", "(", "]", ")").Replace(alt)
	if alt == "" {
		alt = strings.TrimSuffix(DefaultName, filepath.Ext(DefaultName))
	}
	return "![" + alt + "](" + att.MatchKey + ")"
}

func detectMimeType(declared, name string, data []byte) string {
	if m := normalizeMime(declared); m != "" && m != "application/octet-stream" {
		return m
	}
	if m := normalizeMime(mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))); m != "" {
		return m
	}
	return normalizeMime(http.DetectContentType(data))
}

func normalizeMime(m string) string {
	if idx := strings.Index(m, ";"); idx >= 0 {
		m = m[:idx]
	}
	return strings.ToLower(strings.TrimSpace(m))
}

type loaded struct {
	data []byte
	err  error
}

// load opens src and reads at most limit bytes off the calling goroutine so a
// source that blocks in Open or Read cannot outlive ctx. On cancellation the
// opened reader is closed, which unblocks well-behaved readers; a source that
// ignores Close leaks only its own goroutine.
func load(ctx context.Context, src Source, limit int64) ([]byte, error) {
	done := make(chan loaded, 1)
	var (
		mu        sync.Mutex
		opened    io.ReadCloser
		abandoned bool
		closeOnce sync.Once
	)
	closeOpened := func(rc io.ReadCloser) {
		closeOnce.Do(func() { _ = rc.Close() })
	}

	go func() {
		rc, err := src.Open()
		if err != nil {
			done <- loaded{err: err}
			return
		}
		mu.Lock()
		if abandoned {
			mu.Unlock()
			closeOpened(rc)
			done <- loaded{err: ctx.Err()}
			return
		}
		opened = rc
		mu.Unlock()
		defer closeOpened(rc)

		data, err := io.ReadAll(io.LimitReader(&contextReader{ctx: ctx, r: rc}, limit))
		done <- loaded{data: data, err: err}
	}()

	select {
	case res := <-done:
		return res.data, res.err
	case <-ctx.Done():
		mu.Lock()
		abandoned = true
		rc := opened
		mu.Unlock()
		if rc != nil {
			closeOpened(rc)
		}
		return nil, ctx.Err()
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

package attachment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaymd/internal/syncengine"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestReadBuildsDataURI(t *testing.T) {
	att, err := Reader{}.Read(context.Background(), BytesSource("shot.png", "image/png", []byte("ABC")))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "data:image/png;base64,QUJD"
	if att.Payload != want || att.MatchKey != want {
		t.Fatalf("expected payload and match key %q, got %+v", want, att)
	}
	if att.MimeType != "image/png" || att.OriginalName != "shot.png" {
		t.Fatalf("unexpected attachment metadata: %+v", att)
	}
}

func TestReadSniffsContentWhenUndeclared(t *testing.T) {
	att, err := Reader{}.Read(context.Background(), BytesSource("", "", pngHeader))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if att.MimeType != "image/png" {
		t.Fatalf("expected sniffed image/png, got %q", att.MimeType)
	}
	if att.OriginalName != DefaultName {
		t.Fatalf("expected default name, got %q", att.OriginalName)
	}
}

func TestReadFromFileUsesExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diagram.gif")
	if err := os.WriteFile(path, []byte("not really a gif"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	att, err := Reader{}.Read(context.Background(), FileSource(path))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if att.MimeType != "image/gif" || att.OriginalName != "diagram.gif" {
		t.Fatalf("unexpected attachment: %+v", att)
	}
}

func TestReadFailures(t *testing.T) {
	openErr := errors.New("disk gone")
	cases := []struct {
		name string
		src  Source
		max  int64
		want error
	}{
		{name: "open", src: Source{Name: "a.png", Open: func() (io.ReadCloser, error) { return nil, openErr }}, want: openErr},
		{name: "type", src: BytesSource("notes.txt", "text/plain", []byte("hello")), want: ErrUnsupportedType},
		{name: "size", src: BytesSource("big.png", "image/png", bytes.Repeat([]byte("x"), 11)), max: 10, want: ErrTooLarge},
		{name: "empty", src: BytesSource("empty.png", "image/png", nil), want: ErrEmpty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Reader{MaxBytes: tc.max}.Read(context.Background(), tc.src)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var readErr *ReadError
			if !errors.As(err, &readErr) {
				t.Fatalf("expected *ReadError, got %T", err)
			}
		})
	}
}

func TestStartResolvesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := <-Reader{}.Start(ctx, BytesSource("a.png", "image/png", []byte("x")))
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.Err)
	}
	if res.Attachment != (syncengine.PendingAttachment{}) {
		t.Fatalf("expected no attachment on failure, got %+v", res.Attachment)
	}
}

// blockingSource returns a source whose reads hang until the reader is closed,
// and a channel that is closed once Close has been called.
func blockingSource() (Source, <-chan struct{}) {
	pr, pw := io.Pipe()
	closed := make(chan struct{})
	var once sync.Once
	src := Source{Name: "stuck.png", MimeType: "image/png", Open: func() (io.ReadCloser, error) {
		return closeNotifier{ReadCloser: pr, onClose: func() {
			once.Do(func() { close(closed) })
			_ = pw.Close()
		}}, nil
	}}
	return src, closed
}

type closeNotifier struct {
	io.ReadCloser
	onClose func()
}

func (c closeNotifier) Close() error {
	c.onClose()
	return c.ReadCloser.Close()
}

func TestStartResolvesWhenReadBlocks(t *testing.T) {
	src, closed := blockingSource()
	ctx, cancel := context.WithCancel(context.Background())
	pending := Reader{}.Start(ctx, src)

	select {
	case res := <-pending:
		t.Fatalf("expected read to block, got %+v", res)
	case <-time.After(20 * time.Millisecond):
	}
	cancel()

	select {
	case res := <-pending:
		if !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", res.Err)
		}
		var readErr *ReadError
		if !errors.As(res.Err, &readErr) || readErr.Name != "stuck.png" {
			t.Fatalf("expected *ReadError for stuck.png, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Start to resolve after cancel")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the blocked reader to be closed")
	}
}

func TestStartResolvesWhenOpenBlocks(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	closed := make(chan struct{})
	src := Source{Name: "slow.png", Open: func() (io.ReadCloser, error) {
		close(entered)
		<-release
		return closeNotifier{ReadCloser: io.NopCloser(bytes.NewReader(pngHeader)), onClose: func() { close(closed) }}, nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	pending := Reader{}.Start(ctx, src)
	<-entered
	cancel()

	select {
	case res := <-pending:
		if !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Start to resolve while Open is blocked")
	}

	// A late Open is closed instead of read.
	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the late reader to be closed")
	}
}

func TestMarkdown(t *testing.T) {
	att := syncengine.PendingAttachment{OriginalName: "my [shot].png", MatchKey: "data:image/png;base64,QUJD"}
	got := Markdown(att)
	if got != "![my (shot)](data:image/png;base64,QUJD)" {
		t.Fatalf("unexpected markdown %q", got)
	}
	if !strings.Contains(got, att.MatchKey) {
		t.Fatalf("markdown must contain the match key")
	}
}

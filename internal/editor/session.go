package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentworkforce/relaymd/internal/attachment"
	"github.com/agentworkforce/relaymd/internal/decorate"
	"github.com/agentworkforce/relaymd/internal/syncengine"
)

var ErrInvalidInput = errors.New("invalid input")

// LayoutSink receives the configured display height whenever it changes.
type LayoutSink interface {
	SendLayout(ctx context.Context, height int) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Engine       syncengine.Options
	Scanner      decorate.Options
	Reader       attachment.Reader
	Layout       LayoutSink
	Placeholder  decorate.Placeholder
	HistoryLimit int
	Logger       Logger
}

type PasteResult struct {
	Attachment syncengine.PendingAttachment
	// Inserted is the markdown placed at the cursor.
	Inserted string
	Err      error
}

// Session is one editing surface bound to a host. All events are applied one
// at a time under a single lock.
type Session struct {
	mu sync.Mutex

	doc         *Document
	engine      *syncengine.Engine
	echo        *syncengine.EchoSuppressor
	scanner     *decorate.Scanner
	scan        decorate.Result
	reader      attachment.Reader
	layout      LayoutSink
	placeholder decorate.Placeholder
	logger      Logger

	collapsed bool
	height    int
	viewFrom  int
	viewTo    int
	visible   []decorate.Range
}

func NewSession(opts Options) (*Session, error) {
	if opts.Engine.Logger == nil && opts.Logger != nil {
		opts.Engine.Logger = opts.Logger
	}
	engine, err := syncengine.NewEngine(opts.Engine)
	if err != nil {
		return nil, fmt.Errorf("sync engine: %w", err)
	}
	scanner, err := decorate.NewScanner(opts.Scanner)
	if err != nil {
		return nil, fmt.Errorf("decoration scanner: %w", err)
	}
	doc := NewDocument("", DocumentOptions{HistoryLimit: opts.HistoryLimit})
	return &Session{
		doc:         doc,
		engine:      engine,
		echo:        syncengine.NewEchoSuppressor(),
		scanner:     scanner,
		scan:        scanner.Scan(""),
		reader:      opts.Reader,
		layout:      opts.Layout,
		placeholder: opts.Placeholder,
		logger:      opts.Logger,
		collapsed:   true,
	}, nil
}

// Initialize loads the host's initial value. It only has an effect the first
// time it is called.
func (s *Session) Initialize(initial syncengine.HostValue) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.echo.Initialize(initial)
	if !ok {
		return false
	}
	s.replaceFromHostLocked(content)
	return true
}

// ApplyHostUpdate replaces the document with a host value unless it is
// absent or the same value that was last applied.
func (s *Session) ApplyHostUpdate(candidate syncengine.HostValue) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.echo.Apply(candidate)
	if !ok {
		return false
	}
	s.replaceFromHostLocked(content)
	return true
}

func (s *Session) replaceFromHostLocked(content string) {
	s.doc.SetText(content)
	s.engine.Seed(content)
	s.rescanLocked()
}

// Edit replaces [start, end) with text as a local edit.
func (s *Session) Edit(start, end int, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.doc.Replace(start, end, text) {
		return false
	}
	s.changedLocked()
	return true
}

// Type inserts text at the cursor, replacing any selection.
func (s *Session) Type(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.doc.Insert(text) {
		return false
	}
	s.changedLocked()
	return true
}

// SetContent replaces the whole document as a local edit, for example when
// the backing file was changed by another program.
func (s *Session) SetContent(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.doc.SetText(text) {
		return false
	}
	s.changedLocked()
	return true
}

func (s *Session) SetCursor(offset int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.SetCursor(offset)
}

func (s *Session) Select(anchor, cursor int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.SetSelection(anchor, cursor)
}

func (s *Session) Undo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.doc.Undo() {
		return false
	}
	s.changedLocked()
	return true
}

func (s *Session) Redo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.doc.Redo() {
		return false
	}
	s.changedLocked()
	return true
}

// Paste reads src in the background. When the read succeeds the image
// reference is inserted at the cursor and the attachment is queued for the
// next flush. A failed read changes nothing. The channel yields exactly one
// result.
func (s *Session) Paste(ctx context.Context, src attachment.Source) <-chan PasteResult {
	out := make(chan PasteResult, 1)
	pending := s.reader.Start(ctx, src)
	go func() {
		defer close(out)
		res := <-pending
		if res.Err != nil {
			s.logf("paste %q failed: %v", src.Name, res.Err)
			out <- PasteResult{Err: res.Err}
			return
		}
		out <- s.insertAttachment(res.Attachment)
	}()
	return out
}

func (s *Session) insertAttachment(att syncengine.PendingAttachment) PasteResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	markdown := attachment.Markdown(att)
	// With attachments disabled the image still lands in the text, it just
	// never travels as a separate attachment.
	if err := s.engine.AddAttachment(att); err != nil && !errors.Is(err, syncengine.ErrAttachmentsDisabled) {
		s.logf("paste %q rejected: %v", att.OriginalName, err)
		return PasteResult{Err: err}
	}
	if s.doc.Insert(markdown) {
		s.changedLocked()
	}
	return PasteResult{Attachment: att, Inserted: markdown}
}

func (s *Session) changedLocked() {
	s.rescanLocked()
	s.engine.NotifyEdit(s.doc.Text())
}

func (s *Session) rescanLocked() {
	s.scan = s.scanner.Rescan(s.scan, s.doc.Text())
	s.refreshVisibleLocked()
}

func (s *Session) refreshVisibleLocked() {
	s.visible = decorate.Visible(s.scan.Ranges, s.viewFrom, s.viewTo)
}

func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Text()
}

func (s *Session) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Cursor()
}

func (s *Session) Position() Pos {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Position(s.doc.Cursor())
}

func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Version()
}

func (s *Session) Decorations() []decorate.Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]decorate.Range(nil), s.scan.Ranges...)
}

// SetViewport sets the visible byte window. Decorations are recomputed only
// when the window actually moves.
func (s *Session) SetViewport(from, to int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from == s.viewFrom && to == s.viewTo {
		return
	}
	s.viewFrom, s.viewTo = from, to
	s.refreshVisibleLocked()
}

func (s *Session) VisibleDecorations() []decorate.Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]decorate.Range(nil), s.visible...)
}

// SetCollapsed turns the decoration overlay on or off.
func (s *Session) SetCollapsed(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collapsed = on
}

// View renders the document as displayed, with the cursor translated into the
// rendered text.
func (s *Session) View() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.collapsed {
		return s.doc.Text(), s.doc.Cursor()
	}
	visible, offsets := decorate.Collapse(s.doc.Text(), s.scan.Ranges, s.placeholder)
	return visible, offsets.ToVisible(s.doc.Cursor())
}

// SetHeight forwards a display height change to the layout sink.
func (s *Session) SetHeight(ctx context.Context, height int) error {
	if height < 0 {
		return fmt.Errorf("%w: height must not be negative", ErrInvalidInput)
	}
	s.mu.Lock()
	if height == s.height {
		s.mu.Unlock()
		return nil
	}
	s.height = height
	layout := s.layout
	s.mu.Unlock()
	if layout == nil {
		return nil
	}
	return layout.SendLayout(ctx, height)
}

func (s *Session) Height() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}

func (s *Session) Pending() bool {
	return s.engine.Pending()
}

func (s *Session) Flush(ctx context.Context) error {
	return s.engine.Flush(ctx)
}

func (s *Session) Close(ctx context.Context) error {
	return s.engine.Close(ctx)
}

func (s *Session) EchoState() syncengine.EchoState {
	return s.echo.State()
}

func (s *Session) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

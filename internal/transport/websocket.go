package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaymd/internal/hostproto"
	"github.com/agentworkforce/relaymd/internal/syncengine"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingEvery    = 30 * time.Second
	wsDefaultLimit = 64 << 20
)

type WebSocketOptions struct {
	URL          string
	Token        string
	Outbox       Outbox
	HTTPClient   *http.Client
	OnHostUpdate func(value syncengine.HostValue, revision int64)
	OnAck        func(hostproto.Message)
	// OnLayout receives display heights the host asks the editor to use.
	OnLayout     func(height int)
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PingInterval time.Duration
	ReadLimit    int64
	Logger       Logger
}

// WebSocketTransport keeps one connection to the host open, reconnecting
// with backoff. Envelopes wait in the outbox while the connection is down.
type WebSocketTransport struct {
	url          string
	token        string
	outbox       Outbox
	httpClient   *http.Client
	onHostUpdate func(syncengine.HostValue, int64)
	onAck        func(hostproto.Message)
	onLayout     func(int)
	backoff      backoff
	pingEvery    time.Duration
	readLimit    int64
	logger       Logger

	layoutCh chan int

	mu         sync.Mutex
	lastHeight int
	hasHeight  bool
	connected  bool
}

func NewWebSocketTransport(opts WebSocketOptions) (*WebSocketTransport, error) {
	rawURL := strings.TrimSpace(opts.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: websocket url is required", ErrInvalidInput)
	}
	outbox := opts.Outbox
	if outbox == nil {
		outbox = NewMemoryOutbox(0)
	}
	pingEvery := opts.PingInterval
	if pingEvery <= 0 {
		pingEvery = wsPingEvery
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = wsDefaultLimit
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &WebSocketTransport{
		url:          rawURL,
		token:        strings.TrimSpace(opts.Token),
		outbox:       outbox,
		httpClient:   opts.HTTPClient,
		onHostUpdate: opts.OnHostUpdate,
		onAck:        opts.OnAck,
		onLayout:     opts.OnLayout,
		backoff:      backoff{base: opts.BaseDelay, max: maxDelay},
		pingEvery:    pingEvery,
		readLimit:    readLimit,
		logger:       opts.Logger,
		layoutCh:     make(chan int, 1),
	}, nil
}

// WebSocketURL derives the document socket endpoint from the host base URL.
func WebSocketURL(baseURL, documentID string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported host url scheme %q", ErrInvalidInput, parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/v1/documents/" + url.PathEscape(documentID) + "/ws"
	return parsed.String(), nil
}

// Send accepts env for delivery. It fails only when the outbox is full.
func (t *WebSocketTransport) Send(_ context.Context, env syncengine.Envelope) error {
	if !t.outbox.TryEnqueue(env) {
		return ErrQueueFull
	}
	return nil
}

// SendLayout records the latest height. Only the newest value is sent, and
// it is sent again after a reconnect.
func (t *WebSocketTransport) SendLayout(_ context.Context, height int) error {
	t.mu.Lock()
	t.lastHeight = height
	t.hasHeight = true
	t.mu.Unlock()
	select {
	case t.layoutCh <- height:
		return nil
	default:
	}
	select {
	case <-t.layoutCh:
	default:
	}
	select {
	case t.layoutCh <- height:
	default:
	}
	return nil
}

func (t *WebSocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *WebSocketTransport) Outbox() Outbox {
	return t.outbox
}

func (t *WebSocketTransport) Close() error {
	return t.outbox.Close()
}

// Run keeps the connection alive until ctx is done.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := t.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		attempt++
		delay := t.backoff.delay(attempt, "")
		logf(t.logger, "host connection lost: %v (retry in %s)", err, delay)
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
}

func (t *WebSocketTransport) runConn(ctx context.Context) (bool, error) {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}
	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")
	conn.SetReadLimit(t.readLimit)

	t.setConnected(true)
	defer t.setConnected(false)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- t.readLoop(connCtx, conn)
	}()

	envCh := make(chan syncengine.Envelope)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		t.pump(connCtx, envCh)
	}()
	defer func() {
		cancel()
		<-pumpDone
	}()

	err = t.writeLoop(connCtx, conn, envCh, readErr)
	if ctx.Err() != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	return true, err
}

// pump moves envelopes from the outbox to the writer. An envelope taken out
// while the connection is closing goes back to the front of the outbox.
func (t *WebSocketTransport) pump(ctx context.Context, envCh chan<- syncengine.Envelope) {
	for {
		env, ok := t.outbox.Dequeue(ctx)
		if !ok {
			return
		}
		select {
		case envCh <- env:
		case <-ctx.Done():
			t.outbox.Requeue(env)
			return
		}
	}
}

func (t *WebSocketTransport) writeLoop(ctx context.Context, conn *websocket.Conn, envCh <-chan syncengine.Envelope, readErr <-chan error) error {
	ticker := time.NewTicker(t.pingEvery)
	defer ticker.Stop()

	t.mu.Lock()
	height, hasHeight := t.lastHeight, t.hasHeight
	t.mu.Unlock()
	if hasHeight {
		if err := t.write(ctx, conn, hostproto.LayoutMessage(height)); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case env := <-envCh:
			if err := t.write(ctx, conn, hostproto.EnvelopeMessage(env)); err != nil {
				t.outbox.Requeue(env)
				return err
			}
		case h := <-t.layoutCh:
			if err := t.write(ctx, conn, hostproto.LayoutMessage(h)); err != nil {
				return err
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteWait)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (t *WebSocketTransport) write(ctx context.Context, conn *websocket.Conn, msg hostproto.Message) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteWait)
	defer cancel()
	return wsjson.Write(writeCtx, conn, msg)
}

func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errors.New("host closed the connection")
			}
			return err
		}
		msg, err := hostproto.Decode(data)
		if err != nil {
			logf(t.logger, "ignoring host message: %v", err)
			continue
		}
		switch msg.Type {
		case hostproto.TypeValue:
			if t.onHostUpdate != nil {
				t.onHostUpdate(msg.HostValue(), msg.Revision)
			}
		case hostproto.TypeAck:
			if t.onAck != nil {
				t.onAck(msg)
			}
		case hostproto.TypeLayout:
			if t.onLayout != nil && msg.Height != nil {
				t.onLayout(*msg.Height)
			}
		case hostproto.TypeError:
			logf(t.logger, "host error %s: %s", msg.Code, msg.Message)
		}
	}
}

func (t *WebSocketTransport) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}

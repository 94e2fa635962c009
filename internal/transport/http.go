package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaymd/internal/hostproto"
	"github.com/agentworkforce/relaymd/internal/syncengine"
)

type HTTPOptions struct {
	BaseURL    string
	Token      string
	DocumentID string
	Outbox     Outbox
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     Logger
	OnAck      func(hostproto.Message)
}

// HTTPTransport hands envelopes to an outbox and delivers them to the host
// with POST requests from Run.
type HTTPTransport struct {
	baseURL    string
	token      string
	documentID string
	outbox     Outbox
	httpClient *http.Client
	maxRetries int
	backoff    backoff
	logger     Logger
	onAck      func(hostproto.Message)
}

// RemoteDocument is the host's copy of a document.
type RemoteDocument struct {
	ID        string               `json:"id"`
	Content   syncengine.HostValue `json:"content"`
	Revision  int64                `json:"revision"`
	UpdatedAt string               `json:"updatedAt,omitempty"`
}

func NewHTTPTransport(opts HTTPOptions) (*HTTPTransport, error) {
	documentID := strings.TrimSpace(opts.DocumentID)
	if documentID == "" {
		return nil, fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	outbox := opts.Outbox
	if outbox == nil {
		outbox = NewMemoryOutbox(0)
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &HTTPTransport{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		documentID: documentID,
		outbox:     outbox,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    backoff{base: opts.BaseDelay, max: opts.MaxDelay},
		logger:     opts.Logger,
		onAck:      opts.OnAck,
	}, nil
}

// Send accepts env for delivery. It fails only when the outbox is full.
func (t *HTTPTransport) Send(_ context.Context, env syncengine.Envelope) error {
	if !t.outbox.TryEnqueue(env) {
		return ErrQueueFull
	}
	return nil
}

func (t *HTTPTransport) Outbox() Outbox {
	return t.outbox
}

// Run delivers queued envelopes until ctx is done. An envelope is retried
// until the host accepts it or rejects it outright.
func (t *HTTPTransport) Run(ctx context.Context) error {
	for {
		env, ok := t.outbox.Dequeue(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrClosed
		}
		if err := t.deliverWithRetry(ctx, env); err != nil {
			if ctx.Err() != nil {
				t.outbox.Requeue(env)
				return ctx.Err()
			}
			logf(t.logger, "dropping envelope %s seq=%d: %v", env.ID, env.Seq, err)
		}
	}
}

// Drain delivers whatever is queued right now and returns.
func (t *HTTPTransport) Drain(ctx context.Context) error {
	for t.outbox.Depth() > 0 {
		dequeueCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		env, ok := t.outbox.Dequeue(dequeueCtx)
		cancel()
		if !ok {
			return ctx.Err()
		}
		if err := t.deliverWithRetry(ctx, env); err != nil {
			if ctx.Err() != nil {
				t.outbox.Requeue(env)
				return ctx.Err()
			}
			return err
		}
	}
	return nil
}

func (t *HTTPTransport) deliverWithRetry(ctx context.Context, env syncengine.Envelope) error {
	for attempt := 1; ; attempt++ {
		err := t.deliver(ctx, env)
		if err == nil {
			return nil
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			return err
		}
		logf(t.logger, "deliver envelope %s failed (attempt %d): %v", env.ID, attempt, err)
		if waitErr := waitWithContext(ctx, t.backoff.delay(attempt, "")); waitErr != nil {
			return waitErr
		}
	}
}

func (t *HTTPTransport) deliver(ctx context.Context, env syncengine.Envelope) error {
	if env.Attachments == nil {
		env.Attachments = []syncengine.PendingAttachment{}
	}
	var ack hostproto.Message
	if err := t.doJSON(ctx, http.MethodPost, t.documentPath("/envelopes"), env, &ack); err != nil {
		return err
	}
	if t.onAck != nil && ack.Type == hostproto.TypeAck {
		t.onAck(ack)
	}
	return nil
}

// Poll fetches the host's current value. A document the host does not know
// yet is reported as absent.
func (t *HTTPTransport) Poll(ctx context.Context) (RemoteDocument, error) {
	var doc RemoteDocument
	err := t.doJSON(ctx, http.MethodGet, t.documentPath(""), nil, &doc)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return RemoteDocument{ID: t.documentID, Content: syncengine.None()}, nil
	}
	if err != nil {
		return RemoteDocument{}, err
	}
	return doc, nil
}

// SendLayout reports the editor's display height to the host.
func (t *HTTPTransport) SendLayout(ctx context.Context, height int) error {
	return t.doJSON(ctx, http.MethodPut, t.documentPath("/layout"), hostproto.LayoutMessage(height), nil)
}

func (t *HTTPTransport) Close() error {
	return t.outbox.Close()
}

func (t *HTTPTransport) documentPath(suffix string) string {
	return "/v1/documents/" + url.PathEscape(t.documentID) + suffix
}

func (t *HTTPTransport) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, t.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if t.token != "" {
			req.Header.Set("Authorization", "Bearer "+t.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := t.httpClient.Do(req)
		if err != nil {
			if attempt < t.maxRetries {
				if waitErr := waitWithContext(ctx, t.backoff.delay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < t.maxRetries {
			if waitErr := waitWithContext(ctx, t.backoff.delay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "editor_" + uuid.NewString()
}

package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentworkforce/relaymd/internal/decorate"
	"github.com/agentworkforce/relaymd/internal/docstore"
	"github.com/agentworkforce/relaymd/internal/hostproto"
	"github.com/agentworkforce/relaymd/internal/imagestore"
)

const (
	defaultMaxBodyBytes = 32 << 20
	seenEnvelopeCap     = 4096
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// PingInterval is how often idle websocket sessions are pinged.
	PingInterval time.Duration
	// OriginPatterns are passed to the websocket handshake. Empty allows
	// same-origin clients only.
	OriginPatterns []string
	// ImageRef turns a stored image name into the reference written into
	// document content.
	ImageRef func(documentID, name string) string
	Logger   Logger
}

// Server is the reference host. It persists documents, stores pasted images
// and pushes host-side changes to connected editors.
type Server struct {
	docs        docstore.Backend
	images      imagestore.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	hub         *hub
	inline      *decorate.Scanner
	seen        *lru.Cache[string, int64]

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	layoutMu sync.Mutex
	layouts  map[string]int

	mirrorMu sync.RWMutex
	mirror   *Mirror
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type documentResponse struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Revision  int64  `json:"revision"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	Height    *int   `json:"height,omitempty"`
}

func NewServer(docs docstore.Backend, images imagestore.Store) *Server {
	return NewServerWithConfig(docs, images, ServerConfig{})
}

func NewServerWithConfig(docs docstore.Backend, images imagestore.Store, cfg ServerConfig) *Server {
	if docs == nil {
		docs = docstore.NewMemoryBackend()
	}
	if images == nil {
		images = imagestore.NewMemoryStore()
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ImageRef == nil {
		cfg.ImageRef = defaultImageRef
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	// Any payload longer than one character is an inline image candidate.
	inline, _ := decorate.NewScanner(decorate.Options{Threshold: 1})
	seen, _ := lru.New[string, int64](seenEnvelopeCap)
	return &Server{
		docs:        docs,
		images:      images,
		cfg:         cfg,
		rateLimiter: limiter,
		hub:         newHub(),
		inline:      inline,
		seen:        seen,
		locks:       map[string]*sync.Mutex{},
		layouts:     map[string]int{},
	}
}

func defaultImageRef(documentID, name string) string {
	return "/v1/documents/" + url.PathEscape(documentID) + "/images/" + url.PathEscape(name)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" || parts[1] != "documents" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	documentID := ""
	if len(parts) >= 3 {
		documentID = parts[2]
		if documentID == "" {
			writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
			return
		}
	}

	var requiredScope string
	var route string
	// Browsers cannot attach headers to websocket or image requests.
	headerless := false
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "list"
	case len(parts) == 3 && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "read"
	case len(parts) == 3 && r.Method == http.MethodPut:
		requiredScope = scopeWrite
		route = "write"
	case len(parts) == 4 && parts[3] == "envelopes" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "envelope"
	case len(parts) == 4 && parts[3] == "layout" && r.Method == http.MethodPut:
		requiredScope = scopeWrite
		route = "layout"
	case len(parts) == 4 && parts[3] == "ws" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "ws"
		headerless = true
	case len(parts) == 4 && parts[3] == "images" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "images"
	case len(parts) == 5 && parts[3] == "images" && parts[4] == "cleanup" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "images_cleanup"
	case len(parts) == 5 && parts[3] == "images" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "image"
		headerless = true
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, documentID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		if !headerless {
			writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
			return
		}
		correlationID = "host_" + uuid.NewString()
	}
	if s.rateLimiter != nil {
		key := documentID + "|" + claims.ClientName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "list":
		s.handleList(w, r, claims, correlationID)
	case "read":
		s.handleRead(w, r, documentID, correlationID)
	case "write":
		s.handleWrite(w, r, documentID, correlationID)
	case "envelope":
		s.handleEnvelope(w, r, documentID, correlationID)
	case "layout":
		s.handleLayout(w, r, documentID, correlationID)
	case "ws":
		s.handleWebSocket(w, r, documentID, claims)
	case "images":
		s.handleImages(w, r, documentID, correlationID)
	case "image":
		s.handleImage(w, r, documentID, parts[4], correlationID)
	case "images_cleanup":
		s.handleImagesCleanup(w, r, documentID, correlationID)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	if claims.DocumentID != anyDocument {
		writeError(w, http.StatusForbidden, "forbidden", "listing requires a token for every document", correlationID)
		return
	}
	ids, err := s.docs.List(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": ids})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	doc, err := s.Document(r.Context(), documentID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.documentResponse(doc))
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	var body struct {
		Content *string `json:"content"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Content == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "content is required", correlationID)
		return
	}
	doc, err := s.SetContent(r.Context(), documentID, *body.Content)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.documentResponse(doc))
}

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	ack, err := s.ingest(r.Context(), documentID, body, nil)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	var body struct {
		Height *int `json:"height"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Height == nil || *body.Height < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "height must be a non-negative integer", correlationID)
		return
	}
	s.setLayout(documentID, *body.Height, nil)
	writeJSON(w, http.StatusOK, map[string]int{"height": *body.Height})
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	names, err := s.images.List(r.Context(), documentID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": names})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request, documentID, name, correlationID string) {
	data, err := s.images.Get(r.Context(), documentID, name)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.Header().Set("Content-Type", imagestore.MIMEForExtension(name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	// Names are content hashes, so a stored image never changes.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleImagesCleanup(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	dryRun, err := parseOptionalBool(r.URL.Query().Get("dryRun"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "dryRun must be a boolean", correlationID)
		return
	}
	doc, err := s.Document(r.Context(), documentID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	orphans, err := imagestore.CleanupOrphans(r.Context(), s.images, documentID, doc.Content, dryRun)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orphans": orphans, "dryRun": dryRun})
}

// Document loads the host's copy of a document.
func (s *Server) Document(ctx context.Context, documentID string) (docstore.Document, error) {
	return s.docs.Load(ctx, documentID)
}

// SetContent replaces a document from the host side. Connected editors and
// the mirror are told about the new value.
func (s *Server) SetContent(ctx context.Context, documentID, content string) (docstore.Document, error) {
	return s.setContent(ctx, documentID, content, false)
}

func (s *Server) setContent(ctx context.Context, documentID, content string, fromMirror bool) (docstore.Document, error) {
	unlock := s.lockDocument(documentID)
	defer unlock()

	doc, err := s.loadOrNew(ctx, documentID)
	if err != nil {
		return docstore.Document{}, err
	}
	if doc.Revision > 0 && doc.Content == content {
		return doc, nil
	}
	doc.Content = content
	doc.Revision++
	doc.UpdatedAt = time.Now().UTC()
	if err := s.docs.Save(ctx, doc); err != nil {
		return docstore.Document{}, err
	}
	s.publish(doc, nil, !fromMirror)
	return doc, nil
}

// Layout returns the last display height reported for a document.
func (s *Server) Layout(documentID string) (int, bool) {
	s.layoutMu.Lock()
	defer s.layoutMu.Unlock()
	h, ok := s.layouts[documentID]
	return h, ok
}

// setLayout records height and tells the other sessions when it changed.
func (s *Server) setLayout(documentID string, height int, exclude *wsClient) {
	s.layoutMu.Lock()
	prev, ok := s.layouts[documentID]
	s.layouts[documentID] = height
	s.layoutMu.Unlock()
	if ok && prev == height {
		return
	}
	s.hub.broadcast(documentID, hostproto.LayoutMessage(height), exclude)
}

// Sessions reports how many websocket sessions are open on a document.
func (s *Server) Sessions(documentID string) int {
	return s.hub.count(documentID)
}

func (s *Server) publish(doc docstore.Document, exclude *wsClient, toMirror bool) {
	s.hub.broadcast(doc.ID, valueMessage(doc), exclude)
	if !toMirror {
		return
	}
	s.mirrorMu.RLock()
	mirror := s.mirror
	s.mirrorMu.RUnlock()
	if mirror == nil {
		return
	}
	if err := mirror.Write(doc); err != nil {
		s.logf("mirror write %s failed: %v", doc.ID, err)
	}
}

func (s *Server) loadOrNew(ctx context.Context, documentID string) (docstore.Document, error) {
	doc, err := s.docs.Load(ctx, documentID)
	if errors.Is(err, docstore.ErrNotFound) {
		return docstore.Document{ID: documentID}, nil
	}
	return doc, err
}

func (s *Server) lockDocument(documentID string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[documentID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[documentID] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (s *Server) documentResponse(doc docstore.Document) documentResponse {
	resp := documentResponse{
		ID:       doc.ID,
		Content:  doc.Content,
		Revision: doc.Revision,
	}
	if !doc.UpdatedAt.IsZero() {
		resp.UpdatedAt = doc.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if h, ok := s.Layout(doc.ID); ok {
		resp.Height = &h
	}
	return resp
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "document not found", correlationID)
	case errors.Is(err, imagestore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "image not found", correlationID)
	case errors.Is(err, ErrInvalidEnvelope):
		writeError(w, http.StatusBadRequest, "invalid_envelope", err.Error(), correlationID)
	case errors.Is(err, docstore.ErrInvalidInput), errors.Is(err, imagestore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		s.logf("request %s failed: %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}

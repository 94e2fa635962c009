package docstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("document not found")
)

// Document is the host's persisted copy of one editor document.
type Document struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	Revision       int64     `json:"revision"`
	LastEnvelopeID string    `json:"lastEnvelopeId,omitempty"`
	LastSeq        uint64    `json:"lastSeq,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Backend interface {
	Load(ctx context.Context, id string) (Document, error)
	Save(ctx context.Context, doc Document) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: map[string]Document{}}
}

func (b *MemoryBackend) Load(_ context.Context, id string) (Document, error) {
	if err := validateID(id); err != nil {
		return Document{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	doc, ok := b.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (b *MemoryBackend) Save(_ context.Context, doc Document) error {
	if err := validateID(doc.ID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[doc.ID] = doc
	return nil
}

func (b *MemoryBackend) List(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.docs))
	for id := range b.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func validateID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return ErrInvalidInput
	}
	return nil
}

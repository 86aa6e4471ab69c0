package services

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process DocumentStore used for local runs and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[string][]Document
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string][]Document),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateDocument(ctx context.Context, path string, data map[string]any) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := newDocumentID()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = append(s.docs[path], Document{ID: id, Fields: resolveFields(data, s.clock())})
	return id, nil
}

func (s *MemoryStore) GetSubcollectionDocuments(ctx context.Context, path string, limit int) ([]Document, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := s.docs[path]
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = Document{ID: d.ID, Fields: copyFields(d.Fields)}
	}
	return out, nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, path, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.docs[path]
	for i, d := range docs {
		if d.ID == id {
			s.docs[path] = append(docs[:i:i], docs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("document %s/%s not found", path, id)
}

// Len returns the number of documents stored under path.
func (s *MemoryStore) Len(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[path])
}

// Put stores a document as-is, bypassing id generation and timestamp
// resolution. It is meant for seeding legacy or out-of-order records.
func (s *MemoryStore) Put(path string, doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = append(s.docs[path], Document{ID: doc.ID, Fields: copyFields(doc.Fields)})
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Document is one record of a subcollection. Field values are strings,
// numbers, bools or time.Time.
type Document struct {
	ID     string
	Fields map[string]any
}

// DocumentStore is the generic document database used by the message
// store. Documents of a path are returned in creation order.
type DocumentStore interface {
	CreateDocument(ctx context.Context, path string, data map[string]any) (string, error)
	GetSubcollectionDocuments(ctx context.Context, path string, limit int) ([]Document, error)
	DeleteDocument(ctx context.Context, path, id string) error
}

type serverTimestamp struct{}

// ServerTimestamp is a field value the store replaces with its own write
// time when the document is created.
var ServerTimestamp = serverTimestamp{}

// resolveFields copies data, replacing ServerTimestamp sentinels with now.
func resolveFields(data map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}

// newDocumentID returns a time-ordered id so that sorting ids sorts by
// creation.
func newDocumentID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate document id: %w", err)
	}
	return id.String(), nil
}

func validatePath(path string) error {
	if strings.TrimSpace(path) == "" || strings.Contains(path, "//") {
		return fmt.Errorf("invalid document path %q", path)
	}
	return nil
}

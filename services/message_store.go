package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"lmschat/metrics"
	"lmschat/models"
)

const (
	// deleteAllLimit is the effective "everything" limit used when clearing.
	deleteAllLimit = 10000
	// maxConcurrentDeletes bounds the fan-out of a history clear.
	maxConcurrentDeletes = 16
)

const (
	fieldRole      = "role"
	fieldContent   = "content"
	fieldTimestamp = "timestamp"
)

// MessageStore persists per-user conversations in the subcollection
// users/{userID}/messages of a DocumentStore.
type MessageStore struct {
	docs DocumentStore
	log  zerolog.Logger
}

func NewMessageStore(docs DocumentStore, log zerolog.Logger) *MessageStore {
	return &MessageStore{
		docs: docs,
		log:  log.With().Str("component", "message_store").Logger(),
	}
}

func messagesPath(userID string) string {
	return "users/" + userID + "/messages"
}

func checkUser(userID string) error {
	if strings.TrimSpace(userID) == "" || strings.Contains(userID, "/") {
		return ErrMissingUser
	}
	return nil
}

// Save persists msg and returns its id. The stored timestamp is always the
// store's write time; msg.Timestamp is only used for local display.
func (s *MessageStore) Save(ctx context.Context, userID string, msg models.Message) (string, error) {
	if err := checkUser(userID); err != nil {
		return "", err
	}
	if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
		return "", fmt.Errorf("cannot persist message with role %q", msg.Role)
	}

	id, err := s.docs.CreateDocument(ctx, messagesPath(userID), map[string]any{
		fieldRole:      string(msg.Role),
		fieldContent:   msg.Content,
		fieldTimestamp: ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("save message: %w", err)
	}
	s.log.Debug().Str("user_id", userID).Str("id", id).Str("role", string(msg.Role)).Msg("message saved")
	return id, nil
}

// Load returns at most limit messages of the user, oldest first, with
// (role, content) duplicates collapsed onto the most recent occurrence.
func (s *MessageStore) Load(ctx context.Context, userID string, limit int) ([]models.Message, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}

	docs, err := s.docs.GetSubcollectionDocuments(ctx, messagesPath(userID), limit)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	fetched := make([]models.Message, 0, len(docs))
	for _, doc := range docs {
		fetched = append(fetched, decodeMessage(doc))
	}
	return orderMessages(dedupeMessages(fetched)), nil
}

// DeleteAll deletes every message of the user. Deletes run concurrently
// and are all awaited; failures are not rolled back and are reported as a
// *DeleteError once every delete has settled.
func (s *MessageStore) DeleteAll(ctx context.Context, userID string) error {
	if err := checkUser(userID); err != nil {
		return err
	}

	path := messagesPath(userID)
	docs, err := s.docs.GetSubcollectionDocuments(ctx, path, deleteAllLimit)
	if err != nil {
		return fmt.Errorf("list messages for delete: %w", err)
	}

	p := pool.New().WithErrors().WithMaxGoroutines(maxConcurrentDeletes)
	failed := make(chan struct{}, len(docs))
	for _, doc := range docs {
		id := doc.ID
		p.Go(func() error {
			if err := s.docs.DeleteDocument(ctx, path, id); err != nil {
				metrics.MessageDeletes.WithLabelValues("failed").Inc()
				failed <- struct{}{}
				return err
			}
			metrics.MessageDeletes.WithLabelValues("deleted").Inc()
			return nil
		})
	}
	err = p.Wait()
	close(failed)

	if err != nil {
		de := &DeleteError{Attempted: len(docs), Failed: len(failed), Err: err}
		s.log.Error().Err(err).Str("user_id", userID).Int("failed", de.Failed).Int("attempted", de.Attempted).Msg("history clear partially failed")
		return de
	}
	s.log.Info().Str("user_id", userID).Int("deleted", len(docs)).Msg("history cleared")
	return nil
}

func decodeMessage(doc Document) models.Message {
	msg := models.Message{ID: doc.ID}
	if role, ok := doc.Fields[fieldRole].(string); ok {
		msg.Role = models.Role(role)
	}
	if content, ok := doc.Fields[fieldContent].(string); ok {
		msg.Content = content
	}

	switch ts := doc.Fields[fieldTimestamp].(type) {
	case time.Time:
		t := ts
		msg.ServerTimestamp = &t
		msg.Timestamp = t
	case float64:
		msg.Timestamp = time.UnixMilli(int64(ts)).UTC()
	case int64:
		msg.Timestamp = time.UnixMilli(ts).UTC()
	case int:
		msg.Timestamp = time.UnixMilli(int64(ts)).UTC()
	}
	return msg
}

type dedupeKey struct {
	role    models.Role
	content string
}

// dedupeMessages scans newest to oldest and keeps the first occurrence of
// each (role, content). Two distinct messages with identical text collapse
// into one. The result keeps fetch order.
func dedupeMessages(msgs []models.Message) []models.Message {
	seen := make(map[dedupeKey]struct{}, len(msgs))
	kept := make([]models.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		key := dedupeKey{role: msgs[i].Role, content: msgs[i].Content}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, msgs[i])
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// orderMessages sorts ascending by effective time; messages without any
// timestamp sort first and ties keep fetch order.
func orderMessages(msgs []models.Message) []models.Message {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].EffectiveTime().Before(msgs[j].EffectiveTime())
	})
	return msgs
}

// IsPartialDelete reports whether err is a bulk delete that left messages behind.
func IsPartialDelete(err error) bool {
	var de *DeleteError
	return errors.As(err, &de)
}

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"lmschat/config"
	"lmschat/models"
)

// Completer produces one assistant completion for an ordered message list.
type Completer interface {
	Complete(ctx context.Context, turns []models.ChatTurn) (string, error)
}

// ChatService is the server side of the chat endpoint: it trims the
// caller's history, prepends the system instruction and bounds the
// upstream call with a hard timeout.
type ChatService struct {
	completer    Completer
	systemPrompt string
	historyLimit int
	timeout      time.Duration
	log          zerolog.Logger
}

// NewChatService wires the endpoint logic. A nil completer means no
// provider credential is configured and every request fails with
// ErrNotConfigured.
func NewChatService(completer Completer, cfg config.ChatConfig, log zerolog.Logger) *ChatService {
	return &ChatService{
		completer:    completer,
		systemPrompt: cfg.SystemPrompt,
		historyLimit: cfg.HistoryLimit,
		timeout:      cfg.ProxyTimeout,
		log:          log.With().Str("component", "chat").Logger(),
	}
}

func (s *ChatService) Reply(ctx context.Context, messages []models.ChatTurn) (string, error) {
	if s.completer == nil {
		return "", ErrNotConfigured
	}

	turns := s.upstreamTurns(messages)
	if len(turns) == 1 {
		return "", ErrEmptyMessage
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	reply, err := s.completer.Complete(ctx, turns)
	if err != nil {
		if ctx.Err() != nil {
			s.log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("upstream call aborted")
			return "", fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return "", err
	}
	s.log.Debug().Int("turns", len(turns)).Dur("elapsed", time.Since(start)).Msg("upstream call completed")
	return reply, nil
}

// upstreamTurns drops caller-supplied system messages, keeps the last
// historyLimit turns and prepends the fixed system instruction.
func (s *ChatService) upstreamTurns(messages []models.ChatTurn) []models.ChatTurn {
	kept := make([]models.ChatTurn, 0, len(messages))
	for _, m := range messages {
		if m.Role == models.RoleSystem || !m.Role.Valid() {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) > s.historyLimit {
		kept = kept[len(kept)-s.historyLimit:]
	}

	turns := make([]models.ChatTurn, 0, len(kept)+1)
	turns = append(turns, models.ChatTurn{Role: models.RoleSystem, Content: s.systemPrompt})
	return append(turns, kept...)
}

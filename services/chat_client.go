package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"lmschat/models"
)

// UserIDHeader carries the caller's user id on chat API requests.
const UserIDHeader = "X-User-ID"

// ChatProxy is the client side of POST /api/chat.
type ChatProxy interface {
	Chat(ctx context.Context, turns []models.ChatTurn) (models.ChatTurn, error)
}

// ProxyClient calls the chat endpoint over HTTP. The caller's context
// bounds the whole round trip.
type ProxyClient struct {
	http   *resty.Client
	userID string
	log    zerolog.Logger
}

func NewProxyClient(baseURL, userID string, log zerolog.Logger) *ProxyClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &ProxyClient{
		http:   client,
		userID: userID,
		log:    log.With().Str("component", "proxy_client").Logger(),
	}
}

func (p *ProxyClient) Chat(ctx context.Context, turns []models.ChatTurn) (models.ChatTurn, error) {
	var out models.ChatResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetHeader(UserIDHeader, p.userID).
		SetBody(models.ChatRequest{Messages: turns}).
		SetResult(&out).
		SetError(&out).
		Post("/api/chat")
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return models.ChatTurn{}, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return models.ChatTurn{}, fmt.Errorf("chat request failed: %w", err)
	}

	if resp.IsError() {
		kind, ok := classifyStatus(resp.StatusCode())
		if !ok && resp.StatusCode() == http.StatusBadRequest {
			kind = KindBadRequest
		}
		reason := out.Error
		if reason == "" {
			reason = resp.Status()
		}
		p.log.Warn().Int("status", resp.StatusCode()).Str("error", reason).Msg("chat endpoint returned an error")
		return models.ChatTurn{}, &ChatError{
			Status:   resp.StatusCode(),
			Kind:     kind,
			Reason:   reason,
			Fallback: out.Message.Content,
		}
	}

	if out.Message.Content == "" {
		return models.ChatTurn{}, ErrNoCompletion
	}
	out.Message.Role = models.RoleAssistant
	return out.Message, nil
}

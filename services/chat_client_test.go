package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lmschat/models"
)

func chatServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestProxyClient_Success(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, testUser, r.Header.Get(UserIDHeader))

		var req models.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []models.ChatTurn{{Role: models.RoleUser, Content: "Hello"}}, req.Messages)

		writeJSON(w, http.StatusOK, models.ChatResponse{Message: models.ChatTurn{Role: models.RoleAssistant, Content: "Hi there"}})
	})
	client := NewProxyClient(srv.URL, testUser, zerolog.Nop())

	reply, err := client.Chat(context.Background(), []models.ChatTurn{{Role: models.RoleUser, Content: "Hello"}})
	require.NoError(t, err)
	assert.Equal(t, models.ChatTurn{Role: models.RoleAssistant, Content: "Hi there"}, reply)
}

func TestProxyClient_ErrorCarriesFallback(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, KindRateLimit},
		{"timeout", http.StatusRequestTimeout, KindTimeout},
		{"bad request", http.StatusBadRequest, KindBadRequest},
		{"server error", http.StatusInternalServerError, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, models.ChatResponse{
					Message: models.ChatTurn{Role: models.RoleAssistant, Content: tt.kind.UserMessage()},
					Error:   "upstream said no",
				})
			})
			client := NewProxyClient(srv.URL, testUser, zerolog.Nop())

			_, err := client.Chat(context.Background(), []models.ChatTurn{{Role: models.RoleUser, Content: "Hello"}})
			require.Error(t, err)

			var chatErr *ChatError
			require.ErrorAs(t, err, &chatErr)
			assert.Equal(t, tt.status, chatErr.Status)
			assert.Equal(t, tt.kind, chatErr.Kind)
			assert.Equal(t, "upstream said no", chatErr.Reason)
			assert.Equal(t, tt.kind.UserMessage(), chatErr.Fallback)
			assert.Equal(t, tt.kind, Classify(err))
		})
	}
}

func TestProxyClient_ContextDeadline(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	client := NewProxyClient(srv.URL, testUser, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.Chat(ctx, []models.ChatTurn{{Role: models.RoleUser, Content: "Hello"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestProxyClient_EmptyReply(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, models.ChatResponse{})
	})
	client := NewProxyClient(srv.URL, testUser, zerolog.Nop())

	_, err := client.Chat(context.Background(), []models.ChatTurn{{Role: models.RoleUser, Content: "Hello"}})
	assert.ErrorIs(t, err, ErrNoCompletion)
}

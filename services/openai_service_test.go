package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lmschat/models"
)

// scriptedCompleter fails with errs[i] on call i and succeeds afterwards.
type scriptedCompleter struct {
	mu      sync.Mutex
	calls   int
	errs    []error
	reply   string
	lastReq openai.ChatCompletionRequest
}

func (s *scriptedCompleter) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastReq = req
	if s.calls <= len(s.errs) && s.errs[s.calls-1] != nil {
		return openai.ChatCompletionResponse{}, s.errs[s.calls-1]
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: s.reply}},
		},
	}, nil
}

func (s *scriptedCompleter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var helloTurns = []models.ChatTurn{
	{Role: models.RoleSystem, Content: "be nice"},
	{Role: models.RoleUser, Content: "Hello"},
}

func TestComplete_UsesFixedGenerationParams(t *testing.T) {
	api := &scriptedCompleter{reply: "Hi there"}
	client := NewCompletionClientWithAPI(api, testOpenAIConfig(), zerolog.Nop())

	reply, err := client.Complete(context.Background(), helloTurns)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply)

	assert.Equal(t, "gpt-4o-mini", api.lastReq.Model)
	assert.InDelta(t, 0.7, api.lastReq.Temperature, 1e-6)
	assert.Equal(t, 1000, api.lastReq.MaxTokens)
	require.Len(t, api.lastReq.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, api.lastReq.Messages[0].Role)
	assert.Equal(t, "Hello", api.lastReq.Messages[1].Content)
}

func TestComplete_RetriesTransientFailure(t *testing.T) {
	api := &scriptedCompleter{
		errs:  []error{&openai.APIError{HTTPStatusCode: http.StatusBadGateway, Message: "bad gateway"}},
		reply: "recovered",
	}
	client := NewCompletionClientWithAPI(api, testOpenAIConfig(), zerolog.Nop())

	reply, err := client.Complete(context.Background(), helloTurns)
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)
	assert.Equal(t, 2, api.Calls())
}

func TestComplete_ExhaustsRetriesWithBackoff(t *testing.T) {
	last := errors.New("connection reset by peer")
	api := &scriptedCompleter{errs: []error{errors.New("first"), errors.New("second"), last}}
	cfg := testOpenAIConfig()
	cfg.BaseDelay = 20 * time.Millisecond
	client := NewCompletionClientWithAPI(api, cfg, zerolog.Nop())

	start := time.Now()
	_, err := client.Complete(context.Background(), helloTurns)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, 3, api.Calls())
	// 20ms then 40ms between the three attempts
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestComplete_DoesNotRetryNonTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"invalid credential", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Code: "invalid_api_key", Message: "Incorrect API key provided"}, KindInvalidCredential},
		{"quota exhausted", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Code: "insufficient_quota", Message: "You exceeded your current quota"}, KindQuotaExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &scriptedCompleter{errs: []error{tt.err, tt.err, tt.err}}
			client := NewCompletionClientWithAPI(api, testOpenAIConfig(), zerolog.Nop())

			_, err := client.Complete(context.Background(), helloTurns)
			require.Error(t, err)
			assert.Equal(t, 1, api.Calls())
			assert.Equal(t, tt.kind, Classify(err))
		})
	}
}

func TestComplete_StopsWhenContextCancelled(t *testing.T) {
	api := &scriptedCompleter{errs: []error{errors.New("flaky"), errors.New("flaky"), errors.New("flaky")}}
	cfg := testOpenAIConfig()
	cfg.BaseDelay = time.Second
	client := NewCompletionClientWithAPI(api, cfg, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.Complete(ctx, helloTurns)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, api.Calls())
}

func TestComplete_EmptyChoicesIsAnError(t *testing.T) {
	api := &emptyCompleter{}
	cfg := testOpenAIConfig()
	cfg.MaxAttempts = 1
	client := NewCompletionClientWithAPI(api, cfg, zerolog.Nop())

	_, err := client.Complete(context.Background(), helloTurns)
	assert.ErrorIs(t, err, ErrNoCompletion)
}

type emptyCompleter struct{}

func (emptyCompleter) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{}, nil
}

func TestNewCompletionClient_RequiresKey(t *testing.T) {
	cfg := testOpenAIConfig()
	cfg.APIKey = ""
	_, err := NewCompletionClient(cfg, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNewCompletionClient_AgainstHTTPServer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Hi there"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	cfg := testOpenAIConfig()
	cfg.BaseURL = srv.URL
	client, err := NewCompletionClient(cfg, zerolog.Nop())
	require.NoError(t, err)

	reply, err := client.Complete(context.Background(), helloTurns)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply)
	assert.Equal(t, int32(1), hits.Load())
}

func TestNewCompletionClient_InvalidKeyFromServerIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`))
	}))
	defer srv.Close()

	cfg := testOpenAIConfig()
	cfg.BaseURL = srv.URL
	client, err := NewCompletionClient(cfg, zerolog.Nop())
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), helloTurns)
	require.Error(t, err)
	assert.Equal(t, KindInvalidCredential, Classify(err))
	assert.Equal(t, int32(1), hits.Load())
}

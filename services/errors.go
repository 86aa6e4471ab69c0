package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

var (
	ErrEmptyMessage  = errors.New("message is empty")
	ErrNotConfigured = errors.New("server configuration error: OPENAI_API_KEY is not set")
	ErrTimeout       = errors.New("request timeout: the request took too long")
	ErrNoCompletion  = errors.New("model returned no completion")
	ErrMissingUser   = errors.New("user id is required")
)

// ErrorKind is the user-facing failure category of a chat request.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTimeout
	KindRateLimit
	KindInvalidCredential
	KindQuotaExceeded
	KindNotConfigured
	KindBadRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindInvalidCredential:
		return "invalid_credential"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindNotConfigured:
		return "not_configured"
	case KindBadRequest:
		return "bad_request"
	}
	return "unknown"
}

// Status is the HTTP status the chat endpoint answers with.
func (k ErrorKind) Status() int {
	switch k {
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindInvalidCredential:
		return http.StatusUnauthorized
	case KindQuotaExceeded:
		return http.StatusPaymentRequired
	case KindBadRequest:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// UserMessage is the assistant-role text shown in the chat window.
func (k ErrorKind) UserMessage() string {
	switch k {
	case KindTimeout:
		return "Sorry, the request took too long. Please try again."
	case KindRateLimit:
		return "Sorry, too many requests right now. Please wait a moment and try again."
	case KindInvalidCredential, KindNotConfigured:
		return "Sorry, the assistant is not available right now. Please contact support."
	case KindQuotaExceeded:
		return "Sorry, the assistant has reached its usage limit. Please try again later."
	case KindBadRequest:
		return "Sorry, your message could not be processed. Please try again."
	}
	return "Sorry, an error occurred. Please try again."
}

// Retryable reports whether the completion client may try again. An
// expired or cancelled context is checked separately by the caller.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindInvalidCredential, KindQuotaExceeded, KindNotConfigured, KindBadRequest:
		return false
	}
	return true
}

// Classify maps an error from any layer of the chat pipeline to its kind.
// Provider status codes win over message text.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	switch {
	case errors.Is(err, ErrNotConfigured):
		return KindNotConfigured
	case errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTimeout
	case errors.Is(err, ErrEmptyMessage):
		return KindBadRequest
	}

	var chatErr *ChatError
	if errors.As(err, &chatErr) {
		return chatErr.Kind
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if kind, ok := classifyProviderCode(fmt.Sprint(apiErr.Code), apiErr.Type); ok {
			return kind
		}
		if kind, ok := classifyStatus(apiErr.HTTPStatusCode); ok {
			return kind
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if kind, ok := classifyStatus(reqErr.HTTPStatusCode); ok {
			return kind
		}
	}

	return classifyMessage(err.Error())
}

func classifyProviderCode(code, typ string) (ErrorKind, bool) {
	switch {
	case code == "insufficient_quota" || typ == "insufficient_quota":
		return KindQuotaExceeded, true
	case code == "invalid_api_key":
		return KindInvalidCredential, true
	case code == "rate_limit_exceeded":
		return KindRateLimit, true
	}
	return KindUnknown, false
}

func classifyStatus(status int) (ErrorKind, bool) {
	switch status {
	case http.StatusUnauthorized:
		return KindInvalidCredential, true
	case http.StatusPaymentRequired:
		return KindQuotaExceeded, true
	case http.StatusTooManyRequests:
		return KindRateLimit, true
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout, true
	}
	return KindUnknown, false
}

func classifyMessage(msg string) ErrorKind {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "took too long"), strings.Contains(msg, "aborted"):
		return KindTimeout
	case strings.Contains(msg, "quota"):
		return KindQuotaExceeded
	case strings.Contains(msg, "api key"), strings.Contains(msg, "api_key"):
		return KindInvalidCredential
	case strings.Contains(msg, "rate limit"):
		return KindRateLimit
	}
	return KindUnknown
}

// ChatError is a failed round trip to the chat endpoint as seen by a client.
type ChatError struct {
	Status   int
	Kind     ErrorKind
	Reason   string
	Fallback string
}

func (e *ChatError) Error() string {
	return fmt.Sprintf("chat request failed with status %d: %s", e.Status, e.Reason)
}

// DeleteError reports a bulk delete where some documents survived.
type DeleteError struct {
	Attempted int
	Failed    int
	Err       error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("deleted %d of %d messages: %v", e.Attempted-e.Failed, e.Attempted, e.Err)
}

func (e *DeleteError) Unwrap() error {
	return e.Err
}

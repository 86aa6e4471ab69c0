package models

// ChatTurn is the role/content pair exchanged with the proxy endpoint and
// the model provider.
type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages []ChatTurn `json:"messages"`
}

// ChatResponse always carries a renderable assistant message. Error is set
// on every failure path.
type ChatResponse struct {
	Message ChatTurn `json:"message"`
	Error   string   `json:"error,omitempty"`
}

type HistoryResponse struct {
	Messages []Message `json:"messages"`
}

package services

import (
	"time"

	"lmschat/config"
)

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		SystemPrompt:  "You are a test assistant.",
		HistoryLimit:  15,
		ContextLimit:  20,
		LoadLimit:     100,
		ProxyTimeout:  time.Second,
		ClientTimeout: 2 * time.Second,
	}
}

func testOpenAIConfig() config.OpenAIConfig {
	return config.OpenAIConfig{
		APIKey:      "sk-test",
		Model:       "gpt-4o-mini",
		Temperature: 0.7,
		MaxTokens:   1000,
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lmschat/config"
	"lmschat/models"
)

// HistoryStore is the persistence a Conversation needs. MessageStore
// implements it.
type HistoryStore interface {
	Save(ctx context.Context, userID string, msg models.Message) (string, error)
	Load(ctx context.Context, userID string, limit int) ([]models.Message, error)
	DeleteAll(ctx context.Context, userID string) error
}

// ConversationState is what a UI renders besides the messages.
type ConversationState struct {
	Sending  bool
	Clearing bool
	Loading  bool
	Err      error
}

// Conversation coordinates send, load and clear for one user against the
// history store and the chat endpoint. Local messages are shown
// optimistically before they are persisted.
type Conversation struct {
	userID       string
	store        HistoryStore
	proxy        ChatProxy
	contextLimit int
	loadLimit    int
	timeout      time.Duration
	clock        func() time.Time
	log          zerolog.Logger

	mu       sync.Mutex
	messages []models.Message
	sending  int
	clearing bool
	loading  bool
	lastErr  error
}

func NewConversation(userID string, store HistoryStore, proxy ChatProxy, cfg config.ChatConfig, log zerolog.Logger) *Conversation {
	return &Conversation{
		userID:       userID,
		store:        store,
		proxy:        proxy,
		contextLimit: cfg.ContextLimit,
		loadLimit:    cfg.LoadLimit,
		timeout:      cfg.ClientTimeout,
		clock:        time.Now,
		log:          log.With().Str("component", "conversation").Str("user_id", userID).Logger(),
	}
}

type persistResult struct {
	id  string
	err error
}

// Send submits text as a new user turn and returns the assistant reply.
//
// Empty or whitespace-only input is rejected without side effects. The text
// is stored and sent as given. Re-sending the text of the latest user
// message, ignoring surrounding whitespace, makes no upstream call: the
// reply that followed it is returned, or nil when there is none. The user message is always persisted
// before Send returns, whether or not the upstream call succeeded.
func (c *Conversation) Send(ctx context.Context, text string) (*models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	if dup, reply := c.duplicateLocked(text); dup {
		c.mu.Unlock()
		c.log.Debug().Msg("duplicate send ignored")
		return reply, nil
	}
	turns := c.contextTurnsLocked()
	userMsg := models.Message{Role: models.RoleUser, Content: text, Timestamp: c.clock()}
	c.messages = append(c.messages, userMsg)
	c.sending++
	c.mu.Unlock()
	defer c.finishSend()

	// The persist outlives a cancelled caller.
	persisted := make(chan persistResult, 1)
	go func() {
		id, err := c.store.Save(context.WithoutCancel(ctx), c.userID, userMsg)
		persisted <- persistResult{id: id, err: err}
	}()

	turns = append(turns, userMsg.Turn())
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	reply, err := c.proxy.Chat(callCtx, turns)
	timedOut := callCtx.Err() != nil
	cancel()

	saved := <-persisted
	if saved.err == nil {
		c.markPersisted(userMsg, saved.id)
	}

	if err != nil {
		if timedOut && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		if saved.err != nil {
			err = errors.Join(err, saved.err)
		}
		c.log.Warn().Err(err).Msg("send failed")
		return nil, c.fail(err)
	}
	if saved.err != nil {
		return nil, c.fail(fmt.Errorf("persist user message: %w", saved.err))
	}

	assistant := models.Message{Role: models.RoleAssistant, Content: reply.Content, Timestamp: c.clock()}
	if c.lastPersistedAssistant() != reply.Content {
		id, err := c.store.Save(ctx, c.userID, assistant)
		if err != nil {
			return nil, c.fail(fmt.Errorf("persist assistant message: %w", err))
		}
		assistant.ID = id
	} else {
		c.log.Debug().Msg("assistant reply matches the last persisted reply, not saving")
	}

	c.mu.Lock()
	c.messages = append(c.messages, assistant)
	c.lastErr = nil
	c.mu.Unlock()
	return &assistant, nil
}

// LoadHistory replaces the local view with the persisted conversation,
// keeping local messages that are not persisted yet at the end.
func (c *Conversation) LoadHistory(ctx context.Context) ([]models.Message, error) {
	c.mu.Lock()
	c.loading = true
	c.mu.Unlock()

	persisted, err := c.store.Load(ctx, c.userID, c.loadLimit)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading = false
	if err != nil {
		c.lastErr = err
		return nil, err
	}

	known := make(map[dedupeKey]struct{}, len(persisted))
	for _, m := range persisted {
		known[dedupeKey{role: m.Role, content: m.Content}] = struct{}{}
	}
	merged := append([]models.Message(nil), persisted...)
	for _, m := range c.messages {
		if m.Persisted() {
			continue
		}
		if _, ok := known[dedupeKey{role: m.Role, content: m.Content}]; ok {
			continue
		}
		merged = append(merged, m)
	}
	c.messages = merged
	c.lastErr = nil
	return c.snapshotLocked(), nil
}

// ClearHistory deletes every persisted message of the user. The delete is
// best effort: on a partial failure some messages survive in the store and
// reappear on the next LoadHistory.
func (c *Conversation) ClearHistory(ctx context.Context) error {
	c.mu.Lock()
	c.clearing = true
	c.mu.Unlock()

	err := c.store.DeleteAll(ctx, c.userID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearing = false
	c.messages = nil
	c.lastErr = err
	return err
}

// Messages returns a copy of the local conversation view.
func (c *Conversation) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Conversation) State() ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConversationState{
		Sending:  c.sending > 0,
		Clearing: c.clearing,
		Loading:  c.loading,
		Err:      c.lastErr,
	}
}

// duplicateLocked reports whether text repeats the latest user message and
// returns the assistant reply that followed it, if any.
func (c *Conversation) duplicateLocked(text string) (bool, *models.Message) {
	last := -1
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == models.RoleUser {
			last = i
			break
		}
	}
	if last < 0 || strings.TrimSpace(c.messages[last].Content) != strings.TrimSpace(text) {
		return false, nil
	}
	for i := last + 1; i < len(c.messages); i++ {
		if c.messages[i].Role == models.RoleAssistant {
			reply := c.messages[i]
			return true, &reply
		}
	}
	return true, nil
}

func (c *Conversation) contextTurnsLocked() []models.ChatTurn {
	history := c.messages
	if len(history) > c.contextLimit {
		history = history[len(history)-c.contextLimit:]
	}
	turns := make([]models.ChatTurn, 0, len(history)+1)
	for _, m := range history {
		if m.Role == models.RoleSystem {
			continue
		}
		turns = append(turns, m.Turn())
	}
	return turns
}

func (c *Conversation) markPersisted(msg models.Message, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.messages {
		m := &c.messages[i]
		if !m.Persisted() && m.Role == msg.Role && m.Content == msg.Content && m.Timestamp.Equal(msg.Timestamp) {
			m.ID = id
			return
		}
	}
}

func (c *Conversation) lastPersistedAssistant() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if m := c.messages[i]; m.Role == models.RoleAssistant && m.Persisted() {
			return m.Content
		}
	}
	return ""
}

func (c *Conversation) finishSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sending--
}

func (c *Conversation) fail(err error) error {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	return err
}

func (c *Conversation) snapshotLocked() []models.Message {
	return append([]models.Message(nil), c.messages...)
}

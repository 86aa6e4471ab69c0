package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lmschat/models"
)

type fakeProxy struct {
	mu    sync.Mutex
	calls int
	turns [][]models.ChatTurn
	reply string
	err   error

	// started receives one value per call when set.
	started chan struct{}
	// release gates the reply when set.
	release chan struct{}
	// block waits for the context to end and returns its error.
	block bool
}

func (p *fakeProxy) Chat(ctx context.Context, turns []models.ChatTurn) (models.ChatTurn, error) {
	p.mu.Lock()
	p.calls++
	p.turns = append(p.turns, append([]models.ChatTurn(nil), turns...))
	reply, err := p.reply, p.err
	p.mu.Unlock()

	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return models.ChatTurn{}, ctx.Err()
		}
	}
	if p.block {
		<-ctx.Done()
		return models.ChatTurn{}, ctx.Err()
	}
	if err != nil {
		return models.ChatTurn{}, err
	}
	return models.ChatTurn{Role: models.RoleAssistant, Content: reply}, nil
}

func (p *fakeProxy) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProxy) LastTurns() []models.ChatTurn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.turns) == 0 {
		return nil
	}
	return p.turns[len(p.turns)-1]
}

// failingSaves persists nothing.
type failingSaves struct {
	*MessageStore
}

func (failingSaves) Save(context.Context, string, models.Message) (string, error) {
	return "", errors.New("store unavailable")
}

func newTestConversation(proxy ChatProxy) (*Conversation, *MemoryStore) {
	mem := NewMemoryStore()
	store := NewMessageStore(mem, zerolog.Nop())
	return NewConversation(testUser, store, proxy, testChatConfig(), zerolog.Nop()), mem
}

func TestSend_PersistsBothTurns(t *testing.T) {
	proxy := &fakeProxy{reply: "Hi there"}
	conv, mem := newTestConversation(proxy)

	reply, err := conv.Send(context.Background(), "Hello")
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "Hi there", reply.Content)
	assert.Equal(t, models.RoleAssistant, reply.Role)
	assert.True(t, reply.Persisted())

	assert.Equal(t, 2, mem.Len(messagesPath(testUser)))
	assert.Equal(t, []models.ChatTurn{{Role: models.RoleUser, Content: "Hello"}}, proxy.LastTurns())

	local := conv.Messages()
	require.Len(t, local, 2)
	assert.Equal(t, "Hello", local[0].Content)
	assert.True(t, local[0].Persisted())
	assert.Equal(t, "Hi there", local[1].Content)
	assert.NoError(t, conv.State().Err)
	assert.False(t, conv.State().Sending)
}

func TestSend_PersistsTextAsGiven(t *testing.T) {
	proxy := &fakeProxy{reply: "Hi there"}
	conv, _ := newTestConversation(proxy)

	_, err := conv.Send(context.Background(), "  Hello\n")
	require.NoError(t, err)
	assert.Equal(t, []models.ChatTurn{{Role: models.RoleUser, Content: "  Hello\n"}}, proxy.LastTurns())

	history, err := conv.LoadHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "  Hello\n", history[0].Content)

	// surrounding whitespace does not make a new message
	again, err := conv.Send(context.Background(), "Hello")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "Hi there", again.Content)
	assert.Equal(t, 1, proxy.Calls())
}

func TestSend_RejectsEmptyInput(t *testing.T) {
	proxy := &fakeProxy{reply: "never"}
	conv, mem := newTestConversation(proxy)

	_, err := conv.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Zero(t, proxy.Calls())
	assert.Zero(t, mem.Len(messagesPath(testUser)))
	assert.Empty(t, conv.Messages())
}

func TestSend_UserMessagePersistedWhenUpstreamFails(t *testing.T) {
	upstream := &ChatError{Status: 500, Kind: KindUnknown, Reason: "boom", Fallback: "Sorry, an error occurred. Please try again."}
	proxy := &fakeProxy{err: upstream}
	conv, mem := newTestConversation(proxy)

	reply, err := conv.Send(context.Background(), "Hello")
	assert.Nil(t, reply)
	require.Error(t, err)

	var chatErr *ChatError
	require.True(t, errors.As(err, &chatErr))
	assert.NotEmpty(t, chatErr.Fallback)

	assert.Equal(t, 1, mem.Len(messagesPath(testUser)))
	assert.Equal(t, err, conv.State().Err)
}

func TestSend_RepeatAfterFailureIsNoop(t *testing.T) {
	proxy := &fakeProxy{err: errors.New("upstream down")}
	conv, mem := newTestConversation(proxy)

	_, err := conv.Send(context.Background(), "Hello")
	require.Error(t, err)

	again, err := conv.Send(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, 1, proxy.Calls())
	assert.Equal(t, 1, mem.Len(messagesPath(testUser)))

	// a different text goes through
	proxy.mu.Lock()
	proxy.err = nil
	proxy.reply = "Hi there"
	proxy.mu.Unlock()
	reply, err := conv.Send(context.Background(), "Hello?")
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply.Content)
	assert.Equal(t, 2, proxy.Calls())
}

func TestSend_DuplicateWhileInFlight(t *testing.T) {
	proxy := &fakeProxy{
		reply:   "Hi there",
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	conv, _ := newTestConversation(proxy)

	type result struct {
		reply *models.Message
		err   error
	}
	first := make(chan result, 1)
	go func() {
		reply, err := conv.Send(context.Background(), "Hello")
		first <- result{reply, err}
	}()
	<-proxy.started
	assert.True(t, conv.State().Sending)

	dup, err := conv.Send(context.Background(), "Hello")
	assert.NoError(t, err)
	assert.Nil(t, dup)

	close(proxy.release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, "Hi there", res.reply.Content)
	assert.Equal(t, 1, proxy.Calls())
}

func TestSend_DuplicateAfterReplyReturnsIt(t *testing.T) {
	proxy := &fakeProxy{reply: "Hi there"}
	conv, mem := newTestConversation(proxy)

	_, err := conv.Send(context.Background(), "Hello")
	require.NoError(t, err)

	again, err := conv.Send(context.Background(), "Hello")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "Hi there", again.Content)
	assert.Equal(t, 1, proxy.Calls())
	assert.Equal(t, 2, mem.Len(messagesPath(testUser)))
}

func TestSend_SkipsRepeatedAssistantReply(t *testing.T) {
	proxy := &fakeProxy{reply: "I can only say this."}
	conv, mem := newTestConversation(proxy)

	_, err := conv.Send(context.Background(), "first")
	require.NoError(t, err)
	reply, err := conv.Send(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, "I can only say this.", reply.Content)

	// user, assistant, user
	assert.Equal(t, 3, mem.Len(messagesPath(testUser)))
}

func TestSend_ContextIsLastTwentyPlusNewTurn(t *testing.T) {
	proxy := &fakeProxy{reply: "ok"}
	conv, mem := newTestConversation(proxy)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		mem.Put(messagesPath(testUser), msgDoc(fmt.Sprintf("m%02d", i), role, fmt.Sprintf("message %d", i), base.Add(time.Duration(i)*time.Second)))
	}
	_, err := conv.LoadHistory(context.Background())
	require.NoError(t, err)

	_, err = conv.Send(context.Background(), "new question")
	require.NoError(t, err)

	turns := proxy.LastTurns()
	require.Len(t, turns, 21)
	assert.Equal(t, "message 10", turns[0].Content)
	assert.Equal(t, "message 29", turns[19].Content)
	assert.Equal(t, models.ChatTurn{Role: models.RoleUser, Content: "new question"}, turns[20])
}

func TestSend_OuterTimeout(t *testing.T) {
	proxy := &fakeProxy{block: true}
	mem := NewMemoryStore()
	cfg := testChatConfig()
	cfg.ClientTimeout = 30 * time.Millisecond
	conv := NewConversation(testUser, NewMessageStore(mem, zerolog.Nop()), proxy, cfg, zerolog.Nop())

	_, err := conv.Send(context.Background(), "Hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, KindTimeout, Classify(err))
	assert.Equal(t, 1, mem.Len(messagesPath(testUser)))
}

func TestSend_PersistFailureIsReported(t *testing.T) {
	proxy := &fakeProxy{reply: "Hi there"}
	store := failingSaves{NewMessageStore(NewMemoryStore(), zerolog.Nop())}
	conv := NewConversation(testUser, store, proxy, testChatConfig(), zerolog.Nop())

	_, err := conv.Send(context.Background(), "Hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist user message")
	assert.Contains(t, err.Error(), "store unavailable")
}

func TestLoadHistory_KeepsUnpersistedLocalMessages(t *testing.T) {
	mem := NewMemoryStore()
	mem.Put(messagesPath(testUser), msgDoc("old", models.RoleAssistant, "Welcome back", time.UnixMilli(1000).UTC()))
	proxy := &fakeProxy{err: errors.New("upstream down")}
	store := failingSaves{NewMessageStore(mem, zerolog.Nop())}
	conv := NewConversation(testUser, store, proxy, testChatConfig(), zerolog.Nop())

	_, err := conv.Send(context.Background(), "Hello")
	require.Error(t, err)

	history, err := conv.LoadHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Welcome back", history[0].Content)
	assert.Equal(t, "Hello", history[1].Content)
	assert.False(t, history[1].Persisted())
	assert.False(t, conv.State().Loading)
}

func TestClearHistory(t *testing.T) {
	proxy := &fakeProxy{reply: "Hi there"}
	conv, mem := newTestConversation(proxy)

	_, err := conv.Send(context.Background(), "Hello")
	require.NoError(t, err)

	require.NoError(t, conv.ClearHistory(context.Background()))
	assert.Empty(t, conv.Messages())
	assert.Zero(t, mem.Len(messagesPath(testUser)))
	assert.False(t, conv.State().Clearing)

	history, err := conv.LoadHistory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, history)
}

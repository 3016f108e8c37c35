package domain_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/markl/internal/domain"
)

// mockRegistry is a mock implementation of ProviderRegistry for testing.
type mockRegistry struct {
	providers map[string]domain.Provider
	getError  error
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		providers: make(map[string]domain.Provider),
		getError:  nil,
	}
}

func (m *mockRegistry) Register(_ context.Context, provider domain.Provider) error {
	m.providers[provider.Name()] = provider
	return nil
}

func (m *mockRegistry) Get(_ context.Context, providerName string) (domain.Provider, error) {
	if m.getError != nil {
		return nil, m.getError
	}

	provider, exists := m.providers[providerName]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", providerName)
	}
	return provider, nil
}

func (m *mockRegistry) List(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names, nil
}

func (m *mockRegistry) GetByModel(ctx context.Context, model string) (domain.Provider, error) {
	if m.getError != nil {
		return nil, m.getError
	}

	for _, provider := range m.providers {
		if provider.IsModelSupported(ctx, model) {
			return provider, nil
		}
	}
	return nil, fmt.Errorf("no provider found for model: %s", model)
}

// mockProvider is a mock implementation of Provider for testing.
type mockProvider struct {
	name       string
	streamFunc func(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamChunk, error)

	lastRequest *domain.CompletionRequest
}

func (m *mockProvider) Complete(
	_ context.Context,
	req *domain.CompletionRequest,
) (*domain.CompletionResponse, error) {
	return &domain.CompletionResponse{
		ID:       "test-id",
		Model:    req.Model,
		Provider: m.name,
		Content:  "test response",
	}, nil
}

func (m *mockProvider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	m.lastRequest = req
	if m.streamFunc != nil {
		return m.streamFunc(ctx, req)
	}

	chunks := make(chan domain.StreamChunk)
	go func() {
		defer close(chunks)
		chunks <- domain.StreamChunk{Delta: "Hello ", Done: false, Error: nil}
		chunks <- domain.StreamChunk{Delta: "world", Done: false, Error: nil}
		chunks <- domain.StreamChunk{Delta: "", Done: true, Error: nil}
	}()
	return chunks, nil
}

func (m *mockProvider) Name() string {
	return m.name
}

func (m *mockProvider) IsModelSupported(_ context.Context, _ string) bool {
	return true
}

func (m *mockProvider) SupportedModels(_ context.Context) []string {
	return []string{domain.DefaultModel}
}

// memStore is an in-memory ConversationStore for testing. Like the real
// store, every call fails once its context is cancelled.
type memStore struct {
	mu       sync.Mutex
	owners   map[string]*domain.Owner
	chats    map[string]*domain.Chat
	messages map[string]*domain.Message
	nextSeq  map[string]int

	createChatErr    error
	createMessageErr func(msg *domain.Message) error
}

func newMemStore() *memStore {
	return &memStore{
		owners:   make(map[string]*domain.Owner),
		chats:    make(map[string]*domain.Chat),
		messages: make(map[string]*domain.Message),
		nextSeq:  make(map[string]int),
	}
}

func (s *memStore) FindOwnerBySubject(ctx context.Context, subject string) (*domain.Owner, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, owner := range s.owners {
		if owner.Subject == subject && owner.DeletedAt == nil {
			return owner, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) FindOrCreateOwnerBySubject(ctx context.Context, subject, walletKey string) (*domain.Owner, error) {
	owner, err := s.FindOwnerBySubject(ctx, subject)
	if err == nil {
		return owner, nil
	}
	if err != domain.ErrNotFound {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	owner = &domain.Owner{ID: "owner-" + subject, Subject: subject, WalletKey: walletKey}
	s.owners[owner.ID] = owner
	return owner, nil
}

func (s *memStore) FindOrCreateAnonymousOwner(_ context.Context, fingerprint string) (*domain.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, owner := range s.owners {
		if owner.Fingerprint == fingerprint && owner.DeletedAt == nil {
			return owner, nil
		}
	}
	owner := &domain.Owner{ID: "owner-" + fingerprint, Fingerprint: fingerprint}
	s.owners[owner.ID] = owner
	return owner, nil
}

func (s *memStore) CreateChat(ctx context.Context, chat *domain.Chat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.createChatErr != nil {
		return s.createChatErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *chat
	s.chats[chat.ID] = &copied
	return nil
}

func (s *memStore) GetChat(_ context.Context, chatID, ownerID string) (*domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok || chat.DeletedAt != nil || chat.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	copied := *chat
	return &copied, nil
}

func (s *memStore) ListChats(_ context.Context, ownerID string, _ domain.Page) ([]*domain.Chat, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Chat
	for _, chat := range s.chats {
		if chat.OwnerID == ownerID && chat.DeletedAt == nil {
			copied := *chat
			out = append(out, &copied)
		}
	}
	return out, len(out), nil
}

func (s *memStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.createMessageErr != nil {
		if err := s.createMessageErr(msg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq[msg.ChatID]++
	msg.Seq = s.nextSeq[msg.ChatID]
	copied := *msg
	s.messages[msg.ID] = &copied
	return nil
}

func (s *memStore) GetMessage(_ context.Context, messageID, chatID string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok || msg.DeletedAt != nil || msg.ChatID != chatID {
		return nil, domain.ErrNotFound
	}
	copied := *msg
	return &copied, nil
}

func (s *memStore) ListMessages(ctx context.Context, chatID string, _ domain.Page) ([]*domain.Message, int, error) {
	msgs, err := s.History(ctx, chatID)
	if err != nil {
		return nil, 0, err
	}
	return msgs, len(msgs), nil
}

func (s *memStore) History(ctx context.Context, chatID string) ([]*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for seq := 1; seq <= s.nextSeq[chatID]; seq++ {
		for _, msg := range s.messages {
			if msg.ChatID == chatID && msg.Seq == seq && msg.DeletedAt == nil {
				copied := *msg
				out = append(out, &copied)
			}
		}
	}
	return out, nil
}

func (s *memStore) DeleteMessage(ctx context.Context, messageID, chatID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok || msg.DeletedAt != nil || msg.ChatID != chatID {
		return 0, domain.ErrNotFound
	}
	now := time.Now()
	msg.DeletedAt = &now

	remaining := 0
	for _, other := range s.messages {
		if other.ChatID == chatID && other.DeletedAt == nil {
			remaining++
		}
	}
	return remaining, nil
}

func (s *memStore) DeleteChat(ctx context.Context, chatID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	chat.DeletedAt = &now
	return nil
}

func (s *memStore) TransferOwnership(_ context.Context, chatID, _, toOwnerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return domain.ErrNotFound
	}
	chat.OwnerID = toOwnerID
	return nil
}

func (s *memStore) liveMessages(chatID string) []*domain.Message {
	msgs, _ := s.History(context.Background(), chatID)
	return msgs
}

func (s *memStore) chat(chatID string) *domain.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats[chatID]
}

// mockLedger is a mock implementation of LedgerClient for testing.
type mockLedger struct {
	mu         sync.Mutex
	balance    float64
	balanceErr error
	debitErr   error
	debits     []float64
}

func (m *mockLedger) GetBalance(_ context.Context, walletKey string) (*domain.Balance, error) {
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	return &domain.Balance{WalletKey: walletKey, Amount: m.balance}, nil
}

func (m *mockLedger) Debit(_ context.Context, _ string, amount float64, _ string, _ map[string]any) (*domain.DebitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debitErr != nil {
		return nil, m.debitErr
	}
	m.debits = append(m.debits, amount)
	m.balance -= amount
	return &domain.DebitResult{Success: true, Balance: m.balance}, nil
}

// mockQuota is a mock implementation of QuotaTracker for testing.
type mockQuota struct {
	mu      sync.Mutex
	used    int
	readErr error
}

func (m *mockQuota) CurrentUsage(_ context.Context, _ string) (int, error) {
	if m.readErr != nil {
		return 0, m.readErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used, nil
}

func (m *mockQuota) RecordInteraction(_ context.Context, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used++
	return m.used, nil
}

// wordCounter counts whitespace-separated words as units.
type wordCounter struct{}

func (wordCounter) CountUnits(text string) int {
	return len(strings.Fields(text))
}

// recordingEmitter captures every emitted event in order.
type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

type emitted struct {
	name    string
	payload any
}

func (e *recordingEmitter) Emit(event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{name: event, payload: payload})
}

func (e *recordingEmitter) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.name)
	}
	return out
}

func (e *recordingEmitter) last(event string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.events) - 1; i >= 0; i-- {
		if e.events[i].name == event {
			return e.events[i].payload, true
		}
	}
	return nil, false
}

func (e *recordingEmitter) count(event string) int {
	n := 0
	for _, name := range e.names() {
		if name == event {
			n++
		}
	}
	return n
}

func terminalCount(e *recordingEmitter) int {
	return e.count(domain.EventAssistantComplete) +
		e.count(domain.EventAssistantRegenerated) +
		e.count(domain.EventAssistantError)
}

type fixture struct {
	orchestrator *domain.Orchestrator
	store        *memStore
	ledger       *mockLedger
	quota        *mockQuota
	provider     *mockProvider
	pricing      domain.PricingRegistry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMemStore()
	ledger := &mockLedger{balance: 1000}
	quota := &mockQuota{}
	provider := &mockProvider{name: "test-provider"}

	registry := newMockRegistry()
	require.NoError(t, registry.Register(context.Background(), provider))

	pricing := domain.NewInMemoryPricingRegistry()
	require.NoError(t, pricing.RegisterPricing(context.Background(), domain.DefaultModel, domain.ModelPricing{
		UserCostPer1K:      1,
		AssistantCostPer1K: 2,
	}))

	orchestrator := domain.NewOrchestrator(
		store, ledger, quota, pricing, wordCounter{}, registry, nil,
		domain.Policy{AnonymousInteractionLimit: 10, AssistantHoldUnits: 500},
	)

	return &fixture{
		orchestrator: orchestrator,
		store:        store,
		ledger:       ledger,
		quota:        quota,
		provider:     provider,
		pricing:      pricing,
	}
}

func anonIdentity() domain.Identity {
	return domain.Identity{Kind: domain.IdentityAnonymous, Fingerprint: "fp-1234"}
}

func authIdentity() domain.Identity {
	return domain.Identity{Kind: domain.IdentityAuthenticated, Subject: "user-1", WalletKey: "wallet-1"}
}

func registerUser(t *testing.T, store *memStore) {
	t.Helper()
	store.owners["owner-user-1"] = &domain.Owner{ID: "owner-user-1", Subject: "user-1", WalletKey: "wallet-1"}
}

func TestOrchestrator_SendMessage(t *testing.T) {
	t.Run("should stream a complete turn for a new anonymous chat", func(t *testing.T) {
		f := newFixture(t)
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(context.Background(), anonIdentity(), domain.SendMessageRequest{
			Content: "hello there",
		}, emitter)

		names := emitter.names()
		require.Equal(t, []string{
			domain.EventChatCreated,
			domain.EventMessageCreated,
			domain.EventUsageInfo,
			domain.EventAssistantTyping,
			domain.EventAssistantDelta,
			domain.EventAssistantDelta,
			domain.EventUsageInfo,
			domain.EventAssistantComplete,
		}, names)
		require.Equal(t, 1, terminalCount(emitter))

		payload, ok := emitter.last(domain.EventAssistantComplete)
		require.True(t, ok)
		complete, ok := payload.(domain.CompleteEvent)
		require.True(t, ok)
		require.Equal(t, "Hello world", complete.Content)

		msgs := f.store.liveMessages(complete.ChatID)
		require.Len(t, msgs, 2)
		require.Equal(t, domain.RoleUser, msgs[0].Role)
		require.Equal(t, domain.RoleAssistant, msgs[1].Role)
		require.Equal(t, 2, f.quota.used)
	})

	t.Run("should default the model when none is requested", func(t *testing.T) {
		f := newFixture(t)
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(context.Background(), anonIdentity(), domain.SendMessageRequest{
			Content: "hi",
		}, emitter)

		require.NotNil(t, f.provider.lastRequest)
		require.Equal(t, domain.DefaultModel, f.provider.lastRequest.Model)
	})

	t.Run("should reject empty content without side effects", func(t *testing.T) {
		f := newFixture(t)
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(context.Background(), anonIdentity(), domain.SendMessageRequest{
			Content: "   \n\t  ",
		}, emitter)

		require.Equal(t, []string{domain.EventAssistantError}, emitter.names())
		payload, _ := emitter.last(domain.EventAssistantError)
		require.Equal(t, domain.CodeInvalidRequest, payload.(domain.ErrorEvent).Code)
		require.Empty(t, f.store.chats)
		require.Empty(t, f.store.messages)
	})

	t.Run("should reject an anonymous turn at the interaction ceiling", func(t *testing.T) {
		f := newFixture(t)
		f.quota.used = 10
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(context.Background(), anonIdentity(), domain.SendMessageRequest{
			Content: "one more",
		}, emitter)

		require.Equal(t, []string{domain.EventAssistantError}, emitter.names())
		payload, _ := emitter.last(domain.EventAssistantError)
		require.Equal(t, domain.CodeQuotaExceeded, payload.(domain.ErrorEvent).Code)
		require.Empty(t, f.store.chats)
		require.Empty(t, f.store.messages)
		require.Equal(t, 10, f.quota.used)
	})

	t.Run("should allow the turn when the quota store is unreachable", func(t *testing.T) {
		f := newFixture(t)
		f.quota.readErr = errors.New("connection refused")
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(context.Background(), anonIdentity(), domain.SendMessageRequest{
			Content: "hello",
		}, emitter)

		require.Equal(t, 1, emitter.count(domain.EventAssistantComplete))
	})

	t.Run("should reject an authenticated turn on insufficient balance without side effects", func(t *testing.T) {
		f := newFixture(t)
		registerUser(t, f.store)
		f.ledger.balance = 0.5
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(context.Background(), authIdentity(), domain.SendMessageRequest{
			Content: "expensive question",
		}, emitter)

		require.Equal(t, []string{domain.EventAssistantError}, emitter.names())
		payload, _ := emitter.last(domain.EventAssistantError)
		require.Equal(t, domain.CodeInsufficientBalance, payload.(domain.ErrorEvent).Code)
		require.Empty(t, f.store.chats)
		require.Empty(t, f.store.messages)
		require.Empty(t, f.ledger.debits)
	})

	t.Run("should fail the turn when the balance check errors", func(t *testing.T) {
		f := newFixture(t)
		registerUser(t, f.store)
		f.ledger.balanceErr = errors.New("wallet timeout")
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(context.Background(), authIdentity(), domain.SendMessageRequest{
			Content: "hello",
		}, emitter)

		payload, _ := emitter.last(domain.EventAssistantError)
		require.Equal(t, domain.CodeWalletCheckFailed, payload.(domain.ErrorEvent).Code)
		require.Empty(t, f.store.messages)
	})

	t.Run("should treat a model without pricing as free", func(t *testing.T) {
		f := newFixture(t)
		registerUser(t, f.store)
		f.ledger.balance = 0
		f.ledger.balanceErr = errors.New("must not be called")
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(context.Background(), authIdentity(), domain.SendMessageRequest{
			Model:   "experimental-model",
			Content: "hello",
		}, emitter)

		require.Equal(t, 1, emitter.count(domain.EventAssistantComplete))
		require.Empty(t, f.ledger.debits)
	})

	t.Run("should debit input and output for an authenticated turn", func(t *testing.T) {
		f := newFixture(t)
		registerUser(t, f.store)
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(context.Background(), authIdentity(), domain.SendMessageRequest{
			Content: "question with five words here",
		}, emitter)

		require.Equal(t, 1, emitter.count(domain.EventAssistantComplete))
		// One block each way at the fixture rates of 1 and 2 per 1K.
		require.Equal(t, []float64{1, 2}, f.ledger.debits)
		require.Zero(t, emitter.count(domain.EventUsageInfo))
	})

	t.Run("should complete the turn even when debits fail", func(t *testing.T) {
		f := newFixture(t)
		registerUser(t, f.store)
		f.ledger.debitErr = errors.New("kafka down")
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(context.Background(), authIdentity(), domain.SendMessageRequest{
			Content: "hello",
		}, emitter)

		require.Equal(t, 1, emitter.count(domain.EventAssistantComplete))
		require.Equal(t, 1, terminalCount(emitter))
	})

	t.Run("should materialize an owner for an unknown authenticated subject", func(t *testing.T) {
		f := newFixture(t)
		emitter := &recordingEmitter{}

		// No owner row exists for the subject yet; the first write creates it
		// rather than failing the turn.
		f.orchestrator.SendMessage(context.Background(), authIdentity(), domain.SendMessageRequest{
			Content: "first ever turn",
		}, emitter)

		require.Equal(t, 1, emitter.count(domain.EventAssistantComplete))
		require.Zero(t, emitter.count(domain.EventAssistantError))

		owner, err := f.store.FindOwnerBySubject(context.Background(), "user-1")
		require.NoError(t, err)
		require.Equal(t, "wallet-1", owner.WalletKey)
	})

	t.Run("should keep the chat model when the request names another", func(t *testing.T) {
		f := newFixture(t)
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(context.Background(), anonIdentity(), domain.SendMessageRequest{
			Model:   "gpt-4o",
			Content: "first turn",
		}, emitter)
		payload, ok := emitter.last(domain.EventAssistantComplete)
		require.True(t, ok)
		chatID := payload.(domain.CompleteEvent).ChatID

		second := &recordingEmitter{}
		f.orchestrator.SendMessage(context.Background(), anonIdentity(), domain.SendMessageRequest{
			ChatID:  chatID,
			Model:   "o3",
			Content: "second turn",
		}, second)

		require.Equal(t, 1, second.count(domain.EventAssistantComplete))
		require.Equal(t, "gpt-4o", f.provider.lastRequest.Model)
		require.Zero(t, second.count(domain.EventChatCreated))
	})

	t.Run("should reject a chat the identity does not own", func(t *testing.T) {
		f := newFixture(t)
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(context.Background(), anonIdentity(), domain.SendMessageRequest{
			Content: "mine",
		}, emitter)
		payload, _ := emitter.last(domain.EventAssistantComplete)
		chatID := payload.(domain.CompleteEvent).ChatID

		other := domain.Identity{Kind: domain.IdentityAnonymous, Fingerprint: "fp-other"}
		stolen := &recordingEmitter{}
		f.orchestrator.SendMessage(context.Background(), other, domain.SendMessageRequest{
			ChatID:  chatID,
			Content: "not mine",
		}, stolen)

		errPayload, _ := stolen.last(domain.EventAssistantError)
		require.Equal(t, domain.CodeChatNotFound, errPayload.(domain.ErrorEvent).Code)
	})

	t.Run("should roll back the user message on a mid-stream failure", func(t *testing.T) {
		f := newFixture(t)
		f.provider.streamFunc = func(_ context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
			chunks := make(chan domain.StreamChunk)
			go func() {
				defer close(chunks)
				chunks <- domain.StreamChunk{Delta: "partial "}
				chunks <- domain.StreamChunk{Error: errors.New("upstream reset")}
			}()
			return chunks, nil
		}
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(context.Background(), anonIdentity(), domain.SendMessageRequest{
			Content: "doomed turn",
		}, emitter)

		require.Equal(t, 1, terminalCount(emitter))
		payload, _ := emitter.last(domain.EventAssistantError)
		require.Equal(t, domain.CodeProviderError, payload.(domain.ErrorEvent).Code)

		// The brand-new chat ends up empty, so it is rolled back too.
		chatPayload, _ := emitter.last(domain.EventChatCreated)
		chatID := chatPayload.(domain.ChatCreatedEvent).ChatID
		require.Empty(t, f.store.liveMessages(chatID))
		require.NotNil(t, f.store.chat(chatID).DeletedAt)
	})

	t.Run("should roll back the user message when the connection closes mid-stream", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		f.provider.streamFunc = func(_ context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
			chunks := make(chan domain.StreamChunk)
			go func() {
				defer close(chunks)
				chunks <- domain.StreamChunk{Delta: "partial "}
				// The client goes away mid-stream; the store now rejects
				// everything carrying the turn's context.
				cancel()
			}()
			return chunks, nil
		}
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(ctx, anonIdentity(), domain.SendMessageRequest{
			Content: "interrupted turn",
		}, emitter)

		require.Equal(t, 1, terminalCount(emitter))
		payload, _ := emitter.last(domain.EventAssistantError)
		require.Equal(t, domain.CodeProviderError, payload.(domain.ErrorEvent).Code)

		// The rollback must not be lost to the cancellation: no orphaned user
		// message, and the emptied chat is gone with it.
		chatPayload, _ := emitter.last(domain.EventChatCreated)
		chatID := chatPayload.(domain.ChatCreatedEvent).ChatID
		require.Empty(t, f.store.liveMessages(chatID))
		require.NotNil(t, f.store.chat(chatID).DeletedAt)
	})

	t.Run("should keep an existing chat alive after a failed follow-up turn", func(t *testing.T) {
		f := newFixture(t)
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(context.Background(), anonIdentity(), domain.SendMessageRequest{
			Content: "good turn",
		}, emitter)
		payload, _ := emitter.last(domain.EventAssistantComplete)
		chatID := payload.(domain.CompleteEvent).ChatID

		f.provider.streamFunc = func(_ context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
			return nil, errors.New("provider offline")
		}
		second := &recordingEmitter{}
		f.orchestrator.SendMessage(context.Background(), anonIdentity(), domain.SendMessageRequest{
			ChatID:  chatID,
			Content: "bad turn",
		}, second)

		errPayload, _ := second.last(domain.EventAssistantError)
		require.Equal(t, domain.CodeProviderError, errPayload.(domain.ErrorEvent).Code)
		require.Nil(t, f.store.chat(chatID).DeletedAt)
		require.Len(t, f.store.liveMessages(chatID), 2)
	})

	t.Run("should emit exactly one terminal event per turn", func(t *testing.T) {
		f := newFixture(t)
		emitter := &recordingEmitter{}

		f.orchestrator.SendMessage(context.Background(), anonIdentity(), domain.SendMessageRequest{
			Content: "hello",
		}, emitter)
		require.Equal(t, 1, terminalCount(emitter))

		f.provider.streamFunc = func(_ context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
			return nil, errors.New("boom")
		}
		failed := &recordingEmitter{}
		f.orchestrator.SendMessage(context.Background(), anonIdentity(), domain.SendMessageRequest{
			Content: "hello again",
		}, failed)
		require.Equal(t, 1, terminalCount(failed))
	})
}

func TestOrchestrator_Regenerate(t *testing.T) {
	seedTurn := func(t *testing.T, f *fixture, identity domain.Identity) (chatID, assistantID string) {
		t.Helper()
		emitter := &recordingEmitter{}
		f.orchestrator.SendMessage(context.Background(), identity, domain.SendMessageRequest{
			Content: "seed question",
		}, emitter)
		payload, ok := emitter.last(domain.EventAssistantComplete)
		require.True(t, ok)
		complete := payload.(domain.CompleteEvent)
		return complete.ChatID, complete.MessageID
	}

	t.Run("should append the replacement and keep the original", func(t *testing.T) {
		f := newFixture(t)
		chatID, assistantID := seedTurn(t, f, anonIdentity())

		f.provider.streamFunc = func(_ context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
			chunks := make(chan domain.StreamChunk)
			go func() {
				defer close(chunks)
				chunks <- domain.StreamChunk{Delta: "better answer"}
				chunks <- domain.StreamChunk{Done: true}
			}()
			return chunks, nil
		}
		emitter := &recordingEmitter{}
		f.orchestrator.Regenerate(context.Background(), anonIdentity(), domain.RegenerateRequest{
			ChatID:             chatID,
			AssistantMessageID: assistantID,
		}, emitter)

		require.Equal(t, []string{
			domain.EventAssistantRegenerating,
			domain.EventAssistantDelta,
			domain.EventUsageInfo,
			domain.EventAssistantRegenerated,
		}, emitter.names())

		payload, _ := emitter.last(domain.EventAssistantRegenerated)
		complete := payload.(domain.CompleteEvent)
		require.Equal(t, assistantID, complete.ReplaceOfMessageID)
		require.Equal(t, "better answer", complete.Content)

		msgs := f.store.liveMessages(chatID)
		require.Len(t, msgs, 3)
		original, err := f.store.GetMessage(context.Background(), assistantID, chatID)
		require.NoError(t, err)
		require.NotEqual(t, "better answer", original.Content)
		require.Equal(t, assistantID, msgs[2].ReplacesID)
		require.Greater(t, msgs[2].Seq, original.Seq)
	})

	t.Run("should send the history truncated before the replaced message", func(t *testing.T) {
		f := newFixture(t)
		chatID, assistantID := seedTurn(t, f, anonIdentity())

		emitter := &recordingEmitter{}
		f.orchestrator.Regenerate(context.Background(), anonIdentity(), domain.RegenerateRequest{
			ChatID:             chatID,
			AssistantMessageID: assistantID,
		}, emitter)

		require.NotNil(t, f.provider.lastRequest)
		require.Len(t, f.provider.lastRequest.Messages, 1)
		require.Equal(t, "seed question", f.provider.lastRequest.Messages[0].Content)
	})

	t.Run("should reject regeneration of a user message", func(t *testing.T) {
		f := newFixture(t)
		chatID, _ := seedTurn(t, f, anonIdentity())
		userMsg := f.store.liveMessages(chatID)[0]

		emitter := &recordingEmitter{}
		f.orchestrator.Regenerate(context.Background(), anonIdentity(), domain.RegenerateRequest{
			ChatID:             chatID,
			AssistantMessageID: userMsg.ID,
		}, emitter)

		payload, _ := emitter.last(domain.EventAssistantError)
		require.Equal(t, domain.CodeMessageNotFound, payload.(domain.ErrorEvent).Code)
	})

	t.Run("should require both identifiers", func(t *testing.T) {
		f := newFixture(t)
		emitter := &recordingEmitter{}

		f.orchestrator.Regenerate(context.Background(), anonIdentity(), domain.RegenerateRequest{
			ChatID: "some-chat",
		}, emitter)

		payload, _ := emitter.last(domain.EventAssistantError)
		require.Equal(t, domain.CodeInvalidRequest, payload.(domain.ErrorEvent).Code)
	})

	t.Run("should regenerate for an anonymous identity already at the ceiling", func(t *testing.T) {
		f := newFixture(t)
		chatID, assistantID := seedTurn(t, f, anonIdentity())
		f.quota.used = 10

		emitter := &recordingEmitter{}
		f.orchestrator.Regenerate(context.Background(), anonIdentity(), domain.RegenerateRequest{
			ChatID:             chatID,
			AssistantMessageID: assistantID,
		}, emitter)

		require.Equal(t, 1, emitter.count(domain.EventAssistantRegenerated))
	})

	t.Run("should precheck only the hold for an authenticated regeneration", func(t *testing.T) {
		f := newFixture(t)
		registerUser(t, f.store)
		chatID, assistantID := seedTurn(t, f, authIdentity())

		// Exactly the 500-unit hold at 2 per 1K, nothing more.
		f.ledger.balance = 2
		f.ledger.debits = nil
		emitter := &recordingEmitter{}
		f.orchestrator.Regenerate(context.Background(), authIdentity(), domain.RegenerateRequest{
			ChatID:             chatID,
			AssistantMessageID: assistantID,
		}, emitter)

		require.Equal(t, 1, emitter.count(domain.EventAssistantRegenerated))
		require.Equal(t, []float64{2}, f.ledger.debits)
	})
}

func TestOrchestrator_UsageInfo(t *testing.T) {
	t.Run("should report quota for an anonymous identity", func(t *testing.T) {
		f := newFixture(t)
		f.quota.used = 4

		info, err := f.orchestrator.UsageInfo(context.Background(), anonIdentity())
		require.NoError(t, err)
		require.True(t, info.IsAnonymous)
		require.Equal(t, 4, info.Used)
		require.Equal(t, 10, info.Limit)
		require.Equal(t, 6, info.Remaining)
	})

	t.Run("should report unlimited usage for an authenticated identity", func(t *testing.T) {
		f := newFixture(t)

		info, err := f.orchestrator.UsageInfo(context.Background(), authIdentity())
		require.NoError(t, err)
		require.False(t, info.IsAnonymous)
	})

	t.Run("should clamp remaining at zero past the ceiling", func(t *testing.T) {
		f := newFixture(t)
		f.quota.used = 13

		info, err := f.orchestrator.UsageInfo(context.Background(), anonIdentity())
		require.NoError(t, err)
		require.Zero(t, info.Remaining)
	})
}

func TestOrchestrator_Listing(t *testing.T) {
	t.Run("should reject anonymous identities on reads", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.orchestrator.ListChats(context.Background(), anonIdentity(), domain.Page{})
		require.ErrorIs(t, err, domain.ErrUnauthorized)

		_, err = f.orchestrator.ListMessages(context.Background(), anonIdentity(), "chat-1", domain.Page{})
		require.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("should list the owner's chats in an envelope", func(t *testing.T) {
		f := newFixture(t)
		registerUser(t, f.store)
		emitter := &recordingEmitter{}
		f.orchestrator.SendMessage(context.Background(), authIdentity(), domain.SendMessageRequest{
			Content: "make me a chat",
		}, emitter)

		env, err := f.orchestrator.ListChats(context.Background(), authIdentity(), domain.Page{})
		require.NoError(t, err)
		require.True(t, env.Success)
		require.NotNil(t, env.Meta)
		require.Equal(t, 1, env.Meta.Total)
	})

	t.Run("should scope message listing to the owner", func(t *testing.T) {
		f := newFixture(t)
		registerUser(t, f.store)
		emitter := &recordingEmitter{}
		f.orchestrator.SendMessage(context.Background(), authIdentity(), domain.SendMessageRequest{
			Content: "make me a chat",
		}, emitter)
		payload, _ := emitter.last(domain.EventAssistantComplete)
		chatID := payload.(domain.CompleteEvent).ChatID

		env, err := f.orchestrator.ListMessages(context.Background(), authIdentity(), chatID, domain.Page{})
		require.NoError(t, err)
		require.Equal(t, 2, env.Meta.Total)

		f.store.owners["owner-user-2"] = &domain.Owner{ID: "owner-user-2", Subject: "user-2", WalletKey: "wallet-2"}
		other := domain.Identity{Kind: domain.IdentityAuthenticated, Subject: "user-2", WalletKey: "wallet-2"}
		_, err = f.orchestrator.ListMessages(context.Background(), other, chatID, domain.Page{})
		require.Error(t, err)
		var terr *domain.TurnError
		require.ErrorAs(t, err, &terr)
		require.Equal(t, domain.CodeChatNotFound, terr.Code)
	})
}

func TestHeuristicTitle(t *testing.T) {
	t.Run("should capitalize and truncate to the first words", func(t *testing.T) {
		title := domain.HeuristicTitle("what is the airspeed velocity of an unladen swallow exactly")
		require.Equal(t, "What is the airspeed velocity of an unladen", title)
	})

	t.Run("should fall back for empty prompts", func(t *testing.T) {
		require.Equal(t, "New Chat", domain.HeuristicTitle("   "))
	})
}

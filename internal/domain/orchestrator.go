package domain

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/davidbz/markl/internal/observability"
)

// Policy contains the billing and quota knobs of the orchestrator.
type Policy struct {
	// AnonymousInteractionLimit is the total number of persisted messages
	// (user and assistant combined) an anonymous fingerprint may accumulate.
	AnonymousInteractionLimit int

	// AssistantHoldUnits is the pre-authorization estimate for a reply whose
	// length is not yet known. A hold, not a charge.
	AssistantHoldUnits int
}

// SendMessageRequest is one inbound send_message turn.
type SendMessageRequest struct {
	ChatID      string  `json:"chat_id,omitempty"`
	Model       string  `json:"model,omitempty"`
	Content     string  `json:"content"`
	Temperature float64 `json:"temperature,omitempty"`
}

// RegenerateRequest asks for a fresh completion replacing an earlier
// assistant message. The original is never mutated; the replacement is
// appended with a reference to it.
type RegenerateRequest struct {
	ChatID             string  `json:"chat_id"`
	AssistantMessageID string  `json:"assistant_message_id"`
	Temperature        float64 `json:"temperature,omitempty"`
}

// Orchestrator drives one request from receipt to terminal event: quota and
// balance prechecks, message persistence, provider streaming, incremental
// broadcast, and post-hoc debit with rollback on provider failure.
//
// Every accepted request resolves to exactly one terminal event on its
// emitter, success or error. Precheck failures are side-effect free; a
// provider failure after the user message was persisted rolls that message
// back, soft-deleting the chat if it is left empty.
type Orchestrator struct {
	store    ConversationStore
	ledger   LedgerClient
	quota    QuotaTracker
	pricing  PricingRegistry
	units    UnitCounter
	registry ProviderRegistry
	events   EventPublisher
	clock    Clock
	policy   Policy
}

// NewOrchestrator creates the streaming orchestrator (DI constructor).
func NewOrchestrator(
	store ConversationStore,
	ledger LedgerClient,
	quota QuotaTracker,
	pricing PricingRegistry,
	units UnitCounter,
	registry ProviderRegistry,
	events EventPublisher,
	policy Policy,
) *Orchestrator {
	return &Orchestrator{
		store:    store,
		ledger:   ledger,
		quota:    quota,
		pricing:  pricing,
		units:    units,
		registry: registry,
		events:   events,
		clock:    SystemClock{},
		policy:   policy,
	}
}

// WithClock overrides the clock. Test hook.
func (o *Orchestrator) WithClock(clock Clock) *Orchestrator {
	o.clock = clock
	return o
}

// nopEmitter swallows events. Used when the connection is already gone but
// the turn still has to run its failure path.
type nopEmitter struct{}

func (nopEmitter) Emit(string, any) {}

func safeEmitter(emit Emitter) Emitter {
	if emit == nil {
		return nopEmitter{}
	}
	return emit
}

// SendMessage runs one send_message turn. All outcomes, including every
// failure, are delivered through emit; the method itself never returns an
// error to keep the terminal-event contract in one place.
func (o *Orchestrator) SendMessage(ctx context.Context, identity Identity, req SendMessageRequest, emit Emitter) {
	emit = safeEmitter(emit)
	logger := observability.FromContext(ctx)

	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		o.fail(ctx, emit, "", NewTurnError(CodeInvalidRequest, "content cannot be empty", nil))
		return
	}
	if req.Model == "" {
		req.Model = DefaultModel
	}

	// Resolve owner. Anonymous identities hit the quota ceiling check before
	// anything is persisted.
	owner, terr := o.resolveOwner(ctx, identity)
	if terr != nil {
		o.fail(ctx, emit, req.ChatID, terr)
		return
	}

	// Resolve chat. The stored model wins over the requested one: model is
	// chat-sticky, temperature is per-request.
	var chat *Chat
	if req.ChatID != "" {
		existing, err := o.store.GetChat(ctx, req.ChatID, owner.ID)
		if err != nil {
			o.fail(ctx, emit, req.ChatID, NewTurnError(CodeChatNotFound, "chat not found", err))
			return
		}
		chat = existing
		req.Model = chat.Model
	}

	// Precheck. Anonymous identities are not billed and skip this entirely.
	pricing, terr := o.precheck(ctx, identity, req.Model, o.units.CountUnits(req.Content))
	if terr != nil {
		o.fail(ctx, emit, req.ChatID, terr)
		return
	}

	// Create the chat on first message. The title is a cheap local heuristic;
	// it must not block on the provider before balance is confirmed.
	chatCreated := false
	if chat == nil {
		chat = &Chat{
			ID:        uuid.New().String(),
			OwnerID:   owner.ID,
			Model:     req.Model,
			Title:     HeuristicTitle(req.Content),
			CreatedAt: o.clock.Now(),
			UpdatedAt: o.clock.Now(),
		}
		if err := o.store.CreateChat(ctx, chat); err != nil {
			o.fail(ctx, emit, "", NewTurnError(CodeInternalError, "failed to create chat", err))
			return
		}
		chatCreated = true
		emit.Emit(EventChatCreated, ChatCreatedEvent{
			ChatID: chat.ID,
			Title:  chat.Title,
			Model:  chat.Model,
		})
	}

	userMsg := &Message{
		ID:        uuid.New().String(),
		ChatID:    chat.ID,
		Role:      RoleUser,
		Content:   req.Content,
		CreatedAt: o.clock.Now(),
	}
	if err := o.store.CreateMessage(ctx, userMsg); err != nil {
		if chatCreated {
			if delErr := o.store.DeleteChat(ctx, chat.ID); delErr != nil {
				logger.Warn("failed to delete empty chat after message persist failure",
					observability.String("chat_id", chat.ID), observability.Error(delErr))
			}
		}
		o.fail(ctx, emit, chat.ID, NewTurnError(CodeInternalError, "failed to persist message", err))
		return
	}

	// The caller sees their own turn immediately, without waiting on the
	// model.
	emit.Emit(EventMessageCreated, MessageCreatedEvent{
		ID:        userMsg.ID,
		ChatID:    chat.ID,
		Role:      userMsg.Role,
		Content:   userMsg.Content,
		CreatedAt: userMsg.CreatedAt,
	})

	if identity.Anonymous() {
		o.recordAnonymousUsage(ctx, identity, emit)
	} else {
		// Debit for the input units, best effort. Once the user message is
		// persisted the turn is committed to answering; a failed debit here
		// is logged, never aborts.
		o.debit(ctx, identity, pricing.UserCost(o.units.CountUnits(req.Content)), "user_message", map[string]any{
			"chat_id":    chat.ID,
			"message_id": userMsg.ID,
			"model":      req.Model,
		})
	}

	// Stream the completion over the full ordered history.
	history, err := o.store.History(ctx, chat.ID)
	if err != nil {
		o.rollbackTurn(ctx, chat, userMsg)
		o.fail(ctx, emit, chat.ID, NewTurnError(CodeInternalError, "failed to load history", err))
		return
	}

	reply, terr := o.streamCompletion(ctx, chat, history, req.Temperature, "", emit)
	if terr != nil {
		o.rollbackTurn(ctx, chat, userMsg)
		o.fail(ctx, emit, chat.ID, terr)
		return
	}

	assistantMsg := &Message{
		ID:        uuid.New().String(),
		ChatID:    chat.ID,
		Role:      RoleAssistant,
		Content:   reply,
		CreatedAt: o.clock.Now(),
	}
	if err := o.store.CreateMessage(ctx, assistantMsg); err != nil {
		o.rollbackTurn(ctx, chat, userMsg)
		o.fail(ctx, emit, chat.ID, NewTurnError(CodeInternalError, "failed to persist assistant message", err))
		return
	}

	if identity.Anonymous() {
		o.recordAnonymousUsage(ctx, identity, emit)
	} else {
		// Debit for the actual output, best effort. The user already has
		// their answer; a failed debit is logged, not reversed.
		o.debit(ctx, identity, pricing.AssistantCost(o.units.CountUnits(reply)), "assistant_message", map[string]any{
			"chat_id":    chat.ID,
			"message_id": assistantMsg.ID,
			"model":      req.Model,
		})
	}

	emit.Emit(EventAssistantComplete, CompleteEvent{
		ChatID:    chat.ID,
		MessageID: assistantMsg.ID,
		Content:   assistantMsg.Content,
		Role:      assistantMsg.Role,
		CreatedAt: assistantMsg.CreatedAt,
	})
	o.publish(ctx, "turn_completed", map[string]interface{}{
		"chat_id":   chat.ID,
		"model":     req.Model,
		"anonymous": identity.Anonymous(),
	})
}

// Regenerate runs one regenerate turn. No user message is created, so no
// rollback is needed on failure; the replacement is appended next to the
// original, never overwriting it.
func (o *Orchestrator) Regenerate(ctx context.Context, identity Identity, req RegenerateRequest, emit Emitter) {
	emit = safeEmitter(emit)

	if req.ChatID == "" || req.AssistantMessageID == "" {
		o.fail(ctx, emit, req.ChatID, NewTurnError(CodeInvalidRequest, "chat_id and assistant_message_id are required", nil))
		return
	}

	owner, terr := o.lookupOwner(ctx, identity)
	if terr != nil {
		o.fail(ctx, emit, req.ChatID, terr)
		return
	}

	chat, err := o.store.GetChat(ctx, req.ChatID, owner.ID)
	if err != nil {
		o.fail(ctx, emit, req.ChatID, NewTurnError(CodeChatNotFound, "chat not found", err))
		return
	}

	target, err := o.store.GetMessage(ctx, req.AssistantMessageID, chat.ID)
	if err != nil {
		o.fail(ctx, emit, chat.ID, NewTurnError(CodeMessageNotFound, "message not found", err))
		return
	}
	if target.Role != RoleAssistant {
		o.fail(ctx, emit, chat.ID, NewTurnError(CodeMessageNotFound, "message is not an assistant message", nil))
		return
	}

	// Only the assistant-side hold is prechecked; there is no new input turn.
	pricing, terr := o.precheck(ctx, identity, chat.Model, 0)
	if terr != nil {
		o.fail(ctx, emit, chat.ID, terr)
		return
	}

	emit.Emit(EventAssistantRegenerating, RegeneratingEvent{
		ChatID:             chat.ID,
		ReplaceOfMessageID: target.ID,
	})

	// History truncated to just before the message being replaced.
	history, err := o.store.History(ctx, chat.ID)
	if err != nil {
		o.fail(ctx, emit, chat.ID, NewTurnError(CodeInternalError, "failed to load history", err))
		return
	}
	truncated := make([]*Message, 0, len(history))
	for _, msg := range history {
		if msg.Seq >= target.Seq {
			break
		}
		truncated = append(truncated, msg)
	}

	reply, terr := o.streamCompletion(ctx, chat, truncated, req.Temperature, target.ID, emit)
	if terr != nil {
		o.fail(ctx, emit, chat.ID, terr)
		return
	}

	replacement := &Message{
		ID:         uuid.New().String(),
		ChatID:     chat.ID,
		Role:       RoleAssistant,
		Content:    reply,
		ReplacesID: target.ID,
		CreatedAt:  o.clock.Now(),
	}
	if err := o.store.CreateMessage(ctx, replacement); err != nil {
		o.fail(ctx, emit, chat.ID, NewTurnError(CodeInternalError, "failed to persist assistant message", err))
		return
	}

	if identity.Anonymous() {
		o.recordAnonymousUsage(ctx, identity, emit)
	} else {
		o.debit(ctx, identity, pricing.AssistantCost(o.units.CountUnits(reply)), "assistant_regenerate", map[string]any{
			"chat_id":               chat.ID,
			"message_id":            replacement.ID,
			"replace_of_message_id": target.ID,
			"model":                 chat.Model,
		})
	}

	emit.Emit(EventAssistantRegenerated, CompleteEvent{
		ChatID:             chat.ID,
		MessageID:          replacement.ID,
		Content:            replacement.Content,
		Role:               replacement.Role,
		CreatedAt:          replacement.CreatedAt,
		ReplaceOfMessageID: target.ID,
	})
	o.publish(ctx, "turn_regenerated", map[string]interface{}{
		"chat_id":               chat.ID,
		"replace_of_message_id": target.ID,
	})
}

// UsageInfo reports quota consumption for the identity. Read-only.
func (o *Orchestrator) UsageInfo(ctx context.Context, identity Identity) (*UsageInfo, error) {
	if !identity.Anonymous() {
		return &UsageInfo{IsAnonymous: false}, nil
	}

	used, err := o.quota.CurrentUsage(ctx, identity.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}

	return o.usageInfo(used), nil
}

// ListChats returns the authenticated owner's chats, newest first.
func (o *Orchestrator) ListChats(ctx context.Context, identity Identity, page Page) (*Envelope, error) {
	owner, err := o.requireAuthenticated(ctx, identity)
	if err != nil {
		return nil, err
	}

	page = page.Normalize()
	chats, total, err := o.store.ListChats(ctx, owner.ID, page)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	return o.envelope("chats retrieved", chats, total, page), nil
}

// ListMessages returns a chat's messages in sequence order, scoped to the
// authenticated owner.
func (o *Orchestrator) ListMessages(ctx context.Context, identity Identity, chatID string, page Page) (*Envelope, error) {
	owner, err := o.requireAuthenticated(ctx, identity)
	if err != nil {
		return nil, err
	}

	if _, err := o.store.GetChat(ctx, chatID, owner.ID); err != nil {
		return nil, NewTurnError(CodeChatNotFound, "chat not found", err)
	}

	page = page.Normalize()
	messages, total, err := o.store.ListMessages(ctx, chatID, page)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	return o.envelope("messages retrieved", messages, total, page), nil
}

// resolveOwner resolves the durable owner for a write path, enforcing the
// anonymous ceiling before any persistence.
func (o *Orchestrator) resolveOwner(ctx context.Context, identity Identity) (*Owner, *TurnError) {
	if identity.Anonymous() {
		used, err := o.quota.CurrentUsage(ctx, identity.Fingerprint)
		if err != nil {
			// Quota storage being down must not take the write path down with
			// it; the ceiling is an abuse guard, not a billing-grade limit.
			observability.FromContext(ctx).Warn("quota read failed, allowing turn",
				observability.Error(err))
			used = 0
		}
		if used >= o.policy.AnonymousInteractionLimit {
			return nil, NewTurnError(CodeQuotaExceeded, "anonymous interaction limit reached", nil)
		}
	}
	return o.lookupOwner(ctx, identity)
}

// lookupOwner finds or lazily materializes the owner record, without any
// quota check.
func (o *Orchestrator) lookupOwner(ctx context.Context, identity Identity) (*Owner, *TurnError) {
	if identity.Anonymous() {
		owner, err := o.store.FindOrCreateAnonymousOwner(ctx, identity.Fingerprint)
		if err != nil {
			return nil, NewTurnError(CodeInternalError, "failed to resolve owner", err)
		}
		return owner, nil
	}

	// A valid token whose subject has no owner row yet gets one on first
	// write; the write paths favor availability.
	owner, err := o.store.FindOrCreateOwnerBySubject(ctx, identity.Subject, identity.WalletKey)
	if err != nil {
		return nil, NewTurnError(CodeInternalError, "failed to resolve owner", err)
	}
	return owner, nil
}

// requireAuthenticated gates the read paths: they fail closed, never degrade
// to anonymous.
func (o *Orchestrator) requireAuthenticated(ctx context.Context, identity Identity) (*Owner, error) {
	if identity.Anonymous() {
		return nil, ErrUnauthorized
	}
	owner, err := o.store.FindOwnerBySubject(ctx, identity.Subject)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return owner, nil
}

// precheck verifies the wallet can cover the input units plus the assistant
// hold, before anything is persisted. Anonymous identities skip it: they are
// quota-limited, not billed. Models without pricing are free.
func (o *Orchestrator) precheck(ctx context.Context, identity Identity, model string, inputUnits int) (ModelPricing, *TurnError) {
	if identity.Anonymous() {
		return ModelPricing{}, nil
	}

	pricing, err := o.pricing.GetPricing(ctx, model)
	if err != nil {
		return ModelPricing{}, nil
	}

	required := pricing.AssistantCost(o.policy.AssistantHoldUnits)
	if inputUnits > 0 {
		required += pricing.UserCost(inputUnits)
	}

	balance, err := o.ledger.GetBalance(ctx, identity.WalletKey)
	if err != nil {
		return ModelPricing{}, NewTurnError(CodeWalletCheckFailed, "failed to check wallet balance", err)
	}
	if balance.Amount < required {
		return ModelPricing{}, NewTurnError(CodeInsufficientBalance, "insufficient balance", nil)
	}

	return pricing, nil
}

// streamCompletion opens the provider stream and forwards each delta to the
// emitter as it arrives. Returns the assembled reply, or a terminal error on
// any provider failure, including mid-stream.
func (o *Orchestrator) streamCompletion(
	ctx context.Context,
	chat *Chat,
	history []*Message,
	temperature float64,
	replaceOfID string,
	emit Emitter,
) (string, *TurnError) {
	provider, err := o.registry.GetByModel(ctx, chat.Model)
	if err != nil {
		return "", &TurnError{Code: CodeProviderError, Message: "no provider for model", Err: err}
	}

	ctx = observability.WithProvider(observability.WithModel(ctx, chat.Model), provider.Name())
	logger := observability.FromContext(ctx)

	chunks, err := provider.Stream(ctx, &CompletionRequest{
		Model:       chat.Model,
		Messages:    toChatMessages(history),
		Temperature: temperature,
		Stream:      true,
	})
	if err != nil {
		return "", &TurnError{Code: CodeProviderError, Message: "failed to open stream", Provider: provider.Name(), Err: err}
	}

	if replaceOfID == "" {
		emit.Emit(EventAssistantTyping, TypingEvent{ChatID: chat.ID})
	}

	var full strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			logger.Error("provider stream failed mid-flight",
				observability.String("provider", provider.Name()),
				observability.Error(chunk.Error))
			return "", &TurnError{Code: CodeProviderError, Message: "completion stream failed", Provider: provider.Name(), Err: chunk.Error}
		}
		if chunk.Delta != "" {
			full.WriteString(chunk.Delta)
			emit.Emit(EventAssistantDelta, DeltaEvent{
				ChatID:             chat.ID,
				Delta:              chunk.Delta,
				ReplaceOfMessageID: replaceOfID,
			})
		}
		if chunk.Done {
			break
		}
	}

	// A cancelled connection mid-stream is equivalent to a provider error:
	// partial output is not persisted.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", &TurnError{Code: CodeProviderError, Message: "stream cancelled", Provider: provider.Name(), Err: ctxErr}
	}

	return full.String(), nil
}

// rollbackTurn undoes the persistence of the current turn after a provider
// failure: the user message goes away, and a chat left with no live messages
// is soft-deleted. This is the only path that reverses persistence. It runs
// on a detached context: a connection-close cancellation is one of the
// failures that lead here, and the rollback must still reach the store.
func (o *Orchestrator) rollbackTurn(ctx context.Context, chat *Chat, userMsg *Message) {
	ctx = context.WithoutCancel(ctx)
	logger := observability.FromContext(ctx)

	remaining, err := o.store.DeleteMessage(ctx, userMsg.ID, chat.ID)
	if err != nil {
		logger.Error("rollback failed to delete user message",
			observability.String("message_id", userMsg.ID),
			observability.Error(err))
		return
	}

	if remaining == 0 {
		if err := o.store.DeleteChat(ctx, chat.ID); err != nil {
			logger.Error("rollback failed to delete empty chat",
				observability.String("chat_id", chat.ID),
				observability.Error(err))
		}
	}
}

// debit issues a best-effort wallet debit. Failures are logged and swallowed:
// availability over billing precision for post-commit charges.
func (o *Orchestrator) debit(ctx context.Context, identity Identity, amount float64, reason string, metadata map[string]any) {
	if amount <= 0 {
		return
	}

	logger := observability.FromContext(ctx)
	result, err := o.ledger.Debit(ctx, identity.WalletKey, amount, reason, metadata)
	if err != nil {
		logger.Warn("debit failed",
			observability.String("reason", reason),
			observability.Float64("amount", amount),
			observability.Error(err))
		return
	}
	if !result.Success {
		logger.Warn("debit rejected by ledger",
			observability.String("reason", reason),
			observability.Float64("amount", amount))
		return
	}

	logger.Debug("debit applied",
		observability.String("reason", reason),
		observability.Float64("amount", amount),
		observability.Float64("balance", result.Balance))
}

// recordAnonymousUsage increments the quota counter for one persisted message
// and pushes the updated totals to the connection.
func (o *Orchestrator) recordAnonymousUsage(ctx context.Context, identity Identity, emit Emitter) {
	total, err := o.quota.RecordInteraction(ctx, identity.Fingerprint)
	if err != nil {
		observability.FromContext(ctx).Warn("failed to record anonymous usage",
			observability.Error(err))
		return
	}
	emit.Emit(EventUsageInfo, o.usageInfo(total))
}

func (o *Orchestrator) usageInfo(used int) *UsageInfo {
	remaining := o.policy.AnonymousInteractionLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return &UsageInfo{
		Used:        used,
		Limit:       o.policy.AnonymousInteractionLimit,
		Remaining:   remaining,
		IsAnonymous: true,
	}
}

// fail emits the terminal error event for a turn and publishes it for
// observability.
func (o *Orchestrator) fail(ctx context.Context, emit Emitter, chatID string, terr *TurnError) {
	ctx = context.WithoutCancel(ctx)
	logger := observability.FromContext(ctx)
	logger.Info("turn failed",
		observability.String("code", terr.Code),
		observability.String("chat_id", chatID),
		observability.Error(terr))

	emit.Emit(EventAssistantError, ErrorEvent{
		ChatID:   chatID,
		Error:    terr.Message,
		Code:     terr.Code,
		Provider: terr.Provider,
		Status:   terr.Status,
	})
	o.publish(ctx, "turn_failed", map[string]interface{}{
		"chat_id": chatID,
		"code":    terr.Code,
	})
}

func (o *Orchestrator) publish(ctx context.Context, event string, data map[string]interface{}) {
	if o.events == nil {
		return
	}
	o.events.Publish(ctx, event, data)
}

func (o *Orchestrator) envelope(message string, data any, total int, page Page) *Envelope {
	meta := NewPageMeta(total, page)
	return &Envelope{
		Success:    true,
		Message:    message,
		Data:       data,
		Meta:       &meta,
		Timestamp:  o.clock.Now(),
		StatusCode: 200,
	}
}

func toChatMessages(history []*Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, msg := range history {
		out = append(out, ChatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}

const titleWordLimit = 8

// HeuristicTitle derives a chat title from the first words of a prompt.
// Deliberately local and cheap so chat creation never waits on the provider.
func HeuristicTitle(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) == 0 {
		return "New Chat"
	}
	if len(words) > titleWordLimit {
		words = words[:titleWordLimit]
	}

	title := strings.Join(words, " ")
	runes := []rune(title)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

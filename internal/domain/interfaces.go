package domain

import (
	"context"
	"time"
)

// Provider represents any LLM provider.
type Provider interface {
	// Complete sends a completion request and returns the full response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Stream sends a completion request and returns a stream of chunks.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error)

	// Name returns the provider identifier.
	Name() string

	// IsModelSupported checks if the provider supports the given model.
	IsModelSupported(ctx context.Context, model string) bool

	// SupportedModels lists the models this provider is known to serve.
	SupportedModels(ctx context.Context) []string
}

// ProviderRegistry manages available providers.
type ProviderRegistry interface {
	// Register adds a provider to the registry.
	Register(ctx context.Context, provider Provider) error

	// Get retrieves a provider by name.
	Get(ctx context.Context, providerName string) (Provider, error)

	// GetByModel retrieves a provider that supports the given model.
	GetByModel(ctx context.Context, model string) (Provider, error)

	// List returns all available providers.
	List(ctx context.Context) ([]string, error)
}

// ConversationStore is the ordered persistence layer for owners, chats and
// messages. Implementations soft-delete; a deleted row stays on disk but is
// never returned by lookups.
type ConversationStore interface {
	// FindOwnerBySubject resolves an authenticated owner by auth subject.
	FindOwnerBySubject(ctx context.Context, subject string) (*Owner, error)

	// FindOrCreateOwnerBySubject materializes the owner record for an
	// authenticated subject, creating it on first write.
	FindOrCreateOwnerBySubject(ctx context.Context, subject, walletKey string) (*Owner, error)

	// FindOrCreateAnonymousOwner materializes the shadow owner for a
	// fingerprint, creating it on first use.
	FindOrCreateAnonymousOwner(ctx context.Context, fingerprint string) (*Owner, error)

	// CreateChat persists a new chat.
	CreateChat(ctx context.Context, chat *Chat) error

	// GetChat returns a live chat scoped to its owner.
	GetChat(ctx context.Context, chatID, ownerID string) (*Chat, error)

	// ListChats returns the owner's live chats, newest first.
	ListChats(ctx context.Context, ownerID string, page Page) ([]*Chat, int, error)

	// CreateMessage persists a message, assigning the next per-chat sequence
	// number. The assigned Seq is written back to msg.
	CreateMessage(ctx context.Context, msg *Message) error

	// GetMessage returns a live message scoped to its chat.
	GetMessage(ctx context.Context, messageID, chatID string) (*Message, error)

	// ListMessages returns the chat's live messages in sequence order.
	ListMessages(ctx context.Context, chatID string, page Page) ([]*Message, int, error)

	// History returns every live message of the chat in sequence order.
	History(ctx context.Context, chatID string) ([]*Message, error)

	// DeleteMessage soft-deletes a message and reports how many live messages
	// remain in the chat.
	DeleteMessage(ctx context.Context, messageID, chatID string) (remaining int, err error)

	// DeleteChat soft-deletes a chat.
	DeleteChat(ctx context.Context, chatID string) error

	// TransferOwnership reassigns a chat from one owner to another. The old
	// owner is soft-deleted when it is anonymous and holds no other live chat.
	TransferOwnership(ctx context.Context, chatID, fromOwnerID, toOwnerID string) error
}

// LedgerClient is the remote wallet capability. Calls are bounded by the
// context deadline; a timeout is indistinguishable from a hard failure.
type LedgerClient interface {
	// GetBalance reads the current balance for a wallet key.
	GetBalance(ctx context.Context, walletKey string) (*Balance, error)

	// Debit charges the wallet. The reason and metadata travel with the
	// request for the ledger's own audit trail.
	Debit(ctx context.Context, walletKey string, amount float64, reason string, metadata map[string]any) (*DebitResult, error)
}

// Balance is the normalized balance record returned by the ledger adapter,
// whatever shape the upstream reply had.
type Balance struct {
	WalletKey string
	Amount    float64
}

// DebitResult is the normalized outcome of a debit request.
type DebitResult struct {
	Success bool
	Balance float64
}

// QuotaTracker counts interactions for anonymous fingerprints against a fixed
// ceiling. Absence of a counter is equivalent to zero.
type QuotaTracker interface {
	// CurrentUsage returns the interaction count for a fingerprint.
	CurrentUsage(ctx context.Context, fingerprint string) (int, error)

	// RecordInteraction increments the counter, refreshing its expiry, and
	// returns the new total.
	RecordInteraction(ctx context.Context, fingerprint string) (int, error)
}

// UnitCounter converts text to an approximate token count.
type UnitCounter interface {
	// CountUnits returns the unit count for a text. Implementations fall back
	// to a deterministic estimate when exact counting fails.
	CountUnits(text string) int
}

// Emitter delivers events to the connection that issued the current request.
// Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(event string, payload any)
}

// EventPublisher publishes events for observability.
type EventPublisher interface {
	// Publish publishes an event with the given type and data.
	Publish(ctx context.Context, eventType string, data map[string]interface{})
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

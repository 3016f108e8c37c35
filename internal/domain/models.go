package domain

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DefaultModel is used when a request does not name a model.
const DefaultModel = "gpt-4o-mini"

// IdentityKind discriminates authenticated principals from anonymous visitors.
type IdentityKind string

const (
	IdentityAuthenticated IdentityKind = "authenticated"
	IdentityAnonymous     IdentityKind = "anonymous"
)

// Identity is the resolved principal behind a connection. It is immutable for
// the lifetime of the connection: either an authenticated user with a wallet
// account, or an anonymous visitor identified by a fingerprint.
type Identity struct {
	Kind IdentityKind

	// Subject is the external auth subject (authenticated only).
	Subject string

	// WalletKey identifies the ledger account to charge (authenticated only).
	WalletKey string

	// Fingerprint is a stable identifier for anonymous visitors.
	Fingerprint string
}

// Anonymous reports whether the identity is an unauthenticated visitor.
func (i Identity) Anonymous() bool {
	return i.Kind == IdentityAnonymous
}

// Owner is the durable record chats are keyed by. Anonymous fingerprints are
// lazily materialized into a shadow owner the first time they create a chat,
// so a later upgrade to a real account can reassign ownership without losing
// history.
type Owner struct {
	ID          string
	Subject     string
	WalletKey   string
	Fingerprint string
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

// Chat is a conversation. The model is fixed at creation and reused for every
// subsequent turn. Chats are soft-deleted, never physically removed.
type Chat struct {
	ID        string
	OwnerID   string
	Model     string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Message is a single turn in a chat. Seq is a strictly increasing per-chat
// sequence (gaps allowed) and is the canonical replay order, independent of
// CreatedAt. ReplacesID links a regenerated assistant message to the message
// it supersedes; the original is never mutated.
type Message struct {
	ID         string
	ChatID     string
	Role       Role
	Content    string
	Seq        int
	ReplacesID string
	CreatedAt  time.Time
	DeletedAt  *time.Time
}

// UsageInfo reports anonymous quota consumption.
type UsageInfo struct {
	Used        int  `json:"used"`
	Limit       int  `json:"limit"`
	Remaining   int  `json:"remaining"`
	IsAnonymous bool `json:"is_anonymous"`
}

// Page describes a pagination request. Zero values select the defaults.
type Page struct {
	Number int
	Limit  int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Limit < 1 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	return p
}

// PageMeta is the pagination metadata attached to list envelopes.
type PageMeta struct {
	Total           int  `json:"total"`
	Page            int  `json:"page"`
	Limit           int  `json:"limit"`
	TotalPages      int  `json:"totalPages"`
	HasNextPage     bool `json:"hasNextPage"`
	HasPreviousPage bool `json:"hasPreviousPage"`
}

// NewPageMeta computes pagination metadata for a total item count.
func NewPageMeta(total int, page Page) PageMeta {
	page = page.Normalize()

	totalPages := total / page.Limit
	if total%page.Limit != 0 {
		totalPages++
	}

	return PageMeta{
		Total:           total,
		Page:            page.Number,
		Limit:           page.Limit,
		TotalPages:      totalPages,
		HasNextPage:     page.Number < totalPages,
		HasPreviousPage: page.Number > 1 && total > 0,
	}
}

// Envelope is the response shape for read operations.
type Envelope struct {
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	Data       any       `json:"data"`
	Meta       *PageMeta `json:"meta,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	StatusCode int       `json:"statusCode"`
}

// CompletionRequest represents a unified LLM request.
type CompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []ChatMessage     `json:"messages"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChatMessage is a role/content pair sent to a completion provider.
type ChatMessage struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// CompletionResponse represents a unified LLM response.
type CompletionResponse struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	Provider   string    `json:"provider"`
	Content    string    `json:"content"`
	Usage      Usage     `json:"usage"`
	FinishTime time.Time `json:"finish_time"`
}

// StreamChunk represents a single streaming response chunk.
type StreamChunk struct {
	Delta string `json:"delta"`
	Done  bool   `json:"done"`
	Error error  `json:"error,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

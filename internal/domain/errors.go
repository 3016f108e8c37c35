package domain

import (
	"errors"
	"fmt"
)

// Terminal error codes surfaced to the client. Every failed turn carries
// exactly one of these.
const (
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeChatNotFound        = "CHAT_NOT_FOUND"
	CodeMessageNotFound     = "MESSAGE_NOT_FOUND"
	CodeWalletCheckFailed   = "WALLET_CHECK_FAILED"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeProviderError       = "PROVIDER_ERROR"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeInvalidRequest      = "INVALID_REQUEST"
)

// ErrNotFound is returned by store lookups that match no live row.
var ErrNotFound = errors.New("not found")

// ErrUnauthorized is returned when a read operation is attempted without a
// valid authenticated identity.
var ErrUnauthorized = errors.New("unauthorized")

// TurnError is a terminal failure of one turn. Code is one of the Code
// constants; Provider and Status are populated for provider failures.
type TurnError struct {
	Code     string
	Message  string
	Provider string
	Status   int
	Err      error
}

// Error implements the error interface.
func (e *TurnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *TurnError) Unwrap() error { return e.Err }

// NewTurnError builds a terminal error with a code and a user-facing message.
func NewTurnError(code, message string, cause error) *TurnError {
	return &TurnError{Code: code, Message: message, Err: cause}
}

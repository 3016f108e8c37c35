package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/davidbz/markl/internal/domain"
)

func failureEnvelope(statusCode int, message string) *domain.Envelope {
	return &domain.Envelope{
		Success:    false,
		Message:    message,
		Timestamp:  time.Now(),
		StatusCode: statusCode,
	}
}

// readFailure maps a read-path error to its envelope.
func readFailure(err error) *domain.Envelope {
	if errors.Is(err, domain.ErrUnauthorized) {
		return failureEnvelope(http.StatusUnauthorized, "authentication required")
	}

	var turnErr *domain.TurnError
	if errors.As(err, &turnErr) {
		switch turnErr.Code {
		case domain.CodeChatNotFound, domain.CodeMessageNotFound:
			return failureEnvelope(http.StatusNotFound, turnErr.Message)
		}
	}

	return failureEnvelope(http.StatusInternalServerError, "internal error")
}

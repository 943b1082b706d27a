package domain

import (
	"context"
	"errors"
)

var (
	ErrMissingContact   = errors.New("missing_contact")
	ErrInvalidReturnURL = errors.New("invalid_return_url")
)

// CreateSessionRequest asks for a hosted checkout selling one credit package.
type CreateSessionRequest struct {
	AccountID string
	Email     string
	Credits   int64
	// Origin is the caller's app origin, used for return URLs when no public
	// URL is configured.
	Origin string
}

type CreateSessionResponse struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

type Service interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error)
}

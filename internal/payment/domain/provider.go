package domain

import (
	"context"
	"net/http"
)

// Provider is the outbound payment-provider API used by checkout and
// reconciliation. Implementations classify transport failures, timeouts and
// 5xx answers as ErrProviderUnavailable.
type Provider interface {
	Name() string
	FindOrCreateCustomer(ctx context.Context, email, accountID string) (*Customer, error)
	CreateCheckoutSession(ctx context.Context, params CreateSessionParams) (*CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
}

// WebhookAdapter authenticates and decodes inbound provider events.
type WebhookAdapter interface {
	Name() string
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*WebhookEvent, error)
}

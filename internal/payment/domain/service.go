package domain

import (
	"context"
	"net/http"

	ledgerdomain "github.com/smallbiznis/canvasbanana/internal/ledger/domain"
)

type Service interface {
	// VerifyPayment reconciles a paid checkout session into accountID's balance.
	VerifyPayment(ctx context.Context, accountID, sessionID string) (*ledgerdomain.PurchaseResult, error)
	// ReconcileSession credits an already retrieved session. source labels metrics.
	ReconcileSession(ctx context.Context, accountID string, session *CheckoutSession, source string) (*ledgerdomain.PurchaseResult, error)
}

type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}

package domain

import (
	"context"

	"github.com/smallbiznis/canvasbanana/pkg/db/pagination"
)

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

type Service interface {
	// GetBalance returns the account record, creating it with the signup
	// grant on first use.
	GetBalance(ctx context.Context, accountID string) (*Account, error)
	// Consume spends one credit to unlock artifactID for accountID.
	Consume(ctx context.Context, accountID, artifactID string) (*ConsumeResult, error)
	// ApplyPurchase credits a paid session exactly once.
	ApplyPurchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error)
	RegisterArtifact(ctx context.Context, accountID, artifactID string) (*Artifact, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
}

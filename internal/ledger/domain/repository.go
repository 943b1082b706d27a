package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/canvasbanana/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	InsertAccount(ctx context.Context, db *gorm.DB, account *Account) (bool, error)
	FindAccount(ctx context.Context, db *gorm.DB, accountID string, forUpdate bool) (*Account, error)
	DecrementBalance(ctx context.Context, db *gorm.DB, accountID string, at time.Time) (bool, error)
	IncrementBalance(ctx context.Context, db *gorm.DB, accountID string, credits int64, at time.Time) error

	InsertArtifact(ctx context.Context, db *gorm.DB, artifact *Artifact) (bool, error)
	FindArtifact(ctx context.Context, db *gorm.DB, artifactID string, forUpdate bool) (*Artifact, error)
	MarkDownloaded(ctx context.Context, db *gorm.DB, artifactID, accountID string, at time.Time) error

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) error
	ListTransactions(ctx context.Context, db *gorm.DB, accountID string, page pagination.Pagination) ([]*Transaction, error)

	InsertReconciliation(ctx context.Context, db *gorm.DB, rec *Reconciliation) (bool, error)
	FindReconciliation(ctx context.Context, db *gorm.DB, sessionID string) (*Reconciliation, error)
	SetReconciliationBalance(ctx context.Context, db *gorm.DB, sessionID string, balanceAfter int64) error
}

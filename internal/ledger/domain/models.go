package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionType classifies a ledger mutation.
type TransactionType string

const (
	TransactionTypePurchase TransactionType = "purchase"
	TransactionTypeDownload TransactionType = "download"
	TransactionTypeGrant    TransactionType = "grant"
)

// Account is the per-identity credit record. Balance is the source of truth.
type Account struct {
	AccountID       string    `json:"account_id" gorm:"primaryKey;type:varchar(191)"`
	Balance         int64     `json:"balance" gorm:"not null;default:0;check:chk_credit_accounts_balance,balance >= 0"`
	TotalPurchased  int64     `json:"total_purchased" gorm:"not null;default:0"`
	TotalDownloaded int64     `json:"total_downloaded" gorm:"not null;default:0"`
	CreatedAt       time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "credit_accounts" }

// Transaction is an append-only audit row, one per ledger mutation.
type Transaction struct {
	ID                 snowflake.ID    `json:"id" gorm:"primaryKey"`
	AccountID          string          `json:"account_id" gorm:"type:varchar(191);not null;index:idx_credit_transactions_account,priority:1"`
	Type               TransactionType `json:"type" gorm:"type:varchar(32);not null"`
	CreditsDelta       int64           `json:"credits_delta" gorm:"not null"`
	BalanceAfter       int64           `json:"balance_after" gorm:"not null"`
	ArtifactID         *string         `json:"artifact_id,omitempty" gorm:"type:varchar(191)"`
	ExternalPaymentRef *string         `json:"external_payment_ref,omitempty" gorm:"type:varchar(255);index"`
	Metadata           datatypes.JSON  `json:"metadata,omitempty"`
	CreatedAt          time.Time       `json:"created_at" gorm:"not null;index:idx_credit_transactions_account,priority:2"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "credit_transactions" }

// Artifact carries the download marker of a downloadable output.
type Artifact struct {
	ID                    string     `json:"id" gorm:"primaryKey;type:varchar(191)"`
	OwnerAccountID        *string    `json:"owner_account_id,omitempty" gorm:"type:varchar(191);index"`
	DownloadedAt          *time.Time `json:"downloaded_at,omitempty"`
	DownloadedByAccountID *string    `json:"downloaded_by_account_id,omitempty" gorm:"type:varchar(191)"`
	CreatedAt             time.Time  `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Artifact) TableName() string { return "artifacts" }

// DownloadedBy reports whether accountID is the recorded downloader.
func (a *Artifact) DownloadedBy(accountID string) bool {
	return a != nil && a.DownloadedByAccountID != nil && *a.DownloadedByAccountID == accountID
}

// Reconciliation records that a checkout session has been credited.
type Reconciliation struct {
	SessionID       string    `json:"session_id" gorm:"primaryKey;type:varchar(255)"`
	AccountID       string    `json:"account_id" gorm:"type:varchar(191);not null;index"`
	CreditsAdded    int64     `json:"credits_added" gorm:"not null"`
	BalanceAfter    int64     `json:"balance_after" gorm:"not null"`
	PaymentIntentID string    `json:"payment_intent_id" gorm:"type:varchar(255)"`
	AmountTotal     int64     `json:"amount_total" gorm:"not null;default:0"`
	Currency        string    `json:"currency" gorm:"type:varchar(16)"`
	CreatedAt       time.Time `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Reconciliation) TableName() string { return "payment_reconciliations" }

// ConsumeResult is returned by a successful consumption.
type ConsumeResult struct {
	Success           bool  `json:"success"`
	AlreadyDownloaded bool  `json:"already_downloaded"`
	NewBalance        int64 `json:"new_balance"`
}

// PurchaseRequest credits an account for a paid checkout session.
type PurchaseRequest struct {
	AccountID       string
	SessionID       string
	Credits         int64
	PaymentIntentID string
	AmountTotal     int64
	Currency        string
}

// PurchaseResult is the outcome of a reconciliation.
type PurchaseResult struct {
	CreditsAdded      int64 `json:"credits_added"`
	NewBalance        int64 `json:"new_balance"`
	AlreadyReconciled bool  `json:"already_reconciled"`
}

type ListTransactionsRequest struct {
	AccountID string
	PageToken string
	PageSize  int32
}

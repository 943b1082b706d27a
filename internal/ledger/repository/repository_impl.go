package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/canvasbanana/internal/ledger/domain"
	"github.com/smallbiznis/canvasbanana/pkg/db/option"
	"github.com/smallbiznis/canvasbanana/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, account *domain.Account) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(account)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, accountID string, forUpdate bool) (*domain.Account, error) {
	stmt := db.WithContext(ctx)
	if forUpdate {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account domain.Account
	err := stmt.Where("account_id = ?", accountID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repo) DecrementBalance(ctx context.Context, db *gorm.DB, accountID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET balance = balance - 1,
			total_downloaded = total_downloaded + 1,
			updated_at = ?
		 WHERE account_id = ? AND balance >= 1`,
		at,
		accountID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) IncrementBalance(ctx context.Context, db *gorm.DB, accountID string, credits int64, at time.Time) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET balance = balance + ?,
			total_purchased = total_purchased + ?,
			updated_at = ?
		 WHERE account_id = ?`,
		credits,
		credits,
		at,
		accountID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *repo) InsertArtifact(ctx context.Context, db *gorm.DB, artifact *domain.Artifact) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(artifact)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindArtifact(ctx context.Context, db *gorm.DB, artifactID string, forUpdate bool) (*domain.Artifact, error) {
	stmt := db.WithContext(ctx)
	if forUpdate {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var artifact domain.Artifact
	err := stmt.Where("id = ?", artifactID).Take(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (r *repo) MarkDownloaded(ctx context.Context, db *gorm.DB, artifactID, accountID string, at time.Time) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE artifacts
		 SET downloaded_at = ?, downloaded_by_account_id = ?
		 WHERE id = ?`,
		at,
		accountID,
		artifactID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.Transaction) error {
	return db.WithContext(ctx).Create(txn).Error
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, accountID string, page pagination.Pagination) ([]*domain.Transaction, error) {
	var items []*domain.Transaction
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("account_id = ?", accountID)
	stmt = option.ApplyPagination(page).Apply(stmt)
	err := stmt.
		Order("id desc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertReconciliation(ctx context.Context, db *gorm.DB, rec *domain.Reconciliation) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindReconciliation(ctx context.Context, db *gorm.DB, sessionID string) (*domain.Reconciliation, error) {
	var rec domain.Reconciliation
	err := db.WithContext(ctx).Raw(
		`SELECT session_id, account_id, credits_added, balance_after,
			payment_intent_id, amount_total, currency, created_at
		 FROM payment_reconciliations
		 WHERE session_id = ?
		 LIMIT 1`,
		sessionID,
	).Scan(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.SessionID == "" {
		return nil, nil
	}
	return &rec, nil
}

func (r *repo) SetReconciliationBalance(ctx context.Context, db *gorm.DB, sessionID string, balanceAfter int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_reconciliations
		 SET balance_after = ?
		 WHERE session_id = ?`,
		balanceAfter,
		sessionID,
	).Error
}

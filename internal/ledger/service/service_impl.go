package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/canvasbanana/internal/clock"
	"github.com/smallbiznis/canvasbanana/internal/config"
	ledgerdomain "github.com/smallbiznis/canvasbanana/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/canvasbanana/internal/observability/metrics"
	"github.com/smallbiznis/canvasbanana/pkg/db/option"
	"github.com/smallbiznis/canvasbanana/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    ledgerdomain.Repository
	Clock   clock.Clock
	Cfg     config.Config
	Metrics *obsmetrics.LedgerMetrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        ledgerdomain.Repository
	clock       clock.Clock
	signupGrant int64
	metrics     *obsmetrics.LedgerMetrics
}

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	grant := p.Cfg.Credits.SignupGrant
	if grant < 0 {
		grant = 0
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("ledger.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		clock:       clk,
		signupGrant: grant,
		metrics:     p.Metrics,
	}
}

func (s *Service) GetBalance(ctx context.Context, accountID string) (*ledgerdomain.Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ledgerdomain.ErrUnauthenticated
	}

	now := s.clock.Now()
	created, err := s.ensureAccount(ctx, s.db, accountID, now)
	if err != nil {
		return nil, err
	}
	account, err := s.repo.FindAccount(ctx, s.db, accountID, false)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ledgerdomain.ErrInvalidAccount
	}

	if created {
		s.recordGrant(context.WithoutCancel(ctx), accountID, now)
	}
	return account, nil
}

// Consume runs the marker check, balance check, decrement and marker update in
// one transaction. The account row is locked where the dialect supports it and
// the decrement is conditional on balance >= 1 in every dialect.
func (s *Service) Consume(ctx context.Context, accountID, artifactID string) (*ledgerdomain.ConsumeResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ledgerdomain.ErrUnauthenticated
	}
	artifactID = strings.TrimSpace(artifactID)
	if artifactID == "" {
		return nil, ledgerdomain.ErrInvalidArtifact
	}

	// Once the mutation starts a client disconnect must not abort it.
	ctx = context.WithoutCancel(ctx)
	started := time.Now()
	now := s.clock.Now()

	var (
		result  ledgerdomain.ConsumeResult
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		artifact, err := s.repo.FindArtifact(ctx, tx, artifactID, true)
		if err != nil {
			return err
		}
		if artifact == nil {
			return ledgerdomain.ErrArtifactNotFound
		}

		if artifact.DownloadedBy(accountID) {
			account, err := s.repo.FindAccount(ctx, tx, accountID, false)
			if err != nil {
				return err
			}
			result = ledgerdomain.ConsumeResult{Success: true, AlreadyDownloaded: true}
			if account != nil {
				result.NewBalance = account.Balance
			}
			return nil
		}

		created, err = s.ensureAccount(ctx, tx, accountID, now)
		if err != nil {
			return err
		}
		account, err := s.repo.FindAccount(ctx, tx, accountID, true)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrInvalidAccount
		}
		if account.Balance < 1 {
			return ledgerdomain.ErrInsufficientCredits
		}

		ok, err := s.repo.DecrementBalance(ctx, tx, accountID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ledgerdomain.ErrInsufficientCredits
		}

		if err := s.repo.MarkDownloaded(ctx, tx, artifactID, accountID, now); err != nil {
			return err
		}

		result = ledgerdomain.ConsumeResult{Success: true, NewBalance: account.Balance - 1}
		return nil
	})
	s.observeConsume(started, err, result)
	if err != nil {
		if !isDomainError(err) {
			s.log.Error("consume failed",
				zap.String("account_id", accountID),
				zap.String("artifact_id", artifactID),
				zap.Error(err),
			)
		}
		return nil, err
	}

	if created {
		s.recordGrant(ctx, accountID, now)
	}
	if !result.AlreadyDownloaded {
		artifactRef := artifactID
		s.appendTransaction(ctx, &ledgerdomain.Transaction{
			AccountID:    accountID,
			Type:         ledgerdomain.TransactionTypeDownload,
			CreditsDelta: -1,
			BalanceAfter: result.NewBalance,
			ArtifactID:   &artifactRef,
			CreatedAt:    now,
		}, nil)
	}

	return &result, nil
}

// ApplyPurchase credits req.Credits once per session id. The reconciliation
// row is claimed before the increment inside the same transaction, so a
// replayed or concurrent call for the same session reports the stored credit
// amount with the account's current balance.
func (s *Service) ApplyPurchase(ctx context.Context, req ledgerdomain.PurchaseRequest) (*ledgerdomain.PurchaseResult, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		return nil, ledgerdomain.ErrUnauthenticated
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return nil, ledgerdomain.ErrInvalidSession
	}
	if req.Credits <= 0 {
		return nil, ledgerdomain.ErrInvalidCredits
	}
	req.Currency = strings.ToLower(strings.TrimSpace(req.Currency))

	ctx = context.WithoutCancel(ctx)
	started := time.Now()
	now := s.clock.Now()

	var (
		result  ledgerdomain.PurchaseResult
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertReconciliation(ctx, tx, &ledgerdomain.Reconciliation{
			SessionID:       req.SessionID,
			AccountID:       req.AccountID,
			CreditsAdded:    req.Credits,
			PaymentIntentID: req.PaymentIntentID,
			AmountTotal:     req.AmountTotal,
			Currency:        req.Currency,
			CreatedAt:       now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.repo.FindReconciliation(ctx, tx, req.SessionID)
			if err != nil {
				return err
			}
			if existing == nil {
				return ledgerdomain.ErrInvalidSession
			}
			if existing.AccountID != req.AccountID {
				return ledgerdomain.ErrReconciliationAccount
			}
			account, err := s.repo.FindAccount(ctx, tx, req.AccountID, false)
			if err != nil {
				return err
			}
			balance := existing.BalanceAfter
			if account != nil {
				balance = account.Balance
			}
			result = ledgerdomain.PurchaseResult{
				CreditsAdded:      existing.CreditsAdded,
				NewBalance:        balance,
				AlreadyReconciled: true,
			}
			return nil
		}

		created, err = s.ensureAccount(ctx, tx, req.AccountID, now)
		if err != nil {
			return err
		}
		if err := s.repo.IncrementBalance(ctx, tx, req.AccountID, req.Credits, now); err != nil {
			return err
		}
		account, err := s.repo.FindAccount(ctx, tx, req.AccountID, false)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrInvalidAccount
		}
		if err := s.repo.SetReconciliationBalance(ctx, tx, req.SessionID, account.Balance); err != nil {
			return err
		}

		result = ledgerdomain.PurchaseResult{
			CreditsAdded: req.Credits,
			NewBalance:   account.Balance,
		}
		return nil
	})
	if s.metrics != nil {
		s.metrics.ObserveTx("purchase", started, err)
	}
	if err != nil {
		if !isDomainError(err) {
			s.log.Error("apply purchase failed",
				zap.String("account_id", req.AccountID),
				zap.String("session_id", req.SessionID),
				zap.Error(err),
			)
		}
		return nil, err
	}
	if result.AlreadyReconciled {
		s.log.Info("session already reconciled",
			zap.String("account_id", req.AccountID),
			zap.String("session_id", req.SessionID),
		)
		return &result, nil
	}

	if created {
		s.recordGrant(ctx, req.AccountID, now)
	}
	sessionRef := req.SessionID
	s.appendTransaction(ctx, &ledgerdomain.Transaction{
		AccountID:          req.AccountID,
		Type:               ledgerdomain.TransactionTypePurchase,
		CreditsDelta:       req.Credits,
		BalanceAfter:       result.NewBalance,
		ExternalPaymentRef: &sessionRef,
		CreatedAt:          now,
	}, map[string]any{
		"session_id":     req.SessionID,
		"payment_intent": req.PaymentIntentID,
		"amount_paid":    req.AmountTotal,
		"currency":       req.Currency,
	})

	return &result, nil
}

// RegisterArtifact records a downloadable artifact. Registering an existing
// id returns the stored row unchanged.
func (s *Service) RegisterArtifact(ctx context.Context, accountID, artifactID string) (*ledgerdomain.Artifact, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ledgerdomain.ErrUnauthenticated
	}
	artifactID = strings.TrimSpace(artifactID)
	if artifactID == "" || len(artifactID) > 191 {
		return nil, ledgerdomain.ErrInvalidArtifact
	}

	owner := accountID
	artifact := &ledgerdomain.Artifact{
		ID:             artifactID,
		OwnerAccountID: &owner,
		CreatedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertArtifact(ctx, s.db, artifact)
	if err != nil {
		return nil, err
	}
	if inserted {
		return artifact, nil
	}

	existing, err := s.repo.FindArtifact(ctx, s.db, artifactID, false)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ledgerdomain.ErrArtifactNotFound
	}
	return existing, nil
}

func (s *Service) ListTransactions(ctx context.Context, req ledgerdomain.ListTransactionsRequest) (ledgerdomain.ListTransactionsResponse, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return ledgerdomain.ListTransactionsResponse{}, ledgerdomain.ErrUnauthenticated
	}

	pageSize := int32(option.NormalizePageSize(int(req.PageSize)))
	items, err := s.repo.ListTransactions(ctx, s.db, accountID, pagination.Pagination{
		PageToken: strings.TrimSpace(req.PageToken),
		PageSize:  int(pageSize),
	})
	if err != nil {
		if errors.Is(err, option.ErrInvalidPageToken) {
			return ledgerdomain.ListTransactionsResponse{}, ledgerdomain.ErrInvalidPageToken
		}
		return ledgerdomain.ListTransactionsResponse{}, err
	}

	items, pageInfo, err := pagination.BuildCursorPageInfo(items, pageSize, func(txn *ledgerdomain.Transaction) pagination.Cursor {
		return pagination.Cursor{ID: txn.ID.String()}
	})
	if err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}

	transactions := make([]ledgerdomain.Transaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		transactions = append(transactions, *item)
	}

	return ledgerdomain.ListTransactionsResponse{PageInfo: pageInfo, Transactions: transactions}, nil
}

func (s *Service) ensureAccount(ctx context.Context, db *gorm.DB, accountID string, now time.Time) (bool, error) {
	return s.repo.InsertAccount(ctx, db, &ledgerdomain.Account{
		AccountID: accountID,
		Balance:   s.signupGrant,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *Service) recordGrant(ctx context.Context, accountID string, now time.Time) {
	if s.metrics != nil {
		s.metrics.RecordGrant()
	}
	if s.signupGrant == 0 {
		return
	}
	s.appendTransaction(ctx, &ledgerdomain.Transaction{
		AccountID:    accountID,
		Type:         ledgerdomain.TransactionTypeGrant,
		CreditsDelta: s.signupGrant,
		BalanceAfter: s.signupGrant,
		CreatedAt:    now,
	}, map[string]any{"reason": "signup"})
}

// appendTransaction writes the audit row. Failures are logged and swallowed;
// the balance is the source of truth.
func (s *Service) appendTransaction(ctx context.Context, txn *ledgerdomain.Transaction, metadata map[string]any) {
	txn.ID = s.genID.Generate()
	if metadata != nil {
		if raw, err := json.Marshal(metadata); err == nil {
			txn.Metadata = datatypes.JSON(raw)
		}
	}
	if err := s.repo.InsertTransaction(ctx, s.db, txn); err != nil {
		s.log.Warn("failed to write credit transaction",
			zap.String("account_id", txn.AccountID),
			zap.String("type", string(txn.Type)),
			zap.Int64("credits_delta", txn.CreditsDelta),
			zap.Error(err),
		)
	}
}

func (s *Service) observeConsume(started time.Time, err error, result ledgerdomain.ConsumeResult) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveTx("consume", started, err)
	switch {
	case err == nil && result.AlreadyDownloaded:
		s.metrics.RecordConsume(obsmetrics.ConsumeOutcomeAlreadyDownloaded)
	case err == nil:
		s.metrics.RecordConsume(obsmetrics.ConsumeOutcomeCharged)
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
		s.metrics.RecordConsume(obsmetrics.ConsumeOutcomeInsufficient)
	case errors.Is(err, ledgerdomain.ErrArtifactNotFound):
		s.metrics.RecordConsume(obsmetrics.ConsumeOutcomeNotFound)
	default:
		s.metrics.RecordConsume(obsmetrics.ConsumeOutcomeError)
	}
}

func isDomainError(err error) bool {
	switch {
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits),
		errors.Is(err, ledgerdomain.ErrArtifactNotFound),
		errors.Is(err, ledgerdomain.ErrReconciliationAccount),
		errors.Is(err, ledgerdomain.ErrInvalidSession):
		return true
	default:
		return false
	}
}

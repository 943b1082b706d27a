package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/canvasbanana/internal/clock"
	"github.com/smallbiznis/canvasbanana/internal/config"
	ledgerdomain "github.com/smallbiznis/canvasbanana/internal/ledger/domain"
	"github.com/smallbiznis/canvasbanana/internal/ledger/repository"
	"github.com/smallbiznis/canvasbanana/internal/migration"
	obsmetrics "github.com/smallbiznis/canvasbanana/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestGetBalanceCreatesAccountWithGrant(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)

	account, err := svc.GetBalance(context.Background(), "user-new")
	require.NoError(t, err)
	assert.Equal(t, int64(5), account.Balance)
	assert.Equal(t, int64(0), account.TotalPurchased)
	assert.Equal(t, int64(0), account.TotalDownloaded)

	assert.Equal(t, int64(1), countRows(t, db, "credit_accounts", "account_id = ?", "user-new"))
	txns := loadTransactions(t, db, "user-new")
	require.Len(t, txns, 1)
	assert.Equal(t, ledgerdomain.TransactionTypeGrant, txns[0].Type)
	assert.Equal(t, int64(5), txns[0].CreditsDelta)

	again, err := svc.GetBalance(context.Background(), "user-new")
	require.NoError(t, err)
	assert.Equal(t, int64(5), again.Balance)
	assert.Len(t, loadTransactions(t, db, "user-new"), 1)
}

func TestGetBalanceConcurrentFirstCallsGrantOnce(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			account, err := svc.GetBalance(context.Background(), "user-race")
			assert.NoError(t, err)
			if account != nil {
				assert.Equal(t, int64(5), account.Balance)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), countRows(t, db, "credit_accounts", "account_id = ?", "user-race"))
	assert.Equal(t, int64(1), countRows(t, db, "credit_transactions", "account_id = ? AND type = ?", "user-race", "grant"))
}

func TestGetBalanceRequiresIdentity(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)

	_, err := svc.GetBalance(context.Background(), "  ")
	assert.ErrorIs(t, err, ledgerdomain.ErrUnauthenticated)
	assert.Equal(t, int64(0), countRows(t, db, "credit_accounts", "1 = 1"))
}

func TestConsumeDecrementsAndRecordsTransaction(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedAccount(t, db, "user-1", 3)
	seedArtifact(t, db, "artifact-a")

	result, err := svc.Consume(context.Background(), "user-1", "artifact-a")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.AlreadyDownloaded)
	assert.Equal(t, int64(2), result.NewBalance)

	account := loadAccount(t, db, "user-1")
	assert.Equal(t, int64(2), account.Balance)
	assert.Equal(t, int64(1), account.TotalDownloaded)

	artifact := loadArtifact(t, db, "artifact-a")
	require.NotNil(t, artifact.DownloadedByAccountID)
	assert.Equal(t, "user-1", *artifact.DownloadedByAccountID)
	assert.NotNil(t, artifact.DownloadedAt)

	txns := loadTransactions(t, db, "user-1")
	require.Len(t, txns, 1)
	assert.Equal(t, ledgerdomain.TransactionTypeDownload, txns[0].Type)
	assert.Equal(t, int64(-1), txns[0].CreditsDelta)
	assert.Equal(t, int64(2), txns[0].BalanceAfter)
	require.NotNil(t, txns[0].ArtifactID)
	assert.Equal(t, "artifact-a", *txns[0].ArtifactID)
}

func TestConsumeSameArtifactTwiceIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedAccount(t, db, "user-1", 3)
	seedArtifact(t, db, "artifact-a")

	_, err := svc.Consume(context.Background(), "user-1", "artifact-a")
	require.NoError(t, err)

	again, err := svc.Consume(context.Background(), "user-1", "artifact-a")
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.True(t, again.AlreadyDownloaded)
	assert.Equal(t, int64(2), again.NewBalance)

	account := loadAccount(t, db, "user-1")
	assert.Equal(t, int64(2), account.Balance)
	assert.Equal(t, int64(1), account.TotalDownloaded)
	assert.Len(t, loadTransactions(t, db, "user-1"), 1)
}

func TestConsumeWithZeroBalanceFails(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedAccount(t, db, "user-broke", 0)
	seedArtifact(t, db, "artifact-a")

	_, err := svc.Consume(context.Background(), "user-broke", "artifact-a")
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	account := loadAccount(t, db, "user-broke")
	assert.Equal(t, int64(0), account.Balance)
	assert.Equal(t, int64(0), account.TotalDownloaded)
	assert.Nil(t, loadArtifact(t, db, "artifact-a").DownloadedByAccountID)
	assert.Empty(t, loadTransactions(t, db, "user-broke"))
}

func TestConsumeGrantsOnFirstUse(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedArtifact(t, db, "artifact-a")

	result, err := svc.Consume(context.Background(), "user-fresh", "artifact-a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.NewBalance)

	assert.Equal(t, int64(1), countRows(t, db, "credit_transactions", "account_id = ? AND type = ?", "user-fresh", "grant"))
	assert.Equal(t, int64(1), countRows(t, db, "credit_transactions", "account_id = ? AND type = ?", "user-fresh", "download"))
}

func TestConsumeConcurrentSameArtifactChargesOnce(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedAccount(t, db, "user-1", 1)
	seedArtifact(t, db, "artifact-a")

	const attempts = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		charged  int
		repeated int
		denied   int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.Consume(context.Background(), "user-1", "artifact-a")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
				denied++
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			case result.AlreadyDownloaded:
				repeated++
			default:
				charged++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, charged)
	assert.Equal(t, attempts-1, repeated+denied)

	account := loadAccount(t, db, "user-1")
	assert.Equal(t, int64(0), account.Balance)
	assert.Equal(t, int64(1), account.TotalDownloaded)
}

func TestConsumeConcurrentDifferentArtifactsNeverOverspends(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedAccount(t, db, "user-1", 2)

	const attempts = 6
	for i := 0; i < attempts; i++ {
		seedArtifact(t, db, fmt.Sprintf("artifact-%d", i))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Consume(context.Background(), "user-1", fmt.Sprintf("artifact-%d", i))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, succeeded)
	account := loadAccount(t, db, "user-1")
	assert.Equal(t, int64(0), account.Balance)
	assert.Equal(t, int64(2), account.TotalDownloaded)
}

func TestConsumeUnknownArtifact(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedAccount(t, db, "user-1", 3)

	_, err := svc.Consume(context.Background(), "user-1", "missing")
	assert.ErrorIs(t, err, ledgerdomain.ErrArtifactNotFound)
	assert.Equal(t, int64(3), loadAccount(t, db, "user-1").Balance)
}

func TestConsumeUnauthenticatedTouchesNothing(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedArtifact(t, db, "artifact-a")

	_, err := svc.Consume(context.Background(), "", "artifact-a")
	assert.ErrorIs(t, err, ledgerdomain.ErrUnauthenticated)
	assert.Equal(t, int64(0), countRows(t, db, "credit_accounts", "1 = 1"))
	assert.Equal(t, int64(0), countRows(t, db, "credit_transactions", "1 = 1"))
	assert.Nil(t, loadArtifact(t, db, "artifact-a").DownloadedAt)
}

func TestConsumeByDifferentAccountIsCharged(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedAccount(t, db, "user-1", 3)
	seedAccount(t, db, "user-2", 3)
	seedArtifact(t, db, "artifact-a")

	_, err := svc.Consume(context.Background(), "user-1", "artifact-a")
	require.NoError(t, err)

	result, err := svc.Consume(context.Background(), "user-2", "artifact-a")
	require.NoError(t, err)
	assert.False(t, result.AlreadyDownloaded)
	assert.Equal(t, int64(2), result.NewBalance)

	artifact := loadArtifact(t, db, "artifact-a")
	require.NotNil(t, artifact.DownloadedByAccountID)
	assert.Equal(t, "user-2", *artifact.DownloadedByAccountID)
}

func TestConsumeSurvivesTransactionLogFailure(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedAccount(t, db, "user-1", 3)
	seedArtifact(t, db, "artifact-a")
	require.NoError(t, db.Exec(`DROP TABLE credit_transactions`).Error)

	result, err := svc.Consume(context.Background(), "user-1", "artifact-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.NewBalance)
	assert.Equal(t, int64(2), loadAccount(t, db, "user-1").Balance)
}

func TestConsumeIgnoresCallerCancellation(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedAccount(t, db, "user-1", 3)
	seedArtifact(t, db, "artifact-a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.Consume(ctx, "user-1", "artifact-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.NewBalance)
}

func TestApplyPurchaseCreditsExactlyOnce(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedAccount(t, db, "user-1", 2)

	req := ledgerdomain.PurchaseRequest{
		AccountID:       "user-1",
		SessionID:       "cs_test_1",
		Credits:         5,
		PaymentIntentID: "pi_1",
		AmountTotal:     450,
		Currency:        "USD",
	}
	first, err := svc.ApplyPurchase(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(5), first.CreditsAdded)
	assert.Equal(t, int64(7), first.NewBalance)
	assert.False(t, first.AlreadyReconciled)

	second, err := svc.ApplyPurchase(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.AlreadyReconciled)
	assert.Equal(t, int64(5), second.CreditsAdded)
	assert.Equal(t, int64(7), second.NewBalance)

	account := loadAccount(t, db, "user-1")
	assert.Equal(t, int64(7), account.Balance)
	assert.Equal(t, int64(5), account.TotalPurchased)

	txns := loadTransactions(t, db, "user-1")
	require.Len(t, txns, 1)
	assert.Equal(t, ledgerdomain.TransactionTypePurchase, txns[0].Type)
	require.NotNil(t, txns[0].ExternalPaymentRef)
	assert.Equal(t, "cs_test_1", *txns[0].ExternalPaymentRef)
	assert.JSONEq(t, `{"session_id":"cs_test_1","payment_intent":"pi_1","amount_paid":450,"currency":"usd"}`, string(txns[0].Metadata))
}

func TestApplyPurchaseReplayReportsCurrentBalance(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedAccount(t, db, "user-1", 5)
	seedArtifact(t, db, "artifact-a")

	req := ledgerdomain.PurchaseRequest{AccountID: "user-1", SessionID: "cs_1", Credits: 10}
	first, err := svc.ApplyPurchase(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(15), first.NewBalance)

	consumed, err := svc.Consume(context.Background(), "user-1", "artifact-a")
	require.NoError(t, err)
	assert.Equal(t, int64(14), consumed.NewBalance)

	replay, err := svc.ApplyPurchase(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.PurchaseResult{CreditsAdded: 10, NewBalance: 14, AlreadyReconciled: true}, *replay)
	assert.Equal(t, int64(14), loadAccount(t, db, "user-1").Balance)
}

func TestApplyPurchaseConcurrentReplaysCreditOnce(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedAccount(t, db, "user-1", 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyPurchase(context.Background(), ledgerdomain.PurchaseRequest{
				AccountID: "user-1",
				SessionID: "cs_race",
				Credits:   10,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	account := loadAccount(t, db, "user-1")
	assert.Equal(t, int64(10), account.Balance)
	assert.Equal(t, int64(10), account.TotalPurchased)
	assert.Equal(t, int64(1), countRows(t, db, "payment_reconciliations", "session_id = ?", "cs_race"))
}

func TestApplyPurchaseForNewAccountIncludesGrant(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)

	result, err := svc.ApplyPurchase(context.Background(), ledgerdomain.PurchaseRequest{
		AccountID: "user-new",
		SessionID: "cs_new",
		Credits:   5,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.NewBalance)
	assert.Equal(t, int64(5), loadAccount(t, db, "user-new").TotalPurchased)
}

func TestApplyPurchaseRejectsSessionOfOtherAccount(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedAccount(t, db, "user-1", 0)
	seedAccount(t, db, "user-2", 0)

	_, err := svc.ApplyPurchase(context.Background(), ledgerdomain.PurchaseRequest{AccountID: "user-1", SessionID: "cs_1", Credits: 5})
	require.NoError(t, err)

	_, err = svc.ApplyPurchase(context.Background(), ledgerdomain.PurchaseRequest{AccountID: "user-2", SessionID: "cs_1", Credits: 5})
	assert.ErrorIs(t, err, ledgerdomain.ErrReconciliationAccount)
	assert.Equal(t, int64(0), loadAccount(t, db, "user-2").Balance)
}

func TestApplyPurchaseValidatesInput(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)

	_, err := svc.ApplyPurchase(context.Background(), ledgerdomain.PurchaseRequest{SessionID: "cs", Credits: 1})
	assert.ErrorIs(t, err, ledgerdomain.ErrUnauthenticated)
	_, err = svc.ApplyPurchase(context.Background(), ledgerdomain.PurchaseRequest{AccountID: "u", Credits: 1})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidSession)
	_, err = svc.ApplyPurchase(context.Background(), ledgerdomain.PurchaseRequest{AccountID: "u", SessionID: "cs", Credits: 0})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidCredits)
	assert.Equal(t, int64(0), countRows(t, db, "payment_reconciliations", "1 = 1"))
}

func TestBalanceNeverNegativeUnderRandomOperations(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedAccount(t, db, "user-1", 1)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 60; i++ {
		if rng.Intn(4) == 0 {
			_, err := svc.ApplyPurchase(context.Background(), ledgerdomain.PurchaseRequest{
				AccountID: "user-1",
				SessionID: fmt.Sprintf("cs_%d", rng.Intn(5)),
				Credits:   int64(1 + rng.Intn(3)),
			})
			require.NoError(t, err)
		} else {
			artifactID := fmt.Sprintf("artifact-%d", i)
			seedArtifact(t, db, artifactID)
			_, err := svc.Consume(context.Background(), "user-1", artifactID)
			if err != nil {
				require.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)
			}
		}
		assert.GreaterOrEqual(t, loadAccount(t, db, "user-1").Balance, int64(0))
	}
}

func TestRegisterArtifactIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)

	first, err := svc.RegisterArtifact(context.Background(), "user-1", "node-1")
	require.NoError(t, err)
	require.NotNil(t, first.OwnerAccountID)
	assert.Equal(t, "user-1", *first.OwnerAccountID)

	second, err := svc.RegisterArtifact(context.Background(), "user-2", "node-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", *second.OwnerAccountID)

	_, err = svc.RegisterArtifact(context.Background(), "", "node-2")
	assert.ErrorIs(t, err, ledgerdomain.ErrUnauthenticated)
	_, err = svc.RegisterArtifact(context.Background(), "user-1", " ")
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidArtifact)
}

func TestListTransactionsPaginates(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedAccount(t, db, "user-1", 10)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("artifact-%d", i)
		seedArtifact(t, db, id)
		_, err := svc.Consume(context.Background(), "user-1", id)
		require.NoError(t, err)
	}

	page1, err := svc.ListTransactions(context.Background(), ledgerdomain.ListTransactionsRequest{AccountID: "user-1", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page1.Transactions, 2)
	assert.True(t, page1.HasMore)
	assert.Equal(t, int64(5), page1.Transactions[0].BalanceAfter)
	assert.Equal(t, int64(6), page1.Transactions[1].BalanceAfter)

	page2, err := svc.ListTransactions(context.Background(), ledgerdomain.ListTransactionsRequest{AccountID: "user-1", PageSize: 2, PageToken: page1.NextPageToken})
	require.NoError(t, err)
	require.Len(t, page2.Transactions, 2)
	assert.Equal(t, int64(7), page2.Transactions[0].BalanceAfter)

	page3, err := svc.ListTransactions(context.Background(), ledgerdomain.ListTransactionsRequest{AccountID: "user-1", PageSize: 2, PageToken: page2.NextPageToken})
	require.NoError(t, err)
	require.Len(t, page3.Transactions, 1)
	assert.False(t, page3.HasMore)
	assert.Empty(t, page3.NextPageToken)

	_, err = svc.ListTransactions(context.Background(), ledgerdomain.ListTransactionsRequest{AccountID: "user-1", PageToken: "%%%"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidPageToken)
}

func newTestService(t *testing.T, db *gorm.DB) ledgerdomain.Service {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    repository.Provide(),
		Clock:   clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Cfg:     config.Config{Credits: config.CreditsConfig{SignupGrant: 5}},
		Metrics: obsmetrics.NewLedgerMetrics(prometheus.NewRegistry(), obsmetrics.Config{ServiceName: "test"}),
	})
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// SQLite has no row locks; a single connection serializes transactions,
	// so the concurrency tests here never reach the FOR UPDATE path. The
	// Postgres variants in postgres_test.go do, when a DSN is provided.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migration.Apply(db))
	return db
}

func seedAccount(t *testing.T, db *gorm.DB, accountID string, balance int64) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, db.Create(&ledgerdomain.Account{
		AccountID: accountID,
		Balance:   balance,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error)
}

func seedArtifact(t *testing.T, db *gorm.DB, artifactID string) {
	t.Helper()
	require.NoError(t, db.Create(&ledgerdomain.Artifact{ID: artifactID, CreatedAt: time.Now().UTC()}).Error)
}

func loadAccount(t *testing.T, db *gorm.DB, accountID string) ledgerdomain.Account {
	t.Helper()
	var account ledgerdomain.Account
	require.NoError(t, db.Where("account_id = ?", accountID).Take(&account).Error)
	return account
}

func loadArtifact(t *testing.T, db *gorm.DB, artifactID string) ledgerdomain.Artifact {
	t.Helper()
	var artifact ledgerdomain.Artifact
	require.NoError(t, db.Where("id = ?", artifactID).Take(&artifact).Error)
	return artifact
}

func loadTransactions(t *testing.T, db *gorm.DB, accountID string) []ledgerdomain.Transaction {
	t.Helper()
	var txns []ledgerdomain.Transaction
	require.NoError(t, db.Where("account_id = ?", accountID).Order("id asc").Find(&txns).Error)
	return txns
}

func countRows(t *testing.T, db *gorm.DB, table string, where string, args ...any) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Table(table).Where(where, args...).Count(&count).Error)
	return count
}

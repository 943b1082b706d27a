package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	ledgerdomain "github.com/smallbiznis/canvasbanana/internal/ledger/domain"
	"github.com/smallbiznis/canvasbanana/internal/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const postgresDSNEnv = "CANVASBANANA_TEST_POSTGRES_DSN"

// setupPostgresDB connects to the database named by CANVASBANANA_TEST_POSTGRES_DSN
// and skips the test when it is unset. Rows are keyed by a per-test suffix
// so runs against a shared database do not collide.
func setupPostgresDB(t *testing.T) (*gorm.DB, string) {
	t.Helper()

	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(16)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migration.Apply(db))
	return db, fmt.Sprintf("%d", time.Now().UnixNano())
}

func TestPostgresConsumeConcurrentDifferentArtifactsNeverOverspends(t *testing.T) {
	db, suffix := setupPostgresDB(t)
	svc := newTestService(t, db)
	accountID := "pg-user-" + suffix
	seedAccount(t, db, accountID, 3)

	const attempts = 12
	for i := 0; i < attempts; i++ {
		seedArtifact(t, db, fmt.Sprintf("pg-artifact-%s-%d", suffix, i))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Consume(context.Background(), accountID, fmt.Sprintf("pg-artifact-%s-%d", suffix, i))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, ledgerdomain.ErrInsufficientCredits), "unexpected error: %v", err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	account := loadAccount(t, db, accountID)
	assert.Equal(t, int64(0), account.Balance)
	assert.Equal(t, int64(3), account.TotalDownloaded)
}

func TestPostgresApplyPurchaseConcurrentReplaysCreditOnce(t *testing.T) {
	db, suffix := setupPostgresDB(t)
	svc := newTestService(t, db)
	accountID := "pg-user-" + suffix
	sessionID := "cs_pg_" + suffix
	seedAccount(t, db, accountID, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyPurchase(context.Background(), ledgerdomain.PurchaseRequest{
				AccountID: accountID,
				SessionID: sessionID,
				Credits:   10,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	account := loadAccount(t, db, accountID)
	assert.Equal(t, int64(10), account.Balance)
	assert.Equal(t, int64(10), account.TotalPurchased)
}

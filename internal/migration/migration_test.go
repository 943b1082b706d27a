package migration

import (
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func TestApplyAutoMigratesSQLite(t *testing.T) {
	dsn := fmt.Sprintf("file:migration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, Apply(conn))
	require.NoError(t, Apply(conn))

	var tables []string
	require.NoError(t, conn.Raw(`SELECT name FROM sqlite_master WHERE type = 'table'`).Scan(&tables).Error)
	sort.Strings(tables)
	for _, want := range []string{"artifacts", "credit_accounts", "credit_transactions", "payment_events", "payment_reconciliations"} {
		assert.Contains(t, tables, want)
	}

	err = conn.Exec(`INSERT INTO credit_accounts (account_id, balance, total_purchased, total_downloaded, created_at, updated_at)
		VALUES ('neg', -1, 0, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`).Error
	assert.Error(t, err, "balance check constraint must reject negative balances")
}

package migration

import (
	"context"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestSplitStatementsDropsComments(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (id INT);\n\n-- note\nCREATE INDEX i ON a (id);\n")
	require.Len(t, stmts, 2)
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE a"))
	assert.True(t, strings.HasPrefix(stmts[1], "CREATE INDEX i"))
}

func TestApplyStatementsIsIdempotent(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ApplyStatements(ctx, conn))
	require.NoError(t, ApplyStatements(ctx, conn))

	for _, table := range []string{"entity_references", "sync_events", "invoices", "payment_transactions", "author_royalties"} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
}

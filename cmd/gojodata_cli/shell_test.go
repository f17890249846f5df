package main

import (
	"bytes"
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojodata/core/executor"
	"github.com/sushant-115/gojodata/core/transaction"
	"github.com/sushant-115/gojodata/internal/fakesql"
	"github.com/sushant-115/gojodata/pkg/connection"
	"go.uber.org/zap"
)

func newTestShell(t *testing.T, opts ...executor.Option) (*shell, *fakesql.Driver, *bytes.Buffer) {
	t.Helper()
	zlogger = zap.NewNop()
	drv := fakesql.New()
	exec := executor.New(connection.NewSource(drv.DB(t), connection.DriverSQLite, nil), opts...)
	out := &bytes.Buffer{}
	return newShell(exec, out), drv, out
}

func TestShell_SharedTransaction(t *testing.T) {
	s, drv, out := newTestShell(t)
	ctx := context.Background()
	drv.Script(fakesql.Result{Match: "UPDATE", RowsAffected: 1})

	quit, err := s.handle(ctx, `\txn K1 2 read committed`)
	require.NoError(t, err)
	require.False(t, quit)
	assert.Contains(t, out.String(), "Using shared transaction K1 (2 steps, read_committed)")

	_, err = s.handle(ctx, "UPDATE accounts SET balance = balance - 10 WHERE id = 1;")
	require.NoError(t, err)
	_, err = s.handle(ctx, `\status`)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "active, 1/2 steps")

	_, err = s.handle(ctx, "UPDATE accounts SET balance = balance + 10 WHERE id = 2")
	require.NoError(t, err)
	assert.Equal(t, 1, drv.Stats().Commits)
	assert.Contains(t, out.String(), "1 rows affected")

	_, err = s.handle(ctx, `\status`)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "No open shared transaction")
}

func TestShell_Abort(t *testing.T) {
	s, drv, out := newTestShell(t)
	ctx := context.Background()

	_, err := s.handle(ctx, `\txn K1 3`)
	require.NoError(t, err)
	_, err = s.handle(ctx, "DELETE FROM audit")
	require.NoError(t, err)
	_, err = s.handle(ctx, `\abort`)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Rolled back K1")
	assert.Equal(t, 1, drv.Stats().Rollbacks)
	assert.Zero(t, drv.OpenConns())
}

func TestShell_QueriesRenderTables(t *testing.T) {
	s, drv, out := newTestShell(t)
	drv.Script(fakesql.Result{Match: "accounts", Sets: []fakesql.ResultSet{{
		Columns: []string{"id", "owner", "opened"},
		Rows: [][]driver.Value{
			{int64(1), []byte("alice"), time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
			{int64(2), nil, nil},
		},
	}}})

	_, err := s.handle(context.Background(), "select id, owner, opened from accounts")
	require.NoError(t, err)
	text := out.String()
	assert.Contains(t, text, "owner")
	assert.Contains(t, text, "alice")
	assert.Contains(t, text, "2024-01-02T03:04:05Z")
	assert.Contains(t, text, "NULL")
	assert.Contains(t, text, "(2 rows)")

	out.Reset()
	_, err = s.handle(context.Background(), `\kind table`)
	require.NoError(t, err)
	_, err = s.handle(context.Background(), "accounts")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "alice")
	assert.Contains(t, drv.Stats().Statements, "SELECT * FROM accounts")
}

func TestShell_CallSites(t *testing.T) {
	catalog := transaction.NewCatalog()
	require.NoError(t, ensureTransferSites(catalog))
	s, drv, out := newTestShell(t, executor.WithResolver(catalog))
	ctx := context.Background()

	_, err := s.handle(ctx, `\site transfer.debit`)
	require.NoError(t, err)
	_, err = s.handle(ctx, "UPDATE accounts SET balance = 0")
	require.NoError(t, err)
	_, err = s.handle(ctx, `\status`)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "1/2 steps")

	_, err = s.handle(ctx, `\site transfer.credit`)
	require.NoError(t, err)
	_, err = s.handle(ctx, "UPDATE accounts SET balance = 1")
	require.NoError(t, err)
	assert.Equal(t, 1, drv.Stats().Commits)
}

func TestShell_Errors(t *testing.T) {
	s, _, _ := newTestShell(t)
	ctx := context.Background()

	for _, line := range []string{`\txn K1`, `\txn K1 x`, `\txn K1 2 chaos`, `\kind graph`, `\nope`, `\status`} {
		_, err := s.handle(ctx, line)
		assert.Error(t, err, line)
	}

	quit, err := s.handle(ctx, `\q`)
	require.NoError(t, err)
	assert.True(t, quit)
	quit, err = s.handle(ctx, "exit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestTransfer(t *testing.T) {
	catalog := transaction.NewCatalog()
	require.NoError(t, ensureTransferSites(catalog))
	ctx := context.Background()

	t.Run("commits both legs", func(t *testing.T) {
		s, drv, _ := newTestShell(t, executor.WithResolver(catalog))
		drv.Script(fakesql.Result{Match: "UPDATE accounts", RowsAffected: 1})

		require.NoError(t, transfer(ctx, s.exec, executor.PlaceholderQuestion, 1, 2, 100))
		stats := drv.Stats()
		assert.Equal(t, 1, stats.Begins)
		assert.Equal(t, 1, stats.Commits)
		assert.Len(t, stats.Statements, 2)
	})

	t.Run("rolls back on insufficient funds", func(t *testing.T) {
		s, drv, _ := newTestShell(t, executor.WithResolver(catalog))
		drv.Script(fakesql.Result{Match: "UPDATE accounts", RowsAffected: 0})

		err := transfer(ctx, s.exec, executor.PlaceholderDollar, 1, 2, 1000)
		require.ErrorIs(t, err, errInsufficientFunds)
		stats := drv.Stats()
		assert.Equal(t, 1, stats.Rollbacks)
		assert.Zero(t, stats.Commits)
		assert.Equal(t, []string{"UPDATE accounts SET balance = balance - $1 WHERE id = $2 AND balance >= $3"}, stats.Statements)
		assert.Zero(t, s.exec.Registry().Len())
	})
}

func TestToInt64(t *testing.T) {
	for _, v := range []any{int64(3), int32(3), 3, float64(3), []byte("3"), "3"} {
		n, err := toInt64(v)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	}
	_, err := toInt64(nil)
	assert.Error(t, err)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/sushant-115/gojodata/core/executor"
	"github.com/sushant-115/gojodata/core/transaction"
	"go.uber.org/zap"
)

// Call sites of the two legs of a transfer. Unless the configuration says
// otherwise they share key "transfer" and commit after both ran.
const (
	debitSite  = "transfer.debit"
	creditSite = "transfer.credit"
)

var errInsufficientFunds = errors.New("insufficient funds")

func newTransferCommand() *cobra.Command {
	var (
		from, to int64
		amount   int64
		setup    bool
	)
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Move money between two accounts as one shared two-step transaction",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			if setup {
				if err := seedAccounts(ctx, a.exec, a.style()); err != nil {
					return err
				}
			}
			if err := ensureTransferSites(a.catalog); err != nil {
				return err
			}
			err := transfer(ctx, a.exec, a.style(), from, to, amount)
			if errors.Is(err, errInsufficientFunds) {
				fmt.Fprintln(os.Stdout, "Transfer rolled back:", err)
			} else if err != nil {
				return err
			} else {
				fmt.Fprintf(os.Stdout, "Moved %d from account %d to account %d\n", amount, from, to)
			}
			return printAccounts(ctx, os.Stdout, a.exec)
		}),
	}
	cmd.Flags().Int64Var(&from, "from", 1, "account to debit")
	cmd.Flags().Int64Var(&to, "to", 2, "account to credit")
	cmd.Flags().Int64Var(&amount, "amount", 100, "amount to move")
	cmd.Flags().BoolVar(&setup, "setup", false, "create and seed the accounts table first")
	return cmd
}

func (a *app) style() executor.PlaceholderStyle {
	style, _ := a.cfg.Database.PlaceholderStyle()
	return style
}

// ensureTransferSites declares the transfer call sites unless the
// configuration already does.
func ensureTransferSites(catalog *transaction.Catalog) error {
	level := transaction.WithIsolation(transaction.IsolationReadCommitted)
	for _, site := range []string{debitSite, creditSite} {
		if _, ok := catalog.Lookup(site); ok {
			continue
		}
		d := transaction.NewDescriptor("transfer", 2, level, transaction.WithDescription(site))
		if err := catalog.Register(site, d); err != nil {
			return err
		}
	}
	return nil
}

// transfer debits from and credits to from two call sites sharing one
// transaction. A debit that finds too little money aborts the transaction.
func transfer(ctx context.Context, exec *executor.Executor, style executor.PlaceholderStyle, from, to, amount int64) error {
	debitCtx := transaction.WithCallSite(ctx, debitSite)
	n, err := exec.ExecuteNonQuery(debitCtx,
		executor.Rebind(style, "UPDATE accounts SET balance = balance - ? WHERE id = ? AND balance >= ?"),
		executor.CommandText, amount, from, amount)
	if err != nil {
		return fmt.Errorf("debit failed: %w", err)
	}
	if n != 1 {
		cause := fmt.Errorf("%w in account %d", errInsufficientFunds, from)
		if d, ok := exec.Resolver().Resolve(debitCtx); ok {
			if txn, ok := exec.Registry().Get(d.Key); ok {
				if err := txn.Abort(ctx, cause); err != nil {
					zlogger.Error("failed to roll back transfer", zap.Error(err))
				}
			}
		}
		return cause
	}

	creditCtx := transaction.WithCallSite(ctx, creditSite)
	if _, err := exec.ExecuteNonQuery(creditCtx,
		executor.Rebind(style, "UPDATE accounts SET balance = balance + ? WHERE id = ?"),
		executor.CommandText, amount, to); err != nil {
		return fmt.Errorf("credit failed: %w", err)
	}
	return nil
}

func seedAccounts(ctx context.Context, exec *executor.Executor, style executor.PlaceholderStyle) error {
	if _, err := exec.ExecuteNonQuery(ctx, `CREATE TABLE IF NOT EXISTS accounts (
		id      BIGINT PRIMARY KEY,
		owner   VARCHAR(64) NOT NULL,
		balance BIGINT NOT NULL
	)`, executor.CommandText); err != nil {
		return err
	}

	count, err := exec.ExecuteScalar(ctx, "SELECT COUNT(*) FROM accounts", executor.CommandText)
	if err != nil {
		return err
	}
	n, err := toInt64(count)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Seed rows go in as one shared transaction of two steps.
	seedCtx := transaction.WithDescriptor(ctx, transaction.NewDescriptor("seed", 2))
	insert := executor.Rebind(style, "INSERT INTO accounts (id, owner, balance) VALUES (?, ?, ?)")
	if _, err := exec.ExecuteNonQuery(seedCtx, insert, executor.CommandText, 1, "alice", 500); err != nil {
		return err
	}
	_, err = exec.ExecuteNonQuery(seedCtx, insert, executor.CommandText, 2, "bob", 100)
	return err
}

func printAccounts(ctx context.Context, w io.Writer, exec *executor.Executor) error {
	r, err := exec.ExecuteReader(ctx, "SELECT id, owner, balance FROM accounts ORDER BY id", executor.CommandText)
	if err != nil {
		return err
	}
	cols, err := r.Columns()
	if err != nil {
		r.Close()
		return err
	}

	t := &executor.Table{Columns: cols}
	for r.Next() {
		var id, balance int64
		var owner string
		if err := r.Scan(&id, &owner, &balance); err != nil {
			r.Close()
			return err
		}
		t.Rows = append(t.Rows, []any{id, owner, balance})
	}
	if err := r.Close(); err != nil {
		return err
	}
	renderTable(w, t)
	return nil
}

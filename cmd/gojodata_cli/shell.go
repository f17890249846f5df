package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"github.com/sushant-115/gojodata/core/executor"
	"github.com/sushant-115/gojodata/core/transaction"
)

func newShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive SQL shell; type \\help for shell commands",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			return newShell(a.exec, os.Stdout).loop(ctx)
		}),
	}
}

func newExecCommand() *cobra.Command {
	var (
		key      string
		steps    int
		site     string
		kindName string
	)
	cmd := &cobra.Command{
		Use:   "exec statement",
		Short: "Run one statement and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			kind, err := executor.ParseCommandKind(kindName)
			if err != nil {
				return err
			}
			s := newShell(a.exec, os.Stdout)
			s.kind = kind
			switch {
			case key != "":
				d := transaction.NewDescriptor(key, steps)
				s.descriptor = &d
			case site != "":
				s.callSite = site
			}
			return s.run(ctx, args[0])
		}),
	}
	cmd.Flags().StringVar(&key, "key", "", "run as a step of the shared transaction with this key")
	cmd.Flags().IntVar(&steps, "steps", 1, "declared steps of the shared transaction")
	cmd.Flags().StringVar(&site, "site", "", "resolve the descriptor of this configured call site")
	cmd.Flags().StringVar(&kindName, "kind", "text", "command kind: text, sp or table")
	return cmd
}

// shell keeps the descriptor selection between statements.
type shell struct {
	exec       *executor.Executor
	out        io.Writer
	kind       executor.CommandKind
	descriptor *transaction.Descriptor
	callSite   string
}

func newShell(exec *executor.Executor, out io.Writer) *shell {
	return &shell{exec: exec, out: out}
}

const shellHelp = `\txn KEY STEPS [ISOLATION]  run the next statements as steps of shared transaction KEY
\site NAME                  resolve the descriptor of configured call site NAME
\standalone                 run the next statements standalone
\kind text|sp|table         how statements are read (sp: "name arg...", table: "name")
\status                     show the shared transaction of the selected key
\abort                      roll back the shared transaction of the selected key
\q                          quit`

func (s *shell) loop(ctx context.Context) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[31m»\033[0m ",
		HistoryFile:       filepath.Join(os.TempDir(), "gojodata_history.tmp"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	for ctx.Err() == nil {
		line, err := l.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			continue
		}
		quit, err := s.handle(ctx, line)
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
	return nil
}

// handle runs one input line and reports whether the shell should exit.
func (s *shell) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, `\`) {
		if line == "exit" || line == "quit" {
			return true, nil
		}
		return false, s.run(ctx, strings.TrimSuffix(line, ";"))
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case `\q`:
		return true, nil
	case `\help`, `\?`:
		fmt.Fprintln(s.out, shellHelp)
	case `\txn`:
		if len(fields) < 3 {
			return false, errors.New(`usage: \txn KEY STEPS [ISOLATION]`)
		}
		steps, err := strconv.Atoi(fields[2])
		if err != nil {
			return false, fmt.Errorf("bad step count %q", fields[2])
		}
		level := transaction.IsolationUnspecified
		if len(fields) > 3 {
			if level, err = transaction.ParseIsolationLevel(strings.Join(fields[3:], " ")); err != nil {
				return false, err
			}
		}
		d := transaction.NewDescriptor(fields[1], steps, transaction.WithIsolation(level))
		if err := d.Validate(); err != nil {
			return false, err
		}
		s.descriptor, s.callSite = &d, ""
		fmt.Fprintf(s.out, "Using shared transaction %s (%d steps, %s)\n", d.Key, d.Steps, d.Isolation)
	case `\site`:
		if len(fields) != 2 {
			return false, errors.New(`usage: \site NAME`)
		}
		s.descriptor, s.callSite = nil, fields[1]
		fmt.Fprintf(s.out, "Using call site %s\n", s.callSite)
	case `\standalone`:
		s.descriptor, s.callSite = nil, ""
		fmt.Fprintln(s.out, "Running standalone")
	case `\kind`:
		if len(fields) != 2 {
			return false, errors.New(`usage: \kind text|sp|table`)
		}
		kind, err := executor.ParseCommandKind(fields[1])
		if err != nil {
			return false, err
		}
		s.kind = kind
		fmt.Fprintf(s.out, "Command kind %s\n", kind)
	case `\status`:
		txn, err := s.selected()
		if err != nil {
			return false, err
		}
		if txn == nil {
			fmt.Fprintln(s.out, "No open shared transaction")
			return false, nil
		}
		completed, declared := txn.Steps()
		fmt.Fprintf(s.out, "%s %s: %s, %d/%d steps\n", txn.Key(), txn.ID(), txn.State(), completed, declared)
	case `\abort`:
		txn, err := s.selected()
		if err != nil {
			return false, err
		}
		if txn == nil {
			fmt.Fprintln(s.out, "No open shared transaction")
			return false, nil
		}
		if err := txn.Abort(ctx, errors.New("aborted from shell")); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "Rolled back %s\n", txn.Key())
	default:
		return false, fmt.Errorf("unknown shell command %s, try \\help", fields[0])
	}
	return false, nil
}

// selected returns the open shared transaction of the selected key, if any.
func (s *shell) selected() (*transaction.Transaction, error) {
	key := ""
	switch {
	case s.descriptor != nil:
		key = s.descriptor.Key
	case s.callSite != "":
		resolver, ok := s.resolver()
		if !ok {
			return nil, errors.New("no call-site catalog configured")
		}
		d, ok := resolver.Lookup(s.callSite)
		if !ok {
			return nil, fmt.Errorf("unknown call site %q", s.callSite)
		}
		key = d.Key
	default:
		return nil, errors.New(`no shared transaction selected, use \txn or \site`)
	}
	txn, _ := s.exec.Registry().Get(key)
	return txn, nil
}

func (s *shell) resolver() (*transaction.Catalog, bool) {
	c, ok := s.exec.Resolver().(*transaction.Catalog)
	return c, ok
}

func (s *shell) context(ctx context.Context) context.Context {
	if s.descriptor != nil {
		return transaction.WithDescriptor(ctx, *s.descriptor)
	}
	if s.callSite != "" {
		return transaction.WithCallSite(ctx, s.callSite)
	}
	return ctx
}

// run executes one statement with the current selection and prints the result.
func (s *shell) run(ctx context.Context, statement string) error {
	ctx = s.context(ctx)

	switch s.kind {
	case executor.CommandStoredProcedure:
		fields := strings.Fields(statement)
		if len(fields) == 0 {
			return errors.New("missing procedure name")
		}
		args := make([]any, len(fields)-1)
		for i, f := range fields[1:] {
			args[i] = f
		}
		set, err := s.exec.ExecuteRowSet(ctx, fields[0], s.kind, args...)
		if err != nil {
			return err
		}
		s.printRowSet(set)
	case executor.CommandTableDirect:
		t, err := s.exec.ExecuteTable(ctx, statement, s.kind)
		if err != nil {
			return err
		}
		renderTable(s.out, t)
	default:
		if !returnsRows(statement) {
			n, err := s.exec.ExecuteNonQuery(ctx, statement, s.kind)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "%d rows affected\n", n)
			return nil
		}
		set, err := s.exec.ExecuteRowSet(ctx, statement, s.kind)
		if err != nil {
			return err
		}
		s.printRowSet(set)
	}
	return nil
}

func (s *shell) printRowSet(set *executor.RowSet) {
	for _, t := range set.Tables {
		renderTable(s.out, t)
	}
}

func returnsRows(statement string) bool {
	fields := strings.Fields(statement)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToLower(fields[0]) {
	case "select", "with", "show", "pragma", "explain", "values", "describe", "desc", "call":
		return true
	}
	return false
}

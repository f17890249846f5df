package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers "sqlite3"
	"github.com/spf13/cobra"
	"github.com/sushant-115/gojodata/config"
	"github.com/sushant-115/gojodata/core/executor"
	"github.com/sushant-115/gojodata/core/transaction"
	internaltelemetry "github.com/sushant-115/gojodata/internal/telemetry"
	"github.com/sushant-115/gojodata/pkg/connection"
	"github.com/sushant-115/gojodata/pkg/logger"
	"github.com/sushant-115/gojodata/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	configPath string

	globalContext context.Context
	globalCancel  context.CancelFunc

	zlogger *zap.Logger
)

// app is everything a command needs to talk to the database.
type app struct {
	cfg      *config.Config
	source   *connection.Source
	catalog  *transaction.Catalog
	exec     *executor.Executor
	shutdown telemetry.ShutdownFunc
}

func newApp(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	zlogger, err = logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := internaltelemetry.NewTxnMetrics(tel.Meter)
	if err != nil {
		shutdown(context.Background())
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	source, err := connection.Open(cfg.Database.Config, zlogger)
	if err != nil {
		shutdown(context.Background())
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := source.Ping(pingCtx); err != nil {
		source.Close()
		shutdown(context.Background())
		return nil, err
	}
	// Validate has already checked both of these.
	catalog, _ := cfg.Catalog()
	style, _ := cfg.Database.PlaceholderStyle()

	exec := executor.New(source,
		executor.WithResolver(catalog),
		executor.WithPlaceholderStyle(style),
		executor.WithLogger(zlogger),
		executor.WithMetrics(metrics),
		executor.WithTracer(tel.Tracer))

	zlogger.Info("gojodata ready",
		zap.String("driver", source.Driver()),
		zap.Int("call_sites", catalog.Len()),
		zap.Bool("telemetry", cfg.Telemetry.Enabled))
	return &app{cfg: cfg, source: source, catalog: catalog, exec: exec, shutdown: shutdown}, nil
}

func (a *app) Close() {
	if n := a.exec.Registry().Len(); n > 0 {
		zlogger.Warn("exiting with shared transactions still open; they will be rolled back by the server", zap.Int("open", n))
	}
	if err := a.source.Close(); err != nil {
		zlogger.Error("failed to close database pool", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		zlogger.Error("failed to shut down telemetry", zap.Error(err))
	}
	_ = zlogger.Sync()
}

func main() {
	globalContext, globalCancel = context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sc
		fmt.Printf("\nGot signal [%v] to exit.\n", sig)
		globalCancel()

		select {
		case <-sc:
			fmt.Printf("\nGot signal [%v] again to exit.\n", sig)
			os.Exit(1)
		case <-time.After(10 * time.Second):
			fmt.Print("\nWait 10s for closed, force exit\n")
			os.Exit(1)
		}
	}()

	rootCmd := &cobra.Command{
		Use:          "gojodata_cli",
		Short:        "Run SQL against a database with step-counted shared transactions",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	rootCmd.AddCommand(
		newShellCommand(),
		newExecCommand(),
		newTransferCommand(),
	)

	err := rootCmd.ExecuteContext(globalContext)
	globalCancel()
	if err != nil {
		os.Exit(1)
	}
}

// withApp builds the app for the duration of run.
func withApp(run func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(configPath)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd.Context(), a, args)
	}
}

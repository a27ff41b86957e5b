// OHLCV aggregator CLI.
// Keeps per-(exchange, pair, period) candle series up to date by polling
// exchanges, reconciling each fetched window with the stored tail and
// appending only what is new.
//
// Usage:
//
//	ohlcv update [--dry-run]
//	ohlcv audit [--exchange binance --pair BTCUSDT] [--format json|table|csv]
//	ohlcv query --exchange binance --pair BTCUSDT [--limit 50]
//	ohlcv schedule [--interval 1h]
//	ohlcv pairs --exchange kraken
//
// For detailed help on any command, use: ohlcv <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/johnayoung/ohlcv-aggregator/internal/config"
	"github.com/johnayoung/ohlcv-aggregator/internal/exchange"
	"github.com/johnayoung/ohlcv-aggregator/internal/logger"
	"github.com/johnayoung/ohlcv-aggregator/internal/storage"
)

// CLI version information
const (
	Version       = "1.0.0"
	AppName       = "ohlcv"
	DefaultConfig = "ohlcv.yaml"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// exitError carries the process exit code for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func usageErr(format string, args ...any) error {
	return &exitError{code: ExitUsageError, err: fmt.Errorf(format, args...)}
}

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupt
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitDataError
}

// CLI holds the components shared by the commands. The store and the exchange
// registry are opened on first use; pairs never touches the store and query
// never touches an exchange.
type CLI struct {
	config    *config.AppConfig
	logMgr    *logger.LoggerManager
	logger    *slog.Logger
	store     storage.SeriesStore
	exchanges *exchange.Registry
	out       io.Writer
}

type globalFlags struct {
	ConfigPath string
	EnvFile    string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, out io.Writer) int {
	globals, rest, err := parseGlobalFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printUsage(out)
		return ExitUsageError
	}
	if len(rest) == 0 {
		printUsage(out)
		return ExitUsageError
	}

	command, cmdArgs := rest[0], rest[1:]
	switch command {
	case "--version", "-v", "version":
		fmt.Fprintf(out, "%s version %s\n", AppName, Version)
		return ExitSuccess
	case "--help", "-h", "help":
		if len(cmdArgs) > 0 {
			printCommandHelp(out, cmdArgs[0])
		} else {
			printUsage(out)
		}
		return ExitSuccess
	}

	handler, ok := commands[command]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage(out)
		return ExitUsageError
	}
	if wantsHelp(cmdArgs) {
		printCommandHelp(out, command)
		return ExitSuccess
	}

	cli := &CLI{out: out}
	if err := cli.initialize(ctx, globals); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize CLI: %v\n", err)
		return exitCode(err)
	}
	defer cli.close()

	err = handler(cli, ctx, cmdArgs)
	if err != nil {
		code := exitCode(err)
		if code == ExitInterrupt {
			cli.logger.Info("Interrupted", "command", command)
		} else {
			cli.logger.Error("Command failed", "command", command, "error", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return code
	}
	return ExitSuccess
}

var commands = map[string]func(*CLI, context.Context, []string) error{
	"update":   (*CLI).handleUpdate,
	"audit":    (*CLI).handleAudit,
	"query":    (*CLI).handleQuery,
	"schedule": (*CLI).handleSchedule,
	"pairs":    (*CLI).handlePairs,
	"stats":    (*CLI).handleStats,
}

// initialize loads configuration and sets up logging.
func (cli *CLI) initialize(ctx context.Context, globals globalFlags) error {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.NewConfigManager(globals.ConfigPath, globals.EnvFile, bootstrap).LoadConfig(ctx)
	if err != nil {
		return withCode(ExitConfigError, err)
	}
	cli.config = cfg

	logMgr, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return withCode(ExitConfigError, fmt.Errorf("failed to setup logging: %w", err))
	}
	cli.logMgr = logMgr
	cli.logger = logMgr.GetLogger()
	cli.logger.Debug("configuration", "config", cfg.String())
	return nil
}

// openStore opens and migrates the configured series store.
func (cli *CLI) openStore(ctx context.Context) (storage.SeriesStore, error) {
	if cli.store != nil {
		return cli.store, nil
	}

	store, err := storage.New(cli.config.Storage, cli.logMgr.GetComponentLogger("storage").Logger)
	if err != nil {
		return nil, withCode(ExitConnectionErr, fmt.Errorf("failed to open storage: %w", err))
	}
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, withCode(ExitConnectionErr, fmt.Errorf("failed to initialize storage schema: %w", err))
	}
	cli.store = store
	return store, nil
}

// openExchanges builds an adapter for every configured or tracked exchange.
func (cli *CLI) openExchanges(tracked ...string) (*exchange.Registry, error) {
	if cli.exchanges != nil {
		return cli.exchanges, nil
	}

	seen := map[string]bool{}
	var names []string
	for name := range cli.config.Exchanges {
		seen[name] = true
		names = append(names, name)
	}
	for name := range cli.config.Tracking.Exchanges {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, name := range tracked {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)

	reg, err := exchange.NewRegistryFromConfig(names, cli.config.Exchanges, cli.logMgr.GetComponentLogger("exchange").Logger)
	if err != nil {
		return nil, withCode(ExitConfigError, fmt.Errorf("failed to initialize exchanges: %w", err))
	}
	cli.exchanges = reg
	return reg, nil
}

func (cli *CLI) close() {
	if cli.store != nil {
		if err := cli.store.Close(); err != nil {
			cli.logger.Warn("Failed to close storage", "error", err)
		}
	}
	if cli.logMgr != nil {
		cli.logMgr.Close()
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{ConfigPath: os.Getenv("OHLCV_CONFIG"), EnvFile: ".env"}
	if flags.ConfigPath == "" {
		flags.ConfigPath = DefaultConfig
	}

	i := 0
	for ; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("--config requires a value")
			}
			flags.ConfigPath = args[i+1]
			i++
		case "--env-file":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("--env-file requires a value")
			}
			flags.EnvFile = args[i+1]
			i++
		default:
			return flags, args[i:], nil
		}
	}
	return flags, nil, nil
}

func wantsHelp(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

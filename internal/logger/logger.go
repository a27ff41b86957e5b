// Package logger provides structured logging with context propagation for the aggregator.
// Loggers are slog based; file output rotates through lumberjack. Tick and series
// identifiers travel in the context and are attached to every record logged with it.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/johnayoung/ohlcv-aggregator/internal/config"
	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// ContextKey represents keys for context values
type ContextKey string

const (
	// TickIDKey is the context key for the polling tick ID
	TickIDKey ContextKey = "tick_id"
	// ComponentKey is the context key for component name
	ComponentKey ContextKey = "component"
	// OperationKey is the context key for operation name
	OperationKey ContextKey = "operation"
	// ExchangeKey is the context key for the exchange id
	ExchangeKey ContextKey = "exchange"
	// PairKey is the context key for trading pair
	PairKey ContextKey = "pair"
	// PeriodKey is the context key for the candle period
	PeriodKey ContextKey = "period"
)

// LoggerManager manages structured logging for the application
type LoggerManager struct {
	baseLogger *slog.Logger
	config     config.LoggingConfig
	writer     io.WriteCloser

	mu             sync.Mutex
	componentCache map[string]*slog.Logger
}

// ComponentLogger represents a logger for a specific component
type ComponentLogger struct {
	*slog.Logger
	component string
}

// NewLoggerManager creates a new logger manager with the specified configuration
func NewLoggerManager(cfg config.LoggingConfig) (*LoggerManager, error) {
	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}
	return newManager(cfg, writer), nil
}

// NewLoggerManagerWithWriter builds a manager that writes to w regardless of cfg.Output.
func NewLoggerManagerWithWriter(cfg config.LoggingConfig, w io.Writer) *LoggerManager {
	return newManager(cfg, nopWriteCloser{w})
}

func newManager(cfg config.LoggingConfig, writer io.WriteCloser) *LoggerManager {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(cfg.Level),
		AddSource: cfg.Level == "debug",
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToUpper(level.String()))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	baseAttrs := make([]slog.Attr, 0, len(cfg.ContextFields))
	for key, value := range cfg.ContextFields {
		baseAttrs = append(baseAttrs, slog.String(key, value))
	}
	if len(baseAttrs) > 0 {
		handler = handler.WithAttrs(baseAttrs)
	}

	return &LoggerManager{
		baseLogger:     slog.New(handler),
		config:         cfg,
		writer:         writer,
		componentCache: make(map[string]*slog.Logger),
	}
}

// createWriter creates the appropriate writer based on configuration
func createWriter(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stderr":
		return nopWriteCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}, nil
	default:
		return nopWriteCloser{os.Stdout}, nil
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogger returns the base logger instance
func (lm *LoggerManager) GetLogger() *slog.Logger {
	return lm.baseLogger
}

// GetComponentLogger returns a logger for the specified component
func (lm *LoggerManager) GetComponentLogger(component string) *ComponentLogger {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	cached, exists := lm.componentCache[component]
	if !exists {
		cached = lm.baseLogger.With(slog.String("component", component))
		lm.componentCache[component] = cached
	}
	return &ComponentLogger{Logger: cached, component: component}
}

// WithContext creates a logger that includes context values
func (lm *LoggerManager) WithContext(ctx context.Context) *slog.Logger {
	attrs := extractContextAttributes(ctx)
	if len(attrs) == 0 {
		return lm.baseLogger
	}
	return lm.baseLogger.With(attrs...)
}

// Close closes the logger and any associated resources
func (lm *LoggerManager) Close() error {
	if lm.writer != nil {
		return lm.writer.Close()
	}
	return nil
}

// ContextAttrs returns the context values as slog attributes, for callers that
// log through a plain *slog.Logger.
func ContextAttrs(ctx context.Context) []any {
	return extractContextAttributes(ctx)
}

func extractContextAttributes(ctx context.Context) []any {
	var attrs []any
	for _, key := range []ContextKey{TickIDKey, OperationKey, ExchangeKey, PairKey, PeriodKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}

// NewTickID returns a fresh identifier for one polling tick.
func NewTickID() string {
	return uuid.NewString()
}

// WithTickID adds a tick ID to the context
func WithTickID(ctx context.Context, tickID string) context.Context {
	return context.WithValue(ctx, TickIDKey, tickID)
}

// WithOperation adds an operation name to the context
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}

// WithSeries adds the exchange, pair and period of a series key to the context.
func WithSeries(ctx context.Context, key models.SeriesKey) context.Context {
	ctx = context.WithValue(ctx, ExchangeKey, key.Exchange)
	ctx = context.WithValue(ctx, PairKey, key.Pair)
	return context.WithValue(ctx, PeriodKey, key.Period.String())
}

// GetTickID extracts the tick ID from context
func GetTickID(ctx context.Context) string {
	tickID, _ := ctx.Value(TickIDKey).(string)
	return tickID
}

// GetOperation extracts the operation name from context
func GetOperation(ctx context.Context) string {
	operation, _ := ctx.Value(OperationKey).(string)
	return operation
}

// GetPair extracts the trading pair from context
func GetPair(ctx context.Context) string {
	pair, _ := ctx.Value(PairKey).(string)
	return pair
}

// WithSeries returns a logger carrying the series key fields.
func (cl *ComponentLogger) WithSeries(key models.SeriesKey) *slog.Logger {
	return cl.With(
		slog.String("exchange", key.Exchange),
		slog.String("pair", key.Pair),
		slog.String("period", key.Period.String()))
}

// InfoWithContext logs info with full context information
func (cl *ComponentLogger) InfoWithContext(ctx context.Context, msg string, args ...any) {
	cl.Info(msg, append(extractContextAttributes(ctx), args...)...)
}

// DebugWithContext logs debug information with full context
func (cl *ComponentLogger) DebugWithContext(ctx context.Context, msg string, args ...any) {
	cl.Debug(msg, append(extractContextAttributes(ctx), args...)...)
}

// WarnWithContext logs a warning with full context information
func (cl *ComponentLogger) WarnWithContext(ctx context.Context, msg string, args ...any) {
	cl.Warn(msg, append(extractContextAttributes(ctx), args...)...)
}

// ErrorWithContext logs err at the level its classification calls for, together
// with the context values.
func (cl *ComponentLogger) ErrorWithContext(ctx context.Context, msg string, err error, args ...any) {
	LogErrorWithContext(ctx, cl.Logger, cl.component, err, msg, args...)
}

// TimedOperation runs fn and logs its duration, or its failure.
func TimedOperation(ctx context.Context, logger *slog.Logger, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	attrs := append(extractContextAttributes(ctx),
		slog.String("operation", operation),
		slog.Duration("duration", duration))
	if err != nil {
		logger.Error("operation failed", append(attrs, slog.Any("error", err))...)
		return err
	}
	logger.Debug("operation completed", attrs...)
	return nil
}

// LogError logs an error with structured context
func LogError(logger *slog.Logger, err error, msg string, attrs ...any) {
	LogErrorWithContext(context.Background(), logger, "", err, msg, attrs...)
}

// LogErrorWithContext classifies err and logs it at the matching level. Unsupported
// markets and rejected credentials are expected in normal operation and log at info;
// cancellation logs at warn.
func LogErrorWithContext(ctx context.Context, logger *slog.Logger, component string, err error, msg string, attrs ...any) {
	if err == nil {
		return
	}
	classified := apperrors.Classify(err, component, GetOperation(ctx))

	all := extractContextAttributes(ctx)
	all = append(all,
		slog.Any("error", err),
		slog.String("error_type", string(classified.Type)),
		slog.String("severity", classified.Severity.String()),
		slog.Bool("retryable", classified.Retryable))
	all = append(all, attrs...)

	logger.Log(ctx, classified.LogLevel(), msg, all...)
}

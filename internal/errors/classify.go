package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	ErrorTypeNetwork        ErrorType = "network"        // Network connectivity issues
	ErrorTypeTimeout        ErrorType = "timeout"        // Per-call or per-key deadline hit
	ErrorTypeRateLimit      ErrorType = "rate_limit"     // Throttled by the exchange
	ErrorTypeUnavailable    ErrorType = "unavailable"    // Exchange down or 5xx
	ErrorTypeExchange       ErrorType = "exchange"       // Other exchange-side failure
	ErrorTypeAuthentication ErrorType = "authentication" // Credentials rejected
	ErrorTypeNotSupported   ErrorType = "not_supported"  // Exchange lacks the capability or pair
	ErrorTypeBadRequest     ErrorType = "bad_request"    // 4xx other than rate limit
	ErrorTypeStore          ErrorType = "store"          // Series store failure
	ErrorTypeInvariant      ErrorType = "invariant"      // Append rejected by the store
	ErrorTypeReconcile      ErrorType = "reconcile"      // Stored tail inconsistent
	ErrorTypeCanceled       ErrorType = "canceled"       // Parent context canceled
	ErrorTypeUnknown        ErrorType = "unknown"        // Unclassified errors
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is checks if the error is of the specified type
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// LogLevel maps the classification to a log level. Capability and credential
// problems are expected for some exchanges and log at info.
func (ce *ClassifiedError) LogLevel() slog.Level {
	switch ce.Type {
	case ErrorTypeNotSupported, ErrorTypeAuthentication:
		return slog.LevelInfo
	case ErrorTypeCanceled:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// ErrorStats tracks error statistics for monitoring
type ErrorStats struct {
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Classifier classifies errors and keeps per-type counts.
type Classifier struct {
	mu    sync.RWMutex
	stats map[ErrorType]ErrorStats
	now   func() time.Time
}

// NewClassifier creates a classifier with empty statistics.
func NewClassifier() *Classifier {
	return &Classifier{
		stats: make(map[ErrorType]ErrorStats),
		now:   time.Now,
	}
}

// Classify analyzes err and returns a ClassifiedError. An already classified
// error is returned unchanged.
func (c *Classifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	classified := Classify(err, component, operation)
	classified.Timestamp = c.now()
	c.record(classified.Type, classified.Timestamp)
	return classified
}

// Stats returns a copy of the per-type counters.
func (c *Classifier) Stats() map[ErrorType]ErrorStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[ErrorType]ErrorStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = v
	}
	return out
}

func (c *Classifier) record(t ErrorType, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats[t]
	s.Count++
	s.LastSeen = at
	if s.FirstSeen.IsZero() {
		s.FirstSeen = at
	}
	c.stats[t] = s
}

// Classify is a convenience wrapper that classifies without recording statistics.
func Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	t := classifyType(err)
	return &ClassifiedError{
		Err:       err,
		Type:      t,
		Severity:  severityFor(t),
		Retryable: retryable(t),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// classifyType checks typed errors and sentinels first, then falls back to
// message patterns for errors raised by third-party clients.
func classifyType(err error) ErrorType {
	switch {
	case errors.Is(err, ErrInvariantViolation):
		return ErrorTypeInvariant
	case IsReconcileError(err):
		return ErrorTypeReconcile
	case errors.Is(err, ErrRateLimited):
		return ErrorTypeRateLimit
	case errors.Is(err, ErrNotSupported), errors.Is(err, ErrUnknownExchange):
		return ErrorTypeNotSupported
	case errors.Is(err, ErrAuthentication):
		return ErrorTypeAuthentication
	case errors.Is(err, ErrUnavailable):
		return ErrorTypeUnavailable
	case errors.Is(err, ErrBadRequest):
		return ErrorTypeBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}

	if IsStoreError(err) {
		return ErrorTypeStore
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case containsAny(errStr, "rate limit", "too many requests", "code=-1003"):
		return ErrorTypeRateLimit
	case containsAny(errStr, "timeout", "deadline exceeded"):
		return ErrorTypeTimeout
	case containsAny(errStr, "connection refused", "connection reset", "no such host", "network unreachable"):
		return ErrorTypeNetwork
	case containsAny(errStr, "unauthorized", "forbidden", "invalid api-key", "invalid credentials"):
		return ErrorTypeAuthentication
	case containsAny(errStr, "service unavailable", "bad gateway", "server error"):
		return ErrorTypeUnavailable
	case containsAny(errStr, "invalid symbol", "unknown asset pair", "not supported"):
		return ErrorTypeNotSupported
	}

	if IsSourceError(err) {
		return ErrorTypeExchange
	}
	return ErrorTypeUnknown
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func severityFor(t ErrorType) Severity {
	switch t {
	case ErrorTypeInvariant, ErrorTypeReconcile:
		return SeverityCritical
	case ErrorTypeStore, ErrorTypeAuthentication:
		return SeverityHigh
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeCanceled, ErrorTypeNotSupported:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// retryable reports whether a later tick can be expected to succeed.
// The aggregator itself never retries a fetch; the flag feeds logs and metrics.
func retryable(t ErrorType) bool {
	switch t {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeUnavailable, ErrorTypeExchange, ErrorTypeCanceled:
		return true
	default:
		return false
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if ce := Classify(err, "", ""); ce != nil {
		return ce.Retryable
	}
	return false
}

// GetErrorType extracts the error type, classifying err if needed.
func GetErrorType(err error) ErrorType {
	if ce := Classify(err, "", ""); ce != nil {
		return ce.Type
	}
	return ErrorTypeUnknown
}

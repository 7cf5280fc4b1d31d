// Package recovery implements the panel-side retry/recovery engine:
// a structured error hierarchy with classification, exponential
// backoff retry, a fallback result cache, and per-component recovery-state
// tracking that drives NORMAL/DEGRADED/EMERGENCY/OFFLINE mode selection.
package recovery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Category is the top-level error taxonomy bucket.
type Category string

const (
	CategoryNetwork        Category = "NETWORK"
	CategoryService        Category = "SERVICE"
	CategoryTimeout        Category = "TIMEOUT"
	CategoryAuthentication Category = "AUTHENTICATION"
	CategoryConfiguration  Category = "CONFIGURATION"
	CategoryResource       Category = "RESOURCE"
	CategoryProtocol       Category = "PROTOCOL"
)

// Severity ranks how serious a structured error is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Strategy is one recommended recovery action.
type Strategy string

const (
	StrategyRetry        Strategy = "RETRY"
	StrategyReconnect    Strategy = "RECONNECT"
	StrategyFallback     Strategy = "FALLBACK"
	StrategyDegrade      Strategy = "DEGRADE"
	StrategyEscalate     Strategy = "ESCALATE"
	StrategyCircuitBreak Strategy = "CIRCUIT_BREAK"
)

// ErrorContext carries the call-site metadata a structured error is judged
// and logged against.
type ErrorContext struct {
	NodeID        string
	Operation     string
	AttemptNumber int
	RemoteAddress string
	Duration      time.Duration
	Metadata      map[string]string
}

// Code is a leaf error kind within a Category (NETWORK holds Connection,
// ConnectionTimeout, NetworkUnstable, and so on).
type Code string

const (
	CodeConnection        Code = "connection"
	CodeConnectionTimeout Code = "connection_timeout"
	CodeNetworkUnstable   Code = "network_unstable"
	CodeContainerNetwork  Code = "container_network"

	CodeServiceUnavailable Code = "service_unavailable"
	CodeOverloaded         Code = "overloaded"
	CodeDegraded           Code = "degraded"
	CodeBackend            Code = "backend"
	CodeCircuitBreaker     Code = "circuit_breaker"

	CodeOperationTimeout   Code = "operation_timeout"
	CodeStreamTimeout      Code = "stream_timeout"
	CodeHealthCheckTimeout Code = "health_check_timeout"

	CodeSSL                Code = "ssl"
	CodeCertificateExpired Code = "certificate_expired"
	CodeInvalidCredentials Code = "invalid_credentials"

	CodeConfigInvalid    Code = "config_invalid"
	CodeConfigMissing    Code = "config_missing"
	CodeConfigValidation Code = "config_validation"

	CodeResourceMemory   Code = "resource_memory"
	CodeResourceDisk     Code = "resource_disk"
	CodeResourceCPU      Code = "resource_cpu"
	CodeContainerRestart Code = "container_restart"

	CodeGRPC              Code = "grpc"
	CodeVersionMismatch   Code = "version_mismatch"
	CodeStreamInterrupted Code = "stream_interrupted"
)

// StructuredError is a raw failure translated into the taxonomy: a
// category, leaf code, severity, retryability, and the set of recommended
// recovery strategies, carrying the originating error and its
// ErrorContext.
type StructuredError struct {
	Category   Category
	Code       Code
	Severity   Severity
	Retryable  bool
	Strategies []Strategy
	Context    ErrorContext
	Cause      error
}

func (e *StructuredError) Error() string {
	return fmt.Sprintf("%s/%s (%s, retryable=%v) op=%s node=%s: %v",
		e.Category, e.Code, e.Severity, e.Retryable, e.Context.Operation, e.Context.NodeID, e.Cause)
}

func (e *StructuredError) Unwrap() error { return e.Cause }

// HasStrategy reports whether s is among e.Strategies.
func (e *StructuredError) HasStrategy(s Strategy) bool {
	for _, want := range e.Strategies {
		if want == s {
			return true
		}
	}
	return false
}

// newStructured is the internal constructor shared by every classification branch.
func newStructured(cat Category, code Code, sev Severity, retryable bool, strategies []Strategy, cause error, ctx ErrorContext) *StructuredError {
	return &StructuredError{
		Category: cat, Code: code, Severity: sev, Retryable: retryable,
		Strategies: strategies, Cause: cause, Context: ctx,
	}
}

// Classify turns a raw error (a gRPC status error, a transport/TLS error,
// or any other Go error) into a StructuredError. A nil err yields nil; for
// any other error it never returns nil: an error that matches no known
// pattern becomes a CRITICAL, non-retryable PROTOCOL/GRPC error so callers
// always have a Strategies set to act on.
func Classify(err error, ctx ErrorContext) *StructuredError {
	if err == nil {
		return nil
	}
	var se *StructuredError
	if errors.As(err, &se) {
		return se
	}

	if st, ok := status.FromError(err); ok {
		return classifyGRPC(st.Code(), err, ctx)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "certificate") && (strings.Contains(msg, "expired") || strings.Contains(msg, "expiry")):
		return newStructured(CategoryAuthentication, CodeCertificateExpired, SeverityHigh, false,
			[]Strategy{StrategyEscalate}, err, ctx)
	case strings.Contains(msg, "x509") || strings.Contains(msg, "tls") || strings.Contains(msg, "ssl"):
		return newStructured(CategoryAuthentication, CodeSSL, SeverityHigh, false,
			[]Strategy{StrategyEscalate}, err, ctx)
	case strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return newStructured(CategoryNetwork, CodeConnectionTimeout, SeverityMedium, true,
			[]Strategy{StrategyRetry, StrategyReconnect}, err, ctx)
	case strings.Contains(msg, "connection refused"):
		return newStructured(CategoryNetwork, CodeConnection, SeverityMedium, true,
			[]Strategy{StrategyRetry, StrategyReconnect}, err, ctx)
	case strings.Contains(msg, "network unreachable") || strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "no route to host") || strings.Contains(msg, "connection reset"):
		return newStructured(CategoryNetwork, CodeNetworkUnstable, SeverityMedium, true,
			[]Strategy{StrategyRetry, StrategyReconnect, StrategyDegrade}, err, ctx)
	default:
		return newStructured(CategoryProtocol, CodeGRPC, SeverityCritical, false,
			[]Strategy{StrategyEscalate}, err, ctx)
	}
}

// classifyGRPC maps a gRPC status code onto the structured taxonomy.
func classifyGRPC(code codes.Code, err error, ctx ErrorContext) *StructuredError {
	switch code {
	case codes.Unavailable:
		return newStructured(CategoryService, CodeServiceUnavailable, SeverityMedium, true,
			[]Strategy{StrategyRetry, StrategyReconnect, StrategyFallback, StrategyCircuitBreak}, err, ctx)
	case codes.DeadlineExceeded:
		return newStructured(CategoryTimeout, CodeOperationTimeout, SeverityMedium, true,
			[]Strategy{StrategyRetry}, err, ctx)
	case codes.ResourceExhausted:
		return newStructured(CategoryService, CodeOverloaded, SeverityMedium, true,
			[]Strategy{StrategyRetry, StrategyFallback, StrategyDegrade}, err, ctx)
	case codes.Unauthenticated, codes.PermissionDenied:
		return newStructured(CategoryAuthentication, CodeInvalidCredentials, SeverityHigh, false,
			[]Strategy{StrategyEscalate}, err, ctx)
	case codes.InvalidArgument, codes.FailedPrecondition:
		return newStructured(CategoryConfiguration, CodeConfigInvalid, SeverityHigh, false,
			[]Strategy{StrategyEscalate}, err, ctx)
	case codes.Aborted:
		return newStructured(CategoryProtocol, CodeStreamInterrupted, SeverityMedium, true,
			[]Strategy{StrategyRetry, StrategyReconnect}, err, ctx)
	case codes.Internal:
		return newStructured(CategoryService, CodeBackend, SeverityHigh, true,
			[]Strategy{StrategyRetry, StrategyCircuitBreak}, err, ctx)
	default:
		return newStructured(CategoryProtocol, CodeGRPC, SeverityMedium, true,
			[]Strategy{StrategyRetry}, err, ctx)
	}
}

// NewCircuitBreakerError wraps a breaker rejection as a non-retryable
// StructuredError. A breaker trip is never retried directly; the breaker
// controls retries through its HALF_OPEN probe.
func NewCircuitBreakerError(cause error, ctx ErrorContext) *StructuredError {
	return newStructured(CategoryService, CodeCircuitBreaker, SeverityMedium, false,
		[]Strategy{StrategyCircuitBreak}, cause, ctx)
}

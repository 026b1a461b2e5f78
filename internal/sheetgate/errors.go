package sheetgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

var (
	ErrTransient      = errors.New("transient remote error")
	ErrKeyNotFound    = errors.New("key not found")
	ErrHeaderNotFound = errors.New("header not found")
	ErrDuplicateKey   = errors.New("duplicate key")
	ErrValidation     = errors.New("validation failed")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// RemoteError is returned by tabular stores for any non-success response.
type RemoteError struct {
	Op         string
	StatusCode int
	Status     string
	Message    string
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: status=%d code=%s message=%s", e.Op, e.StatusCode, e.Status, e.Message)
}

// StatusLocalIO marks a failure reading or writing a local workbook.
const StatusLocalIO = "LOCAL_IO"

// Retryable reports whether the status signals rate limiting or server unavailability.
func (e *RemoteError) Retryable() bool {
	if e.Status == StatusLocalIO {
		return false
	}
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrTransient && e.Retryable()
}

// IsTransient classifies err for the retry executor.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Retryable()
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsFatal reports whether err came from the remote store and must not be retried.
func IsFatal(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && !remote.Retryable()
}

type ValidationError struct {
	Entity string
	Row    int
	Key    string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s row %d (key %q): field %s: %s", e.Entity, e.Row, e.Key, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s row %d: field %s: %s", e.Entity, e.Row, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type KeyNotFoundError struct {
	Entity string
	Key    string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("%s: key %q not found", e.Entity, e.Key)
}

func (e *KeyNotFoundError) Is(target error) bool {
	return target == ErrKeyNotFound
}

type HeaderNotFoundError struct {
	Entity  string
	Range   string
	Headers []string
}

func (e *HeaderNotFoundError) Error() string {
	return fmt.Sprintf("%s: headers %q not found in %s", e.Entity, e.Headers, e.Range)
}

func (e *HeaderNotFoundError) Is(target error) bool {
	return target == ErrHeaderNotFound
}

type MutationStage string

const (
	StageIdle         MutationStage = "idle"
	StageResolvingRow MutationStage = "resolving_row"
	StageWriting      MutationStage = "writing"
	StageInvalidating MutationStage = "invalidating"
	StageDone         MutationStage = "done"
)

// MutationError records where a create, update or delete stopped. It unwraps
// to the underlying cause.
type MutationError struct {
	Op     string
	Entity string
	Key    string
	Stage  MutationStage
	Err    error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s %q failed while %s: %v", e.Op, e.Entity, e.Key, e.Stage, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

type DiagnosticKind string

const (
	DiagnosticValidation    DiagnosticKind = "validation"
	DiagnosticMissingHeader DiagnosticKind = "missing_header"
	DiagnosticDuplicateKey  DiagnosticKind = "duplicate_key"
)

// Diagnostic is a non-fatal problem found while decoding a batch.
type Diagnostic struct {
	Entity  string         `json:"entity"`
	Row     int            `json:"row,omitempty"`
	Key     string         `json:"key,omitempty"`
	Field   string         `json:"field,omitempty"`
	Kind    DiagnosticKind `json:"kind"`
	Message string         `json:"message"`
}

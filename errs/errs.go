// Package errs provides structured error types and helpers for the pocketoption client.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies the failure category of a client operation.
type Code string

const (
	// CodeNetwork indicates a transient transport or connectivity failure.
	CodeNetwork Code = "network"
	// CodeAuth indicates the server rejected the session credentials.
	CodeAuth Code = "auth"
	// CodeDecode indicates an inbound frame could not be decoded.
	CodeDecode Code = "decode"
	// CodeTimeout indicates a correlated request received no response in time.
	CodeTimeout Code = "timeout"
	// CodeRejected indicates the server refused a request such as an order.
	CodeRejected Code = "rejected"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the session is not usable, e.g. every endpoint was exhausted.
	CodeUnavailable Code = "unavailable"
	// CodeCanceled indicates the operation was canceled by the caller or by disconnect.
	CodeCanceled Code = "canceled"
)

// CanonicalCode refines a Code with a protocol-agnostic category.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalPartialData marks a timeout that still carries partial data.
	CanonicalPartialData CanonicalCode = "partial_data"
	// CanonicalEndpointsExhausted marks a connect that ran out of endpoints.
	CanonicalEndpointsExhausted CanonicalCode = "endpoints_exhausted"
	// CanonicalOrderNotFound indicates that the referenced order does not exist.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalInvalidAsset indicates an unknown or malformed asset symbol.
	CanonicalInvalidAsset CanonicalCode = "invalid_asset"
	// CanonicalNotConnected indicates the call needs a Ready session.
	CanonicalNotConnected CanonicalCode = "not_connected"
)

// E captures structured error information produced across the client.
type E struct {
	Op          string
	Code        Code
	Canonical   CanonicalCode
	Message     string
	Remediation string
	Metadata    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:        strings.TrimSpace(op),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	if op := strings.TrimSpace(e.Op); op != "" {
		parts = append(parts, "op="+op)
	}

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first *E in err's chain, or "" when none is present.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// CanonicalOf returns the canonical code of the first *E in err's chain.
func CanonicalOf(err error) CanonicalCode {
	var e *E
	if errors.As(err, &e) {
		return e.Canonical
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether a connect-path failure may be retried on another attempt.
// Authentication rejections and caller cancellation are final.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeAuth, CodeCanceled, CodeInvalid:
		return false
	default:
		return err != nil
	}
}

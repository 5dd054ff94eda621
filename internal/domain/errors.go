package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrLockHeld          = errors.New("lock already held")
	ErrIllegalTransition = errors.New("illegal trade state transition")
	ErrExecutionDisabled = errors.New("execution disabled")
	ErrEngineStopped     = errors.New("engine stopped")
	ErrAtCapacity        = errors.New("at max concurrent trades")
	ErrUnknownScope      = errors.New("unknown breaker scope")
	ErrUnknownVenue      = errors.New("unknown venue")
)

// ErrorClass tells the retry governor whether a failure may succeed on retry.
type ErrorClass string

const (
	ClassTransient  ErrorClass = "transient"
	ClassPersistent ErrorClass = "persistent"
)

// VenueError is the error every venue adapter returns for failed calls.
type VenueError struct {
	Venue string
	Op    string
	Class ErrorClass
	Code  string
	HTTP  int
	Msg   string
	cause error
}

// VenueErrorOption customises a VenueError.
type VenueErrorOption func(*VenueError)

// WithCode attaches a venue-specific error code.
func WithCode(code string) VenueErrorOption {
	return func(e *VenueError) { e.Code = strings.TrimSpace(code) }
}

// WithHTTP records the HTTP status that produced the error.
func WithHTTP(status int) VenueErrorOption {
	return func(e *VenueError) { e.HTTP = status }
}

// WithCause wraps an underlying error.
func WithCause(err error) VenueErrorOption {
	return func(e *VenueError) { e.cause = err }
}

// NewVenueError builds a classified venue error.
func NewVenueError(venue, op string, class ErrorClass, msg string, opts ...VenueErrorOption) *VenueError {
	e := &VenueError{Venue: venue, Op: op, Class: class, Msg: msg}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Transient is shorthand for a retryable venue error.
func Transient(venue, op, msg string, opts ...VenueErrorOption) *VenueError {
	return NewVenueError(venue, op, ClassTransient, msg, opts...)
}

// Persistent is shorthand for a non-retryable venue error.
func Persistent(venue, op, msg string, opts ...VenueErrorOption) *VenueError {
	return NewVenueError(venue, op, ClassPersistent, msg, opts...)
}

func (e *VenueError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Venue, e.Op, e.Class)
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.HTTP != 0 {
		fmt.Fprintf(&b, " http=%d", e.HTTP)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *VenueError) Unwrap() error { return e.cause }

// Timeout reports whether the error was a call timeout, i.e. the outcome at
// the venue is unknown.
func (e *VenueError) Timeout() bool {
	return e.Code == CodeTimeout || errors.Is(e.cause, context.DeadlineExceeded)
}

// Well-known venue error codes.
const (
	CodeTimeout             = "timeout"
	CodeRateLimited         = "rate_limited"
	CodeInsufficientBalance = "insufficient_balance"
	CodeUnauthorized        = "unauthorized"
	CodeInvalidOrder        = "invalid_order"
	CodeUnavailable         = "unavailable"
)

// MalformedResponseError means a venue returned something unusable. It is
// never retried.
type MalformedResponseError struct {
	Venue  string
	Op     string
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s %s: malformed response: %s", e.Venue, e.Op, e.Reason)
}

// StateInconsistencyError reports drift between local and venue state.
type StateInconsistencyError struct {
	Venue    string
	Asset    string
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e *StateInconsistencyError) Error() string {
	return fmt.Sprintf("state inconsistency on %s/%s: expected %s, venue reports %s",
		e.Venue, e.Asset, e.Expected, e.Actual)
}

// InsufficientLiquidityError means a trade cannot be sized or funded.
type InsufficientLiquidityError struct {
	Venue     string
	Asset     string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientLiquidityError) Error() string {
	if e.Venue == "" {
		return fmt.Sprintf("insufficient liquidity: need %s, have %s", e.Required, e.Available)
	}
	return fmt.Sprintf("insufficient liquidity on %s/%s: need %s, have %s",
		e.Venue, e.Asset, e.Required, e.Available)
}

// Classify maps any error to a retry class. Unknown errors are persistent so
// that nothing with side effects is repeated blindly.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Class
	}
	var me *MalformedResponseError
	if errors.As(err, &me) {
		return ClassPersistent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}
	return ClassPersistent
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsTimeout reports whether err leaves the outcome of a venue call unknown.
func IsTimeout(err error) bool {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Timeout()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Package portalerr is the failure taxonomy shared by probing, catalog fetching and stream resolution.
package portalerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a failure. The zero value is KindUnknown.
type Kind int

const (
	KindUnknown Kind = iota
	// AuthenticationFailure: every dialect template was exhausted or the portal rejected the session.
	AuthenticationFailure
	// FormatUnsupported: the response was classified but cannot be parsed (markup-only interface etc).
	FormatUnsupported
	// EmptyCatalog: the response parsed but yielded no channels.
	EmptyCatalog
	// TransientNetworkFailure: connect/read timeout or connection error. Retryable.
	TransientNetworkFailure
	// ServerOverload: 5xx or 429 from the portal. Retryable with backoff.
	ServerOverload
	// TokenExpired: 401 on resolve that survived one session refresh.
	TokenExpired
	// ChannelGone: 404 on resolve. Terminal for that channel only.
	ChannelGone
	// SubscriptionInvalid: the portal says the account is unpaid, expired or banned.
	SubscriptionInvalid
	// Cancelled: the caller cancelled the operation.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case AuthenticationFailure:
		return "authentication_failure"
	case FormatUnsupported:
		return "format_unsupported"
	case EmptyCatalog:
		return "empty_catalog"
	case TransientNetworkFailure:
		return "transient_network_failure"
	case ServerOverload:
		return "server_overload"
	case TokenExpired:
		return "token_expired"
	case ChannelGone:
		return "channel_gone"
	case SubscriptionInvalid:
		return "subscription_invalid"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retryable reports whether the orchestrator may retry a failure of this kind.
func (k Kind) Retryable() bool {
	return k == TransientNetworkFailure || k == ServerOverload
}

// Error is a classified failure with enough context for a human-readable diagnostic.
type Error struct {
	Kind       Kind
	Stage      string        // "probe", "catalog", "resolve", ...
	Attempted  []string      // what was tried, e.g. template names
	Detail     string        // free-form explanation
	StatusCode int           // HTTP status when the failure came from a response
	RetryAfter time.Duration // server hint, 0 when absent
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(e.Stage)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Attempted) > 0 {
		b.WriteString(" (attempted ")
		b.WriteString(strings.Join(e.Attempted, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a formatted detail.
func New(kind Kind, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, stage string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// FromStatus maps a non-200 HTTP status to a kind. A 404 means a missing channel
// only on resolve; on handshake the dialect's auth path does not exist, and on
// any other stage the portal does not serve that dialect.
func FromStatus(stage string, code int, retryAfter time.Duration) *Error {
	e := &Error{Stage: stage, StatusCode: code, RetryAfter: retryAfter, Detail: fmt.Sprintf("HTTP %d", code)}
	switch {
	case code == http.StatusPaymentRequired:
		e.Kind = SubscriptionInvalid
	case code == http.StatusTooManyRequests || code >= 500:
		e.Kind = ServerOverload
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.Kind = AuthenticationFailure
	case code == http.StatusNotFound && stage == "resolve":
		e.Kind = ChannelGone
	case code == http.StatusNotFound && stage == "handshake":
		e.Kind = AuthenticationFailure
	default:
		e.Kind = FormatUnsupported
	}
	return e
}

// FromTransport classifies an error returned by http.Client.Do or a body read.
func FromTransport(stage string, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: Cancelled, Stage: stage, Err: err}
	}
	// Everything below the HTTP layer (timeouts, refused, resets, DNS) is transient
	// as far as the orchestrator is concerned; the attempt bound stops endless retries.
	detail := "network error"
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		detail = "timeout"
	}
	return &Error{Kind: TransientNetworkFailure, Stage: stage, Detail: detail, Err: err}
}

// KindOf returns the kind of err, classifying unwrapped transport errors on the fly.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &ne) {
		return TransientNetworkFailure
	}
	return KindUnknown
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// RetryAfterOf returns the server's Retry-After hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// Is reports whether err is a classified failure of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

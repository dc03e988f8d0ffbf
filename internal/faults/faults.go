// Package faults defines the error taxonomy surfaced by the acquisition
// gateway. Provider-level faults (RateLimited, Timeout, NotFound,
// InvalidResponse, Unavailable) drive failover decisions inside the executor
// and never escape it; only Unroutable, Unavailable, and Timeout reach the
// upstream caller.
package faults

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Kind classifies a fault for differentiated handling.
type Kind string

const (
	// Unroutable means no provider is competent for the request. A
	// configuration or usage error; not retryable as-is.
	Unroutable Kind = "unroutable"
	// RateLimited is a transient admission denial, retryable after a delay.
	RateLimited Kind = "rate_limited"
	// Timeout means a provider call exceeded its deadline.
	Timeout Kind = "timeout"
	// NotFound means the provider answered but has no data for the entity.
	NotFound Kind = "not_found"
	// InvalidResponse means the provider returned malformed or incomplete data.
	InvalidResponse Kind = "invalid_response"
	// Unavailable means every candidate failed and no usable cache exists.
	Unavailable Kind = "unavailable"
)

// Fault is a classified gateway error. Attempts records which providers were
// tried and why each failed, so terminal errors carry enough context to log
// and alert without leaking raw provider errors.
type Fault struct {
	Kind     Kind
	Err      error
	Attempts []Attempt
}

// Attempt records one failed provider call during a failover walk.
type Attempt struct {
	ProviderID string `json:"provider_id"`
	Kind       Kind   `json:"kind"`
	Detail     string `json:"detail,omitempty"`
}

func (f *Fault) Error() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	if len(f.Attempts) > 0 {
		b.WriteString(" (tried:")
		for _, a := range f.Attempts {
			fmt.Fprintf(&b, " %s=%s", a.ProviderID, a.Kind)
		}
		b.WriteString(")")
	}
	return b.String()
}

func (f *Fault) Unwrap() error { return f.Err }

// New creates a Fault of the given kind with a message.
func New(kind Kind, msg string) *Fault {
	return &Fault{Kind: kind, Err: eris.New(msg)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, err error, msg string) *Fault {
	return &Fault{Kind: kind, Err: eris.Wrap(err, msg)}
}

// KindOf returns the classification of err, or an empty Kind when err carries
// no Fault in its chain.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AttemptsOf extracts the provider attempt trail from err, if any.
func AttemptsOf(err error) []Attempt {
	var f *Fault
	if errors.As(err, &f) {
		return f.Attempts
	}
	return nil
}

// Terminal reports whether kind may propagate to the upstream caller.
func Terminal(kind Kind) bool {
	switch kind {
	case Unroutable, Unavailable, Timeout:
		return true
	default:
		return false
	}
}

// FromStatus maps an HTTP status code to a fault kind for provider adapters.
func FromStatus(status int) Kind {
	switch {
	case status == 404:
		return NotFound
	case status == 429:
		return RateLimited
	case status == 408 || status == 504:
		return Timeout
	case status >= 500:
		return Unavailable
	default:
		return InvalidResponse
	}
}

package common

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTransient and ErrPermanent are sentinel errors adapters will use when
// classifying provider failures.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
)

// WrapTransient annotates an error so callers can detect transient failures.
// The original error stays reachable through errors.As.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return &classifiedError{marker: ErrTransient, err: err}
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return &classifiedError{marker: ErrPermanent, err: err}
}

type classifiedError struct {
	marker error
	err    error
}

func (e *classifiedError) Error() string {
	return fmt.Sprintf("%v: %v", e.marker, e.err)
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.marker, e.err}
}

// ProviderError describes a failed provider call. HTTPStatus is only set by
// HTTP based providers; Code carries the provider specific code (an SMTP reply
// code, a Twilio error code, ...).
type ProviderError struct {
	Provider   string
	HTTPStatus int
	Code       string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.HTTPStatus > 0 {
		fmt.Fprintf(&b, ": http %d", e.HTTPStatus)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": code %s", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// HTTPStatusOf returns the HTTP status carried by a ProviderError in err's
// chain, or zero.
func HTTPStatusOf(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.HTTPStatus
	}
	return 0
}

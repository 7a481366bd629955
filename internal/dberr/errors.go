// Package dberr defines the error kinds surfaced by the database engine.
//
// Every terminal error returned to the presentation layer is a *Error carrying
// the profile it concerns, the failing operation and the underlying cause, so
// it can be shown verbatim. Kinds are matched with errors.Is against the
// package sentinels:
//
//	if errors.Is(err, dberr.ErrTimeout) { ... }
package dberr

import (
	"context"
	"errors"
	"strings"
)

// Kind classifies an engine error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindTunnel
	KindConnection
	KindTimeout
	KindQuery
	KindMetadataRefresh
	KindExport
	KindCancelled
	KindBusy
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication failed"
	case KindTunnel:
		return "tunnel error"
	case KindConnection:
		return "connection error"
	case KindTimeout:
		return "timeout"
	case KindQuery:
		return "query error"
	case KindMetadataRefresh:
		return "metadata refresh failed"
	case KindExport:
		return "export failed"
	case KindCancelled:
		return "cancelled"
	case KindBusy:
		return "session busy"
	case KindClosed:
		return "closed"
	default:
		return "error"
	}
}

// Reasons attached to tunnel errors.
const (
	ReasonAuth        = "auth"
	ReasonUnreachable = "unreachable"
)

// Error is the engine's terminal error type.
type Error struct {
	Kind    Kind
	Profile string // profile identity, empty when not profile-bound
	Op      string // failing operation, e.g. "lease", "open session"
	Reason  string // optional refinement of Kind, e.g. ReasonAuth
	Err     error  // underlying cause
}

// Sentinels for errors.Is matching by kind.
var (
	ErrAuthentication  = &Error{Kind: KindAuthentication}
	ErrTunnel          = &Error{Kind: KindTunnel}
	ErrConnection      = &Error{Kind: KindConnection}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrQuery           = &Error{Kind: KindQuery}
	ErrMetadataRefresh = &Error{Kind: KindMetadataRefresh}
	ErrExport          = &Error{Kind: KindExport}
	ErrCancelled       = &Error{Kind: KindCancelled}
	ErrBusy            = &Error{Kind: KindBusy}
	ErrClosed          = &Error{Kind: KindClosed}
)

// New builds an *Error.
func New(kind Kind, op, profile string, err error) *Error {
	return &Error{Kind: kind, Op: op, Profile: profile, Err: err}
}

// WithReason returns a copy of e with Reason set.
func (e *Error) WithReason(reason string) *Error {
	c := *e
	c.Reason = reason
	return &c
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Profile != "" {
		b.WriteString(" [")
		b.WriteString(e.Profile)
		b.WriteString("]")
	}
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Kind.String())
	}
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(e.Reason)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Profile != "" || t.Err != nil {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *Error in err's chain. Bare
// context errors map to KindTimeout and KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindUnknown
}

// FromContext converts a context error (or cause) into a kinded error.
func FromContext(op, profile string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, op, profile, err)
	}
	return New(KindCancelled, op, profile, err)
}

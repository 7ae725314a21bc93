package mesh

import (
	"fmt"

	aerrors "github.com/AdguardTeam/golibs/errors"
)

// Kind is a closed enum of the error classes named in spec.md §7.
type Kind string

const (
	// InvalidInput is raised on CLI arg parsing or pool deserialization
	// with an unrecoverable schema error.
	InvalidInput Kind = "invalid_input"

	// PoolTooSmall is raised by ChainBuilder when no fallback yields
	// enough hops.
	PoolTooSmall Kind = "pool_too_small"

	// ConnectTimeout is raised by UpstreamNegotiator on a dial deadline.
	ConnectTimeout Kind = "connect_timeout"

	// UpstreamRefused is raised by UpstreamNegotiator when a hop's reply
	// code signals refusal.
	UpstreamRefused Kind = "upstream_refused"

	// BadReply is raised by UpstreamNegotiator on a protocol-level parse
	// error.
	BadReply Kind = "bad_reply"

	// AuthRejected is raised by UpstreamNegotiator when a hop rejects the
	// SOCKS5 no-auth method.
	AuthRejected Kind = "auth_rejected"

	// AuthFail is raised by CryptoFrame on AEAD authentication failure.
	AuthFail Kind = "auth_fail"

	// IdleTimeout is raised by TunnelServer directions on idle-read
	// expiry.
	IdleTimeout Kind = "idle_timeout"

	// Overflow is raised by CryptoFrame when the record counter would
	// wrap.
	Overflow Kind = "overflow"

	// IO is raised on any other socket operation failure.
	IO Kind = "io"
)

// Error is the single error type returned across all mesh package
// boundaries; no component returns a string-typed error.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// Code carries the SOCKS5/HTTP reply code for UpstreamRefused, if
	// applicable. Zero otherwise.
	Code int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

// Unwrap lets errors.Is/errors.As see through to the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// wrap annotates err as op failing with kind, using golibs/errors.Annotate
// so the resulting message composes the same way the teacher's
// proxy/server.go composes RequestHandler/Resolve errors.
func wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: aerrors.Annotate(err, op+": %w")}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var me *Error
	if aerrors.As(err, &me) {
		return me.Kind == kind
	}
	return false
}

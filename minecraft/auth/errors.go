package auth

import (
	"errors"
	"fmt"

	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/mcauth/errutil"
)

type Kind int

const (
	KindNetwork Kind = iota + 1
	KindMalformedResponse
	KindAuthorizationDeclined
	KindProviderRejected
	KindNoGameProfile
	KindTimedOut
	KindCancelled
	KindReauthenticationRequired
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network_error"
	case KindMalformedResponse:
		return "malformed_response"
	case KindAuthorizationDeclined:
		return "authorization_declined"
	case KindProviderRejected:
		return "provider_rejected"
	case KindNoGameProfile:
		return "no_game_profile"
	case KindTimedOut:
		return "timed_out"
	case KindCancelled:
		return "cancelled"
	case KindReauthenticationRequired:
		return "reauthentication_required"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the only error type sign-in and refresh return. Code and Reason are set for
// KindProviderRejected. The cause is kept for diagnostics and never shown to users.
type Error struct {
	Kind   Kind
	Code   int64
	Reason string
	cause  error
}

var (
	ErrNetwork                  = &Error{Kind: KindNetwork}
	ErrMalformedResponse        = &Error{Kind: KindMalformedResponse}
	ErrAuthorizationDeclined    = &Error{Kind: KindAuthorizationDeclined}
	ErrProviderRejected         = &Error{Kind: KindProviderRejected}
	ErrNoGameProfile            = &Error{Kind: KindNoGameProfile}
	ErrTimedOut                 = &Error{Kind: KindTimedOut}
	ErrCancelled                = &Error{Kind: KindCancelled}
	ErrReauthenticationRequired = &Error{Kind: KindReauthenticationRequired}
)

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

func (e *Error) Error() string {
	if e.Kind == KindProviderRejected {
		return fmt.Sprintf("%s: %s (code %d)", e.Kind, e.Reason, e.Code)
	}
	if nil != e.cause {
		return e.Kind.String() + ": " + e.cause.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches on kind only, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error) //nolint:errorlint
	return ok && t.Kind == e.Kind
}

func (e *Error) KindName() string {
	return e.Kind.String()
}

// Message is the text shown to the user.
func (e *Error) Message() string {
	switch e.Kind {
	case KindProviderRejected:
		return e.Reason
	case KindNetwork:
		return "Could not reach the sign-in service. Check your connection and try again."
	case KindMalformedResponse:
		return "The sign-in service answered in an unexpected way. Try again later."
	case KindAuthorizationDeclined:
		return "Sign-in was declined."
	case KindNoGameProfile:
		return "This account does not own the game or has not set a username yet. Buy the game and pick a username on the official website, then sign in again."
	case KindTimedOut:
		return "The sign-in code expired. Start the sign-in again."
	case KindCancelled:
		return "Sign-in was cancelled."
	case KindReauthenticationRequired:
		return "The saved session for this account has expired. Sign in again."
	default:
		return "Sign-in failed."
	}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	if e := new(Error); errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Message returns the user-facing text for any error.
func Message(err error) string {
	if e := new(Error); errors.As(err, &e) {
		return e.Message()
	}
	return "Sign-in failed: " + err.Error()
}

func malformed(msg string, flawP flaw.P) *Error {
	return newError(KindMalformedResponse, flaw.From(errors.New(msg)).Append(flawP))
}

func network(err error, flawP flaw.P) *Error {
	return newError(KindNetwork, errutil.ToFlaw(err).Append(flawP))
}

func cancelled(err error) *Error {
	return newError(KindCancelled, err)
}

// xstsReasons maps XSTS XErr codes to what the user has to do about them.
var xstsReasons = map[int64]string{
	2148916233: "This Microsoft account does not own the game or has no valid profile. Buy the game or sign in with the account that owns it.",
	2148916235: "Xbox Live is unavailable in this account's country or region.",
	2148916236: "This account requires adult verification on the Xbox website.",
	2148916237: "This account requires adult verification on the Xbox website.",
	2148916238: "This account is underage and not linked to a family group. An adult must add it to a Microsoft family.",
}

func XSTSReason(code int64) string {
	if reason, ok := xstsReasons[code]; ok {
		return reason
	}
	return fmt.Sprintf("Xbox Live rejected the sign-in with unknown error code %d.", code)
}

func providerRejected(code int64, flawP flaw.P) *Error {
	return &Error{
		Kind:   KindProviderRejected,
		Code:   code,
		Reason: XSTSReason(code),
		cause:  flaw.From(fmt.Errorf("xsts rejected with code %d", code)).Append(flawP),
	}
}

// NewError wraps cause with kind for callers outside this package that detect a failure
// belonging to the same taxonomy.
func NewError(kind Kind, cause error) *Error {
	return newError(kind, cause)
}

// ABOUTME: Credential verification boundary: bearer credential in, identity out
// ABOUTME: Failures are classified so transport can map them without leaking detail

package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Identity is the canonical caller key used for quota and ownership checks
type Identity string

// FailureKind classifies a verification failure
type FailureKind int

const (
	// Malformed means the credential could not be parsed
	Malformed FailureKind = iota + 1
	// Invalid means the credential parsed but did not verify
	Invalid
	// Expired means the credential verified but is past its lifetime
	Expired
	// Internal means verification itself failed (key fetch, network, ...)
	Internal
)

func (k FailureKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case Invalid:
		return "invalid"
	case Expired:
		return "expired"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Failure is returned by verifiers when a credential is not accepted
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "identity: " + f.Kind.String()
	}
	return fmt.Sprintf("identity: %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Unauthenticated reports whether the failure should surface as 401
// rather than as a server error
func (f *Failure) Unauthenticated() bool {
	return f.Kind != Internal
}

// Fail wraps err as a Failure of the given kind
func Fail(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// KindOf returns the failure kind carried by err, or Internal for any
// error that is not a *Failure
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return Internal
}

// Verifier turns a credential into an identity
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// BearerCredential extracts the token from an "Authorization: Bearer <token>" value
func BearerCredential(header string) (string, error) {
	if header == "" {
		return "", Fail(Malformed, errors.New("authorization header required"))
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", Fail(Malformed, errors.New("expected: Bearer <token>"))
	}
	return parts[1], nil
}

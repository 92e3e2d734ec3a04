package identity

import (
	"context"
	"crypto/subtle"
	"errors"
)

// StaticVerifier accepts a fixed table of tokens; used for local development
// and QA environments where no identity provider is reachable
type StaticVerifier struct {
	tokens map[string]Identity
}

// NewStaticVerifier builds a verifier from token -> identity pairs
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	t := make(map[string]Identity, len(tokens))
	for tok, id := range tokens {
		t[tok] = Identity(id)
	}
	return &StaticVerifier{tokens: t}
}

// Verify implements Verifier
func (v *StaticVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return "", Fail(Malformed, errors.New("empty token"))
	}
	for tok, id := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(credential)) == 1 {
			return id, nil
		}
	}
	return "", Fail(Invalid, errors.New("unknown token"))
}

// Chain tries verifiers in order and returns the first success. A Malformed
// or Invalid failure moves on to the next verifier; Expired and Internal
// stop the chain.
type Chain []Verifier

// Verify implements Verifier
func (c Chain) Verify(ctx context.Context, credential string) (Identity, error) {
	var last error = Fail(Invalid, errors.New("no verifier configured"))
	for _, v := range c {
		id, err := v.Verify(ctx, credential)
		if err == nil {
			return id, nil
		}
		last = err
		if k := KindOf(err); k == Expired || k == Internal {
			break
		}
	}
	return "", last
}

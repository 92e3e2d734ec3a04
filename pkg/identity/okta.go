package identity

import (
	"context"
	"errors"
	"strings"

	jwtverifier "github.com/okta/okta-jwt-verifier-golang"
)

// OktaConfig configures OktaVerifier
type OktaConfig struct {
	Domain   string // e.g. dev-123.okta.com
	Audience string // defaults to api://default
	ClientID string
}

// OktaVerifier verifies Okta-issued JWT access tokens
type OktaVerifier struct {
	verifier *jwtverifier.JwtVerifier
}

// NewOktaVerifier builds a verifier for the default authorization server of cfg.Domain
func NewOktaVerifier(cfg OktaConfig) *OktaVerifier {
	audience := cfg.Audience
	if audience == "" {
		audience = "api://default"
	}
	claims := map[string]string{"aud": audience}
	if cfg.ClientID != "" {
		claims["cid"] = cfg.ClientID
	}

	setup := jwtverifier.JwtVerifier{
		Issuer:           "https://" + cfg.Domain + "/oauth2/default",
		ClaimsToValidate: claims,
	}
	return &OktaVerifier{verifier: setup.New()}
}

// Verify implements Verifier. The identity is the token's uid claim, or sub
// when uid is absent.
func (v *OktaVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	if strings.Count(credential, ".") != 2 {
		return "", Fail(Malformed, errors.New("token is not a JWT"))
	}

	tok, err := v.verifier.VerifyAccessToken(credential)
	if err != nil {
		return "", Fail(classifyOktaError(err), err)
	}

	for _, claim := range []string{"uid", "sub"} {
		if s, ok := tok.Claims[claim].(string); ok && s != "" {
			return Identity(s), nil
		}
	}
	return "", Fail(Invalid, errors.New("user id not found in token"))
}

func classifyOktaError(err error) FailureKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "expired"):
		return Expired
	case strings.Contains(msg, "decod"), strings.Contains(msg, "parse"), strings.Contains(msg, "malformed"):
		return Malformed
	case strings.Contains(msg, "jwks"), strings.Contains(msg, "dial"), strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection"):
		return Internal
	default:
		return Invalid
	}
}

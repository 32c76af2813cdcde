// Package auth verifies bearer tokens and turns them into the write
// authorization decision consumed by the service layer.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"gennotes/pkg/domain"
)

// DefaultScope is the scope a token must carry to commit edits.
const DefaultScope = "commit-edit"

// Claims is the token payload accepted by Verifier.
type Claims struct {
	Username      string `json:"username"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Scope         string `json:"scope"`
	gojwt.RegisteredClaims
}

// Scopes splits the space separated scope claim.
func (c Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// Decision is the outcome of authorizing one request.
type Decision struct {
	Authenticated bool
	Authorized    bool
	User          domain.User
	Reason        string
}

// Err converts a negative decision into a domain.AuthorizationError.
func (d Decision) Err() error {
	if d.Authorized {
		return nil
	}
	return domain.AuthorizationError{Authenticated: d.Authenticated, Message: d.Reason}
}

// Verifier validates HS256 tokens.
type Verifier struct {
	secret []byte
	issuer string
	scope  string
	parser *gojwt.Parser
}

// NewVerifier builds a verifier. An empty secret rejects every token.
func NewVerifier(secret, issuer, scope string) *Verifier {
	if scope == "" {
		scope = DefaultScope
	}
	opts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, gojwt.WithIssuer(issuer))
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, scope: scope, parser: gojwt.NewParser(opts...)}
}

// ErrNoCredentials is returned when the request carries no bearer token.
var ErrNoCredentials = errors.New("no bearer token")

// Verify parses and checks a raw token.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, errors.New("token verification is not configured")
	}
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*gojwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Authorize evaluates an Authorization header value for write access.
func (v *Verifier) Authorize(header string) Decision {
	raw, err := bearer(header)
	if err != nil {
		return Decision{Reason: "Authentication credentials were not provided."}
	}
	claims, err := v.Verify(raw)
	if err != nil {
		return Decision{Reason: fmt.Sprintf("Invalid token: %v", err)}
	}
	user := domain.User{ID: claims.Subject, Username: claims.Username}
	if user.Username == "" {
		user.Username = claims.Subject
	}
	d := Decision{Authenticated: true, User: user}
	switch {
	case !slices.Contains(claims.Scopes(), v.scope):
		d.Reason = fmt.Sprintf("Token is missing the required scope '%s'.", v.scope)
	case !claims.EmailVerified:
		d.Reason = "Editing requires a verified email address."
	default:
		d.Authorized = true
	}
	return d
}

func bearer(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrNoCredentials
	}
	return strings.TrimSpace(token), nil
}

// Issue signs a token for user. It backs the token CLI and tests.
func (v *Verifier) Issue(user domain.User, scopes []string, emailVerified bool, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("token signing is not configured")
	}
	now := time.Now()
	claims := Claims{
		Username:      user.Username,
		EmailVerified: emailVerified,
		Scope:         strings.Join(scopes, " "),
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    v.issuer,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(v.secret)
}

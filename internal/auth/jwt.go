// Package auth provides the session token codec, the password-reset token
// codec, token hashing and the HTTP middleware that authenticates requests.
//
// SESSION FLOW OVERVIEW:
//  1. The browser signs in with the identity provider and gets an ID token
//  2. It POSTs the ID token to /api/auth/session
//  3. The server verifies it, upserts the user, mints a session token here,
//     and stores only a keyed hash of that token next to the user
//  4. On later requests the token comes back in the "session" cookie.
//     Verify proves we signed it, and the store proves it is still live
//
// WHY BOTH A SIGNATURE AND A STORE LOOKUP?
// A signature alone cannot be revoked before it expires. The store is the
// source of truth for liveness. Logging out on one device deletes that
// device's record, and its token stops working everywhere immediately.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"

	"github.com/sakif/authcore/internal/model"
)

const (
	// Issuer and Audience are embedded at signing time and required on verify.
	Issuer   = "authcore"
	Audience = "authcore-session"

	// SessionTTL is the fixed policy lifetime of a session token.
	SessionTTL = 7 * 24 * time.Hour

	// MinSecretLen is the minimum signing key length in bytes. Shorter keys
	// make every session forgeable, so construction fails instead.
	MinSecretLen = 32
)

// ErrInvalidToken is returned for every verification failure. Callers get
// no partial success: bad signature, wrong issuer, wrong audience, expiry and
// malformed payloads all look the same.
var ErrInvalidToken = errors.New("auth: invalid token")

// SessionClaims is the closed payload of a session token. Unknown keys are
// rejected when decoding.
type SessionClaims struct {
	UID       string         `json:"uid"`
	Email     string         `json:"email"`
	Name      string         `json:"name,omitempty"`
	Provider  model.Provider `json:"provider,omitempty"`
	PhotoURL  string         `json:"photoURL,omitempty"`
	SessionID string         `json:"sessionId"`
	jwt.RegisteredClaims
}

// Validate is called by the jwt parser after the standard time checks.
func (c *SessionClaims) Validate() error {
	if c.UID == "" {
		return errors.New("missing uid")
	}
	if c.SessionID == "" {
		return errors.New("missing sessionId")
	}
	return nil
}

// ClaimsFor builds session claims for an identity with a fresh random
// sessionId.
func ClaimsFor(id model.Identity) SessionClaims {
	return SessionClaims{
		UID:       id.UID,
		Email:     id.Email,
		Name:      id.Name,
		Provider:  id.Provider,
		PhotoURL:  id.PhotoURL,
		SessionID: NewSessionID(),
	}
}

// NewSessionID returns an opaque random correlation id.
func NewSessionID() string {
	return xid.New().String()
}

// TokenCodec signs and verifies session tokens with a process-wide HMAC key.
// The key is read-only after construction and safe for concurrent use.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// CodecOption customises a TokenCodec.
type CodecOption func(*TokenCodec)

// WithClock replaces time.Now. Tests use it to step past expiry.
func WithClock(now func() time.Time) CodecOption {
	return func(c *TokenCodec) { c.now = now }
}

// NewTokenCodec creates a codec. The secret must be at least MinSecretLen
// bytes. Example: SESSION_SECRET=$(openssl rand -hex 32)
func NewTokenCodec(secret []byte, opts ...CodecOption) (*TokenCodec, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("auth: session secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	c := &TokenCodec{
		secret: append([]byte(nil), secret...),
		ttl:    SessionTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sign mints a session token with the standard lifetime. It returns the
// token and the exact expiry embedded in it.
func (c *TokenCodec) Sign(claims SessionClaims) (string, time.Time, error) {
	return c.SignWithTTL(claims, c.ttl)
}

// SignWithTTL is Sign with a custom lifetime. A negative ttl produces an
// already-expired token, which is only useful in tests.
func (c *TokenCodec) SignWithTTL(claims SessionClaims, ttl time.Duration) (string, time.Time, error) {
	if err := claims.Validate(); err != nil {
		return "", time.Time{}, fmt.Errorf("auth: signing token: %w", err)
	}

	now := c.now()
	expiresAt := now.Add(ttl).Truncate(jwt.TimePrecision)

	// Only our registered fields survive; anything the caller set is replaced.
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    Issuer,
		Audience:  jwt.ClaimStrings{Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, algorithm, issuer, audience and expiry in one
// parser call.
//
// VALIDATION CHECKS:
//   - Algorithm is HS256 (blocks "none" and RS/HS confusion)
//   - Signature matches our secret
//   - iss == Issuer and aud contains Audience
//   - exp is present and in the future, iat is not in the future
//   - Base64 segments are strictly canonical, so a flipped padding bit in
//     the signature cannot decode to the same bytes
//   - The payload has no keys outside SessionClaims
func (c *TokenCodec) Verify(tokenStr string) (*SessionClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.now),
	)

	claims := &SessionClaims{}
	token, err := parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if err := rejectUnknownClaims(tokenStr, &SessionClaims{}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

// Decode reads the claims WITHOUT checking the signature or expiry.
//
// Only use this for non-authoritative hints such as "probably signed in,
// skip the login page". Anything that guards data must go through Verify
// and a store lookup.
func (c *TokenCodec) Decode(tokenStr string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if err := rejectUnknownClaims(tokenStr, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if err := claims.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

// rejectUnknownClaims decodes the payload segment into dst with unknown
// fields disallowed.
func rejectUnknownClaims(tokenStr string, dst any) error {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return errors.New("token must have three segments")
	}
	raw, err := base64.RawURLEncoding.Strict().DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decoding claims: %w", err)
	}
	return nil
}

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// PurposePasswordReset is the discriminator every reset token carries.
	PurposePasswordReset = "password_reset"

	// ResetTTL is how long a password-reset link stays usable.
	ResetTTL = time.Hour
)

// ResetClaims is the payload of a single-purpose token. ID (jti) names the
// token so a one-time ledger can record that it was used.
type ResetClaims struct {
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// PurposeCodec signs short-lived tokens bound to exactly one purpose.
//
// WHY A PURPOSE CLAIM?
// Two token families may end up sharing a secret. Verify only accepts the
// purpose this codec was built for, so an email-verification token can never
// be replayed as a password-reset token, even with a valid signature. The
// audience is derived from the purpose too, so the session codec, which
// requires its own audience, never accepts one of these.
type PurposeCodec struct {
	secret  []byte
	purpose string
	ttl     time.Duration
	now     func() time.Time
}

// NewPurposeCodec creates a codec for one purpose discriminator.
func NewPurposeCodec(secret []byte, purpose string, ttl time.Duration, opts ...CodecOption) (*PurposeCodec, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("auth: token secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	if purpose == "" {
		return nil, errors.New("auth: purpose is required")
	}

	// Reuse TokenCodec options so WithClock works for both codecs.
	base := &TokenCodec{now: time.Now}
	for _, opt := range opts {
		opt(base)
	}

	return &PurposeCodec{
		secret:  append([]byte(nil), secret...),
		purpose: purpose,
		ttl:     ttl,
		now:     base.now,
	}, nil
}

// NewResetCodec is NewPurposeCodec for password resets with a 1h lifetime.
func NewResetCodec(secret []byte, opts ...CodecOption) (*PurposeCodec, error) {
	return NewPurposeCodec(secret, PurposePasswordReset, ResetTTL, opts...)
}

// Purpose returns the discriminator this codec signs and accepts.
func (c *PurposeCodec) Purpose() string {
	return c.purpose
}

// Audience is the aud claim of this codec's tokens: "authcore-<purpose>".
func (c *PurposeCodec) Audience() string {
	return Issuer + "-" + c.purpose
}

// Sign mints a token for userID/email with a random jti.
func (c *PurposeCodec) Sign(userID, email string) (string, *ResetClaims, error) {
	if userID == "" || email == "" {
		return "", nil, errors.New("auth: userId and email are required")
	}

	now := c.now()
	claims := &ResetClaims{
		UserID:  userID,
		Email:   email,
		Purpose: c.purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{c.Audience()},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", nil, fmt.Errorf("auth: signing %s token: %w", c.purpose, err)
	}
	return signed, claims, nil
}

// Verify accepts a token only if signature, expiry, audience and purpose
// all check out and the payload carries no claims beyond ResetClaims. Any
// failure returns ErrInvalidToken.
func (c *PurposeCodec) Verify(tokenStr string) (*ResetClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(c.Audience()),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.now),
	)

	claims := &ResetClaims{}
	token, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if err := rejectUnknownClaims(tokenStr, &ResetClaims{}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Purpose != c.purpose {
		return nil, fmt.Errorf("%w: purpose %q not accepted", ErrInvalidToken, claims.Purpose)
	}
	if claims.UserID == "" || claims.Email == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: incomplete claims", ErrInvalidToken)
	}
	return claims, nil
}

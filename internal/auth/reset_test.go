package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func newTestResetCodec(t *testing.T) (*PurposeCodec, *fixedClock) {
	t.Helper()
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	c, err := NewResetCodec(testSecret, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewResetCodec: %v", err)
	}
	return c, clock
}

func TestResetCodec_VerifyThenExpire(t *testing.T) {
	codec, clock := newTestResetCodec(t)
	start := clock.now

	token, issued, err := codec.Sign("u1", "a@x.com")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	got, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.UserID != "u1" || got.Email != "a@x.com" || got.Purpose != PurposePasswordReset {
		t.Errorf("Verify() = %+v", got)
	}
	if got.ID == "" || got.ID != issued.ID {
		t.Errorf("jti = %q, want %q", got.ID, issued.ID)
	}
	if want := start.Add(ResetTTL); !got.ExpiresAt.Time.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt.Time, want)
	}

	clock.now = start.Add(ResetTTL + time.Second)
	if _, err := codec.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify() after expiry error = %v, want ErrInvalidToken", err)
	}
}

func TestResetCodec_PurposeIsolation(t *testing.T) {
	reset, _ := newTestResetCodec(t)
	verifyEmail, err := NewPurposeCodec(testSecret, "email_verification", time.Hour)
	if err != nil {
		t.Fatalf("NewPurposeCodec: %v", err)
	}

	token, _, err := reset.Sign("u1", "a@x.com")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	// Same secret, valid signature, not expired: still rejected.
	if _, err := verifyEmail.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify() error = %v, want ErrInvalidToken for foreign purpose", err)
	}

	other, _, _ := verifyEmail.Sign("u1", "a@x.com")
	if _, err := reset.Verify(other); !errors.Is(err, ErrInvalidToken) {
		t.Fatal("reset codec accepted an email_verification token")
	}
}

func TestResetCodec_SessionTokenIsNotAResetToken(t *testing.T) {
	reset, _ := newTestResetCodec(t)
	session, _ := newTestCodec(t)

	token, _, err := session.Sign(testClaims())
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if _, err := reset.Verify(token); err == nil {
		t.Fatal("reset codec accepted a session token")
	}
}

func TestResetCodec_ResetTokenIsNotASessionToken(t *testing.T) {
	reset, _ := newTestResetCodec(t)
	session, _ := newTestCodec(t)

	token, _, err := reset.Sign("u1", "a@x.com")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if _, err := session.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("session codec Verify() error = %v, want ErrInvalidToken", err)
	}
}

func TestResetCodec_Audience(t *testing.T) {
	reset, _ := newTestResetCodec(t)
	if got := reset.Audience(); got != "authcore-password_reset" {
		t.Errorf("Audience() = %q", got)
	}

	_, claims, err := reset.Sign("u1", "a@x.com")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != reset.Audience() {
		t.Errorf("aud = %v", claims.Audience)
	}
}

// signResetClaims hand-signs a payload with the shared test secret.
func signResetClaims(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return token
}

func TestResetCodec_RejectsUnknownClaims(t *testing.T) {
	reset, clock := newTestResetCodec(t)
	now := clock.now

	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"userId":  "u1",
			"email":   "a@x.com",
			"purpose": PurposePasswordReset,
			"jti":     uuid.NewString(),
			"iss":     Issuer,
			"aud":     reset.Audience(),
			"iat":     now.Unix(),
			"exp":     now.Add(time.Hour).Unix(),
		}
	}

	if _, err := reset.Verify(signResetClaims(t, base())); err != nil {
		t.Fatalf("Verify() of a well-formed token error = %v", err)
	}

	extra := base()
	extra["admin"] = true
	if _, err := reset.Verify(signResetClaims(t, extra)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify() with an extra claim error = %v, want ErrInvalidToken", err)
	}

	noAud := base()
	delete(noAud, "aud")
	if _, err := reset.Verify(signResetClaims(t, noAud)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify() without aud error = %v, want ErrInvalidToken", err)
	}
}

func TestResetCodec_Tampered(t *testing.T) {
	codec, _ := newTestResetCodec(t)
	token, _, _ := codec.Sign("u1", "a@x.com")

	tampered := token[:len(token)-3] + "xxx"
	if _, err := codec.Verify(tampered); err == nil {
		t.Fatal("Verify() should reject a tampered token")
	}
}

func TestNewPurposeCodec_Validation(t *testing.T) {
	if _, err := NewPurposeCodec([]byte("short"), PurposePasswordReset, time.Hour); err == nil {
		t.Error("short secret should be rejected")
	}
	if _, err := NewPurposeCodec(testSecret, "", time.Hour); err == nil {
		t.Error("empty purpose should be rejected")
	}
}

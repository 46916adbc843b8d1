package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/model"
)

// Verifier turns an opaque provider assertion into a verified identity.
// Expected bad input comes back as apperror.ErrInvalidAssertion, never a
// panic. It makes one attempt per call; retries are the caller's choice.
type Verifier interface {
	Verify(ctx context.Context, assertion string) (*model.Identity, error)
}

// ClockSkew is how far iat and auth_time may sit ahead of our clock. The
// provider's clock and ours drift; exp gets no such allowance.
const ClockSkew = time.Minute

// idTokenClaims is the subset of a Firebase ID token we read.
type idTokenClaims struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Picture  string `json:"picture"`
	AuthTime int64  `json:"auth_time"`
	Firebase struct {
		SignInProvider string `json:"sign_in_provider"`
	} `json:"firebase"`
	jwt.RegisteredClaims
}

func (c *idTokenClaims) Validate() error {
	if c.Subject == "" || len(c.Subject) > 128 {
		return errors.New("sub must be 1-128 characters")
	}
	return nil
}

// FirebaseVerifier checks Firebase Authentication ID tokens.
//
// ID TOKEN RULES (from the provider's documentation):
//   - alg is RS256 and kid names one of the published signing keys
//   - iss is https://securetoken.google.com/<projectID>
//   - aud is <projectID>
//   - exp is in the future, iat and auth_time are not (within ClockSkew)
//   - sub is a non-empty string of at most 128 characters
type FirebaseVerifier struct {
	projectID string
	issuer    string
	keys      KeySource
	now       func() time.Time
}

// NewFirebaseVerifier creates a verifier for one project.
func NewFirebaseVerifier(projectID string, keys KeySource) (*FirebaseVerifier, error) {
	if projectID == "" {
		return nil, errors.New("identity: project id is required")
	}
	if keys == nil {
		return nil, errors.New("identity: key source is required")
	}
	return &FirebaseVerifier{
		projectID: projectID,
		issuer:    "https://securetoken.google.com/" + projectID,
		keys:      keys,
		now:       time.Now,
	}, nil
}

// Verify implements Verifier.
func (v *FirebaseVerifier) Verify(ctx context.Context, assertion string) (*model.Identity, error) {
	if assertion == "" {
		return nil, apperror.InvalidAssertion("identity token is missing", nil)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.projectID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)

	claims := &idTokenClaims{}
	_, err := parser.ParseWithClaims(assertion, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return v.keys.PublicKey(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperror.InvalidAssertion("identity token expired", err)
		}
		return nil, apperror.InvalidAssertion("identity token could not be verified", err)
	}

	// iat is checked here rather than by the parser so the skew allowance
	// does not stretch exp as well.
	latest := v.now().Add(ClockSkew)
	if claims.IssuedAt != nil && claims.IssuedAt.After(latest) {
		return nil, apperror.InvalidAssertion("identity token could not be verified",
			fmt.Errorf("iat %d is in the future", claims.IssuedAt.Unix()))
	}
	if claims.AuthTime > latest.Unix() {
		return nil, apperror.InvalidAssertion("identity token could not be verified",
			fmt.Errorf("auth_time %d is in the future", claims.AuthTime))
	}
	email := model.NormalizeEmail(claims.Email)
	if email == "" {
		return nil, apperror.InvalidAssertion("identity token has no email", nil)
	}

	return &model.Identity{
		UID:      claims.Subject,
		Email:    email,
		Name:     claims.Name,
		PhotoURL: claims.Picture,
		Provider: ProviderFromSignIn(claims.Firebase.SignInProvider),
	}, nil
}

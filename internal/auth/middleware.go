package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/model"
)

// SessionCookie is the HttpOnly cookie that carries the session token.
const SessionCookie = "session"

// contextKey is an unexported type used for context keys in this package.
//
// WHY A CUSTOM TYPE FOR CONTEXT KEYS?
// context.WithValue uses any as the key type. A package-private type means
// only this package can read or write these values.
type contextKey string

const (
	principalKey contextKey = "principal"
	hintKey      contextKey = "sessionHint"
)

// Credentials is everything a request presents to prove who it is. It is
// extracted once, at the HTTP boundary, and the session manager decides the
// verification order from it.
type Credentials struct {
	// Assertion is a fresh identity-provider token sent as
	// "Authorization: Bearer <token>", used by first-contact and
	// machine-to-machine callers.
	Assertion string
	// SessionToken is the token we issued, from the session cookie.
	SessionToken string
}

// Empty reports whether the request carried no credential at all.
func (c Credentials) Empty() bool {
	return c.Assertion == "" && c.SessionToken == ""
}

// Strategy is one way of establishing who the caller is.
type Strategy int

const (
	// StrategyAssertion verifies a fresh identity-provider token directly
	// and never consults the session store.
	StrategyAssertion Strategy = iota + 1
	// StrategySession verifies our own token and then requires its record
	// to be live in the store.
	StrategySession
)

func (s Strategy) String() string {
	switch s {
	case StrategyAssertion:
		return "assertion"
	case StrategySession:
		return "session"
	}
	return "unknown"
}

// Strategies returns the strategies these credentials allow, in the order
// they must be tried. The first one to succeed decides the caller.
func (c Credentials) Strategies() []Strategy {
	var out []Strategy
	if c.Assertion != "" {
		out = append(out, StrategyAssertion)
	}
	if c.SessionToken != "" {
		out = append(out, StrategySession)
	}
	return out
}

// CredentialsFromRequest reads the bearer assertion and the session cookie.
func CredentialsFromRequest(r *http.Request) Credentials {
	var c Credentials
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			c.Assertion = strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		c.SessionToken = cookie.Value
	}
	return c
}

// SessionValidator is satisfied by service.SessionManager.
type SessionValidator interface {
	ValidateSession(ctx context.Context, creds Credentials) (*model.Principal, error)
}

// RequireSession is a middleware that enforces authentication on protected
// routes.
//
// It hands the request's credentials to the validator and stores the
// resulting principal in the request context. A missing or dead session
// stops the chain with 401. A store outage answers 503 instead, so clients
// retry rather than throw away a token that may still be good.
func RequireSession(v SessionValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds := CredentialsFromRequest(r)
			if creds.Empty() {
				writeAuthError(w, apperror.Unauthenticated("valid authentication required"))
				return
			}

			p, err := v.ValidateSession(r.Context(), creds)
			if err != nil {
				writeAuthError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFromContext retrieves the caller set by RequireSession.
func PrincipalFromContext(ctx context.Context) (*model.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*model.Principal)
	return p, ok && p != nil
}

// WithPrincipal stores p in ctx. Handlers' tests use it to skip the
// middleware.
func WithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// SessionHint decodes the session cookie WITHOUT verifying it and exposes the
// claims through HintFromContext. It never rejects a request.
//
// This is for UX only (showing "signed in as" or skipping the login page).
// Never use a hint to authorize access; that is RequireSession's job.
func SessionHint(codec *TokenCodec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cookie, err := r.Cookie(SessionCookie); err == nil {
				if claims, err := codec.Decode(cookie.Value); err == nil {
					r = r.WithContext(context.WithValue(r.Context(), hintKey, claims))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HintFromContext returns the unverified claims set by SessionHint.
func HintFromContext(ctx context.Context) (*SessionClaims, bool) {
	c, ok := ctx.Value(hintKey).(*SessionClaims)
	return c, ok && c != nil
}

func writeAuthError(w http.ResponseWriter, err error) {
	status, kind := http.StatusUnauthorized, "unauthenticated"
	if errors.Is(err, apperror.ErrStoreUnavailable) {
		status, kind = http.StatusServiceUnavailable, "store_unavailable"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": apperror.Reason(err),
		"error":   kind,
	})
}

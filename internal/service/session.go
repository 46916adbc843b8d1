// Package service holds the session and password-reset lifecycles.
//
// The managers sit between the HTTP handlers and the collaborators:
//
//	handler (HTTP) → SessionManager → identity.Verifier (upstream IdP)
//	                                ↘ auth.TokenCodec (our tokens)
//	                                ↘ repository.CredentialStore (liveness)
//
// Every failure leaving this package is an apperror kind. Handlers never see
// a raw driver or upstream error, only a kind and a safe message.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/identity"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
)

const tracerName = "github.com/sakif/authcore/internal/service"

// Timeouts bound every blocking call the managers make. A call that runs
// out of time fails closed.
type Timeouts struct {
	Store    time.Duration
	Upstream time.Duration
}

// DefaultTimeouts is used for any zero field.
var DefaultTimeouts = Timeouts{Store: 3 * time.Second, Upstream: 5 * time.Second}

func (t Timeouts) withDefaults() Timeouts {
	if t.Store <= 0 {
		t.Store = DefaultTimeouts.Store
	}
	if t.Upstream <= 0 {
		t.Upstream = DefaultTimeouts.Upstream
	}
	return t
}

// RequestContext is what the transport knows about the caller. SessionToken
// is the token the caller already holds, if any, and enables fallback.
type RequestContext struct {
	UserAgent    string
	IP           string
	SessionToken string
}

// SessionResult is returned by CreateSession and RefreshSession.
//
// Fallback is true when the identity provider could not vouch for the
// caller this time and the existing session was accepted instead. Token is
// then the caller's existing token, not a new one.
type SessionResult struct {
	User      *model.User
	Token     string
	ExpiresAt time.Time
	Fallback  bool
}

// SessionView is one live session as shown to its owner.
type SessionView struct {
	SessionID string    `json:"sessionId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserAgent string    `json:"userAgent,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Current   bool      `json:"current"`
}

// SessionManager runs the session state machine:
//
//	Unauthenticated → Pending-Verification → Active → Refreshed | Revoked | Expired
//
// It keeps no per-session state in memory. Every call re-verifies and
// re-reads the store, so any number of replicas can serve the same user.
type SessionManager struct {
	verifier identity.Verifier
	codec    *auth.TokenCodec
	store    repository.CredentialStore
	hasher   repository.TokenHasher
	logger   *slog.Logger
	timeouts Timeouts
	tracer   trace.Tracer
	now      func() time.Time
}

// NewSessionManager wires the session lifecycle. hasher must be the same
// one the store was built with so ListSessions can spot the caller's own
// session.
func NewSessionManager(
	verifier identity.Verifier,
	codec *auth.TokenCodec,
	store repository.CredentialStore,
	hasher repository.TokenHasher,
	logger *slog.Logger,
	timeouts Timeouts,
) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		verifier: verifier,
		codec:    codec,
		store:    store,
		hasher:   hasher,
		logger:   logger,
		timeouts: timeouts.withDefaults(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

// CreateSession exchanges an identity assertion for a session token.
//
// FLOW:
//  1. Verify the assertion upstream
//  2. On failure, fall back to the caller's existing session if it is still
//     valid, so a flaky identity provider does not log people out
//  3. On success, upsert the user, mint a token with a new sessionId and
//     persist its hash
//
// Exactly one record is written per successful non-fallback call. Other
// sessions of the same user are left alone.
func (s *SessionManager) CreateSession(ctx context.Context, assertion string, rc RequestContext) (*SessionResult, error) {
	ctx, span := s.tracer.Start(ctx, "SessionManager.CreateSession")
	defer span.End()

	id, err := s.verifyAssertion(ctx, assertion)
	if err != nil {
		if rc.SessionToken == "" {
			return nil, fail(span, apperror.AuthFailed("could not verify identity"))
		}

		res, ferr := s.fallback(ctx, rc.SessionToken)
		if ferr != nil {
			if errors.Is(ferr, apperror.ErrStoreUnavailable) {
				return nil, fail(span, ferr)
			}
			return nil, fail(span, apperror.AuthFailed("could not verify identity"))
		}

		s.logger.WarnContext(ctx, "identity provider unavailable, reused existing session",
			slog.String("uid", res.User.UID),
			slog.String("reason", apperror.Reason(err)),
		)
		span.SetAttributes(attribute.Bool("session.fallback", true))
		return res, nil
	}

	res, err := s.issue(ctx, *id, rc)
	if err != nil {
		return nil, fail(span, err)
	}
	s.logger.InfoContext(ctx, "session created",
		slog.String("uid", res.User.UID),
		slog.String("provider", string(res.User.Provider)),
	)
	return res, nil
}

// RefreshSession replaces the caller's session with a new one. A fresh
// assertion is always required: refresh extends trust anchored at the
// identity provider, not trust in our own token.
//
// The old record is removed on a best-effort basis. If that fails the old
// token keeps working until it expires, which is logged and tolerated.
func (s *SessionManager) RefreshSession(ctx context.Context, oldToken, newAssertion string, rc RequestContext) (*SessionResult, error) {
	ctx, span := s.tracer.Start(ctx, "SessionManager.RefreshSession")
	defer span.End()

	id, err := s.verifyAssertion(ctx, newAssertion)
	if err != nil {
		return nil, fail(span, apperror.AuthFailed("a fresh sign-in is required to refresh the session"))
	}

	if oldToken != "" {
		// Decode is enough: we only ever delete the old record of the uid the
		// fresh assertion just proved.
		if old, derr := s.codec.Decode(oldToken); derr == nil && old.UID == id.UID {
			sctx, cancel := context.WithTimeout(ctx, s.timeouts.Store)
			rerr := s.store.RemoveSession(sctx, id.UID, oldToken)
			cancel()
			if rerr != nil {
				s.logger.WarnContext(ctx, "could not remove previous session during refresh",
					slog.String("uid", id.UID),
					slog.String("error", rerr.Error()),
				)
			}
		}
	}

	res, err := s.issue(ctx, *id, rc)
	if err != nil {
		return nil, fail(span, err)
	}
	s.logger.InfoContext(ctx, "session refreshed", slog.String("uid", res.User.UID))
	return res, nil
}

// ValidateSession establishes who the caller is.
//
// The strategies are chosen once, from what the request carried:
//
//	(a) assertion: verify it upstream and look the user up, no store liveness
//	(b) session:   verify our token, then require its record to be live
//
// They are tried in that order and the first success wins. If every
// attempt failed and any of them failed because the store could not
// answer, the result is StoreUnavailable: we do not know the caller is
// logged out, so we must not say so.
func (s *SessionManager) ValidateSession(ctx context.Context, creds auth.Credentials) (*model.Principal, error) {
	ctx, span := s.tracer.Start(ctx, "SessionManager.ValidateSession")
	defer span.End()

	strategies := creds.Strategies()
	if len(strategies) == 0 {
		return nil, fail(span, apperror.Unauthenticated("valid authentication required"))
	}

	var storeErr error
	for _, st := range strategies {
		var (
			p   *model.Principal
			err error
		)
		switch st {
		case auth.StrategyAssertion:
			p, err = s.viaAssertion(ctx, creds.Assertion)
		case auth.StrategySession:
			p, err = s.viaSession(ctx, creds.SessionToken)
		}
		if err == nil {
			span.SetAttributes(attribute.String("auth.strategy", st.String()))
			return p, nil
		}
		if errors.Is(err, apperror.ErrStoreUnavailable) {
			storeErr = err
		}
		s.logger.DebugContext(ctx, "authentication strategy failed",
			slog.String("strategy", st.String()),
			slog.String("reason", apperror.Reason(err)),
		)
	}

	if storeErr != nil {
		return nil, fail(span, storeErr)
	}
	return nil, fail(span, apperror.Unauthenticated("session is invalid or has expired"))
}

// RevokeSession deletes the record behind token. The token must belong to
// uid. A token that does not decode, or whose record is already gone, is a
// successful no-op, so logging out twice never errors.
func (s *SessionManager) RevokeSession(ctx context.Context, uid, token string) error {
	ctx, span := s.tracer.Start(ctx, "SessionManager.RevokeSession")
	defer span.End()

	if token == "" {
		return nil
	}
	claims, err := s.codec.Decode(token)
	if err != nil {
		return nil
	}
	if claims.UID != uid {
		return fail(span, apperror.Forbidden("session belongs to another user"))
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeouts.Store)
	defer cancel()
	if err := s.store.RemoveSession(sctx, uid, token); err != nil {
		return fail(span, apperror.StoreUnavailable(err))
	}
	s.logger.InfoContext(ctx, "session revoked",
		slog.String("uid", uid),
		slog.String("sessionId", claims.SessionID),
	)
	return nil
}

// Logout revokes the session the token itself names. It is RevokeSession
// for callers that hold nothing but the token.
func (s *SessionManager) Logout(ctx context.Context, token string) error {
	claims, err := s.codec.Decode(token)
	if err != nil {
		return nil
	}
	return s.RevokeSession(ctx, claims.UID, token)
}

// ListSessions returns the user's live sessions, newest first, with the one
// behind currentToken flagged.
func (s *SessionManager) ListSessions(ctx context.Context, uid, currentToken string) ([]SessionView, error) {
	ctx, span := s.tracer.Start(ctx, "SessionManager.ListSessions")
	defer span.End()

	sctx, cancel := context.WithTimeout(ctx, s.timeouts.Store)
	defer cancel()
	recs, err := s.store.ListSessions(sctx, uid)
	if err != nil {
		return nil, fail(span, apperror.StoreUnavailable(err))
	}

	var current string
	if currentToken != "" && s.hasher != nil {
		current = s.hasher.Hash(currentToken)
	}

	views := make([]SessionView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, SessionView{
			SessionID: rec.SessionID,
			IssuedAt:  rec.IssuedAt,
			ExpiresAt: rec.ExpiresAt,
			UserAgent: rec.UserAgent,
			IP:        rec.IP,
			Current:   current != "" && rec.TokenHash == current,
		})
	}
	return views, nil
}

// RevokeAllSessions signs the user out everywhere and returns how many
// sessions were removed.
func (s *SessionManager) RevokeAllSessions(ctx context.Context, uid string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "SessionManager.RevokeAllSessions")
	defer span.End()

	sctx, cancel := context.WithTimeout(ctx, s.timeouts.Store)
	defer cancel()
	n, err := s.store.RemoveAllSessions(sctx, uid)
	if err != nil {
		return 0, fail(span, apperror.StoreUnavailable(err))
	}
	s.logger.InfoContext(ctx, "all sessions revoked", slog.String("uid", uid), slog.Int64("count", n))
	return n, nil
}

func (s *SessionManager) verifyAssertion(ctx context.Context, assertion string) (*model.Identity, error) {
	uctx, cancel := context.WithTimeout(ctx, s.timeouts.Upstream)
	defer cancel()
	id, err := s.verifier.Verify(uctx, assertion)
	if err != nil {
		if errors.Is(err, apperror.ErrInvalidAssertion) {
			return nil, err
		}
		return nil, apperror.InvalidAssertion("identity token could not be verified", err)
	}
	return id, nil
}

// issue upserts the user, mints a token and persists its record. A token
// is only returned once its record is stored.
func (s *SessionManager) issue(ctx context.Context, id model.Identity, rc RequestContext) (*SessionResult, error) {
	sctx, cancel := context.WithTimeout(ctx, s.timeouts.Store)
	defer cancel()

	user, err := s.store.UpsertUser(sctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, apperror.AuthFailed("email already linked to another account")
		}
		return nil, apperror.StoreUnavailable(err)
	}

	claims := auth.ClaimsFor(user.Identity())
	token, expiresAt, err := s.codec.Sign(claims)
	if err != nil {
		return nil, fmt.Errorf("service/session: minting token for %s: %w", user.UID, err)
	}

	err = s.store.AddSession(sctx, user.UID, token, repository.NewSession{
		SessionID: claims.SessionID,
		IssuedAt:  s.now(),
		ExpiresAt: expiresAt,
		UserAgent: rc.UserAgent,
		IP:        rc.IP,
	})
	if err != nil {
		return nil, apperror.StoreUnavailable(err)
	}

	return &SessionResult{User: user, Token: token, ExpiresAt: expiresAt}, nil
}

// fallback accepts the caller's existing session when it verifies and is
// still live in the store.
func (s *SessionManager) fallback(ctx context.Context, token string) (*SessionResult, error) {
	claims, err := s.codec.Verify(token)
	if err != nil {
		return nil, apperror.Unauthenticated("existing session is invalid")
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeouts.Store)
	defer cancel()

	ok, err := s.store.ValidateSession(sctx, claims.UID, token)
	if err != nil {
		return nil, apperror.StoreUnavailable(err)
	}
	if !ok {
		return nil, apperror.Unauthenticated("existing session has been revoked")
	}

	user, err := s.store.FindByUID(sctx, claims.UID)
	if err != nil {
		return nil, apperror.StoreUnavailable(err)
	}
	if user == nil {
		return nil, apperror.Unauthenticated("existing session has no user")
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return &SessionResult{User: user, Token: token, ExpiresAt: expiresAt, Fallback: true}, nil
}

// viaAssertion is strategy (a). It bypasses the session store. A verified
// caller we have never stored is a first contact and gets the identity the
// assertion carries.
func (s *SessionManager) viaAssertion(ctx context.Context, assertion string) (*model.Principal, error) {
	id, err := s.verifyAssertion(ctx, assertion)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeouts.Store)
	defer cancel()
	user, err := s.store.FindByUID(sctx, id.UID)
	if err != nil {
		return nil, apperror.StoreUnavailable(err)
	}
	if user == nil {
		return &model.Principal{Identity: *id, Source: model.SourceAssertion}, nil
	}

	if err := s.store.Touch(sctx, user.UID); err != nil {
		s.logger.WarnContext(ctx, "could not update lastSeen",
			slog.String("uid", user.UID),
			slog.String("error", err.Error()),
		)
	}
	return &model.Principal{Identity: user.Identity(), Source: model.SourceAssertion}, nil
}

// viaSession is strategy (b). The signature proves we issued the token;
// only the store can say it is still live.
func (s *SessionManager) viaSession(ctx context.Context, token string) (*model.Principal, error) {
	claims, err := s.codec.Verify(token)
	if err != nil {
		return nil, apperror.Unauthenticated("session is invalid or has expired")
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeouts.Store)
	defer cancel()

	ok, err := s.store.ValidateSession(sctx, claims.UID, token)
	if err != nil {
		return nil, apperror.StoreUnavailable(err)
	}
	if !ok {
		return nil, apperror.Unauthenticated("session has been revoked")
	}

	if err := s.store.Touch(sctx, claims.UID); err != nil {
		s.logger.WarnContext(ctx, "could not update lastSeen",
			slog.String("uid", claims.UID),
			slog.String("error", err.Error()),
		)
	}

	return &model.Principal{
		Identity: model.Identity{
			UID:      claims.UID,
			Email:    claims.Email,
			Name:     claims.Name,
			PhotoURL: claims.PhotoURL,
			Provider: claims.Provider,
		},
		Source:    model.SourceSession,
		SessionID: claims.SessionID,
	}, nil
}

// fail records err on the span and returns it unchanged.
func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, apperror.Reason(err))
	return err
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	netmail "net/mail"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/identity"
	"github.com/sakif/authcore/internal/mail"
	"github.com/sakif/authcore/internal/repository"
)

// ResetRequestedMessage is returned for every well-formed reset request,
// whether or not an account exists, so the endpoint cannot be used to
// discover registered emails.
const ResetRequestedMessage = "If an account exists for that email, a reset link has been sent."

// MinPasswordLen matches the identity provider's own minimum.
const MinPasswordLen = 6

// ResetConfig holds the deployment knobs of the reset flow.
type ResetConfig struct {
	// AppBaseURL is the frontend origin. Links point at
	// <AppBaseURL>/reset-password?token=...
	AppBaseURL string
	// RevokeSessionsOnReset signs the user out everywhere after a
	// successful reset.
	RevokeSessionsOnReset bool
}

// ResetAck is the caller-facing outcome of a reset operation.
type ResetAck struct {
	Message string `json:"message"`
}

// ResetTokenInfo is what a reset link reveals before it is used. The email
// is masked.
type ResetTokenInfo struct {
	UserID      string    `json:"userId"`
	MaskedEmail string    `json:"email"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ResetManager runs the reset token lifecycle:
//
//	Requested → Issued → Consumed | Expired | Unused
//
// Consumption is recorded in the ledger by token id, so a link works once
// even though tokens themselves are stateless.
type ResetManager struct {
	codec    *auth.PurposeCodec
	store    repository.CredentialStore
	ledger   repository.ResetLedger
	updater  identity.PasswordUpdater
	mailer   mail.Sender
	logger   *slog.Logger
	cfg      ResetConfig
	timeouts Timeouts
	tracer   trace.Tracer
	now      func() time.Time

	// pending tracks reset mails still being handed to the mailer.
	pending sync.WaitGroup
}

func NewResetManager(
	codec *auth.PurposeCodec,
	store repository.CredentialStore,
	ledger repository.ResetLedger,
	updater identity.PasswordUpdater,
	mailer mail.Sender,
	logger *slog.Logger,
	cfg ResetConfig,
	timeouts Timeouts,
) *ResetManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResetManager{
		codec:    codec,
		store:    store,
		ledger:   ledger,
		updater:  updater,
		mailer:   mailer,
		logger:   logger,
		cfg:      cfg,
		timeouts: timeouts.withDefaults(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

// RequestReset mails a reset link if an account exists for email. The
// returned message is the same either way, and so is the latency: the mail
// is handed off in the background, so a slow mailer cannot tell a known
// address from an unknown one. Delivery failures are logged.
func (m *ResetManager) RequestReset(ctx context.Context, email string) (*ResetAck, error) {
	ctx, span := m.tracer.Start(ctx, "ResetManager.RequestReset")
	defer span.End()

	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fail(span, apperror.ValidationFailed("email", "email is required"))
	}
	if addr, err := netmail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, fail(span, apperror.ValidationFailed("email", "email address is invalid"))
	}

	sctx, cancel := context.WithTimeout(ctx, m.timeouts.Store)
	user, err := m.store.FindByEmail(sctx, email)
	cancel()
	if err != nil {
		return nil, fail(span, apperror.StoreUnavailable(err))
	}
	if user == nil {
		m.logger.InfoContext(ctx, "password reset requested for unknown email")
		return &ResetAck{Message: ResetRequestedMessage}, nil
	}

	token, claims, err := m.codec.Sign(user.UID, user.Email)
	if err != nil {
		return nil, fail(span, fmt.Errorf("service/reset: minting token for %s: %w", user.UID, err))
	}
	link, err := m.resetLink(token)
	if err != nil {
		return nil, fail(span, err)
	}

	msg, err := mail.ResetEmail(user.Email, link, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
	if err != nil {
		return nil, fail(span, fmt.Errorf("service/reset: %w", err))
	}

	m.pending.Add(1)
	go m.deliver(context.WithoutCancel(ctx), msg, user.UID, claims.ID)

	return &ResetAck{Message: ResetRequestedMessage}, nil
}

// deliver hands a reset mail to the mailer. It outlives the request, bounded
// by the upstream timeout.
func (m *ResetManager) deliver(ctx context.Context, msg mail.Message, uid, jti string) {
	defer m.pending.Done()

	uctx, cancel := context.WithTimeout(ctx, m.timeouts.Upstream)
	defer cancel()
	if err := m.mailer.Send(uctx, msg); err != nil {
		m.logger.WarnContext(ctx, "could not send reset email",
			slog.String("uid", uid),
			slog.String("jti", jti),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.InfoContext(ctx, "password reset link sent",
		slog.String("uid", uid),
		slog.String("jti", jti),
	)
}

// Wait blocks until every reset mail handed off so far has been sent or
// has failed.
func (m *ResetManager) Wait() {
	m.pending.Wait()
}

// Close drains pending reset mails. Close it before the mailer.
func (m *ResetManager) Close() error {
	m.Wait()
	return nil
}

// VerifyResetToken checks a link before the user types a new password.
// Signature, expiry and purpose must all pass, and the link must not have
// been used already.
func (m *ResetManager) VerifyResetToken(ctx context.Context, token string) (*ResetTokenInfo, error) {
	ctx, span := m.tracer.Start(ctx, "ResetManager.VerifyResetToken")
	defer span.End()

	claims, err := m.codec.Verify(token)
	if err != nil {
		return nil, fail(span, apperror.InvalidResetToken("reset link is invalid or has expired"))
	}

	sctx, cancel := context.WithTimeout(ctx, m.timeouts.Store)
	used, err := m.ledger.Used(sctx, claims.ID)
	cancel()
	if err != nil {
		return nil, fail(span, apperror.StoreUnavailable(err))
	}
	if used {
		return nil, fail(span, apperror.InvalidResetToken("reset link already used"))
	}

	return &ResetTokenInfo{
		UserID:      claims.UserID,
		MaskedEmail: MaskEmail(claims.Email),
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

// ResetPassword consumes a reset token and sets the new password upstream.
//
// ORDER MATTERS:
//  1. Validate input and the token
//  2. Claim the token id in the ledger; only the first caller proceeds
//  3. Update the password at the identity provider. If that fails, the
//     claim is released so the user can retry with the same link
//  4. Send the confirmation mail. Failure here is logged only: the password
//     has already changed upstream and cannot be rolled back
func (m *ResetManager) ResetPassword(ctx context.Context, token, newPassword string) (*ResetAck, error) {
	ctx, span := m.tracer.Start(ctx, "ResetManager.ResetPassword")
	defer span.End()

	if utf8.RuneCountInString(newPassword) < MinPasswordLen {
		return nil, fail(span, apperror.ValidationFailed("newPassword",
			fmt.Sprintf("password must be at least %d characters", MinPasswordLen)))
	}

	claims, err := m.codec.Verify(token)
	if err != nil {
		return nil, fail(span, apperror.InvalidResetToken("reset link is invalid or has expired"))
	}

	sctx, cancel := context.WithTimeout(ctx, m.timeouts.Store)
	defer cancel()

	ttl := claims.ExpiresAt.Sub(m.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	first, err := m.ledger.Claim(sctx, claims.ID, ttl)
	if err != nil {
		return nil, fail(span, apperror.StoreUnavailable(err))
	}
	if !first {
		return nil, fail(span, apperror.InvalidResetToken("reset link already used"))
	}

	user, err := m.store.FindByEmail(sctx, claims.Email)
	if err != nil {
		m.release(ctx, claims.ID)
		return nil, fail(span, apperror.StoreUnavailable(err))
	}
	if user == nil || user.UID != claims.UserID {
		return nil, fail(span, apperror.InvalidResetToken("reset link is no longer valid"))
	}

	uctx, ucancel := context.WithTimeout(ctx, m.timeouts.Upstream)
	err = m.updater.UpdatePassword(uctx, user.UID, newPassword)
	ucancel()
	if err != nil {
		m.release(ctx, claims.ID)
		m.logger.WarnContext(ctx, "password update rejected upstream",
			slog.String("uid", user.UID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, apperror.ErrUpstreamUpdateFailed) {
			return nil, fail(span, err)
		}
		return nil, fail(span, apperror.UpstreamUpdateFailed("could not update password", err))
	}

	m.logger.InfoContext(ctx, "password reset", slog.String("uid", user.UID), slog.String("jti", claims.ID))

	m.confirm(ctx, user.Email)

	if m.cfg.RevokeSessionsOnReset {
		rctx, rcancel := context.WithTimeout(ctx, m.timeouts.Store)
		n, err := m.store.RemoveAllSessions(rctx, user.UID)
		rcancel()
		if err != nil {
			m.logger.WarnContext(ctx, "could not revoke sessions after reset",
				slog.String("uid", user.UID),
				slog.String("error", err.Error()),
			)
		} else {
			m.logger.InfoContext(ctx, "sessions revoked after reset",
				slog.String("uid", user.UID), slog.Int64("count", n))
		}
	}

	return &ResetAck{Message: "Password has been reset."}, nil
}

func (m *ResetManager) confirm(ctx context.Context, email string) {
	msg, err := mail.PasswordChangedEmail(email)
	if err == nil {
		uctx, cancel := context.WithTimeout(ctx, m.timeouts.Upstream)
		err = m.mailer.Send(uctx, msg)
		cancel()
	}
	if err != nil {
		m.logger.WarnContext(ctx, "could not send password changed email", slog.String("error", err.Error()))
	}
}

// release gives a claimed token back. It runs on a fresh context so a
// cancelled request still frees the link.
func (m *ResetManager) release(ctx context.Context, id string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeouts.Store)
	defer cancel()
	if err := m.ledger.Release(rctx, id); err != nil {
		m.logger.WarnContext(ctx, "could not release reset token claim",
			slog.String("jti", id),
			slog.String("error", err.Error()),
		)
	}
}

func (m *ResetManager) resetLink(token string) (string, error) {
	u, err := url.Parse(m.cfg.AppBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("service/reset: invalid app base url %q", m.cfg.AppBaseURL)
	}
	u.Path = path.Join("/", u.Path, "reset-password")
	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// MaskEmail keeps the first character of the local part and the domain:
// "alice@x.com" becomes "a***@x.com".
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return "***"
	}
	if local == "" {
		return "***@" + domain
	}
	r, _ := utf8.DecodeRuneInString(local)
	return string(r) + "***@" + domain
}

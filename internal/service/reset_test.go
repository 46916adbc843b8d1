package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/mail"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
	"github.com/sakif/authcore/internal/repository/memory"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type resetFixture struct {
	mgr     *ResetManager
	store   *flakyStore
	updater *fakeUpdater
	mailer  *fakeMailer
	clock   *testClock
}

func newResetFixture(t *testing.T, cfg ResetConfig) *resetFixture {
	t.Helper()
	hasher := newTestHasher(t)
	store := newTestStore(t, hasher)

	clock := &testClock{t: time.Now()}
	codec, err := auth.NewResetCodec(testSecret, auth.WithClock(clock.now))
	if err != nil {
		t.Fatalf("NewResetCodec: %v", err)
	}

	if _, err := store.UpsertUser(context.Background(), model.Identity{UID: "u1", Email: "alice@x.com", Provider: model.ProviderEmail}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	if cfg.AppBaseURL == "" {
		cfg.AppBaseURL = "https://app.example.com"
	}
	updater := &fakeUpdater{}
	mailer := &fakeMailer{}
	mgr := NewResetManager(codec, store, memory.NewLedger(), updater, mailer, discardLogger(), cfg, Timeouts{})
	return &resetFixture{mgr: mgr, store: store, updater: updater, mailer: mailer, clock: clock}
}

// requestToken runs RequestReset for alice and pulls the token out of the
// mailed link.
func (fx *resetFixture) requestToken(t *testing.T) string {
	t.Helper()
	if _, err := fx.mgr.RequestReset(context.Background(), "alice@x.com"); err != nil {
		t.Fatalf("RequestReset() error = %v", err)
	}
	fx.mgr.Wait()
	msgs := fx.mailer.messages()
	if len(msgs) == 0 {
		t.Fatal("no reset mail sent")
	}
	return tokenFromMail(t, msgs[len(msgs)-1])
}

func tokenFromMail(t *testing.T, msg mail.Message) string {
	t.Helper()
	for _, field := range strings.Fields(msg.Text) {
		if strings.HasPrefix(field, "https://") {
			u, err := url.Parse(field)
			if err != nil {
				t.Fatalf("parsing link: %v", err)
			}
			return u.Query().Get("token")
		}
	}
	t.Fatalf("no link in mail text: %q", msg.Text)
	return ""
}

// =========================================================================
// RequestReset TESTS
// =========================================================================

func TestRequestReset_KnownEmail(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})

	ack, err := fx.mgr.RequestReset(context.Background(), "alice@x.com")
	if err != nil {
		t.Fatalf("RequestReset() error = %v", err)
	}
	if ack.Message != ResetRequestedMessage {
		t.Errorf("Message = %q", ack.Message)
	}

	fx.mgr.Wait()
	msgs := fx.mailer.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d mails, want 1", len(msgs))
	}
	if msgs[0].To != "alice@x.com" {
		t.Errorf("To = %q", msgs[0].To)
	}
	if !strings.Contains(msgs[0].Text, "https://app.example.com/reset-password?token=") {
		t.Errorf("link missing from mail: %q", msgs[0].Text)
	}
	if tokenFromMail(t, msgs[0]) == "" {
		t.Error("empty token in link")
	}
}

func TestRequestReset_UnknownEmailLooksTheSame(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})

	known, err := fx.mgr.RequestReset(context.Background(), "alice@x.com")
	if err != nil {
		t.Fatalf("RequestReset(known) error = %v", err)
	}
	unknown, err := fx.mgr.RequestReset(context.Background(), "nobody@x.com")
	if err != nil {
		t.Fatalf("RequestReset(unknown) error = %v", err)
	}
	if *known != *unknown {
		t.Errorf("responses differ: %+v vs %+v", known, unknown)
	}
	fx.mgr.Wait()
	if n := len(fx.mailer.messages()); n != 1 {
		t.Errorf("sent %d mails, want 1 (none for the unknown address)", n)
	}
}

func TestRequestReset_InvalidEmail(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	for _, email := range []string{"", "   ", "not-an-email", "Alice <alice@x.com>"} {
		_, err := fx.mgr.RequestReset(context.Background(), email)
		if !errors.Is(err, apperror.ErrValidation) {
			t.Errorf("RequestReset(%q) error = %v, want ErrValidation", email, err)
		}
	}
}

func TestRequestReset_MailFailure(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	fx.mailer.err = errors.New("broker nacked")

	ack, err := fx.mgr.RequestReset(context.Background(), "alice@x.com")
	if err != nil {
		t.Fatalf("RequestReset() error = %v, delivery failures must not reach the caller", err)
	}
	if ack.Message != ResetRequestedMessage {
		t.Errorf("Message = %q", ack.Message)
	}
	fx.mgr.Wait()
	if n := len(fx.mailer.messages()); n != 0 {
		t.Errorf("sent %d mails, want 0", n)
	}
}

// A slow mailer must not make known addresses answer slower than unknown
// ones.
func TestRequestReset_LatencyDoesNotDependOnAccount(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	const delay = 300 * time.Millisecond
	fx.mailer.delay = delay

	timed := func(email string) time.Duration {
		start := time.Now()
		if _, err := fx.mgr.RequestReset(context.Background(), email); err != nil {
			t.Fatalf("RequestReset(%q) error = %v", email, err)
		}
		return time.Since(start)
	}

	known := timed("alice@x.com")
	unknown := timed("nobody@x.com")
	if known >= delay/2 || unknown >= delay/2 {
		t.Errorf("latencies known=%v unknown=%v, both should be well under the %v mail delay", known, unknown, delay)
	}

	fx.mgr.Wait()
	if n := len(fx.mailer.messages()); n != 1 {
		t.Errorf("sent %d mails after Wait, want 1", n)
	}
}

func TestRequestReset_CloseDrainsPendingMail(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	fx.mailer.delay = 50 * time.Millisecond

	if _, err := fx.mgr.RequestReset(context.Background(), "alice@x.com"); err != nil {
		t.Fatalf("RequestReset() error = %v", err)
	}
	if err := fx.mgr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := len(fx.mailer.messages()); n != 1 {
		t.Errorf("sent %d mails after Close, want 1", n)
	}
}

func TestRequestReset_CancelledRequestStillDelivers(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	fx.mailer.delay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := fx.mgr.RequestReset(ctx, "alice@x.com"); err != nil {
		t.Fatalf("RequestReset() error = %v", err)
	}
	cancel()
	fx.mgr.Wait()
	if n := len(fx.mailer.messages()); n != 1 {
		t.Errorf("sent %d mails, want 1", n)
	}
}

func TestRequestReset_StoreDown(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	fx.store.set(func(f *faults) { f.find = errBrokenStore })

	_, err := fx.mgr.RequestReset(context.Background(), "alice@x.com")
	if !errors.Is(err, apperror.ErrStoreUnavailable) {
		t.Fatalf("error = %v, want ErrStoreUnavailable", err)
	}
}

// =========================================================================
// VerifyResetToken TESTS
// =========================================================================

func TestVerifyResetToken(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	token := fx.requestToken(t)

	info, err := fx.mgr.VerifyResetToken(context.Background(), token)
	if err != nil {
		t.Fatalf("VerifyResetToken() error = %v", err)
	}
	if info.UserID != "u1" {
		t.Errorf("UserID = %q", info.UserID)
	}
	if info.MaskedEmail != "a***@x.com" {
		t.Errorf("MaskedEmail = %q", info.MaskedEmail)
	}

	fx.clock.advance(auth.ResetTTL + time.Second)
	_, err = fx.mgr.VerifyResetToken(context.Background(), token)
	if !errors.Is(err, apperror.ErrInvalidResetToken) {
		t.Fatalf("after expiry error = %v, want ErrInvalidResetToken", err)
	}
}

func TestVerifyResetToken_PurposeIsolation(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})

	other, err := auth.NewPurposeCodec(testSecret, "email_verification", time.Hour)
	if err != nil {
		t.Fatalf("NewPurposeCodec: %v", err)
	}
	token, _, err := other.Sign("u1", "alice@x.com")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := fx.mgr.VerifyResetToken(context.Background(), token); !errors.Is(err, apperror.ErrInvalidResetToken) {
		t.Errorf("VerifyResetToken error = %v, want ErrInvalidResetToken", err)
	}
	if _, err := fx.mgr.ResetPassword(context.Background(), token, "new-password"); !errors.Is(err, apperror.ErrInvalidResetToken) {
		t.Errorf("ResetPassword error = %v, want ErrInvalidResetToken", err)
	}
}

func TestVerifyResetToken_UsedLink(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	token := fx.requestToken(t)

	if _, err := fx.mgr.ResetPassword(context.Background(), token, "new-password"); err != nil {
		t.Fatalf("ResetPassword() error = %v", err)
	}
	_, err := fx.mgr.VerifyResetToken(context.Background(), token)
	if !errors.Is(err, apperror.ErrInvalidResetToken) {
		t.Fatalf("error = %v, want ErrInvalidResetToken", err)
	}
	if got := apperror.Reason(err); got != "reset link already used" {
		t.Errorf("Reason = %q", got)
	}
}

func TestVerifyResetToken_ReleasedLinkVerifiesAgain(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	token := fx.requestToken(t)

	fx.updater.err = errors.New("upstream down")
	if _, err := fx.mgr.ResetPassword(context.Background(), token, "new-password"); err == nil {
		t.Fatal("ResetPassword() succeeded with a failing upstream")
	}
	if _, err := fx.mgr.VerifyResetToken(context.Background(), token); err != nil {
		t.Errorf("VerifyResetToken() after a released claim error = %v", err)
	}
}

func TestVerifyResetToken_LedgerDown(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	token := fx.requestToken(t)
	fx.mgr.ledger = brokenLedger{}

	_, err := fx.mgr.VerifyResetToken(context.Background(), token)
	if !errors.Is(err, apperror.ErrStoreUnavailable) {
		t.Fatalf("error = %v, want ErrStoreUnavailable", err)
	}
}

// =========================================================================
// ResetPassword TESTS
// =========================================================================

func TestResetPassword_Success(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	token := fx.requestToken(t)

	if _, err := fx.mgr.ResetPassword(context.Background(), token, "new-password"); err != nil {
		t.Fatalf("ResetPassword() error = %v", err)
	}
	if got := fx.updater.calls["u1"]; got != "new-password" {
		t.Errorf("upstream password = %q", got)
	}

	msgs := fx.mailer.messages()
	last := msgs[len(msgs)-1]
	if last.Subject != "Your password was changed" || last.To != "alice@x.com" {
		t.Errorf("confirmation mail = %+v", last)
	}
}

func TestResetPassword_OneTimeUse(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	token := fx.requestToken(t)

	if _, err := fx.mgr.ResetPassword(context.Background(), token, "first-password"); err != nil {
		t.Fatalf("first ResetPassword() error = %v", err)
	}
	_, err := fx.mgr.ResetPassword(context.Background(), token, "second-password")
	if !errors.Is(err, apperror.ErrInvalidResetToken) {
		t.Fatalf("replay error = %v, want ErrInvalidResetToken", err)
	}
	if apperror.Reason(err) != "reset link already used" {
		t.Errorf("Reason = %q", apperror.Reason(err))
	}
	if fx.updater.calls["u1"] != "first-password" {
		t.Error("replay changed the password")
	}
}

func TestResetPassword_ConcurrentReplay(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	token := fx.requestToken(t)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fx.mgr.ResetPassword(context.Background(), token, "new-password"); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 {
		t.Errorf("successful resets = %d, want exactly 1", ok.Load())
	}
}

func TestResetPassword_ShortPassword(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	token := fx.requestToken(t)

	_, err := fx.mgr.ResetPassword(context.Background(), token, "12345")
	if !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	if fx.updater.count() != 0 {
		t.Error("upstream called for an invalid password")
	}

	// Validation happens before the claim, so the link still works.
	if _, err := fx.mgr.ResetPassword(context.Background(), token, "123456"); err != nil {
		t.Fatalf("ResetPassword() after validation failure error = %v", err)
	}
}

func TestResetPassword_ExpiredToken(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	token := fx.requestToken(t)
	fx.clock.advance(auth.ResetTTL + time.Second)

	_, err := fx.mgr.ResetPassword(context.Background(), token, "new-password")
	if !errors.Is(err, apperror.ErrInvalidResetToken) {
		t.Fatalf("error = %v, want ErrInvalidResetToken", err)
	}
}

func TestResetPassword_UpstreamFailureReleasesClaim(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	token := fx.requestToken(t)

	fx.updater.err = apperror.UpstreamUpdateFailed("password does not meet the strength requirements", errors.New("WEAK_PASSWORD"))
	_, err := fx.mgr.ResetPassword(context.Background(), token, "weakish")
	if !errors.Is(err, apperror.ErrUpstreamUpdateFailed) {
		t.Fatalf("error = %v, want ErrUpstreamUpdateFailed", err)
	}
	if apperror.Reason(err) != "password does not meet the strength requirements" {
		t.Errorf("Reason = %q, want upstream's safe reason", apperror.Reason(err))
	}

	fx.updater.err = nil
	if _, err := fx.mgr.ResetPassword(context.Background(), token, "much-stronger-password"); err != nil {
		t.Fatalf("retry with the same link error = %v", err)
	}
}

func TestResetPassword_UntypedUpstreamError(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	token := fx.requestToken(t)
	fx.updater.err = errors.New("tls handshake timeout")

	_, err := fx.mgr.ResetPassword(context.Background(), token, "new-password")
	if !errors.Is(err, apperror.ErrUpstreamUpdateFailed) {
		t.Fatalf("error = %v, want ErrUpstreamUpdateFailed", err)
	}
	if strings.Contains(apperror.Reason(err), "tls") {
		t.Error("raw upstream error leaked into the reason")
	}
}

func TestResetPassword_ConfirmationFailureDoesNotRollBack(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	token := fx.requestToken(t)
	fx.mailer.err = errors.New("smtp down")
	fx.mailer.failSubject = "Your password was changed"

	if _, err := fx.mgr.ResetPassword(context.Background(), token, "new-password"); err != nil {
		t.Fatalf("ResetPassword() error = %v, confirmation failure must not fail the reset", err)
	}
	if fx.updater.count() != 1 {
		t.Error("password was not updated")
	}
}

func TestResetPassword_UserGone(t *testing.T) {
	fx := newResetFixture(t, ResetConfig{})
	token := fx.requestToken(t)

	// alice@x.com now belongs to nobody: the user changed address upstream.
	if _, err := fx.store.UpsertUser(context.Background(), model.Identity{UID: "u1", Email: "alice@new.com"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	_, err := fx.mgr.ResetPassword(context.Background(), token, "new-password")
	if !errors.Is(err, apperror.ErrInvalidResetToken) {
		t.Fatalf("error = %v, want ErrInvalidResetToken", err)
	}
}

func TestResetPassword_RevokeSessions(t *testing.T) {
	tests := []struct {
		name       string
		revoke     bool
		wantRemain int
	}{
		{"default keeps sessions", false, 1},
		{"revokes when configured", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newResetFixture(t, ResetConfig{RevokeSessionsOnReset: tt.revoke})
			now := time.Now()
			err := fx.store.AddSession(context.Background(), "u1", "some-token", repository.NewSession{
				SessionID: "s1", IssuedAt: now, ExpiresAt: now.Add(time.Hour),
			})
			if err != nil {
				t.Fatalf("AddSession: %v", err)
			}

			token := fx.requestToken(t)
			if _, err := fx.mgr.ResetPassword(context.Background(), token, "new-password"); err != nil {
				t.Fatalf("ResetPassword() error = %v", err)
			}

			recs, err := fx.store.ListSessions(context.Background(), "u1")
			if err != nil {
				t.Fatalf("ListSessions: %v", err)
			}
			if len(recs) != tt.wantRemain {
				t.Errorf("remaining sessions = %d, want %d", len(recs), tt.wantRemain)
			}
		})
	}
}

func TestMaskEmail(t *testing.T) {
	tests := []struct{ in, want string }{
		{"alice@x.com", "a***@x.com"},
		{"a@x.com", "a***@x.com"},
		{"élise@x.fr", "é***@x.fr"},
		{"@x.com", "***@x.com"},
		{"no-at-sign", "***"},
	}
	for _, tt := range tests {
		if got := MaskEmail(tt.in); got != tt.want {
			t.Errorf("MaskEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

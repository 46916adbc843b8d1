package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/mail"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
	"github.com/sakif/authcore/internal/repository/sqlite"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

var testSecret = []byte(strings.Repeat("s", 32))

var errBrokenStore = errors.New("connection refused")

// fakeVerifier accepts the assertions it was told about. Setting down makes
// every call fail the way an unreachable identity provider would.
type fakeVerifier struct {
	mu   sync.Mutex
	ids  map[string]model.Identity
	down bool
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{ids: make(map[string]model.Identity)}
}

func (f *fakeVerifier) add(assertion string, id model.Identity) {
	f.mu.Lock()
	f.ids[assertion] = id
	f.mu.Unlock()
}

func (f *fakeVerifier) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeVerifier) Verify(_ context.Context, assertion string) (*model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errors.New("dial tcp: identity provider unreachable")
	}
	id, ok := f.ids[assertion]
	if !ok {
		return nil, apperror.InvalidAssertion("identity token could not be verified", nil)
	}
	return &id, nil
}

// faults selects which store methods fail.
type faults struct {
	upsert     error
	add        error
	remove     error
	removeAll  error
	find       error
	validate   error
	touch      error
	blockValid bool
}

// flakyStore wraps a real store and fails selected methods.
type flakyStore struct {
	repository.CredentialStore

	mu          sync.Mutex
	f           faults
	removeCalls int
	touched     map[string]int
}

func (s *flakyStore) set(fn func(*faults)) {
	s.mu.Lock()
	fn(&s.f)
	s.mu.Unlock()
}

func (s *flakyStore) snapshot() faults {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f
}

func (s *flakyStore) removes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeCalls
}

func (s *flakyStore) UpsertUser(ctx context.Context, id model.Identity) (*model.User, error) {
	if err := s.snapshot().upsert; err != nil {
		return nil, err
	}
	return s.CredentialStore.UpsertUser(ctx, id)
}

func (s *flakyStore) AddSession(ctx context.Context, uid, raw string, ns repository.NewSession) error {
	if err := s.snapshot().add; err != nil {
		return err
	}
	return s.CredentialStore.AddSession(ctx, uid, raw, ns)
}

func (s *flakyStore) RemoveSession(ctx context.Context, uid, raw string) error {
	s.mu.Lock()
	s.removeCalls++
	s.mu.Unlock()
	if err := s.snapshot().remove; err != nil {
		return err
	}
	return s.CredentialStore.RemoveSession(ctx, uid, raw)
}

func (s *flakyStore) RemoveAllSessions(ctx context.Context, uid string) (int64, error) {
	if err := s.snapshot().removeAll; err != nil {
		return 0, err
	}
	return s.CredentialStore.RemoveAllSessions(ctx, uid)
}

func (s *flakyStore) FindByUID(ctx context.Context, uid string) (*model.User, error) {
	if err := s.snapshot().find; err != nil {
		return nil, err
	}
	return s.CredentialStore.FindByUID(ctx, uid)
}

func (s *flakyStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if err := s.snapshot().find; err != nil {
		return nil, err
	}
	return s.CredentialStore.FindByEmail(ctx, email)
}

func (s *flakyStore) ValidateSession(ctx context.Context, uid, raw string) (bool, error) {
	f := s.snapshot()
	if f.blockValid {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if f.validate != nil {
		return false, f.validate
	}
	return s.CredentialStore.ValidateSession(ctx, uid, raw)
}

// touches reports how often Touch was attempted for uid.
func (s *flakyStore) touches(uid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched[uid]
}

func (s *flakyStore) Touch(ctx context.Context, uid string) error {
	s.mu.Lock()
	if s.touched == nil {
		s.touched = make(map[string]int)
	}
	s.touched[uid]++
	s.mu.Unlock()

	if err := s.snapshot().touch; err != nil {
		return err
	}
	return s.CredentialStore.Touch(ctx, uid)
}

func newTestHasher(t *testing.T) *auth.TokenHasher {
	t.Helper()
	h, err := auth.NewTokenHasher([]byte(strings.Repeat("h", 32)))
	if err != nil {
		t.Fatalf("NewTokenHasher: %v", err)
	}
	return h
}

// newTestStore returns a flakyStore over a fresh in-memory sqlite database.
func newTestStore(t *testing.T, hasher *auth.TokenHasher) *flakyStore {
	t.Helper()
	db, err := sqlite.New(":memory:", hasher)
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &flakyStore{CredentialStore: db}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sessionFixture struct {
	mgr      *SessionManager
	verifier *fakeVerifier
	store    *flakyStore
	codec    *auth.TokenCodec
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	hasher := newTestHasher(t)
	store := newTestStore(t, hasher)
	codec, err := auth.NewTokenCodec(testSecret)
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	v := newFakeVerifier()
	v.add("idp-alice", model.Identity{UID: "u1", Email: "alice@x.com", Name: "Alice", Provider: model.ProviderGoogle})
	v.add("idp-bob", model.Identity{UID: "u2", Email: "bob@x.com", Name: "Bob", Provider: model.ProviderEmail})

	mgr := NewSessionManager(v, codec, store, hasher, discardLogger(), Timeouts{})
	return &sessionFixture{mgr: mgr, verifier: v, store: store, codec: codec}
}

// fakeUpdater records password updates.
type fakeUpdater struct {
	mu    sync.Mutex
	err   error
	calls map[string]string
}

func (f *fakeUpdater) UpdatePassword(_ context.Context, uid, pw string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.calls == nil {
		f.calls = make(map[string]string)
	}
	f.calls[uid] = pw
	return nil
}

func (f *fakeUpdater) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// brokenLedger fails every call.
type brokenLedger struct{}

func (brokenLedger) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errBrokenStore
}
func (brokenLedger) Release(context.Context, string) error { return errBrokenStore }
func (brokenLedger) Used(context.Context, string) (bool, error) { return false, errBrokenStore }

// fakeMailer records sent messages. failSubject makes only matching
// messages fail. delay stalls every send.
type fakeMailer struct {
	mu          sync.Mutex
	err         error
	failSubject string
	delay       time.Duration
	sent        []mail.Message
}

func (f *fakeMailer) Send(ctx context.Context, msg mail.Message) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil && (f.failSubject == "" || f.failSubject == msg.Subject) {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMailer) messages() []mail.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mail.Message(nil), f.sent...)
}

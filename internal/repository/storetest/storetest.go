// Package storetest is the behavioural contract every CredentialStore
// backend must pass. Backend tests call Run with a constructor.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) repository.CredentialStore

// Hasher returns the token hasher the contract assumes backends were built
// with.
func Hasher(t *testing.T) *auth.TokenHasher {
	t.Helper()
	h, err := auth.NewTokenHasher([]byte(strings.Repeat("h", 32)))
	require.NoError(t, err)
	return h
}

func identity(uid, email string) model.Identity {
	return model.Identity{UID: uid, Email: email, Name: "User " + uid, Provider: model.ProviderEmail}
}

func session(ttl time.Duration) repository.NewSession {
	now := time.Now()
	return repository.NewSession{
		SessionID: auth.NewSessionID(),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		UserAgent: "test-agent",
		IP:        "127.0.0.1",
	}
}

// Run executes the full contract against stores from newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	// =====================================================================
	// USERS
	// =====================================================================

	t.Run("UpsertCreatesUser", func(t *testing.T) {
		s := newStore(t)

		u, err := s.UpsertUser(ctx, model.Identity{
			UID: "u1", Email: "A@X.com", Name: "Alice", PhotoURL: "https://x/a.png", Provider: model.ProviderGitHub,
		})
		require.NoError(t, err)
		assert.Equal(t, "u1", u.UID)
		assert.Equal(t, "a@x.com", u.Email, "email is lowercased on write")
		assert.Equal(t, "Alice", u.Name)
		assert.Equal(t, model.ProviderGitHub, u.Provider)
		assert.False(t, u.CreatedAt.IsZero())
		assert.False(t, u.LastSeen.IsZero())
	})

	t.Run("UpsertSameUIDUpdatesInPlace", func(t *testing.T) {
		s := newStore(t)

		first, err := s.UpsertUser(ctx, identity("u1", "a@x.com"))
		require.NoError(t, err)

		second, err := s.UpsertUser(ctx, model.Identity{UID: "u1", Email: "b@x.com", Provider: model.ProviderGoogle})
		require.NoError(t, err)
		assert.Equal(t, "b@x.com", second.Email)
		assert.Equal(t, model.ProviderGoogle, second.Provider)
		assert.WithinDuration(t, first.CreatedAt, second.CreatedAt, time.Millisecond, "createdAt is set once")

		old, err := s.FindByEmail(ctx, "a@x.com")
		require.NoError(t, err)
		assert.Nil(t, old, "no duplicate record keeps the old email")

		got, err := s.FindByEmail(ctx, "b@x.com")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "u1", got.UID)
	})

	t.Run("UpsertEmailOwnedByOtherUIDConflicts", func(t *testing.T) {
		s := newStore(t)

		_, err := s.UpsertUser(ctx, identity("u1", "a@x.com"))
		require.NoError(t, err)

		_, err = s.UpsertUser(ctx, identity("u2", "a@x.com"))
		require.ErrorIs(t, err, apperror.ErrConflict)

		ghost, err := s.FindByUID(ctx, "u2")
		require.NoError(t, err)
		assert.Nil(t, ghost, "failed write must not leave a partial record")

		owner, err := s.FindByEmail(ctx, "a@x.com")
		require.NoError(t, err)
		require.NotNil(t, owner)
		assert.Equal(t, "u1", owner.UID)
	})

	t.Run("UpsertKeepsSessions", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertUser(ctx, identity("u1", "a@x.com"))
		require.NoError(t, err)
		require.NoError(t, s.AddSession(ctx, "u1", "tok1", session(time.Hour)))

		_, err = s.UpsertUser(ctx, identity("u1", "a@x.com"))
		require.NoError(t, err)

		ok, err := s.ValidateSession(ctx, "u1", "tok1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("FindMissingReturnsNil", func(t *testing.T) {
		s := newStore(t)

		u, err := s.FindByUID(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, u)

		u, err = s.FindByEmail(ctx, "nobody@x.com")
		require.NoError(t, err)
		assert.Nil(t, u)
	})

	t.Run("FindByEmailIsCaseInsensitive", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertUser(ctx, identity("u1", "a@x.com"))
		require.NoError(t, err)

		u, err := s.FindByEmail(ctx, " A@X.COM ")
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, "u1", u.UID)
	})

	t.Run("Touch", func(t *testing.T) {
		s := newStore(t)
		before, err := s.UpsertUser(ctx, identity("u1", "a@x.com"))
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.Touch(ctx, "u1"))

		after, err := s.FindByUID(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, after.LastSeen.After(before.LastSeen), "lastSeen should move forward")

		assert.ErrorIs(t, s.Touch(ctx, "nobody"), apperror.ErrNotFound)
	})

	// =====================================================================
	// SESSIONS
	// =====================================================================

	t.Run("AddValidateRemoveScenario", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertUser(ctx, model.Identity{UID: "u1", Email: "a@x.com", Provider: model.ProviderEmail})
		require.NoError(t, err)

		require.NoError(t, s.AddSession(ctx, "u1", "tok1", session(7*24*time.Hour)))

		ok, err := s.ValidateSession(ctx, "u1", "tok1")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.RemoveSession(ctx, "u1", "tok1"))

		ok, err = s.ValidateSession(ctx, "u1", "tok1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertUser(ctx, identity("u1", "a@x.com"))
		require.NoError(t, err)
		require.NoError(t, s.AddSession(ctx, "u1", "tok1", session(time.Hour)))

		require.NoError(t, s.RemoveSession(ctx, "u1", "tok1"))
		require.NoError(t, s.RemoveSession(ctx, "u1", "tok1"))
		require.NoError(t, s.RemoveSession(ctx, "nobody", "tok1"))
	})

	t.Run("AddSessionUnknownUser", func(t *testing.T) {
		s := newStore(t)
		err := s.AddSession(ctx, "nobody", "tok1", session(time.Hour))
		assert.ErrorIs(t, err, apperror.ErrNotFound)
	})

	t.Run("ValidateChecksOwnerAndToken", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertUser(ctx, identity("u1", "a@x.com"))
		require.NoError(t, err)
		_, err = s.UpsertUser(ctx, identity("u2", "b@x.com"))
		require.NoError(t, err)
		require.NoError(t, s.AddSession(ctx, "u1", "tok1", session(time.Hour)))

		ok, err := s.ValidateSession(ctx, "u2", "tok1")
		require.NoError(t, err)
		assert.False(t, ok, "token belongs to u1")

		ok, err = s.ValidateSession(ctx, "u1", "tok2")
		require.NoError(t, err)
		assert.False(t, ok, "unknown token")
	})

	t.Run("ExpiredRecordDoesNotValidate", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertUser(ctx, identity("u1", "a@x.com"))
		require.NoError(t, err)
		require.NoError(t, s.AddSession(ctx, "u1", "old", session(-time.Minute)))

		ok, err := s.ValidateSession(ctx, "u1", "old")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("AddSessionPrunesExpired", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertUser(ctx, identity("u1", "a@x.com"))
		require.NoError(t, err)
		require.NoError(t, s.AddSession(ctx, "u1", "old-1", session(-time.Hour)))
		require.NoError(t, s.AddSession(ctx, "u1", "old-2", session(-time.Minute)))

		require.NoError(t, s.AddSession(ctx, "u1", "fresh", session(time.Hour)))

		// The expired ones were pruned by the last AddSession, so a sweep
		// has nothing left to do for this user.
		n, err := s.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		recs, err := s.ListSessions(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("StoresHashNotToken", func(t *testing.T) {
		s := newStore(t)
		h := Hasher(t)
		_, err := s.UpsertUser(ctx, identity("u1", "a@x.com"))
		require.NoError(t, err)
		ns := session(time.Hour)
		require.NoError(t, s.AddSession(ctx, "u1", "raw-token-value", ns))

		recs, err := s.ListSessions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.NotEqual(t, "raw-token-value", recs[0].TokenHash)
		assert.Equal(t, h.Hash("raw-token-value"), recs[0].TokenHash)
		assert.Equal(t, ns.SessionID, recs[0].SessionID)
		assert.Equal(t, "test-agent", recs[0].UserAgent)
		assert.Equal(t, "127.0.0.1", recs[0].IP)
		assert.WithinDuration(t, ns.ExpiresAt, recs[0].ExpiresAt, time.Millisecond)
	})

	t.Run("MultipleDevicesCoexist", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertUser(ctx, identity("u1", "a@x.com"))
		require.NoError(t, err)

		const devices = 8
		var wg sync.WaitGroup
		errs := make(chan error, devices)
		for i := 0; i < devices; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.AddSession(ctx, "u1", fmt.Sprintf("tok-%d", i), session(time.Hour))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		for i := 0; i < devices; i++ {
			ok, err := s.ValidateSession(ctx, "u1", fmt.Sprintf("tok-%d", i))
			require.NoError(t, err)
			assert.True(t, ok, "device %d", i)
		}
	})

	t.Run("RemoveAllSessions", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertUser(ctx, identity("u1", "a@x.com"))
		require.NoError(t, err)
		_, err = s.UpsertUser(ctx, identity("u2", "b@x.com"))
		require.NoError(t, err)
		require.NoError(t, s.AddSession(ctx, "u1", "tok1", session(time.Hour)))
		require.NoError(t, s.AddSession(ctx, "u1", "tok2", session(time.Hour)))
		require.NoError(t, s.AddSession(ctx, "u2", "tok3", session(time.Hour)))

		n, err := s.RemoveAllSessions(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		ok, err := s.ValidateSession(ctx, "u2", "tok3")
		require.NoError(t, err)
		assert.True(t, ok, "other users keep their sessions")
	})

	t.Run("SweepExpired", func(t *testing.T) {
		s := newStore(t)
		for _, uid := range []string{"u1", "u2"} {
			_, err := s.UpsertUser(ctx, identity(uid, uid+"@x.com"))
			require.NoError(t, err)
		}
		// Add live first so the later expired inserts are not pruned.
		require.NoError(t, s.AddSession(ctx, "u1", "live", session(time.Hour)))
		require.NoError(t, s.AddSession(ctx, "u1", "dead-1", session(-time.Second)))
		require.NoError(t, s.AddSession(ctx, "u2", "dead-2", session(-time.Second)))

		n, err := s.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		ok, err := s.ValidateSession(ctx, "u1", "live")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}

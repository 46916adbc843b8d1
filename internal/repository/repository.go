// Package repository declares the persistence contracts. Backends live in
// sub-packages (sqlite, postgres, mongo, redis, memory) and share the
// contract suite in storetest.
package repository

import (
	"context"
	"time"

	"github.com/sakif/authcore/internal/model"
)

// TokenHasher is how stores turn a raw session token into the value they
// persist. Stores index on the output, so it must be deterministic.
type TokenHasher interface {
	Hash(raw string) string
}

// NewSession describes a session record to append.
type NewSession struct {
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
	UserAgent string
	IP        string
}

// CredentialStore keeps user records and, per user, the hashes of live
// session tokens.
//
// Contract shared by every backend:
//   - uid and email are each unique. A write that would break that returns
//     apperror.ErrConflict and changes nothing.
//   - emails are lowercased on write and lookup.
//   - raw tokens are never persisted, only TokenHasher output.
//   - Find* return (nil, nil) when there is no such user.
//   - every mutation is one store-native atomic operation (a transaction or
//     a single-document update), so no application lock is needed.
type CredentialStore interface {
	// UpsertUser creates the user on first sight of uid, otherwise updates
	// email, name, provider, photoURL and lastSeen. createdAt and sessions
	// are never touched.
	UpsertUser(ctx context.Context, id model.Identity) (*model.User, error)

	// AddSession appends a record for rawToken, prunes the user's expired
	// records and bumps lastSeen. Unknown uid returns apperror.ErrNotFound.
	AddSession(ctx context.Context, uid, rawToken string, s NewSession) error

	// RemoveSession deletes the record matching rawToken. Missing is not an
	// error.
	RemoveSession(ctx context.Context, uid, rawToken string) error

	// ValidateSession reports whether a non-expired record matches rawToken.
	ValidateSession(ctx context.Context, uid, rawToken string) (bool, error)

	FindByUID(ctx context.Context, uid string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Touch sets lastSeen to now.
	Touch(ctx context.Context, uid string) error

	// ListSessions returns the user's live records, newest first.
	ListSessions(ctx context.Context, uid string) ([]model.SessionRecord, error)

	// RemoveAllSessions deletes every record of uid and returns how many.
	RemoveAllSessions(ctx context.Context, uid string) (int64, error)

	// SweepExpired deletes expired records of all users.
	SweepExpired(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// ResetLedger remembers which one-time tokens have been used.
type ResetLedger interface {
	// Claim marks id as used for ttl. It returns false if id was already
	// claimed and has not yet expired.
	Claim(ctx context.Context, id string, ttl time.Duration) (bool, error)

	// Used reports whether id holds an unexpired claim.
	Used(ctx context.Context, id string) (bool, error)

	// Release forgets a claim, used when the guarded operation failed and
	// the token should stay usable.
	Release(ctx context.Context, id string) error
}

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
	"github.com/sakif/authcore/internal/repository/storetest"
)

// newTestDB creates a fresh in-memory database for each test.
//
// WHY :memory:?
// Each test gets a brand-new, empty database. No cleanup needed between
// tests, and no test can see another's data.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:", storetest.Hasher(t))
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) repository.CredentialStore {
		return newTestDB(t)
	})
}

// =========================================================================
// SQLITE-SPECIFIC TESTS
// =========================================================================

func TestNew_RequiresHasher(t *testing.T) {
	if _, err := New(":memory:", nil); err == nil {
		t.Fatal("New() should reject a nil hasher")
	}
}

func TestNew_FileDatabasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authcore.db")
	ctx := context.Background()

	db, err := New(path, storetest.Hasher(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := db.UpsertUser(ctx, model.Identity{UID: "u1", Email: "a@x.com"}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	db.Close()

	// Reopening runs migrations again; they must be idempotent.
	db, err = New(path, storetest.Hasher(t))
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer db.Close()

	u, err := db.FindByUID(ctx, "u1")
	if err != nil || u == nil {
		t.Fatalf("FindByUID() = %v, %v; want persisted user", u, err)
	}
}

func TestDSN(t *testing.T) {
	tests := map[string]string{
		":memory:":          ":memory:",
		"data/a.db":         "file:data/a.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		"file:x.db?mode=ro": "file:x.db?mode=ro",
	}
	for in, want := range tests {
		if got := dsn(in); got != want {
			t.Errorf("dsn(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSweepExpired_UsesClock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	start := time.Now()

	if _, err := db.UpsertUser(ctx, model.Identity{UID: "u1", Email: "a@x.com"}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	err := db.AddSession(ctx, "u1", "tok1", repository.NewSession{
		SessionID: "s1", IssuedAt: start, ExpiresAt: start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}

	// Jump past expiry without sleeping.
	db.now = func() time.Time { return start.Add(2 * time.Hour) }

	if ok, _ := db.ValidateSession(ctx, "u1", "tok1"); ok {
		t.Error("ValidateSession() = true after expiry")
	}
	n, err := db.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("SweepExpired() removed %d, want 1", n)
	}
}

func TestForeignKeyCascade(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.UpsertUser(ctx, model.Identity{UID: "u1", Email: "a@x.com"}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	now := time.Now()
	if err := db.AddSession(ctx, "u1", "tok1", repository.NewSession{SessionID: "s1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}

	// User deletion is an admin concern outside the store API, but the
	// schema must not leave orphaned sessions behind when it happens.
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM users WHERE uid = ?`, "u1"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if n != 0 {
		t.Errorf("%d orphaned sessions after user delete", n)
	}
}

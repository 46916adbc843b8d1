package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/model"
)

const userColumns = `uid, email, name, provider, photo_url, created_at, last_seen`

// UpsertUser inserts the user on first sight of uid and otherwise refreshes
// the profile fields.
//
// INSERT ... ON CONFLICT(uid) DO UPDATE is a single statement, so two
// concurrent logins for the same uid can never produce two rows. created_at
// is only written by the INSERT branch. If the new email already belongs to
// a different uid, the UNIQUE constraint on email aborts the whole
// statement and nothing changes.
func (db *DB) UpsertUser(ctx context.Context, id model.Identity) (*model.User, error) {
	now := toMillis(db.now())
	email := model.NormalizeEmail(id.Email)
	provider := id.Provider
	if !provider.Valid() {
		provider = model.ProviderEmail
	}

	row := db.conn.QueryRowContext(ctx, `
		INSERT INTO users (uid, email, name, provider, photo_url, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			email     = excluded.email,
			name      = excluded.name,
			provider  = excluded.provider,
			photo_url = excluded.photo_url,
			last_seen = excluded.last_seen
		RETURNING `+userColumns,
		id.UID, email, id.Name, provider, id.PhotoURL, now, now,
	)

	u, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperror.Conflict("user email", email)
		}
		return nil, fmt.Errorf("sqlite: upserting user %s: %w", id.UID, err)
	}
	return u, nil
}

// FindByUID returns (nil, nil) if no user has that uid.
func (db *DB) FindByUID(ctx context.Context, uid string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE uid = ?`, uid)

	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: getting user %s: %w", uid, err)
	}
	return u, nil
}

// FindByEmail returns (nil, nil) if no user has that email.
func (db *DB) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, model.NormalizeEmail(email))

	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: getting user by email: %w", err)
	}
	return u, nil
}

// Touch updates last_seen.
func (db *DB) Touch(ctx context.Context, uid string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE users SET last_seen = ? WHERE uid = ?`, toMillis(db.now()), uid)
	if err != nil {
		return fmt.Errorf("sqlite: touching user %s: %w", uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("user", uid)
	}
	return nil
}

func scanUser(row *sql.Row) (*model.User, error) {
	var (
		u                   model.User
		createdAt, lastSeen int64
	)
	if err := row.Scan(&u.UID, &u.Email, &u.Name, &u.Provider, &u.PhotoURL, &createdAt, &lastSeen); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(createdAt)
	u.LastSeen = fromMillis(lastSeen)
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// Primary result code only; the message names the constraint kind.
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}

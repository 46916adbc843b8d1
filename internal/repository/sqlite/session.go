package sqlite

import (
	"context"
	"fmt"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
)

// AddSession stores the hash of rawToken for uid.
//
// TRANSACTION:
// The lastSeen bump, the prune and the insert commit together. The UPDATE
// runs first because it doubles as the existence check: zero rows affected
// means there is no such user and we roll back.
func (db *DB) AddSession(ctx context.Context, uid, rawToken string, s repository.NewSession) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	// Rollback after Commit is a no-op, so this is safe on every path.
	defer tx.Rollback()

	now := toMillis(db.now())

	res, err := tx.ExecContext(ctx, `UPDATE users SET last_seen = ? WHERE uid = ?`, now, uid)
	if err != nil {
		return fmt.Errorf("sqlite: touching user %s: %w", uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("user", uid)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE uid = ? AND expires_at <= ?`, uid, now,
	); err != nil {
		return fmt.Errorf("sqlite: pruning sessions for %s: %w", uid, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, uid, session_id, issued_at, expires_at, user_agent, ip)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		db.hasher.Hash(rawToken), uid, s.SessionID,
		toMillis(s.IssuedAt), toMillis(s.ExpiresAt), s.UserAgent, s.IP,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("session", s.SessionID)
		}
		return fmt.Errorf("sqlite: inserting session for %s: %w", uid, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing session for %s: %w", uid, err)
	}
	return nil
}

// RemoveSession deletes the record whose hash matches rawToken. The match
// is on token_hash, never on plaintext.
func (db *DB) RemoveSession(ctx context.Context, uid, rawToken string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM sessions WHERE uid = ? AND token_hash = ?`, uid, db.hasher.Hash(rawToken))
	if err != nil {
		return fmt.Errorf("sqlite: removing session for %s: %w", uid, err)
	}
	return nil
}

// ValidateSession reports whether a live record matches rawToken.
func (db *DB) ValidateSession(ctx context.Context, uid, rawToken string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE uid = ? AND token_hash = ? AND expires_at > ?`,
		uid, db.hasher.Hash(rawToken), toMillis(db.now()),
	).Scan(&one)
	if err != nil {
		return false, fmt.Errorf("sqlite: validating session for %s: %w", uid, err)
	}
	return one > 0, nil
}

// ListSessions returns live records, newest first.
func (db *DB) ListSessions(ctx context.Context, uid string) ([]model.SessionRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT token_hash, session_id, issued_at, expires_at, user_agent, ip
		FROM sessions
		WHERE uid = ? AND expires_at > ?
		ORDER BY issued_at DESC`,
		uid, toMillis(db.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing sessions for %s: %w", uid, err)
	}
	defer rows.Close()

	// Initialize as empty slice (not nil) so callers encode [] instead of null
	sessions := []model.SessionRecord{}
	for rows.Next() {
		var (
			rec                 model.SessionRecord
			issuedAt, expiresAt int64
		)
		if err := rows.Scan(&rec.TokenHash, &rec.SessionID, &issuedAt, &expiresAt, &rec.UserAgent, &rec.IP); err != nil {
			return nil, fmt.Errorf("sqlite: scanning session row: %w", err)
		}
		rec.IssuedAt = fromMillis(issuedAt)
		rec.ExpiresAt = fromMillis(expiresAt)
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating session rows: %w", err)
	}
	return sessions, nil
}

// RemoveAllSessions deletes every record of uid.
func (db *DB) RemoveAllSessions(ctx context.Context, uid string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE uid = ?`, uid)
	if err != nil {
		return 0, fmt.Errorf("sqlite: removing sessions for %s: %w", uid, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepExpired deletes expired records across all users.
func (db *DB) SweepExpired(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, toMillis(db.now()))
	if err != nil {
		return 0, fmt.Errorf("sqlite: sweeping sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

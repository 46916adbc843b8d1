package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
)

// AddSession runs the lastSeen bump, prune and insert in one transaction.
func (s *Store) AddSession(ctx context.Context, uid, rawToken string, ns repository.NewSession) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE users SET last_seen = now() WHERE uid = $1`, uid)
		if err != nil {
			return fmt.Errorf("postgres: touching user %s: %w", uid, err)
		}
		if tag.RowsAffected() == 0 {
			return apperror.NotFound("user", uid)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM sessions WHERE uid = $1 AND expires_at <= now()`, uid,
		); err != nil {
			return fmt.Errorf("postgres: pruning sessions for %s: %w", uid, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO sessions (token_hash, uid, session_id, issued_at, expires_at, user_agent, ip)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			s.hasher.Hash(rawToken), uid, ns.SessionID, ns.IssuedAt, ns.ExpiresAt, ns.UserAgent, ns.IP,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return apperror.Conflict("session", ns.SessionID)
			}
			return fmt.Errorf("postgres: inserting session for %s: %w", uid, err)
		}
		return nil
	})
}

func (s *Store) RemoveSession(ctx context.Context, uid, rawToken string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE uid = $1 AND token_hash = $2`, uid, s.hasher.Hash(rawToken))
	if err != nil {
		return fmt.Errorf("postgres: removing session for %s: %w", uid, err)
	}
	return nil
}

func (s *Store) ValidateSession(ctx context.Context, uid, rawToken string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sessions
			WHERE uid = $1 AND token_hash = $2 AND expires_at > now()
		)`,
		uid, s.hasher.Hash(rawToken),
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: validating session for %s: %w", uid, err)
	}
	return ok, nil
}

func (s *Store) ListSessions(ctx context.Context, uid string) ([]model.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token_hash, session_id, issued_at, expires_at, user_agent, ip
		FROM sessions
		WHERE uid = $1 AND expires_at > now()
		ORDER BY issued_at DESC`, uid)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing sessions for %s: %w", uid, err)
	}

	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SessionRecord, error) {
		var rec model.SessionRecord
		err := row.Scan(&rec.TokenHash, &rec.SessionID, &rec.IssuedAt, &rec.ExpiresAt, &rec.UserAgent, &rec.IP)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scanning sessions for %s: %w", uid, err)
	}
	if sessions == nil {
		sessions = []model.SessionRecord{}
	}
	return sessions, nil
}

func (s *Store) RemoveAllSessions(ctx context.Context, uid string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE uid = $1`, uid)
	if err != nil {
		return 0, fmt.Errorf("postgres: removing sessions for %s: %w", uid, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("postgres: sweeping sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

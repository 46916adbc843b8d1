package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/model"
)

const userColumns = `uid, email, name, provider, photo_url, created_at, last_seen`

// UpsertUser is a single INSERT ... ON CONFLICT statement. An email owned by
// another uid trips the UNIQUE constraint and the statement changes nothing.
func (s *Store) UpsertUser(ctx context.Context, id model.Identity) (*model.User, error) {
	provider := id.Provider
	if !provider.Valid() {
		provider = model.ProviderEmail
	}
	email := model.NormalizeEmail(id.Email)

	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (uid, email, name, provider, photo_url, created_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (uid) DO UPDATE SET
			email     = EXCLUDED.email,
			name      = EXCLUDED.name,
			provider  = EXCLUDED.provider,
			photo_url = EXCLUDED.photo_url,
			last_seen = EXCLUDED.last_seen
		RETURNING `+userColumns,
		id.UID, email, id.Name, string(provider), id.PhotoURL,
	)

	u, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperror.Conflict("user email", email)
		}
		return nil, fmt.Errorf("postgres: upserting user %s: %w", id.UID, err)
	}
	return u, nil
}

func (s *Store) FindByUID(ctx context.Context, uid string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE uid = $1`, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: getting user %s: %w", uid, err)
	}
	return u, nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, model.NormalizeEmail(email)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: getting user by email: %w", err)
	}
	return u, nil
}

func (s *Store) Touch(ctx context.Context, uid string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET last_seen = now() WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("postgres: touching user %s: %w", uid, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("user", uid)
	}
	return nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u        model.User
		provider string
	)
	if err := row.Scan(&u.UID, &u.Email, &u.Name, &provider, &u.PhotoURL, &u.CreatedAt, &u.LastSeen); err != nil {
		return nil, err
	}
	u.Provider = model.Provider(provider)
	return &u, nil
}

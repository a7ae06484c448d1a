package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lissto-dev/imagewatch/pkg/registry"
)

var _ registry.TokenStore = (*Store)(nil)

// RepositoryToken returns the token saved for registry/repository. A token
// saved for userID wins over one saved for everyone (empty user id).
func (s *Store) RepositoryToken(ctx context.Context, userID, registryHost, repository string) (registry.Credentials, bool, error) {
	var creds registry.Credentials
	err := s.db.QueryRowContext(ctx,
		`SELECT username, token FROM repository_tokens
		 WHERE registry = ? AND repository = ? AND user_id IN (?, '')
		 ORDER BY user_id DESC LIMIT 1`,
		registryHost, repository, userID,
	).Scan(&creds.Username, &creds.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Credentials{}, false, nil
	}
	if err != nil {
		return registry.Credentials{}, false, fmt.Errorf("failed to query repository token: %w", err)
	}
	return creds, true, nil
}

// UpsertToken saves a repository token. An empty userID makes it apply to every user.
func (s *Store) UpsertToken(ctx context.Context, userID, registryHost, repository string, creds registry.Credentials) error {
	if creds.Anonymous() {
		return errors.New("token must not be empty")
	}
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO repository_tokens (user_id, registry, repository, username, token, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (user_id, registry, repository) DO UPDATE SET
			     username = excluded.username,
			     token = excluded.token,
			     updated_at = excluded.updated_at`,
			userID, registryHost, repository, creds.Username, creds.Token, toMillis(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("failed to save repository token: %w", err)
		}
		return nil
	})
}

// DeleteToken removes a repository token or returns ErrNotFound
func (s *Store) DeleteToken(ctx context.Context, userID, registryHost, repository string) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM repository_tokens WHERE user_id = ? AND registry = ? AND repository = ?`,
			userID, registryHost, repository)
		if err != nil {
			return fmt.Errorf("failed to delete repository token: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

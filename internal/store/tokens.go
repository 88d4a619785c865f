package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetToken returns the stored OAuth token blob of a service.
func (s *Store) GetToken(ctx context.Context, service string) ([]byte, error) {
	var blob []byte
	err := s.DB.QueryRowContext(ctx, `SELECT token FROM oauth_tokens WHERE service = ?`, service).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token failed: %w", err)
	}

	return blob, nil
}

// PutToken stores or replaces the OAuth token blob of a service.
func (s *Store) PutToken(ctx context.Context, service string, blob []byte) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO oauth_tokens (service, token, time_modified) VALUES (?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET token = excluded.token, time_modified = excluded.time_modified`,
		service, blob, s.unixNow())
	if err != nil {
		return fmt.Errorf("put token failed: %w", err)
	}

	return nil
}

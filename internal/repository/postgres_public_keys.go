package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"securordo/internal/domain"
)

type postgresPublicKeys struct {
	q queryer
}

// GetPublicKey reads users.public_key_ecdsa.
func (r *postgresPublicKeys) GetPublicKey(ctx context.Context, userID string) (string, error) {
	query := `
		SELECT public_key_ecdsa
		FROM users
		WHERE user_id = $1
	`
	var key sql.NullString
	err := r.q.QueryRowContext(ctx, query, userID).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("failed to get public key: %w", err)
	}
	if !key.Valid || key.String == "" {
		return "", fmt.Errorf("user %s has no provisioned key: %w", userID, domain.ErrNotFound)
	}
	return key.String, nil
}

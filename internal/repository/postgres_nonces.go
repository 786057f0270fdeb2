package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"securordo/internal/domain"
)

type postgresNonces struct {
	q queryer
}

func (r *postgresNonces) InsertNonce(ctx context.Context, rec *domain.NonceRecord) error {
	query := `
		INSERT INTO nonce_records (nonce, prescription_id, expires_at, used_at, verification_mode, created_at)
		VALUES ($1, $2, $3, NULL, $4, $5)
	`
	_, err := r.q.ExecContext(ctx, query,
		rec.Nonce,
		rec.PrescriptionID,
		rec.ExpiresAt,
		string(rec.VerificationMode),
		rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateNonce
		}
		return fmt.Errorf("failed to insert nonce: %w", err)
	}
	return nil
}

func (r *postgresNonces) GetNonce(ctx context.Context, nonce string) (*domain.NonceRecord, error) {
	query := `
		SELECT
			nonce,
			prescription_id::text,
			expires_at,
			used_at,
			verification_mode,
			created_at
		FROM nonce_records
		WHERE nonce = $1
	`
	var (
		rec    domain.NonceRecord
		usedAt sql.NullTime
		mode   string
	)
	err := r.q.QueryRowContext(ctx, query, nonce).Scan(
		&rec.Nonce,
		&rec.PrescriptionID,
		&rec.ExpiresAt,
		&usedAt,
		&mode,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	if usedAt.Valid {
		t := usedAt.Time
		rec.UsedAt = &t
	}
	rec.VerificationMode = domain.VerificationMode(mode)
	return &rec, nil
}

func (r *postgresNonces) MarkUsed(ctx context.Context, nonce string, now time.Time) (bool, error) {
	query := `
		UPDATE nonce_records
		SET used_at = $2
		WHERE nonce = $1 AND used_at IS NULL AND expires_at >= $2
	`
	res, err := r.q.ExecContext(ctx, query, nonce, now)
	if err != nil {
		return false, fmt.Errorf("failed to consume nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

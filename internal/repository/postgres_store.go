package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"securordo/internal/domain"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore Store实现，基于 database/sql + lib/pq
type PostgresStore struct {
	db     *sql.DB
	q      queryer
	inTx   bool
	logger *zap.Logger
}

// NewPostgresStore 创建 PostgresStore
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, q: db, logger: logger}
}

// 确保实现了接口
var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Prescriptions() PrescriptionRepository {
	return &postgresPrescriptions{q: s.q}
}

func (s *PostgresStore) Nonces() NonceRepository {
	return &postgresNonces{q: s.q}
}

func (s *PostgresStore) Dispensations() DispensationRepository {
	return &postgresDispensations{q: s.q}
}

func (s *PostgresStore) FraudAlerts() FraudAlertRepository {
	return &postgresFraudAlerts{q: s.q}
}

func (s *PostgresStore) PublicKeys() PublicKeyRepository {
	return &postgresPublicKeys{q: s.q}
}

// WithinTx begins a transaction unless one is already open on s.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Persistence("begin transaction", err)
	}
	txStore := &PostgresStore{db: s.db, q: tx, inTx: true, logger: s.logger}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Transaction rollback failed",
				zap.Error(rbErr),
				zap.NamedError("cause", err),
			)
			return fmt.Errorf("%w (%v): %w", ErrRollbackFailed, rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("Transaction commit failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// violatedConstraint names the unique constraint err broke, if any.
func violatedConstraint(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint, true
	}
	return "", false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return nullString(*p)
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

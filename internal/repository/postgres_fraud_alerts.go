package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"securordo/internal/domain"
)

type postgresFraudAlerts struct {
	q queryer
}

func (r *postgresFraudAlerts) InsertFraudAlert(ctx context.Context, a *domain.FraudAlert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	var details any
	if len(a.Details) > 0 {
		details = string(a.Details)
	}

	query := `
		INSERT INTO fraud_alerts (
			id, alert_type, severity, status, prescription_id, pharmacy_id,
			pharmacist_id, description, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.q.ExecContext(ctx, query,
		a.ID,
		string(a.AlertType),
		string(a.Severity),
		string(a.Status),
		nullStringPtr(a.PrescriptionID),
		nullStringPtr(a.PharmacyID),
		nullStringPtr(a.PharmacistID),
		a.Description,
		details,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert fraud alert: %w", err)
	}
	return nil
}

func (r *postgresFraudAlerts) ListFraudAlerts(ctx context.Context, filters domain.FraudAlertFilters) ([]*domain.FraudAlert, error) {
	where := []string{"1=1"}
	args := []any{}
	argIdx := 1

	if filters.PrescriptionID != nil {
		where = append(where, fmt.Sprintf("prescription_id = $%d", argIdx))
		args = append(args, *filters.PrescriptionID)
		argIdx++
	}
	if filters.Severity != nil {
		where = append(where, fmt.Sprintf("severity = $%d", argIdx))
		args = append(args, string(*filters.Severity))
		argIdx++
	}
	if filters.AlertType != nil {
		where = append(where, fmt.Sprintf("alert_type = $%d", argIdx))
		args = append(args, string(*filters.AlertType))
		argIdx++
	}
	if filters.Since != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *filters.Since)
		argIdx++
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT
			id::text,
			alert_type,
			severity,
			status,
			prescription_id::text,
			pharmacy_id::text,
			pharmacist_id::text,
			description,
			details::text,
			created_at
		FROM fraud_alerts
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d
	`, strings.Join(where, " AND "), argIdx)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list fraud alerts: %w", err)
	}
	defer rows.Close()

	var out []*domain.FraudAlert
	for rows.Next() {
		var (
			a                                    domain.FraudAlert
			alertType, severity, status          string
			prescriptionID, pharmacy, pharmacist sql.NullString
			details                              sql.NullString
		)
		if err := rows.Scan(
			&a.ID,
			&alertType,
			&severity,
			&status,
			&prescriptionID,
			&pharmacy,
			&pharmacist,
			&a.Description,
			&details,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fraud alert: %w", err)
		}
		a.AlertType = domain.FraudAlertType(alertType)
		a.Severity = domain.FraudSeverity(severity)
		a.Status = domain.FraudAlertStatus(status)
		a.PrescriptionID = stringPtr(prescriptionID)
		a.PharmacyID = stringPtr(pharmacy)
		a.PharmacistID = stringPtr(pharmacist)
		if details.Valid {
			a.Details = []byte(details.String)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

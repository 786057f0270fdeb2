package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"securordo/internal/domain"
)

type postgresDispensations struct {
	q queryer
}

// InsertDispensation writes several rows; callers run it inside WithinTx.
func (r *postgresDispensations) InsertDispensation(ctx context.Context, d *domain.Dispensation) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	query := `
		INSERT INTO dispensations (
			id, prescription_id, pharmacy_id, pharmacist_id, dispensation_type,
			signature_verified, nonce_verified, verification_mode, notes, dispensed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if _, err := r.q.ExecContext(ctx, query,
		d.ID,
		d.PrescriptionID,
		d.PharmacyID,
		d.PharmacistID,
		string(d.DispensationType),
		d.SignatureVerified,
		d.NonceVerified,
		string(d.VerificationMode),
		nullString(d.Notes),
		d.DispensedAt,
	); err != nil {
		return fmt.Errorf("failed to insert dispensation: %w", err)
	}

	itemQuery := `
		INSERT INTO dispensation_items (
			id, dispensation_id, prescription_item_id, quantity_dispensed,
			substituted, substitute_ciscode, substitution_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for i := range d.Items {
		it := &d.Items[i]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		it.DispensationID = d.ID
		if _, err := r.q.ExecContext(ctx, itemQuery,
			it.ID,
			d.ID,
			it.PrescriptionItemID,
			it.QuantityDispensed,
			it.Substituted,
			nullString(it.SubstituteCisCode),
			nullString(it.SubstitutionReason),
		); err != nil {
			return fmt.Errorf("failed to insert dispensation item: %w", err)
		}
	}
	return nil
}

func (r *postgresDispensations) ListByPrescription(ctx context.Context, prescriptionID string) ([]*domain.Dispensation, error) {
	query := `
		SELECT
			id::text,
			prescription_id::text,
			pharmacy_id::text,
			pharmacist_id::text,
			dispensation_type,
			signature_verified,
			nonce_verified,
			verification_mode,
			notes,
			dispensed_at
		FROM dispensations
		WHERE prescription_id = $1
		ORDER BY dispensed_at
	`
	rows, err := r.q.QueryContext(ctx, query, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispensations: %w", err)
	}
	defer rows.Close()

	var (
		out  []*domain.Dispensation
		byID = map[string]*domain.Dispensation{}
	)
	for rows.Next() {
		var (
			d           domain.Dispensation
			dType, mode string
			notes       sql.NullString
		)
		if err := rows.Scan(
			&d.ID,
			&d.PrescriptionID,
			&d.PharmacyID,
			&d.PharmacistID,
			&dType,
			&d.SignatureVerified,
			&d.NonceVerified,
			&mode,
			&notes,
			&d.DispensedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dispensation: %w", err)
		}
		d.DispensationType = domain.DispensationType(dType)
		d.VerificationMode = domain.VerificationMode(mode)
		d.Notes = notes.String
		out = append(out, &d)
		byID[d.ID] = &d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dispensations: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	itemQuery := `
		SELECT
			di.id::text,
			di.dispensation_id::text,
			di.prescription_item_id::text,
			di.quantity_dispensed,
			di.substituted,
			di.substitute_ciscode,
			di.substitution_reason
		FROM dispensation_items di
		JOIN dispensations d ON d.id = di.dispensation_id
		WHERE d.prescription_id = $1
	`
	itemRows, err := r.q.QueryContext(ctx, itemQuery, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispensation items: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var (
			it                domain.DispensationItem
			substitute, cause sql.NullString
		)
		if err := itemRows.Scan(
			&it.ID,
			&it.DispensationID,
			&it.PrescriptionItemID,
			&it.QuantityDispensed,
			&it.Substituted,
			&substitute,
			&cause,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dispensation item: %w", err)
		}
		it.SubstituteCisCode = substitute.String
		it.SubstitutionReason = cause.String
		if d, ok := byID[it.DispensationID]; ok {
			d.Items = append(d.Items, it)
		}
	}
	return out, itemRows.Err()
}

func (r *postgresDispensations) DispensedQuantities(ctx context.Context, prescriptionID string) (map[string]int, error) {
	query := `
		SELECT di.prescription_item_id::text, COALESCE(SUM(di.quantity_dispensed), 0)
		FROM dispensation_items di
		JOIN dispensations d ON d.id = di.dispensation_id
		WHERE d.prescription_id = $1
		GROUP BY di.prescription_item_id
	`
	rows, err := r.q.QueryContext(ctx, query, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum dispensed quantities: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			itemID string
			qty    int
		)
		if err := rows.Scan(&itemID, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan dispensed quantity: %w", err)
		}
		out[itemID] = qty
	}
	return out, rows.Err()
}

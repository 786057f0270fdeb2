package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"securordo/internal/domain"
)

type postgresPrescriptions struct {
	q queryer
}

// prescriptionNumberConstraint unique constraint on prescriptions.prescription_number
const prescriptionNumberConstraint = "prescriptions_prescription_number_key"

const prescriptionColumns = `
	id::text,
	prescription_number,
	prescriber_id::text,
	patient_id::text,
	patient_ins_number,
	status,
	valid_until,
	nonce,
	signature,
	payload_hash,
	signed_at,
	created_at,
	updated_at`

// CreatePrescription writes several rows; callers run it inside WithinTx.
func (r *postgresPrescriptions) CreatePrescription(ctx context.Context, p *domain.Prescription) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	query := `
		INSERT INTO prescriptions (
			id, prescription_number, prescriber_id, patient_id, patient_ins_number,
			status, valid_until, nonce, signature, payload_hash, signed_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.q.ExecContext(ctx, query,
		p.ID,
		p.Number,
		p.PrescriberID,
		p.PatientID,
		p.PatientInsNumber,
		string(p.Status),
		p.ValidUntil,
		p.Nonce,
		p.Signature,
		p.PayloadHash,
		p.SignedAt,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if c, ok := violatedConstraint(err); ok && c == prescriptionNumberConstraint {
			return fmt.Errorf("failed to insert prescription %s: %w", p.Number, domain.ErrDuplicatePrescriptionNumber)
		}
		return fmt.Errorf("failed to insert prescription: %w", err)
	}

	itemQuery := `
		INSERT INTO prescription_items (
			id, prescription_id, line_no, ciscode, dci, commercial_name, dosage,
			pharmaceutical_form, administration_route, posology, quantity, duration_days
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	for i := range p.Items {
		it := &p.Items[i]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		it.PrescriptionID = p.ID
		if _, err := r.q.ExecContext(ctx, itemQuery,
			it.ID,
			p.ID,
			i,
			it.CisCode,
			it.Dci,
			nullString(it.CommercialName),
			it.Dosage,
			it.PharmaceuticalForm,
			it.AdministrationRoute,
			it.Posology,
			it.Quantity,
			it.DurationDays,
		); err != nil {
			return fmt.Errorf("failed to insert prescription item %d: %w", i, err)
		}
	}
	return nil
}

func (r *postgresPrescriptions) GetPrescription(ctx context.Context, id string) (*domain.Prescription, error) {
	if id == "" {
		return nil, domain.ErrNotFound
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}

	query := `SELECT` + prescriptionColumns + `
		FROM prescriptions
		WHERE id = $1
	`
	p, err := scanPrescription(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("prescription %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get prescription: %w", err)
	}

	items, err := r.loadItems(ctx, []string{p.ID})
	if err != nil {
		return nil, err
	}
	p.Items = items[p.ID]
	return p, nil
}

func (r *postgresPrescriptions) UpdateStatus(ctx context.Context, id string, from []domain.PrescriptionStatus, to domain.PrescriptionStatus, now time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	query := `
		UPDATE prescriptions
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = ANY($4)
	`
	res, err := r.q.ExecContext(ctx, query, string(to), now, id, pq.Array(allowed))
	if err != nil {
		return false, fmt.Errorf("failed to update prescription status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (r *postgresPrescriptions) LockPrescription(ctx context.Context, id string) (domain.PrescriptionStatus, error) {
	query := `
		SELECT status
		FROM prescriptions
		WHERE id = $1
		FOR UPDATE
	`
	var status string
	if err := r.q.QueryRowContext(ctx, query, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("prescription %s: %w", id, domain.ErrNotFound)
		}
		return "", fmt.Errorf("failed to lock prescription: %w", err)
	}
	return domain.PrescriptionStatus(strings.TrimSpace(status)), nil
}

func (r *postgresPrescriptions) ListByPrescriber(ctx context.Context, prescriberID string, limit int) ([]*domain.Prescription, error) {
	if prescriberID == "" {
		return nil, fmt.Errorf("prescriber_id is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT` + prescriptionColumns + `
		FROM prescriptions
		WHERE prescriber_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.q.QueryContext(ctx, query, prescriberID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list prescriptions: %w", err)
	}
	defer rows.Close()

	var (
		out []*domain.Prescription
		ids []string
	)
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prescription: %w", err)
		}
		out = append(out, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate prescriptions: %w", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	items, err := r.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range out {
		p.Items = items[p.ID]
	}
	return out, nil
}

func (r *postgresPrescriptions) loadItems(ctx context.Context, prescriptionIDs []string) (map[string][]domain.PrescriptionItem, error) {
	query := `
		SELECT
			id::text,
			prescription_id::text,
			ciscode,
			dci,
			commercial_name,
			dosage,
			pharmaceutical_form,
			administration_route,
			posology,
			quantity,
			duration_days
		FROM prescription_items
		WHERE prescription_id = ANY($1)
		ORDER BY prescription_id, line_no
	`
	rows, err := r.q.QueryContext(ctx, query, pq.Array(prescriptionIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load prescription items: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.PrescriptionItem, len(prescriptionIDs))
	for rows.Next() {
		var (
			it             domain.PrescriptionItem
			commercialName sql.NullString
		)
		if err := rows.Scan(
			&it.ID,
			&it.PrescriptionID,
			&it.CisCode,
			&it.Dci,
			&commercialName,
			&it.Dosage,
			&it.PharmaceuticalForm,
			&it.AdministrationRoute,
			&it.Posology,
			&it.Quantity,
			&it.DurationDays,
		); err != nil {
			return nil, fmt.Errorf("failed to scan prescription item: %w", err)
		}
		it.CommercialName = commercialName.String
		out[it.PrescriptionID] = append(out[it.PrescriptionID], it)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrescription(row rowScanner) (*domain.Prescription, error) {
	var (
		p      domain.Prescription
		status string
	)
	err := row.Scan(
		&p.ID,
		&p.Number,
		&p.PrescriberID,
		&p.PatientID,
		&p.PatientInsNumber,
		&status,
		&p.ValidUntil,
		&p.Nonce,
		&p.Signature,
		&p.PayloadHash,
		&p.SignedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PrescriptionStatus(strings.TrimSpace(status))
	return &p, nil
}

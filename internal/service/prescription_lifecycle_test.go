package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securordo/internal/domain"
	"securordo/internal/qrcodec"
)

var allStatuses = []domain.PrescriptionStatus{
	domain.StatusActive,
	domain.StatusPartiallyDispensed,
	domain.StatusFullyDispensed,
	domain.StatusExpired,
	domain.StatusCancelled,
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]domain.PrescriptionStatus]bool{
		{domain.StatusActive, domain.StatusPartiallyDispensed}:         true,
		{domain.StatusActive, domain.StatusFullyDispensed}:             true,
		{domain.StatusActive, domain.StatusExpired}:                    true,
		{domain.StatusActive, domain.StatusCancelled}:                  true,
		{domain.StatusPartiallyDispensed, domain.StatusFullyDispensed}: true,
		{domain.StatusPartiallyDispensed, domain.StatusCancelled}:      true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			assert.Equal(t, allowed[[2]domain.PrescriptionStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	for _, s := range allStatuses {
		assert.False(t, CanTransition(s, domain.StatusActive), "nothing returns to active")
	}
}

func TestAdvance_IllegalTransitions(t *testing.T) {
	ctx := context.Background()

	for _, terminal := range []domain.PrescriptionStatus{domain.StatusFullyDispensed, domain.StatusExpired, domain.StatusCancelled} {
		t.Run(string(terminal), func(t *testing.T) {
			h := newHarness(t)
			res := h.issue(t)
			id := res.Prescription.ID
			require.NoError(t, h.lifecycle.Advance(ctx, id, terminal))

			for _, to := range allStatuses {
				err := h.lifecycle.Advance(ctx, id, to)
				var ite *domain.IllegalTransitionError
				require.ErrorAs(t, err, &ite, "%s -> %s", terminal, to)
				assert.Equal(t, terminal, ite.From)
				assert.Equal(t, to, ite.To)
			}

			p, err := h.store.Prescriptions().GetPrescription(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, terminal, p.Status)
		})
	}
}

func TestAdvance_PartialThenFull(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.issue(t).Prescription.ID

	require.NoError(t, h.lifecycle.Advance(ctx, id, domain.StatusPartiallyDispensed))
	var ite *domain.IllegalTransitionError
	assert.ErrorAs(t, h.lifecycle.Advance(ctx, id, domain.StatusExpired), &ite)
	require.NoError(t, h.lifecycle.Advance(ctx, id, domain.StatusFullyDispensed))
}

func TestAdvance_UnknownPrescription(t *testing.T) {
	h := newHarness(t)
	err := h.lifecycle.Advance(context.Background(), "missing", domain.StatusCancelled)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancel_Ownership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.issue(t)
	id := res.Prescription.ID

	other := domain.CurrentUser{ID: "doc-2", Role: domain.RolePrescriber, RPPSNumber: "99999"}
	assert.ErrorIs(t, h.lifecycle.Cancel(ctx, other, id), domain.ErrForbidden)
	assert.ErrorIs(t, h.lifecycle.Cancel(ctx, h.pharmacist, id), domain.ErrForbidden)

	require.NoError(t, h.lifecycle.Cancel(ctx, h.prescriber, id))

	v := h.verify(t, res.QRPayload, h.pharmacist)
	require.NotNil(t, v.Rejection)
	assert.Equal(t, domain.RejectCancelled, v.Rejection.Reason)
	assert.Empty(t, h.alerts(t))
}

func TestCancel_Admin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.issue(t).Prescription.ID

	require.NoError(t, h.lifecycle.Cancel(ctx, h.admin, id))
	var ite *domain.IllegalTransitionError
	assert.ErrorAs(t, h.lifecycle.Cancel(ctx, h.admin, id), &ite)
}

func TestVerify_Valid(t *testing.T) {
	h := newHarness(t)
	res := h.issue(t)

	v := h.verify(t, res.QRPayload, h.pharmacist)
	require.Nil(t, v.Rejection)
	require.NotNil(t, v.Verified)
	assert.Equal(t, res.Prescription.ID, v.Verified.Prescription.ID)
	assert.Equal(t, h.keys.PublicKey, v.Verified.PublicKey)

	// verification alone never consumes the nonce
	st, err := h.ledger.CheckValid(context.Background(), res.Prescription.Nonce)
	require.NoError(t, err)
	assert.False(t, st.Used)
}

func TestVerify_TamperedClaims(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*qrcodec.Record)
	}{
		{"signature byte", func(r *qrcodec.Record) {
			b := []byte(r.Signature)
			if b[10] == 'a' {
				b[10] = 'b'
			} else {
				b[10] = 'a'
			}
			r.Signature = string(b)
		}},
		{"patient INS", func(r *qrcodec.Record) { r.PatientInsNumber = "2990175000000" }},
		{"prescription number", func(r *qrcodec.Record) { r.PrescriptionNumber = "FR-00000-20260115-0001-XX" }},
		{"timestamp", func(r *qrcodec.Record) { r.Timestamp++ }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res := h.issue(t)
			qr := reencode(t, res.QRPayload, tt.mutate)

			v := h.verify(t, qr, h.pharmacist)
			require.NotNil(t, v.Rejection)
			assert.Equal(t, domain.RejectInvalidSignature, v.Rejection.Reason)

			alerts := h.alerts(t)
			require.Len(t, alerts, 1)
			assert.Equal(t, domain.AlertInvalidSignature, alerts[0].AlertType)
			assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)
			require.NotNil(t, alerts[0].PharmacyID)
			assert.Equal(t, "pharmacy-1", *alerts[0].PharmacyID)
		})
	}
}

func TestVerify_SignatureCheckedBeforeStatus(t *testing.T) {
	h := newHarness(t)
	res := h.issue(t)
	require.NoError(t, h.lifecycle.Cancel(context.Background(), h.prescriber, res.Prescription.ID))

	qr := reencode(t, res.QRPayload, func(r *qrcodec.Record) { r.Timestamp++ })
	v := h.verify(t, qr, h.pharmacist)
	require.NotNil(t, v.Rejection)
	assert.Equal(t, domain.RejectInvalidSignature, v.Rejection.Reason)
}

func TestVerify_NonceMismatch(t *testing.T) {
	h := newHarness(t)
	res := h.issue(t)
	p, err := h.store.Prescriptions().GetPrescription(context.Background(), res.Prescription.ID)
	require.NoError(t, err)

	// a record signed correctly by the prescriber but carrying another nonce
	forged := strings.Repeat("9", 64)
	payload := BuildSignedPayload(p.Number, p.PatientID, p.PatientInsNumber, p.Items, forged, p.SignedAt)
	sig, err := h.engine.Sign(payload, h.keys.PrivateKey)
	require.NoError(t, err)
	rec := qrcodec.Record{
		PrescriptionID:     p.ID,
		PrescriptionNumber: p.Number,
		PatientInsNumber:   p.PatientInsNumber,
		Signature:          sig,
		Nonce:              forged,
		Timestamp:          p.SignedAt,
	}

	v, err := h.lifecycle.Verify(context.Background(), h.pharmacist, p, rec)
	require.NoError(t, err)
	require.NotNil(t, v.Rejection)
	assert.Equal(t, domain.RejectInvalidNonce, v.Rejection.Reason)

	alerts := h.alerts(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertInvalidNonce, alerts[0].AlertType)
	assert.Equal(t, domain.SeverityHigh, alerts[0].Severity)
}

func TestVerify_NonceExpired(t *testing.T) {
	h := newHarness(t)
	res := h.issue(t)
	h.clock.Advance(24*time.Hour + time.Millisecond)

	v := h.verify(t, res.QRPayload, h.pharmacist)
	require.NotNil(t, v.Rejection)
	assert.Equal(t, domain.RejectNonceExpired, v.Rejection.Reason)

	alerts := h.alerts(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertExpiredNonce, alerts[0].AlertType)
	assert.Equal(t, domain.SeverityMedium, alerts[0].Severity)
}

func TestVerify_PrescriptionPastValidity(t *testing.T) {
	h := newHarness(t)
	res := h.issue(t)
	ctx := context.Background()

	// still valid on the last day
	h.clock.Set(res.Prescription.ValidUntil.Add(23 * time.Hour))
	p, err := h.store.Prescriptions().GetPrescription(ctx, res.Prescription.ID)
	require.NoError(t, err)
	assert.False(t, p.ExpiredAt(h.clock.Now()))

	h.clock.Set(res.Prescription.ValidUntil.Add(24 * time.Hour))
	v := h.verify(t, res.QRPayload, h.pharmacist)
	require.NotNil(t, v.Rejection)
	assert.Equal(t, domain.RejectExpired, v.Rejection.Reason)
	assert.Contains(t, v.Rejection.Detail, res.Prescription.ValidUntil.Format("2006-01-02"))

	p, err = h.store.Prescriptions().GetPrescription(ctx, res.Prescription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, p.Status)
	assert.Empty(t, h.alerts(t))
}

func TestVerify_UnknownPrescriberKey(t *testing.T) {
	h := newHarness(t)
	res := h.issue(t)
	p, err := h.store.Prescriptions().GetPrescription(context.Background(), res.Prescription.ID)
	require.NoError(t, err)
	p.PrescriberID = "nobody"
	rec, err := qrcodec.Decode(res.QRPayload)
	require.NoError(t, err)

	_, err = h.lifecycle.Verify(context.Background(), h.pharmacist, p, rec)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

package service

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"securordo/internal/domain"
	"securordo/internal/qrcodec"
)

func (h *harness) redeem(t *testing.T, user domain.CurrentUser, v *VerifiedPrescription, lines ...DispenseLine) *RedeemResult {
	t.Helper()
	res, err := h.recorder.Redeem(context.Background(), RedeemRequest{User: user, Verified: v, Items: lines})
	require.NoError(t, err)
	return res
}

func (h *harness) nonceUsed(t *testing.T, nonce string) bool {
	t.Helper()
	st, err := h.ledger.CheckValid(context.Background(), nonce)
	require.NoError(t, err)
	return st.Used
}

func TestRedeem_EndToEndReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.issue(t)
	assert.Regexp(t, regexp.MustCompile(`^FR-12345-20260115-\d{4}-XX$`), res.PrescriptionNumber)

	// two pharmacies scan the same code before either dispenses
	v1 := h.verify(t, res.QRPayload, h.pharmacist)
	v2 := h.verify(t, res.QRPayload, h.pharmacist2)
	require.NotNil(t, v1.Verified)
	require.NotNil(t, v2.Verified)

	first := h.redeem(t, h.pharmacist, v1.Verified)
	require.Nil(t, first.Rejection)
	require.NotNil(t, first.Dispensation)
	assert.Equal(t, domain.StatusFullyDispensed, first.Status)
	assert.Equal(t, domain.DispensationFull, first.Dispensation.DispensationType)
	assert.True(t, first.Dispensation.SignatureVerified)
	assert.True(t, first.Dispensation.NonceVerified)
	assert.Equal(t, "pharmacy-1", first.Dispensation.PharmacyID)
	require.Len(t, first.Dispensation.Items, 1)
	assert.Equal(t, 1, first.Dispensation.Items[0].QuantityDispensed)

	second := h.redeem(t, h.pharmacist2, v2.Verified)
	require.NotNil(t, second.Rejection)
	assert.Equal(t, domain.RejectReplay, second.Rejection.Reason)
	assert.Nil(t, second.Dispensation)

	alerts := h.alerts(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertReplayAttempt, alerts[0].AlertType)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)
	require.NotNil(t, alerts[0].PharmacyID)
	assert.Equal(t, "pharmacy-2", *alerts[0].PharmacyID)
	assert.Equal(t, 1, h.notifier.count())

	p, err := h.store.Prescriptions().GetPrescription(ctx, res.Prescription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFullyDispensed, p.Status)
	ds, err := h.store.Dispensations().ListByPrescription(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, ds, 1)

	// a later scan sees the final status
	third := h.verify(t, res.QRPayload, h.pharmacist2)
	require.NotNil(t, third.Rejection)
	assert.Equal(t, domain.RejectAlreadyDispensed, third.Rejection.Reason)
}

func TestRedeem_ConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	res := h.issue(t)
	v := h.verify(t, res.QRPayload, h.pharmacist)
	require.NotNil(t, v.Verified)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		dispensed int
		replays   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := h.recorder.Redeem(context.Background(), RedeemRequest{User: h.pharmacist, Verified: v.Verified})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if r.Dispensation != nil {
				dispensed++
			} else if r.Rejection != nil && r.Rejection.Reason == domain.RejectReplay {
				replays++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, dispensed)
	assert.Equal(t, workers-1, replays)
	assert.Len(t, h.alerts(t), workers-1)
}

func TestRedeem_FullOnlyRejectsPartial(t *testing.T) {
	h := newHarness(t)
	res := h.issue(t, paracetamol(3))
	v := h.verify(t, res.QRPayload, h.pharmacist)
	item := res.Prescription.Items[0].ID

	_, err := h.recorder.Redeem(context.Background(), RedeemRequest{
		User:     h.pharmacist,
		Verified: v.Verified,
		Items:    []DispenseLine{{PrescriptionItemID: item, Quantity: 1}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.False(t, h.nonceUsed(t, res.Prescription.Nonce))

	full := h.redeem(t, h.pharmacist, v.Verified, DispenseLine{PrescriptionItemID: item, Quantity: 3})
	require.Nil(t, full.Rejection)
	assert.Equal(t, domain.StatusFullyDispensed, full.Status)
}

func TestRedeem_DefaultsToEverythingOwed(t *testing.T) {
	h := newHarness(t)
	amox := paracetamol(2)
	amox.CisCode = "3400934998331"
	amox.Dci = "AMOXICILLINE1G"
	res := h.issue(t, paracetamol(1), amox)
	v := h.verify(t, res.QRPayload, h.pharmacist)

	r := h.redeem(t, h.pharmacist, v.Verified)
	require.NotNil(t, r.Dispensation)
	got := map[string]int{}
	for _, it := range r.Dispensation.Items {
		got[it.PrescriptionItemID] = it.QuantityDispensed
	}
	assert.Equal(t, map[string]int{
		res.Prescription.Items[0].ID: 1,
		res.Prescription.Items[1].ID: 2,
	}, got)
}

func TestRedeem_ConsumeOnFirstFill(t *testing.T) {
	h := newHarness(t, withPolicy(PolicyConsumeOnFirstFill))
	res := h.issue(t, paracetamol(3))
	v := h.verify(t, res.QRPayload, h.pharmacist)
	item := res.Prescription.Items[0].ID

	r := h.redeem(t, h.pharmacist, v.Verified, DispenseLine{PrescriptionItemID: item, Quantity: 1})
	require.NotNil(t, r.Dispensation)
	assert.Equal(t, domain.DispensationPartial, r.Dispensation.DispensationType)
	assert.Equal(t, domain.StatusPartiallyDispensed, r.Status)
	assert.True(t, h.nonceUsed(t, res.Prescription.Nonce))

	again := h.redeem(t, h.pharmacist, v.Verified, DispenseLine{PrescriptionItemID: item, Quantity: 2})
	require.NotNil(t, again.Rejection)
	assert.Equal(t, domain.RejectReplay, again.Rejection.Reason)

	rescan := h.verify(t, res.QRPayload, h.pharmacist)
	require.NotNil(t, rescan.Rejection)
	assert.Equal(t, domain.RejectReplay, rescan.Rejection.Reason)
}

func TestRedeem_ConsumeOnFinalFill(t *testing.T) {
	h := newHarness(t, withPolicy(PolicyConsumeOnFinalFill))
	res := h.issue(t, paracetamol(3))
	item := res.Prescription.Items[0].ID

	v := h.verify(t, res.QRPayload, h.pharmacist)
	r := h.redeem(t, h.pharmacist, v.Verified, DispenseLine{PrescriptionItemID: item, Quantity: 1})
	require.NotNil(t, r.Dispensation)
	assert.Equal(t, domain.StatusPartiallyDispensed, r.Status)
	assert.False(t, h.nonceUsed(t, res.Prescription.Nonce))

	// the same code is still accepted for the rest
	v = h.verify(t, res.QRPayload, h.pharmacist2)
	require.NotNil(t, v.Verified)
	r = h.redeem(t, h.pharmacist2, v.Verified)
	require.NotNil(t, r.Dispensation)
	assert.Equal(t, domain.StatusFullyDispensed, r.Status)
	require.Len(t, r.Dispensation.Items, 1)
	assert.Equal(t, 2, r.Dispensation.Items[0].QuantityDispensed)
	assert.True(t, h.nonceUsed(t, res.Prescription.Nonce))

	r = h.redeem(t, h.pharmacist, v.Verified)
	require.NotNil(t, r.Rejection)
	assert.Equal(t, domain.RejectReplay, r.Rejection.Reason)
}

func TestRedeem_OverDeliveryRollsBack(t *testing.T) {
	h := newHarness(t, withPolicy(PolicyConsumeOnFirstFill))
	res := h.issue(t)
	v := h.verify(t, res.QRPayload, h.pharmacist)

	_, err := h.recorder.Redeem(context.Background(), RedeemRequest{
		User:     h.pharmacist,
		Verified: v.Verified,
		Items:    []DispenseLine{{PrescriptionItemID: res.Prescription.Items[0].ID, Quantity: 2}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.False(t, h.nonceUsed(t, res.Prescription.Nonce))

	ds, err := h.store.Dispensations().ListByPrescription(context.Background(), res.Prescription.ID)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestRedeem_InvalidLines(t *testing.T) {
	h := newHarness(t)
	res := h.issue(t)
	v := h.verify(t, res.QRPayload, h.pharmacist)
	item := res.Prescription.Items[0].ID

	tests := []struct {
		name  string
		lines []DispenseLine
	}{
		{"unknown item", []DispenseLine{{PrescriptionItemID: "nope", Quantity: 1}}},
		{"zero quantity", []DispenseLine{{PrescriptionItemID: item, Quantity: 0}}},
		{"listed twice", []DispenseLine{{PrescriptionItemID: item, Quantity: 1}, {PrescriptionItemID: item, Quantity: 1}}},
		{"substitute without code", []DispenseLine{{PrescriptionItemID: item, Quantity: 1, Substituted: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.recorder.Redeem(context.Background(), RedeemRequest{User: h.pharmacist, Verified: v.Verified, Items: tt.lines})
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
	assert.False(t, h.nonceUsed(t, res.Prescription.Nonce))
}

func TestRedeem_Forbidden(t *testing.T) {
	h := newHarness(t)
	res := h.issue(t)
	v := h.verify(t, res.QRPayload, h.pharmacist)

	for _, u := range []domain.CurrentUser{
		h.prescriber,
		h.admin,
		{ID: "pha-3", Role: domain.RolePharmacist},
	} {
		_, err := h.recorder.Redeem(context.Background(), RedeemRequest{User: u, Verified: v.Verified})
		assert.ErrorIs(t, err, domain.ErrForbidden, u.ID)
	}
}

func TestRedeem_CancelledAfterVerify(t *testing.T) {
	h := newHarness(t)
	res := h.issue(t)
	v := h.verify(t, res.QRPayload, h.pharmacist)
	require.NoError(t, h.lifecycle.Cancel(context.Background(), h.prescriber, res.Prescription.ID))

	r := h.redeem(t, h.pharmacist, v.Verified)
	require.NotNil(t, r.Rejection)
	assert.Equal(t, domain.RejectCancelled, r.Rejection.Reason)
	assert.False(t, h.nonceUsed(t, res.Prescription.Nonce))
	assert.Empty(t, h.alerts(t))
}

func TestRedeem_NonceExpiredAfterVerify(t *testing.T) {
	h := newHarness(t)
	res := h.issue(t)
	v := h.verify(t, res.QRPayload, h.pharmacist)
	h.clock.Advance(25 * time.Hour)

	r := h.redeem(t, h.pharmacist, v.Verified)
	require.NotNil(t, r.Rejection)
	assert.Equal(t, domain.RejectNonceExpired, r.Rejection.Reason)

	alerts := h.alerts(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertExpiredNonce, alerts[0].AlertType)
}

func TestRedeem_HandBuiltVerifiedIsRechecked(t *testing.T) {
	h := newHarness(t)
	res := h.issue(t)
	rec, err := qrcodec.Decode(res.QRPayload)
	require.NoError(t, err)
	p, err := h.store.Prescriptions().GetPrescription(context.Background(), rec.PrescriptionID)
	require.NoError(t, err)
	rec.PatientInsNumber = "2990175000000"

	r := h.redeem(t, h.pharmacist, &VerifiedPrescription{Prescription: p, Record: rec})
	require.NotNil(t, r.Rejection)
	assert.Equal(t, domain.RejectInvalidSignature, r.Rejection.Reason)
	assert.False(t, h.nonceUsed(t, res.Prescription.Nonce))

	alerts := h.alerts(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertInvalidSignature, alerts[0].AlertType)
}

func TestRedeem_CommitFailureAfterConsumeNeedsReconciliation(t *testing.T) {
	h := newHarness(t)
	res := h.issue(t)
	v := h.verify(t, res.QRPayload, h.pharmacist)

	recorder := NewDispensationRecorder(commitFailStore{h.memory}, h.lifecycle, h.ledger, h.fraud, h.clock, PolicyFullOnly, time.Second, zap.NewNop())
	_, err := recorder.Redeem(context.Background(), RedeemRequest{User: h.pharmacist, Verified: v.Verified})
	assert.ErrorIs(t, err, domain.ErrReconciliationRequired)
}

func TestRedeem_CommitFailureWithoutConsume(t *testing.T) {
	h := newHarness(t, withPolicy(PolicyConsumeOnFinalFill))
	res := h.issue(t, paracetamol(2))
	v := h.verify(t, res.QRPayload, h.pharmacist)

	recorder := NewDispensationRecorder(commitFailStore{h.memory}, h.lifecycle, h.ledger, h.fraud, h.clock, PolicyConsumeOnFinalFill, time.Second, zap.NewNop())
	_, err := recorder.Redeem(context.Background(), RedeemRequest{
		User:     h.pharmacist,
		Verified: v.Verified,
		Items:    []DispenseLine{{PrescriptionItemID: res.Prescription.Items[0].ID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.NotErrorIs(t, err, domain.ErrReconciliationRequired)
}

func TestParseDispensationPolicy(t *testing.T) {
	for in, want := range map[string]DispensationPolicy{
		"":                      PolicyFullOnly,
		"full_only":             PolicyFullOnly,
		"consume_on_first_fill": PolicyConsumeOnFirstFill,
		"consume_on_final_fill": PolicyConsumeOnFinalFill,
	} {
		got, err := ParseDispensationPolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDispensationPolicy("whenever")
	assert.Error(t, err)
}

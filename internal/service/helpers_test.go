package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"securordo/internal/clock"
	"securordo/internal/cryptoengine"
	"securordo/internal/domain"
	"securordo/internal/keystore"
	"securordo/internal/qrcodec"
	"securordo/internal/repository"
	"securordo/internal/store"
)

var testNow = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*domain.FraudAlert
	err    error
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) NotifyFraud(ctx context.Context, a *domain.FraudAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type harness struct {
	store     repository.Store
	memory    *repository.MemoryStore
	engine    cryptoengine.Engine
	clock     *clock.Fixed
	keys      cryptoengine.KeyPair
	ledger    NonceLedger
	fraud     FraudDetector
	notifier  *recordingNotifier
	lifecycle PrescriptionLifecycle
	recorder  DispensationRecorder
	issuer    PrescriptionIssuer
	pharmacy  PharmacyService

	prescriber  domain.CurrentUser
	pharmacist  domain.CurrentUser
	pharmacist2 domain.CurrentUser
	admin       domain.CurrentUser
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	policy DispensationPolicy
	cache  *store.NonceCache
}

func withPolicy(p DispensationPolicy) harnessOption {
	return func(c *harnessConfig) { c.policy = p }
}

func withNonceCache(cache *store.NonceCache) harnessOption {
	return func(c *harnessConfig) { c.cache = cache }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{policy: PolicyFullOnly}
	for _, o := range opts {
		o(&cfg)
	}

	logger := zap.NewNop()
	engine := cryptoengine.NewP256Engine()
	kp, err := engine.GenerateKeyPair()
	require.NoError(t, err)

	mem := repository.NewMemoryStore()
	var st repository.Store = mem

	h := &harness{
		store:       st,
		memory:      mem,
		engine:      engine,
		clock:       clock.NewFixed(testNow),
		keys:        kp,
		notifier:    &recordingNotifier{},
		prescriber:  domain.CurrentUser{ID: "doc-1", Role: domain.RolePrescriber, EstablishmentID: "cab-1", RPPSNumber: "12345"},
		pharmacist:  domain.CurrentUser{ID: "pha-1", Role: domain.RolePharmacist, EstablishmentID: "pharmacy-1"},
		pharmacist2: domain.CurrentUser{ID: "pha-2", Role: domain.RolePharmacist, EstablishmentID: "pharmacy-2"},
		admin:       domain.CurrentUser{ID: "adm-1", Role: domain.RoleAdmin},
	}
	mem.SetPublicKey(h.prescriber.ID, kp.PublicKey)

	keyring, err := keystore.NewFileKeyring(keystore.KeyringFile{
		Prescribers: map[string]keystore.KeyringEntry{
			"dr-test": {UserID: h.prescriber.ID, RPPSNumber: h.prescriber.RPPSNumber, PublicKey: kp.PublicKey, PrivateKey: kp.PrivateKey},
		},
	})
	require.NoError(t, err)

	h.ledger = NewNonceLedger(st, cfg.cache, h.clock, logger)
	h.fraud = NewFraudDetector(st.FraudAlerts(), h.clock, time.Second, logger, h.notifier)
	h.lifecycle = NewPrescriptionLifecycle(st, engine, keystore.NewStoreResolver(st), h.ledger, h.fraud, h.clock, logger)
	h.recorder = NewDispensationRecorder(st, h.lifecycle, h.ledger, h.fraud, h.clock, cfg.policy, time.Second, logger)
	h.issuer = NewPrescriptionIssuer(st, engine, keyring, h.ledger, h.clock, IssuerOptions{}, logger)
	h.pharmacy = NewPharmacyService(st, h.lifecycle, h.recorder, logger)
	return h
}

func paracetamol(qty int) IssueItem {
	return IssueItem{
		CisCode:             "3400936404489",
		Dci:                 "PARACETAMOL500",
		Dosage:              "500mg",
		PharmaceuticalForm:  "comprime",
		AdministrationRoute: "orale",
		Posology:            "1 comprime 3 fois par jour",
		Quantity:            qty,
		DurationDays:        5,
	}
}

func (h *harness) issue(t *testing.T, items ...IssueItem) *IssueResult {
	t.Helper()
	if len(items) == 0 {
		items = []IssueItem{paracetamol(1)}
	}
	res, err := h.issuer.Issue(context.Background(), IssueRequest{
		User:             h.prescriber,
		PatientID:        "patient-1",
		PatientInsNumber: "1850775123456",
		Items:            items,
	})
	require.NoError(t, err)
	return res
}

func (h *harness) verify(t *testing.T, qr string, user domain.CurrentUser) VerificationResult {
	t.Helper()
	rec, err := qrcodec.Decode(qr)
	require.NoError(t, err)
	p, err := h.store.Prescriptions().GetPrescription(context.Background(), rec.PrescriptionID)
	require.NoError(t, err)
	res, err := h.lifecycle.Verify(context.Background(), user, p, rec)
	require.NoError(t, err)
	return res
}

func (h *harness) alerts(t *testing.T) []*domain.FraudAlert {
	t.Helper()
	out, err := h.fraud.ListAlerts(context.Background(), h.admin, domain.FraudAlertFilters{Limit: 100})
	require.NoError(t, err)
	return out
}

// reencode returns qr with one claim changed by mutate.
func reencode(t *testing.T, qr string, mutate func(*qrcodec.Record)) string {
	t.Helper()
	rec, err := qrcodec.Decode(qr)
	require.NoError(t, err)
	mutate(&rec)
	out, err := qrcodec.Encode(rec)
	require.NoError(t, err)
	return out
}

// commitFailStore commits, then reports the commit as failed.
type commitFailStore struct {
	*repository.MemoryStore
}

func (s commitFailStore) WithinTx(ctx context.Context, fn func(tx repository.Store) error) error {
	if err := s.MemoryStore.WithinTx(ctx, fn); err != nil {
		return err
	}
	return fmt.Errorf("%w: connection reset by peer", repository.ErrCommitFailed)
}

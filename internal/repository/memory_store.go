package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"securordo/internal/domain"
)

// MemoryStore in-memory Store for tests and the dev server. One mutex guards
// all tables; WithinTx holds it for the whole unit of work and restores a
// snapshot when fn fails.
type MemoryStore struct {
	st   *memoryState
	inTx bool
}

type memoryState struct {
	mu            sync.Mutex
	prescriptions map[string]*domain.Prescription
	nonces        map[string]*domain.NonceRecord
	dispensations []*domain.Dispensation
	alerts        []*domain.FraudAlert
	publicKeys    map[string]string
}

// NewMemoryStore 创建内存 Store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: &memoryState{
		prescriptions: map[string]*domain.Prescription{},
		nonces:        map[string]*domain.NonceRecord{},
		publicKeys:    map[string]string{},
	}}
}

var _ Store = (*MemoryStore)(nil)

// lock is a no-op inside WithinTx, where the mutex is already held.
func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.st.mu.Lock()
	return s.st.mu.Unlock
}

func (s *MemoryStore) Prescriptions() PrescriptionRepository { return memoryPrescriptions{s} }
func (s *MemoryStore) Nonces() NonceRepository               { return memoryNonces{s} }
func (s *MemoryStore) Dispensations() DispensationRepository { return memoryDispensations{s} }
func (s *MemoryStore) FraudAlerts() FraudAlertRepository     { return memoryFraudAlerts{s} }
func (s *MemoryStore) PublicKeys() PublicKeyRepository       { return memoryPublicKeys{s} }

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snap := s.st.snapshot()
	if err := fn(&MemoryStore{st: s.st, inTx: true}); err != nil {
		s.st.restore(snap)
		return err
	}
	return nil
}

// SetPublicKey provisions a signing key for userID.
func (s *MemoryStore) SetPublicKey(userID, publicKeyHex string) {
	defer s.lock()()
	s.st.publicKeys[userID] = publicKeyHex
}

type memorySnapshot struct {
	prescriptions map[string]*domain.Prescription
	nonces        map[string]*domain.NonceRecord
	dispensations int
	alerts        int
	publicKeys    map[string]string
}

// snapshot copies the mutable rows; appended slices are rolled back by length.
func (m *memoryState) snapshot() memorySnapshot {
	snap := memorySnapshot{
		prescriptions: make(map[string]*domain.Prescription, len(m.prescriptions)),
		nonces:        make(map[string]*domain.NonceRecord, len(m.nonces)),
		dispensations: len(m.dispensations),
		alerts:        len(m.alerts),
		publicKeys:    make(map[string]string, len(m.publicKeys)),
	}
	for k, v := range m.prescriptions {
		snap.prescriptions[k] = clonePrescription(v)
	}
	for k, v := range m.nonces {
		snap.nonces[k] = cloneNonce(v)
	}
	for k, v := range m.publicKeys {
		snap.publicKeys[k] = v
	}
	return snap
}

func (m *memoryState) restore(snap memorySnapshot) {
	m.prescriptions = snap.prescriptions
	m.nonces = snap.nonces
	m.dispensations = m.dispensations[:snap.dispensations]
	m.alerts = m.alerts[:snap.alerts]
	m.publicKeys = snap.publicKeys
}

func clonePrescription(p *domain.Prescription) *domain.Prescription {
	cp := *p
	cp.Items = append([]domain.PrescriptionItem(nil), p.Items...)
	return &cp
}

func cloneNonce(n *domain.NonceRecord) *domain.NonceRecord {
	cp := *n
	if n.UsedAt != nil {
		t := *n.UsedAt
		cp.UsedAt = &t
	}
	return &cp
}

func cloneDispensation(d *domain.Dispensation) *domain.Dispensation {
	cp := *d
	cp.Items = append([]domain.DispensationItem(nil), d.Items...)
	return &cp
}

func cloneAlert(a *domain.FraudAlert) *domain.FraudAlert {
	cp := *a
	cp.Details = append(json.RawMessage(nil), a.Details...)
	return &cp
}

// --- prescriptions ---

type memoryPrescriptions struct{ s *MemoryStore }

func (r memoryPrescriptions) CreatePrescription(ctx context.Context, p *domain.Prescription) error {
	defer r.s.lock()()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, ok := r.s.st.prescriptions[p.ID]; ok {
		return fmt.Errorf("failed to insert prescription: duplicate id %s", p.ID)
	}
	for _, other := range r.s.st.prescriptions {
		if other.Number == p.Number {
			return fmt.Errorf("failed to insert prescription %s: %w", p.Number, domain.ErrDuplicatePrescriptionNumber)
		}
	}
	for i := range p.Items {
		if p.Items[i].ID == "" {
			p.Items[i].ID = uuid.NewString()
		}
		p.Items[i].PrescriptionID = p.ID
	}
	r.s.st.prescriptions[p.ID] = clonePrescription(p)
	return nil
}

func (r memoryPrescriptions) GetPrescription(ctx context.Context, id string) (*domain.Prescription, error) {
	defer r.s.lock()()
	p, ok := r.s.st.prescriptions[id]
	if !ok {
		return nil, fmt.Errorf("prescription %s: %w", id, domain.ErrNotFound)
	}
	return clonePrescription(p), nil
}

func (r memoryPrescriptions) UpdateStatus(ctx context.Context, id string, from []domain.PrescriptionStatus, to domain.PrescriptionStatus, now time.Time) (bool, error) {
	defer r.s.lock()()
	p, ok := r.s.st.prescriptions[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if p.Status == s {
			p.Status = to
			p.UpdatedAt = now
			return true, nil
		}
	}
	return false, nil
}

// LockPrescription relies on WithinTx holding the store mutex.
func (r memoryPrescriptions) LockPrescription(ctx context.Context, id string) (domain.PrescriptionStatus, error) {
	defer r.s.lock()()
	p, ok := r.s.st.prescriptions[id]
	if !ok {
		return "", fmt.Errorf("prescription %s: %w", id, domain.ErrNotFound)
	}
	return p.Status, nil
}

func (r memoryPrescriptions) ListByPrescriber(ctx context.Context, prescriberID string, limit int) ([]*domain.Prescription, error) {
	defer r.s.lock()()
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []*domain.Prescription
	for _, p := range r.s.st.prescriptions {
		if p.PrescriberID == prescriberID {
			out = append(out, clonePrescription(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- nonces ---

type memoryNonces struct{ s *MemoryStore }

func (r memoryNonces) InsertNonce(ctx context.Context, rec *domain.NonceRecord) error {
	defer r.s.lock()()
	if _, ok := r.s.st.nonces[rec.Nonce]; ok {
		return domain.ErrDuplicateNonce
	}
	r.s.st.nonces[rec.Nonce] = cloneNonce(rec)
	return nil
}

func (r memoryNonces) GetNonce(ctx context.Context, nonce string) (*domain.NonceRecord, error) {
	defer r.s.lock()()
	rec, ok := r.s.st.nonces[nonce]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneNonce(rec), nil
}

func (r memoryNonces) MarkUsed(ctx context.Context, nonce string, now time.Time) (bool, error) {
	defer r.s.lock()()
	rec, ok := r.s.st.nonces[nonce]
	if !ok || rec.UsedAt != nil || now.After(rec.ExpiresAt) {
		return false, nil
	}
	t := now
	rec.UsedAt = &t
	return true, nil
}

// --- dispensations ---

type memoryDispensations struct{ s *MemoryStore }

func (r memoryDispensations) InsertDispensation(ctx context.Context, d *domain.Dispensation) error {
	defer r.s.lock()()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	for i := range d.Items {
		if d.Items[i].ID == "" {
			d.Items[i].ID = uuid.NewString()
		}
		d.Items[i].DispensationID = d.ID
	}
	r.s.st.dispensations = append(r.s.st.dispensations, cloneDispensation(d))
	return nil
}

func (r memoryDispensations) ListByPrescription(ctx context.Context, prescriptionID string) ([]*domain.Dispensation, error) {
	defer r.s.lock()()
	var out []*domain.Dispensation
	for _, d := range r.s.st.dispensations {
		if d.PrescriptionID == prescriptionID {
			out = append(out, cloneDispensation(d))
		}
	}
	return out, nil
}

func (r memoryDispensations) DispensedQuantities(ctx context.Context, prescriptionID string) (map[string]int, error) {
	defer r.s.lock()()
	out := map[string]int{}
	for _, d := range r.s.st.dispensations {
		if d.PrescriptionID != prescriptionID {
			continue
		}
		for _, it := range d.Items {
			out[it.PrescriptionItemID] += it.QuantityDispensed
		}
	}
	return out, nil
}

// --- fraud alerts ---

type memoryFraudAlerts struct{ s *MemoryStore }

func (r memoryFraudAlerts) InsertFraudAlert(ctx context.Context, a *domain.FraudAlert) error {
	defer r.s.lock()()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	r.s.st.alerts = append(r.s.st.alerts, cloneAlert(a))
	return nil
}

func (r memoryFraudAlerts) ListFraudAlerts(ctx context.Context, f domain.FraudAlertFilters) ([]*domain.FraudAlert, error) {
	defer r.s.lock()()
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []*domain.FraudAlert
	for i := len(r.s.st.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		a := r.s.st.alerts[i]
		if f.PrescriptionID != nil && (a.PrescriptionID == nil || *a.PrescriptionID != *f.PrescriptionID) {
			continue
		}
		if f.Severity != nil && a.Severity != *f.Severity {
			continue
		}
		if f.AlertType != nil && a.AlertType != *f.AlertType {
			continue
		}
		if f.Since != nil && a.CreatedAt.Before(*f.Since) {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	return out, nil
}

// --- public keys ---

type memoryPublicKeys struct{ s *MemoryStore }

func (r memoryPublicKeys) GetPublicKey(ctx context.Context, userID string) (string, error) {
	defer r.s.lock()()
	k, ok := r.s.st.publicKeys[userID]
	if !ok || k == "" {
		return "", domain.ErrNotFound
	}
	return k, nil
}

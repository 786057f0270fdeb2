package domain

import "time"

// VerificationMode 验证模式
type VerificationMode string

const (
	VerificationOnline  VerificationMode = "online"
	VerificationOffline VerificationMode = "offline"
)

// NonceRecord anti-replay ledger row. UsedAt goes nil -> timestamp once and never back.
type NonceRecord struct {
	Nonce            string           `json:"nonce"`
	PrescriptionID   string           `json:"prescription_id"`
	ExpiresAt        time.Time        `json:"expires_at"`
	UsedAt           *time.Time       `json:"used_at,omitempty"`
	VerificationMode VerificationMode `json:"verification_mode"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Used reports whether the nonce has been consumed.
func (n *NonceRecord) Used() bool {
	return n.UsedAt != nil
}

// ExpiredAt is true strictly after ExpiresAt.
func (n *NonceRecord) ExpiredAt(now time.Time) bool {
	return now.After(n.ExpiresAt)
}

package domain

// RejectionReason business-rule rejection of a scanned prescription
type RejectionReason string

const (
	RejectInvalidSignature RejectionReason = "invalid_signature"
	RejectAlreadyDispensed RejectionReason = "already_dispensed"
	RejectCancelled        RejectionReason = "cancelled"
	RejectExpired          RejectionReason = "expired"
	RejectInvalidNonce     RejectionReason = "invalid_nonce"
	RejectReplay           RejectionReason = "replay"
	RejectNonceExpired     RejectionReason = "nonce_expired"
)

var rejectionMessages = map[RejectionReason]string{
	RejectInvalidSignature: "Signature verification failed: this prescription cannot be dispensed.",
	RejectAlreadyDispensed: "This prescription has already been fully dispensed.",
	RejectCancelled:        "This prescription was cancelled by the prescriber.",
	RejectExpired:          "This prescription has expired.",
	RejectInvalidNonce:     "The anti-replay token of this prescription is not valid.",
	RejectReplay:           "This prescription was already redeemed. A fraud alert has been recorded.",
	RejectNonceExpired:     "The anti-replay token of this prescription has expired.",
}

// Rejection is an expected outcome reported to the caller, never an error.
type Rejection struct {
	Reason RejectionReason `json:"reason"`
	Detail string          `json:"detail,omitempty"`
}

// Message plain-language text shown to the pharmacist
func (r Rejection) Message() string {
	if m, ok := rejectionMessages[r.Reason]; ok {
		return m
	}
	return "The prescription was rejected."
}

// Reject builds a rejection.
func Reject(reason RejectionReason, detail string) *Rejection {
	return &Rejection{Reason: reason, Detail: detail}
}

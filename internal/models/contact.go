package models

import (
	"sort"
	"time"
)

// ContactKind identifies the channel of a contact attempt.
type ContactKind string

const (
	// ContactKindTextMessage is an SMS text message.
	ContactKindTextMessage ContactKind = "text_message"
	// ContactKindCall is an automated chatbot voice call.
	ContactKindCall ContactKind = "call"
)

// ContactOutcome is the delivery outcome reported by the transport.
type ContactOutcome string

const (
	OutcomeNone              ContactOutcome = ""
	OutcomeDelivered         ContactOutcome = "delivered"
	OutcomeFailed            ContactOutcome = "failed"
	OutcomeInvalidNumber     ContactOutcome = "invalid_number"
	OutcomeCallNoAnswer      ContactOutcome = "call_no_answer"
	OutcomeCallTransferred   ContactOutcome = "call_transferred"
	OutcomeCallGuardDetected ContactOutcome = "call_guard_detected"
	OutcomeCallCompleted     ContactOutcome = "call_completed"
)

// IsValid checks if the outcome is one the engine understands.
func (o ContactOutcome) IsValid() bool {
	switch o {
	case OutcomeDelivered, OutcomeFailed, OutcomeInvalidNumber, OutcomeCallNoAnswer,
		OutcomeCallTransferred, OutcomeCallGuardDetected, OutcomeCallCompleted:
		return true
	default:
		return false
	}
}

// ContactAttempt is a text message or call made to a referral.
type ContactAttempt struct {
	ID             string         `json:"id"`
	ReferralID     string         `json:"referral_id"`
	Kind           ContactKind    `json:"kind"`
	Number         string         `json:"number"`
	LinkID         string         `json:"link_id,omitempty"`
	ReferralStatus Status         `json:"referral_status"`
	Sent           time.Time      `json:"sent"` // zero until the transport has sent it
	Outcome        ContactOutcome `json:"outcome,omitempty"`
	ProviderRef    string         `json:"provider_ref,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ModifiedAt     time.Time      `json:"modified_at"`
}

// IsSent reports whether the transport has sent the attempt.
func (c ContactAttempt) IsSent() bool {
	return !c.Sent.IsZero()
}

// HasOutcome reports whether the attempt is terminal.
func (c ContactAttempt) HasOutcome() bool {
	return c.Outcome != OutcomeNone
}

// SortContacts orders attempts oldest first by Sent, then ModifiedAt. Unsent
// attempts sort last.
func SortContacts(contacts []ContactAttempt) {
	sort.SliceStable(contacts, func(i, j int) bool {
		a, b := contacts[i], contacts[j]
		if a.IsSent() != b.IsSent() {
			return a.IsSent()
		}
		if !a.Sent.Equal(b.Sent) {
			return a.Sent.Before(b.Sent)
		}
		return a.ModifiedAt.Before(b.ModifiedAt)
	})
}

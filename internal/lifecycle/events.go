package lifecycle

import (
	"fmt"
	"time"

	"github.com/BTreeMap/ReferralPipe/internal/models"
)

// EventKind identifies what happened to a referral.
type EventKind int

const (
	EventUnknown EventKind = iota
	// EventContactScheduled moves a referral onto its next contact stage.
	EventContactScheduled
	// EventEscalateToRmc hands a referral to the referral management centre.
	EventEscalateToRmc
	// EventContactFailed reports a failed or invalid-number delivery.
	EventContactFailed
	// EventChatBotTransferred reports that the chatbot transferred the call to staff.
	EventChatBotTransferred
	// EventCallGuardDetected reports that a call screening service answered.
	EventCallGuardDetected
	// EventDelay parks a referral until a date chosen by staff.
	EventDelay
	EventProviderSelected
	EventTraceCompleted
	EventCancelDuplicate
	EventFailedToContact
	EventLetterRequired
	EventLetterSent
	EventCancelByEreferrals
	EventRejectToEreferrals
	EventException
	EventClose

	// Provider submissions.
	EventProviderAccepted
	EventProviderContacted
	EventProviderStarted
	EventProviderCompleted
	EventProviderDeclined
	EventProviderRejected
	EventProviderTerminated
	EventProviderUpdate
)

var eventNames = map[EventKind]string{
	EventContactScheduled:   "ContactScheduled",
	EventEscalateToRmc:      "EscalateToRmc",
	EventContactFailed:      "ContactFailed",
	EventChatBotTransferred: "ChatBotTransferred",
	EventCallGuardDetected:  "CallGuardDetected",
	EventDelay:              "Delay",
	EventProviderSelected:   "ProviderSelected",
	EventTraceCompleted:     "TraceCompleted",
	EventCancelDuplicate:    "CancelDuplicate",
	EventFailedToContact:    "FailedToContact",
	EventLetterRequired:     "LetterRequired",
	EventLetterSent:         "LetterSent",
	EventCancelByEreferrals: "CancelByEreferrals",
	EventRejectToEreferrals: "RejectToEreferrals",
	EventException:          "Exception",
	EventClose:              "Close",
	EventProviderAccepted:   "ProviderAccepted",
	EventProviderContacted:  "ProviderContacted",
	EventProviderStarted:    "ProviderStarted",
	EventProviderCompleted:  "ProviderCompleted",
	EventProviderDeclined:   "ProviderDeclined",
	EventProviderRejected:   "ProviderRejected",
	EventProviderTerminated: "ProviderTerminated",
	EventProviderUpdate:     "ProviderUpdate",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is an input to the state machine.
type Event struct {
	Kind       EventKind
	Target     models.Status // EventContactScheduled only
	Reason     string
	UserID     string
	ProviderID string    // EventProviderSelected only
	DelayUntil time.Time // EventDelay only
}

// ContactScheduled returns the event the scheduling run applies when a
// referral is due for its next contact stage.
func ContactScheduled(target models.Status, userID string) Event {
	return Event{Kind: EventContactScheduled, Target: target, UserID: userID}
}

// CancelDuplicate returns the event that cancels a referral whose NHS number
// is already held by the referral with survivorUbrn.
func CancelDuplicate(survivorUbrn, userID string) Event {
	return Event{
		Kind:   EventCancelDuplicate,
		Reason: fmt.Sprintf("Duplicate NHS number found in UBRN %s.", survivorUbrn),
		UserID: userID,
	}
}

// OutcomeEvent maps a transport outcome for an attempt of the given kind to a
// lifecycle event. ok is false when the outcome does not move the referral.
func OutcomeEvent(kind models.ContactKind, outcome models.ContactOutcome, userID string) (Event, bool) {
	switch outcome {
	case models.OutcomeFailed, models.OutcomeInvalidNumber:
		return Event{Kind: EventContactFailed, Reason: fmt.Sprintf("%s outcome: %s", kind, outcome), UserID: userID}, true
	case models.OutcomeCallTransferred:
		if kind == models.ContactKindCall {
			return Event{Kind: EventChatBotTransferred, UserID: userID}, true
		}
	case models.OutcomeCallGuardDetected:
		if kind == models.ContactKindCall {
			return Event{Kind: EventCallGuardDetected, Reason: "Call guard detected.", UserID: userID}, true
		}
	}
	return Event{}, false
}

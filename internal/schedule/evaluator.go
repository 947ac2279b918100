package schedule

import (
	"time"

	"github.com/BTreeMap/ReferralPipe/internal/lifecycle"
	"github.com/BTreeMap/ReferralPipe/internal/models"
)

// ActionKind identifies what a ScheduledAction does.
type ActionKind int

const (
	// ActionContact creates a contact attempt, moving the referral onto the
	// target stage unless the target is its current status.
	ActionContact ActionKind = iota + 1
	// ActionEscalate hands the referral to the referral management centre
	// without contacting the service user.
	ActionEscalate
)

func (k ActionKind) String() string {
	switch k {
	case ActionContact:
		return "contact"
	case ActionEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// ScheduledAction is the next thing due for a referral.
type ScheduledAction struct {
	Kind   ActionKind
	From   models.Status
	Target models.Status
	// Reason is recorded on the audit of an escalation.
	Reason string

	ContactKind models.ContactKind
	Number      string
	// LinkID is reused from the most recent attempt. It is empty when
	// NeedsLinkID is set.
	LinkID      string
	NeedsLinkID bool
}

// Event returns the lifecycle event the action applies. ok is false for
// outcome notices, which contact the service user without changing status.
func (a *ScheduledAction) Event(userID string) (lifecycle.Event, bool) {
	switch {
	case a.Kind == ActionEscalate:
		return lifecycle.Event{Kind: lifecycle.EventEscalateToRmc, Reason: a.Reason, UserID: userID}, true
	case a.Target == a.From:
		return lifecycle.Event{}, false
	default:
		return lifecycle.ContactScheduled(a.Target, userID), true
	}
}

// CandidateStatuses are the statuses the Evaluator can act on.
func CandidateStatuses() []models.Status {
	return []models.Status{
		models.StatusNew,
		models.StatusTextMessage1,
		models.StatusTextMessage2,
		models.StatusChatBotCall1,
		models.StatusChatBotTransfer,
		models.StatusRmcDelayed,
		models.StatusProviderRejectedTextMessage,
		models.StatusProviderTerminatedTextMessage,
		models.StatusCancelledDuplicateTextMessage,
	}
}

// Evaluator decides the next contact for a referral. It does no I/O.
type Evaluator struct {
	w Windows
}

// NewEvaluator creates an Evaluator. Unset windows take their defaults.
func NewEvaluator(w Windows) *Evaluator {
	return &Evaluator{w: w.withDefaults()}
}

// Windows returns the windows in effect.
func (e *Evaluator) Windows() Windows {
	return e.w
}

// Evaluate returns the action due for r at now given its contact history, or
// nil when nothing is due.
func (e *Evaluator) Evaluate(r *models.Referral, history []models.ContactAttempt, now time.Time) *ScheduledAction {
	h := newHistory(history)
	if h.inFlight {
		return nil
	}

	switch r.Status {
	case models.StatusNew:
		if len(history) > 0 {
			return nil
		}
		if !r.CanReceiveText() {
			// No number can take a text, so the centre phones instead.
			return escalate(r, "No valid mobile number for text messages.")
		}
		return h.text(r, models.StatusTextMessage1)

	case models.StatusTextMessage1:
		if h.has(models.StatusTextMessage2) || h.has(models.StatusTextMessage3) {
			return nil
		}
		last, ok := h.lastSent(models.StatusTextMessage1)
		if !ok || now.Sub(last) < e.w.MinHoursBeforeNextStage || !r.CanReceiveText() {
			return nil
		}
		return h.text(r, models.StatusTextMessage2)

	case models.StatusTextMessage2:
		if h.has(models.StatusChatBotCall1) {
			return nil
		}
		last, ok := h.lastSent(models.StatusTextMessage2)
		if !ok || now.Sub(last) < e.w.MinHoursBeforeNextStage {
			return nil
		}
		number := r.CallableNumber()
		if number == "" {
			return nil
		}
		return &ScheduledAction{
			Kind:        ActionContact,
			From:        r.Status,
			Target:      models.StatusChatBotCall1,
			ContactKind: models.ContactKindCall,
			Number:      number,
			LinkID:      h.linkID,
			NeedsLinkID: h.linkID == "",
		}

	case models.StatusChatBotCall1, models.StatusChatBotTransfer, models.StatusRmcDelayed:
		return e.evaluateMessage3(r, h, now)

	case models.StatusProviderRejectedTextMessage, models.StatusProviderTerminatedTextMessage,
		models.StatusCancelledDuplicateTextMessage:
		if h.has(r.Status) || !r.CanReceiveText() {
			return nil
		}
		return h.text(r, r.Status)
	}
	return nil
}

func (e *Evaluator) evaluateMessage3(r *models.Referral, h history, now time.Time) *ScheduledAction {
	if h.has(models.StatusTextMessage3) {
		return nil
	}
	if r.Status == models.StatusRmcDelayed && r.DateToDelayUntil != nil && now.Before(*r.DateToDelayUntil) {
		return nil
	}
	if h.latest.IsZero() || now.Sub(h.latest) < e.w.MinHoursBeforeTextMessage3 {
		return nil
	}

	first, ok := h.firstSent(models.StatusTextMessage1)
	if ok && now.Sub(first) <= e.w.MaxDaysSinceInitialContactForMessage3 && r.CanReceiveText() {
		return h.text(r, models.StatusTextMessage3)
	}
	if r.Status == models.StatusRmcDelayed {
		return nil
	}
	return escalate(r, "Message 3 window has passed.")
}

func escalate(r *models.Referral, reason string) *ScheduledAction {
	return &ScheduledAction{Kind: ActionEscalate, From: r.Status, Target: models.StatusRmcCall, Reason: reason}
}

// history is a summary of a referral's contact attempts.
type history struct {
	attempts []models.ContactAttempt
	inFlight bool
	latest   time.Time
	linkID   string
}

func newHistory(attempts []models.ContactAttempt) history {
	h := history{attempts: attempts}
	var latestModified time.Time
	for _, a := range attempts {
		if !a.IsSent() {
			// An unsent attempt with an outcome was rejected by the transport.
			if !a.HasOutcome() {
				h.inFlight = true
			}
			continue
		}
		if a.Sent.After(h.latest) {
			h.latest = a.Sent
		}
		// The most recent attempt carrying a link id provides the token.
		if a.LinkID != "" && !a.ModifiedAt.Before(latestModified) {
			latestModified = a.ModifiedAt
			h.linkID = a.LinkID
		}
	}
	return h
}

func (h history) has(status models.Status) bool {
	for _, a := range h.attempts {
		if a.ReferralStatus == status {
			return true
		}
	}
	return false
}

func (h history) lastSent(status models.Status) (time.Time, bool) {
	var last time.Time
	for _, a := range h.attempts {
		if a.ReferralStatus == status && a.IsSent() && a.Sent.After(last) {
			last = a.Sent
		}
	}
	return last, !last.IsZero()
}

func (h history) firstSent(status models.Status) (time.Time, bool) {
	var first time.Time
	for _, a := range h.attempts {
		if a.ReferralStatus == status && a.IsSent() && (first.IsZero() || a.Sent.Before(first)) {
			first = a.Sent
		}
	}
	return first, !first.IsZero()
}

func (h history) text(r *models.Referral, target models.Status) *ScheduledAction {
	return &ScheduledAction{
		Kind:        ActionContact,
		From:        r.Status,
		Target:      target,
		ContactKind: models.ContactKindTextMessage,
		Number:      r.Mobile,
		LinkID:      h.linkID,
		NeedsLinkID: h.linkID == "",
	}
}

// Package lifecycle is the single authority over referral status changes.
//
// Every status a referral may move to is listed in an adjacency table keyed by
// its current status. Events are resolved to a target status using the event
// and the current status, then checked against the table before anything on
// the referral is touched.
package lifecycle

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReferralPipe/internal/models"
)

// exits are reachable from every active status.
var exits = []models.Status{
	models.StatusCancelledDuplicateTextMessage,
	models.StatusCancelledByEreferrals,
	models.StatusRejectedToEreferrals,
	models.StatusException,
}

// toProvider are the statuses a referral enters when a provider is chosen.
var toProvider = []models.Status{
	models.StatusProviderAwaitingTrace,
	models.StatusProviderAwaitingStart,
}

var transitions = buildTransitions(map[models.Status][]models.Status{
	models.StatusNew: join(toProvider, models.StatusTextMessage1, models.StatusRmcCall, models.StatusLetter),

	models.StatusTextMessage1: join(toProvider, models.StatusTextMessage2, models.StatusRmcCall),
	models.StatusTextMessage2: join(toProvider, models.StatusChatBotCall1, models.StatusRmcCall),
	models.StatusChatBotCall1: join(toProvider, models.StatusChatBotCall2, models.StatusChatBotTransfer,
		models.StatusTextMessage3, models.StatusRmcCall),
	models.StatusChatBotCall2: join(toProvider, models.StatusChatBotTransfer, models.StatusTextMessage3,
		models.StatusRmcCall),
	models.StatusChatBotTransfer: join(toProvider, models.StatusTextMessage3, models.StatusRmcCall),
	models.StatusTextMessage3:    join(toProvider, models.StatusRmcCall, models.StatusFailedToContact),
	models.StatusRmcCall: join(toProvider, models.StatusRmcDelayed, models.StatusLetter,
		models.StatusFailedToContact),
	models.StatusRmcDelayed: join(toProvider, models.StatusTextMessage3, models.StatusRmcCall,
		models.StatusFailedToContact),
	models.StatusLetter:     {models.StatusLetterSent},
	models.StatusLetterSent: join(toProvider, models.StatusFailedToContact),

	models.StatusFailedToContact: {models.StatusFailedToContactTextMessage,
		models.StatusFailedToContactEmailMessage},
	models.StatusFailedToContactTextMessage:  nil,
	models.StatusFailedToContactEmailMessage: nil,

	models.StatusProviderAwaitingTrace: {models.StatusProviderAwaitingStart},
	models.StatusProviderAwaitingStart: {models.StatusProviderAccepted,
		models.StatusProviderRejected, models.StatusProviderRejectedTextMessage,
		models.StatusProviderDeclinedByServiceUser, models.StatusProviderDeclinedTextMessage},
	models.StatusProviderAccepted: {models.StatusProviderContactedServiceUser, models.StatusProviderStarted,
		models.StatusProviderRejected, models.StatusProviderRejectedTextMessage,
		models.StatusProviderDeclinedByServiceUser, models.StatusProviderDeclinedTextMessage},
	models.StatusProviderContactedServiceUser: {models.StatusProviderStarted,
		models.StatusProviderDeclinedByServiceUser, models.StatusProviderDeclinedTextMessage},
	models.StatusProviderStarted: {models.StatusProviderCompleted,
		models.StatusProviderTerminated, models.StatusProviderTerminatedTextMessage},

	models.StatusProviderRejected:              nil,
	models.StatusProviderRejectedTextMessage:   nil,
	models.StatusProviderDeclinedByServiceUser: nil,
	models.StatusProviderDeclinedTextMessage:   nil,
	models.StatusProviderTerminated:            nil,
	models.StatusProviderTerminatedTextMessage: nil,
	models.StatusProviderCompleted:             {models.StatusComplete},
})

func join(base []models.Status, more ...models.Status) []models.Status {
	out := make([]models.Status, 0, len(base)+len(more))
	out = append(out, more...)
	return append(out, base...)
}

// buildTransitions adds the common exits to every active status and indexes
// the table for lookups.
func buildTransitions(table map[models.Status][]models.Status) map[models.Status]map[models.Status]bool {
	out := make(map[models.Status]map[models.Status]bool, len(table))
	for _, from := range models.AllStatuses() {
		targets := make(map[models.Status]bool)
		for _, to := range table[from] {
			targets[to] = true
		}
		if from.IsActive() {
			for _, to := range exits {
				targets[to] = true
			}
		}
		out[from] = targets
	}
	return out
}

// CanTransition reports whether the table allows moving from one status to another.
func CanTransition(from, to models.Status) bool {
	return transitions[from][to]
}

// AllowedTargets returns the statuses reachable from the given status in
// declaration order.
func AllowedTargets(from models.Status) []models.Status {
	var out []models.Status
	for _, s := range models.AllStatuses() {
		if transitions[from][s] {
			out = append(out, s)
		}
	}
	return out
}

// Opts holds configuration options for the Machine.
type Opts struct {
	IgnoreStatusRequirementForUpdate bool
	Now                              func() time.Time
}

// Option defines a configuration option for the Machine.
type Option func(*Opts)

// WithIgnoreStatusRequirementForUpdate lets provider updates through
// regardless of the referral's current status.
func WithIgnoreStatusRequirementForUpdate(ignore bool) Option {
	return func(o *Opts) { o.IgnoreStatusRequirementForUpdate = ignore }
}

// WithClock sets the time source used for audit and modification stamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Machine validates and applies referral status changes.
type Machine struct {
	ignoreUpdateRequirement bool
	now                     func() time.Time
}

// NewMachine creates a Machine.
func NewMachine(opts ...Option) *Machine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	slog.Debug("NewMachine invoked", "ignoreStatusRequirementForUpdate", cfg.IgnoreStatusRequirementForUpdate)
	return &Machine{
		ignoreUpdateRequirement: cfg.IgnoreStatusRequirementForUpdate,
		now:                     cfg.Now,
	}
}

// Apply resolves ev against the referral's current status, checks the result
// against the transition table and, on success, mutates the referral and
// appends an audit record. The referral is untouched when an error is returned.
func (m *Machine) Apply(r *models.Referral, ev Event) (models.Status, error) {
	current := r.Status
	target, err := m.resolve(r, ev)
	if err != nil {
		slog.Warn("Machine.Apply: rejected event", "referralID", r.ID, "event", ev.Kind, "status", current, "error", err)
		return current, err
	}

	now := m.now().UTC()
	if ev.Kind == EventProviderUpdate {
		// The status stays put; the audit records who updated it and when.
		r.ModifiedAt = now
		r.ModifiedByUserID = ev.UserID
		r.Audits = append(r.Audits, models.StatusAudit{
			ReferralID: r.ID,
			From:       current,
			To:         current,
			Reason:     ev.Reason,
			UserID:     ev.UserID,
			At:         now,
		})
		slog.Debug("Machine.Apply: provider update accepted", "referralID", r.ID, "status", current)
		return current, nil
	}

	if !CanTransition(current, target) {
		err := &StatusChangeError{ReferralID: r.ID, Event: ev.Kind, Current: current, Attempted: target}
		slog.Warn("Machine.Apply: illegal transition", "referralID", r.ID, "event", ev.Kind, "from", current, "to", target)
		return current, err
	}

	switch ev.Kind {
	case EventProviderSelected:
		r.ProviderID = ev.ProviderID
	case EventDelay:
		until := ev.DelayUntil.UTC()
		r.DateToDelayUntil = &until
	case EventContactFailed:
		if isTextStage(current) {
			r.IsMobileValid = false
		}
	}

	r.Status = target
	r.StatusReason = ev.Reason
	r.ModifiedAt = now
	r.ModifiedByUserID = ev.UserID
	r.Audits = append(r.Audits, models.StatusAudit{
		ReferralID: r.ID,
		From:       current,
		To:         target,
		Reason:     ev.Reason,
		UserID:     ev.UserID,
		At:         now,
	})
	slog.Debug("Machine.Apply: status changed", "referralID", r.ID, "event", ev.Kind, "from", current, "to", target)
	return target, nil
}

// resolve works out the status an event leads to from the referral's
// current status. Preconditions that depend on more than the table are
// checked here.
func (m *Machine) resolve(r *models.Referral, ev Event) (models.Status, error) {
	current := r.Status
	reject := func(attempted models.Status, detail string) (models.Status, error) {
		return current, &StatusChangeError{ReferralID: r.ID, Event: ev.Kind, Current: current, Attempted: attempted, Detail: detail}
	}

	switch ev.Kind {
	case EventContactScheduled:
		switch ev.Target {
		case models.StatusTextMessage1, models.StatusTextMessage2, models.StatusTextMessage3, models.StatusChatBotCall1:
			return ev.Target, nil
		}
		return reject(ev.Target, "not a contact stage")
	case EventEscalateToRmc, EventCallGuardDetected:
		return models.StatusRmcCall, nil
	case EventContactFailed:
		return models.StatusRmcCall, nil
	case EventChatBotTransferred:
		return models.StatusChatBotTransfer, nil
	case EventDelay:
		if ev.DelayUntil.IsZero() {
			return reject(models.StatusRmcDelayed, "delay date required")
		}
		return models.StatusRmcDelayed, nil
	case EventProviderSelected:
		if ev.ProviderID == "" {
			return reject(models.StatusProviderAwaitingStart, "provider id required")
		}
		if r.NhsNumber == "" {
			return models.StatusProviderAwaitingTrace, nil
		}
		return models.StatusProviderAwaitingStart, nil
	case EventTraceCompleted:
		return models.StatusProviderAwaitingStart, nil
	case EventCancelDuplicate:
		return models.StatusCancelledDuplicateTextMessage, nil
	case EventFailedToContact:
		return models.StatusFailedToContact, nil
	case EventLetterRequired:
		return models.StatusLetter, nil
	case EventLetterSent:
		return models.StatusLetterSent, nil
	case EventCancelByEreferrals:
		return models.StatusCancelledByEreferrals, nil
	case EventRejectToEreferrals:
		return models.StatusRejectedToEreferrals, nil
	case EventException:
		return models.StatusException, nil
	case EventClose:
		return models.StatusComplete, nil

	case EventProviderAccepted:
		return models.StatusProviderAccepted, nil
	case EventProviderContacted:
		return models.StatusProviderContactedServiceUser, nil
	case EventProviderStarted:
		return models.StatusProviderStarted, nil
	case EventProviderCompleted:
		if current != models.StatusProviderStarted {
			return reject(models.StatusProviderCompleted, "completion requires ProviderStarted")
		}
		return models.StatusProviderCompleted, nil
	case EventProviderDeclined:
		return textVariant(r, models.StatusProviderDeclinedTextMessage, models.StatusProviderDeclinedByServiceUser), nil
	case EventProviderRejected:
		return textVariant(r, models.StatusProviderRejectedTextMessage, models.StatusProviderRejected), nil
	case EventProviderTerminated:
		return textVariant(r, models.StatusProviderTerminatedTextMessage, models.StatusProviderTerminated), nil
	case EventProviderUpdate:
		if !m.ignoreUpdateRequirement && !current.IsProviderEngaged() {
			return reject(current, "update requires an engaged provider status")
		}
		return current, nil
	}
	return reject(models.StatusUnknown, fmt.Sprintf("unsupported event %s", ev.Kind))
}

// textVariant picks the status that also notifies the service user by text,
// when a text can reach them.
func textVariant(r *models.Referral, withText, withoutText models.Status) models.Status {
	if r.CanReceiveText() {
		return withText
	}
	return withoutText
}

func isTextStage(s models.Status) bool {
	switch s {
	case models.StatusTextMessage1, models.StatusTextMessage2, models.StatusTextMessage3:
		return true
	default:
		return false
	}
}

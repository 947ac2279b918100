package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReferralPipe/internal/lifecycle"
	"github.com/BTreeMap/ReferralPipe/internal/models"
	"github.com/BTreeMap/ReferralPipe/internal/store"
)

// ErrUnknownContact is returned for a callback whose SID matches no attempt.
var ErrUnknownContact = errors.New("no contact attempt for provider reference")

// OutcomeStore is the persistence the OutcomeHandler needs.
type OutcomeStore interface {
	GetContactAttempt(ctx context.Context, id string) (*models.ContactAttempt, error)
	FindContactAttemptByProviderRef(ctx context.Context, providerRef string) (*models.ContactAttempt, error)
	RecordContactOutcome(ctx context.Context, id string, outcome models.ContactOutcome, at time.Time) (bool, error)
	GetReferral(ctx context.Context, id string) (*models.Referral, error)
	SaveReferrals(ctx context.Context, referrals []*models.Referral, attempts []models.ContactAttempt) error
	RecordInbound(ctx context.Context, messageID, referralID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// OutcomeHandler records transport outcomes and moves referrals on.
type OutcomeHandler struct {
	st      OutcomeStore
	machine *lifecycle.Machine
	now     func() time.Time
	userID  string
}

// NewOutcomeHandler creates an OutcomeHandler.
func NewOutcomeHandler(st OutcomeStore, machine *lifecycle.Machine) *OutcomeHandler {
	return &OutcomeHandler{st: st, machine: machine, now: time.Now, userID: "transport"}
}

// HandleOutcome records outcome against the attempt with the given transport
// reference. Repeated callbacks are ignored, and an attempt keeps the first
// outcome recorded for it. The referral only moves when it still holds the
// status the attempt was made for.
func (h *OutcomeHandler) HandleOutcome(ctx context.Context, providerRef string, outcome models.ContactOutcome) error {
	if !outcome.IsValid() {
		return fmt.Errorf("invalid contact outcome %q", outcome)
	}
	attempt, err := h.st.FindContactAttemptByProviderRef(ctx, providerRef)
	if err != nil {
		return err
	}
	if attempt == nil {
		return fmt.Errorf("%w: %s", ErrUnknownContact, providerRef)
	}

	key := providerRef + ":" + string(outcome)
	isNew, err := h.st.RecordInbound(ctx, key, attempt.ReferralID)
	if err != nil {
		return err
	}
	if !isNew {
		slog.Debug("OutcomeHandler.HandleOutcome: duplicate callback", "key", key)
		return nil
	}

	recorded, err := h.st.RecordContactOutcome(ctx, attempt.ID, outcome, h.now())
	if err != nil {
		return err
	}
	if !recorded {
		slog.Info("OutcomeHandler.HandleOutcome: attempt already has an outcome", "attemptID", attempt.ID, "outcome", outcome)
		return h.st.MarkProcessed(ctx, key)
	}

	if ev, ok := lifecycle.OutcomeEvent(attempt.Kind, outcome, h.userID); ok {
		if err := h.apply(ctx, attempt, ev); err != nil {
			return err
		}
	}
	slog.Info("OutcomeHandler.HandleOutcome: outcome recorded", "attemptID", attempt.ID, "referralID", attempt.ReferralID, "outcome", outcome)
	return h.st.MarkProcessed(ctx, key)
}

// HandleUnsent records outcome against an attempt the transport never
// accepted, so the referral escalates instead of waiting on a contact that
// will not happen. Attempts that were sent or already have an outcome are
// left alone.
func (h *OutcomeHandler) HandleUnsent(ctx context.Context, attemptID string, outcome models.ContactOutcome) error {
	if !outcome.IsValid() {
		return fmt.Errorf("invalid contact outcome %q", outcome)
	}
	attempt, err := h.st.GetContactAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt == nil {
		return fmt.Errorf("%w: %s", ErrUnknownContact, attemptID)
	}
	if attempt.IsSent() {
		slog.Warn("OutcomeHandler.HandleUnsent: attempt was sent, waiting for its callback", "attemptID", attempt.ID)
		return nil
	}

	recorded, err := h.st.RecordContactOutcome(ctx, attempt.ID, outcome, h.now())
	if err != nil {
		return err
	}
	if !recorded {
		slog.Info("OutcomeHandler.HandleUnsent: attempt already has an outcome", "attemptID", attempt.ID)
		return nil
	}
	if ev, ok := lifecycle.OutcomeEvent(attempt.Kind, outcome, h.userID); ok {
		if err := h.apply(ctx, attempt, ev); err != nil {
			return err
		}
	}
	slog.Info("OutcomeHandler.HandleUnsent: undeliverable attempt recorded", "attemptID", attempt.ID, "referralID", attempt.ReferralID, "outcome", outcome)
	return nil
}

// maxApplyAttempts bounds reloads when a concurrent writer saves the referral
// between load and save.
const maxApplyAttempts = 3

func (h *OutcomeHandler) apply(ctx context.Context, attempt *models.ContactAttempt, ev lifecycle.Event) error {
	for i := 1; ; i++ {
		err := h.applyOnce(ctx, attempt, ev)
		if !errors.Is(err, store.ErrReferralChanged) || i == maxApplyAttempts {
			return err
		}
		slog.Debug("OutcomeHandler.apply: referral changed concurrently, reloading", "referralID", attempt.ReferralID, "attempt", i)
	}
}

func (h *OutcomeHandler) applyOnce(ctx context.Context, attempt *models.ContactAttempt, ev lifecycle.Event) error {
	r, err := h.st.GetReferral(ctx, attempt.ReferralID)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("referral %s not found for attempt %s", attempt.ReferralID, attempt.ID)
	}
	if r.Status != attempt.ReferralStatus {
		slog.Info("OutcomeHandler.apply: referral has moved on, status unchanged",
			"referralID", r.ID, "status", r.Status, "attemptStatus", attempt.ReferralStatus, "event", ev.Kind)
		return nil
	}
	if _, err := h.machine.Apply(r, ev); err != nil {
		if errors.Is(err, lifecycle.ErrStatusChange) {
			slog.Warn("OutcomeHandler.apply: outcome does not move this status", "referralID", r.ID, "error", err)
			return nil
		}
		return err
	}
	return h.st.SaveReferrals(ctx, []*models.Referral{r}, nil)
}

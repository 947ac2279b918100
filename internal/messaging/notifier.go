package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReferralPipe/internal/models"
	"github.com/BTreeMap/ReferralPipe/internal/store"
	"github.com/BTreeMap/ReferralPipe/internal/twiliosms"
)

// NotifierStore is the persistence the Notifier needs.
type NotifierStore interface {
	GetContactAttempt(ctx context.Context, id string) (*models.ContactAttempt, error)
	GetReferral(ctx context.Context, id string) (*models.Referral, error)
	MarkContactAttemptSent(ctx context.Context, id, providerRef string, sentAt time.Time) error
}

// Notifier sends contact attempts queued in the outbox.
type Notifier struct {
	st        NotifierStore
	sender    twiliosms.Sender
	templates *Templates
	outcomes  *OutcomeHandler
	now       func() time.Time
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithOutcomes records undeliverable attempts through h so their referrals
// escalate. Without it a rejected number is retried like any other error.
func WithOutcomes(h *OutcomeHandler) NotifierOption {
	return func(n *Notifier) { n.outcomes = h }
}

// NewNotifier creates a Notifier.
func NewNotifier(st NotifierStore, sender twiliosms.Sender, templates *Templates, opts ...NotifierOption) *Notifier {
	n := &Notifier{st: st, sender: sender, templates: templates, now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func decodeAttemptID(msg store.OutboxMessage) (string, error) {
	if msg.Kind != store.OutboxKindContactAttempt {
		return "", fmt.Errorf("unsupported outbox message kind %q", msg.Kind)
	}
	var payload store.ContactAttemptPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &payload); err != nil {
		return "", fmt.Errorf("failed to decode outbox payload %s: %w", msg.ID, err)
	}
	return payload.AttemptID, nil
}

// Send delivers the contact attempt named by an outbox message and marks it
// sent with the transport's SID. It has the store.OutboxSendFunc signature.
// A number Twilio rejects outright is recorded as an invalid-number outcome
// and not retried.
func (n *Notifier) Send(ctx context.Context, msg store.OutboxMessage) error {
	attemptID, err := decodeAttemptID(msg)
	if err != nil {
		return err
	}
	attempt, err := n.st.GetContactAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt == nil {
		return fmt.Errorf("contact attempt %s: %w", attemptID, store.ErrNotFound)
	}
	if attempt.IsSent() {
		slog.Debug("Notifier.Send: attempt already sent", "attemptID", attempt.ID)
		return nil
	}

	var sid string
	var sendErr error
	switch attempt.Kind {
	case models.ContactKindTextMessage:
		r, err := n.st.GetReferral(ctx, attempt.ReferralID)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("referral %s: %w", attempt.ReferralID, store.ErrNotFound)
		}
		body, err := n.templates.Render(attempt.ReferralStatus, r, attempt.LinkID)
		if err != nil {
			return err
		}
		sid, sendErr = n.sender.SendSMS(ctx, attempt.Number, body)
	case models.ContactKindCall:
		sid, sendErr = n.sender.PlaceCall(ctx, attempt.Number)
	default:
		return fmt.Errorf("unsupported contact kind %q", attempt.Kind)
	}
	if sendErr != nil {
		if n.outcomes != nil && twiliosms.IsInvalidNumber(sendErr) {
			slog.Warn("Notifier.Send: number rejected by transport", "attemptID", attempt.ID, "referralID", attempt.ReferralID, "error", sendErr)
			return n.outcomes.HandleUnsent(ctx, attempt.ID, models.OutcomeInvalidNumber)
		}
		return sendErr
	}

	if err := n.st.MarkContactAttemptSent(ctx, attempt.ID, sid, n.now()); err != nil {
		return err
	}
	slog.Info("Notifier.Send: contact attempt sent", "attemptID", attempt.ID, "referralID", attempt.ReferralID, "kind", attempt.Kind, "status", attempt.ReferralStatus, "sid", sid)
	return nil
}

// Abandon records a failed outcome for the attempt of an outbox message the
// sender has given up on. It has the store.OutboxAbandonFunc signature.
func (n *Notifier) Abandon(ctx context.Context, msg store.OutboxMessage, cause error) error {
	if n.outcomes == nil {
		return nil
	}
	attemptID, err := decodeAttemptID(msg)
	if err != nil {
		return err
	}
	slog.Warn("Notifier.Abandon: giving up on contact attempt", "attemptID", attemptID, "referralID", msg.ReferralID, "cause", cause)
	outcome := models.OutcomeFailed
	if twiliosms.IsInvalidNumber(cause) {
		outcome = models.OutcomeInvalidNumber
	}
	return n.outcomes.HandleUnsent(ctx, attemptID, outcome)
}

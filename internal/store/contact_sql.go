package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReferralPipe/internal/models"
)

func (s *sqlDB) getContact(ctx context.Context, column, value string) (*models.ContactAttempt, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx, s.q("SELECT "+contactColumns+" FROM contact_attempts WHERE "+column+" = ?"), value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contact attempt %s: %w", value, err)
	}
	return &c, nil
}

// GetContactAttempt returns nil, nil when the attempt does not exist.
func (s *sqlDB) GetContactAttempt(ctx context.Context, id string) (*models.ContactAttempt, error) {
	return s.getContact(ctx, "id", id)
}

// FindContactAttemptByProviderRef looks up an attempt by the transport's
// message or call SID. Returns nil, nil when nothing matches.
func (s *sqlDB) FindContactAttemptByProviderRef(ctx context.Context, providerRef string) (*models.ContactAttempt, error) {
	if providerRef == "" {
		return nil, nil
	}
	return s.getContact(ctx, "provider_ref", providerRef)
}

// MarkContactAttemptSent records the send time and transport reference.
// Attempts already marked sent are left alone.
func (s *sqlDB) MarkContactAttemptSent(ctx context.Context, id, providerRef string, sentAt time.Time) error {
	sentAt = sentAt.UTC()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE contact_attempts SET sent = ?, provider_ref = ?, modified_at = ?
		WHERE id = ? AND sent IS NULL`), sentAt, nilIfEmpty(providerRef), sentAt, id)
	if err != nil {
		slog.Error("Store.MarkContactAttemptSent failed", "error", err, "id", id)
		return fmt.Errorf("failed to mark contact attempt %s sent: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Warn("Store.MarkContactAttemptSent: attempt missing or already sent", "id", id)
	}
	return nil
}

// RecordContactOutcome implements ContactRepo.
func (s *sqlDB) RecordContactOutcome(ctx context.Context, id string, outcome models.ContactOutcome, at time.Time) (bool, error) {
	if !outcome.IsValid() {
		return false, fmt.Errorf("invalid contact outcome %q", outcome)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE contact_attempts SET outcome = ?, modified_at = ?
		WHERE id = ? AND outcome = ''`), string(outcome), at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to record outcome for %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("Store.RecordContactOutcome", "id", id, "outcome", outcome, "written", n > 0)
	return n > 0, nil
}

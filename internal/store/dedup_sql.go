package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IsDuplicate implements DedupRepo.
func (s *sqlDB) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`), messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

// RecordInbound implements DedupRepo. The insert itself decides, so two
// concurrent deliveries of one callback cannot both win.
func (s *sqlDB) RecordInbound(ctx context.Context, messageID, referralID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO inbound_dedup (message_id, referral_id, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`),
		messageID, referralID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkProcessed implements DedupRepo.
func (s *sqlDB) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`),
		time.Now().UTC(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

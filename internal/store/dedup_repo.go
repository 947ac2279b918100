package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound transport callback already seen.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	ReferralID  string     `json:"referral_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound callback deduplication.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, referralID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}

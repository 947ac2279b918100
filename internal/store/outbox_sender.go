package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc is the callback that performs the actual send.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxAbandonFunc is called after a message is abandoned, with the error of
// its last send.
type OutboxAbandonFunc func(ctx context.Context, msg OutboxMessage, cause error) error

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	onAbandon      OutboxAbandonFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	now            func() time.Time
}

// SenderOption configures an OutboxSender.
type SenderOption func(*OutboxSender)

// WithMaxAttempts sets how many failed sends a message gets before it is abandoned.
func WithMaxAttempts(n int) SenderOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithClaimLimit sets how many messages one poll claims.
func WithClaimLimit(n int) SenderOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.claimLimit = n
		}
	}
}

// WithAbandonHandler sets the callback run for every abandoned message.
func WithAbandonHandler(fn OutboxAbandonFunc) SenderOption {
	return func(s *OutboxSender) { s.onAbandon = fn }
}

// WithSenderClock sets the time source used for claiming and backoff.
func WithSenderClock(now func() time.Time) SenderOption {
	return func(s *OutboxSender) { s.now = now }
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, opts ...SenderOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	s := &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		maxAttempts:    5,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, s.now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.ProcessDue(ctx)
		}
	}
}

// ProcessDue claims and sends one batch of due messages and returns how many
// were sent successfully.
func (s *OutboxSender) ProcessDue(ctx context.Context) int {
	now := s.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.ProcessDue: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		slog.Debug("OutboxSender.ProcessDue: sending message", "id", msg.ID, "referralID", msg.ReferralID, "kind", msg.Kind)
		if err := s.sendFunc(ctx, msg); err != nil {
			slog.Error("OutboxSender.ProcessDue: send failed", "id", msg.ID, "attempt", msg.Attempts+1, "error", err)
			if msg.Attempts+1 >= s.maxAttempts {
				s.abandon(ctx, msg, err)
				continue
			}
			// Exponential backoff: 10s, 20s, 40s, ...
			backoff := time.Duration(10*(1<<msg.Attempts)) * time.Second
			if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), now.Add(backoff)); err != nil {
				slog.Error("OutboxSender.ProcessDue: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.ProcessDue: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		sent++
		slog.Debug("OutboxSender.ProcessDue: message sent", "id", msg.ID, "referralID", msg.ReferralID)
	}
	return sent
}

func (s *OutboxSender) abandon(ctx context.Context, msg OutboxMessage, cause error) {
	if err := s.repo.AbandonOutboxMessage(ctx, msg.ID, cause.Error()); err != nil {
		slog.Error("OutboxSender.ProcessDue: abandon message error", "id", msg.ID, "error", err)
		return
	}
	slog.Warn("OutboxSender.ProcessDue: message abandoned", "id", msg.ID, "referralID", msg.ReferralID, "attempts", msg.Attempts+1)
	if s.onAbandon == nil {
		return
	}
	if err := s.onAbandon(ctx, msg, cause); err != nil {
		slog.Error("OutboxSender.ProcessDue: abandon handler failed", "id", msg.ID, "error", err)
	}
}

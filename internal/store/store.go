// Package store provides SQLite and PostgreSQL persistence for ReferralPipe.
//
// Both backends share the same SQL, written with "?" placeholders and rebound
// for PostgreSQL. All timestamps are written in UTC.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/ReferralPipe/internal/models"
	"github.com/BTreeMap/ReferralPipe/internal/runlock"
)

// ErrNotFound is returned by lookups that must find a row.
var ErrNotFound = errors.New("not found")

// ErrReferralChanged is returned when a referral is saved from a copy older
// than the stored row.
var ErrReferralChanged = errors.New("referral changed since it was loaded")

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the store matching the DSN type.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if DetectDSNType(cfg.DSN) == dialectPostgres {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

// ReferralRepo persists referrals and their contact history.
type ReferralRepo interface {
	CreateReferral(ctx context.Context, r *models.Referral) error
	// GetReferral returns nil, nil when the referral does not exist.
	GetReferral(ctx context.Context, id string) (*models.Referral, error)
	GetReferralByUbrn(ctx context.Context, ubrn string) (*models.Referral, error)
	ListActiveReferralsByNhsNumber(ctx context.Context, nhsNumber string) ([]*models.Referral, error)
	// ListContactCandidates loads referrals in the given statuses, or just
	// referralID when set, each with its contact history.
	ListContactCandidates(ctx context.Context, statuses []models.Status, referralID string) ([]*models.Referral, error)
	// SaveReferrals writes referrals, their pending audits, new contact
	// attempts and one outbox row per attempt in a single transaction.
	SaveReferrals(ctx context.Context, referrals []*models.Referral, attempts []models.ContactAttempt) error
	ListAudits(ctx context.Context, referralID string) ([]models.StatusAudit, error)
}

// ContactRepo tracks contact attempts after they have been created.
type ContactRepo interface {
	GetContactAttempt(ctx context.Context, id string) (*models.ContactAttempt, error)
	FindContactAttemptByProviderRef(ctx context.Context, providerRef string) (*models.ContactAttempt, error)
	MarkContactAttemptSent(ctx context.Context, id, providerRef string, sentAt time.Time) error
	// RecordContactOutcome stores the outcome unless one is already recorded.
	// It reports whether the outcome was written.
	RecordContactOutcome(ctx context.Context, id string, outcome models.ContactOutcome, at time.Time) (bool, error)
}

// TriageRepo persists the triage reference table.
type TriageRepo interface {
	ListTriageParameters(ctx context.Context) ([]models.TriageParameter, error)
	// SeedTriageParameters inserts params only when the table is empty.
	SeedTriageParameters(ctx context.Context, params []models.TriageParameter) error
}

// LinkIDAllocator hands out correlation tokens no referral has used.
type LinkIDAllocator interface {
	GetUnusedLinkIDBatch(ctx context.Context, count, length int) ([]string, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	ReferralRepo
	ContactRepo
	TriageRepo
	LinkIDAllocator
	OutboxRepo
	DedupRepo
	runlock.Locker
	Ping(ctx context.Context) error
	Close() error
}

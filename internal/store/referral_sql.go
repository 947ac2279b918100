package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ReferralPipe/internal/models"
	"github.com/BTreeMap/ReferralPipe/internal/util"
)

// OutboxKindContactAttempt is the outbox kind carrying a contact attempt to send.
const OutboxKindContactAttempt = "contact_attempt"

// ContactAttemptPayload is the outbox payload for OutboxKindContactAttempt.
type ContactAttemptPayload struct {
	AttemptID string `json:"attempt_id"`
}

var referralColumns = []string{
	"id", "ubrn", "nhs_number", "gp_practice_ods_code", "gp_practice_name",
	"given_name", "family_name", "mobile", "is_mobile_valid", "telephone",
	"is_telephone_valid", "email", "status", "status_reason", "trace_count",
	"last_trace_date", "date_of_birth", "sex", "ethnicity", "deprivation",
	"triaged_completion_level", "triaged_weighted_level", "provider_id", "is_self_referral", "date_of_referral",
	"date_to_delay_until", "created_at", "modified_at", "modified_by_user_id", "version",
}

var (
	referralSelect = "SELECT " + strings.Join(referralColumns, ", ") + " FROM referrals"
	referralInsert = "INSERT INTO referrals (" + strings.Join(referralColumns, ", ") + ") VALUES (" +
		placeholders(len(referralColumns)) + ")"
	referralUpdate = "UPDATE referrals SET " + strings.Join(referralColumns[1:len(referralColumns)-1], " = ?, ") +
		" = ?, version = version + 1 WHERE id = ? AND version = ?"
)

const contactColumns = "id, referral_id, kind, number, link_id, referral_status, sent, outcome, provider_ref, created_at, modified_at"

func referralArgs(r *models.Referral) []any {
	return []any{
		r.ID, r.Ubrn, r.NhsNumber, r.GpPracticeOdsCode, r.GpPracticeName,
		r.GivenName, r.FamilyName, r.Mobile, r.IsMobileValid, r.Telephone,
		r.IsTelephoneValid, r.Email, r.Status, r.StatusReason, r.TraceCount,
		nullTime(r.LastTraceDate), nullTime(r.DateOfBirth), string(r.Sex), string(r.Ethnicity), string(r.Deprivation),
		string(r.TriagedCompletionLevel), string(r.TriagedWeightedLevel), r.ProviderID, r.IsSelfReferral, r.DateOfReferral.UTC(),
		nullTime(r.DateToDelayUntil), r.CreatedAt.UTC(), r.ModifiedAt.UTC(), r.ModifiedByUserID, r.Version,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReferral(row rowScanner) (*models.Referral, error) {
	var r models.Referral
	var sex, ethnicity, deprivation, completion, weighted string
	var lastTrace, dob, delayUntil sql.NullTime
	err := row.Scan(
		&r.ID, &r.Ubrn, &r.NhsNumber, &r.GpPracticeOdsCode, &r.GpPracticeName,
		&r.GivenName, &r.FamilyName, &r.Mobile, &r.IsMobileValid, &r.Telephone,
		&r.IsTelephoneValid, &r.Email, &r.Status, &r.StatusReason, &r.TraceCount,
		&lastTrace, &dob, &sex, &ethnicity, &deprivation,
		&completion, &weighted, &r.ProviderID, &r.IsSelfReferral, &r.DateOfReferral,
		&delayUntil, &r.CreatedAt, &r.ModifiedAt, &r.ModifiedByUserID, &r.Version,
	)
	if err != nil {
		return nil, err
	}
	r.Sex = models.Sex(sex)
	r.Ethnicity = models.Ethnicity(ethnicity)
	r.Deprivation = models.Deprivation(deprivation)
	r.TriagedCompletionLevel = models.TriageLevel(completion)
	r.TriagedWeightedLevel = models.TriageLevel(weighted)
	r.LastTraceDate = timePtr(lastTrace)
	r.DateOfBirth = timePtr(dob)
	r.DateToDelayUntil = timePtr(delayUntil)
	r.DateOfReferral = r.DateOfReferral.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.ModifiedAt = r.ModifiedAt.UTC()
	return &r, nil
}

func scanContact(row rowScanner) (models.ContactAttempt, error) {
	var c models.ContactAttempt
	var kind, outcome string
	var sent sql.NullTime
	var providerRef sql.NullString
	err := row.Scan(&c.ID, &c.ReferralID, &kind, &c.Number, &c.LinkID, &c.ReferralStatus,
		&sent, &outcome, &providerRef, &c.CreatedAt, &c.ModifiedAt)
	if err != nil {
		return c, err
	}
	c.Kind = models.ContactKind(kind)
	c.Outcome = models.ContactOutcome(outcome)
	c.Sent = timeOrZero(sent)
	c.ProviderRef = providerRef.String
	c.CreatedAt = c.CreatedAt.UTC()
	c.ModifiedAt = c.ModifiedAt.UTC()
	return c, nil
}

// CreateReferral inserts a new referral. ID and timestamps are filled in when empty.
func (s *sqlDB) CreateReferral(ctx context.Context, r *models.Referral) error {
	if err := r.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = util.GenerateReferralID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.ModifiedAt.IsZero() {
		r.ModifiedAt = r.CreatedAt
	}
	if r.DateOfReferral.IsZero() {
		r.DateOfReferral = r.CreatedAt
	}
	if _, err := s.db.ExecContext(ctx, s.q(referralInsert), referralArgs(r)...); err != nil {
		slog.Error("Store.CreateReferral failed", "error", err, "ubrn", r.Ubrn)
		return fmt.Errorf("failed to insert referral %s: %w", r.Ubrn, err)
	}
	slog.Debug("Store.CreateReferral succeeded", "id", r.ID, "ubrn", r.Ubrn, "status", r.Status)
	return nil
}

// GetReferral implements ReferralRepo.
func (s *sqlDB) GetReferral(ctx context.Context, id string) (*models.Referral, error) {
	return s.getReferral(ctx, "id", id)
}

// GetReferralByUbrn returns nil, nil when no referral carries the UBRN.
func (s *sqlDB) GetReferralByUbrn(ctx context.Context, ubrn string) (*models.Referral, error) {
	return s.getReferral(ctx, "ubrn", ubrn)
}

func (s *sqlDB) getReferral(ctx context.Context, column, value string) (*models.Referral, error) {
	r, err := scanReferral(s.db.QueryRowContext(ctx, s.q(referralSelect+" WHERE "+column+" = ?"), value))
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("Store.GetReferral not found", column, value)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load referral %s: %w", value, err)
	}
	if r.Contacts, err = s.loadContacts(ctx, s.db, r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *sqlDB) queryReferrals(ctx context.Context, query string, args ...any) ([]*models.Referral, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	defer rows.Close()

	var out []*models.Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan referral row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate referral rows: %w", err)
	}
	return out, nil
}

// ListActiveReferralsByNhsNumber returns every non-terminal referral holding
// the NHS number, oldest first.
func (s *sqlDB) ListActiveReferralsByNhsNumber(ctx context.Context, nhsNumber string) ([]*models.Referral, error) {
	if nhsNumber == "" {
		return nil, nil
	}
	var terminal []any
	for _, st := range models.AllStatuses() {
		if st.IsTerminal() {
			terminal = append(terminal, st.String())
		}
	}
	query := referralSelect + " WHERE nhs_number = ? AND status NOT IN (" + placeholders(len(terminal)) + ") ORDER BY created_at, ubrn"
	return s.queryReferrals(ctx, query, append([]any{nhsNumber}, terminal...)...)
}

// ListContactCandidates implements ReferralRepo.
func (s *sqlDB) ListContactCandidates(ctx context.Context, statuses []models.Status, referralID string) ([]*models.Referral, error) {
	var refs []*models.Referral
	var err error
	if referralID != "" {
		refs, err = s.queryReferrals(ctx, referralSelect+" WHERE id = ?", referralID)
	} else {
		if len(statuses) == 0 {
			return nil, nil
		}
		args := make([]any, len(statuses))
		for i, st := range statuses {
			args[i] = st.String()
		}
		refs, err = s.queryReferrals(ctx, referralSelect+" WHERE status IN ("+placeholders(len(args))+") ORDER BY created_at, ubrn", args...)
	}
	if err != nil {
		return nil, err
	}
	// Rows are closed before contacts are loaded; SQLite runs on one connection.
	for _, r := range refs {
		if r.Contacts, err = s.loadContacts(ctx, s.db, r.ID); err != nil {
			return nil, err
		}
	}
	slog.Debug("Store.ListContactCandidates", "count", len(refs), "referralID", referralID)
	return refs, nil
}

func (s *sqlDB) loadContacts(ctx context.Context, qr queryer, referralID string) ([]models.ContactAttempt, error) {
	rows, err := qr.QueryContext(ctx, s.q("SELECT "+contactColumns+" FROM contact_attempts WHERE referral_id = ? ORDER BY created_at, id"), referralID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contact attempts: %w", err)
	}
	defer rows.Close()

	var out []models.ContactAttempt
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact attempt: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contact attempts: %w", err)
	}
	models.SortContacts(out)
	return out, nil
}

// updateReferral writes r only when the stored row still carries r.Version.
func (s *sqlDB) updateReferral(ctx context.Context, tx *sql.Tx, r *models.Referral) error {
	args := referralArgs(r)
	args = append(args[1:len(args)-1], r.ID, r.Version)
	res, err := tx.ExecContext(ctx, s.q(referralUpdate), args...)
	if err != nil {
		return fmt.Errorf("failed to update referral %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to update referral %s: %w", r.ID, err)
	} else if n == 1 {
		return nil
	}

	var stored int64
	err = tx.QueryRowContext(ctx, s.q("SELECT version FROM referrals WHERE id = ?"), r.ID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("referral %s: %w", r.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read version of referral %s: %w", r.ID, err)
	}
	slog.Warn("Store.SaveReferrals: referral changed since load", "referralID", r.ID, "loadedVersion", r.Version, "storedVersion", stored)
	return fmt.Errorf("referral %s at version %d, loaded %d: %w", r.ID, stored, r.Version, ErrReferralChanged)
}

// SaveReferrals implements ReferralRepo. Every referral must still be at the
// version it was loaded with, otherwise nothing is written and the error
// wraps ErrReferralChanged. Versions are bumped and pending audits cleared
// only after the transaction commits.
func (s *sqlDB) SaveReferrals(ctx context.Context, referrals []*models.Referral, attempts []models.ContactAttempt) error {
	now := time.Now().UTC()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range referrals {
			if err := s.updateReferral(ctx, tx, r); err != nil {
				return err
			}
			for _, a := range r.Audits {
				_, err := tx.ExecContext(ctx, s.q(`INSERT INTO referral_audits (referral_id, from_status, to_status, reason, user_id, changed_at)
					VALUES (?, ?, ?, ?, ?, ?)`), r.ID, a.From, a.To, a.Reason, a.UserID, a.At.UTC())
				if err != nil {
					return fmt.Errorf("failed to insert audit for referral %s: %w", r.ID, err)
				}
			}
		}
		for _, c := range attempts {
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
			if c.ModifiedAt.IsZero() {
				c.ModifiedAt = c.CreatedAt
			}
			_, err := tx.ExecContext(ctx, s.q("INSERT INTO contact_attempts ("+contactColumns+") VALUES ("+placeholders(11)+")"),
				c.ID, c.ReferralID, string(c.Kind), c.Number, c.LinkID, c.ReferralStatus,
				zeroTimeNull(c.Sent), string(c.Outcome), nilIfEmpty(c.ProviderRef), c.CreatedAt.UTC(), c.ModifiedAt.UTC())
			if err != nil {
				return fmt.Errorf("failed to insert contact attempt %s: %w", c.ID, err)
			}
			payload, err := json.Marshal(ContactAttemptPayload{AttemptID: c.ID})
			if err != nil {
				return err
			}
			if _, err := s.enqueueOutbox(ctx, tx, c.ReferralID, OutboxKindContactAttempt, string(payload), c.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("Store.SaveReferrals failed", "error", err, "referrals", len(referrals), "attempts", len(attempts))
		return err
	}
	for _, r := range referrals {
		r.Version++
		r.TakeAudits()
	}
	slog.Debug("Store.SaveReferrals succeeded", "referrals", len(referrals), "attempts", len(attempts))
	return nil
}

// ListAudits returns the audit trail of a referral, oldest first.
func (s *sqlDB) ListAudits(ctx context.Context, referralID string) ([]models.StatusAudit, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT referral_id, from_status, to_status, reason, user_id, changed_at
		FROM referral_audits WHERE referral_id = ? ORDER BY id`), referralID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audits: %w", err)
	}
	defer rows.Close()

	var out []models.StatusAudit
	for rows.Next() {
		var a models.StatusAudit
		if err := rows.Scan(&a.ReferralID, &a.From, &a.To, &a.Reason, &a.UserID, &a.At); err != nil {
			return nil, fmt.Errorf("failed to scan audit: %w", err)
		}
		a.At = a.At.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// Package trace applies NHS number trace results to referrals and cancels
// referrals that turn out to duplicate an earlier, still active one.
package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/BTreeMap/ReferralPipe/internal/lifecycle"
	"github.com/BTreeMap/ReferralPipe/internal/models"
)

// ErrReferralNotFound is returned when a trace result names an unknown referral.
var ErrReferralNotFound = errors.New("referral not found")

// nhsNumberRequiredReason marks referrals parked until a trace supplies the number.
const nhsNumberRequiredReason = "nhs number required"

// TraceResult is one identity lookup returned by the trace provider.
type TraceResult struct {
	ReferralID        string `json:"referral_id" validate:"required"`
	NhsNumber         string `json:"nhs_number" validate:"omitempty,nhsnumber"`
	GpPracticeOdsCode string `json:"gp_practice_ods_code" validate:"omitempty,gppracticecode"`
	GpPracticeName    string `json:"gp_practice_name"`
}

// Repo is the persistence the resolver needs.
type Repo interface {
	GetReferral(ctx context.Context, id string) (*models.Referral, error)
	ListActiveReferralsByNhsNumber(ctx context.Context, nhsNumber string) ([]*models.Referral, error)
	SaveReferrals(ctx context.Context, referrals []*models.Referral, attempts []models.ContactAttempt) error
}

// Summary counts what a Resolve call did.
type Summary struct {
	Traced     int
	Untraced   int
	Duplicates int
}

// Resolver applies trace results.
type Resolver struct {
	repo     Repo
	machine  *lifecycle.Machine
	validate *validator.Validate
	now      func() time.Time
	userID   string
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithClock sets the time source used for trace dates.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// WithUserID sets the user recorded against changes made by the resolver.
func WithUserID(id string) ResolverOption {
	return func(r *Resolver) { r.userID = id }
}

// NewResolver creates a Resolver.
func NewResolver(repo Repo, machine *lifecycle.Machine, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		repo:     repo,
		machine:  machine,
		validate: NewValidator(),
		now:      time.Now,
		userID:   "trace",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve validates every result, loads every referral, applies the results in
// order and saves all changes in one transaction. Any validation failure or
// missing referral fails the whole call before anything is written.
func (rv *Resolver) Resolve(ctx context.Context, results []TraceResult) (Summary, error) {
	var sum Summary
	for _, res := range results {
		if err := validateResult(rv.validate, res); err != nil {
			slog.Warn("Resolver.Resolve: invalid trace result", "error", err)
			return sum, err
		}
	}

	loaded := make(map[string]*models.Referral, len(results))
	var order []*models.Referral
	for _, res := range results {
		if _, ok := loaded[res.ReferralID]; ok {
			continue
		}
		r, err := rv.repo.GetReferral(ctx, res.ReferralID)
		if err != nil {
			return sum, fmt.Errorf("failed to load referral %s: %w", res.ReferralID, err)
		}
		if r == nil {
			return sum, fmt.Errorf("%w: %s", ErrReferralNotFound, res.ReferralID)
		}
		loaded[r.ID] = r
		order = append(order, r)
	}

	now := rv.now().UTC()
	// known holds every referral this call may change, keyed by id, so a
	// referral is only ever represented by one in-memory copy.
	known := make(map[string]*models.Referral, len(loaded))
	for id, r := range loaded {
		known[id] = r
	}
	var extra []*models.Referral

	for _, res := range results {
		r := loaded[res.ReferralID]
		r.TraceCount++
		r.LastTraceDate = &now
		r.ModifiedAt = now
		r.ModifiedByUserID = rv.userID

		if res.NhsNumber == "" {
			sum.Untraced++
			slog.Debug("Resolver.Resolve: no match from trace", "referralID", r.ID, "traceCount", r.TraceCount)
			continue
		}

		if !r.Status.IsActive() {
			rv.setTraceFields(r, res)
			sum.Traced++
			continue
		}

		holders, added, err := rv.activeHolders(ctx, res.NhsNumber, r, known)
		if err != nil {
			return sum, err
		}
		extra = append(extra, added...)

		if len(holders) > 0 && holders[0].CreatedBefore(r) {
			survivor := holders[0]
			rv.setTraceFields(r, res)
			if _, err := rv.machine.Apply(r, lifecycle.CancelDuplicate(survivor.Ubrn, rv.userID)); err != nil {
				return sum, err
			}
			backfillContacts(survivor, r)
			sum.Duplicates++
			slog.Info("Resolver.Resolve: cancelled duplicate referral", "referralID", r.ID, "ubrn", r.Ubrn, "survivorUbrn", survivor.Ubrn)
			continue
		}

		// r is the earliest holder; every later holder is a duplicate of it.
		rv.setTraceFields(r, res)
		for _, h := range holders {
			if _, err := rv.machine.Apply(h, lifecycle.CancelDuplicate(r.Ubrn, rv.userID)); err != nil {
				return sum, err
			}
			backfillContacts(r, h)
			sum.Duplicates++
			slog.Info("Resolver.Resolve: cancelled duplicate referral", "referralID", h.ID, "ubrn", h.Ubrn, "survivorUbrn", r.Ubrn)
		}
		if r.Status == models.StatusProviderAwaitingTrace {
			if _, err := rv.machine.Apply(r, lifecycle.Event{Kind: lifecycle.EventTraceCompleted, UserID: rv.userID}); err != nil {
				return sum, err
			}
		}
		if strings.Contains(strings.ToLower(r.StatusReason), nhsNumberRequiredReason) {
			r.StatusReason = ""
		}
		sum.Traced++
	}

	save := append(order, extra...)
	if err := rv.repo.SaveReferrals(ctx, save, nil); err != nil {
		return sum, fmt.Errorf("failed to save trace results: %w", err)
	}
	slog.Info("Resolver.Resolve: trace batch applied", "results", len(results), "traced", sum.Traced, "untraced", sum.Untraced, "duplicates", sum.Duplicates)
	return sum, nil
}

// activeHolders returns the other active referrals holding nhsNumber, oldest
// first. Referrals already in known are judged by their in-memory state so
// earlier rows of the same batch count. Holders seen for the first time are
// added to known and returned as added.
func (rv *Resolver) activeHolders(ctx context.Context, nhsNumber string, self *models.Referral, known map[string]*models.Referral) (holders, added []*models.Referral, err error) {
	stored, err := rv.repo.ListActiveReferralsByNhsNumber(ctx, nhsNumber)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up NHS number holders: %w", err)
	}
	for _, r := range stored {
		if _, ok := known[r.ID]; !ok {
			known[r.ID] = r
			added = append(added, r)
		}
	}
	for _, r := range known {
		if r.ID != self.ID && r.NhsNumber == nhsNumber && r.Status.IsActive() {
			holders = append(holders, r)
		}
	}
	sortByCreation(holders)
	return holders, added, nil
}

func (rv *Resolver) setTraceFields(r *models.Referral, res TraceResult) {
	r.NhsNumber = res.NhsNumber
	if res.GpPracticeOdsCode != "" {
		r.GpPracticeOdsCode = res.GpPracticeOdsCode
		r.GpPracticeName = res.GpPracticeName
	}
}

// backfillContacts copies contact details onto a self-referral survivor that
// lacks them.
func backfillContacts(survivor, duplicate *models.Referral) {
	if !survivor.IsSelfReferral {
		return
	}
	if survivor.Mobile == "" && duplicate.Mobile != "" {
		survivor.Mobile = duplicate.Mobile
		survivor.IsMobileValid = duplicate.IsMobileValid
	}
	if survivor.Telephone == "" && duplicate.Telephone != "" {
		survivor.Telephone = duplicate.Telephone
		survivor.IsTelephoneValid = duplicate.IsTelephoneValid
	}
	if survivor.Email == "" && duplicate.Email != "" {
		survivor.Email = duplicate.Email
	}
}

func sortByCreation(refs []*models.Referral) {
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].CreatedBefore(refs[j]) })
}

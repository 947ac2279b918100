package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/ReferralPipe/internal/lifecycle"
	"github.com/BTreeMap/ReferralPipe/internal/models"
	"github.com/BTreeMap/ReferralPipe/internal/runlock"
	"github.com/BTreeMap/ReferralPipe/internal/util"
)

// LockName names the lease held for the duration of a scheduling run.
const LockName = "ContactSchedulingRun"

const (
	// DefaultLockDelay is how long a run holds its lease before another run
	// may take over.
	DefaultLockDelay = 10 * time.Minute
	// DefaultLinkIDLength is the length of newly allocated link ids.
	DefaultLinkIDLength = 12
	defaultUserID       = "contact-scheduling-run"
)

// Repo is the persistence a scheduling run needs.
type Repo interface {
	ListContactCandidates(ctx context.Context, statuses []models.Status, referralID string) ([]*models.Referral, error)
	ListActiveReferralsByNhsNumber(ctx context.Context, nhsNumber string) ([]*models.Referral, error)
	SaveReferrals(ctx context.Context, referrals []*models.Referral, attempts []models.ContactAttempt) error
}

// LinkIDAllocator hands out link ids no referral has used.
type LinkIDAllocator interface {
	GetUnusedLinkIDBatch(ctx context.Context, count, length int) ([]string, error)
}

// Scope limits a run. The zero value covers every due referral.
type Scope struct {
	ReferralID string
}

// Run is the batch pass that creates due contacts.
type Run struct {
	repo      Repo
	locker    runlock.Locker
	links     LinkIDAllocator
	machine   *lifecycle.Machine
	evaluator *Evaluator

	lockDelay    time.Duration
	linkIDLength int
	workers      int
	userID       string
	now          func() time.Time
}

// RunOption configures a Run.
type RunOption func(*Run)

// WithLockDelay sets how long the run lease is held.
func WithLockDelay(d time.Duration) RunOption {
	return func(r *Run) {
		if d > 0 {
			r.lockDelay = d
		}
	}
}

// WithLinkIDLength sets the length of new link ids.
func WithLinkIDLength(n int) RunOption {
	return func(r *Run) {
		if n > 0 {
			r.linkIDLength = n
		}
	}
}

// WithWorkers bounds how many referrals are evaluated at once.
func WithWorkers(n int) RunOption {
	return func(r *Run) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithRunUserID sets the user recorded against changes made by the run.
func WithRunUserID(id string) RunOption {
	return func(r *Run) { r.userID = id }
}

// WithRunClock sets the time source.
func WithRunClock(now func() time.Time) RunOption {
	return func(r *Run) { r.now = now }
}

// NewRun creates a Run.
func NewRun(repo Repo, locker runlock.Locker, links LinkIDAllocator, machine *lifecycle.Machine, evaluator *Evaluator, opts ...RunOption) *Run {
	r := &Run{
		repo:         repo,
		locker:       locker,
		links:        links,
		machine:      machine,
		evaluator:    evaluator,
		lockDelay:    DefaultLockDelay,
		linkIDLength: DefaultLinkIDLength,
		workers:      runtime.NumCPU(),
		userID:       defaultUserID,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LockDelay returns how long the run lease is held.
func (r *Run) LockDelay() time.Duration {
	return r.lockDelay
}

type due struct {
	referral *models.Referral
	action   *ScheduledAction
}

// Execute runs one scheduling pass under the run lease and returns the number
// of referrals acted on. A held lease fails fast with an
// *runlock.AlreadyRunningError. Nothing is persisted unless every step
// succeeds; a referral changed by another writer after it was loaded fails
// the save, and the next run evaluates it afresh.
func (r *Run) Execute(ctx context.Context, scope Scope) (int, error) {
	var count int
	err := runlock.Run(ctx, r.locker, LockName, uuid.NewString(), r.lockDelay, r.now, func(ctx context.Context) error {
		n, err := r.execute(ctx, scope)
		count = n
		return err
	})
	if errors.Is(err, runlock.ErrAlreadyRunning) {
		slog.Info("Run.Execute: another run holds the lease", "error", err)
		return 0, err
	}
	if err != nil {
		slog.Error("Run.Execute: scheduling run failed", "error", err, "referralID", scope.ReferralID)
		return 0, err
	}
	slog.Info("Run.Execute: scheduling run complete", "scheduled", count, "referralID", scope.ReferralID)
	return count, nil
}

func (r *Run) execute(ctx context.Context, scope Scope) (int, error) {
	now := r.now().UTC()
	candidates, err := r.repo.ListContactCandidates(ctx, CandidateStatuses(), scope.ReferralID)
	if err != nil {
		return 0, fmt.Errorf("failed to load contact candidates: %w", err)
	}

	actions := make([]*ScheduledAction, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			actions[i] = r.evaluator.Evaluate(c, c.Contacts, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var work []due
	needLinks := 0
	for i, a := range actions {
		if a == nil {
			continue
		}
		c := candidates[i]
		dup, err := r.heldByEarlierReferral(ctx, c)
		if err != nil {
			return 0, err
		}
		if dup {
			slog.Info("Run.execute: skipping referral held by an earlier referral", "referralID", c.ID, "ubrn", c.Ubrn)
			continue
		}
		if a.NeedsLinkID {
			needLinks++
		}
		work = append(work, due{referral: c, action: a})
	}
	if len(work) == 0 {
		return 0, nil
	}

	var links []string
	if needLinks > 0 {
		links, err = r.links.GetUnusedLinkIDBatch(ctx, needLinks, r.linkIDLength)
		if err != nil {
			return 0, fmt.Errorf("failed to allocate link ids: %w", err)
		}
		if len(links) < needLinks {
			return 0, fmt.Errorf("link id allocator returned %d ids, need %d", len(links), needLinks)
		}
	}

	referrals := make([]*models.Referral, 0, len(work))
	var attempts []models.ContactAttempt
	for _, w := range work {
		ref, a := w.referral, w.action
		if a.NeedsLinkID {
			a.LinkID, links = links[0], links[1:]
		}
		if ev, ok := a.Event(r.userID); ok {
			if _, err := r.machine.Apply(ref, ev); err != nil {
				return 0, err
			}
		} else {
			ref.ModifiedAt = now
			ref.ModifiedByUserID = r.userID
		}
		if a.Kind == ActionContact {
			attempt := models.ContactAttempt{
				ID:             util.GenerateContactAttemptID(),
				ReferralID:     ref.ID,
				Kind:           a.ContactKind,
				Number:         a.Number,
				LinkID:         a.LinkID,
				ReferralStatus: a.Target,
				CreatedAt:      now,
				ModifiedAt:     now,
			}
			ref.Contacts = append(ref.Contacts, attempt)
			attempts = append(attempts, attempt)
		}
		slog.Debug("Run.execute: scheduled", "referralID", ref.ID, "action", a.Kind, "from", a.From, "to", a.Target)
		referrals = append(referrals, ref)
	}

	if err := r.repo.SaveReferrals(ctx, referrals, attempts); err != nil {
		return 0, fmt.Errorf("failed to save scheduled contacts: %w", err)
	}
	return len(referrals), nil
}

// heldByEarlierReferral reports whether another active referral created
// before c holds its NHS number. Such a referral is due for duplicate
// cancellation and must not be contacted.
func (r *Run) heldByEarlierReferral(ctx context.Context, c *models.Referral) (bool, error) {
	if c.NhsNumber == "" || !c.Status.IsActive() {
		return false, nil
	}
	holders, err := r.repo.ListActiveReferralsByNhsNumber(ctx, c.NhsNumber)
	if err != nil {
		return false, fmt.Errorf("failed to look up NHS number holders: %w", err)
	}
	for _, h := range holders {
		if h.ID != c.ID && h.CreatedBefore(c) {
			return true, nil
		}
	}
	return false, nil
}

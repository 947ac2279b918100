package schedule

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ReferralPipe/internal/lifecycle"
	"github.com/BTreeMap/ReferralPipe/internal/models"
	"github.com/BTreeMap/ReferralPipe/internal/runlock"
	"github.com/BTreeMap/ReferralPipe/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "schedule_run_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(tempDir, "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type failingAllocator struct{ err error }

func (f failingAllocator) GetUnusedLinkIDBatch(ctx context.Context, count, length int) ([]string, error) {
	return nil, f.err
}

func newTestRun(s *store.SQLiteStore, now time.Time, links LinkIDAllocator) *Run {
	clock := func() time.Time { return now }
	if links == nil {
		links = s
	}
	return NewRun(s, s, links,
		lifecycle.NewMachine(lifecycle.WithClock(clock)),
		NewEvaluator(DefaultWindows()),
		WithRunClock(clock), WithWorkers(4))
}

func createReferral(t *testing.T, s *store.SQLiteStore, ubrn string, status models.Status, created time.Time) *models.Referral {
	t.Helper()
	r := &models.Referral{
		Ubrn:          ubrn,
		Status:        status,
		Mobile:        "+447400123456",
		IsMobileValid: true,
		CreatedAt:     created,
	}
	if err := s.CreateReferral(context.Background(), r); err != nil {
		t.Fatalf("CreateReferral failed: %v", err)
	}
	return r
}

func seedSentText(t *testing.T, s *store.SQLiteStore, r *models.Referral, status models.Status, sent time.Time) {
	t.Helper()
	a := models.ContactAttempt{
		ID:             "ca_" + r.Ubrn + status.String(),
		ReferralID:     r.ID,
		Kind:           models.ContactKindTextMessage,
		Number:         r.Mobile,
		LinkID:         "link" + r.Ubrn,
		ReferralStatus: status,
		Sent:           sent,
		CreatedAt:      sent,
		ModifiedAt:     sent,
	}
	if err := s.SaveReferrals(context.Background(), []*models.Referral{r}, []models.ContactAttempt{a}); err != nil {
		t.Fatalf("SaveReferrals failed: %v", err)
	}
}

func TestRun_SchedulesNewReferralsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	r1 := createReferral(t, s, "000000000001", models.StatusNew, now.Add(-time.Hour))
	createReferral(t, s, "000000000002", models.StatusNew, now.Add(-time.Hour))
	createReferral(t, s, "000000000003", models.StatusRmcCall, now.Add(-time.Hour))

	run := newTestRun(s, now, nil)
	n, err := run.Execute(ctx, Scope{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 scheduled, got %d", n)
	}

	got, err := s.GetReferral(ctx, r1.ID)
	if err != nil || got == nil {
		t.Fatalf("GetReferral failed: %v", err)
	}
	if got.Status != models.StatusTextMessage1 {
		t.Errorf("Expected TextMessage1, got %s", got.Status)
	}
	if len(got.Contacts) != 1 {
		t.Fatalf("Expected 1 contact attempt, got %d", len(got.Contacts))
	}
	c := got.Contacts[0]
	if c.ReferralStatus != models.StatusTextMessage1 || len(c.LinkID) != DefaultLinkIDLength || c.IsSent() {
		t.Errorf("unexpected contact attempt: %+v", c)
	}
	audits, err := s.ListAudits(ctx, r1.ID)
	if err != nil || len(audits) != 1 || audits[0].To != models.StatusTextMessage1 {
		t.Errorf("Expected one audit to TextMessage1, got %+v (%v)", audits, err)
	}

	n, err = run.Execute(ctx, Scope{})
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected immediate re-run to schedule nothing, got %d", n)
	}
}

func TestRun_NewReferralWithoutMobileEscalates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	r := &models.Referral{
		Ubrn:             "000000000001",
		Status:           models.StatusNew,
		Telephone:        "+441214960000",
		IsTelephoneValid: true,
		CreatedAt:        now.Add(-time.Hour),
	}
	if err := s.CreateReferral(ctx, r); err != nil {
		t.Fatalf("CreateReferral failed: %v", err)
	}

	run := newTestRun(s, now, nil)
	n, err := run.Execute(ctx, Scope{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 scheduled, got %d", n)
	}
	got, err := s.GetReferral(ctx, r.ID)
	if err != nil || got == nil {
		t.Fatalf("GetReferral failed: %v", err)
	}
	if got.Status != models.StatusRmcCall {
		t.Errorf("Expected RmcCall, got %s", got.Status)
	}
	if len(got.Contacts) != 0 {
		t.Errorf("Expected no contact attempts, got %d", len(got.Contacts))
	}
	audits, err := s.ListAudits(ctx, r.ID)
	if err != nil || len(audits) != 1 || audits[0].From != models.StatusNew || audits[0].To != models.StatusRmcCall {
		t.Errorf("Expected one audit New -> RmcCall, got %+v (%v)", audits, err)
	}

	n, err = run.Execute(ctx, Scope{})
	if err != nil || n != 0 {
		t.Errorf("Expected re-run to schedule nothing, got %d, %v", n, err)
	}
}

func TestRun_TimingGate(t *testing.T) {
	tests := []struct {
		hours int
		want  int
	}{
		{47, 0},
		{49, 1},
	}
	for _, tt := range tests {
		s := newTestStore(t)
		now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
		r := createReferral(t, s, "000000000001", models.StatusTextMessage1, now.Add(-10*24*time.Hour))
		seedSentText(t, s, r, models.StatusTextMessage1, now.Add(-time.Duration(tt.hours)*time.Hour))

		n, err := newTestRun(s, now, nil).Execute(context.Background(), Scope{})
		if err != nil {
			t.Fatalf("%dh: Execute failed: %v", tt.hours, err)
		}
		if n != tt.want {
			t.Errorf("%dh: expected %d scheduled, got %d", tt.hours, tt.want, n)
		}
	}
}

func TestRun_ReusesLinkID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	r := createReferral(t, s, "000000000001", models.StatusTextMessage1, now.Add(-10*24*time.Hour))
	seedSentText(t, s, r, models.StatusTextMessage1, now.Add(-72*time.Hour))

	if _, err := newTestRun(s, now, failingAllocator{err: errors.New("should not be called")}).Execute(ctx, Scope{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	got, _ := s.GetReferral(ctx, r.ID)
	if got.Status != models.StatusTextMessage2 || len(got.Contacts) != 2 {
		t.Fatalf("Expected TextMessage2 with 2 attempts, got %s/%d", got.Status, len(got.Contacts))
	}
	for _, c := range got.Contacts {
		if c.LinkID != "link000000000001" {
			t.Errorf("Expected link id reused, got %q", c.LinkID)
		}
	}
}

func TestRun_ScopedToReferral(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	r1 := createReferral(t, s, "000000000001", models.StatusNew, now.Add(-time.Hour))
	r2 := createReferral(t, s, "000000000002", models.StatusNew, now.Add(-time.Hour))

	n, err := newTestRun(s, now, nil).Execute(ctx, Scope{ReferralID: r2.ID})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 scheduled, got %d", n)
	}
	got, _ := s.GetReferral(ctx, r1.ID)
	if got.Status != models.StatusNew {
		t.Errorf("Expected out-of-scope referral untouched, got %s", got.Status)
	}
}

func TestRun_HeldLeaseFailsFast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	createReferral(t, s, "000000000001", models.StatusNew, now.Add(-time.Hour))

	if _, err := s.AcquireLease(ctx, LockName, "other-run", DefaultLockDelay, now.Add(-time.Minute)); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	_, err := newTestRun(s, now, nil).Execute(ctx, Scope{})
	if !errors.Is(err, runlock.ErrAlreadyRunning) {
		t.Fatalf("Expected ErrAlreadyRunning, got %v", err)
	}
	if !strings.Contains(err.Error(), "2024-05-20T09:09:00Z") {
		t.Errorf("Expected retry timestamp in %q", err.Error())
	}

	n, err := newTestRun(s, now.Add(DefaultLockDelay), nil).Execute(ctx, Scope{})
	if err != nil {
		t.Fatalf("Execute after the delay failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 scheduled after the delay, got %d", n)
	}
}

func TestRun_LinkAllocationFailureAborts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	r := createReferral(t, s, "000000000001", models.StatusNew, now.Add(-time.Hour))

	allocErr := &runlock.AlreadyRunningError{Name: store.LinkIDAllocationLock, RetryAfter: now.Add(time.Minute)}
	_, err := newTestRun(s, now, failingAllocator{err: allocErr}).Execute(ctx, Scope{})
	if !errors.Is(err, runlock.ErrAlreadyRunning) {
		t.Fatalf("Expected allocator error to propagate, got %v", err)
	}

	got, _ := s.GetReferral(ctx, r.ID)
	if got.Status != models.StatusNew || len(got.Contacts) != 0 {
		t.Errorf("Expected nothing persisted, got %s with %d attempts", got.Status, len(got.Contacts))
	}

	lease, err := s.GetLease(ctx, LockName)
	if err != nil {
		t.Fatalf("GetLease failed: %v", err)
	}
	if !lease.Available(now) {
		t.Error("Expected the run lease released after a failed run")
	}
}

func TestRun_SkipsDuplicateHolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)

	older := createReferral(t, s, "000000000001", models.StatusRmcCall, now.Add(-48*time.Hour))
	older.NhsNumber = "9434765919"
	newer := createReferral(t, s, "000000000002", models.StatusNew, now.Add(-time.Hour))
	newer.NhsNumber = "9434765919"
	if err := s.SaveReferrals(ctx, []*models.Referral{older, newer}, nil); err != nil {
		t.Fatalf("SaveReferrals failed: %v", err)
	}

	n, err := newTestRun(s, now, nil).Execute(ctx, Scope{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected the later duplicate to be skipped, got %d scheduled", n)
	}
}

func TestRun_OutcomeNoticeKeepsStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	r := createReferral(t, s, "000000000001", models.StatusCancelledDuplicateTextMessage, now.Add(-time.Hour))

	n, err := newTestRun(s, now, nil).Execute(ctx, Scope{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 notice, got %d", n)
	}
	got, _ := s.GetReferral(ctx, r.ID)
	if got.Status != models.StatusCancelledDuplicateTextMessage {
		t.Errorf("Expected status unchanged, got %s", got.Status)
	}
	if len(got.Contacts) != 1 || got.Contacts[0].ReferralStatus != models.StatusCancelledDuplicateTextMessage {
		t.Errorf("Expected one notice attempt, got %+v", got.Contacts)
	}
}

// concurrentWriter commits a change to the referrals it hands out right after
// they are listed, as a status webhook would while a run is evaluating.
type concurrentWriter struct {
	*store.SQLiteStore
	write func(ctx context.Context, refs []*models.Referral)
}

func (c concurrentWriter) ListContactCandidates(ctx context.Context, statuses []models.Status, referralID string) ([]*models.Referral, error) {
	refs, err := c.SQLiteStore.ListContactCandidates(ctx, statuses, referralID)
	if err == nil {
		c.write(ctx, refs)
	}
	return refs, err
}

func TestRun_ConcurrentTransitionNotOverwritten(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	r := createReferral(t, s, "000000000001", models.StatusNew, now.Add(-96*time.Hour))
	r.Status = models.StatusTextMessage1
	seedSentText(t, s, r, models.StatusTextMessage1, now.Add(-72*time.Hour))

	machine := lifecycle.NewMachine(lifecycle.WithClock(func() time.Time { return now }))
	repo := concurrentWriter{SQLiteStore: s, write: func(ctx context.Context, refs []*models.Referral) {
		fresh, err := s.GetReferral(ctx, r.ID)
		if err != nil || fresh == nil {
			t.Fatalf("GetReferral failed: %v", err)
		}
		if _, err := machine.Apply(fresh, lifecycle.Event{Kind: lifecycle.EventContactFailed, UserID: "transport"}); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if err := s.SaveReferrals(ctx, []*models.Referral{fresh}, nil); err != nil {
			t.Fatalf("concurrent SaveReferrals failed: %v", err)
		}
	}}
	clock := func() time.Time { return now }
	run := NewRun(repo, s, s, machine, NewEvaluator(DefaultWindows()), WithRunClock(clock))

	n, err := run.Execute(ctx, Scope{})
	if !errors.Is(err, store.ErrReferralChanged) {
		t.Fatalf("Expected ErrReferralChanged, got %v", err)
	}
	if n != 0 {
		t.Errorf("Expected nothing scheduled, got %d", n)
	}

	got, _ := s.GetReferral(ctx, r.ID)
	if got.Status != models.StatusRmcCall || got.IsMobileValid {
		t.Errorf("Expected the concurrent RmcCall escalation kept, got %s mobileValid=%v", got.Status, got.IsMobileValid)
	}
	if len(got.Contacts) != 1 {
		t.Errorf("Expected no new contact attempt, got %d", len(got.Contacts))
	}

	if n, err := newTestRun(s, now, nil).Execute(ctx, Scope{}); err != nil || n != 0 {
		t.Errorf("Expected the next run to leave RmcCall alone, got %d, %v", n, err)
	}
}

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/ReferralPipe/internal/models"
	"github.com/BTreeMap/ReferralPipe/internal/runlock"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(tempDir, "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestReferral(ubrn string, status models.Status, created time.Time) *models.Referral {
	return &models.Referral{
		Ubrn:           ubrn,
		Status:         status,
		Mobile:         "+447400123456",
		IsMobileValid:  true,
		Sex:            models.SexFemale,
		DateOfReferral: created,
		CreatedAt:      created,
		ModifiedAt:     created,
	}
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":       "postgres",
		"postgresql://localhost/db":         "postgres",
		"host=localhost dbname=referrals":   "postgres",
		"/var/lib/referralpipe/state.db":    "sqlite3",
		"file:test.db?cache=shared&mode=rw": "sqlite3",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q): expected %s, got %s", dsn, want, got)
		}
	}
}

func TestRebindPostgres(t *testing.T) {
	s := &sqlDB{dialect: dialectPostgres}
	got := s.q("UPDATE t SET a = ?, b = ? WHERE id = ?")
	if got != "UPDATE t SET a = $1, b = $2 WHERE id = $3" {
		t.Errorf("unexpected rebind: %s", got)
	}
	lite := &sqlDB{dialect: dialectSQLite}
	if lite.q("a = ?") != "a = ?" {
		t.Error("SQLite queries should not be rebound")
	}
}

func TestSQLiteStore_CreateAndGetReferral(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	created := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	dob := time.Date(1985, 7, 4, 0, 0, 0, 0, time.UTC)

	r := newTestReferral("000000000001", models.StatusNew, created)
	r.DateOfBirth = &dob
	r.Ethnicity = models.EthnicityMixed
	if err := s.CreateReferral(ctx, r); err != nil {
		t.Fatalf("CreateReferral failed: %v", err)
	}
	if r.ID == "" {
		t.Fatal("CreateReferral did not assign an ID")
	}

	got, err := s.GetReferral(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReferral failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetReferral returned nil")
	}
	if got.Ubrn != r.Ubrn || got.Status != models.StatusNew || !got.IsMobileValid {
		t.Errorf("unexpected referral: %+v", got)
	}
	if got.DateOfBirth == nil || !got.DateOfBirth.Equal(dob) {
		t.Errorf("Expected date of birth %v, got %v", dob, got.DateOfBirth)
	}
	if !got.CreatedAt.Equal(created) || got.Ethnicity != models.EthnicityMixed {
		t.Errorf("fields not round-tripped: %v %v", got.CreatedAt, got.Ethnicity)
	}

	missing, err := s.GetReferral(ctx, "ref_missing")
	if err != nil || missing != nil {
		t.Errorf("Expected nil, nil for a missing referral, got %v, %v", missing, err)
	}

	if err := s.CreateReferral(ctx, newTestReferral("000000000001", models.StatusNew, created)); err == nil {
		t.Error("Expected an error for a duplicate UBRN")
	}
}

func TestSQLiteStore_SaveReferralsWritesEverything(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	r := newTestReferral("000000000002", models.StatusNew, now)
	if err := s.CreateReferral(ctx, r); err != nil {
		t.Fatalf("CreateReferral failed: %v", err)
	}

	r.Status = models.StatusTextMessage1
	r.ModifiedAt = now.Add(time.Minute)
	r.Audits = append(r.Audits, models.StatusAudit{ReferralID: r.ID, From: models.StatusNew, To: models.StatusTextMessage1, At: now})
	attempt := models.ContactAttempt{
		ID: "ca_1", ReferralID: r.ID, Kind: models.ContactKindTextMessage, Number: r.Mobile,
		LinkID: "abc123", ReferralStatus: models.StatusTextMessage1, CreatedAt: now,
	}
	if err := s.SaveReferrals(ctx, []*models.Referral{r}, []models.ContactAttempt{attempt}); err != nil {
		t.Fatalf("SaveReferrals failed: %v", err)
	}
	if len(r.Audits) != 0 {
		t.Error("pending audits should be cleared after commit")
	}

	got, err := s.GetReferral(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReferral failed: %v", err)
	}
	if got.Status != models.StatusTextMessage1 {
		t.Errorf("Expected TextMessage1, got %v", got.Status)
	}
	if len(got.Contacts) != 1 || got.Contacts[0].IsSent() || got.Contacts[0].LinkID != "abc123" {
		t.Errorf("unexpected contacts: %+v", got.Contacts)
	}

	audits, err := s.ListAudits(ctx, r.ID)
	if err != nil {
		t.Fatalf("ListAudits failed: %v", err)
	}
	if len(audits) != 1 || audits[0].To != models.StatusTextMessage1 {
		t.Errorf("unexpected audits: %+v", audits)
	}

	msgs, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != OutboxKindContactAttempt || msgs[0].DedupeKey != "ca_1" {
		t.Errorf("unexpected outbox rows: %+v", msgs)
	}
}

func TestSQLiteStore_SaveReferralsIsAtomic(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	r := newTestReferral("000000000003", models.StatusNew, now)
	if err := s.CreateReferral(ctx, r); err != nil {
		t.Fatalf("CreateReferral failed: %v", err)
	}
	r.Status = models.StatusTextMessage1
	ghost := newTestReferral("000000000004", models.StatusNew, now)
	ghost.ID = "ref_ghost"

	err := s.SaveReferrals(ctx, []*models.Referral{r, ghost}, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	got, _ := s.GetReferral(ctx, r.ID)
	if got.Status != models.StatusNew {
		t.Errorf("Expected rollback to keep New, got %v", got.Status)
	}
}

func TestSQLiteStore_SaveReferralsRejectsStaleCopy(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	r := newTestReferral("000000000006", models.StatusTextMessage1, now)
	if err := s.CreateReferral(ctx, r); err != nil {
		t.Fatalf("CreateReferral failed: %v", err)
	}
	first, _ := s.GetReferral(ctx, r.ID)
	second, _ := s.GetReferral(ctx, r.ID)

	first.Status = models.StatusRmcCall
	if err := s.SaveReferrals(ctx, []*models.Referral{first}, nil); err != nil {
		t.Fatalf("SaveReferrals failed: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("Expected version 1 after save, got %d", first.Version)
	}

	second.Status = models.StatusTextMessage2
	attempt := models.ContactAttempt{ID: "ca_stale", ReferralID: r.ID, Kind: models.ContactKindTextMessage, ReferralStatus: models.StatusTextMessage2}
	err := s.SaveReferrals(ctx, []*models.Referral{second}, []models.ContactAttempt{attempt})
	if !errors.Is(err, ErrReferralChanged) {
		t.Fatalf("Expected ErrReferralChanged, got %v", err)
	}
	if second.Version != 0 {
		t.Errorf("Expected failed save to keep version 0, got %d", second.Version)
	}

	got, _ := s.GetReferral(ctx, r.ID)
	if got.Status != models.StatusRmcCall || got.Version != 1 {
		t.Errorf("Expected RmcCall at version 1, got %s at %d", got.Status, got.Version)
	}
	if len(got.Contacts) != 0 {
		t.Errorf("Expected no attempt from the stale save, got %d", len(got.Contacts))
	}

	first.Status = models.StatusRmcDelayed
	if err := s.SaveReferrals(ctx, []*models.Referral{first}, nil); err != nil {
		t.Errorf("Expected the current copy to save again, got %v", err)
	}
}

func TestSQLiteStore_CandidatesAndNhsLookup(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	a := newTestReferral("A", models.StatusTextMessage1, base)
	a.NhsNumber = "4010232137"
	b := newTestReferral("B", models.StatusRmcCall, base.Add(time.Hour))
	b.NhsNumber = "4010232137"
	c := newTestReferral("C", models.StatusCancelledByEreferrals, base.Add(2*time.Hour))
	c.NhsNumber = "4010232137"
	for _, r := range []*models.Referral{a, b, c} {
		if err := s.CreateReferral(ctx, r); err != nil {
			t.Fatalf("CreateReferral failed: %v", err)
		}
	}

	active, err := s.ListActiveReferralsByNhsNumber(ctx, "4010232137")
	if err != nil {
		t.Fatalf("ListActiveReferralsByNhsNumber failed: %v", err)
	}
	if len(active) != 2 || active[0].Ubrn != "A" || active[1].Ubrn != "B" {
		t.Errorf("Expected A then B, got %d rows", len(active))
	}

	cands, err := s.ListContactCandidates(ctx, []models.Status{models.StatusTextMessage1, models.StatusNew}, "")
	if err != nil {
		t.Fatalf("ListContactCandidates failed: %v", err)
	}
	if len(cands) != 1 || cands[0].Ubrn != "A" {
		t.Errorf("Expected only A, got %d", len(cands))
	}

	one, err := s.ListContactCandidates(ctx, nil, b.ID)
	if err != nil {
		t.Fatalf("ListContactCandidates by id failed: %v", err)
	}
	if len(one) != 1 || one[0].ID != b.ID {
		t.Errorf("Expected referral B, got %d rows", len(one))
	}
}

func TestSQLiteStore_ContactOutcomeRecordedOnce(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	r := newTestReferral("000000000005", models.StatusNew, now)
	if err := s.CreateReferral(ctx, r); err != nil {
		t.Fatalf("CreateReferral failed: %v", err)
	}
	r.Status = models.StatusTextMessage1
	attempt := models.ContactAttempt{ID: "ca_2", ReferralID: r.ID, Kind: models.ContactKindTextMessage, ReferralStatus: r.Status}
	if err := s.SaveReferrals(ctx, []*models.Referral{r}, []models.ContactAttempt{attempt}); err != nil {
		t.Fatalf("SaveReferrals failed: %v", err)
	}

	if err := s.MarkContactAttemptSent(ctx, "ca_2", "SM123", now); err != nil {
		t.Fatalf("MarkContactAttemptSent failed: %v", err)
	}
	found, err := s.FindContactAttemptByProviderRef(ctx, "SM123")
	if err != nil || found == nil {
		t.Fatalf("FindContactAttemptByProviderRef failed: %v", err)
	}
	if !found.IsSent() || found.ID != "ca_2" {
		t.Errorf("unexpected attempt: %+v", found)
	}

	written, err := s.RecordContactOutcome(ctx, "ca_2", models.OutcomeDelivered, now)
	if err != nil || !written {
		t.Fatalf("first RecordContactOutcome: written=%v err=%v", written, err)
	}
	written, err = s.RecordContactOutcome(ctx, "ca_2", models.OutcomeFailed, now)
	if err != nil || written {
		t.Fatalf("second RecordContactOutcome: written=%v err=%v", written, err)
	}
	got, _ := s.GetContactAttempt(ctx, "ca_2")
	if got.Outcome != models.OutcomeDelivered {
		t.Errorf("Expected outcome to stay delivered, got %v", got.Outcome)
	}
}

func TestSQLiteStore_TriageParameters(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	params := []models.TriageParameter{
		{Section: models.TriageSectionSexWeight, Key: "Male", Value: 1, CheckSum: 3},
		{Section: models.TriageSectionSexWeight, Key: "Female", Value: 2, CheckSum: 3},
	}
	if err := s.SeedTriageParameters(ctx, params); err != nil {
		t.Fatalf("SeedTriageParameters failed: %v", err)
	}
	if err := s.SeedTriageParameters(ctx, params[:1]); err != nil {
		t.Fatalf("second SeedTriageParameters failed: %v", err)
	}
	got, err := s.ListTriageParameters(ctx)
	if err != nil {
		t.Fatalf("ListTriageParameters failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Expected 2 rows, got %d", len(got))
	}
}

func TestSQLiteStore_LeaseFailsFastWhileHeld(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

	lease, err := s.AcquireLease(ctx, "ContactSchedulingRun", "holder-a", 10*time.Minute, now)
	if err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	_, err = s.AcquireLease(ctx, "ContactSchedulingRun", "holder-b", 10*time.Minute, now.Add(time.Minute))
	var are *runlock.AlreadyRunningError
	if !errors.As(err, &are) {
		t.Fatalf("Expected *AlreadyRunningError, got %v", err)
	}
	if !are.RetryAfter.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("Expected retry at %v, got %v", now.Add(10*time.Minute), are.RetryAfter)
	}

	// An expired lease can be taken over.
	if _, err := s.AcquireLease(ctx, "ContactSchedulingRun", "holder-c", time.Minute, now.Add(11*time.Minute)); err != nil {
		t.Fatalf("takeover after expiry failed: %v", err)
	}
	if err := s.ReleaseLease(ctx, lease, now); !errors.Is(err, runlock.ErrNotHeld) {
		t.Errorf("Expected ErrNotHeld for a superseded holder, got %v", err)
	}
}

func TestSQLiteStore_ReleaseRecordsLastRun(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

	lease, err := s.AcquireLease(ctx, "job", "h", time.Hour, now)
	if err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	if err := s.ReleaseLease(ctx, lease, now.Add(time.Minute)); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	got, err := s.GetLease(ctx, "job")
	if err != nil {
		t.Fatalf("GetLease failed: %v", err)
	}
	if got.Holder != "" || !got.LastRunAt.Equal(now.Add(time.Minute)) || got.Version != 2 {
		t.Errorf("unexpected lease after release: %+v", got)
	}
	if _, err := s.AcquireLease(ctx, "job", "h2", time.Hour, now.Add(2*time.Minute)); err != nil {
		t.Errorf("re-acquire after release failed: %v", err)
	}
}

func TestSQLiteStore_GetUnusedLinkIDBatch(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := s.GetUnusedLinkIDBatch(ctx, 5, 12)
	if err != nil {
		t.Fatalf("GetUnusedLinkIDBatch failed: %v", err)
	}
	second, err := s.GetUnusedLinkIDBatch(ctx, 5, 12)
	if err != nil {
		t.Fatalf("second GetUnusedLinkIDBatch failed: %v", err)
	}
	seen := map[string]bool{}
	for _, id := range append(first, second...) {
		if len(id) != 12 {
			t.Errorf("Expected length 12, got %q", id)
		}
		if seen[id] {
			t.Errorf("link id %q handed out twice", id)
		}
		seen[id] = true
	}
}

func TestSQLiteStore_LinkIDAllocationGuarded(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	if _, err := s.AcquireLease(ctx, LinkIDAllocationLock, "other", time.Hour, time.Now()); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	if _, err := s.GetUnusedLinkIDBatch(ctx, 1, 8); !errors.Is(err, runlock.ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
}

func TestPostgresStore(t *testing.T) {
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	ctx := context.Background()

	r := newTestReferral("pg-"+time.Now().Format("150405.000000"), models.StatusNew, time.Now().UTC())
	if err := pgStore.CreateReferral(ctx, r); err != nil {
		t.Fatalf("CreateReferral failed: %v", err)
	}
	defer pgStore.db.Exec("DELETE FROM referrals WHERE id = $1", r.ID)

	got, err := pgStore.GetReferral(ctx, r.ID)
	if err != nil || got == nil {
		t.Fatalf("GetReferral failed: %v", err)
	}
	if got.Ubrn != r.Ubrn {
		t.Errorf("Expected UBRN %s, got %s", r.Ubrn, got.Ubrn)
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

// Package referrals handles intake of new referrals: phone number checks,
// triage and duplicate UBRN detection.
package referrals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nyaruka/phonenumbers"

	"github.com/BTreeMap/ReferralPipe/internal/models"
	"github.com/BTreeMap/ReferralPipe/internal/trace"
	"github.com/BTreeMap/ReferralPipe/internal/triage"
)

const defaultRegion = "GB"

// ErrDuplicateUbrn is returned when a referral with the same UBRN exists.
var ErrDuplicateUbrn = errors.New("referral with this ubrn already exists")

// Input is a referral as received from e-Referrals or the self-referral form.
type Input struct {
	Ubrn              string             `json:"ubrn" validate:"required,len=12,numeric"`
	NhsNumber         string             `json:"nhs_number" validate:"omitempty,nhsnumber"`
	GpPracticeOdsCode string             `json:"gp_practice_ods_code" validate:"omitempty,gppracticecode"`
	GpPracticeName    string             `json:"gp_practice_name"`
	GivenName         string             `json:"given_name"`
	FamilyName        string             `json:"family_name"`
	Mobile            string             `json:"mobile"`
	Telephone         string             `json:"telephone"`
	Email             string             `json:"email" validate:"omitempty,email"`
	DateOfBirth       *time.Time         `json:"date_of_birth"`
	Sex               models.Sex         `json:"sex" validate:"omitempty,oneof=Male Female"`
	Ethnicity         models.Ethnicity   `json:"ethnicity" validate:"omitempty,oneof=White Mixed Asian Black Other"`
	Deprivation       models.Deprivation `json:"deprivation" validate:"omitempty,oneof=IMD1 IMD2 IMD3 IMD4 IMD5"`
	IsSelfReferral    bool               `json:"is_self_referral"`
	DateOfReferral    time.Time          `json:"date_of_referral"`
}

// ValidationError names the field of an Input that failed validation.
type ValidationError struct {
	Ubrn  string
	Field string
	Value string
	Rule  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("referral %q: field %s value %q fails %s", e.Ubrn, e.Field, e.Value, e.Rule)
}

// Repo is the persistence intake needs.
type Repo interface {
	CreateReferral(ctx context.Context, r *models.Referral) error
	GetReferralByUbrn(ctx context.Context, ubrn string) (*models.Referral, error)
}

// Service creates referrals.
type Service struct {
	repo     Repo
	scorer   *triage.Scorer
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates a Service.
func NewService(repo Repo, scorer *triage.Scorer) *Service {
	return &Service{repo: repo, scorer: scorer, validate: trace.NewValidator(), now: time.Now}
}

// Create validates in, classifies its phone numbers, triages it and stores it
// as a New referral.
func (s *Service) Create(ctx context.Context, in Input) (*models.Referral, error) {
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, &ValidationError{Ubrn: in.Ubrn, Field: fe.Field(), Value: fmt.Sprint(fe.Value()), Rule: fe.Tag()}
		}
		return nil, fmt.Errorf("failed to validate referral: %w", err)
	}

	existing, err := s.repo.GetReferralByUbrn(ctx, in.Ubrn)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateUbrn, in.Ubrn)
	}

	now := s.now().UTC()
	r := &models.Referral{
		Ubrn:              in.Ubrn,
		NhsNumber:         in.NhsNumber,
		GpPracticeOdsCode: in.GpPracticeOdsCode,
		GpPracticeName:    in.GpPracticeName,
		GivenName:         in.GivenName,
		FamilyName:        in.FamilyName,
		Email:             strings.TrimSpace(in.Email),
		DateOfBirth:       in.DateOfBirth,
		Sex:               in.Sex,
		Ethnicity:         in.Ethnicity,
		Deprivation:       in.Deprivation,
		IsSelfReferral:    in.IsSelfReferral,
		DateOfReferral:    in.DateOfReferral,
		Status:            models.StatusNew,
		CreatedAt:         now,
		ModifiedAt:        now,
	}
	if r.DateOfReferral.IsZero() {
		r.DateOfReferral = now
	}
	ClassifyPhones(r, in.Mobile, in.Telephone)

	completion, weight, err := s.scorer.Score(triage.InputFor(r, now))
	switch {
	case err == nil:
		r.TriagedCompletionLevel, r.TriagedWeightedLevel = completion, weight
	case errors.Is(err, triage.ErrInvalidArgument):
		slog.Info("Service.Create: referral not triaged", "ubrn", r.Ubrn, "reason", err)
	default:
		return nil, err
	}

	if err := s.repo.CreateReferral(ctx, r); err != nil {
		return nil, err
	}
	slog.Info("Service.Create: referral created", "id", r.ID, "ubrn", r.Ubrn,
		"mobileValid", r.IsMobileValid, "telephoneValid", r.IsTelephoneValid,
		"completion", r.TriagedCompletionLevel, "weight", r.TriagedWeightedLevel)
	return r, nil
}

// ClassifyPhones normalises mobile and telephone to E.164 and sets their
// validity flags. A mobile number supplied as the telephone is moved to the
// mobile slot when that is empty or invalid.
func ClassifyPhones(r *models.Referral, mobile, telephone string) {
	mob, mobOK, mobIsMobile := parsePhone(mobile)
	tel, telOK, telIsMobile := parsePhone(telephone)

	if (!mobOK || !mobIsMobile) && telOK && telIsMobile {
		mob, mobOK, mobIsMobile, tel, telOK, telIsMobile = tel, telOK, telIsMobile, mob, mobOK, mobIsMobile
	}

	r.Mobile = mob
	r.IsMobileValid = mobOK && mobIsMobile
	r.Telephone = tel
	r.IsTelephoneValid = telOK
}

// parsePhone returns the E.164 form of raw when it is a valid UK reachable
// number, or the trimmed input otherwise.
func parsePhone(raw string) (normalised string, valid, mobile bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false, false
	}
	num, err := phonenumbers.Parse(trimmed, defaultRegion)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return trimmed, false, false
	}
	switch phonenumbers.GetNumberType(num) {
	case phonenumbers.MOBILE:
		mobile = true
	case phonenumbers.FIXED_LINE, phonenumbers.FIXED_LINE_OR_MOBILE, phonenumbers.VOIP, phonenumbers.UAN:
	default:
		return phonenumbers.Format(num, phonenumbers.E164), false, false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true, mobile
}

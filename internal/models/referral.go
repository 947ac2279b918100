// Package models defines the core data structures for ReferralPipe.
//
// It includes referrals, their contact attempts, triage reference data and the
// audit trail, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Error variables for better error handling and testability
var (
	ErrInvalidStatus      = errors.New("invalid referral status")
	ErrInvalidSex         = errors.New("invalid sex")
	ErrInvalidEthnicity   = errors.New("invalid ethnicity")
	ErrInvalidDeprivation = errors.New("invalid deprivation band")
	ErrEmptyUbrn          = errors.New("ubrn cannot be empty")
)

// Sex is the service user's recorded sex.
type Sex string

const (
	SexMale   Sex = "Male"
	SexFemale Sex = "Female"
)

// IsValid checks if the sex is one of the recorded values.
func (s Sex) IsValid() bool {
	return s == SexMale || s == SexFemale
}

// Ethnicity is the triage ethnicity group of the service user.
type Ethnicity string

const (
	EthnicityWhite Ethnicity = "White"
	EthnicityMixed Ethnicity = "Mixed"
	EthnicityAsian Ethnicity = "Asian"
	EthnicityBlack Ethnicity = "Black"
	EthnicityOther Ethnicity = "Other"
)

// IsValid checks if the ethnicity group is supported.
func (e Ethnicity) IsValid() bool {
	switch e {
	case EthnicityWhite, EthnicityMixed, EthnicityAsian, EthnicityBlack, EthnicityOther:
		return true
	default:
		return false
	}
}

// Deprivation is the index of multiple deprivation quintile, IMD1 being the most deprived.
type Deprivation string

const (
	DeprivationIMD1 Deprivation = "IMD1"
	DeprivationIMD2 Deprivation = "IMD2"
	DeprivationIMD3 Deprivation = "IMD3"
	DeprivationIMD4 Deprivation = "IMD4"
	DeprivationIMD5 Deprivation = "IMD5"
)

// IsValid checks if the deprivation band is supported.
func (d Deprivation) IsValid() bool {
	switch d {
	case DeprivationIMD1, DeprivationIMD2, DeprivationIMD3, DeprivationIMD4, DeprivationIMD5:
		return true
	default:
		return false
	}
}

// TriageLevel is the intervention intensity a referral is triaged into.
type TriageLevel string

const (
	TriageLevelNone   TriageLevel = ""
	TriageLevelLow    TriageLevel = "Low"
	TriageLevelMedium TriageLevel = "Medium"
	TriageLevelHigh   TriageLevel = "High"
)

// Referral is the aggregate root of the lifecycle engine.
type Referral struct {
	ID                     string      `json:"id"`
	Ubrn                   string      `json:"ubrn"`
	NhsNumber              string      `json:"nhs_number,omitempty"`
	GpPracticeOdsCode      string      `json:"gp_practice_ods_code,omitempty"`
	GpPracticeName         string      `json:"gp_practice_name,omitempty"`
	GivenName              string      `json:"given_name,omitempty"`
	FamilyName             string      `json:"family_name,omitempty"`
	Mobile                 string      `json:"mobile,omitempty"`
	IsMobileValid          bool        `json:"is_mobile_valid"`
	Telephone              string      `json:"telephone,omitempty"`
	IsTelephoneValid       bool        `json:"is_telephone_valid"`
	Email                  string      `json:"email,omitempty"`
	Status                 Status      `json:"status"`
	StatusReason           string      `json:"status_reason,omitempty"`
	TraceCount             int         `json:"trace_count"`
	LastTraceDate          *time.Time  `json:"last_trace_date,omitempty"`
	DateOfBirth            *time.Time  `json:"date_of_birth,omitempty"`
	Sex                    Sex         `json:"sex,omitempty"`
	Ethnicity              Ethnicity   `json:"ethnicity,omitempty"`
	Deprivation            Deprivation `json:"deprivation,omitempty"`
	TriagedCompletionLevel TriageLevel `json:"triaged_completion_level,omitempty"`
	TriagedWeightedLevel   TriageLevel `json:"triaged_weighted_level,omitempty"`
	ProviderID             string      `json:"provider_id,omitempty"`
	IsSelfReferral         bool        `json:"is_self_referral"`
	DateOfReferral         time.Time   `json:"date_of_referral"`
	DateToDelayUntil       *time.Time  `json:"date_to_delay_until,omitempty"`
	CreatedAt              time.Time   `json:"created_at"`
	ModifiedAt             time.Time   `json:"modified_at"`
	ModifiedByUserID       string      `json:"modified_by_user_id,omitempty"`
	Version                int64       `json:"version"`

	// Contacts is the loaded contact history, oldest first.
	Contacts []ContactAttempt `json:"contacts,omitempty"`
	// Audits holds status audit records not yet persisted.
	Audits []StatusAudit `json:"-"`
}

// StatusAudit records a single successful status transition.
type StatusAudit struct {
	ReferralID string    `json:"referral_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	At         time.Time `json:"at"`
}

// CreatedBefore reports whether r was created before other. Creation order
// decides which of two duplicate referrals survives; the UBRN breaks ties.
func (r *Referral) CreatedBefore(other *Referral) bool {
	a, b := r.creationTime(), other.creationTime()
	if !a.Equal(b) {
		return a.Before(b)
	}
	return r.Ubrn < other.Ubrn
}

func (r *Referral) creationTime() time.Time {
	if !r.CreatedAt.IsZero() {
		return r.CreatedAt
	}
	return r.DateOfReferral
}

// CanReceiveText reports whether a text message can be sent to the referral.
func (r *Referral) CanReceiveText() bool {
	return r.Mobile != "" && r.IsMobileValid
}

// CallableNumber returns the number an automated call should use, preferring
// the landline. Returns empty string if neither number is valid.
func (r *Referral) CallableNumber() string {
	if r.Telephone != "" && r.IsTelephoneValid {
		return r.Telephone
	}
	if r.CanReceiveText() {
		return r.Mobile
	}
	return ""
}

// AgeAt returns the age in whole years at the given time, or -1 if the date of
// birth is unknown.
func (r *Referral) AgeAt(at time.Time) int {
	if r.DateOfBirth == nil {
		return -1
	}
	dob := r.DateOfBirth.UTC()
	at = at.UTC()
	age := at.Year() - dob.Year()
	if at.Month() < dob.Month() || (at.Month() == dob.Month() && at.Day() < dob.Day()) {
		age--
	}
	return age
}

// TakeAudits returns and clears the pending audit records.
func (r *Referral) TakeAudits() []StatusAudit {
	audits := r.Audits
	r.Audits = nil
	return audits
}

// Validate checks the fields required before a referral can be stored.
func (r *Referral) Validate() error {
	if r.Ubrn == "" {
		return ErrEmptyUbrn
	}
	if !r.Status.IsValid() {
		return ErrInvalidStatus
	}
	if r.Sex != "" && !r.Sex.IsValid() {
		return ErrInvalidSex
	}
	if r.Ethnicity != "" && !r.Ethnicity.IsValid() {
		return ErrInvalidEthnicity
	}
	if r.Deprivation != "" && !r.Deprivation.IsValid() {
		return ErrInvalidDeprivation
	}
	return nil
}

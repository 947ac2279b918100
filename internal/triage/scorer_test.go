package triage

import (
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ReferralPipe/internal/models"
)

func newDefaultScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(DefaultParameters())
	if err != nil {
		t.Fatalf("NewScorer failed: %v", err)
	}
	return s
}

func TestScoreLevels(t *testing.T) {
	s := newDefaultScorer(t)
	tests := []struct {
		name       string
		in         Input
		completion models.TriageLevel
		weight     models.TriageLevel
	}{
		{"young deprived", Input{Age: 20, Sex: models.SexMale, Ethnicity: models.EthnicityAsian, Deprivation: models.DeprivationIMD1},
			models.TriageLevelHigh, models.TriageLevelMedium},
		{"older affluent", Input{Age: 60, Sex: models.SexFemale, Ethnicity: models.EthnicityWhite, Deprivation: models.DeprivationIMD5},
			models.TriageLevelLow, models.TriageLevelMedium},
		{"middle aged", Input{AgeGroup: AgeGroup45To54, Sex: models.SexFemale, Ethnicity: models.EthnicityBlack, Deprivation: models.DeprivationIMD2},
			models.TriageLevelMedium, models.TriageLevelHigh},
		{"scores disagree", Input{Age: 58, Sex: models.SexFemale, Ethnicity: models.EthnicityAsian, Deprivation: models.DeprivationIMD4},
			models.TriageLevelLow, models.TriageLevelHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w, err := s.Score(tt.in)
			if err != nil {
				t.Fatalf("Score failed: %v", err)
			}
			if c != tt.completion || w != tt.weight {
				t.Errorf("Expected %s/%s, got %s/%s", tt.completion, tt.weight, c, w)
			}
		})
	}
}

func TestScoreRejectsMissingInput(t *testing.T) {
	s := newDefaultScorer(t)
	valid := Input{Age: 30, Sex: models.SexMale, Ethnicity: models.EthnicityOther, Deprivation: models.DeprivationIMD3}
	cases := map[string]func(in *Input){
		"no age":         func(in *Input) { in.Age = -1 },
		"under 18":       func(in *Input) { in.Age = 17 },
		"no sex":         func(in *Input) { in.Sex = "" },
		"bad ethnicity":  func(in *Input) { in.Ethnicity = "Martian" },
		"no deprivation": func(in *Input) { in.Deprivation = "" },
		"bad age group":  func(in *Input) { in.AgeGroup = "0-17" },
	}
	for name, mutate := range cases {
		in := valid
		mutate(&in)
		if _, _, err := s.Score(in); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%s: expected ErrInvalidArgument, got %v", name, err)
		}
	}
}

func TestNewScorerChecksumMismatch(t *testing.T) {
	params := DefaultParameters()
	for i := range params {
		if params[i].Section == models.TriageSectionEthnicityWeight && params[i].Key == string(models.EthnicityMixed) {
			params[i].Value++
		}
	}
	_, err := NewScorer(params)
	var ce *ChecksumError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected *ChecksumError, got %v", err)
	}
	if ce.Section != models.TriageSectionEthnicityWeight || ce.Sum != 10 || ce.CheckSum != 9 {
		t.Errorf("unexpected error fields: %+v", ce)
	}
}

func TestNewScorerMissingSection(t *testing.T) {
	var params []models.TriageParameter
	for _, p := range DefaultParameters() {
		if p.Section != models.TriageSectionSexWeight {
			params = append(params, p)
		}
	}
	var me *MissingSectionError
	if _, err := NewScorer(params); !errors.As(err, &me) {
		t.Fatalf("Expected *MissingSectionError, got %v", err)
	}
}

func TestAgeGroupBoundaries(t *testing.T) {
	cases := map[int]string{18: AgeGroup18To24, 24: AgeGroup18To24, 25: AgeGroup25To34, 64: AgeGroup55To64, 65: AgeGroup65Plus, 99: AgeGroup65Plus}
	for age, want := range cases {
		got, ok := AgeGroupFor(age)
		if !ok || got != want {
			t.Errorf("AgeGroupFor(%d): expected %s, got %s (%v)", age, want, got, ok)
		}
	}
	if _, ok := AgeGroupFor(17); ok {
		t.Error("17 should not have an age group")
	}
}

func TestInputFor(t *testing.T) {
	dob := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &models.Referral{DateOfBirth: &dob, Sex: models.SexFemale}
	in := InputFor(r, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	if in.Age != 34 || in.Sex != models.SexFemale {
		t.Errorf("unexpected input: %+v", in)
	}
}

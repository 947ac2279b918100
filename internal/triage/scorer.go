// Package triage classifies referrals into intervention tiers from their
// demographics using a reference table of weights.
package triage

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReferralPipe/internal/models"
)

// Cut lines shared by both scores.
const (
	LowCeiling    = 4
	MediumCeiling = 8
)

// Input holds the demographics a referral is scored on. AgeGroup wins over Age
// when both are set; an Age below zero means unknown.
type Input struct {
	Age         int
	AgeGroup    string
	Sex         models.Sex
	Ethnicity   models.Ethnicity
	Deprivation models.Deprivation
}

// InputFor builds the scoring input for a referral at the given time.
func InputFor(r *models.Referral, at time.Time) Input {
	return Input{Age: r.AgeAt(at), Sex: r.Sex, Ethnicity: r.Ethnicity, Deprivation: r.Deprivation}
}

type lookup map[models.TriageSection]map[string]int

// Scorer computes completion and weight levels from a validated reference table.
type Scorer struct {
	table lookup
}

// NewScorer validates params and returns a Scorer. Every section must be
// present and its values must add up to the checksum carried by each row.
func NewScorer(params []models.TriageParameter) (*Scorer, error) {
	table := make(lookup)
	sums := make(map[models.TriageSection]int)
	checks := make(map[models.TriageSection]int)

	for _, p := range params {
		if table[p.Section] == nil {
			table[p.Section] = make(map[string]int)
			checks[p.Section] = p.CheckSum
		}
		if checks[p.Section] != p.CheckSum {
			return nil, &ChecksumError{Section: p.Section, Sum: -1, CheckSum: -1}
		}
		table[p.Section][p.Key] = p.Value
		sums[p.Section] += p.Value
	}

	for _, s := range models.TriageSections() {
		if _, ok := table[s]; !ok {
			return nil, &MissingSectionError{Section: s}
		}
		if sums[s] != checks[s] {
			return nil, &ChecksumError{Section: s, Sum: sums[s], CheckSum: checks[s]}
		}
	}
	slog.Debug("NewScorer: reference table validated", "rows", len(params))
	return &Scorer{table: table}, nil
}

// Score returns the completion and weight levels for in. The two levels are
// computed independently and may disagree.
func (s *Scorer) Score(in Input) (completion, weight models.TriageLevel, err error) {
	ageGroup := in.AgeGroup
	if ageGroup == "" {
		if in.Age < 0 {
			return "", "", fmt.Errorf("%w: age or age group is required", ErrInvalidArgument)
		}
		group, ok := AgeGroupFor(in.Age)
		if !ok {
			return "", "", fmt.Errorf("%w: age %d is below the programme minimum", ErrInvalidArgument, in.Age)
		}
		ageGroup = group
	}

	dims := []struct {
		completion, weight models.TriageSection
		key                string
	}{
		{models.TriageSectionAgeGroupCompletion, models.TriageSectionAgeGroupWeight, ageGroup},
		{models.TriageSectionSexCompletion, models.TriageSectionSexWeight, string(in.Sex)},
		{models.TriageSectionEthnicityCompletion, models.TriageSectionEthnicityWeight, string(in.Ethnicity)},
		{models.TriageSectionDeprivationCompletion, models.TriageSectionDeprivationWeight, string(in.Deprivation)},
	}

	var completionTotal, weightTotal int
	for _, d := range dims {
		c, ok := s.table[d.completion][d.key]
		if !ok {
			return "", "", fmt.Errorf("%w: %s %q", ErrInvalidArgument, d.completion, d.key)
		}
		w, ok := s.table[d.weight][d.key]
		if !ok {
			return "", "", fmt.Errorf("%w: %s %q", ErrInvalidArgument, d.weight, d.key)
		}
		completionTotal += c
		weightTotal += w
	}

	return level(completionTotal), level(weightTotal), nil
}

func level(total int) models.TriageLevel {
	switch {
	case total <= LowCeiling:
		return models.TriageLevelLow
	case total <= MediumCeiling:
		return models.TriageLevelMedium
	default:
		return models.TriageLevelHigh
	}
}

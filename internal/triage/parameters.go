package triage

import "github.com/BTreeMap/ReferralPipe/internal/models"

// Age group keys used by the AgeGroup sections.
const (
	AgeGroup18To24 = "18-24"
	AgeGroup25To34 = "25-34"
	AgeGroup35To44 = "35-44"
	AgeGroup45To54 = "45-54"
	AgeGroup55To64 = "55-64"
	AgeGroup65Plus = "65+"
)

// AgeGroups lists the age buckets in ascending order.
func AgeGroups() []string {
	return []string{AgeGroup18To24, AgeGroup25To34, AgeGroup35To44, AgeGroup45To54, AgeGroup55To64, AgeGroup65Plus}
}

// AgeGroupFor returns the bucket an age falls into. ok is false under 18.
func AgeGroupFor(age int) (string, bool) {
	switch {
	case age < 18:
		return "", false
	case age <= 24:
		return AgeGroup18To24, true
	case age <= 34:
		return AgeGroup25To34, true
	case age <= 44:
		return AgeGroup35To44, true
	case age <= 54:
		return AgeGroup45To54, true
	case age <= 64:
		return AgeGroup55To64, true
	default:
		return AgeGroup65Plus, true
	}
}

// section builds the rows of one section and stamps each with the section sum.
func section(s models.TriageSection, keys []string, values ...int) []models.TriageParameter {
	sum := 0
	for _, v := range values {
		sum += v
	}
	rows := make([]models.TriageParameter, len(keys))
	for i, k := range keys {
		rows[i] = models.TriageParameter{Section: s, Key: k, Value: values[i], CheckSum: sum}
	}
	return rows
}

// DefaultParameters returns the reference table seeded into a new store.
func DefaultParameters() []models.TriageParameter {
	sexes := []string{string(models.SexMale), string(models.SexFemale)}
	ethnicities := []string{
		string(models.EthnicityWhite), string(models.EthnicityMixed), string(models.EthnicityAsian),
		string(models.EthnicityBlack), string(models.EthnicityOther),
	}
	deprivations := []string{
		string(models.DeprivationIMD1), string(models.DeprivationIMD2), string(models.DeprivationIMD3),
		string(models.DeprivationIMD4), string(models.DeprivationIMD5),
	}

	var out []models.TriageParameter
	out = append(out, section(models.TriageSectionAgeGroupCompletion, AgeGroups(), 4, 3, 2, 1, 0, 1)...)
	out = append(out, section(models.TriageSectionAgeGroupWeight, AgeGroups(), 0, 1, 2, 3, 3, 2)...)
	out = append(out, section(models.TriageSectionSexCompletion, sexes, 2, 0)...)
	out = append(out, section(models.TriageSectionSexWeight, sexes, 1, 2)...)
	out = append(out, section(models.TriageSectionEthnicityCompletion, ethnicities, 0, 2, 3, 3, 2)...)
	out = append(out, section(models.TriageSectionEthnicityWeight, ethnicities, 1, 2, 3, 2, 1)...)
	out = append(out, section(models.TriageSectionDeprivationCompletion, deprivations, 4, 3, 2, 1, 0)...)
	out = append(out, section(models.TriageSectionDeprivationWeight, deprivations, 4, 3, 2, 1, 0)...)
	return out
}

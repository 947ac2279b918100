package models

// TriageSection groups the reference rows that make up one scoring dimension
// of one score.
type TriageSection string

const (
	TriageSectionAgeGroupCompletion    TriageSection = "AgeGroupCompletion"
	TriageSectionAgeGroupWeight        TriageSection = "AgeGroupWeight"
	TriageSectionSexCompletion         TriageSection = "SexCompletion"
	TriageSectionSexWeight             TriageSection = "SexWeight"
	TriageSectionEthnicityCompletion   TriageSection = "EthnicityCompletion"
	TriageSectionEthnicityWeight       TriageSection = "EthnicityWeight"
	TriageSectionDeprivationCompletion TriageSection = "DeprivationCompletion"
	TriageSectionDeprivationWeight     TriageSection = "DeprivationWeight"
)

// TriageSections lists every section a complete reference table must carry.
func TriageSections() []TriageSection {
	return []TriageSection{
		TriageSectionAgeGroupCompletion, TriageSectionAgeGroupWeight,
		TriageSectionSexCompletion, TriageSectionSexWeight,
		TriageSectionEthnicityCompletion, TriageSectionEthnicityWeight,
		TriageSectionDeprivationCompletion, TriageSectionDeprivationWeight,
	}
}

// TriageParameter is a single reference row: the weight contributed by Key
// within Section, and the section checksum every row repeats.
type TriageParameter struct {
	Section  TriageSection `json:"section"`
	Key      string        `json:"key"`
	Value    int           `json:"value"`
	CheckSum int           `json:"check_sum"`
}

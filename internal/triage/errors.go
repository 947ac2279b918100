package triage

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/ReferralPipe/internal/models"
)

// ErrInvalidArgument is returned when a scoring input is missing or unknown.
var ErrInvalidArgument = errors.New("invalid triage argument")

// ChecksumError reports a reference table section whose values do not add up
// to the checksum recorded on its rows. It is a configuration fault and the
// process should not start with it.
type ChecksumError struct {
	Section  models.TriageSection
	Sum      int
	CheckSum int
}

func (e *ChecksumError) Error() string {
	if e.CheckSum < 0 {
		return fmt.Sprintf("triage section %s: rows disagree on checksum", e.Section)
	}
	return fmt.Sprintf("triage section %s: values sum to %d, checksum is %d", e.Section, e.Sum, e.CheckSum)
}

// MissingSectionError reports a reference table without any rows for a section.
type MissingSectionError struct {
	Section models.TriageSection
}

func (e *MissingSectionError) Error() string {
	return fmt.Sprintf("triage section %s has no rows", e.Section)
}

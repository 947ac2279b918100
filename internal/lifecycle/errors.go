package lifecycle

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/ReferralPipe/internal/models"
)

// ErrStatusChange matches every *StatusChangeError with errors.Is.
var ErrStatusChange = errors.New("illegal status change")

// StatusChangeError is returned when an event is not allowed from the
// referral's current status. Callers surface it; retrying cannot succeed.
type StatusChangeError struct {
	ReferralID string
	Event      EventKind
	Current    models.Status
	Attempted  models.Status
	Detail     string
}

func (e *StatusChangeError) Error() string {
	msg := fmt.Sprintf("referral %s: cannot change status from %s to %s (%s)",
		e.ReferralID, e.Current, e.Attempted, e.Event)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is reports whether target is ErrStatusChange.
func (e *StatusChangeError) Is(target error) bool {
	return target == ErrStatusChange
}

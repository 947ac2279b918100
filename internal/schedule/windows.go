// Package schedule decides when a referral is due for its next contact and
// runs the batch pass that creates those contacts.
package schedule

import "time"

// Default timing windows.
const (
	DefaultMinHoursBeforeNextStage               = 48 * time.Hour
	DefaultMinHoursBeforeTextMessage3            = 48 * time.Hour
	DefaultMaxDaysSinceInitialContactForMessage3 = 35 * 24 * time.Hour
)

// Windows holds the timing gates used by the Evaluator.
type Windows struct {
	// MinHoursBeforeNextStage is the gap required after a TextMessage1 or
	// TextMessage2 send before the next stage.
	MinHoursBeforeNextStage time.Duration
	// MinHoursBeforeTextMessage3 is the gap required after the most recent
	// send before TextMessage3.
	MinHoursBeforeTextMessage3 time.Duration
	// MaxDaysSinceInitialContactForMessage3 is measured from the first
	// TextMessage1 send. Past it a referral is escalated instead.
	MaxDaysSinceInitialContactForMessage3 time.Duration
}

// DefaultWindows returns the standard timing windows.
func DefaultWindows() Windows {
	return Windows{
		MinHoursBeforeNextStage:               DefaultMinHoursBeforeNextStage,
		MinHoursBeforeTextMessage3:            DefaultMinHoursBeforeTextMessage3,
		MaxDaysSinceInitialContactForMessage3: DefaultMaxDaysSinceInitialContactForMessage3,
	}
}

// withDefaults replaces unset windows with their defaults.
func (w Windows) withDefaults() Windows {
	d := DefaultWindows()
	if w.MinHoursBeforeNextStage <= 0 {
		w.MinHoursBeforeNextStage = d.MinHoursBeforeNextStage
	}
	if w.MinHoursBeforeTextMessage3 <= 0 {
		w.MinHoursBeforeTextMessage3 = d.MinHoursBeforeTextMessage3
	}
	if w.MaxDaysSinceInitialContactForMessage3 <= 0 {
		w.MaxDaysSinceInitialContactForMessage3 = d.MaxDaysSinceInitialContactForMessage3
	}
	return w
}

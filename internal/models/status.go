package models

import (
	"database/sql/driver"
	"fmt"
)

// Status is the lifecycle status of a referral. It is a closed enumeration:
// every value is declared below and persisted by name.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusNew
	StatusTextMessage1
	StatusTextMessage2
	StatusTextMessage3
	StatusChatBotCall1
	StatusChatBotCall2
	StatusChatBotTransfer
	StatusRmcCall
	StatusRmcDelayed
	StatusLetter
	StatusLetterSent
	StatusProviderAwaitingTrace
	StatusProviderAwaitingStart
	StatusProviderAccepted
	StatusProviderContactedServiceUser
	StatusProviderStarted
	StatusProviderRejected
	StatusProviderRejectedTextMessage
	StatusProviderDeclinedByServiceUser
	StatusProviderDeclinedTextMessage
	StatusProviderTerminated
	StatusProviderTerminatedTextMessage
	StatusProviderCompleted
	StatusComplete
	StatusFailedToContact
	StatusFailedToContactTextMessage
	StatusFailedToContactEmailMessage
	StatusCancelledByEreferrals
	StatusCancelledDuplicateTextMessage
	StatusRejectedToEreferrals
	StatusException

	statusCount
)

var statusNames = [statusCount]string{
	StatusUnknown:                       "Unknown",
	StatusNew:                           "New",
	StatusTextMessage1:                  "TextMessage1",
	StatusTextMessage2:                  "TextMessage2",
	StatusTextMessage3:                  "TextMessage3",
	StatusChatBotCall1:                  "ChatBotCall1",
	StatusChatBotCall2:                  "ChatBotCall2",
	StatusChatBotTransfer:               "ChatBotTransfer",
	StatusRmcCall:                       "RmcCall",
	StatusRmcDelayed:                    "RmcDelayed",
	StatusLetter:                        "Letter",
	StatusLetterSent:                    "LetterSent",
	StatusProviderAwaitingTrace:         "ProviderAwaitingTrace",
	StatusProviderAwaitingStart:         "ProviderAwaitingStart",
	StatusProviderAccepted:              "ProviderAccepted",
	StatusProviderContactedServiceUser:  "ProviderContactedServiceUser",
	StatusProviderStarted:               "ProviderStarted",
	StatusProviderRejected:              "ProviderRejected",
	StatusProviderRejectedTextMessage:   "ProviderRejectedTextMessage",
	StatusProviderDeclinedByServiceUser: "ProviderDeclinedByServiceUser",
	StatusProviderDeclinedTextMessage:   "ProviderDeclinedTextMessage",
	StatusProviderTerminated:            "ProviderTerminated",
	StatusProviderTerminatedTextMessage: "ProviderTerminatedTextMessage",
	StatusProviderCompleted:             "ProviderCompleted",
	StatusComplete:                      "Complete",
	StatusFailedToContact:               "FailedToContact",
	StatusFailedToContactTextMessage:    "FailedToContactTextMessage",
	StatusFailedToContactEmailMessage:   "FailedToContactEmailMessage",
	StatusCancelledByEreferrals:         "CancelledByEreferrals",
	StatusCancelledDuplicateTextMessage: "CancelledDuplicateTextMessage",
	StatusRejectedToEreferrals:          "RejectedToEreferrals",
	StatusException:                     "Exception",
}

var statusByName = func() map[string]Status {
	m := make(map[string]Status, statusCount)
	for i := StatusNew; i < statusCount; i++ {
		m[statusNames[i]] = i
	}
	return m
}()

// String returns the persisted name of the status.
func (s Status) String() string {
	if s >= statusCount {
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
	return statusNames[s]
}

// IsValid reports whether s is a declared, non-zero status.
func (s Status) IsValid() bool {
	return s > StatusUnknown && s < statusCount
}

// ParseStatus converts a persisted status name back to a Status.
func ParseStatus(name string) (Status, error) {
	if s, ok := statusByName[name]; ok {
		return s, nil
	}
	return StatusUnknown, fmt.Errorf("%w: %q", ErrInvalidStatus, name)
}

// AllStatuses returns every valid status in declaration order.
func AllStatuses() []Status {
	out := make([]Status, 0, statusCount-1)
	for s := StatusNew; s < statusCount; s++ {
		out = append(out, s)
	}
	return out
}

// IsTerminal reports whether a referral in this status has left the programme.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusCancelledByEreferrals, StatusCancelledDuplicateTextMessage,
		StatusRejectedToEreferrals, StatusException:
		return true
	default:
		return false
	}
}

// IsActive reports whether a referral in this status still counts as the
// holder of its NHS number for duplicate detection.
func (s Status) IsActive() bool {
	return s.IsValid() && !s.IsTerminal()
}

// IsProviderEngaged reports whether a provider has taken on the referral.
func (s Status) IsProviderEngaged() bool {
	switch s {
	case StatusProviderAccepted, StatusProviderContactedServiceUser, StatusProviderStarted:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStatus, uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer so statuses are stored by name.
func (s Status) Value() (driver.Value, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStatus, uint8(s))
	}
	return s.String(), nil
}

// Scan implements sql.Scanner.
func (s *Status) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	default:
		return fmt.Errorf("%w: unsupported scan type %T", ErrInvalidStatus, src)
	}
}

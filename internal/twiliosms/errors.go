package twiliosms

import (
	"errors"
	"strconv"

	"github.com/twilio/twilio-go/client"
)

// invalidNumberCodes are Twilio error codes meaning the number cannot be
// contacted at all. Twilio returns the 21xxx codes when a send is submitted
// and the 3xxxx codes in delivery status callbacks.
var invalidNumberCodes = map[int]bool{
	21211: true, // invalid 'To' number
	21214: true, // 'To' number cannot be reached
	21217: true, // number does not appear to be valid
	21407: true, // number not supported for this service
	21614: true, // not a mobile number
	30005: true, // unknown destination handset
	30006: true, // landline or unreachable carrier
}

// IsInvalidNumberCode reports whether a Twilio error code, as sent in the
// ErrorCode field of a status callback, means the number is unusable.
func IsInvalidNumberCode(code string) bool {
	n, err := strconv.Atoi(code)
	return err == nil && invalidNumberCodes[n]
}

// IsInvalidNumber reports whether err, as returned by SendSMS or PlaceCall,
// is Twilio rejecting the destination number. Such sends never succeed on
// retry.
func IsInvalidNumber(err error) bool {
	var restErr *client.TwilioRestError
	return errors.As(err, &restErr) && invalidNumberCodes[restErr.Code]
}

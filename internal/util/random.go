// Package util provides identifier generation and environment parsing helpers
// shared across ReferralPipe components.
package util

import (
	"math/rand/v2"
	"strings"
)

const (
	hexChars          = "0123456789abcdef"
	alphaNumericChars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

func randomString(alphabet string, length int) string {
	if length <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return b.String()
}

// GenerateRandomID returns "{prefix}{hex}" with hexLength random hex digits.
// Not suitable where unpredictability matters.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns a random lowercase hexadecimal string.
func GenerateRandomHex(length int) string {
	return randomString(hexChars, length)
}

// GenerateRandomAlphaNumeric returns a random string of digits and ASCII letters.
func GenerateRandomAlphaNumeric(length int) string {
	return randomString(alphaNumericChars, length)
}

// GenerateReferralID generates a referral ID with "ref_" prefix.
func GenerateReferralID() string {
	return GenerateRandomID("ref_", 32)
}

// GenerateContactAttemptID generates a contact attempt ID with "ca_" prefix.
func GenerateContactAttemptID() string {
	return GenerateRandomID("ca_", 32)
}

package twiliosms

import (
	"errors"
	"fmt"
	"testing"

	"github.com/twilio/twilio-go/client"
)

func TestIsInvalidNumber(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"invalid to number", &client.TwilioRestError{Code: 21211, Status: 400}, true},
		{"wrapped not a mobile", fmt.Errorf("failed to send message to +441214960000: %w", &client.TwilioRestError{Code: 21614, Status: 400}), true},
		{"authentication error", &client.TwilioRestError{Code: 20003, Status: 401}, false},
		{"network error", errors.New("dial tcp: i/o timeout"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsInvalidNumber(tt.err); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestIsInvalidNumberCode(t *testing.T) {
	for code, want := range map[string]bool{"30005": true, "30006": true, "21211": true, "30003": false, "": false, "abc": false} {
		if got := IsInvalidNumberCode(code); got != want {
			t.Errorf("IsInvalidNumberCode(%q): expected %v, got %v", code, want, got)
		}
	}
}

package twiliosms

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMockClient_SendSMS(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	sid, err := mock.SendSMS(ctx, "+447400123456", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(sid, "SM") {
		t.Errorf("expected message SID, got %q", sid)
	}
	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", mock.SentMessages[0].Body)
	}
}

func TestMockClient_PlaceCallError(t *testing.T) {
	mock := NewMockClient()
	mock.Err = errors.New("down")
	if _, err := mock.PlaceCall(context.Background(), "+441214960000"); err == nil {
		t.Fatal("expected error")
	}
	if len(mock.PlacedCalls) != 0 {
		t.Errorf("expected no calls recorded, got %d", len(mock.PlacedCalls))
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("token")); err == nil {
		t.Error("expected error without a from number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("token"), WithFromNumber("+447700900000"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := c.PlaceCall(context.Background(), "+441214960000"); err == nil {
		t.Error("expected error placing a call without a call flow URL")
	}
}

package twiliosms

import (
	"context"
	"fmt"
	"sync"
)

// MockClient records messages and calls instead of sending them.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	PlacedCalls  []string
	// Err, when set, is returned by every send.
	Err error
}

var _ Sender = (*MockClient)(nil)

// SentMessage is a text recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendSMS records the message and returns a fake SID.
func (m *MockClient) SendSMS(ctx context.Context, to, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return fmt.Sprintf("SM%032d", len(m.SentMessages)), nil
}

// PlaceCall records the call and returns a fake SID.
func (m *MockClient) PlaceCall(ctx context.Context, to string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.PlacedCalls = append(m.PlacedCalls, to)
	return fmt.Sprintf("CA%032d", len(m.PlacedCalls)), nil
}

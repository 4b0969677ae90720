// Package testutil provides fakes shared by the dashboard's package tests.
package testutil

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/mock"
)

// MockCaller is a mock request/response caller.
type MockCaller struct {
	mock.Mock
}

// Call mocks the Call method.
func (m *MockCaller) Call(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	args := m.Called(ctx, action, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	switch v := args.Get(0).(type) {
	case json.RawMessage:
		return v, args.Error(1)
	case string:
		return json.RawMessage(v), args.Error(1)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			panic(err)
		}
		return data, args.Error(1)
	}
}

// NewMockCaller creates a caller that acknowledges every action with an
// empty object unless a test sets a more specific expectation first.
func NewMockCaller(t *testing.T) *MockCaller {
	t.Helper()
	m := new(MockCaller)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// AllowAny installs the catch-all acknowledgement. Call it after specific
// expectations so they take precedence.
func (m *MockCaller) AllowAny() *MockCaller {
	m.On("Call", mock.Anything, mock.Anything, mock.Anything).
		Return(json.RawMessage(`{}`), nil).
		Maybe()
	return m
}

// MockProducer is a mock message broker writer.
type MockProducer struct {
	mock.Mock
}

// WriteMessages mocks the WriteMessages method.
func (m *MockProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

// Close mocks the Close method.
func (m *MockProducer) Close() error {
	args := m.Called()
	return args.Error(0)
}

// NewMockProducer creates a producer whose writes and close succeed.
func NewMockProducer(t *testing.T) *MockProducer {
	t.Helper()
	m := new(MockProducer)

	m.On("WriteMessages", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("Close").Return(nil).Maybe()

	return m
}

package mocks

import (
	"sync"

	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

// MockLogger records log calls for assertions. Safe for concurrent use, since
// batch processing logs from several goroutines.
type MockLogger struct {
	mu         sync.Mutex
	InfoCalls  []LogCall
	ErrorCalls []LogCall
	WarnCalls  []LogCall
	DebugCalls []LogCall
}

// LogCall represents a captured log call
type LogCall struct {
	Message string
	Fields  []ports.Field
}

// Field returns the value logged under key, if any
func (c LogCall) Field(key string) (interface{}, bool) {
	for _, f := range c.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// NewMockLogger creates a new mock logger
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

// Info logs an info message
func (m *MockLogger) Info(msg string, fields ...ports.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InfoCalls = append(m.InfoCalls, LogCall{Message: msg, Fields: fields})
}

// Error logs an error message
func (m *MockLogger) Error(msg string, fields ...ports.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorCalls = append(m.ErrorCalls, LogCall{Message: msg, Fields: fields})
}

// Warn logs a warning message
func (m *MockLogger) Warn(msg string, fields ...ports.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WarnCalls = append(m.WarnCalls, LogCall{Message: msg, Fields: fields})
}

// Debug logs a debug message
func (m *MockLogger) Debug(msg string, fields ...ports.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DebugCalls = append(m.DebugCalls, LogCall{Message: msg, Fields: fields})
}

// Logged reports whether any level recorded msg
func (m *MockLogger) Logged(msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, calls := range [][]LogCall{m.InfoCalls, m.ErrorCalls, m.WarnCalls, m.DebugCalls} {
		for _, c := range calls {
			if c.Message == msg {
				return true
			}
		}
	}
	return false
}

// Errors returns a copy of the recorded error calls
func (m *MockLogger) Errors() []LogCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogCall(nil), m.ErrorCalls...)
}

// Reset clears all captured calls
func (m *MockLogger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InfoCalls = nil
	m.ErrorCalls = nil
	m.WarnCalls = nil
	m.DebugCalls = nil
}

package testutil

import (
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/mock"
)

type MockLoggerSink struct {
	mock.Mock
}

// NewMockLoggerSink returns a sink that accepts every message at or below maxLevel.
// Tests add their own expectations for the Info and Error calls they care about,
// followed by catch-all expectations.
func NewMockLoggerSink(maxLevel int) *MockLoggerSink {
	m := &MockLoggerSink{}
	m.On("Init", mock.Anything).Maybe()
	m.On("Enabled", mock.Anything).Return(func(level int) bool { return level <= maxLevel }).Maybe()
	m.On("WithName", mock.Anything).Return(m).Maybe()
	m.On("WithValues", mock.Anything).Return(m).Maybe()
	return m
}

// AllowAnyMessage permits Info and Error calls that no other expectation matched.
func (m *MockLoggerSink) AllowAnyMessage() {
	m.On("Info", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("Error", mock.Anything, mock.Anything, mock.Anything).Maybe()
}

func (m *MockLoggerSink) Enabled(level int) bool {
	args := m.Called(level)
	if f, isFunc := args.Get(0).(func(int) bool); isFunc {
		return f(level)
	}
	return args.Bool(0)
}

func (m *MockLoggerSink) Error(err error, msg string, keysAndValues ...interface{}) {
	m.Called(err, msg, keysAndValues)
}

func (m *MockLoggerSink) Info(level int, msg string, keysAndValues ...interface{}) {
	m.Called(level, msg, keysAndValues)
}

func (m *MockLoggerSink) Init(info logr.RuntimeInfo) {
	m.Called(info)
}

func (m *MockLoggerSink) WithName(name string) logr.LogSink {
	args := m.Called(name)
	return args.Get(0).(logr.LogSink)
}

func (m *MockLoggerSink) WithValues(keysAndValues ...interface{}) logr.LogSink {
	args := m.Called(keysAndValues)
	return args.Get(0).(logr.LogSink)
}

var _ logr.LogSink = (*MockLoggerSink)(nil)

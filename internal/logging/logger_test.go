package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected zapcore.Level
	}{
		{input: "", expected: zapcore.InfoLevel},
		{input: "DEBUG", expected: zapcore.DebugLevel},
		{input: " warning ", expected: zapcore.WarnLevel},
		{input: "error", expected: zapcore.ErrorLevel},
	}
	for _, testCase := range testCases {
		level, err := ParseLevel(testCase.input)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", testCase.input, err)
		}
		if level != testCase.expected {
			t.Fatalf("ParseLevel(%q) = %v, want %v", testCase.input, level, testCase.expected)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger("warn", format)
		if err != nil {
			t.Fatalf("NewLogger(%s): %v", format, err)
		}
		if logger.Core().Enabled(zapcore.InfoLevel) {
			t.Fatalf("%s logger should drop info entries", format)
		}
		if !logger.Core().Enabled(zapcore.WarnLevel) {
			t.Fatalf("%s logger should keep warn entries", format)
		}
	}
}

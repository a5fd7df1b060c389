package threads

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestClampTimerHours(t *testing.T) {
	testCases := []struct {
		name     string
		input    int
		expected int
	}{
		{name: "below minimum", input: 0, expected: 1},
		{name: "negative", input: -5, expected: 1},
		{name: "minimum", input: 1, expected: 1},
		{name: "default", input: 24, expected: 24},
		{name: "maximum", input: 168, expected: 168},
		{name: "above maximum", input: 500, expected: 168},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := ClampTimerHours(testCase.input); got != testCase.expected {
				t.Fatalf("ClampTimerHours(%d) = %d, want %d", testCase.input, got, testCase.expected)
			}
		})
	}
}

func TestTimerDurationUsesClampedHours(t *testing.T) {
	if got := TimerDuration(500); got != 168*time.Hour {
		t.Fatalf("expected one week, got %v", got)
	}
	if got := (Thread{TimerHours: 2}).TTL(); got != 2*time.Hour {
		t.Fatalf("expected 2h ttl, got %v", got)
	}
}

func TestIdentifierValidation(t *testing.T) {
	if _, err := NewThreadID("   "); !errors.Is(err, ErrInvalidThreadID) {
		t.Fatalf("expected invalid thread id error, got %v", err)
	}
	if _, err := NewUserID(strings.Repeat("u", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected invalid user id error, got %v", err)
	}
	if _, err := NewMessageID(""); !errors.Is(err, ErrInvalidMessageID) {
		t.Fatalf("expected invalid message id error, got %v", err)
	}
	id := mustThreadID(t, "  abc  ")
	if id.String() != "abc" {
		t.Fatalf("expected trimmed id, got %q", id)
	}
}

func TestCloneIsDeep(t *testing.T) {
	original := threadWithMessages([]string{"alice", "bob"}, 1)
	cloned := original.Clone()
	cloned.Participants[0] = "mallory"
	cloned.Messages[0].ReadBy = append(cloned.Messages[0].ReadBy, "alice")

	if original.Participants[0] != "alice" {
		t.Fatalf("participants shared between clones")
	}
	if len(original.Messages[0].ReadBy) != 0 {
		t.Fatalf("read receipts shared between clones")
	}
}

func TestUUIDProviderIssuesHexThreadIDs(t *testing.T) {
	provider := NewUUIDProvider()
	first, err := provider.NewThreadID()
	if err != nil {
		t.Fatalf("NewThreadID: %v", err)
	}
	second, err := provider.NewThreadID()
	if err != nil {
		t.Fatalf("NewThreadID: %v", err)
	}
	if len(first) != 32 || strings.Contains(first.String(), "-") {
		t.Fatalf("expected 32 hex characters, got %q", first)
	}
	if first == second {
		t.Fatalf("expected unique ids")
	}
	messageID, err := provider.NewMessageID()
	if err != nil || messageID == "" {
		t.Fatalf("NewMessageID: %q, %v", messageID, err)
	}
}

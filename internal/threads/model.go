package threads

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultTimerHours applies when a create request omits the timer.
	DefaultTimerHours = 24
	// MinTimerHours is the shortest lifetime a thread may be created with.
	MinTimerHours = 1
	// MaxTimerHours is the longest lifetime a thread may be created with (one week).
	MaxTimerHours = 168
	// MaxParticipants bounds the participant set of a thread.
	MaxParticipants = 2
)

const maxIdentifierLength = 190

var (
	// ErrInvalidThreadID indicates that a thread identifier is empty or exceeds storage bounds.
	ErrInvalidThreadID = errors.New("threads: invalid thread id")
	// ErrInvalidUserID indicates that a participant identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("threads: invalid user id")
	// ErrInvalidMessageID indicates that a message identifier is empty or exceeds storage bounds.
	ErrInvalidMessageID = errors.New("threads: invalid message id")
	// ErrThreadFull indicates that a third participant tried to register.
	ErrThreadFull = errors.New("threads: participant limit reached")
	// ErrMessageNotFound indicates that a message id is not part of the thread.
	ErrMessageNotFound = errors.New("threads: message not found")
)

// DeletionReason tags a thread-deleted broadcast.
type DeletionReason string

const (
	// ReasonTimerExpired marks a thread removed by the store TTL.
	ReasonTimerExpired DeletionReason = "timer-expired"
	// ReasonBothRead marks a thread removed because both participants read every message.
	ReasonBothRead DeletionReason = "both-read"
	// ReasonManual marks a thread removed through the control plane.
	ReasonManual DeletionReason = "manual"
)

// ThreadID represents a validated thread identifier.
type ThreadID string

// NewThreadID validates raw input and returns a ThreadID.
func NewThreadID(rawInput string) (ThreadID, error) {
	trimmed, err := validateIdentifier(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidThreadID, err)
	}
	return ThreadID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ThreadID) String() string {
	return string(id)
}

// UserID represents a validated participant identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := validateIdentifier(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidUserID, err)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// MessageID represents a validated message identifier.
type MessageID string

// NewMessageID validates raw input and returns a MessageID.
func NewMessageID(rawInput string) (MessageID, error) {
	trimmed, err := validateIdentifier(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessageID, err)
	}
	return MessageID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MessageID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", errors.New("empty")
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("exceeds %d characters", maxIdentifierLength)
	}
	return trimmed, nil
}

// ClampTimerHours forces a requested lifetime into [MinTimerHours, MaxTimerHours].
func ClampTimerHours(hours int) int {
	if hours < MinTimerHours {
		return MinTimerHours
	}
	if hours > MaxTimerHours {
		return MaxTimerHours
	}
	return hours
}

// TimerDuration converts a requested lifetime into the clamped store TTL.
func TimerDuration(hours int) time.Duration {
	return time.Duration(ClampTimerHours(hours)) * time.Hour
}

// Reaction is a single (emoji, user) pair attached to a message.
type Reaction struct {
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// Message carries one opaque ciphertext blob plus its receipts and reactions.
type Message struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	SenderID  string     `json:"senderId"`
	Timestamp int64      `json:"timestamp"`
	ReadBy    []string   `json:"readBy"`
	Reactions []Reaction `json:"reactions"`
}

// Thread is the persisted state of one conversation. Timestamps are unix milliseconds.
type Thread struct {
	ID           string    `json:"id"`
	CreatedAt    int64     `json:"createdAt"`
	TimerHours   int       `json:"timerHours"`
	Participants []string  `json:"participants"`
	Messages     []Message `json:"messages"`
}

// TTL returns the full lifetime window re-applied on every write.
func (thread Thread) TTL() time.Duration {
	return TimerDuration(thread.TimerHours)
}

// normalize replaces nil collections so clients always receive arrays.
func (thread *Thread) normalize() {
	if thread.Participants == nil {
		thread.Participants = []string{}
	}
	if thread.Messages == nil {
		thread.Messages = []Message{}
	}
	for index := range thread.Messages {
		if thread.Messages[index].ReadBy == nil {
			thread.Messages[index].ReadBy = []string{}
		}
		if thread.Messages[index].Reactions == nil {
			thread.Messages[index].Reactions = []Reaction{}
		}
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (thread Thread) Clone() Thread {
	cloned := thread
	cloned.Participants = append([]string{}, thread.Participants...)
	cloned.Messages = make([]Message, len(thread.Messages))
	for index, message := range thread.Messages {
		cloned.Messages[index] = message.Clone()
	}
	return cloned
}

// Clone returns a deep copy of the message.
func (message Message) Clone() Message {
	cloned := message
	cloned.ReadBy = append([]string{}, message.ReadBy...)
	cloned.Reactions = append([]Reaction{}, message.Reactions...)
	return cloned
}

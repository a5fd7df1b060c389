package threads

import (
	"strings"

	"github.com/google/uuid"
)

// IDProvider issues identifiers for new threads and messages.
type IDProvider interface {
	NewThreadID() (ThreadID, error)
	NewMessageID() (MessageID, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues random thread ids and
// UUIDv7 message ids.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

// NewThreadID returns 32 lowercase hex characters of randomness; thread ids
// double as invite capabilities so they must not be guessable or time-ordered.
func (p *uuidProvider) NewThreadID() (ThreadID, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return ThreadID(strings.ReplaceAll(value.String(), "-", "")), nil
}

func (p *uuidProvider) NewMessageID() (MessageID, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return MessageID(value.String()), nil
}

package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/vanish/internal/threads"
)

// Client to server events.
const (
	EventJoinThread          = "join-thread"
	EventRegisterParticipant = "register-participant"
	EventSendMessage         = "send-message"
	EventMarkRead            = "mark-read"
	EventAddReaction         = "add-reaction"
	EventUserTyping          = "user-typing"
)

// Server to client events. EventUserTyping is used in both directions.
const (
	EventNewMessage      = "new-message"
	EventThreadUpdate    = "thread-update"
	EventMessageRead     = "message-read"
	EventMessageReaction = "message-reaction"
	EventThreadDeleted   = "thread-deleted"
	EventError           = "error"
)

var (
	ErrMalformedFrame = errors.New("realtime: malformed frame")
	ErrUnknownEvent   = errors.New("realtime: unknown event")
)

// Envelope is the wire shape of every frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Command is one decoded client request. The set of implementations is closed.
type Command interface {
	isCommand()
}

type JoinThread struct {
	ThreadID string `json:"threadId"`
}

type RegisterParticipant struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
}

// SendMessage carries ciphertext produced by the client; the relay never inspects it.
type SendMessage struct {
	ThreadID string `json:"threadId"`
	Message  string `json:"message"`
	SenderID string `json:"senderId"`
}

type MarkRead struct {
	ThreadID  string `json:"threadId"`
	UserID    string `json:"userId"`
	MessageID string `json:"messageId"`
}

type AddReaction struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

type UserTyping struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
}

func (JoinThread) isCommand()          {}
func (RegisterParticipant) isCommand() {}
func (SendMessage) isCommand()         {}
func (MarkRead) isCommand()            {}
func (AddReaction) isCommand()         {}
func (UserTyping) isCommand()          {}

// DecodeCommand parses one inbound frame.
func DecodeCommand(frame []byte) (Command, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch envelope.Event {
	case EventJoinThread:
		return decodeJoin(envelope.Data)
	case EventRegisterParticipant:
		return decodeData[RegisterParticipant](envelope)
	case EventSendMessage:
		return decodeData[SendMessage](envelope)
	case EventMarkRead:
		return decodeData[MarkRead](envelope)
	case EventAddReaction:
		return decodeData[AddReaction](envelope)
	case EventUserTyping:
		return decodeData[UserTyping](envelope)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Event)
	}
}

// decodeJoin accepts the bare thread id string as well as {"threadId": ...}.
func decodeJoin(data json.RawMessage) (Command, error) {
	var threadID string
	if err := json.Unmarshal(data, &threadID); err == nil {
		return JoinThread{ThreadID: threadID}, nil
	}
	var command JoinThread
	if err := json.Unmarshal(data, &command); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, EventJoinThread, err)
	}
	return command, nil
}

func decodeData[T Command](envelope Envelope) (Command, error) {
	var command T
	if len(envelope.Data) == 0 {
		return nil, fmt.Errorf("%w: %s: missing data", ErrMalformedFrame, envelope.Event)
	}
	if err := json.Unmarshal(envelope.Data, &command); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, envelope.Event, err)
	}
	return command, nil
}

type messageReadPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type messageReactionPayload struct {
	MessageID string             `json:"messageId"`
	Emoji     string             `json:"emoji"`
	UserID    string             `json:"userId"`
	Reactions []threads.Reaction `json:"reactions"`
}

type userTypingPayload struct {
	UserID string `json:"userId"`
}

type threadDeletedPayload struct {
	Reason threads.DeletionReason `json:"reason"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// encodeFrame renders an outbound frame once so it can be shared by every
// subscriber of a group.
func encodeFrame(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("realtime: encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}

func normalizeEmoji(raw string) string {
	return strings.TrimSpace(raw)
}

package threads

import (
	"fmt"
	"sync"
	"testing"
)

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustMessageID(t *testing.T, value string) MessageID {
	t.Helper()
	id, err := NewMessageID(value)
	if err != nil {
		t.Fatalf("unexpected message id error: %v", err)
	}
	return id
}

func mustThreadID(t *testing.T, value string) ThreadID {
	t.Helper()
	id, err := NewThreadID(value)
	if err != nil {
		t.Fatalf("unexpected thread id error: %v", err)
	}
	return id
}

// sequenceIDProvider issues predictable identifiers.
type sequenceIDProvider struct {
	mu       sync.Mutex
	threads  int
	messages int
}

func (p *sequenceIDProvider) NewThreadID() (ThreadID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads++
	return ThreadID(fmt.Sprintf("thread-%d", p.threads)), nil
}

func (p *sequenceIDProvider) NewMessageID() (MessageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages++
	return MessageID(fmt.Sprintf("message-%d", p.messages)), nil
}

func threadWithMessages(participants []string, messageCount int) Thread {
	thread := Thread{
		ID:           "thread-under-test",
		TimerHours:   DefaultTimerHours,
		Participants: append([]string{}, participants...),
		Messages:     []Message{},
	}
	for index := 0; index < messageCount; index++ {
		thread.AppendMessage(Message{
			ID:       fmt.Sprintf("message-%d", index+1),
			Content:  "ciphertext",
			SenderID: participants[0],
		})
	}
	return thread
}

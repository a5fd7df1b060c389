package threads

import "slices"

// AddParticipant appends the user unless already present. It reports whether
// the participant set changed and returns ErrThreadFull when no seat is left.
func (thread *Thread) AddParticipant(userID UserID) (bool, error) {
	if slices.Contains(thread.Participants, userID.String()) {
		return false, nil
	}
	if len(thread.Participants) >= MaxParticipants {
		return false, ErrThreadFull
	}
	thread.Participants = append(thread.Participants, userID.String())
	return true, nil
}

// AppendMessage adds a message at the end of the arrival order.
func (thread *Thread) AppendMessage(message Message) {
	if message.ReadBy == nil {
		message.ReadBy = []string{}
	}
	if message.Reactions == nil {
		message.Reactions = []Reaction{}
	}
	thread.Messages = append(thread.Messages, message)
}

// MarkRead records the receipt for one message. Repeated receipts are no-ops.
func (thread *Thread) MarkRead(messageID MessageID, userID UserID) error {
	index := thread.messageIndex(messageID)
	if index < 0 {
		return ErrMessageNotFound
	}
	message := &thread.Messages[index]
	if !slices.Contains(message.ReadBy, userID.String()) {
		message.ReadBy = append(message.ReadBy, userID.String())
	}
	return nil
}

// ToggleReaction removes the (emoji, user) pair when present and adds it otherwise.
// It returns the message's reaction set after the toggle.
func (thread *Thread) ToggleReaction(messageID MessageID, emoji string, userID UserID, atMillis int64) ([]Reaction, error) {
	index := thread.messageIndex(messageID)
	if index < 0 {
		return nil, ErrMessageNotFound
	}
	message := &thread.Messages[index]
	existing := slices.IndexFunc(message.Reactions, func(reaction Reaction) bool {
		return reaction.Emoji == emoji && reaction.UserID == userID.String()
	})
	if existing >= 0 {
		message.Reactions = slices.Delete(message.Reactions, existing, existing+1)
	} else {
		message.Reactions = append(message.Reactions, Reaction{
			Emoji:     emoji,
			UserID:    userID.String(),
			Timestamp: atMillis,
		})
	}
	if message.Reactions == nil {
		message.Reactions = []Reaction{}
	}
	return append([]Reaction{}, message.Reactions...), nil
}

func (thread *Thread) messageIndex(messageID MessageID) int {
	return slices.IndexFunc(thread.Messages, func(message Message) bool {
		return message.ID == messageID.String()
	})
}

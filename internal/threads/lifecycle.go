package threads

// ShouldAutoDelete reports whether every message has been read by exactly the
// current participant pair. Threads with fewer than two participants never qualify.
func ShouldAutoDelete(thread Thread) bool {
	if len(thread.Participants) != MaxParticipants {
		return false
	}
	if len(thread.Messages) == 0 {
		return false
	}
	for _, message := range thread.Messages {
		if !sameMembers(message.ReadBy, thread.Participants) {
			return false
		}
	}
	return true
}

func sameMembers(left, right []string) bool {
	leftSet := make(map[string]struct{}, len(left))
	for _, value := range left {
		leftSet[value] = struct{}{}
	}
	rightSet := make(map[string]struct{}, len(right))
	for _, value := range right {
		rightSet[value] = struct{}{}
	}
	if len(leftSet) != len(rightSet) {
		return false
	}
	for value := range rightSet {
		if _, ok := leftSet[value]; !ok {
			return false
		}
	}
	return true
}

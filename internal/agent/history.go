package agent

// History is an ordered message log with explicit append and retract.
// It is not safe for concurrent use; Controller guards it.
type History struct {
	entries []Message
	next    uint64
}

// Append adds a message at the end and returns it with its sequence set.
func (h *History) Append(role Role, content string) Message {
	h.next++
	m := Message{Role: role, Content: content, Sequence: h.next}
	h.entries = append(h.entries, m)
	return m
}

// Retract removes the message with the given sequence. It reports whether
// the message was present.
func (h *History) Retract(seq uint64) bool {
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].Sequence == seq {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the log.
func (h *History) Snapshot() []Message {
	out := make([]Message, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *History) Len() int { return len(h.entries) }

// Reset empties the log. Sequences keep increasing.
func (h *History) Reset() {
	h.entries = nil
}

package core

// Entry is a log element. Seq is the local key of the entry: it is strictly
// increasing within one connection and independent of the message timestamp.
type Entry struct {
	Seq     uint64      `json:"seq"`
	Message ChatMessage `json:"message"`
}

// MessageLog is the append-only, receipt-ordered log of one connection.
// It is not safe for concurrent use; Session guards it.
type MessageLog struct {
	entries []Entry
	seq     uint64
}

func NewMessageLog() *MessageLog {
	return &MessageLog{}
}

// Append adds m at the tail and returns the stored entry.
func (l *MessageLog) Append(m ChatMessage) Entry {
	l.seq++
	e := Entry{Seq: l.seq, Message: m}
	l.entries = append(l.entries, e)
	return e
}

// Entries returns a copy of the log in receipt order.
func (l *MessageLog) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *MessageLog) Len() int {
	return len(l.entries)
}

// Reset empties the log and restarts the sequence.
func (l *MessageLog) Reset() {
	l.entries = nil
	l.seq = 0
}

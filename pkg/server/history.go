package server

// HistoryEntry is one recorded channel message. An empty Sender marks a
// notice authored by the server.
type HistoryEntry struct {
	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// History keeps the last max entries of a channel in insertion order and
// drops the oldest once full. It has no lock of its own: the channel
// registry lock guards it.
type History struct {
	max     int
	entries []HistoryEntry
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = 1
	}
	return &History{max: max, entries: make([]HistoryEntry, 0, max)}
}

// Push appends e, evicting the oldest entry when the history is full.
func (h *History) Push(e HistoryEntry) {
	if len(h.entries) == h.max {
		copy(h.entries, h.entries[1:])
		h.entries[len(h.entries)-1] = e
		return
	}
	h.entries = append(h.entries, e)
}

func (h *History) Len() int {
	return len(h.entries)
}

// Entries returns a copy, oldest first.
func (h *History) Entries() []HistoryEntry {
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

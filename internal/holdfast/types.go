package holdfast

import "net/http"

// CachedEntry is a captured response held by an asset cache generation.
type CachedEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// QueuedMutation is a write that failed at the network boundary. It is never
// modified after Enqueue; replay bookkeeping is stored next to it.
type QueuedMutation struct {
	Key    string            `json:"key"`
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Header map[string]string `json:"headers"`
	Body   []byte            `json:"-"`
	// HasBody separates an empty body from an absent one.
	HasBody bool `json:"hasBody"`
	// EnqueuedAt is unix nanoseconds.
	EnqueuedAt int64 `json:"enqueuedAt"`
}

// replayRecord tracks failed replays of a single queue entry.
type replayRecord struct {
	Attempts  int
	LastError string
	LastAt    int64 // unix nanoseconds
}

// DeadLetter is a queued mutation that was given up on by the expiry policy.
type DeadLetter struct {
	QueuedMutation
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
	DeadAt   int64  `json:"deadAt"`
}

// Notification is broadcast to every connected application context.
type Notification struct {
	Event string `json:"event"`
	URL   string `json:"url"`
}

const (
	EventSuccess = "success"
	EventExpired = "expired"
)

// offlineAck is the body of the synthetic response for a queued mutation.
type offlineAck struct {
	OK      bool   `json:"ok"`
	Offline bool   `json:"offline"`
	Message string `json:"message"`
	Key     string `json:"key,omitempty"`
}

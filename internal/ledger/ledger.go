// ABOUTME: Ordered in-memory ledger of conversation messages with handle-addressed updates.
// ABOUTME: Single mutation path, one-way finalization, and torn-read-free snapshots for async consumers.

package ledger

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the ledger. The handle is client-generated and
// stable for the message's lifetime, independent of any server-assigned
// conversation identity. Content is mutable only while the message is
// unfinalized, and only by appending contiguous fragments.
type Message struct {
	Handle      string
	Role        Role
	Content     string
	Attachments []string
	Finalized   bool
	Failed      bool
	CreatedAt   time.Time
}

// clone returns a deep copy so snapshot readers never alias live state.
func (m *Message) clone() Message {
	c := *m
	if m.Attachments != nil {
		c.Attachments = append([]string(nil), m.Attachments...)
	}
	return c
}

// Ledger is the ordered, mutable collection of messages for one session.
// It is exclusively owned by one coordinator; the stream session holds only
// message handles, never message objects. Mutation and snapshot access are
// safe to interleave from different goroutines.
type Ledger struct {
	mu       sync.Mutex
	messages []*Message
	byHandle map[string]*Message
	logger   *slog.Logger
}

// New creates an empty ledger. Pass nil logger for default.
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		byHandle: make(map[string]*Message),
		logger:   logger.With("component", "ledger"),
	}
}

// Append adds a message to the end of the ledger and returns its handle.
// The caller supplies the handle; it must be unique within the session.
// A duplicate handle is rejected and the ledger left unchanged.
func (l *Ledger) Append(msg Message) (string, bool) {
	if msg.Handle == "" {
		return "", false
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.byHandle[msg.Handle]; exists {
		l.logger.Warn("duplicate handle rejected", "handle", msg.Handle)
		return "", false
	}

	m := msg.clone()
	l.messages = append(l.messages, &m)
	l.byHandle[m.Handle] = &m
	return m.Handle, true
}

// AppendText appends a text fragment to an unfinalized message. Fragments
// are applied in call order; the ledger never reorders or coalesces them.
// Returns false if the handle is unknown or the message is finalized.
func (l *Ledger) AppendText(handle, text string) bool {
	return l.Update(handle, func(m *Message) {
		m.Content += text
	})
}

// Update applies a mutator to the message with the given handle. It is the
// only mutation path. Updates to a finalized message are rejected — the
// one-way transition is enforced here, not by convention.
func (l *Ledger) Update(handle string, mutate func(*Message)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.byHandle[handle]
	if !ok || m.Finalized {
		return false
	}
	mutate(m)
	return true
}

// Finalize marks the message complete and immutable. Surrounding whitespace
// is trimmed; interior content is never altered, since markdown structure
// must survive verbatim for downstream rendering. If failed is true the
// message is additionally marked as failed. Returns false if the handle is
// unknown or the message was already finalized (idempotent transition:
// nothing changes on the second call).
func (l *Ledger) Finalize(handle string, failed bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.byHandle[handle]
	if !ok || m.Finalized {
		return false
	}
	m.Content = strings.TrimSpace(m.Content)
	m.Finalized = true
	m.Failed = failed
	return true
}

// Find returns a copy of the message with the given handle.
func (l *Ledger) Find(handle string) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.byHandle[handle]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// Snapshot returns a consistent copy of the ledger contents in order.
// Readers observe whole fragments only; no fragment is split across a
// concurrent update and a read.
func (l *Ledger) Snapshot() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.clone()
	}
	return out
}

// Len returns the number of messages in the ledger.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// ABOUTME: In-memory fan-out of conversation updates to UI subscribers.
// ABOUTME: Publishes ledger and identity changes as they happen, without polling.

package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// UpdateKind identifies what changed.
type UpdateKind int

const (
	// UpdateFragment means text was appended to a streaming message.
	UpdateFragment UpdateKind = iota
	// UpdateFinalized means a message reached its final form.
	UpdateFinalized
	// UpdateIdentity means the conversation identity was assigned.
	UpdateIdentity
	// UpdateError means the backend reported a turn failure.
	UpdateError
	// UpdateClosed means the stream closed; no further updates follow.
	UpdateClosed
)

// Update is one observable change in the session.
type Update struct {
	Kind           UpdateKind
	Handle         string
	Text           string
	ConversationID string
	Err            error
}

// Notifier provides in-memory pub/sub for session updates. Subscribers
// receive updates as they are applied, enabling live UIs without polling.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]chan Update
	logger      *slog.Logger
}

// NewNotifier creates a notifier. Pass nil logger for default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subscribers: make(map[string]chan Update),
		logger:      logger.With("component", "notifier"),
	}
}

// Subscribe registers a subscriber. Returns a channel that receives updates
// and a subscription ID for later unsubscription. The subscription is
// automatically cleaned up when ctx is cancelled.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan Update, string) {
	subID := uuid.New().String()
	ch := make(chan Update, subscriberBufferSize)

	n.mu.Lock()
	n.subscribers[subID] = ch
	n.mu.Unlock()

	n.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		n.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscriber and closes its channel.
// Safe to call multiple times for the same ID.
func (n *Notifier) Unsubscribe(subID string) {
	n.mu.Lock()
	ch, ok := n.subscribers[subID]
	if ok {
		delete(n.subscribers, subID)
	}
	n.mu.Unlock()

	if ok {
		close(ch)
		n.logger.Debug("subscriber removed", "sub_id", subID)
	}
}

// Publish sends an update to all subscribers.
// Non-blocking: updates are dropped for subscribers whose channels are full.
// The read lock is held across the sends so Unsubscribe cannot close a
// channel mid-send; the select/default keeps the critical section short.
func (n *Notifier) Publish(update Update) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.subscribers {
		select {
		case ch <- update:
		default:
			n.logger.Warn("subscriber buffer full, dropping update", "kind", update.Kind)
		}
	}
}

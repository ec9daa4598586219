// ABOUTME: Owns the duplex websocket to the agent backend and its lifecycle state machine.
// ABOUTME: Decodes inbound frames into typed events and tracks the active streaming target handle.

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotOpen is returned by Send when the session is not in the Open state.
var ErrNotOpen = errors.New("stream session not open")

// ErrAlreadyOpen is returned by Open on any state but Idle. A closed
// session is terminal; callers needing resumption open a new session.
var ErrAlreadyOpen = errors.New("stream session already opened")

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed // terminal
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// eventBufferSize is the delivery channel buffer. Delivery order is
	// preserved; a full buffer backpressures the read loop rather than
	// dropping fragments.
	eventBufferSize = 64

	handshakeTimeout = 10 * time.Second
)

// Config configures a stream session.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/ws/master.
	URL string
	// AuthToken, if set, is sent as a bearer Authorization header on dial.
	AuthToken string
	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// Session owns one duplex connection to the agent backend. Inbound frames
// are decoded into typed Events and delivered in arrival order on the
// Events channel; the channel is closed when the connection is gone.
//
// The session tracks which ledger handle is the active streaming target.
// It holds only the handle, never the message; applying events to the
// ledger is the coordinator's job.
type Session struct {
	url    string
	header http.Header
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	active     string
	violations int

	events chan Event
}

// NewSession creates a session in the Idle state.
func NewSession(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	return &Session{
		url:    cfg.URL,
		header: header,
		logger: logger.With("component", "stream"),
		events: make(chan Event, eventBufferSize),
	}
}

// Open dials the backend and starts the read loop. Valid only from Idle.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.state = StateConnecting
	s.mu.Unlock()

	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		s.mu.Lock()
		// Close may have run while the dial was in flight; it already
		// closed the event channel, and only one of us may do that.
		alreadyClosed := s.state == StateClosed
		s.state = StateClosed
		s.mu.Unlock()
		if !alreadyClosed {
			close(s.events)
		}
		return fmt.Errorf("dialing %s: %w", s.url, err)
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// Closed while the dial was in flight.
		s.mu.Unlock()
		conn.Close()
		return ErrNotOpen
	}
	s.conn = conn
	s.state = StateOpen
	s.mu.Unlock()

	s.logger.Info("stream opened", "url", s.url)
	go s.readLoop()
	return nil
}

// Events returns the inbound event channel. It is closed exactly once,
// after an EventClosed has been delivered.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send transmits an outbound frame. Writes are serialized; concurrent
// callers never interleave partial frames.
func (s *Session) Send(frame Frame) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ErrNotOpen
	}
	conn := s.conn
	s.mu.Unlock()

	data, err := frame.marshal()
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending frame: %w", err)
	}
	return nil
}

// SetActive records handle as the streaming target and returns the handle
// it displaced, or "" if none was active. The caller force-finalizes the
// displaced handle: the protocol never interleaves two assistant messages
// on one connection.
func (s *Session) SetActive(handle string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.active
	s.active = handle
	return prev
}

// Active returns the current streaming target, if any.
func (s *Session) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active != ""
}

// Violations reports how many inbound events were dropped because they
// arrived with no active target (e.g. after the target finalized).
func (s *Session) Violations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}

// Close tears down the connection. Idempotent; safe in any state. The read
// loop emits a terminal EventClosed (carrying the still-active handle, if
// any) and closes the event channel.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	noReadLoop := s.state == StateIdle || s.state == StateConnecting
	s.state = StateClosed
	s.mu.Unlock()

	if noReadLoop {
		// Never fully opened: no read loop to deliver the terminal event.
		close(s.events)
		return nil
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// readLoop decodes inbound frames until the connection dies, then emits
// the terminal EventClosed and closes the event channel.
func (s *Session) readLoop() {
	var closeErr string
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			deliberate := s.state == StateClosed
			s.state = StateClosed
			s.mu.Unlock()
			if !deliberate {
				closeErr = err.Error()
				s.logger.Warn("stream connection lost", "error", err)
			}
			break
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames are dropped; they do not transition the
			// connection state and do not terminate the session.
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		s.handleFrame(&frame)
	}

	handle := s.takeActive()
	s.events <- Event{Type: EventClosed, Handle: handle, Err: closeErr}
	close(s.events)
	s.logger.Info("stream closed")
}

// handleFrame converts one decoded frame into zero or more typed events.
func (s *Session) handleFrame(frame *inboundFrame) {
	switch frame.Type {
	case frameConversationCreated:
		if frame.ConversationID == "" {
			s.logger.Warn("conversation_created frame without id")
			return
		}
		s.events <- Event{Type: EventConversationAssigned, ConversationID: frame.ConversationID}

	case frameEvent:
		if frame.Payload == nil {
			s.logger.Warn("event frame without payload")
			return
		}
		s.handlePayload(frame.Payload)

	case frameDone:
		// The backend sends done after the final event; if is_final already
		// finalized the active message this is a benign no-op.
		if handle := s.takeActive(); handle != "" {
			s.events <- Event{Type: EventFinalize, Handle: handle}
		} else {
			s.logger.Debug("done frame with no active message")
		}

	case frameError:
		handle := s.takeActive()
		s.events <- Event{Type: EventStreamError, Handle: handle, Err: frame.Message}

	case frameInfo:
		s.logger.Debug("info frame", "message", frame.Message)

	default:
		s.logger.Warn("dropping frame of unknown type", "type", frame.Type)
	}
}

// handlePayload processes the body of an event frame. Text is applied
// before a final marker so a combined fragment+final payload is not lost.
func (s *Session) handlePayload(p *inboundPayload) {
	if p.Error != "" {
		handle := s.takeActive()
		if handle == "" {
			s.recordViolation("error event with no active message")
			return
		}
		s.events <- Event{Type: EventStreamError, Handle: handle, Err: p.Error}
		return
	}

	if p.Text != "" {
		handle, ok := s.Active()
		if !ok {
			s.recordViolation("fragment with no active message")
		} else {
			s.events <- Event{Type: EventContentFragment, Handle: handle, Text: p.Text}
		}
	}

	if p.IsFinal {
		handle := s.takeActive()
		if handle == "" {
			if p.Text == "" {
				s.recordViolation("finalize with no active message")
			}
			return
		}
		s.events <- Event{Type: EventFinalize, Handle: handle}
	}
}

// takeActive atomically clears and returns the active handle.
func (s *Session) takeActive() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.active
	s.active = ""
	return handle
}

// recordViolation counts a defensively-dropped event. Violations never
// escalate: the connection stays up.
func (s *Session) recordViolation(reason string) {
	s.mu.Lock()
	s.violations++
	count := s.violations
	s.mu.Unlock()
	s.logger.Warn("protocol violation dropped", "reason", reason, "total", count)
}

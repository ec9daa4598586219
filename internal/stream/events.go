// ABOUTME: Wire frame shapes and typed event decoding for the agent event stream.
// ABOUTME: Converts raw JSON frames into the discriminated event union delivered to the coordinator.

package stream

import "encoding/json"

// EventType discriminates decoded stream events.
type EventType int

const (
	// EventConversationAssigned carries a server-assigned conversation id.
	EventConversationAssigned EventType = iota
	// EventContentFragment carries an incremental chunk of assistant text.
	EventContentFragment
	// EventFinalize marks the active message complete.
	EventFinalize
	// EventStreamError is an explicit error frame from the backend.
	EventStreamError
	// EventClosed is the terminal event: the connection is gone. If a
	// message was still streaming its handle is attached so the caller can
	// finalize it with an error marker.
	EventClosed
)

// String returns the event type name for logging.
func (t EventType) String() string {
	switch t {
	case EventConversationAssigned:
		return "conversation_assigned"
	case EventContentFragment:
		return "content_fragment"
	case EventFinalize:
		return "finalize"
	case EventStreamError:
		return "stream_error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one decoded inbound occurrence. Handle is the message handle the
// event was addressed to, captured from the session's active target at
// decode time — a weak reference, never the message itself.
type Event struct {
	Type           EventType
	Handle         string
	ConversationID string // EventConversationAssigned
	Text           string // EventContentFragment
	Err            string // EventStreamError / EventClosed
}

// inboundFrame is the raw wire shape of server-to-client frames.
type inboundFrame struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        *inboundPayload `json:"payload,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// inboundPayload is the body of a "type":"event" frame.
type inboundPayload struct {
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Wire frame type constants.
const (
	frameConversationCreated = "conversation_created"
	frameEvent               = "event"
	frameDone                = "done"
	frameError               = "error"
	frameInfo                = "info"

	frameUserMessage = "user_message"
	frameHumanReply  = "human_reply"
	frameInterrupt   = "interrupt"
)

// Frame is an outbound client-to-server frame.
type Frame struct {
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// UserMessage builds a user_message frame. The conversation id is included
// only when one is already known.
func UserMessage(content, conversationID string) Frame {
	return Frame{Type: frameUserMessage, Content: content, ConversationID: conversationID}
}

// HumanReply builds a human_reply frame carrying feedback to a running agent.
func HumanReply(content string) Frame {
	return Frame{Type: frameHumanReply, Content: content}
}

// Interrupt builds an interrupt frame cancelling the active agent run.
func Interrupt() Frame {
	return Frame{Type: frameInterrupt}
}

func (f Frame) marshal() ([]byte, error) {
	return json.Marshal(f)
}

// ABOUTME: Coordinates the duplex stream, the message ledger, and the persistence relay.
// ABOUTME: Owns turn lifecycle: send, streamed fragments, finalize, and background persistence.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neelamnagarajgithub/repurpoai/internal/dedupe"
	"github.com/neelamnagarajgithub/repurpoai/internal/document"
	"github.com/neelamnagarajgithub/repurpoai/internal/identity"
	"github.com/neelamnagarajgithub/repurpoai/internal/ledger"
	"github.com/neelamnagarajgithub/repurpoai/internal/relay"
	"github.com/neelamnagarajgithub/repurpoai/internal/store"
	"github.com/neelamnagarajgithub/repurpoai/internal/stream"
)

// ErrClosed is returned by operations on a closed coordinator.
var ErrClosed = errors.New("session closed")

// ErrNotExportable is returned when a message cannot be rendered into a
// document (unknown, still streaming, failed, or not an assistant message).
var ErrNotExportable = errors.New("message not exportable")

const (
	defaultPersistTimeout = 5 * time.Second
	guardTTL              = 10 * time.Minute
	guardMaxSize          = 1024
)

// Streamer is the duplex stream surface the coordinator drives.
type Streamer interface {
	Open(ctx context.Context) error
	Events() <-chan stream.Event
	Send(frame stream.Frame) error
	SetActive(handle string) string
	Close() error
}

// Persister is the REST persistence surface.
type Persister interface {
	StoreMessage(ctx context.Context, rec relay.Record) (string, error)
	RegisterDownload(ctx context.Context, rec relay.DownloadRecord) error
	ListDownloads(ctx context.Context, limit int) ([]relay.Download, error)
}

// Mirror receives best-effort local copies of persisted data. Optional.
type Mirror interface {
	SaveMessage(ctx context.Context, msg store.Message) error
	SaveDownload(ctx context.Context, d store.Download) error
}

// Config configures a Coordinator.
type Config struct {
	Stream Streamer
	Relay  Persister
	// Sink stores exported document artifacts. Optional; exports fail
	// without one.
	Sink document.Sink
	// Mirror is the local history mirror. Optional.
	Mirror Mirror
	// PersistTimeout bounds each background persistence call.
	// Defaults to 5s.
	PersistTimeout time.Duration
	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// Coordinator holds one conversation: it forwards user messages onto the
// stream, folds streamed fragments into the ledger, reconciles the
// server-assigned conversation identity from whichever channel delivers it
// first, and persists completed messages in the background.
type Coordinator struct {
	stream   Streamer
	relay    Persister
	sink     document.Sink
	mirror   Mirror
	logger   *slog.Logger
	timeout  time.Duration
	ledger   *ledger.Ledger
	registry *identity.Registry
	guard    *dedupe.Guard
	notifier *Notifier

	wg       sync.WaitGroup
	loopDone chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates a coordinator. Call Start to open the stream.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")

	timeout := cfg.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}

	c := &Coordinator{
		stream:   cfg.Stream,
		relay:    cfg.Relay,
		sink:     cfg.Sink,
		mirror:   cfg.Mirror,
		logger:   logger,
		timeout:  timeout,
		ledger:   ledger.New(logger),
		registry: identity.NewRegistry(logger),
		guard:    dedupe.New(guardTTL, guardMaxSize),
		notifier: NewNotifier(logger),
		loopDone: make(chan struct{}),
	}

	c.registry.OnChange(func(id string) {
		c.notifier.Publish(Update{Kind: UpdateIdentity, ConversationID: id})
	})

	return c
}

// Start opens the stream and begins consuming its events. It returns once
// the connection is established.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.stream.Open(ctx); err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}

	go c.loop()
	return nil
}

// Send submits a user message and opens a new assistant turn. It returns
// the handles of the user message and the assistant placeholder the
// response will stream into. If a previous turn is still streaming it is
// finalized as-is first.
func (c *Coordinator) Send(text string) (string, string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", "", ErrClosed
	}
	c.mu.Unlock()

	userHandle := uuid.New().String()
	assistantHandle := uuid.New().String()

	c.ledger.Append(ledger.Message{
		Handle:    userHandle,
		Role:      ledger.RoleUser,
		Content:   text,
		Finalized: true,
	})
	c.ledger.Append(ledger.Message{
		Handle: assistantHandle,
		Role:   ledger.RoleAssistant,
	})

	// The prior turn finalizes before the new placeholder becomes the
	// target: a straggling fragment for the old turn is then dropped as a
	// violation instead of landing in the new message.
	if prev := c.stream.SetActive(""); prev != "" {
		c.logger.Info("finalizing interrupted turn", "handle", prev)
		c.finalize(prev, false, "")
	}
	c.stream.SetActive(assistantHandle)

	conversationID, _ := c.registry.Get()
	if err := c.stream.Send(stream.UserMessage(text, conversationID)); err != nil {
		return "", "", fmt.Errorf("sending message: %w", err)
	}

	c.persistAsync(userHandle)
	c.notifier.Publish(Update{Kind: UpdateFinalized, Handle: userHandle, Text: text})

	return userHandle, assistantHandle, nil
}

// Reply answers a question the backend asked mid-turn. The active assistant
// message keeps streaming; the reply is recorded and persisted like any
// other user message.
func (c *Coordinator) Reply(text string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.mu.Unlock()

	handle := uuid.New().String()
	c.ledger.Append(ledger.Message{
		Handle:    handle,
		Role:      ledger.RoleUser,
		Content:   text,
		Finalized: true,
	})

	if err := c.stream.Send(stream.HumanReply(text)); err != nil {
		return "", fmt.Errorf("sending reply: %w", err)
	}

	c.persistAsync(handle)
	c.notifier.Publish(Update{Kind: UpdateFinalized, Handle: handle, Text: text})
	return handle, nil
}

// Interrupt asks the backend to stop the current turn. Whatever already
// streamed stays in the ledger; the backend answers with a final event or
// an error for the active message.
func (c *Coordinator) Interrupt() error {
	if err := c.stream.Send(stream.Interrupt()); err != nil {
		return fmt.Errorf("sending interrupt: %w", err)
	}
	return nil
}

// ConversationID returns the server-assigned identity, once known.
func (c *Coordinator) ConversationID() (string, bool) {
	return c.registry.Get()
}

// Transcript returns a point-in-time copy of the conversation.
func (c *Coordinator) Transcript() []ledger.Message {
	return c.ledger.Snapshot()
}

// Subscribe registers for live session updates.
func (c *Coordinator) Subscribe(ctx context.Context) (<-chan Update, string) {
	return c.notifier.Subscribe(ctx)
}

// ExportDocument renders a finalized assistant message into an HTML
// artifact, saves it through the sink, and registers it as a download.
// Returns the saved artifact's location.
func (c *Coordinator) ExportDocument(ctx context.Context, handle string) (string, error) {
	if c.sink == nil {
		return "", fmt.Errorf("no artifact sink configured")
	}

	msg, ok := c.ledger.Find(handle)
	if !ok {
		return "", fmt.Errorf("%w: unknown handle %s", ErrNotExportable, handle)
	}
	if msg.Role != ledger.RoleAssistant || !msg.Finalized || msg.Failed {
		return "", fmt.Errorf("%w: %s", ErrNotExportable, handle)
	}

	artifact, err := document.RenderHTML(documentTitle(msg.Content), msg.Content)
	if err != nil {
		return "", fmt.Errorf("rendering document: %w", err)
	}

	location, err := c.sink.Save(ctx, artifact)
	if err != nil {
		return "", fmt.Errorf("saving artifact: %w", err)
	}

	if err := c.relay.RegisterDownload(ctx, relay.DownloadRecord{
		Filename: artifact.Filename,
		URL:      location,
	}); err != nil {
		return "", fmt.Errorf("registering download: %w", err)
	}

	if c.mirror != nil {
		if err := c.mirror.SaveDownload(ctx, store.Download{Filename: artifact.Filename, URL: location}); err != nil {
			c.logger.Warn("mirroring download failed", "error", err)
		}
	}

	c.logger.Info("document exported", "handle", handle, "location", location)
	return location, nil
}

// Downloads lists registered downloads, newest first.
func (c *Coordinator) Downloads(ctx context.Context, limit int) ([]relay.Download, error) {
	return c.relay.ListDownloads(ctx, limit)
}

// Flush blocks until all in-flight background persistence completes.
func (c *Coordinator) Flush() {
	c.wg.Wait()
}

// Close tears down the stream and waits for background work. Idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	err := c.stream.Close()
	if started {
		<-c.loopDone
	}
	c.wg.Wait()
	c.guard.Close()
	return err
}

// loop consumes stream events until the channel closes.
func (c *Coordinator) loop() {
	defer close(c.loopDone)

	for ev := range c.stream.Events() {
		switch ev.Type {
		case stream.EventConversationAssigned:
			c.registry.TrySet(ev.ConversationID)

		case stream.EventContentFragment:
			if c.ledger.AppendText(ev.Handle, ev.Text) {
				c.notifier.Publish(Update{Kind: UpdateFragment, Handle: ev.Handle, Text: ev.Text})
			}

		case stream.EventFinalize:
			c.finalize(ev.Handle, false, "")

		case stream.EventStreamError:
			c.logger.Warn("backend reported error", "handle", ev.Handle, "error", ev.Err)
			if ev.Handle != "" {
				c.finalize(ev.Handle, true, ev.Err)
			} else {
				c.notifier.Publish(Update{Kind: UpdateError, Err: errors.New(ev.Err)})
			}

		case stream.EventClosed:
			if ev.Handle != "" {
				c.finalize(ev.Handle, true, ev.Err)
			}
			var closeErr error
			if ev.Err != "" {
				closeErr = errors.New(ev.Err)
			}
			c.notifier.Publish(Update{Kind: UpdateClosed, Err: closeErr})
		}
	}
}

// finalize marks a message complete (or failed), persists it once, and
// notifies subscribers. A message that already finalized is left alone;
// the guard keeps a late duplicate finalize from persisting twice.
func (c *Coordinator) finalize(handle string, failed bool, errText string) {
	if !c.ledger.Finalize(handle, failed) {
		return
	}

	c.persistAsync(handle)

	msg, _ := c.ledger.Find(handle)
	update := Update{Kind: UpdateFinalized, Handle: handle, Text: msg.Content}
	if failed {
		update.Kind = UpdateError
		if errText != "" {
			update.Err = errors.New(errText)
		}
	}
	c.notifier.Publish(update)
}

// persistAsync stores a ledger message through the relay without blocking
// the caller. Each handle is persisted at most once; a failed attempt
// releases the claim so a later finalize can retry. The returned
// conversation identity feeds the registry, covering the case where the
// REST channel learns it first.
func (c *Coordinator) persistAsync(handle string) {
	msg, ok := c.ledger.Find(handle)
	if !ok {
		return
	}
	if !c.guard.Claim(handle) {
		c.logger.Debug("message already persisted", "handle", handle)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		conversationID, _ := c.registry.Get()
		rec := relay.Record{
			ConversationID: conversationID,
			Role:           string(msg.Role),
			Content:        msg.Content,
		}
		if msg.Failed {
			rec.Meta = map[string]any{"failed": true}
		}

		assigned, err := c.relay.StoreMessage(ctx, rec)
		if err != nil {
			c.logger.Warn("persisting message failed", "handle", handle, "error", err)
			c.guard.Release(handle)
			return
		}
		if assigned != "" {
			c.registry.TrySet(assigned)
		}

		c.mirrorMessage(ctx, msg, assigned)
	}()
}

// mirrorMessage writes a local history copy. Best effort; a mirror failure
// never affects the session.
func (c *Coordinator) mirrorMessage(ctx context.Context, msg ledger.Message, assigned string) {
	if c.mirror == nil {
		return
	}
	conversationID := assigned
	if conversationID == "" {
		conversationID, _ = c.registry.Get()
	}
	if conversationID == "" {
		c.logger.Debug("skipping history mirror, identity unknown", "handle", msg.Handle)
		return
	}

	err := c.mirror.SaveMessage(ctx, store.Message{
		Handle:         msg.Handle,
		ConversationID: conversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Failed:         msg.Failed,
		CreatedAt:      msg.CreatedAt,
	})
	if err != nil {
		c.logger.Warn("mirroring message failed", "handle", msg.Handle, "error", err)
	}
}

// documentTitle derives a title from the first plain-text line of content.
func documentTitle(content string) string {
	text := document.StripMarkdown(content)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "Conversation Export"
	}
	if len(text) > 60 {
		text = strings.TrimSpace(text[:60])
	}
	return text
}

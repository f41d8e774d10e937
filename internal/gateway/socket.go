package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/modrelay/modrelay/internal/modrelay"
)

// Handler consumes inbound user traffic from the event stream. The engine
// satisfies it directly.
type Handler interface {
	HandleInboundMessage(ctx context.Context, in modrelay.InboundMessage) error
	HandleUserMessageUpdate(ctx context.Context, oldContent string, in modrelay.InboundMessage) error
	HandleUserMessageDelete(ctx context.Context, userMessageID string) error
	HandleUserLeave(ctx context.Context, workspaceID, userID string) error
}

// Event stream frame. The platform pushes typed events; pings keep the
// connection alive.
type frame struct {
	Op   string          `json:"op"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

const (
	opEvent = "event"
	opPing  = "ping"
	opPong  = "pong"

	eventDirectMessageCreate   = "DIRECT_MESSAGE_CREATE"
	eventDirectMessageUpdate   = "DIRECT_MESSAGE_UPDATE"
	eventDirectMessageDelete   = "DIRECT_MESSAGE_DELETE"
	eventWorkspaceMemberRemove = "WORKSPACE_MEMBER_REMOVE"
	eventSelectInteraction     = "SELECT_INTERACTION"
)

type directMessageEvent struct {
	MessageID   string              `json:"messageId"`
	UserID      string              `json:"userId"`
	Content     string              `json:"content"`
	OldContent  string              `json:"oldContent,omitempty"`
	HasSticker  bool                `json:"hasSticker,omitempty"`
	Attachments []attachmentPayload `json:"attachments,omitempty"`
}

type memberRemoveEvent struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
}

type selectInteractionEvent struct {
	CustomID string `json:"customId"`
	Value    string `json:"value"`
}

// userMailboxes runs handler calls off the socket read loop while keeping
// each user's events in the order they arrived. At most one drainer
// goroutine exists per user, and only while that user has pending work;
// idle users hold nothing.
type userMailboxes struct {
	mu      sync.Mutex
	pending map[string][]func()
	active  map[string]bool
}

func newUserMailboxes() *userMailboxes {
	return &userMailboxes{
		pending: make(map[string][]func()),
		active:  make(map[string]bool),
	}
}

func (m *userMailboxes) enqueue(key string, fn func()) {
	m.mu.Lock()
	m.pending[key] = append(m.pending[key], fn)
	spawn := !m.active[key]
	if spawn {
		m.active[key] = true
	}
	m.mu.Unlock()
	if spawn {
		go m.drain(key)
	}
}

func (m *userMailboxes) drain(key string) {
	for {
		m.mu.Lock()
		queue := m.pending[key]
		if len(queue) == 0 {
			delete(m.pending, key)
			delete(m.active, key)
			m.mu.Unlock()
			return
		}
		m.pending[key] = queue[1:]
		m.mu.Unlock()

		queue[0]()
	}
}

// SocketOptions configures the event stream.
type SocketOptions struct {
	URL     string
	Token   string
	Handler Handler
	Prompts *PromptRegistry

	// DialTimeout bounds each connection attempt; MaxBackoff caps the
	// reconnect delay.
	DialTimeout time.Duration
	MaxBackoff  time.Duration
}

// Socket maintains the websocket connection to the platform event stream,
// reconnecting with capped exponential backoff.
type Socket struct {
	url         string
	token       string
	handler     Handler
	prompts     *PromptRegistry
	mail        *userMailboxes
	dialTimeout time.Duration
	maxBackoff  time.Duration
}

// NewSocket builds a Socket, filling unset options with defaults.
func NewSocket(opts SocketOptions) *Socket {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &Socket{
		url:         opts.URL,
		token:       opts.Token,
		handler:     opts.Handler,
		prompts:     opts.Prompts,
		mail:        newUserMailboxes(),
		dialTimeout: dialTimeout,
		maxBackoff:  maxBackoff,
	}
}

// Run connects and consumes events until ctx is cancelled. Connection drops
// are retried; only ctx cancellation ends the loop.
func (s *Socket) Run(ctx context.Context) error {
	backoff := time.Second
	if backoff > s.maxBackoff {
		backoff = s.maxBackoff
	}
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("event stream disconnected: %v; reconnecting in %s", err, backoff)
		if waitErr := sleepContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *Socket) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)
	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{HTTPHeader: header})
	cancel()
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	log.Printf("event stream connected: %s", s.url)

	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		switch f.Op {
		case opPing:
			if err := wsjson.Write(ctx, conn, frame{Op: opPong}); err != nil {
				return err
			}
		case opEvent:
			s.dispatch(ctx, f)
		}
	}
}

// dispatch decodes one event. Handler calls run off the read loop: an
// inbound message can block on a disambiguation prompt whose answer
// arrives on this same loop, so the loop must never wait on a handler.
// The per-user mailbox fixes the order handler calls start in to the
// order their frames were read, so the relay queue downstream admits a
// user's messages in send order; different users stay concurrent.
func (s *Socket) dispatch(ctx context.Context, f frame) {
	switch f.Type {
	case eventDirectMessageCreate:
		var ev directMessageEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			log.Printf("decode %s: %v", f.Type, err)
			return
		}
		s.mail.enqueue(ev.UserID, func() {
			if err := s.handler.HandleInboundMessage(ctx, ev.inbound()); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("handle %s from %s: %v", eventDirectMessageCreate, ev.UserID, err)
			}
		})
	case eventDirectMessageUpdate:
		var ev directMessageEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			log.Printf("decode %s: %v", f.Type, err)
			return
		}
		s.mail.enqueue(ev.UserID, func() {
			if err := s.handler.HandleUserMessageUpdate(ctx, ev.OldContent, ev.inbound()); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("handle %s from %s: %v", eventDirectMessageUpdate, ev.UserID, err)
			}
		})
	case eventDirectMessageDelete:
		var ev directMessageEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			log.Printf("decode %s: %v", f.Type, err)
			return
		}
		s.mail.enqueue(ev.UserID, func() {
			if err := s.handler.HandleUserMessageDelete(ctx, ev.MessageID); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("handle %s: %v", eventDirectMessageDelete, err)
			}
		})
	case eventWorkspaceMemberRemove:
		var ev memberRemoveEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			log.Printf("decode %s: %v", f.Type, err)
			return
		}
		s.mail.enqueue(ev.UserID, func() {
			if err := s.handler.HandleUserLeave(ctx, ev.WorkspaceID, ev.UserID); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("handle %s for %s: %v", eventWorkspaceMemberRemove, ev.UserID, err)
			}
		})
	case eventSelectInteraction:
		var ev selectInteractionEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			log.Printf("decode %s: %v", f.Type, err)
			return
		}
		if s.prompts != nil {
			s.prompts.Dispatch(ev.CustomID, ev.Value)
		}
	default:
		log.Printf("unhandled event type %q", f.Type)
	}
}

func (ev directMessageEvent) inbound() modrelay.InboundMessage {
	in := modrelay.InboundMessage{
		MessageID:  ev.MessageID,
		UserID:     ev.UserID,
		Content:    ev.Content,
		HasSticker: ev.HasSticker,
	}
	for _, att := range ev.Attachments {
		in.Attachments = append(in.Attachments, modrelay.Attachment(att))
	}
	return in
}

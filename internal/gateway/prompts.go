package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/modrelay/modrelay/internal/modrelay"
)

// PromptRegistry correlates live select prompts with the interaction events
// that answer them. Prompts are keyed by a random custom ID carried on the
// select component; the event stream feeds selections in via Dispatch.
type PromptRegistry struct {
	mu      sync.Mutex
	pending map[string]chan string
}

// NewPromptRegistry returns an empty registry.
func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{pending: make(map[string]chan string)}
}

func (r *PromptRegistry) register(customID string) chan string {
	ch := make(chan string, 1)
	r.mu.Lock()
	r.pending[customID] = ch
	r.mu.Unlock()
	return ch
}

func (r *PromptRegistry) unregister(customID string) {
	r.mu.Lock()
	delete(r.pending, customID)
	r.mu.Unlock()
}

// Dispatch routes one selection to its waiting prompt. Unknown custom IDs
// are dropped; they belong to prompts that already timed out.
func (r *PromptRegistry) Dispatch(customID, value string) {
	r.mu.Lock()
	ch, ok := r.pending[customID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- value:
	default:
	}
}

func encodeOptions(options []modrelay.SelectOption) []selectOptionPayload {
	encoded := make([]selectOptionPayload, 0, len(options))
	for _, opt := range options {
		encoded = append(encoded, selectOptionPayload(opt))
	}
	return encoded
}

// OpenSelectPrompt posts a single-select message to the user's DM channel
// and returns a handle bound to the registry.
func (c *Client) OpenSelectPrompt(ctx context.Context, userID, content string, options []modrelay.SelectOption) (modrelay.SelectPrompt, error) {
	customID := uuid.NewString()
	ch := c.prompts.register(customID)

	var out messageResponse
	err := c.do(ctx, http.MethodPost, "/v1/users/"+url.PathEscape(userID)+"/messages", messagePayload{
		Content: content,
		Select:  &selectPayload{CustomID: customID, Options: encodeOptions(options)},
	}, &out)
	if err != nil {
		c.prompts.unregister(customID)
		return nil, err
	}

	return &selectPrompt{
		client:    c,
		userID:    userID,
		messageID: out.MessageID,
		customID:  customID,
		ch:        ch,
	}, nil
}

type selectPrompt struct {
	client    *Client
	userID    string
	messageID string
	customID  string
	ch        chan string

	mu       sync.Mutex
	finished bool
}

func (p *selectPrompt) Await(ctx context.Context) (string, error) {
	select {
	case value, ok := <-p.ch:
		if !ok {
			return "", modrelay.ErrPromptClosed
		}
		return value, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Update swaps the prompt's copy and options in place, keeping the same
// custom ID so in-flight interactions still route here.
func (p *selectPrompt) Update(ctx context.Context, content string, options []modrelay.SelectOption) error {
	p.mu.Lock()
	finished := p.finished
	p.mu.Unlock()
	if finished {
		return modrelay.ErrPromptClosed
	}
	return p.client.do(ctx, http.MethodPatch,
		"/v1/users/"+url.PathEscape(p.userID)+"/messages/"+url.PathEscape(p.messageID),
		messagePayload{
			Content: content,
			Select:  &selectPayload{CustomID: p.customID, Options: encodeOptions(options)},
		}, nil)
}

// Close finalizes the prompt: the message keeps the closing copy but loses
// its select component, and the registry entry is released.
func (p *selectPrompt) Close(ctx context.Context, content string) error {
	if err := p.finish(); err != nil {
		return err
	}
	return p.client.EditUserMessage(ctx, p.userID, p.messageID, modrelay.OutgoingMessage{Content: content})
}

// Delete removes the prompt message entirely.
func (p *selectPrompt) Delete(ctx context.Context) error {
	if err := p.finish(); err != nil {
		return err
	}
	return p.client.DeleteUserMessage(ctx, p.userID, p.messageID)
}

func (p *selectPrompt) finish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return fmt.Errorf("prompt %s: %w", p.customID, modrelay.ErrPromptClosed)
	}
	p.finished = true
	p.client.prompts.unregister(p.customID)
	return nil
}

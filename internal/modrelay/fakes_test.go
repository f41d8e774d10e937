package modrelay

import (
	"context"
	"fmt"
	"sync"
)

// Shared hand-written fakes for the platform surface and config source.

type sentMessage struct {
	id   string
	body OutgoingMessage
}

type fakePlatform struct {
	mu  sync.Mutex
	seq int

	userMsgs map[string][]sentMessage
	chanMsgs map[string][]sentMessage
	edits    map[string]OutgoingMessage
	deletes  map[string]bool

	vanishedChannels map[string]bool
	archived         map[string]bool
	closedDMs        map[string]bool

	members    map[string]Member
	workspaces map[string][]string

	createdThreads int
	promptAnswers  chan string
	prompts        []*fakePrompt
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		userMsgs:         make(map[string][]sentMessage),
		chanMsgs:         make(map[string][]sentMessage),
		edits:            make(map[string]OutgoingMessage),
		deletes:          make(map[string]bool),
		vanishedChannels: make(map[string]bool),
		archived:         make(map[string]bool),
		closedDMs:        make(map[string]bool),
		members:          make(map[string]Member),
		workspaces:       make(map[string][]string),
		promptAnswers:    make(chan string, 8),
	}
}

func (p *fakePlatform) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

func (p *fakePlatform) addMember(workspaceID string, member Member) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members[workspaceID+"/"+member.UserID] = member
	p.workspaces[member.UserID] = append(p.workspaces[member.UserID], workspaceID)
}

func (p *fakePlatform) userMessages(userID string) []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMessage(nil), p.userMsgs[userID]...)
}

func (p *fakePlatform) channelMessages(channelID string) []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMessage(nil), p.chanMsgs[channelID]...)
}

func (p *fakePlatform) lastChannelMessage(channelID string) (sentMessage, bool) {
	msgs := p.channelMessages(channelID)
	if len(msgs) == 0 {
		return sentMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

func (p *fakePlatform) SendUserMessage(ctx context.Context, userID string, msg OutgoingMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closedDMs[userID] {
		return "", fmt.Errorf("user %s refuses direct messages: %w", userID, ErrDeliveryFailed)
	}
	id := p.nextID("dm")
	p.userMsgs[userID] = append(p.userMsgs[userID], sentMessage{id: id, body: msg})
	return id, nil
}

func (p *fakePlatform) EditUserMessage(ctx context.Context, userID, messageID string, msg OutgoingMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edits["user/"+messageID] = msg
	return nil
}

func (p *fakePlatform) DeleteUserMessage(ctx context.Context, userID, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes["user/"+messageID] = true
	return nil
}

func (p *fakePlatform) SendChannelMessage(ctx context.Context, channelID string, msg OutgoingMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vanishedChannels[channelID] {
		return "", fmt.Errorf("channel %s: %w", channelID, ErrResourceVanished)
	}
	id := p.nextID("cm")
	p.chanMsgs[channelID] = append(p.chanMsgs[channelID], sentMessage{id: id, body: msg})
	return id, nil
}

func (p *fakePlatform) EditChannelMessage(ctx context.Context, channelID, messageID string, msg OutgoingMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vanishedChannels[channelID] {
		return fmt.Errorf("channel %s: %w", channelID, ErrResourceVanished)
	}
	p.edits["chan/"+messageID] = msg
	return nil
}

func (p *fakePlatform) DeleteChannelMessage(ctx context.Context, channelID, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes["chan/"+messageID] = true
	return nil
}

func (p *fakePlatform) FetchChannelMessageBody(ctx context.Context, channelID, messageID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if edited, ok := p.edits["chan/"+messageID]; ok {
		return bodyOf(edited), nil
	}
	for _, msg := range p.chanMsgs[channelID] {
		if msg.id == messageID {
			return bodyOf(msg.body), nil
		}
	}
	return "", fmt.Errorf("message %s: %w", messageID, ErrResourceVanished)
}

func bodyOf(msg OutgoingMessage) string {
	if msg.Card != nil && msg.Card.Body != "" {
		return msg.Card.Body
	}
	return msg.Content
}

func (p *fakePlatform) CreateThreadChannel(ctx context.Context, workspaceID, relayChannelID, name string, starter OutgoingMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createdThreads++
	id := p.nextID("thread-chan")
	p.chanMsgs[id] = append(p.chanMsgs[id], sentMessage{id: p.nextID("cm"), body: starter})
	return id, nil
}

func (p *fakePlatform) ResolveChannel(ctx context.Context, channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vanishedChannels[channelID] {
		return fmt.Errorf("channel %s: %w", channelID, ErrResourceVanished)
	}
	return nil
}

func (p *fakePlatform) ChannelArchived(ctx context.Context, channelID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vanishedChannels[channelID] {
		return false, fmt.Errorf("channel %s: %w", channelID, ErrResourceVanished)
	}
	return p.archived[channelID], nil
}

func (p *fakePlatform) ArchiveChannel(ctx context.Context, channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vanishedChannels[channelID] {
		return fmt.Errorf("channel %s: %w", channelID, ErrResourceVanished)
	}
	p.archived[channelID] = true
	return nil
}

func (p *fakePlatform) UnarchiveChannel(ctx context.Context, channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.archived[channelID] = false
	return nil
}

func (p *fakePlatform) MemberOf(ctx context.Context, workspaceID, userID string) (Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if member, ok := p.members[workspaceID+"/"+userID]; ok {
		return member, nil
	}
	return Member{}, fmt.Errorf("member %s in %s: %w", userID, workspaceID, ErrNotFound)
}

func (p *fakePlatform) UserWorkspaces(ctx context.Context, userID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.workspaces[userID]...), nil
}

func (p *fakePlatform) OpenSelectPrompt(ctx context.Context, userID, content string, options []SelectOption) (SelectPrompt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prompt := &fakePrompt{
		answers:  p.promptAnswers,
		contents: []string{content},
		options:  [][]SelectOption{options},
	}
	p.prompts = append(p.prompts, prompt)
	return prompt, nil
}

type fakePrompt struct {
	mu       sync.Mutex
	answers  chan string
	contents []string
	options  [][]SelectOption
	closed   string
	deleted  bool
}

func (f *fakePrompt) Await(ctx context.Context) (string, error) {
	select {
	case value := <-f.answers:
		return value, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakePrompt) Update(ctx context.Context, content string, options []SelectOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contents = append(f.contents, content)
	f.options = append(f.options, options)
	return nil
}

func (f *fakePrompt) Close(ctx context.Context, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = content
	return nil
}

func (f *fakePrompt) Delete(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = true
	return nil
}

type fakeConfigs map[string]WorkspaceConfig

func (c fakeConfigs) Workspace(workspaceID string) (WorkspaceConfig, error) {
	cfg, ok := c[workspaceID]
	if !ok {
		return WorkspaceConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (c fakeConfigs) ConfiguredWorkspaces() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	return ids
}

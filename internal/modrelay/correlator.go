package modrelay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"unicode/utf8"
)

// Correlator relays messages across a thread and keeps both sides
// correlated through ThreadMessage rows. The sequence allocation and the
// correlation insert always happen in one store transaction.
type Correlator struct {
	store    ThreadStore
	platform Platform
}

// NewCorrelator wires the correlator.
func NewCorrelator(store ThreadStore, platform Platform) *Correlator {
	return &Correlator{store: store, platform: platform}
}

// RelayInbound mirrors a user message into the thread's staff channel and
// records the correlation row.
func (c *Correlator) RelayInbound(ctx context.Context, thread Thread, member Member, in InboundMessage, cfg WorkspaceConfig) (ThreadMessage, error) {
	if utf8.RuneCountInString(in.Content) > MaxRelayContentLength {
		return ThreadMessage{}, reject(ErrMessageTooLong, "your message is too long to relay; please split it up")
	}
	rendered := RenderInbound(member, in, cfg.DisplayMode)
	staffMessageID, err := c.platform.SendChannelMessage(ctx, thread.StaffChannelID, rendered)
	if err != nil {
		return ThreadMessage{}, fmt.Errorf("forward user message: %w", err)
	}
	record, err := c.store.RecordMessage(ctx, ThreadMessage{
		ThreadID:       thread.ID,
		UserID:         member.UserID,
		UserMessageID:  in.MessageID,
		StaffMessageID: staffMessageID,
	})
	if err != nil {
		return ThreadMessage{}, fmt.Errorf("record inbound message: %w", err)
	}
	return record, nil
}

// RelayOutbound mirrors a staff reply to the user. The staff-side copy is
// posted first and keeps authorship even for anonymous replies; the
// user-side copy strips it. Once the sequence is allocated the staff copy is
// edited to embed the reply identifier.
func (c *Correlator) RelayOutbound(ctx context.Context, thread Thread, staff, user Member, content string, attachment *Attachment, anonymous bool, cfg WorkspaceConfig) (ThreadMessage, error) {
	if utf8.RuneCountInString(content) > MaxRelayContentLength {
		return ThreadMessage{}, reject(ErrMessageTooLong, "your reply is too long to relay; please split it up")
	}
	content = ExpandTemplate(content, templateDataFromMember(user))
	rendered := RenderOutbound(staff, content, attachment, 0, anonymous, cfg.DisplayMode)

	staffMessageID, err := c.platform.SendChannelMessage(ctx, thread.StaffChannelID, rendered.Staff)
	if err != nil {
		return ThreadMessage{}, fmt.Errorf("post staff copy: %w", err)
	}
	userMessageID, err := c.platform.SendUserMessage(ctx, thread.UserID, rendered.User)
	if err != nil {
		if errors.Is(err, ErrDeliveryFailed) {
			c.noteToStaff(ctx, thread.StaffChannelID, "Could not deliver this reply: the user has DMs disabled.")
			return ThreadMessage{}, fmt.Errorf("deliver reply to user %s: %w", thread.UserID, err)
		}
		return ThreadMessage{}, fmt.Errorf("deliver reply: %w", err)
	}

	record, err := c.store.RecordMessage(ctx, ThreadMessage{
		ThreadID:       thread.ID,
		UserID:         user.UserID,
		UserMessageID:  userMessageID,
		StaffMessageID: staffMessageID,
		StaffID:        staff.UserID,
		Anonymous:      anonymous,
	})
	if err != nil {
		return ThreadMessage{}, fmt.Errorf("record outbound message: %w", err)
	}

	withSequence := RenderOutbound(staff, content, attachment, record.LocalSequence, anonymous, cfg.DisplayMode)
	if err := c.platform.EditChannelMessage(ctx, thread.StaffChannelID, staffMessageID, withSequence.Staff); err != nil {
		log.Printf("embed reply id %d into staff copy: %v", record.LocalSequence, err)
	}
	return record, nil
}

// Edit replaces both sides of reply #sequence in place. Only the staff
// member who authored the reply may edit it; a mismatch rejects with no
// mutation. An audit note with the prior content is posted on the staff
// side.
func (c *Correlator) Edit(ctx context.Context, thread Thread, sequence int64, editor, user Member, newContent string, attachment *Attachment, cfg WorkspaceConfig) error {
	msg, err := c.store.MessageBySequence(ctx, thread.ID, sequence)
	if errors.Is(err, ErrNotFound) {
		return reject(ErrNotFound, "no reply with id %d exists in this thread", sequence)
	}
	if err != nil {
		return fmt.Errorf("lookup reply %d: %w", sequence, err)
	}
	if msg.StaffID == "" || msg.StaffID != editor.UserID {
		return reject(ErrNotMessageAuthor, "you can only edit your own replies")
	}

	oldContent, err := c.platform.FetchChannelMessageBody(ctx, thread.StaffChannelID, msg.StaffMessageID)
	if err != nil && !errors.Is(err, ErrResourceVanished) {
		return fmt.Errorf("fetch prior content: %w", err)
	}

	newContent = ExpandTemplate(newContent, templateDataFromMember(user))
	rendered := RenderOutbound(editor, newContent, attachment, msg.LocalSequence, msg.Anonymous, cfg.DisplayMode)
	if err := c.platform.EditChannelMessage(ctx, thread.StaffChannelID, msg.StaffMessageID, rendered.Staff); err != nil {
		return fmt.Errorf("edit staff copy: %w", err)
	}
	if err := c.platform.EditUserMessage(ctx, thread.UserID, msg.UserMessageID, rendered.User); err != nil {
		return fmt.Errorf("edit user copy: %w", err)
	}
	c.noteToStaff(ctx, thread.StaffChannelID, RenderEditAudit(msg.LocalSequence, oldContent).Content)
	return nil
}

// Delete removes both sides of reply #sequence, best effort: a side that is
// already missing is ignored.
func (c *Correlator) Delete(ctx context.Context, thread Thread, sequence int64) error {
	msg, err := c.store.MessageBySequence(ctx, thread.ID, sequence)
	if errors.Is(err, ErrNotFound) {
		return reject(ErrNotFound, "no reply with id %d exists in this thread", sequence)
	}
	if err != nil {
		return fmt.Errorf("lookup reply %d: %w", sequence, err)
	}
	if err := c.platform.DeleteChannelMessage(ctx, thread.StaffChannelID, msg.StaffMessageID); err != nil && !errors.Is(err, ErrResourceVanished) {
		return fmt.Errorf("delete staff copy: %w", err)
	}
	if err := c.platform.DeleteUserMessage(ctx, thread.UserID, msg.UserMessageID); err != nil && !errors.Is(err, ErrResourceVanished) {
		return fmt.Errorf("delete user copy: %w", err)
	}
	return nil
}

// HandleUserEdit propagates a user-originated edit one-directionally: the
// staff-side copy is updated in place and an annotated note preserves the
// prior content. The user always owns their own message, so there is no
// authorization check.
func (c *Correlator) HandleUserEdit(ctx context.Context, oldContent string, in InboundMessage, member Member, cfg WorkspaceConfig) error {
	msg, err := c.store.MessageByUserMessageID(ctx, in.MessageID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup edited message: %w", err)
	}
	thread, err := c.store.ThreadByID(ctx, msg.ThreadID)
	if err != nil || !thread.Open() {
		return nil
	}
	rendered := RenderInbound(member, in, cfg.DisplayMode)
	if err := c.platform.EditChannelMessage(ctx, thread.StaffChannelID, msg.StaffMessageID, rendered); err != nil && !errors.Is(err, ErrResourceVanished) {
		return fmt.Errorf("propagate user edit: %w", err)
	}
	c.noteToStaff(ctx, thread.StaffChannelID, RenderUserEditNote(oldContent, in.Content).Content)
	return nil
}

// HandleUserDelete annotates the staff side when the user deletes one of
// their relayed messages. The staff-side copy is kept for the record.
func (c *Correlator) HandleUserDelete(ctx context.Context, userMessageID string) error {
	msg, err := c.store.MessageByUserMessageID(ctx, userMessageID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup deleted message: %w", err)
	}
	thread, err := c.store.ThreadByID(ctx, msg.ThreadID)
	if err != nil || !thread.Open() {
		return nil
	}
	c.noteToStaff(ctx, thread.StaffChannelID, RenderUserDeleteNote().Content)
	return nil
}

func (c *Correlator) noteToStaff(ctx context.Context, channelID, note string) {
	if _, err := c.platform.SendChannelMessage(ctx, channelID, OutgoingMessage{Content: note}); err != nil {
		log.Printf("staff note to %s: %v", channelID, err)
	}
}

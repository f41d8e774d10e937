package modrelay

import "context"

// Platform is the chat-platform client surface the engine depends on.
// Implementations map their transport errors onto the package sentinels:
// a missing channel or message becomes ErrResourceVanished, a refused
// user-side delivery becomes ErrDeliveryFailed. Rate limiting and transient
// retries are the implementation's concern.
type Platform interface {
	// User side: direct messages.
	SendUserMessage(ctx context.Context, userID string, msg OutgoingMessage) (messageID string, err error)
	EditUserMessage(ctx context.Context, userID, messageID string, msg OutgoingMessage) error
	DeleteUserMessage(ctx context.Context, userID, messageID string) error

	// Staff side: workspace channels.
	SendChannelMessage(ctx context.Context, channelID string, msg OutgoingMessage) (messageID string, err error)
	EditChannelMessage(ctx context.Context, channelID, messageID string, msg OutgoingMessage) error
	DeleteChannelMessage(ctx context.Context, channelID, messageID string) error
	// FetchChannelMessageBody returns the current body of a staff-side
	// message, used for edit audit notes.
	FetchChannelMessageBody(ctx context.Context, channelID, messageID string) (string, error)

	// CreateThreadChannel creates the staff-side channel for a new thread
	// under the workspace's relay channel and posts the starter message.
	CreateThreadChannel(ctx context.Context, workspaceID, relayChannelID, name string, starter OutgoingMessage) (channelID string, err error)
	// ResolveChannel reports ErrResourceVanished when the channel no longer
	// exists.
	ResolveChannel(ctx context.Context, channelID string) error
	ChannelArchived(ctx context.Context, channelID string) (bool, error)
	ArchiveChannel(ctx context.Context, channelID string) error
	UnarchiveChannel(ctx context.Context, channelID string) error

	// MemberOf resolves a user's membership in one workspace.
	MemberOf(ctx context.Context, workspaceID, userID string) (Member, error)
	// UserWorkspaces lists the workspaces the user is a member of.
	UserWorkspaces(ctx context.Context, userID string) ([]string, error)

	// OpenSelectPrompt shows a single-select prompt in the user's DM
	// channel and returns a handle for driving it.
	OpenSelectPrompt(ctx context.Context, userID, content string, options []SelectOption) (SelectPrompt, error)
}

// SelectPrompt is a live interactive single-select message.
type SelectPrompt interface {
	// Await blocks until the user picks an option or ctx expires.
	Await(ctx context.Context) (value string, err error)
	// Update replaces the prompt's copy and options in place.
	Update(ctx context.Context, content string, options []SelectOption) error
	// Close finalizes the prompt with closing copy and no options.
	Close(ctx context.Context, content string) error
	// Delete removes the prompt message entirely.
	Delete(ctx context.Context) error
}

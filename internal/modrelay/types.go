package modrelay

import "time"

// DisplayMode controls how relayed messages are rendered in a workspace.
type DisplayMode string

const (
	// DisplayModePlain renders messages as text prefixed by the speaker name.
	DisplayModePlain DisplayMode = "plain"
	// DisplayModeCard renders messages as rich cards with author and footer
	// fields carrying the correlation metadata.
	DisplayModeCard DisplayMode = "card"
)

// Thread binds one user to one staff-side channel inside a workspace.
// At most one thread per (workspace, user) may have a zero ClosedAt.
type Thread struct {
	ID             int64
	WorkspaceID    string
	UserID         string
	StaffChannelID string
	CreatedByID    string
	CreatedAt      time.Time
	ClosedByID     string
	ClosedAt       time.Time
	LastLocalID    int64
}

// Open reports whether the thread has not been closed yet.
func (t Thread) Open() bool {
	return t.ClosedAt.IsZero()
}

// ScheduledClose is a pending, time-based close for an open thread.
// At most one exists per thread; re-scheduling overwrites it.
type ScheduledClose struct {
	ThreadID      int64
	CloseAt       time.Time
	ScheduledByID string
	Silent        bool
}

// ThreadMessage correlates one relayed message across both sides of a
// thread. LocalSequence starts at 1, is monotonic per thread and never
// reused; it is the human-facing reply identifier.
type ThreadMessage struct {
	ID             int64
	ThreadID       int64
	LocalSequence  int64
	UserID         string
	UserMessageID  string
	StaffMessageID string
	StaffID        string
	Anonymous      bool
}

// Block suppresses all relaying for a user in a workspace. A zero ExpiresAt
// means the block is permanent.
type Block struct {
	WorkspaceID string
	UserID      string
	ExpiresAt   time.Time
}

// Active reports whether the block is still in force at now.
func (b Block) Active(now time.Time) bool {
	return b.ExpiresAt.IsZero() || b.ExpiresAt.After(now)
}

// ThreadReplyAlert subscribes a staff member to pings on new user replies in
// one thread.
type ThreadReplyAlert struct {
	ThreadID int64
	UserID   string
}

// WorkspaceOpenAlert subscribes a staff member to pings when any thread opens
// in a workspace.
type WorkspaceOpenAlert struct {
	WorkspaceID string
	UserID      string
}

// WorkspaceConfig is the externally owned per-workspace configuration
// consumed by the engine.
type WorkspaceConfig struct {
	WorkspaceID    string      `json:"-"`
	RelayChannelID string      `json:"relayChannelId"`
	DisplayMode    DisplayMode `json:"displayMode"`
	Greeting       string      `json:"greeting"`
	Farewell       string      `json:"farewell"`
	AlertRoleID    string      `json:"alertRoleId"`
}

// ConfigSource yields workspace configuration snapshots.
type ConfigSource interface {
	// Workspace returns the configuration for one workspace, or ErrNotFound
	// when the workspace has no relay channel configured.
	Workspace(workspaceID string) (WorkspaceConfig, error)
	// ConfiguredWorkspaces lists the IDs of all workspaces with a relay
	// channel configured.
	ConfiguredWorkspaces() []string
}

// Member describes a workspace member as needed for rendering and templating.
type Member struct {
	UserID        string
	Username      string
	Nickname      string
	AvatarURL     string
	AccountsSince time.Time
	JoinedAt      time.Time
	Roles         []string
	WorkspaceName string
}

// DisplayName prefers the workspace nickname over the platform username.
func (m Member) DisplayName() string {
	if m.Nickname != "" {
		return m.Nickname
	}
	return m.Username
}

// Attachment is an opaque reference to an uploaded file carried alongside a
// message.
type Attachment struct {
	URL  string
	Name string
}

// InboundMessage is a user-authored direct message as received from the
// platform event stream.
type InboundMessage struct {
	MessageID   string
	UserID      string
	Content     string
	Attachments []Attachment
	HasSticker  bool
}

// CardField is a single labelled value on a card-mode message.
type CardField struct {
	Name   string
	Value  string
	Inline bool
}

// Card is the rich rendering of a message. Only the fields needed for
// correlation and display are modelled; visual layout belongs to the
// platform client.
type Card struct {
	AuthorName string
	AuthorIcon string
	Body       string
	ImageURL   string
	Footer     string
	FooterIcon string
	Fields     []CardField
}

// OutgoingMessage is the side-neutral payload handed to the platform.
// Exactly one of Content or Card carries the body in card mode; plain mode
// always uses Content.
type OutgoingMessage struct {
	Content     string
	Card        *Card
	Attachments []Attachment
}

// SelectOption is one entry of an interactive single-select prompt.
type SelectOption struct {
	Label string
	Value string
}

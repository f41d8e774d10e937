package modrelay

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// MaxRelayContentLength is the longest message body the correlator will
// relay; longer bodies are rejected before anything is sent.
const MaxRelayContentLength = 3800

const (
	defaultGreeting = "Thanks for reaching out! Staff will get back to you shortly."
	defaultFarewell = "This thread has been closed. You can start a new one in the future by sending another message here."
)

// TemplateData feeds the greeting/farewell placeholder substitution.
type TemplateData struct {
	Username      string
	UserID        string
	JoinDate      string
	Roles         string
	WorkspaceName string
}

var templatePattern = regexp.MustCompile(`{{ (\w+?) }}`)

// ExpandTemplate substitutes {{ placeholder }} occurrences in content.
// Unknown placeholders render as an explicit marker rather than leaking the
// raw template.
func ExpandTemplate(content string, data TemplateData) string {
	values := map[string]string{
		"username":      data.Username,
		"userId":        data.UserID,
		"joinDate":      data.JoinDate,
		"roles":         data.Roles,
		"workspaceName": data.WorkspaceName,
	}
	return templatePattern.ReplaceAllStringFunc(content, func(match string) string {
		name := templatePattern.FindStringSubmatch(match)[1]
		if value, ok := values[name]; ok {
			return value
		}
		return fmt.Sprintf("[unknown template %s]", name)
	})
}

func templateDataFromMember(member Member) TemplateData {
	return TemplateData{
		Username:      member.Username,
		UserID:        member.UserID,
		JoinDate:      member.JoinedAt.Format("January 2, 2006"),
		Roles:         rolesString(member),
		WorkspaceName: member.WorkspaceName,
	}
}

func rolesString(member Member) string {
	if len(member.Roles) == 0 {
		return "none"
	}
	roles := append([]string(nil), member.Roles...)
	sort.Strings(roles)
	return strings.Join(roles, ", ")
}

// RenderInbound renders the staff-side copy of a user message.
func RenderInbound(member Member, in InboundMessage, mode DisplayMode) OutgoingMessage {
	stickerNote := ""
	if in.HasSticker {
		stickerNote = "\n\n> This message also included a sticker"
	}
	if mode == DisplayModePlain {
		return OutgoingMessage{
			Content:     fmt.Sprintf("**%s:** %s%s", member.Username, in.Content, stickerNote),
			Attachments: in.Attachments,
		}
	}
	card := &Card{
		Body:       in.Content,
		Footer:     fmt.Sprintf("%s (%s)", member.Username, member.UserID),
		FooterIcon: member.AvatarURL,
	}
	if member.Nickname != "" {
		card.AuthorName = member.Nickname
		card.AuthorIcon = member.AvatarURL
	}
	if len(in.Attachments) > 0 {
		card.ImageURL = in.Attachments[0].URL
	}
	var content string
	if in.HasSticker {
		content = "> This message also included a sticker"
	}
	return OutgoingMessage{Content: content, Card: card}
}

// OutboundRender carries the two copies of a staff reply: the staff-side
// copy keeps authorship even for anonymous replies, the user-side copy
// strips it.
type OutboundRender struct {
	Staff OutgoingMessage
	User  OutgoingMessage
}

// RenderOutbound renders both sides of a staff reply. sequence is the
// allocated local sequence, or 0 when it has not been allocated yet (the
// staff copy is re-rendered and edited in once it is known).
func RenderOutbound(staff Member, content string, attachment *Attachment, sequence int64, anonymous bool, mode DisplayMode) OutboundRender {
	var attachments []Attachment
	if attachment != nil {
		attachments = []Attachment{*attachment}
	}
	seqPrefix := ""
	if sequence > 0 {
		seqPrefix = fmt.Sprintf("`%d` ", sequence)
	}
	if mode == DisplayModePlain {
		anonPrefix := ""
		if anonymous {
			anonPrefix = "(Anonymous) "
		}
		staffCopy := OutgoingMessage{
			Content:     fmt.Sprintf("%s**%s(%s Team) %s:** %s", seqPrefix, anonPrefix, staff.WorkspaceName, staff.Username, content),
			Attachments: attachments,
		}
		userCopy := staffCopy
		if anonymous {
			userCopy.Content = fmt.Sprintf("%s**(Anonymous) %s Team:** %s", seqPrefix, staff.WorkspaceName, content)
		}
		return OutboundRender{Staff: staffCopy, User: userCopy}
	}

	seqFooter := ""
	if sequence > 0 {
		seqFooter = fmt.Sprintf("Reply ID: %d | ", sequence)
	}
	staffCard := &Card{
		Body:       content,
		Footer:     fmt.Sprintf("%s%s (%s)", seqFooter, staff.Username, staff.UserID),
		FooterIcon: staff.AvatarURL,
	}
	if anonymous {
		staffCard.AuthorName = fmt.Sprintf("%s Team", staff.WorkspaceName)
	} else if staff.Nickname != "" {
		staffCard.AuthorName = staff.DisplayName()
		staffCard.AuthorIcon = staff.AvatarURL
	}
	if attachment != nil {
		staffCard.ImageURL = attachment.URL
	}
	userCard := *staffCard
	if anonymous {
		userCard.Footer = fmt.Sprintf("%s(Anonymous)", seqFooter)
		userCard.FooterIcon = ""
	}
	return OutboundRender{
		Staff: OutgoingMessage{Card: staffCard},
		User:  OutgoingMessage{Card: &userCard},
	}
}

// RenderThreadStarter renders the card posted when a thread channel is
// created. alertLine, when non-empty, is prepended as plain content so that
// role or subscriber pings actually notify.
func RenderThreadStarter(member Member, pastThreads int, openedByID, alertLine string) OutgoingMessage {
	card := &Card{
		Footer:     fmt.Sprintf("%s (%s)", member.Username, member.UserID),
		FooterIcon: member.AvatarURL,
		Fields: []CardField{
			{Name: "Account created", Value: member.AccountsSince.Format("January 2, 2006"), Inline: true},
			{Name: "Joined workspace", Value: member.JoinedAt.Format("January 2, 2006"), Inline: true},
			{Name: "Past threads", Value: fmt.Sprintf("%d", pastThreads), Inline: true},
		},
	}
	if openedByID != "" && openedByID != member.UserID {
		card.Fields = append(card.Fields, CardField{Name: "Opened by", Value: fmt.Sprintf("<@%s>", openedByID), Inline: true})
	}
	card.Fields = append(card.Fields, CardField{Name: "Roles", Value: rolesString(member), Inline: true})
	if member.Nickname != "" {
		card.AuthorName = member.Nickname
		card.AuthorIcon = member.AvatarURL
	}
	content := fmt.Sprintf("<@%s>", member.UserID)
	if alertLine != "" {
		content += "\n" + alertLine
	}
	return OutgoingMessage{Content: content, Card: card}
}

// RenderGreeting renders the workspace greeting for both sides of a freshly
// opened thread.
func RenderGreeting(cfg WorkspaceConfig, member Member) OutgoingMessage {
	return renderNotice(cfg, member, cfg.Greeting, defaultGreeting)
}

// RenderFarewell renders the workspace farewell sent on close.
func RenderFarewell(cfg WorkspaceConfig, member Member) OutgoingMessage {
	return renderNotice(cfg, member, cfg.Farewell, defaultFarewell)
}

func renderNotice(cfg WorkspaceConfig, member Member, template, fallback string) OutgoingMessage {
	body := template
	if body == "" {
		body = fallback
	}
	body = ExpandTemplate(body, templateDataFromMember(member))
	if cfg.DisplayMode == DisplayModePlain {
		return OutgoingMessage{Content: fmt.Sprintf("**%s Staff:** %s", member.WorkspaceName, body)}
	}
	return OutgoingMessage{Card: &Card{
		AuthorName: fmt.Sprintf("%s Staff", member.WorkspaceName),
		Body:       body,
	}}
}

// RenderUserEditNote renders the staff-side annotation for a user-originated
// edit.
func RenderUserEditNote(oldContent, newContent string) OutgoingMessage {
	if oldContent == "" {
		oldContent = "[failed to resolve]"
	}
	return OutgoingMessage{Content: fmt.Sprintf(
		"**User edited their message:**\n`Original message`: %s\n`Edited message`: %s",
		oldContent, newContent)}
}

// RenderUserDeleteNote renders the staff-side annotation for a
// user-originated delete.
func RenderUserDeleteNote() OutgoingMessage {
	return OutgoingMessage{Content: "User deleted their message"}
}

// RenderUserLeaveNote renders the staff-side annotation posted when the
// thread's user leaves the workspace.
func RenderUserLeaveNote() OutgoingMessage {
	return OutgoingMessage{Content: "User left the workspace"}
}

// RenderEditAudit renders the staff-side audit note posted alongside a staff
// edit, preserving the prior content.
func RenderEditAudit(sequence int64, oldContent string) OutgoingMessage {
	if oldContent == "" {
		oldContent = "[no prior content]"
	}
	return OutgoingMessage{Content: fmt.Sprintf("Reply `%d` edited. Previous content: %s", sequence, oldContent)}
}

// Package gateway speaks to the chat platform: a REST client for the message
// and channel surface, a websocket event stream for inbound traffic, and a
// registry that turns interaction events into live select prompts.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/modrelay/modrelay/internal/modrelay"
)

// ClientOptions configures the REST client.
type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client is the REST half of the platform surface. Together with a
// PromptRegistry it implements modrelay.Platform.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	prompts *PromptRegistry
}

// NewClient builds a Client, filling unset options with defaults.
func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		prompts:    NewPromptRegistry(),
	}
}

// Prompts exposes the registry so the event stream can route interactions.
func (c *Client) Prompts() *PromptRegistry {
	return c.prompts
}

// Wire payloads. The platform API is JSON over REST; cards and attachments
// travel inline with the message body.

type messagePayload struct {
	Content     string              `json:"content,omitempty"`
	Card        *cardPayload        `json:"card,omitempty"`
	Attachments []attachmentPayload `json:"attachments,omitempty"`
	Select      *selectPayload      `json:"select,omitempty"`
}

type cardPayload struct {
	AuthorName string             `json:"authorName,omitempty"`
	AuthorIcon string             `json:"authorIcon,omitempty"`
	Body       string             `json:"body,omitempty"`
	ImageURL   string             `json:"imageUrl,omitempty"`
	Footer     string             `json:"footer,omitempty"`
	FooterIcon string             `json:"footerIcon,omitempty"`
	Fields     []cardFieldPayload `json:"fields,omitempty"`
}

type cardFieldPayload struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type attachmentPayload struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

type selectPayload struct {
	CustomID string                `json:"customId"`
	Options  []selectOptionPayload `json:"options"`
}

type selectOptionPayload struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type messageResponse struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type channelResponse struct {
	ChannelID string `json:"channelId"`
	Archived  bool   `json:"archived"`
}

type memberResponse struct {
	UserID        string    `json:"userId"`
	Username      string    `json:"username"`
	Nickname      string    `json:"nickname"`
	AvatarURL     string    `json:"avatarUrl"`
	AccountsSince time.Time `json:"accountSince"`
	JoinedAt      time.Time `json:"joinedAt"`
	Roles         []string  `json:"roles"`
	WorkspaceName string    `json:"workspaceName"`
}

type workspacesResponse struct {
	WorkspaceIDs []string `json:"workspaceIds"`
}

func encodeMessage(msg modrelay.OutgoingMessage) messagePayload {
	payload := messagePayload{Content: msg.Content}
	if msg.Card != nil {
		payload.Card = &cardPayload{
			AuthorName: msg.Card.AuthorName,
			AuthorIcon: msg.Card.AuthorIcon,
			Body:       msg.Card.Body,
			ImageURL:   msg.Card.ImageURL,
			Footer:     msg.Card.Footer,
			FooterIcon: msg.Card.FooterIcon,
		}
		for _, field := range msg.Card.Fields {
			payload.Card.Fields = append(payload.Card.Fields, cardFieldPayload(field))
		}
	}
	for _, att := range msg.Attachments {
		payload.Attachments = append(payload.Attachments, attachmentPayload(att))
	}
	return payload
}

// SendUserMessage posts a direct message. A 403 from the platform means the
// user refuses DMs and maps to ErrDeliveryFailed.
func (c *Client) SendUserMessage(ctx context.Context, userID string, msg modrelay.OutgoingMessage) (string, error) {
	var out messageResponse
	err := c.do(ctx, http.MethodPost, "/v1/users/"+url.PathEscape(userID)+"/messages", encodeMessage(msg), &out)
	if err != nil {
		return "", err
	}
	return out.MessageID, nil
}

func (c *Client) EditUserMessage(ctx context.Context, userID, messageID string, msg modrelay.OutgoingMessage) error {
	return c.do(ctx, http.MethodPatch, "/v1/users/"+url.PathEscape(userID)+"/messages/"+url.PathEscape(messageID), encodeMessage(msg), nil)
}

func (c *Client) DeleteUserMessage(ctx context.Context, userID, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/users/"+url.PathEscape(userID)+"/messages/"+url.PathEscape(messageID), nil, nil)
}

func (c *Client) SendChannelMessage(ctx context.Context, channelID string, msg modrelay.OutgoingMessage) (string, error) {
	var out messageResponse
	err := c.do(ctx, http.MethodPost, "/v1/channels/"+url.PathEscape(channelID)+"/messages", encodeMessage(msg), &out)
	if err != nil {
		return "", err
	}
	return out.MessageID, nil
}

func (c *Client) EditChannelMessage(ctx context.Context, channelID, messageID string, msg modrelay.OutgoingMessage) error {
	return c.do(ctx, http.MethodPatch, "/v1/channels/"+url.PathEscape(channelID)+"/messages/"+url.PathEscape(messageID), encodeMessage(msg), nil)
}

func (c *Client) DeleteChannelMessage(ctx context.Context, channelID, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/channels/"+url.PathEscape(channelID)+"/messages/"+url.PathEscape(messageID), nil, nil)
}

func (c *Client) FetchChannelMessageBody(ctx context.Context, channelID, messageID string) (string, error) {
	var out messageResponse
	err := c.do(ctx, http.MethodGet, "/v1/channels/"+url.PathEscape(channelID)+"/messages/"+url.PathEscape(messageID), nil, &out)
	if err != nil {
		return "", err
	}
	return out.Content, nil
}

func (c *Client) CreateThreadChannel(ctx context.Context, workspaceID, relayChannelID, name string, starter modrelay.OutgoingMessage) (string, error) {
	body := struct {
		Name    string         `json:"name"`
		Starter messagePayload `json:"starter"`
	}{Name: name, Starter: encodeMessage(starter)}
	var out channelResponse
	err := c.do(ctx, http.MethodPost,
		"/v1/workspaces/"+url.PathEscape(workspaceID)+"/channels/"+url.PathEscape(relayChannelID)+"/threads",
		body, &out)
	if err != nil {
		return "", err
	}
	return out.ChannelID, nil
}

func (c *Client) ResolveChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodGet, "/v1/channels/"+url.PathEscape(channelID), nil, nil)
}

func (c *Client) ChannelArchived(ctx context.Context, channelID string) (bool, error) {
	var out channelResponse
	err := c.do(ctx, http.MethodGet, "/v1/channels/"+url.PathEscape(channelID), nil, &out)
	if err != nil {
		return false, err
	}
	return out.Archived, nil
}

func (c *Client) ArchiveChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/v1/channels/"+url.PathEscape(channelID)+"/archive", nil, nil)
}

func (c *Client) UnarchiveChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/v1/channels/"+url.PathEscape(channelID)+"/unarchive", nil, nil)
}

func (c *Client) MemberOf(ctx context.Context, workspaceID, userID string) (modrelay.Member, error) {
	var out memberResponse
	err := c.do(ctx, http.MethodGet,
		"/v1/workspaces/"+url.PathEscape(workspaceID)+"/members/"+url.PathEscape(userID), nil, &out)
	if err != nil {
		return modrelay.Member{}, err
	}
	return modrelay.Member{
		UserID:        out.UserID,
		Username:      out.Username,
		Nickname:      out.Nickname,
		AvatarURL:     out.AvatarURL,
		AccountsSince: out.AccountsSince,
		JoinedAt:      out.JoinedAt,
		Roles:         out.Roles,
		WorkspaceName: out.WorkspaceName,
	}, nil
}

func (c *Client) UserWorkspaces(ctx context.Context, userID string) ([]string, error) {
	var out workspacesResponse
	err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/workspaces", nil, &out)
	if err != nil {
		return nil, err
	}
	return out.WorkspaceIDs, nil
}

// do runs one request with retries on 429 and 5xx, mapping terminal statuses
// onto the package sentinels: 404 is ErrResourceVanished, 403 on a user
// message is ErrDeliveryFailed.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	reqURL := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		switch resp.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%s %s: %w", method, path, modrelay.ErrResourceVanished)
		case http.StatusForbidden:
			if strings.HasPrefix(path, "/v1/users/") && strings.Contains(path, "/messages") {
				return fmt.Errorf("%s %s: %w", method, path, modrelay.ErrDeliveryFailed)
			}
		}

		message := strings.TrimSpace(string(respBody))
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && strings.TrimSpace(parsed.Message) != "" {
			message = parsed.Message
		}
		if parsed.Code != "" {
			return fmt.Errorf("%s %s failed: status=%d code=%s message=%s", method, path, resp.StatusCode, parsed.Code, message)
		}
		return fmt.Errorf("%s %s failed: status=%d message=%s", method, path, resp.StatusCode, message)
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package discord sends notifications through the Discord REST API.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://discord.com/api/v10"
	httpTimeout    = 10 * time.Second

	// MaxMessageLen is Discord's hard message-size limit; ChunkMessage
	// stays under it with headroom for code fences added by callers.
	MaxMessageLen = 2000
	chunkBudget   = 1900
)

// APIError is a non-2xx response from the Discord API.
type APIError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("discord: api returned %d: %s", e.StatusCode, e.Body)
}

// Client is a minimal Discord REST client.
type Client struct {
	token   string
	baseURL string
	hc      *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (used in tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// New creates a Discord client authenticating with a bot token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: defaultBaseURL,
		hc:      &http.Client{Timeout: httpTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// MessageRef identifies a posted message.
type MessageRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"id"`
}

type messagePayload struct {
	Content    string      `json:"content,omitempty"`
	Embeds     []*Embed    `json:"embeds,omitempty"`
	Components []ActionRow `json:"components,omitempty"`
}

// PostMessage posts plain content to a channel and returns its ref.
func (c *Client) PostMessage(ctx context.Context, channelID, content string) (MessageRef, error) {
	return c.createMessage(ctx, channelID, messagePayload{Content: content})
}

// Post posts plain content, discarding the message ref.
func (c *Client) Post(ctx context.Context, channelID, content string) error {
	_, err := c.PostMessage(ctx, channelID, content)
	return err
}

// PostEmbed posts an embed, optionally with component rows (action buttons).
func (c *Client) PostEmbed(ctx context.Context, channelID string, embed *Embed, rows ...ActionRow) (MessageRef, error) {
	return c.createMessage(ctx, channelID, messagePayload{Embeds: []*Embed{embed}, Components: rows})
}

// PostChunked posts content split into message-size-bounded chunks.
func (c *Client) PostChunked(ctx context.Context, channelID, content string) error {
	for _, chunk := range ChunkMessage(content, chunkBudget) {
		if _, err := c.PostMessage(ctx, channelID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// CreateThread creates a public thread in the channel and returns its
// channel ID. The thread serves as a scoped log destination.
func (c *Client) CreateThread(ctx context.Context, channelID, name string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/threads", map[string]any{
		"name": name,
		"type": 11, // public thread
		"auto_archive_duration": 1440,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// DeleteChannel deletes a channel or thread.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID, nil, nil)
}

func (c *Client) createMessage(ctx context.Context, channelID string, p messagePayload) (MessageRef, error) {
	var ref MessageRef
	err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", p, &ref)
	if err != nil {
		return MessageRef{}, err
	}
	ref.ChannelID = channelID
	return ref, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("discord: marshal payload: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("discord: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("discord: decode response: %w", err)
		}
	}
	return nil
}

// ChunkMessage splits content into pieces of at most limit bytes,
// preferring newline boundaries.
func ChunkMessage(content string, limit int) []string {
	if content == "" {
		return nil
	}
	if limit <= 0 {
		limit = chunkBudget
	}

	var chunks []string
	var cur strings.Builder
	for _, line := range strings.Split(content, "\n") {
		// Hard-split lines longer than the limit.
		for len(line) > limit {
			if cur.Len() > 0 {
				chunks = append(chunks, cur.String())
				cur.Reset()
			}
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(line) > limit {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

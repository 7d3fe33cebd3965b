package telegram

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

const defaultAPIBase = "https://api.telegram.org"

// Client sends operator messages through the Telegram Bot API
type Client struct {
	botToken   string
	chatID     int64
	apiBase    string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithAPIBase points the client at another Bot API host
func WithAPIBase(base string) Option {
	return func(c *Client) { c.apiBase = strings.TrimRight(base, "/") }
}

// WithHTTPClient replaces the default 10 second HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new Telegram client
func NewClient(botToken string, chatID int64, opts ...Option) *Client {
	c := &Client{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  defaultAPIBase,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessageRequest represents a Telegram sendMessage request
type SendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableNotification   bool   `json:"disable_notification,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// SendMessageResponse represents a Telegram API response
type SendMessageResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// APIError is a non-OK Bot API reply
type APIError struct {
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram API error %d: %s (retry after %s)", e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// SendMessage sends an HTML message to the configured chat
func (c *Client) SendMessage(ctx context.Context, message string) error {
	return c.send(ctx, SendMessageRequest{
		ChatID:                c.chatID,
		Text:                  message,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
}

// SendSilentMessage sends an HTML message without a notification sound
func (c *Client) SendSilentMessage(ctx context.Context, message string) error {
	return c.send(ctx, SendMessageRequest{
		ChatID:                c.chatID,
		Text:                  message,
		ParseMode:             "HTML",
		DisableNotification:   true,
		DisableWebPagePreview: true,
	})
}

func (c *Client) send(ctx context.Context, reqBody SendMessageRequest) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", c.apiBase, c.botToken)

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var response SendMessageResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("failed to unmarshal response (status %d): %w", resp.StatusCode, err)
	}

	if !response.OK {
		apiErr := &APIError{Code: response.ErrorCode, Description: response.Description}
		if response.Parameters != nil && response.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(response.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}

	return nil
}

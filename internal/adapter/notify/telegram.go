// Package notify delivers admin alerts.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/simaogato/payrecon-backend/internal/backoff"
)

// DefaultTelegramURL is the Bot API base
const DefaultTelegramURL = "https://api.telegram.org"

// errRetryable marks a send worth repeating (rate limit or server error)
var errRetryable = errors.New("telegram temporarily unavailable")

// Telegram posts alerts to one admin chat through the Bot API sendMessage method
type Telegram struct {
	BaseURL    string
	Token      string
	ChatID     string
	HTTPClient *http.Client
	Backoff    backoff.Policy
}

// NewTelegram creates a Telegram notifier for the bot token and chat
func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		BaseURL:    DefaultTelegramURL,
		Token:      token,
		ChatID:     chatID,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Backoff: backoff.Policy{
			Retries:   3,
			Base:      time.Second,
			Max:       10 * time.Second,
			Retryable: func(err error) bool { return errors.Is(err, errRetryable) },
		},
	}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notify sends message to the admin chat, retrying on 429 and 5xx
func (t *Telegram) Notify(ctx context.Context, message string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: t.ChatID, Text: message})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return t.Backoff.Do(ctx, func(ctx context.Context) error {
		return t.send(ctx, body)
	})
}

func (t *Telegram) send(ctx context.Context, body []byte) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		// Keep the token out of the error; url.Error embeds the full URL
		return fmt.Errorf("%w: request failed", errRetryable)
	}
	defer resp.Body.Close()

	var out sendMessageResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK || !out.OK:
		return fmt.Errorf("telegram rejected message: status %d: %s", resp.StatusCode, out.Description)
	}
	return nil
}

// Log writes alerts to the logger. Used when no chat is configured.
type Log struct {
	Logger *slog.Logger
}

// NewLog creates a log-only notifier
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Logger: logger}
}

// Notify logs message at warning level
func (l *Log) Notify(ctx context.Context, message string) error {
	l.Logger.WarnContext(ctx, "admin alert", "message", message)
	return nil
}

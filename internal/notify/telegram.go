// Package notify delivers operator alerts.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.telegram.org"

// Telegram sends messages through the Bot API. A nil *Telegram is a
// disabled notifier.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

type telegramPayload struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// NewTelegram returns nil unless both token and chatID are set.
func NewTelegram(token, chatID string) *Telegram {
	if token == "" || chatID == "" {
		return nil
	}
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *Telegram) Enabled() bool {
	return t != nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if t == nil {
		return nil
	}
	payload := telegramPayload{ChatID: t.chatID, Text: text}
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.baseURL, "/"), t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %s", resp.Status)
	}
	return nil
}

// RestartFailed formats the alert sent when a restart workflow gives up.
func RestartFailed(name, containerID string, attempt int, err error) string {
	if name == "" {
		name = containerID
	}
	return fmt.Sprintf("[ERROR] %s: restart attempt %d failed (container %s): %v", name, attempt, shortID(containerID), err)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewTelegramDisabledWithoutCredentials(t *testing.T) {
	if NewTelegram("", "1") != nil || NewTelegram("tok", "") != nil {
		t.Fatalf("expected nil notifier without token and chat id")
	}
	var tg *Telegram
	if err := tg.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("nil notifier send: %v", err)
	}
}

func TestSendPostsMessage(t *testing.T) {
	var gotPath string
	var got telegramPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram("tok", "42")
	tg.baseURL = srv.URL
	if err := tg.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/bottok/sendMessage" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if got.ChatID != "42" || got.Text != "hello" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestSendReportsHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tg := NewTelegram("tok", "42")
	tg.baseURL = srv.URL
	err := tg.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestRestartFailedMessage(t *testing.T) {
	msg := RestartFailed("web", "0123456789abcdef", 3, errors.New("start: boom"))
	if !strings.Contains(msg, "web") || !strings.Contains(msg, "container 0123456789ab)") || !strings.Contains(msg, "attempt 3") {
		t.Fatalf("unexpected message %q", msg)
	}
}

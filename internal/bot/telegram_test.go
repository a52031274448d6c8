package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSendMessageUsesHTMLAndToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/bottok/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["parse_mode"] != "HTML" {
			t.Errorf("expected HTML parse mode, got %v", payload["parse_mode"])
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"chat":{"id":42}}}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, Token: "tok"})
	sent, err := client.SendMessage(context.Background(), 42, "привет", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent.MessageID != 7 {
		t.Fatalf("unexpected message id %d", sent.MessageID)
	}
}

func TestCallRetriesOn429(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"chat":{"id":1}}}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{
		BaseURL:   server.URL,
		Token:     "tok",
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
	})
	if _, err := client.SendMessage(context.Background(), 1, "x", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

func TestCallReportsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, Token: "tok"})
	_, err := client.SendMessage(context.Background(), 1, "x", nil)
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected API description in error, got %v", err)
	}
}

func TestGetUpdatesParsesBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"result":[
			{"update_id":10,"message":{"message_id":1,"chat":{"id":5},"text":"/start"}},
			{"update_id":11,"callback_query":{"id":"c1","from":{"id":5},"data":"confirm_report"}}
		]}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, Token: "tok"})
	updates, err := client.GetUpdates(context.Background(), 0, time.Second)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if updates[0].Message == nil || updates[0].Message.Text != "/start" {
		t.Fatalf("unexpected first update: %+v", updates[0])
	}
	if updates[1].CallbackQuery == nil || updates[1].CallbackQuery.Data != "confirm_report" {
		t.Fatalf("unexpected second update: %+v", updates[1])
	}
}

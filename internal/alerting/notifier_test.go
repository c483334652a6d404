package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func sampleNote() Notification {
	return Notification{
		OwnerID:      "merchant-1",
		Message:      "payout completed",
		TxIdentifier: "0xabc",
		Status:       "completed",
		Amount:       decimal.RequireFromString("25.5"),
		Currency:     "USDC",
		Counterpart:  "NGN bank 0123",
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	for _, want := range []string{"payout completed", "25.5 USDC", "0xabc", "NGN bank 0123"} {
		if !strings.Contains(received["text"], want) {
			t.Fatalf("text 缺少 %q: %s", want, received["text"])
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestWebhookNotifierHeaders(t *testing.T) {
	var (
		gotKey, gotSig string
		body           payload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotSig = r.Header.Get("X-Signature")
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookOptions{URL: srv.URL, Secret: "s3cret"}, testLogger())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	if err := n.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if gotKey != "0xabc" {
		t.Fatalf("Idempotency-Key = %q", gotKey)
	}
	raw, _ := json.Marshal(toPayload(sampleNote(), fixed))
	if gotSig != sign("s3cret", raw) {
		t.Fatalf("unexpected signature %q", gotSig)
	}
	if body.Amount != "25.5" || body.Status != "completed" || body.OwnerID != "merchant-1" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestWebhookNotifierRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookOptions{URL: srv.URL}, testLogger())
	if err := n.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("expected error for 502")
	}
}

type recordingNotifier struct {
	notes []Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, note Notification) error {
	r.notes = append(r.notes, note)
	return r.err
}

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingNotifier{err: boom}
	b := &recordingNotifier{}

	err := Multi{a, b}.Notify(context.Background(), sampleNote())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(a.notes) != 1 || len(b.notes) != 1 {
		t.Fatalf("each notifier should receive one note: %d %d", len(a.notes), len(b.notes))
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

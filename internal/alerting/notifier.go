package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification 封装一次结算状态变更的通知上下文。
type Notification struct {
	OwnerID      string
	Message      string
	TxIdentifier string
	Status       string
	Amount       decimal.Decimal
	Currency     string
	Counterpart  string
}

// payload is the wire form shared by the webhook and NATS notifiers.
type payload struct {
	OwnerID      string    `json:"ownerId"`
	Message      string    `json:"message"`
	TxIdentifier string    `json:"txIdentifier,omitempty"`
	Status       string    `json:"status"`
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	Counterpart  string    `json:"counterpart,omitempty"`
	SentAt       time.Time `json:"sentAt"`
}

func toPayload(note Notification, now time.Time) payload {
	return payload{
		OwnerID:      note.OwnerID,
		Message:      note.Message,
		TxIdentifier: note.TxIdentifier,
		Status:       note.Status,
		Amount:       note.Amount.String(),
		Currency:     note.Currency,
		Counterpart:  note.Counterpart,
		SentAt:       now.UTC(),
	}
}

// Notifier 定义通知输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return errors.New("telegram 返回 ok=false")
	}

	n.logger.Info().Str("tx", note.TxIdentifier).
		Str("status", note.Status).
		Str("owner", note.OwnerID).
		Msg("通知已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[stablepay]\n")
	if note.Message != "" {
		builder.WriteString(note.Message)
		builder.WriteString("\n")
	}
	builder.WriteString(fmt.Sprintf("Status: %s\n", note.Status))
	builder.WriteString(fmt.Sprintf("Amount: %s %s\n", note.Amount.String(), note.Currency))
	if note.Counterpart != "" {
		builder.WriteString(fmt.Sprintf("Counterpart: %s\n", note.Counterpart))
	}
	if note.TxIdentifier != "" {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", note.TxIdentifier))
	}
	if note.OwnerID != "" {
		builder.WriteString(fmt.Sprintf("Owner: %s\n", note.OwnerID))
	}
	return builder.String()
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify delivers to all notifiers even when some fail.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = Multi(nil)
)

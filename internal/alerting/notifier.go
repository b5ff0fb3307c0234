package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, notification Notification) error

func (f NotifierFunc) Notify(ctx context.Context, notification Notification) error {
	return f(ctx, notification)
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
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
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    note.Message,
	}

	body, err := json.Marshal(payload)
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
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("alert_id", note.AlertID).
		Str("subject", note.SubjectID).
		Str("type", string(note.Type)).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification, a *Alert) string {
	observed := decimal.NewFromFloat(note.ObservedValue)

	builder := strings.Builder{}
	builder.WriteString("[Moment Alert]\n")
	builder.WriteString(fmt.Sprintf("Wallet: %s\n", note.WalletKey))
	builder.WriteString(fmt.Sprintf("Moment: %s\n", note.SubjectID))
	builder.WriteString(fmt.Sprintf("Price: %s\n", observed.StringFixed(2)))
	switch a.Type {
	case TypePriceAbove:
		builder.WriteString(fmt.Sprintf("Rule: above %s\n", decimal.NewFromFloat(*a.TargetPrice).StringFixed(2)))
	case TypePriceBelow:
		builder.WriteString(fmt.Sprintf("Rule: below %s\n", decimal.NewFromFloat(*a.TargetPrice).StringFixed(2)))
	case TypePriceChange:
		pct := decimal.NewFromFloat(a.Threshold).Mul(decimal.NewFromInt(100))
		line := fmt.Sprintf("Rule: change >= %s%%", pct.StringFixed(2))
		if note.PreviousValue != nil && *note.PreviousValue != 0 {
			prev := decimal.NewFromFloat(*note.PreviousValue)
			change := observed.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100))
			line += fmt.Sprintf(" (moved %s%% from %s)", change.StringFixed(2), prev.StringFixed(2))
		}
		builder.WriteString(line + "\n")
	}
	builder.WriteString(fmt.Sprintf("Triggers: %d/%d\n", a.TriggerCount, a.MaxTriggers))
	builder.WriteString(fmt.Sprintf("At: %s UTC", note.Timestamp.UTC().Format(time.RFC3339)))
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)

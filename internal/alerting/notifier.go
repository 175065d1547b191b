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

// Notification carries one threshold alert to the delivery channels.
type Notification struct {
	AlertID       string
	LocationID    string
	LocationName  string
	Metric        string
	Value         decimal.Decimal
	Threshold     decimal.Decimal
	RaisedAt      time.Time
	AdditionalMsg string
}

// Notifier delivers notifications over one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
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

func (n *TelegramNotifier) Name() string { return "telegram" }

// Notify calls sendMessage with the rendered alert text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
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
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("alert_id", note.AlertID).
		Str("location", note.LocationID).
		Str("metric", note.Metric).
		Msg("alert sent (telegram)")
	return nil
}

func subject(note Notification) string {
	return fmt.Sprintf("%s above threshold in %s", metricLabel(note.Metric), locationLabel(note))
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Roomwatch Alert]\n")
	builder.WriteString(fmt.Sprintf("Room: %s\n", locationLabel(note)))
	builder.WriteString(fmt.Sprintf("%s: %s%s (threshold %s%s)\n",
		metricLabel(note.Metric),
		note.Value.StringFixed(1), metricUnit(note.Metric),
		note.Threshold.StringFixed(1), metricUnit(note.Metric)))
	builder.WriteString(fmt.Sprintf("Raised: %s UTC\n", note.RaisedAt.UTC().Format(time.RFC3339)))
	if note.AlertID != "" {
		builder.WriteString(fmt.Sprintf("Alert ID: %s\n", note.AlertID))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func locationLabel(note Notification) string {
	if note.LocationName != "" {
		return note.LocationName
	}
	return "location " + note.LocationID
}

func metricLabel(metric string) string {
	switch metric {
	case "temperature":
		return "Temperature"
	case "humidity":
		return "Humidity"
	default:
		return metric
	}
}

func metricUnit(metric string) string {
	switch metric {
	case "temperature":
		return "°C"
	case "humidity":
		return "%"
	default:
		return ""
	}
}

var _ Notifier = (*TelegramNotifier)(nil)

// Package notification delivers trade alerts through Telegram and Discord,
// gated so every monitored event notifies at most once.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"copytrade-engine/internal/logging"
)

// Type classifies an alert
type Type string

const (
	NotifyEntryFilled  Type = "entry_filled"
	NotifyTakeProfit   Type = "take_profit"
	NotifyStopLoss     Type = "stop_loss"
	NotifyBreakeven    Type = "breakeven"
	NotifySignalClosed Type = "signal_closed"
	NotifyDCACancelled Type = "dca_cancelled"
	NotifyError        Type = "error"
)

// Notification is one alert message
type Notification struct {
	Type      Type
	Title     string
	Message   string
	Channel   string
	Symbol    string
	Side      string
	Price     float64
	Timestamp time.Time
}

// Notifier is a delivery provider
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans an alert out to every enabled provider.
type Manager struct {
	notifiers []Notifier
	logger    *logging.Logger
}

// NewManager creates a notification manager
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{logger: logger.WithComponent("notification")}
}

// AddNotifier registers a delivery provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers to all enabled providers, returning the last error
func (m *Manager) Send(ctx context.Context, notification *Notification) error {
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(ctx, notification); err != nil {
			m.logger.Error("Notification delivery failed",
				"provider", n.Name(), "type", string(notification.Type), "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// ==================== TELEGRAM ====================

// TelegramConfig holds Telegram bot settings
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	Enabled  bool   `json:"enabled"`
}

// TelegramNotifier posts alerts to a Telegram chat
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string    { return "telegram" }
func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

func (t *TelegramNotifier) Send(ctx context.Context, notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// ==================== DISCORD ====================

// DiscordConfig holds Discord webhook settings
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
	Enabled    bool   `json:"enabled"`
}

// DiscordNotifier posts alerts to a Discord webhook as embeds
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// NewDiscordNotifier creates a Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string    { return "discord" }
func (d *DiscordNotifier) IsEnabled() bool { return d.enabled }

func (d *DiscordNotifier) Send(ctx context.Context, notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	switch notification.Type {
	case NotifyStopLoss, NotifyError:
		color = 0xFF0000
	case NotifyDCACancelled, NotifyBreakeven:
		color = 0xFFA500
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}
	if notification.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
		if notification.Channel != "" {
			fields = append(fields, map[string]interface{}{
				"name": "Channel", "value": notification.Channel, "inline": true,
			})
		}
		if notification.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.4f", notification.Price), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}

package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"proctord/internal/proctor"
)

const defaultAPIBase = "https://api.telegram.org"

var ErrCooldown = errors.New("cooldown period not yet elapsed")

// TelegramBot sends incident alerts to an examiner chat
type TelegramBot struct {
	apiBase         string
	botToken        string
	chatID          string
	httpClient      *http.Client
	mu              sync.Mutex
	enabled         bool
	cooldownTracker map[string]time.Time
	cooldownPeriod  time.Duration
}

// Config holds Telegram bot configuration
type Config struct {
	BotToken        string
	ChatID          string
	Enabled         bool
	CooldownSeconds int
	APIBase         string // overrides the Bot API endpoint
}

// TelegramResponse represents the response from Telegram API
type TelegramResponse struct {
	OK          bool        `json:"ok"`
	Result      interface{} `json:"result,omitempty"`
	ErrorCode   int         `json:"error_code,omitempty"`
	Description string      `json:"description,omitempty"`
}

// NewTelegramBot creates a new Telegram bot instance
func NewTelegramBot(config Config) *TelegramBot {
	cooldownPeriod := time.Duration(config.CooldownSeconds) * time.Second
	if cooldownPeriod == 0 {
		cooldownPeriod = 30 * time.Second
	}
	apiBase := strings.TrimSuffix(config.APIBase, "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	return &TelegramBot{
		apiBase:         apiBase,
		botToken:        config.BotToken,
		chatID:          config.ChatID,
		enabled:         config.Enabled,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		cooldownTracker: make(map[string]time.Time),
		cooldownPeriod:  cooldownPeriod,
	}
}

// IsEnabled returns whether the bot is enabled
func (tb *TelegramBot) IsEnabled() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.enabled
}

// NotifyIncident implements proctor.Notifier. Alerts of the same kind for the
// same session are suppressed during the cooldown period.
func (tb *TelegramBot) NotifyIncident(ctx context.Context, alert proctor.Alert) error {
	if !tb.IsEnabled() {
		return nil
	}

	key := alert.SessionID + "/" + string(alert.Incident.Kind)
	if !tb.claimCooldown(key) {
		return nil
	}

	caption := FormatAlert(alert)
	var err error
	if alert.Frame != nil && len(alert.Frame.Data) > 0 {
		err = tb.sendPhoto(ctx, alert.Frame.Data, caption)
	} else {
		err = tb.sendMessage(ctx, caption)
	}
	if err != nil {
		tb.releaseCooldown(key)
	}
	return err
}

// FormatAlert renders the HTML caption of an alert
func FormatAlert(alert proctor.Alert) string {
	inc := alert.Incident
	zoneName, _ := inc.OccurredAt.Zone()
	timestamp := fmt.Sprintf("%s %s", inc.OccurredAt.Format("2 Jan 2006, 15:04:05"), zoneName)

	who := alert.Identity.Email
	if who == "" {
		who = alert.Identity.UserID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🚨 <b>Proctoring Alert</b>\n\n")
	fmt.Fprintf(&b, "📝 Test: %s\n", html.EscapeString(alert.TestID))
	fmt.Fprintf(&b, "👤 Student: %s\n", html.EscapeString(who))
	fmt.Fprintf(&b, "⚠️ Incident: %s\n", html.EscapeString(string(inc.Kind)))
	if inc.Message != "" {
		fmt.Fprintf(&b, "💬 %s\n", html.EscapeString(inc.Message))
	}
	if inc.Key != "" {
		fmt.Fprintf(&b, "⌨️ Key: %s\n", html.EscapeString(inc.Key))
	}
	if inc.Level != nil {
		fmt.Fprintf(&b, "📊 Level: %.1f\n", *inc.Level)
	}
	if inc.QuestionIndex != nil {
		fmt.Fprintf(&b, "❓ Question: %d\n", *inc.QuestionIndex+1)
	}
	fmt.Fprintf(&b, "🕐 Time: %s", timestamp)
	return b.String()
}

// SendTestMessage sends a test message to verify the bot configuration
func (tb *TelegramBot) SendTestMessage(ctx context.Context) error {
	if !tb.IsEnabled() {
		return fmt.Errorf("telegram bot is disabled")
	}
	now := time.Now()
	zoneName, _ := now.Zone()
	message := fmt.Sprintf(
		"🤖 <b>proctord test message</b>\n\n"+
			"✅ Examiner alerts are working.\n"+
			"🕐 Sent at: %s %s",
		now.Format("2 Jan 2006, 15:04:05"), zoneName,
	)
	return tb.sendMessage(ctx, message)
}

func (tb *TelegramBot) credentials() (string, string, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.botToken == "" || tb.chatID == "" {
		return "", "", fmt.Errorf("telegram bot token or chat ID not configured")
	}
	return tb.botToken, tb.chatID, nil
}

func (tb *TelegramBot) sendMessage(ctx context.Context, message string) error {
	token, chatID, err := tb.credentials()
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       message,
		"parse_mode": "HTML",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", tb.apiBase, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	return handleResponse(resp)
}

// sendPhoto sends a photo using multipart form data
func (tb *TelegramBot) sendPhoto(ctx context.Context, photoData []byte, caption string) error {
	token, chatID, err := tb.credentials()
	if err != nil {
		return err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "evidence.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photoData); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendPhoto", tb.apiBase, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	defer resp.Body.Close()

	return handleResponse(resp)
}

// handleResponse processes the Telegram API response
func handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var telegramResp TelegramResponse
	if err := json.Unmarshal(body, &telegramResp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if !telegramResp.OK {
		return fmt.Errorf("telegram API error %d: %s", telegramResp.ErrorCode, telegramResp.Description)
	}
	return nil
}

// claimCooldown reserves key if its cooldown has elapsed
func (tb *TelegramBot) claimCooldown(key string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if last, ok := tb.cooldownTracker[key]; ok && time.Since(last) < tb.cooldownPeriod {
		return false
	}
	tb.cooldownTracker[key] = time.Now()
	return true
}

func (tb *TelegramBot) releaseCooldown(key string) {
	tb.mu.Lock()
	delete(tb.cooldownTracker, key)
	tb.mu.Unlock()
}

// CleanupCooldownTracking removes old cooldown entries
func (tb *TelegramBot) CleanupCooldownTracking() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	for key, lastTime := range tb.cooldownTracker {
		if now.Sub(lastTime) > tb.cooldownPeriod*2 {
			delete(tb.cooldownTracker, key)
		}
	}
}

// ValidateConfig validates the Telegram bot configuration
func ValidateConfig(config Config) error {
	if config.Enabled {
		if config.BotToken == "" {
			return fmt.Errorf("telegram bot token is required when enabled")
		}
		if config.ChatID == "" {
			return fmt.Errorf("telegram chat ID is required when enabled")
		}
	}

	if config.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown seconds cannot be negative")
	}
	return nil
}

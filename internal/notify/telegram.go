package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts to the Bot API sendMessage endpoint in HTML mode
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	prefix  string
	client  *http.Client
}

// NewTelegramSender creates a sender for token and chatID. prefix, when set,
// is shown in bold before every message.
func NewTelegramSender(token, chatID, prefix string) *TelegramSender {
	return &TelegramSender{
		baseURL: telegramAPI,
		token:   token,
		chatID:  chatID,
		prefix:  prefix,
		client:  &http.Client{Timeout: DefaultTimeout},
	}
}

// Send posts message. The text is HTML-escaped.
func (t *TelegramSender) Send(ctx context.Context, event, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.baseURL, "/"), t.token)

	payload := map[string]any{
		"chat_id":                  t.chatID,
		"text":                     t.format(event, message),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier
func (t *TelegramSender) Name() string {
	return "telegram"
}

func (t *TelegramSender) format(event, message string) string {
	var b strings.Builder
	if t.prefix != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(t.prefix))
		b.WriteString("</b> ")
	}
	b.WriteString("<code>")
	b.WriteString(html.EscapeString(event))
	b.WriteString("</code> ")
	b.WriteString(html.EscapeString(message))
	return b.String()
}

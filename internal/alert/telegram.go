package alert

import (
	"context"
	"fmt"
	"time"

	pkghttp "fundingkeeper/pkg/http"
)

// TelegramChannel posts alerts via the Bot API's sendMessage endpoint,
// reusing pkg/http.Client the same way SlackChannel does.
type TelegramChannel struct {
	chatID string
	client *pkghttp.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		chatID: chatID,
		client: pkghttp.NewClient(fmt.Sprintf("https://api.telegram.org/bot%s", botToken), 5*time.Second, nil),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	icon := "ℹ️"
	switch alert.Level {
	case Warning:
		icon = "⚠️"
	case Error:
		icon = "❌"
	case Critical:
		icon = "🚨"
	}

	text := fmt.Sprintf("%s *[%s] %s*\n\n%s", icon, alert.Level, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		text += "\n"
		for k, v := range alert.Fields {
			text += fmt.Sprintf("\n- *%s*: %s", k, v)
		}
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	_, err := t.client.Post(ctx, "/sendMessage", payload)
	return err
}

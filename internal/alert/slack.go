package alert

import (
	"context"
	"fmt"
	"time"

	pkghttp "fundingkeeper/pkg/http"
)

// SlackChannel posts alerts to an incoming webhook, using pkg/http.Client
// for the retry/circuit-breaker/OTel instrumentation every other outbound
// call in this module gets.
type SlackChannel struct {
	client *pkghttp.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{client: pkghttp.NewClient(webhookURL, 5*time.Second, nil)}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert AlertPayload) error {
	color := "#36a64f" // Green (Info)
	switch alert.Level {
	case Warning:
		color = "#ffcc00" // Yellow
	case Error:
		color = "#ff0000" // Red
	case Critical:
		color = "#8b0000" // Dark Red
	}

	var fields []map[string]interface{}
	for k, v := range alert.Fields {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
				"text":    alert.Message,
				"fields":  fields,
				"ts":      alert.Timestamp.Unix(),
				"footer":  "fundingkeeper",
			},
		},
	}

	_, err := s.client.Post(ctx, "", payload)
	return err
}

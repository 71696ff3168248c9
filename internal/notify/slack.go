// Package notify delivers merge queue outcome notifications.
//
// Delivery is strictly best-effort. A notification that can not be delivered
// is logged and dropped, it never influences the processing outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/queueward/queueward/internal/logfields"
)

const requestTimeout = 10 * time.Second

// Notification describes the terminal outcome of one processing run.
type Notification struct {
	Repository string
	PRNumber   int
	Result     string
	Reason     string
	Title      string
	URL        string
}

// SlackNotifier posts notifications to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewSlackNotifier returns a notifier posting to webhookURL.
// When webhookURL is empty the returned notifier discards all notifications.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     zap.L().Named("slack_notifier"),
	}
}

type slackMessage struct {
	Text string `json:"text"`
}

func (s *SlackNotifier) Notify(ctx context.Context, notification *Notification) {
	if s == nil || s.webhookURL == "" {
		return
	}

	logger := s.logger.With(
		logfields.PullRequest(notification.PRNumber),
		logfields.Result(notification.Result),
	)

	payload, err := json.Marshal(slackMessage{Text: messageText(notification)})
	if err != nil {
		logger.Warn("encoding slack message failed",
			logfields.Event("slack_encode_failed"),
			zap.Error(err),
		)

		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		logger.Warn("creating slack webhook request failed",
			logfields.Event("slack_request_failed"),
			zap.Error(err),
		)

		return
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		logger.Warn("posting slack notification failed",
			logfields.Event("slack_post_failed"),
			zap.Error(err),
		)

		return
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("slack webhook returned unexpected status",
			logfields.Event("slack_post_failed"),
			zap.Int("http_status", resp.StatusCode),
		)

		return
	}

	logger.Debug("slack notification delivered",
		logfields.Event("slack_notification_sent"),
	)
}

func messageText(n *Notification) string {
	subject := fmt.Sprintf("%s#%d", n.Repository, n.PRNumber)
	if n.URL != "" {
		subject = fmt.Sprintf("<%s|%s>", n.URL, subject)
	}

	if n.Title != "" {
		subject = fmt.Sprintf("%s %q", subject, n.Title)
	}

	text := fmt.Sprintf("merge queue: %s: %s", subject, n.Result)
	if n.Reason != "" {
		text += ", " + n.Reason
	}

	return text
}

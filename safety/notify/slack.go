package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bluesky-social/kidgate/pkg/robusthttp"
	"github.com/bluesky-social/kidgate/safety/auditstore"

	"github.com/google/uuid"
)

type SlackNotifier struct {
	SlackWebhookURL string
	Client          *http.Client
}

var _ auditstore.Notifier = (*SlackNotifier)(nil)

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		SlackWebhookURL: webhookURL,
		Client: robusthttp.NewClient(
			robusthttp.WithMaxRetries(2),
			robusthttp.WithTimeout(10*time.Second),
		),
	}
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

func (n *SlackNotifier) SendEvent(ctx context.Context, ev auditstore.Event) error {
	return n.sendSlackMsg(ctx, slackBody(ev))
}

// Sends a simple slack message to a channel via "incoming webhook".
//
// The slack incoming webhook must be already configured in the slack workplace.
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.SlackWebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}

func slackBody(ev auditstore.Event) string {
	msg := fmt.Sprintf("⚠️ kidgate %s event: `%s` ⚠️\n", ev.Severity, ev.Type)
	msg += ev.Message + "\n"
	if ev.UserID != uuid.Nil {
		msg += fmt.Sprintf("User: `%s`\n", ev.UserID)
	}
	if len(ev.Data) > 0 {
		keys := make([]string, 0, len(ev.Data))
		for k := range ev.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, ev.Data[k]))
		}
		msg += fmt.Sprintf("Data: `%s`\n", strings.Join(parts, ", "))
	}
	msg += fmt.Sprintf("Event: `%s` at %s\n", ev.ID, ev.Timestamp.Format(time.RFC3339))
	return msg
}

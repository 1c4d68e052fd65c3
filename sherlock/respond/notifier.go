package respond

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sherlock-bot/sherlock/sherlock/engine"

	"github.com/RussellLuo/slidingwindow"
)

var ErrNotifyLimited = errors.New("notification limit reached")

type Notifier interface {
	NotifyIncident(ctx context.Context, inc *engine.Incident, reportURL string) error
}

type SlackNotifier struct {
	SlackWebhookURL string
	Client          *http.Client
	// optional cap on messages
	Limiter *slidingwindow.Limiter
}

// PerHourLimiter allows count notifications in any trailing hour.
func PerHourLimiter(count int64) *slidingwindow.Limiter {
	lim, _ := slidingwindow.NewLimiter(time.Hour, count, func() (slidingwindow.Window, slidingwindow.StopFunc) {
		return slidingwindow.NewLocalWindow()
	})
	return lim
}

var _ Notifier = (*SlackNotifier)(nil)

type SlackWebhookBody struct {
	Text string `json:"text"`
}

func (n *SlackNotifier) NotifyIncident(ctx context.Context, inc *engine.Incident, reportURL string) error {
	if n.Limiter != nil && !n.Limiter.Allow() {
		return ErrNotifyLimited
	}
	msg := fmt.Sprintf("🕵️ %s incident\n`@%s` voted <%s|%s> %.2f hours before payout, worth `%s`\nblock %d, listed in <%s|report>\n",
		inc.Kind,
		inc.Voter,
		inc.Post.URL(),
		inc.Post.Identifier(),
		inc.HoursToCashout,
		inc.Value.StringFixed(4),
		inc.Height,
		reportURL,
	)
	if inc.Offenses > 1 {
		msg += fmt.Sprintf("repeat offender: %d incidents so far\n", inc.Offenses)
	}
	return n.sendSlackMsg(ctx, msg)
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
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}

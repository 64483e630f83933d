// Package alert notifies operators when a source's driver needs attention:
// the live tail turning unhealthy or recovering, and a failed history load.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/counterwatch/internal/metrics"
)

// Kind is the driver event an alert reports.
type Kind string

const (
	KindUnhealthy     Kind = "UNHEALTHY"
	KindRecovery      Kind = "RECOVERY"
	KindHistoryFailed Kind = "HISTORY_FAILED"
)

// DefaultCooldown is the minimum gap between two UNHEALTHY alerts for the
// same contract.
const DefaultCooldown = 15 * time.Minute

const deliveryTimeout = 10 * time.Second

// Alert is a snapshot of the driver taken when the alert was raised.
type Alert struct {
	Kind     Kind
	Source   string
	Chain    string
	Contract string

	// Phase is the reconciler lifecycle phase, e.g. "live" or "failed".
	Phase     string
	Watermark uint64
	// Cursor is the block the next live poll starts from.
	Cursor              uint64
	ConsecutiveFailures int
	Events              int
	Err                 string
	At                  time.Time
}

// Summary is a one-line description of a.
func (a Alert) Summary() string {
	switch a.Kind {
	case KindUnhealthy:
		return fmt.Sprintf("live tail unhealthy after %d consecutive failed polls at block %d",
			a.ConsecutiveFailures, a.Cursor)
	case KindRecovery:
		return fmt.Sprintf("live tail recovered at block %d", a.Cursor)
	case KindHistoryFailed:
		return "historical load failed; live updates stay disabled for this session"
	default:
		return string(a.Kind)
	}
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Discard drops every alert.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(context.Context, Alert) error { return nil }

// channel is one delivery target of a Dispatcher.
type channel interface {
	Name() string
	Deliver(ctx context.Context, a Alert) error
}

// Dispatcher fans alerts out to its channels. UNHEALTHY alerts for the same
// contract are rate limited by the cooldown; a RECOVERY is only sent when
// the UNHEALTHY alert it closes was sent.
type Dispatcher struct {
	channels []channel
	cooldown time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time

	mu            sync.Mutex
	lastUnhealthy map[string]time.Time
	open          map[string]bool
}

func newDispatcher(cooldown time.Duration, logger *slog.Logger, channels ...channel) *Dispatcher {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		channels:      channels,
		cooldown:      cooldown,
		logger:        logger.With("component", "alert"),
		nowFn:         time.Now,
		lastUnhealthy: make(map[string]time.Time),
		open:          make(map[string]bool),
	}
}

// incidentKey identifies the contract whose live tail an alert is about.
func incidentKey(a Alert) string {
	return a.Source + "/" + a.Chain + "/" + strings.ToLower(a.Contract)
}

// admit applies the cooldown and recovery pairing and reports whether a
// should be delivered.
func (d *Dispatcher) admit(a Alert) bool {
	key := incidentKey(a)
	d.mu.Lock()
	defer d.mu.Unlock()

	switch a.Kind {
	case KindUnhealthy:
		if last, ok := d.lastUnhealthy[key]; ok && a.At.Sub(last) < d.cooldown {
			return false
		}
		d.lastUnhealthy[key] = a.At
		d.open[key] = true
	case KindRecovery:
		if !d.open[key] {
			return false
		}
		delete(d.open, key)
	}
	return true
}

func (d *Dispatcher) Notify(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = d.nowFn()
	}
	if !d.admit(a) {
		d.logger.Debug("alert suppressed", "kind", a.Kind, "source", a.Source)
		for _, ch := range d.channels {
			metrics.AlertsCooldownSkipped.WithLabelValues(ch.Name(), string(a.Kind)).Inc()
		}
		return nil
	}

	var firstErr error
	for _, ch := range d.channels {
		if err := ch.Deliver(ctx, a); err != nil {
			d.logger.Warn("alert delivery failed", "channel", ch.Name(), "kind", a.Kind, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(ch.Name(), string(a.Kind)).Inc()
	}
	return firstErr
}

// Slack posts alerts to a Slack incoming webhook.
type Slack struct {
	url    string
	client *http.Client
}

func NewSlack(webhookURL string) *Slack {
	return &Slack{url: webhookURL, client: &http.Client{Timeout: deliveryTimeout}}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Deliver(ctx context.Context, a Alert) error {
	return postJSON(ctx, s.client, s.url, map[string]string{"text": slackText(a)})
}

var slackEmoji = map[Kind]string{
	KindUnhealthy:     ":warning:",
	KindRecovery:      ":white_check_mark:",
	KindHistoryFailed: ":rotating_light:",
}

func slackText(a Alert) string {
	emoji, ok := slackEmoji[a.Kind]
	if !ok {
		emoji = ":grey_question:"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* %s/%s `%s`\n%s\n", emoji, a.Kind, a.Source, a.Chain, a.Contract, a.Summary())
	fmt.Fprintf(&b, "phase `%s` | watermark %d | cursor %d | events %d", a.Phase, a.Watermark, a.Cursor, a.Events)
	if a.ConsecutiveFailures > 0 {
		fmt.Fprintf(&b, " | failures %d", a.ConsecutiveFailures)
	}
	if a.Err != "" {
		fmt.Fprintf(&b, "\n> %s", a.Err)
	}
	return b.String()
}

// Webhook posts alerts as JSON to a generic endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: deliveryTimeout}}
}

func (w *Webhook) Name() string { return "webhook" }

// WebhookPayload is the body sent by Webhook.
type WebhookPayload struct {
	Kind                Kind      `json:"kind"`
	Summary             string    `json:"summary"`
	Source              string    `json:"source"`
	Chain               string    `json:"chain"`
	Contract            string    `json:"contract"`
	Phase               string    `json:"phase"`
	Watermark           uint64    `json:"watermark"`
	Cursor              uint64    `json:"cursor"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Events              int       `json:"events"`
	Error               string    `json:"error,omitempty"`
	At                  time.Time `json:"at"`
}

func (w *Webhook) Deliver(ctx context.Context, a Alert) error {
	return postJSON(ctx, w.client, w.url, WebhookPayload{
		Kind:                a.Kind,
		Summary:             a.Summary(),
		Source:              a.Source,
		Chain:               a.Chain,
		Contract:            a.Contract,
		Phase:               a.Phase,
		Watermark:           a.Watermark,
		Cursor:              a.Cursor,
		ConsecutiveFailures: a.ConsecutiveFailures,
		Events:              a.Events,
		Error:               a.Err,
		At:                  a.At.UTC(),
	})
}

func postJSON(ctx context.Context, client *http.Client, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Config selects the alert channels. Empty URLs disable a channel.
type Config struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

// New returns a Dispatcher over the configured channels, or Discard when
// none is configured.
func New(cfg Config, logger *slog.Logger) Notifier {
	var channels []channel
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, NewSlack(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, NewWebhook(cfg.WebhookURL))
	}
	if len(channels) == 0 {
		return Discard
	}
	return newDispatcher(cfg.Cooldown, logger, channels...)
}

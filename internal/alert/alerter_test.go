package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContract = "0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func unhealthyAlert(at time.Time) Alert {
	return Alert{
		Kind:                KindUnhealthy,
		Source:              "starknet",
		Chain:               "starknet",
		Contract:            testContract,
		Phase:               "live",
		Watermark:           1001,
		Cursor:              1042,
		ConsecutiveFailures: 5,
		Events:              37,
		Err:                 "starknet_getEvents: context deadline exceeded",
		At:                  at,
	}
}

func recoveryAlert(at time.Time) Alert {
	a := unhealthyAlert(at)
	a.Kind = KindRecovery
	a.ConsecutiveFailures = 0
	a.Cursor = 1050
	a.Err = ""
	return a
}

func historyFailedAlert() Alert {
	return Alert{
		Kind:     KindHistoryFailed,
		Source:   "evm",
		Chain:    "base",
		Contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		Phase:    "failed",
		Err:      "historical fetch from evm failed: filter logs: connection refused",
		At:       t0,
	}
}

// recorder is an in-process channel capturing delivered alerts.
type recorder struct {
	name string
	err  error

	mu  sync.Mutex
	got []Alert
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Deliver(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return r.err
}

func (r *recorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.got))
	for _, a := range r.got {
		out = append(out, a.Kind)
	}
	return out
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() []byte) {
	t.Helper()
	var mu sync.Mutex
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		mu.Lock()
		body = b
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []byte {
		mu.Lock()
		defer mu.Unlock()
		return body
	}
}

func TestWebhook_HistoryFailedPayload(t *testing.T) {
	srv, body := captureServer(t, http.StatusNoContent)

	require.NoError(t, NewWebhook(srv.URL).Deliver(context.Background(), historyFailedAlert()))

	var p WebhookPayload
	require.NoError(t, json.Unmarshal(body(), &p))
	assert.Equal(t, KindHistoryFailed, p.Kind)
	assert.Equal(t, "evm", p.Source)
	assert.Equal(t, "base", p.Chain)
	assert.Equal(t, "failed", p.Phase)
	assert.Zero(t, p.Watermark, "a failed load never sets the watermark")
	assert.Zero(t, p.Cursor)
	assert.Contains(t, p.Summary, "live updates stay disabled")
	assert.Contains(t, p.Error, "connection refused")
	assert.True(t, p.At.Equal(t0))
}

func TestWebhook_UnhealthyAndRecoveryPayloads(t *testing.T) {
	srv, body := captureServer(t, http.StatusOK)
	hook := NewWebhook(srv.URL)

	require.NoError(t, hook.Deliver(context.Background(), unhealthyAlert(t0)))
	var p WebhookPayload
	require.NoError(t, json.Unmarshal(body(), &p))
	assert.Equal(t, KindUnhealthy, p.Kind)
	assert.Equal(t, uint64(1001), p.Watermark)
	assert.Equal(t, uint64(1042), p.Cursor)
	assert.Equal(t, 5, p.ConsecutiveFailures)
	assert.Equal(t, 37, p.Events)
	assert.Equal(t, "live tail unhealthy after 5 consecutive failed polls at block 1042", p.Summary)

	require.NoError(t, hook.Deliver(context.Background(), recoveryAlert(t0.Add(time.Minute))))
	var raw map[string]any
	require.NoError(t, json.Unmarshal(body(), &raw))
	assert.Equal(t, "RECOVERY", raw["kind"])
	assert.Equal(t, float64(1050), raw["cursor"])
	assert.NotContains(t, raw, "error", "recoveries carry no error")
}

func TestWebhook_NonSuccessStatus(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadGateway)
	err := NewWebhook(srv.URL).Deliver(context.Background(), historyFailedAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSlack_Text(t *testing.T) {
	srv, body := captureServer(t, http.StatusOK)
	slack := NewSlack(srv.URL)

	require.NoError(t, slack.Deliver(context.Background(), unhealthyAlert(t0)))
	var p map[string]string
	require.NoError(t, json.Unmarshal(body(), &p))
	text := p["text"]
	assert.True(t, strings.HasPrefix(text, ":warning: *[UNHEALTHY]* starknet/starknet"), text)
	assert.Contains(t, text, testContract)
	assert.Contains(t, text, "5 consecutive failed polls at block 1042")
	assert.Contains(t, text, "phase `live` | watermark 1001 | cursor 1042 | events 37 | failures 5")
	assert.Contains(t, text, "> starknet_getEvents: context deadline exceeded")

	require.NoError(t, slack.Deliver(context.Background(), recoveryAlert(t0)))
	require.NoError(t, json.Unmarshal(body(), &p))
	assert.True(t, strings.HasPrefix(p["text"], ":white_check_mark: *[RECOVERY]*"), p["text"])
	assert.NotContains(t, p["text"], "failures")
	assert.NotContains(t, p["text"], "\n>")

	require.NoError(t, slack.Deliver(context.Background(), historyFailedAlert()))
	require.NoError(t, json.Unmarshal(body(), &p))
	assert.True(t, strings.HasPrefix(p["text"], ":rotating_light: *[HISTORY_FAILED]* evm/base"), p["text"])
}

func TestDispatcher_UnhealthyCooldown(t *testing.T) {
	ch := &recorder{name: "webhook"}
	d := newDispatcher(10*time.Minute, testLogger(), ch)

	require.NoError(t, d.Notify(context.Background(), unhealthyAlert(t0)))
	require.NoError(t, d.Notify(context.Background(), unhealthyAlert(t0.Add(5*time.Minute))))
	assert.Len(t, ch.got, 1, "second UNHEALTHY inside the cooldown is suppressed")

	require.NoError(t, d.Notify(context.Background(), unhealthyAlert(t0.Add(11*time.Minute))))
	assert.Len(t, ch.got, 2)
}

func TestDispatcher_RecoveryPairsWithDeliveredUnhealthy(t *testing.T) {
	ch := &recorder{name: "webhook"}
	d := newDispatcher(time.Hour, testLogger(), ch)
	ctx := context.Background()

	require.NoError(t, d.Notify(ctx, recoveryAlert(t0)))
	assert.Empty(t, ch.got, "recovery without an open incident is dropped")

	require.NoError(t, d.Notify(ctx, unhealthyAlert(t0)))
	require.NoError(t, d.Notify(ctx, recoveryAlert(t0.Add(time.Minute))))
	// Flapping inside the cooldown: the UNHEALTHY is suppressed, so its
	// RECOVERY is too.
	require.NoError(t, d.Notify(ctx, unhealthyAlert(t0.Add(2*time.Minute))))
	require.NoError(t, d.Notify(ctx, recoveryAlert(t0.Add(3*time.Minute))))

	assert.Equal(t, []Kind{KindUnhealthy, KindRecovery}, ch.kinds())
}

func TestDispatcher_IncidentsAreTrackedPerContract(t *testing.T) {
	ch := &recorder{name: "webhook"}
	d := newDispatcher(time.Hour, testLogger(), ch)

	other := unhealthyAlert(t0)
	other.Contract = "0x0123"
	require.NoError(t, d.Notify(context.Background(), unhealthyAlert(t0)))
	require.NoError(t, d.Notify(context.Background(), other))

	// Contract addresses compare case-insensitively.
	upper := unhealthyAlert(t0.Add(time.Minute))
	upper.Contract = strings.ToUpper(testContract)
	require.NoError(t, d.Notify(context.Background(), upper))

	assert.Len(t, ch.got, 2)
}

func TestDispatcher_HistoryFailedIsNeverSuppressed(t *testing.T) {
	ch := &recorder{name: "slack"}
	d := newDispatcher(time.Hour, testLogger(), ch)

	require.NoError(t, d.Notify(context.Background(), historyFailedAlert()))
	require.NoError(t, d.Notify(context.Background(), historyFailedAlert()))
	assert.Equal(t, []Kind{KindHistoryFailed, KindHistoryFailed}, ch.kinds())
}

func TestDispatcher_StampsTimeAndFansOut(t *testing.T) {
	broken := &recorder{name: "slack", err: errors.New("slack returned status 500")}
	ok := &recorder{name: "webhook"}
	d := newDispatcher(time.Hour, testLogger(), broken, ok)
	d.nowFn = func() time.Time { return t0 }

	a := unhealthyAlert(time.Time{})
	err := d.Notify(context.Background(), a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	require.Len(t, ok.got, 1, "a failing channel does not block the others")
	assert.True(t, ok.got[0].At.Equal(t0))
}

func TestNew_SelectsChannels(t *testing.T) {
	assert.Equal(t, Discard, New(Config{}, testLogger()))
	require.NoError(t, Discard.Notify(context.Background(), historyFailedAlert()))

	d, ok := New(Config{WebhookURL: "http://127.0.0.1:1/hook"}, testLogger()).(*Dispatcher)
	require.True(t, ok)
	require.Len(t, d.channels, 1)
	assert.Equal(t, "webhook", d.channels[0].Name())
	assert.Equal(t, DefaultCooldown, d.cooldown)

	d, ok = New(Config{
		SlackWebhookURL: "http://127.0.0.1:1/slack",
		WebhookURL:      "http://127.0.0.1:1/hook",
		Cooldown:        time.Minute,
	}, testLogger()).(*Dispatcher)
	require.True(t, ok)
	require.Len(t, d.channels, 2)
	assert.Equal(t, "slack", d.channels[0].Name())
	assert.Equal(t, time.Minute, d.cooldown)
}

package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "AISwap-Executor/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	broken := &recordingNotifier{channel: ChannelWebhook, err: errors.New("boom")}
	d := NewFanout(ok, nil, broken)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeExternalCallFailure, JobID: "job-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "channel webhook")
	require.Len(t, ok.events, 1)
	require.Len(t, broken.events, 1)

	var nilDispatcher *FanoutDispatcher
	require.NoError(t, nilDispatcher.Notify(context.Background(), Event{}))
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" || r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- ev
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}
	event := Event{
		Code:       "SLIPPAGE_EXCEEDED",
		Message:    "amount out below minimum",
		Severity:   xerrors.SeverityWarning,
		JobID:      "job-9",
		OrderID:    "0xabc",
		Attempts:   2,
		MaxRetries: 3,
		OccurredAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, n.Notify(context.Background(), event))
	got := <-received
	require.Equal(t, event.JobID, got.JobID)
	require.Equal(t, event.OrderID, got.OrderID)
	require.Equal(t, 2, got.Attempts)
}

func TestWebhookNotifierRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := (&WebhookNotifier{URL: srv.URL}).Notify(context.Background(), Event{})
	require.ErrorContains(t, err, "502")
	require.NoError(t, (&WebhookNotifier{}).Notify(context.Background(), Event{}))
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := &LogNotifier{}
	require.NoError(t, n.Notify(context.Background(), Event{
		Severity: xerrors.SeverityCritical,
		Message:  "reentrant call rejected",
		Metadata: map[string]string{"stage": "terminal"},
	}))
}

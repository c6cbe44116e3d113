// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package notification

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appwarden/internal/config"
	"grimm.is/appwarden/internal/store"
)

func alert(rule string, sev store.RiskLevel) store.Alert {
	return store.Alert{
		ID:          "a-" + rule,
		SubjectType: store.SubjectApplication,
		SubjectID:   1,
		Severity:    sev,
		Rule:        rule,
		Message:     "com.example.shady is " + string(sev) + " risk",
	}
}

func webhookConfig(url string) config.NotificationsConfig {
	return config.NotificationsConfig{
		Enabled:   true,
		RateLimit: time.Minute,
		Channels: []config.NotificationChannel{
			{Name: "hook", Type: "webhook", Enabled: true, WebhookURL: url},
		},
	}
}

func TestDispatchWebhookPayload(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer ts.Close()

	d := NewDispatcher(webhookConfig(ts.URL), nil)
	d.Dispatch(alert("new_domain_anomaly", store.RiskHigh))

	require.NotNil(t, body)
	assert.Equal(t, "HIGH", body["severity"])
	assert.Equal(t, "new_domain_anomaly", body["rule"])
	assert.Equal(t, "application", body["subject_type"])
}

func TestDispatchRateLimitsPerRule(t *testing.T) {
	var called atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
	}))
	defer ts.Close()

	d := NewDispatcher(webhookConfig(ts.URL), nil)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	d.Dispatch(alert("risky_port", store.RiskHigh))
	d.Dispatch(alert("risky_port", store.RiskHigh))
	assert.Equal(t, int32(1), called.Load())

	// A different rule is not limited by the first one.
	d.Dispatch(alert("volume_anomaly", store.RiskHigh))
	assert.Equal(t, int32(2), called.Load())

	// The same rule goes through again once the window has passed.
	now = now.Add(2 * time.Minute)
	d.Dispatch(alert("risky_port", store.RiskHigh))
	assert.Equal(t, int32(3), called.Load())
}

func TestDispatchSeverityFilter(t *testing.T) {
	var called atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
	}))
	defer ts.Close()

	cfg := webhookConfig(ts.URL)
	cfg.MinSeverity = "HIGH"
	d := NewDispatcher(cfg, nil)

	d.Dispatch(alert("r1", store.RiskMedium))
	assert.Equal(t, int32(0), called.Load())

	d.Dispatch(alert("r2", store.RiskCritical))
	assert.Equal(t, int32(1), called.Load())
}

func TestDispatchDisabled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("disabled dispatcher must not send")
	}))
	defer ts.Close()

	cfg := webhookConfig(ts.URL)
	cfg.Enabled = false
	NewDispatcher(cfg, nil).Dispatch(alert("r1", store.RiskCritical))
}

func TestDispatchChannelFailureIsNonFatal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	// Only asserts that a failing channel does not panic or block.
	NewDispatcher(webhookConfig(ts.URL), nil).Dispatch(alert("r1", store.RiskHigh))
}

func TestNtfyHeaders(t *testing.T) {
	var gotTitle, gotPriority string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTitle = r.Header.Get("Title")
		gotPriority = r.Header.Get("Priority")
	}))
	defer ts.Close()

	cfg := config.NotificationsConfig{
		Enabled:   true,
		RateLimit: time.Minute,
		Channels: []config.NotificationChannel{
			{Name: "phone", Type: "ntfy", Enabled: true, Server: ts.URL, Topic: "appwarden"},
		},
	}
	NewDispatcher(cfg, nil).Dispatch(alert("risky_port", store.RiskCritical))

	assert.Equal(t, "CRITICAL risk: risky_port", gotTitle)
	assert.Equal(t, "urgent", gotPriority)
}

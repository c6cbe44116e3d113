// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package notification delivers raised alerts to configured outbound
// channels. Delivery is best effort: a failed channel is logged and never
// blocks or fails the alerting path.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"grimm.is/appwarden/internal/config"
	"grimm.is/appwarden/internal/logging"
	"grimm.is/appwarden/internal/store"
)

// Dispatcher fans alerts out to the enabled channels.
type Dispatcher struct {
	cfg    config.NotificationsConfig
	logger *logging.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time

	httpClient *http.Client
	now        func() time.Time
}

// NewDispatcher creates a dispatcher for the given channel configuration.
func NewDispatcher(cfg config.NotificationsConfig, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.WithComponent("notification")
	}
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		lastSent: make(map[string]time.Time),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

// Dispatch sends one alert to every enabled channel whose severity filter
// it passes. It blocks until all channel sends finish.
func (d *Dispatcher) Dispatch(alert store.Alert) {
	if !d.cfg.Enabled {
		return
	}

	var wg sync.WaitGroup
	for _, ch := range d.cfg.Channels {
		if !ch.Enabled {
			continue
		}
		if !d.passesSeverity(ch, alert.Severity) {
			continue
		}
		// One notification per channel and rule within the rate limit
		// window, so a flapping subject cannot storm a webhook.
		if d.rateLimited(ch.Name, alert.Rule) {
			d.logger.Debug("notification rate limited", "channel", ch.Name, "rule", alert.Rule)
			continue
		}

		wg.Add(1)
		go func(ch config.NotificationChannel) {
			defer wg.Done()
			if err := d.sendToChannel(ch, alert); err != nil {
				d.logger.WithError(err).Error("notification delivery failed",
					"channel", ch.Name, "type", ch.Type)
			}
		}(ch)
	}
	wg.Wait()
}

func (d *Dispatcher) passesSeverity(ch config.NotificationChannel, sev store.RiskLevel) bool {
	min := ch.MinSeverity
	if min == "" {
		min = d.cfg.MinSeverity
	}
	if min == "" {
		return true
	}
	return sev.Rank() >= store.RiskLevel(min).Rank()
}

func (d *Dispatcher) rateLimited(channel, rule string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := channel + ":" + rule
	now := d.now()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cfg.RateLimit {
		return true
	}

	// Keys are bounded by channels x rules, but guard against growth anyway.
	if len(d.lastSent) > 1000 {
		d.lastSent = make(map[string]time.Time)
	}
	d.lastSent[key] = now
	return false
}

func (d *Dispatcher) sendToChannel(ch config.NotificationChannel, alert store.Alert) error {
	switch strings.ToLower(ch.Type) {
	case "webhook":
		return d.sendWebhook(ch.WebhookURL, map[string]any{
			"title":        alertTitle(alert),
			"message":      alert.Message,
			"severity":     string(alert.Severity),
			"rule":         alert.Rule,
			"subject_type": string(alert.SubjectType),
			"subject_id":   alert.SubjectID,
		})
	case "discord":
		return d.sendWebhook(ch.WebhookURL, map[string]any{
			"content": fmt.Sprintf("**%s**\n%s", alertTitle(alert), alert.Message),
		})
	case "ntfy":
		return d.sendNtfy(ch, alert)
	default:
		return fmt.Errorf("unknown channel type: %s", ch.Type)
	}
}

func (d *Dispatcher) sendWebhook(url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) sendNtfy(ch config.NotificationChannel, alert store.Alert) error {
	server := ch.Server
	if server == "" {
		server = "https://ntfy.sh"
	}
	url := strings.TrimSuffix(server, "/") + "/" + ch.Topic

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(alert.Message))
	if err != nil {
		return err
	}
	req.Header.Set("Title", alertTitle(alert))
	req.Header.Set("Priority", ntfyPriority(alert.Severity))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}
	return nil
}

func alertTitle(alert store.Alert) string {
	return fmt.Sprintf("%s risk: %s", alert.Severity, alert.Rule)
}

func ntfyPriority(sev store.RiskLevel) string {
	switch sev {
	case store.RiskCritical:
		return "urgent"
	case store.RiskHigh:
		return "high"
	default:
		return "default"
	}
}

// Watch follows the store's unresolved alerts and dispatches every alert it
// has not seen before, including those committed by the scoring engine.
func (d *Dispatcher) Watch(ctx context.Context, st *store.Store) error {
	initial, sub, err := st.Subscribe("notification.alerts", func(s *store.Store) (any, error) {
		return s.ListAlerts(false)
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	seen := make(map[string]struct{})
	for _, a := range initial.([]store.Alert) {
		seen[a.ID] = struct{}{} // backlog from before this process started
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			for _, a := range v.([]store.Alert) {
				if _, dup := seen[a.ID]; dup {
					continue
				}
				seen[a.ID] = struct{}{}
				d.Dispatch(a)
			}
		}
	}
}

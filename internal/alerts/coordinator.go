// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package alerts coordinates the alert lifecycle on top of the store:
// raising with dedup, the read/muted/resolved transitions, and the live
// unread-count view the UI layer subscribes to.
package alerts

import (
	"time"

	"grimm.is/appwarden/internal/logging"
	"grimm.is/appwarden/internal/metrics"
	"grimm.is/appwarden/internal/store"
)

// Coordinator is the single entry point for alert operations.
type Coordinator struct {
	store    *store.Store
	cooldown time.Duration
	logger   *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a coordinator. The cooldown bounds how long a new draft for
// the same subject and rule merges into an existing unresolved alert.
func New(st *store.Store, cooldown time.Duration, logger *logging.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{
		store:    st,
		cooldown: cooldown,
		logger:   logger.Component("alerts"),
		metrics:  m,
		now:      time.Now,
	}
}

// Raise creates an alert, or merges into the unresolved alert for the same
// subject and rule when one exists within the cooldown. Returns the alert id.
func (c *Coordinator) Raise(draft store.AlertDraft) (string, error) {
	id, merged, err := c.store.CreateOrMergeAlert(draft, c.now(), c.cooldown)
	if err != nil {
		return "", err
	}
	if merged {
		c.metrics.AlertsMerged.Inc()
		c.logger.Debug("alert merged", "id", id, "rule", draft.Rule)
	} else {
		c.metrics.AlertsRaised.Inc()
		c.logger.Info("alert raised",
			"id", id, "rule", draft.Rule,
			"subject_type", string(draft.SubjectType), "subject_id", draft.SubjectID,
			"severity", string(draft.Severity))
	}
	return id, nil
}

// MarkRead marks an alert read. Reading and muting are orthogonal flags;
// both are rejected once the alert is resolved.
func (c *Coordinator) MarkRead(id string) error {
	return c.store.MarkAlertRead(id)
}

// Mute mutes an alert so it stays out of the unread count.
func (c *Coordinator) Mute(id string) error {
	return c.store.MuteAlert(id)
}

// Resolve closes an alert. Resolution is terminal: later transitions on
// the alert fail, and a new draft for the same subject and rule creates a
// fresh alert rather than reopening this one.
func (c *Coordinator) Resolve(id string) error {
	return c.store.ResolveAlert(id, c.now())
}

// UnreadCount returns the number of unresolved, unread, unmuted alerts.
func (c *Coordinator) UnreadCount() (int64, error) {
	return c.store.UnreadAlertCount()
}

// List returns alerts, newest first, optionally including resolved ones.
func (c *Coordinator) List(includeResolved bool) ([]store.Alert, error) {
	return c.store.ListAlerts(includeResolved)
}

// WatchUnread returns the current unread count and a subscription that
// emits the fresh count after every store commit.
func (c *Coordinator) WatchUnread() (int64, *store.Subscription, error) {
	initial, sub, err := c.store.Subscribe("alerts.unread", func(s *store.Store) (any, error) {
		return s.UnreadAlertCount()
	})
	if err != nil {
		return 0, nil, err
	}
	return initial.(int64), sub, nil
}

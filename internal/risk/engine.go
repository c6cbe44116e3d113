// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package risk scores applications and domains from the aggregates the
// capture pipeline has persisted. Scoring runs are periodic, idempotent
// and strictly non-overlapping: every input to a run lives in the store,
// so re-running on an unchanged window commits the same levels again.
package risk

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"grimm.is/appwarden/internal/config"
	"grimm.is/appwarden/internal/errors"
	"grimm.is/appwarden/internal/logging"
	"grimm.is/appwarden/internal/metrics"
	"grimm.is/appwarden/internal/store"
)

const snapshotVersion = 1

// Engine runs periodic risk scoring over the store.
type Engine struct {
	store    *store.Store
	cfg      config.ScoringConfig
	cooldown time.Duration
	logger   *logging.Logger
	metrics  *metrics.Metrics

	running atomic.Bool
	now     func() time.Time
}

// NewEngine creates a scoring engine. The cooldown is the alert dedup
// window handed through to score commits.
func NewEngine(st *store.Store, cfg config.ScoringConfig, cooldown time.Duration, logger *logging.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		store:    st,
		cfg:      cfg,
		cooldown: cooldown,
		logger:   logger.Component("risk"),
		metrics:  m,
		now:      time.Now,
	}
}

// Run executes scoring on the configured cadence until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
				e.logger.WithError(err).Error("scoring run failed")
			}
		}
	}
}

// RunOnce performs a single scoring run. If a run is already in flight
// the call returns immediately without doing anything; runs never
// overlap, even when a run outlasts the cadence.
func (e *Engine) RunOnce(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Warn("scoring run still in flight, skipping")
		return nil
	}
	defer e.running.Store(false)

	now := e.now()
	windowStart := now.Add(-e.cfg.Window)

	apps, err := e.store.AppWindowAggregates(windowStart)
	if err != nil {
		e.metrics.ScoringFailures.Inc()
		return errors.Wrap(err, errors.KindUnavailable, "load app aggregates")
	}
	domains, err := e.store.DomainWindowAggregates(windowStart)
	if err != nil {
		e.metrics.ScoringFailures.Inc()
		return errors.Wrap(err, errors.KindUnavailable, "load domain aggregates")
	}

	entities := make([]store.EntityRisk, 0, len(apps)+len(domains))
	var aggregate float64

	// Domains first so freshly committed reputations feed into the next
	// run's app scores, never this one's. App scores in a single run see
	// one consistent reputation snapshot.
	for _, d := range domains {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, rep := scoreDomain(e.cfg, d)
		state := applyHysteresis(d.State, res.level, res.score, e.cfg.HysteresisRuns)

		commit := store.DomainScoreCommit{DomainID: d.DomainID, Reputation: rep, State: state}
		if draft := e.domainAlert(d, res); draft != nil {
			commit.Alert = draft
		}
		if err := e.store.CommitDomainScore(commit, now, e.cooldown); err != nil {
			e.metrics.SubjectsSkipped.Inc()
			e.logger.WithError(err).Warn("skipping domain", "domain", d.Name)
			continue
		}
		if commit.Alert != nil {
			e.metrics.AlertsRaised.Inc()
		}
		entities = append(entities, store.EntityRisk{
			SubjectType: store.SubjectDomain,
			SubjectID:   d.DomainID,
			Label:       d.Name,
			Level:       state.Level,
			Score:       res.score,
			Signals:     res.signals,
		})
		aggregate += res.score
	}

	for _, a := range apps {
		if err := ctx.Err(); err != nil {
			return err
		}
		baseline, err := e.appBaseline(a.AppID, windowStart)
		if err != nil {
			e.metrics.SubjectsSkipped.Inc()
			e.logger.WithError(err).Warn("skipping app", "package", a.Package)
			continue
		}
		res := scoreApp(e.cfg, a, baseline)
		state := applyHysteresis(a.State, res.level, res.score, e.cfg.HysteresisRuns)

		commit := store.AppScoreCommit{AppID: a.AppID, State: state}
		if draft := e.appAlert(a, res); draft != nil {
			commit.Alert = draft
		}
		if err := e.store.CommitAppScore(commit, now, e.cooldown); err != nil {
			e.metrics.SubjectsSkipped.Inc()
			e.logger.WithError(err).Warn("skipping app", "package", a.Package)
			continue
		}
		if commit.Alert != nil {
			e.metrics.AlertsRaised.Inc()
		}
		entities = append(entities, store.EntityRisk{
			SubjectType: store.SubjectApplication,
			SubjectID:   a.AppID,
			Label:       a.Package,
			Level:       state.Level,
			Score:       res.score,
			Signals:     res.signals,
		})
		aggregate += res.score
	}

	if len(entities) > 0 {
		aggregate /= float64(len(entities))
	}
	payload := store.SnapshotPayload{Version: snapshotVersion, Entities: entities}
	if _, err := e.store.AppendSnapshot(now, aggregate, payload); err != nil {
		e.metrics.ScoringFailures.Inc()
		return err
	}

	e.metrics.ScoringRuns.Inc()
	e.logger.Debug("scoring run complete",
		"apps", len(apps), "domains", len(domains), "aggregate", aggregate)
	return nil
}

// appBaseline builds the traffic baseline for one application from the
// buckets preceding the scoring window.
func (e *Engine) appBaseline(appID int64, windowStart time.Time) (*Baseline, error) {
	since := windowStart.Add(-time.Duration(e.cfg.BaselineBuckets) * e.cfg.BucketWidth)
	buckets, err := e.store.BucketSeries(appID, since)
	if err != nil {
		return nil, err
	}
	var b Baseline
	for _, bucket := range buckets {
		if !bucket.BucketStart.Before(windowStart) {
			continue
		}
		b.Add(float64(bucket.BytesSent + bucket.BytesRecv))
	}
	return &b, nil
}

// appAlert decides whether an application's run result warrants an alert:
// the detected level reached MEDIUM or above and rose past the level held
// before this run. Flapping within the cooldown is collapsed by dedup in
// the store.
func (e *Engine) appAlert(a store.AppWindowStats, res scoreResult) *store.AlertDraft {
	if !alertWorthy(res.level, a.State.Level) {
		return nil
	}
	return &store.AlertDraft{
		SubjectType: store.SubjectApplication,
		SubjectID:   a.AppID,
		Severity:    res.level,
		Rule:        res.dominantRule(),
		Message:     fmt.Sprintf("%s is %s risk (score %.0f)", a.Package, res.level, res.score),
	}
}

func (e *Engine) domainAlert(d store.DomainWindowStats, res scoreResult) *store.AlertDraft {
	if !alertWorthy(res.level, d.State.Level) {
		return nil
	}
	return &store.AlertDraft{
		SubjectType: store.SubjectDomain,
		SubjectID:   d.DomainID,
		Severity:    res.level,
		Rule:        res.dominantRule(),
		Message:     fmt.Sprintf("%s is %s risk (score %.0f)", d.Name, res.level, res.score),
	}
}

// alertWorthy reports whether detected crossed into MEDIUM or above from
// below the previously held level.
func alertWorthy(detected, previous store.RiskLevel) bool {
	return detected.Rank() >= store.RiskMedium.Rank() && detected.Rank() > previous.Rank()
}

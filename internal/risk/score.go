// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package risk

import (
	"grimm.is/appwarden/internal/config"
	"grimm.is/appwarden/internal/store"
)

// Rule identifiers carried on alerts and snapshot signals.
const (
	RuleRiskyPort     = "risky_port"
	RuleLowReputation = "low_reputation"
	RuleVolumeAnomaly = "volume_anomaly"
	RuleNewDomains    = "new_domain_anomaly"
	RuleBlockedDomain = "blocked_domain"
	RuleAppSpread     = "app_spread"
)

// scoreResult is the outcome of scoring one subject.
type scoreResult struct {
	score   float64
	level   store.RiskLevel
	signals []store.Signal
}

// dominantRule returns the rule id of the strongest contributing signal.
func (r scoreResult) dominantRule() string {
	rule := RuleVolumeAnomaly
	best := -1.0
	for _, sig := range r.signals {
		if c := sig.Value * sig.Weight; c > best {
			best = c
			rule = sig.ID
		}
	}
	return rule
}

// scoreApp combines the per-application signals into one score. Every
// signal is normalized to [0, 1] before weighting, so the configured
// weights are also each signal's maximum contribution.
func scoreApp(cfg config.ScoringConfig, st store.AppWindowStats, baseline *Baseline) scoreResult {
	w := cfg.Weights

	portSig := 0.0
	for _, port := range st.Ports {
		if isRiskyPort(cfg, port) {
			portSig = 1
			break
		}
	}

	// Only reputations below the floor count as a signal; the default
	// reputation of a never-scored domain sits exactly on the floor.
	repSig := 0.0
	if st.ConnectionCount > 0 && st.MinReputation < cfg.ReputationFloor {
		repSig = (cfg.ReputationFloor - st.MinReputation) / cfg.ReputationFloor
	}

	volSig := normalizeZ(baseline.ZScore(float64(st.BytesSent + st.BytesRecv)))

	newSig := float64(st.NewDomains) / float64(cfg.NewDomainAnomaly)
	if newSig > 1 {
		newSig = 1
	}

	signals := []store.Signal{
		{ID: RuleRiskyPort, Value: portSig, Weight: w.RiskyPort},
		{ID: RuleLowReputation, Value: repSig, Weight: w.DomainRep},
		{ID: RuleVolumeAnomaly, Value: volSig, Weight: w.VolumeAnomaly},
		{ID: RuleNewDomains, Value: newSig, Weight: w.NewDomains},
	}
	score := clampScore(portSig*w.RiskyPort + repSig*w.DomainRep + volSig*w.VolumeAnomaly + newSig*w.NewDomains)

	return scoreResult{score: score, level: levelFor(cfg.Thresholds, score), signals: signals}
}

// scoreDomain combines the per-domain signals. The domain's reputation is
// recomputed as a pure function of the same window, so re-running on an
// unchanged snapshot cannot drift. Trusted domains are pinned to SAFE.
func scoreDomain(cfg config.ScoringConfig, st store.DomainWindowStats) (scoreResult, float64) {
	w := cfg.Weights

	if st.Trusted {
		return scoreResult{score: 0, level: store.RiskSafe}, 1.0
	}

	volScale := float64(cfg.DomainVolumeMB) * 1024 * 1024
	volSig := float64(st.TotalBytes) / volScale
	if volSig > 1 {
		volSig = 1
	}

	spreadSig := float64(st.DistinctApps) / float64(cfg.DomainAppSpread)
	if spreadSig > 1 {
		spreadSig = 1
	}

	blockedSig := 0.0
	if st.Blocked {
		blockedSig = 1
	}

	// Reputation derives from the behavioral signals alone: heavy, widely
	// contacted or blocked domains lose reputation.
	behavior := clampScore(volSig*w.VolumeAnomaly + spreadSig*w.NewDomains + blockedSig*w.RiskyPort)
	reputation := 1 - behavior/100

	repSig := 0.0
	if reputation < cfg.ReputationFloor {
		repSig = (cfg.ReputationFloor - reputation) / cfg.ReputationFloor
	}

	signals := []store.Signal{
		{ID: RuleVolumeAnomaly, Value: volSig, Weight: w.VolumeAnomaly},
		{ID: RuleAppSpread, Value: spreadSig, Weight: w.NewDomains},
		{ID: RuleBlockedDomain, Value: blockedSig, Weight: w.RiskyPort},
		{ID: RuleLowReputation, Value: repSig, Weight: w.DomainRep},
	}
	score := clampScore(behavior + repSig*w.DomainRep)

	return scoreResult{score: score, level: levelFor(cfg.Thresholds, score), signals: signals}, reputation
}

// applyHysteresis merges a computed level into the persisted state.
// Upgrades apply immediately; a downgrade must hold for the configured
// number of consecutive runs before it takes effect.
func applyHysteresis(prev store.ScoringState, target store.RiskLevel, score float64, runs int) store.ScoringState {
	next := store.ScoringState{Level: prev.Level, PrevScore: score}

	switch {
	case target.Rank() > prev.Level.Rank():
		next.Level = target

	case target.Rank() == prev.Level.Rank():
		// Holding steady clears any pending downgrade.

	default:
		if prev.PendingLevel == target {
			next.PendingLevel = target
			next.PendingRuns = prev.PendingRuns + 1
		} else {
			next.PendingLevel = target
			next.PendingRuns = 1
		}
		if next.PendingRuns >= runs {
			next.Level = target
			next.PendingLevel = ""
			next.PendingRuns = 0
		}
	}
	return next
}

func levelFor(t config.LevelThresholds, score float64) store.RiskLevel {
	switch {
	case score >= t.Critical:
		return store.RiskCritical
	case score >= t.High:
		return store.RiskHigh
	case score >= t.Medium:
		return store.RiskMedium
	case score >= t.Low:
		return store.RiskLow
	default:
		return store.RiskSafe
	}
}

func isRiskyPort(cfg config.ScoringConfig, port int) bool {
	for _, p := range cfg.RiskyPorts {
		if p == port {
			return true
		}
	}
	return false
}

// normalizeZ maps a Z-score onto [0, 1]: deviations under one standard
// deviation are noise, three or more saturate the signal.
func normalizeZ(z float64) float64 {
	if z <= 1 {
		return 0
	}
	if z >= 3 {
		return 1
	}
	return (z - 1) / 2
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

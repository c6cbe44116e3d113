// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"grimm.is/appwarden/internal/config"
	"grimm.is/appwarden/internal/store"
)

func scoringDefaults() config.ScoringConfig {
	return config.DefaultConfig().Scoring
}

func TestBaselineWelford(t *testing.T) {
	var b Baseline
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		b.Add(v)
	}
	assert.Equal(t, int64(8), b.Count)
	assert.InDelta(t, 5.0, b.Mean, 1e-9)
	assert.InDelta(t, 4.571428, b.Variance(), 1e-5)
	assert.InDelta(t, (9.0-5.0)/b.StdDev(), b.ZScore(9), 1e-9)
}

func TestBaselineNeedsTwoObservations(t *testing.T) {
	var b Baseline
	assert.Zero(t, b.ZScore(1e9))
	b.Add(100)
	assert.Zero(t, b.ZScore(1e9))
}

func TestBaselineZeroVariance(t *testing.T) {
	var b Baseline
	b.Add(100)
	b.Add(100)
	assert.Zero(t, b.ZScore(100))
	assert.Equal(t, maxZScore, b.ZScore(101))
}

func TestScoreAppNewDomainBurst(t *testing.T) {
	cfg := scoringDefaults()
	st := store.AppWindowStats{
		ConnectionCount: 38,
		DistinctDomains: 38,
		NewDomains:      38,
		Ports:           []int{443},
		MinReputation:   1.0,
	}
	res := scoreApp(cfg, st, &Baseline{})

	assert.InDelta(t, 60.0, res.score, 1e-9)
	assert.Equal(t, store.RiskHigh, res.level)
	assert.Equal(t, RuleNewDomains, res.dominantRule())
}

func TestScoreAppRiskyPort(t *testing.T) {
	cfg := scoringDefaults()
	st := store.AppWindowStats{
		ConnectionCount: 1,
		Ports:           []int{443, 4444},
		MinReputation:   1.0,
	}
	res := scoreApp(cfg, st, &Baseline{})

	assert.InDelta(t, 30.0, res.score, 1e-9)
	assert.Equal(t, store.RiskLow, res.level)
	assert.Equal(t, RuleRiskyPort, res.dominantRule())
}

func TestScoreAppDefaultReputationIsNoSignal(t *testing.T) {
	cfg := scoringDefaults()
	st := store.AppWindowStats{
		ConnectionCount: 3,
		Ports:           []int{443},
		MinReputation:   cfg.ReputationFloor,
	}
	res := scoreApp(cfg, st, &Baseline{})
	assert.Zero(t, res.score)
	assert.Equal(t, store.RiskSafe, res.level)
}

func TestScoreAppDeterministic(t *testing.T) {
	cfg := scoringDefaults()
	st := store.AppWindowStats{
		BytesSent:       5 << 20,
		BytesRecv:       1 << 20,
		ConnectionCount: 12,
		NewDomains:      7,
		Ports:           []int{443, 23},
		MinReputation:   0.2,
	}
	var b Baseline
	for _, v := range []float64{1 << 20, 2 << 20, 1 << 20} {
		b.Add(v)
	}
	first := scoreApp(cfg, st, &b)
	second := scoreApp(cfg, st, &b)

	assert.Equal(t, first.score, second.score)
	assert.Equal(t, first.level, second.level)
	assert.Equal(t, first.signals, second.signals)
}

func TestScoreDomainTrustedPinnedSafe(t *testing.T) {
	cfg := scoringDefaults()
	res, rep := scoreDomain(cfg, store.DomainWindowStats{
		Trusted:      true,
		Blocked:      true,
		TotalBytes:   1 << 30,
		DistinctApps: 20,
	})
	assert.Zero(t, res.score)
	assert.Equal(t, store.RiskSafe, res.level)
	assert.Equal(t, 1.0, rep)
}

func TestScoreDomainBlockedDrivesScore(t *testing.T) {
	cfg := scoringDefaults()
	res, rep := scoreDomain(cfg, store.DomainWindowStats{
		Blocked:      true,
		DistinctApps: 1,
	})
	assert.Equal(t, RuleBlockedDomain, res.dominantRule())
	assert.Greater(t, res.score, 0.0)
	assert.Less(t, rep, 1.0)
}

func TestScoreDomainReputationIsPureFunctionOfWindow(t *testing.T) {
	cfg := scoringDefaults()
	st := store.DomainWindowStats{
		Reputation:   0.9,
		TotalBytes:   25 << 20,
		DistinctApps: 1,
	}
	_, rep1 := scoreDomain(cfg, st)
	// The stored reputation is an output, not an input: committing rep1
	// and rescoring the same window must land on the same value.
	st.Reputation = rep1
	res2, rep2 := scoreDomain(cfg, st)

	assert.Equal(t, rep1, rep2)
	assert.InDelta(t, 0.68, rep1, 1e-9)
	assert.Equal(t, store.RiskLow, res2.level)
}

func TestApplyHysteresisUpgradeImmediate(t *testing.T) {
	prev := store.ScoringState{Level: store.RiskSafe}
	next := applyHysteresis(prev, store.RiskHigh, 65, 2)

	assert.Equal(t, store.RiskHigh, next.Level)
	assert.Empty(t, next.PendingLevel)
	assert.Zero(t, next.PendingRuns)
}

func TestApplyHysteresisDowngradeHoldsForConfiguredRuns(t *testing.T) {
	state := store.ScoringState{Level: store.RiskHigh}

	state = applyHysteresis(state, store.RiskSafe, 0, 2)
	assert.Equal(t, store.RiskHigh, state.Level)
	assert.Equal(t, store.RiskSafe, state.PendingLevel)
	assert.Equal(t, 1, state.PendingRuns)

	state = applyHysteresis(state, store.RiskSafe, 0, 2)
	assert.Equal(t, store.RiskSafe, state.Level)
	assert.Empty(t, state.PendingLevel)
	assert.Zero(t, state.PendingRuns)
}

func TestApplyHysteresisInterruptedDowngradeResets(t *testing.T) {
	state := store.ScoringState{Level: store.RiskHigh}

	state = applyHysteresis(state, store.RiskSafe, 0, 2)
	// A run back at the current level abandons the pending downgrade.
	state = applyHysteresis(state, store.RiskHigh, 65, 2)
	assert.Equal(t, store.RiskHigh, state.Level)
	assert.Empty(t, state.PendingLevel)
	assert.Zero(t, state.PendingRuns)

	state = applyHysteresis(state, store.RiskSafe, 0, 2)
	assert.Equal(t, 1, state.PendingRuns)
}

func TestApplyHysteresisPendingTargetChangeRestartsCount(t *testing.T) {
	state := store.ScoringState{Level: store.RiskCritical}

	state = applyHysteresis(state, store.RiskMedium, 45, 3)
	state = applyHysteresis(state, store.RiskLow, 25, 3)
	assert.Equal(t, store.RiskCritical, state.Level)
	assert.Equal(t, store.RiskLow, state.PendingLevel)
	assert.Equal(t, 1, state.PendingRuns)
}

func TestAlertWorthy(t *testing.T) {
	assert.True(t, alertWorthy(store.RiskMedium, store.RiskSafe))
	assert.True(t, alertWorthy(store.RiskCritical, store.RiskHigh))
	// No increase, no alert, even at high absolute levels.
	assert.False(t, alertWorthy(store.RiskHigh, store.RiskHigh))
	assert.False(t, alertWorthy(store.RiskMedium, store.RiskCritical))
	// LOW never alerts.
	assert.False(t, alertWorthy(store.RiskLow, store.RiskSafe))
}

func TestLevelForThresholds(t *testing.T) {
	th := scoringDefaults().Thresholds
	assert.Equal(t, store.RiskSafe, levelFor(th, 19.9))
	assert.Equal(t, store.RiskLow, levelFor(th, 20))
	assert.Equal(t, store.RiskMedium, levelFor(th, 40))
	assert.Equal(t, store.RiskHigh, levelFor(th, 60))
	assert.Equal(t, store.RiskCritical, levelFor(th, 80))
}

func TestNormalizeZ(t *testing.T) {
	assert.Zero(t, normalizeZ(0.5))
	assert.Zero(t, normalizeZ(1))
	assert.InDelta(t, 0.5, normalizeZ(2), 1e-9)
	assert.Equal(t, 1.0, normalizeZ(3))
	assert.Equal(t, 1.0, normalizeZ(maxZScore))
}

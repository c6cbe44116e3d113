// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package risk

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appwarden/internal/config"
	"grimm.is/appwarden/internal/logging"
	"grimm.is/appwarden/internal/metrics"
	"grimm.is/appwarden/internal/store"
)

func testEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "risk.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultConfig()
	e := NewEngine(s, cfg.Scoring, cfg.Alerts.DedupCooldown, logging.Default(), metrics.New())
	return e, s
}

func ingestAt(t *testing.T, s *store.Store, pkg, domain, ip string, port int, at time.Time, bytes int64) {
	t.Helper()
	conn := store.ConnectionIngest{
		SessionID:  fmt.Sprintf("%s-%s-%d", pkg, ip, at.Unix()),
		Package:    pkg,
		AppName:    pkg,
		DomainName: domain,
		RemoteIP:   ip,
		RemotePort: port,
		Protocol:   "tcp",
		StartedAt:  at,
		BytesSent:  bytes / 2,
		BytesRecv:  bytes - bytes/2,
	}
	require.NoError(t, s.IngestBatch([]store.IngestItem{{Conn: &conn}}, time.Hour))
}

func unresolvedAlerts(t *testing.T, s *store.Store) []store.Alert {
	t.Helper()
	alerts, err := s.ListAlerts(false)
	require.NoError(t, err)
	return alerts
}

func appByPackage(t *testing.T, s *store.Store, pkg string) store.Application {
	t.Helper()
	app, err := s.GetApplicationByPackage(pkg)
	require.NoError(t, err)
	return *app
}

func TestEngineNewDomainBurstRaisesHighAlertOnce(t *testing.T) {
	e, s := testEngine(t)
	now := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return now }

	// Twenty never-before-seen domains inside the scoring window.
	for i := 0; i < 20; i++ {
		ingestAt(t, s, "com.example.shady", fmt.Sprintf("d%d.example.net", i),
			fmt.Sprintf("203.0.113.%d", i+1), 443, now.Add(-10*time.Minute), 2048)
	}

	require.NoError(t, e.RunOnce(context.Background()))

	app := appByPackage(t, s, "com.example.shady")
	assert.Equal(t, store.RiskHigh, app.RiskLevel)

	alerts := unresolvedAlerts(t, s)
	require.Len(t, alerts, 1)
	assert.Equal(t, store.SubjectApplication, alerts[0].SubjectType)
	assert.Equal(t, store.RiskHigh, alerts[0].Severity)
	assert.Equal(t, RuleNewDomains, alerts[0].Rule)

	// Re-running on the unchanged window commits the same level; with no
	// further severity increase, no second alert is drafted.
	require.NoError(t, e.RunOnce(context.Background()))
	assert.Equal(t, store.RiskHigh, appByPackage(t, s, "com.example.shady").RiskLevel)
	assert.Len(t, unresolvedAlerts(t, s), 1)
}

func TestEngineHysteresisHoldsDowngrade(t *testing.T) {
	e, s := testEngine(t)
	now := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return now }

	for i := 0; i < 20; i++ {
		ingestAt(t, s, "com.example.burst", fmt.Sprintf("b%d.example.net", i),
			fmt.Sprintf("198.51.100.%d", i+1), 443, now.Add(-10*time.Minute), 1024)
	}
	require.NoError(t, e.RunOnce(context.Background()))
	require.Equal(t, store.RiskHigh, appByPackage(t, s, "com.example.burst").RiskLevel)

	// One quiet run is not enough to shed HIGH.
	now = now.Add(2 * time.Hour)
	require.NoError(t, e.RunOnce(context.Background()))
	assert.Equal(t, store.RiskHigh, appByPackage(t, s, "com.example.burst").RiskLevel)

	// The second consecutive quiet run applies the downgrade.
	now = now.Add(2 * time.Hour)
	require.NoError(t, e.RunOnce(context.Background()))
	assert.Equal(t, store.RiskSafe, appByPackage(t, s, "com.example.burst").RiskLevel)
}

func TestEngineVolumeAnomaly(t *testing.T) {
	e, s := testEngine(t)
	now := time.Unix(1_700_000_000, 0).Truncate(time.Hour)
	e.now = func() time.Time { return now }

	// A steady hourly baseline, then a hundredfold spike inside the window.
	for h := 2; h <= 6; h++ {
		ingestAt(t, s, "com.example.sync", "cdn.example.com", "192.0.2.10",
			443, now.Add(-time.Duration(h)*time.Hour), 1<<20)
	}
	ingestAt(t, s, "com.example.sync", "cdn.example.com", "192.0.2.10",
		443, now.Add(-30*time.Minute), 100<<20)

	require.NoError(t, e.RunOnce(context.Background()))

	app := appByPackage(t, s, "com.example.sync")
	assert.Equal(t, store.RiskMedium, app.RiskLevel)

	// Crossing SAFE -> MEDIUM raises alerts: one for the app, one for the
	// domain carrying the spike.
	alerts := unresolvedAlerts(t, s)
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		assert.Equal(t, RuleVolumeAnomaly, a.Rule)
		assert.Equal(t, store.RiskMedium, a.Severity)
	}

	snap, err := s.LatestSnapshot()
	require.NoError(t, err)
	var found bool
	for _, ent := range snap.Payload.Entities {
		if ent.SubjectType == store.SubjectApplication && ent.Label == "com.example.sync" {
			found = true
			for _, sig := range ent.Signals {
				if sig.ID == RuleVolumeAnomaly {
					assert.Equal(t, 1.0, sig.Value)
				}
			}
		}
	}
	assert.True(t, found)
}

func TestEngineSnapshotPerRun(t *testing.T) {
	e, s := testEngine(t)
	now := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return now }

	ingestAt(t, s, "com.example.mail", "imap.example.com", "192.0.2.20",
		993, now.Add(-5*time.Minute), 4096)

	require.NoError(t, e.RunOnce(context.Background()))
	snap, err := s.LatestSnapshot()
	require.NoError(t, err)
	assert.Equal(t, now.Unix(), snap.CreatedAt.Unix())
	assert.Equal(t, snapshotVersion, snap.Payload.Version)
	// One app plus one domain subject.
	assert.Len(t, snap.Payload.Entities, 2)

	now = now.Add(time.Minute)
	require.NoError(t, e.RunOnce(context.Background()))
	snap2, err := s.LatestSnapshot()
	require.NoError(t, err)
	assert.NotEqual(t, snap.ID, snap2.ID)
}

func TestEngineRunsNeverOverlap(t *testing.T) {
	e, s := testEngine(t)
	now := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return now }

	e.running.Store(true)
	require.NoError(t, e.RunOnce(context.Background()))
	_, err := s.LatestSnapshot()
	assert.Error(t, err) // the overlapping call did nothing

	e.running.Store(false)
	require.NoError(t, e.RunOnce(context.Background()))
	_, err = s.LatestSnapshot()
	assert.NoError(t, err)
}

func TestEngineCancelledBetweenSubjects(t *testing.T) {
	e, s := testEngine(t)
	now := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return now }

	ingestAt(t, s, "com.example.mail", "imap.example.com", "192.0.2.20",
		993, now.Add(-5*time.Minute), 4096)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// No snapshot was written for the aborted run.
	_, err = s.LatestSnapshot()
	assert.Error(t, err)
}

func TestNewEngineNilLoggerDefaults(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "nil-logger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultConfig()
	e := NewEngine(s, cfg.Scoring, cfg.Alerts.DedupCooldown, nil, metrics.New())
	require.NoError(t, e.RunOnce(context.Background()))
}

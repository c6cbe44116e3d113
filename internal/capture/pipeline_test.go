// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appwarden/internal/metrics"
	"grimm.is/appwarden/internal/store"
)

func testPipeline(t *testing.T, src Source, index PackageIndex) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "capture.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := DefaultConfig()
	cfg.FlushGrace = 2 * time.Second
	return New(src, index, st, metrics.New(), nil, cfg), st
}

// runUntilDrained runs the pipeline, emits events via fn, then shuts down
// cleanly so buffered events are flushed before assertions.
func runUntilDrained(t *testing.T, p *Pipeline, fn func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	fn()
	// Give the capture loop time to consume what was emitted.
	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestPipelineAttributesKnownUID(t *testing.T) {
	src := NewFakeSource(64)
	index := StaticIndex{10231: {Package: "com.example.browser", Name: "Browser"}}
	p, st := testPipeline(t, src, index)

	runUntilDrained(t, p, func() {
		src.Emit(tupleEvent(EventOpen, 0, 0))
		src.Emit(tupleEvent(EventData, 512, 80000))
		src.Emit(tupleEvent(EventClose, 0, 0))
	})

	app, err := st.GetApplicationByPackage("com.example.browser")
	require.NoError(t, err)
	assert.Equal(t, "Browser", app.Name)

	sent, recv, err := st.WindowedBytes(time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(512), sent)
	assert.Equal(t, int64(80000), recv)
}

func TestPipelineUnknownUIDPlaceholder(t *testing.T) {
	src := NewFakeSource(64)
	p, st := testPipeline(t, src, StaticIndex{})

	runUntilDrained(t, p, func() {
		src.Emit(tupleEvent(EventOpen, 0, 0))
		src.Emit(tupleEvent(EventClose, 0, 0))
	})

	app, err := st.GetApplicationByPackage(UnknownApp.Package)
	require.NoError(t, err)
	assert.Equal(t, UnknownApp.Name, app.Name)
}

func TestPipelineDNSPairingScenario(t *testing.T) {
	src := NewFakeSource(64)
	index := StaticIndex{10231: {Package: "com.example.browser", Name: "Browser"}}
	p, st := testPipeline(t, src, index)

	dnsEvent := RawEvent{
		Kind:       EventDNS,
		Time:       time.Unix(1000, 0),
		UID:        10231,
		RemoteIP:   "203.0.113.53",
		RemotePort: 53,
		Protocol:   "udp",
		DNSPayload: packDNSAnswer("ads.example.com", "203.0.113.9", 300),
	}

	runUntilDrained(t, p, func() {
		// First connection: no prior DNS observation, stays unresolved.
		src.Emit(tupleEvent(EventOpen, 0, 0))
		src.Emit(tupleEvent(EventClose, 0, 0))

		// DNS answer pairs the IP, the next connection links to it.
		src.Emit(dnsEvent)
		src.Emit(tupleEvent(EventOpen, 0, 0))
		src.Emit(tupleEvent(EventClose, 0, 0))
	})

	dom, err := st.GetDomainByName("ads.example.com")
	require.NoError(t, err)

	app, err := st.GetApplicationByPackage("com.example.browser")
	require.NoError(t, err)
	stats, err := st.AppWindowAggregates(time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, app.ID, stats[0].AppID)
	assert.Equal(t, int64(2), stats[0].ConnectionCount)
	// Exactly one of the two connections resolved to the domain.
	assert.Equal(t, int64(1), stats[0].DistinctDomains)

	doms, err := st.DomainWindowAggregates(time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, doms, 1)
	assert.Equal(t, dom.ID, doms[0].DomainID)
	assert.Equal(t, int64(1), doms[0].DistinctApps)
}

func TestPipelineFlushesInFlightSessionsOnStop(t *testing.T) {
	src := NewFakeSource(64)
	index := StaticIndex{10231: {Package: "com.example.browser", Name: "Browser"}}
	p, st := testPipeline(t, src, index)

	runUntilDrained(t, p, func() {
		// Open with data but no close before shutdown.
		src.Emit(tupleEvent(EventOpen, 0, 0))
		src.Emit(tupleEvent(EventData, 1024, 0))
	})

	sent, _, err := st.WindowedBytes(time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1024), sent)
}

func TestPipelineUnmatchedCloseIsAnomalyNotFailure(t *testing.T) {
	src := NewFakeSource(64)
	p, st := testPipeline(t, src, StaticIndex{})

	runUntilDrained(t, p, func() {
		src.Emit(tupleEvent(EventClose, 0, 0))
	})

	sent, recv, err := st.WindowedBytes(time.Unix(0, 0))
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Zero(t, recv)
}

func TestPipelinePrunesStalePairings(t *testing.T) {
	src := NewFakeSource(16)
	st, err := store.Open(filepath.Join(t.TempDir(), "prune.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := DefaultConfig()
	cfg.DNSMaxValidity = 30 * time.Millisecond
	p := New(src, StaticIndex{}, st, metrics.New(), nil, cfg)

	runUntilDrained(t, p, func() {
		src.Emit(RawEvent{
			Kind:       EventDNS,
			Time:       time.Now(),
			RemoteIP:   "203.0.113.53",
			RemotePort: 53,
			Protocol:   "udp",
			DNSPayload: packDNSAnswer("stale.example.com", "198.51.100.40", 300),
		})
		// Let the pairing expire and the prune ticker fire.
		time.Sleep(150 * time.Millisecond)
	})

	p.dns.mu.Lock()
	remaining := len(p.dns.byIP)
	p.dns.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestProcIndexCacheAndMiss(t *testing.T) {
	idx := NewProcIndex(time.Hour, nil)
	idx.scan = func() (map[uint32]AppIdentity, error) {
		return map[uint32]AppIdentity{10231: {Package: "com.example.browser"}}, nil
	}

	id, ok := idx.Lookup(10231)
	require.True(t, ok)
	assert.Equal(t, "com.example.browser", id.Package)

	// Refresh is rate-limited; an unknown uid misses without rescanning.
	_, ok = idx.Lookup(99999)
	assert.False(t, ok)
}

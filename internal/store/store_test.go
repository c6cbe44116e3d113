// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ingestConn(t *testing.T, s *Store, c ConnectionIngest) {
	t.Helper()
	require.NoError(t, s.IngestBatch([]IngestItem{{Conn: &c}}, time.Hour))
}

func TestUpsertApplicationIdempotent(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.UpsertApplication("com.example.mail", "Mail", false, 1000)
	require.NoError(t, err)
	id2, err := s.UpsertApplication("com.example.mail", "Renamed", true, 2000)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	app, err := s.GetApplication(id1)
	require.NoError(t, err)
	// Identity fields untouched, only last_seen advanced.
	assert.Equal(t, "Mail", app.Name)
	assert.False(t, app.IsSystem)
	assert.Equal(t, int64(1000), app.FirstSeen.Unix())
	assert.Equal(t, int64(2000), app.LastSeen.Unix())

	apps, err := s.ListApplications()
	require.NoError(t, err)
	assert.Len(t, apps, 1)
}

func TestUpsertApplicationLastSeenNeverRegresses(t *testing.T) {
	s := openTestStore(t)

	id, err := s.UpsertApplication("com.example.mail", "Mail", false, 2000)
	require.NoError(t, err)
	_, err = s.UpsertApplication("com.example.mail", "Mail", false, 1500)
	require.NoError(t, err)

	app, err := s.GetApplication(id)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), app.LastSeen.Unix())
}

func TestUpsertDomainIdempotent(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.UpsertDomain("ads.example.com", 1000)
	require.NoError(t, err)
	id2, err := s.UpsertDomain("ads.example.com", 3000)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	d, err := s.GetDomain(id1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), d.FirstSeen.Unix())
	assert.Equal(t, int64(3000), d.LastSeen.Unix())
	assert.InDelta(t, 0.5, d.Reputation, 1e-9)
}

func TestIngestConnectionCreatesEntities(t *testing.T) {
	s := openTestStore(t)

	ingestConn(t, s, ConnectionIngest{
		SessionID:  "sess-1",
		Package:    "com.example.game",
		AppName:    "Game",
		DomainName: "cdn.example.com",
		RemoteIP:   "203.0.113.7",
		RemotePort: 443,
		Protocol:   "tcp",
		StartedAt:  time.Unix(5000, 0),
		BytesSent:  100,
		BytesRecv:  2000,
	})

	conn, err := s.GetConnection("sess-1")
	require.NoError(t, err)
	app, err := s.GetApplicationByPackage("com.example.game")
	require.NoError(t, err)
	dom, err := s.GetDomainByName("cdn.example.com")
	require.NoError(t, err)
	assert.Equal(t, app.ID, conn.AppID)
	assert.Equal(t, dom.ID, conn.DomainID)
}

func TestIngestConnectionNullDomain(t *testing.T) {
	s := openTestStore(t)

	ingestConn(t, s, ConnectionIngest{
		SessionID: "sess-raw",
		Package:   "com.example.game",
		RemoteIP:  "198.51.100.9",
		Protocol:  "udp",
		StartedAt: time.Unix(5000, 0),
	})

	conn, err := s.GetConnection("sess-raw")
	require.NoError(t, err)
	assert.Zero(t, conn.DomainID)
}

func TestIngestReplayDoesNotDoubleCountTraffic(t *testing.T) {
	s := openTestStore(t)

	c := ConnectionIngest{
		SessionID: "sess-replay",
		Package:   "com.example.sync",
		RemoteIP:  "203.0.113.1",
		Protocol:  "tcp",
		StartedAt: time.Unix(7200, 0),
		BytesSent: 500,
		BytesRecv: 1500,
	}
	ingestConn(t, s, c)
	ingestConn(t, s, c) // crash-restart resubmission

	app, err := s.GetApplicationByPackage("com.example.sync")
	require.NoError(t, err)
	buckets, err := s.BucketSeries(app.ID, time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(500), buckets[0].BytesSent)
	assert.Equal(t, int64(1500), buckets[0].BytesRecv)
}

func TestBucketAccumulation(t *testing.T) {
	s := openTestStore(t)

	// Two sessions in the same hour bucket, one in the next.
	for _, c := range []ConnectionIngest{
		{SessionID: "b1", Package: "com.a", RemoteIP: "1.2.3.4", Protocol: "tcp", StartedAt: time.Unix(3600, 0), BytesSent: 10, BytesRecv: 20},
		{SessionID: "b2", Package: "com.a", RemoteIP: "1.2.3.4", Protocol: "tcp", StartedAt: time.Unix(7100, 0), BytesSent: 30, BytesRecv: 40},
		{SessionID: "b3", Package: "com.a", RemoteIP: "1.2.3.4", Protocol: "tcp", StartedAt: time.Unix(7200, 0), BytesSent: 5, BytesRecv: 5},
	} {
		ingestConn(t, s, c)
	}

	app, err := s.GetApplicationByPackage("com.a")
	require.NoError(t, err)
	buckets, err := s.BucketSeries(app.ID, time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, int64(3600), buckets[0].BucketStart.Unix())
	assert.Equal(t, int64(40), buckets[0].BytesSent)
	assert.Equal(t, int64(60), buckets[0].BytesRecv)
	assert.Equal(t, int64(7200), buckets[1].BucketStart.Unix())
}

func TestBucketStartAlignment(t *testing.T) {
	ts := time.Unix(7300, 0)
	assert.Equal(t, int64(7200), BucketStart(ts, time.Hour).Unix())
	assert.Equal(t, int64(0), BucketStart(time.Unix(3599, 0), time.Hour).Unix())
}

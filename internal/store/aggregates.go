// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	"grimm.is/appwarden/internal/errors"
)

// WindowedBytes returns total bytes sent/received over connections started
// at or after since.
func (s *Store) WindowedBytes(since time.Time) (sent, recv int64, err error) {
	err = s.db.QueryRow(`
		SELECT COALESCE(SUM(bytes_sent), 0), COALESCE(SUM(bytes_recv), 0)
		FROM connections WHERE started_at >= ?`, since.Unix()).
		Scan(&sent, &recv)
	if err != nil {
		return 0, 0, errors.Wrap(err, errors.KindUnavailable, "windowed bytes")
	}
	return sent, recv, nil
}

// AppWindowAggregates returns the per-application aggregates the scoring
// engine consumes, one row per monitored application. Applications with no
// traffic inside the window appear with zeroed aggregates.
func (s *Store) AppWindowAggregates(since time.Time) ([]AppWindowStats, error) {
	cutoff := since.Unix()
	rows, err := s.db.Query(`
		SELECT a.id, a.package, a.risk_level, a.prev_score, a.pending_level, a.pending_runs,
		       COALESCE(SUM(c.bytes_sent), 0),
		       COALESCE(SUM(c.bytes_recv), 0),
		       COUNT(c.id),
		       COUNT(DISTINCT c.domain_id),
		       COALESCE(GROUP_CONCAT(DISTINCT c.remote_port), ''),
		       COALESCE(MIN(d.reputation), 1.0),
		       (SELECT COUNT(DISTINCT c2.domain_id)
		        FROM connections c2
		        WHERE c2.app_id = a.id
		          AND c2.started_at >= ?
		          AND c2.domain_id IS NOT NULL
		          AND NOT EXISTS (
		              SELECT 1 FROM connections p
		              WHERE p.app_id = a.id
		                AND p.domain_id = c2.domain_id
		                AND p.started_at < ?))
		FROM applications a
		LEFT JOIN connections c ON c.app_id = a.id AND c.started_at >= ?
		LEFT JOIN domains d ON d.id = c.domain_id
		WHERE a.monitored = 1
		GROUP BY a.id
		ORDER BY a.id`,
		cutoff, cutoff, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "app window aggregates")
	}
	defer rows.Close()

	var out []AppWindowStats
	for rows.Next() {
		var st AppWindowStats
		var level, pending, ports string
		if err := rows.Scan(&st.AppID, &st.Package, &level, &st.State.PrevScore,
			&pending, &st.State.PendingRuns,
			&st.BytesSent, &st.BytesRecv, &st.ConnectionCount, &st.DistinctDomains,
			&ports, &st.MinReputation, &st.NewDomains); err != nil {
			return nil, errors.Wrap(err, errors.KindUnavailable, "scan app aggregates")
		}
		st.State.Level = RiskLevel(level)
		st.State.PendingLevel = RiskLevel(pending)
		st.Ports = parsePortList(ports)
		out = append(out, st)
	}
	return out, rows.Err()
}

// DomainWindowAggregates returns the per-domain aggregates the scoring
// engine consumes. Domains with no traffic in the window appear zeroed.
func (s *Store) DomainWindowAggregates(since time.Time) ([]DomainWindowStats, error) {
	rows, err := s.db.Query(`
		SELECT d.id, d.name, d.reputation, d.blocked, d.trusted,
		       d.risk_level, d.prev_score, d.pending_level, d.pending_runs,
		       COALESCE(SUM(c.bytes_sent + c.bytes_recv), 0),
		       COUNT(DISTINCT c.app_id)
		FROM domains d
		LEFT JOIN connections c ON c.domain_id = d.id AND c.started_at >= ?
		GROUP BY d.id
		ORDER BY d.id`, since.Unix())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "domain window aggregates")
	}
	defer rows.Close()

	var out []DomainWindowStats
	for rows.Next() {
		var st DomainWindowStats
		var blocked, trusted int
		var level, pending string
		if err := rows.Scan(&st.DomainID, &st.Name, &st.Reputation, &blocked, &trusted,
			&level, &st.State.PrevScore, &pending, &st.State.PendingRuns,
			&st.TotalBytes, &st.DistinctApps); err != nil {
			return nil, errors.Wrap(err, errors.KindUnavailable, "scan domain aggregates")
		}
		st.Blocked = blocked != 0
		st.Trusted = trusted != 0
		st.State.Level = RiskLevel(level)
		st.State.PendingLevel = RiskLevel(pending)
		out = append(out, st)
	}
	return out, rows.Err()
}

// NewDomainCount counts domains an app first contacted inside the window
// (no connection to them by that app before since).
func (s *Store) NewDomainCount(appID int64, since time.Time) (int64, error) {
	cutoff := since.Unix()
	var n int64
	err := s.db.QueryRow(`
		SELECT COUNT(DISTINCT c.domain_id)
		FROM connections c
		WHERE c.app_id = ? AND c.started_at >= ? AND c.domain_id IS NOT NULL
		  AND NOT EXISTS (
		      SELECT 1 FROM connections p
		      WHERE p.app_id = c.app_id AND p.domain_id = c.domain_id AND p.started_at < ?)`,
		appID, cutoff, cutoff).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindUnavailable, "new domain count")
	}
	return n, nil
}

// BucketSeries returns an app's traffic buckets starting at or after since,
// oldest first.
func (s *Store) BucketSeries(appID int64, since time.Time) ([]TrafficBucket, error) {
	rows, err := s.db.Query(`
		SELECT app_id, bucket_start, bytes_sent, bytes_recv
		FROM traffic_stats
		WHERE app_id = ? AND bucket_start >= ?
		ORDER BY bucket_start`, appID, since.Unix())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "bucket series")
	}
	defer rows.Close()

	var out []TrafficBucket
	for rows.Next() {
		var b TrafficBucket
		var start int64
		if err := rows.Scan(&b.AppID, &start, &b.BytesSent, &b.BytesRecv); err != nil {
			return nil, errors.Wrap(err, errors.KindUnavailable, "scan bucket")
		}
		b.BucketStart = fromUnix(start)
		out = append(out, b)
	}
	return out, rows.Err()
}

// LookupDNS returns the most recent DNS pairing for an IP observed at or
// after since, or "" when none is valid.
func (s *Store) LookupDNS(ip string, since time.Time) (string, error) {
	var domain string
	err := s.db.QueryRow(`
		SELECT domain FROM dns_queries
		WHERE resolved_ip = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`, ip, since.Unix()).Scan(&domain)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, errors.KindUnavailable, "lookup dns pairing")
	}
	return domain, nil
}

func parsePortList(raw string) []int {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ports := make([]int, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			ports = append(ports, n)
		}
	}
	return ports
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"time"

	"grimm.is/appwarden/internal/errors"
)

// ConnectionIngest is a finalized capture session ready for commit. The
// capture layer identifies the app by package and the domain by name; the
// store resolves both to row ids, creating them on first observation.
type ConnectionIngest struct {
	SessionID  string
	Package    string
	AppName    string
	IsSystem   bool
	DomainName string // empty when DNS pairing never resolved the remote IP
	RemoteIP   string
	RemotePort int
	Protocol   string
	StartedAt  time.Time
	BytesSent  int64
	BytesRecv  int64
}

// DNSIngest is one observed DNS query/response pair.
type DNSIngest struct {
	QueryID    string
	Domain     string
	ResolvedIP string
	TTL        time.Duration
	CreatedAt  time.Time
}

// IngestItem is one element of a capture drain batch.
type IngestItem struct {
	Conn *ConnectionIngest
	DNS  *DNSIngest
}

// IngestBatch commits a drain batch atomically. Re-ingesting a batch after a
// crash-restart is safe: connections and DNS queries conflict on their
// natural key and replace the stored row, and traffic buckets are only
// accumulated for sessions not seen before.
func (s *Store) IngestBatch(items []IngestItem, bucketWidth time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		for i := range items {
			if c := items[i].Conn; c != nil {
				if err := ingestConnectionTx(tx, c, bucketWidth); err != nil {
					return err
				}
			}
			if q := items[i].DNS; q != nil {
				if err := ingestDNSTx(tx, q); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func ingestConnectionTx(tx *sql.Tx, c *ConnectionIngest, bucketWidth time.Duration) error {
	seen := c.StartedAt.Unix()

	var appID int64
	if err := upsertApplicationTx(tx, c.Package, c.AppName, c.IsSystem, seen, &appID); err != nil {
		return err
	}

	var domainID sql.NullInt64
	if c.DomainName != "" {
		var id int64
		if err := upsertDomainTx(tx, c.DomainName, seen, &id); err != nil {
			return err
		}
		domainID = sql.NullInt64{Int64: id, Valid: true}
	}

	var exists int
	err := tx.QueryRow("SELECT 1 FROM connections WHERE id = ?", c.SessionID).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, errors.KindUnavailable, "check connection")
	}
	replay := err == nil

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO connections
			(id, app_id, domain_id, remote_ip, remote_port, protocol, started_at, bytes_sent, bytes_recv)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, appID, domainID, c.RemoteIP, c.RemotePort, c.Protocol,
		seen, c.BytesSent, c.BytesRecv)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "insert connection")
	}

	// A replayed session already contributed to its bucket.
	if replay {
		return nil
	}
	bucket := BucketStart(c.StartedAt, bucketWidth).Unix()
	_, err = tx.Exec(`
		INSERT INTO traffic_stats (app_id, bucket_start, bytes_sent, bytes_recv)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (app_id, bucket_start) DO UPDATE SET
			bytes_sent = bytes_sent + excluded.bytes_sent,
			bytes_recv = bytes_recv + excluded.bytes_recv`,
		appID, bucket, c.BytesSent, c.BytesRecv)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "accumulate traffic bucket")
	}
	return nil
}

func ingestDNSTx(tx *sql.Tx, q *DNSIngest) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO dns_queries (id, domain, resolved_ip, ttl_seconds, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		q.QueryID, q.Domain, q.ResolvedIP, int64(q.TTL/time.Second), q.CreatedAt.Unix())
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "insert dns query")
	}
	return nil
}

// GetConnection returns one connection by session id.
func (s *Store) GetConnection(id string) (*Connection, error) {
	var c Connection
	var domainID sql.NullInt64
	var started int64
	err := s.db.QueryRow(`
		SELECT id, app_id, domain_id, remote_ip, remote_port, protocol, started_at, bytes_sent, bytes_recv
		FROM connections WHERE id = ?`, id).
		Scan(&c.ID, &c.AppID, &domainID, &c.RemoteIP, &c.RemotePort, &c.Protocol,
			&started, &c.BytesSent, &c.BytesRecv)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.KindNotFound, "connection not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "scan connection")
	}
	if domainID.Valid {
		c.DomainID = domainID.Int64
	}
	c.StartedAt = fromUnix(started)
	return &c, nil
}

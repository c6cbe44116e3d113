// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"time"

	"grimm.is/appwarden/internal/errors"
)

// Sweep deletes connections, DNS queries and traffic buckets older than the
// cutoff. Applications, domains, alerts and snapshots are retained
// indefinitely. Returns the number of rows removed.
func (s *Store) Sweep(cutoff time.Time) (int64, error) {
	ts := cutoff.Unix()
	var total int64
	err := s.withTx(func(tx *sql.Tx) error {
		for _, stmt := range []struct {
			query string
			what  string
		}{
			{"DELETE FROM connections WHERE started_at < ?", "connections"},
			{"DELETE FROM dns_queries WHERE created_at < ?", "dns queries"},
			{"DELETE FROM traffic_stats WHERE bucket_start < ?", "traffic buckets"},
		} {
			res, err := tx.Exec(stmt.query, ts)
			if err != nil {
				return errors.Wrapf(err, errors.KindUnavailable, "sweep %s", stmt.what)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if total > 0 {
		s.logger.Debug("Retention sweep removed rows", "rows", total, "cutoff", cutoff)
	}
	return total, nil
}

// ClearAlerts removes resolved alerts older than the cutoff. This is an
// explicit maintenance operation, never part of the periodic sweep.
func (s *Store) ClearAlerts(cutoff time.Time) (int64, error) {
	var n int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"DELETE FROM alerts WHERE resolved_at IS NOT NULL AND resolved_at < ?", cutoff.Unix())
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "clear alerts")
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

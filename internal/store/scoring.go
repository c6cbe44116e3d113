// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"grimm.is/appwarden/internal/errors"
)

// CommitAppScore applies one application's scoring result (risk level,
// persisted hysteresis state and the optional alert) as a single unit.
func (s *Store) CommitAppScore(c AppScoreCommit, now time.Time, cooldown time.Duration) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE applications
			SET risk_level = ?, prev_score = ?, pending_level = ?, pending_runs = ?
			WHERE id = ?`,
			string(c.State.Level), c.State.PrevScore,
			string(c.State.PendingLevel), c.State.PendingRuns, c.AppID)
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "commit app score")
		}
		if err := requireRow(res); err != nil {
			return err
		}
		if c.Alert != nil {
			if _, _, err := createOrMergeAlertTx(tx, *c.Alert, now, cooldown); err != nil {
				return err
			}
		}
		return nil
	})
}

// CommitDomainScore applies one domain's scoring result as a single unit.
func (s *Store) CommitDomainScore(c DomainScoreCommit, now time.Time, cooldown time.Duration) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE domains
			SET risk_level = ?, reputation = ?, prev_score = ?, pending_level = ?, pending_runs = ?
			WHERE id = ?`,
			string(c.State.Level), c.Reputation, c.State.PrevScore,
			string(c.State.PendingLevel), c.State.PendingRuns, c.DomainID)
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "commit domain score")
		}
		if err := requireRow(res); err != nil {
			return err
		}
		if c.Alert != nil {
			if _, _, err := createOrMergeAlertTx(tx, *c.Alert, now, cooldown); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendSnapshot appends one prediction snapshot for a scoring run.
func (s *Store) AppendSnapshot(createdAt time.Time, aggregateScore float64, payload SnapshotPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "marshal snapshot payload")
	}
	id := uuid.NewString()
	err = s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO prediction_snapshots (id, created_at, aggregate_score, payload)
			VALUES (?, ?, ?, ?)`,
			id, createdAt.Unix(), aggregateScore, string(raw))
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "append snapshot")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// LatestSnapshot returns the most recent snapshot, or KindNotFound.
func (s *Store) LatestSnapshot() (*Snapshot, error) {
	var snap Snapshot
	var created int64
	var raw string
	err := s.db.QueryRow(`
		SELECT id, created_at, aggregate_score, payload
		FROM prediction_snapshots ORDER BY created_at DESC LIMIT 1`).
		Scan(&snap.ID, &created, &snap.AggregateScore, &raw)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.KindNotFound, "no snapshots")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "latest snapshot")
	}
	snap.CreatedAt = fromUnix(created)
	if err := json.Unmarshal([]byte(raw), &snap.Payload); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "unmarshal snapshot payload")
	}
	return &snap, nil
}

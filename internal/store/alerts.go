// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"grimm.is/appwarden/internal/errors"
)

// CreateOrMergeAlert inserts a new alert or, when an unresolved alert for
// the same (subject type, subject id, rule) exists within the cooldown,
// bumps its timestamp and severity instead. Returns the alert id and
// whether an existing row was merged.
func (s *Store) CreateOrMergeAlert(draft AlertDraft, now time.Time, cooldown time.Duration) (string, bool, error) {
	var id string
	var merged bool
	err := s.withTx(func(tx *sql.Tx) error {
		var err error
		id, merged, err = createOrMergeAlertTx(tx, draft, now, cooldown)
		return err
	})
	return id, merged, err
}

func createOrMergeAlertTx(tx *sql.Tx, draft AlertDraft, now time.Time, cooldown time.Duration) (string, bool, error) {
	var id string
	var severity string
	err := tx.QueryRow(`
		SELECT id, severity FROM alerts
		WHERE subject_type = ? AND subject_id = ? AND rule = ?
		  AND resolved_at IS NULL AND updated_at >= ?
		ORDER BY updated_at DESC LIMIT 1`,
		string(draft.SubjectType), draft.SubjectID, draft.Rule,
		now.Add(-cooldown).Unix()).Scan(&id, &severity)
	switch {
	case err == sql.ErrNoRows:
		id = uuid.NewString()
		_, err := tx.Exec(`
			INSERT INTO alerts (id, subject_type, subject_id, severity, rule, message, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, string(draft.SubjectType), draft.SubjectID, string(draft.Severity),
			draft.Rule, draft.Message, now.Unix(), now.Unix())
		if err != nil {
			return "", false, errors.Wrap(err, errors.KindUnavailable, "insert alert")
		}
		return id, false, nil
	case err != nil:
		return "", false, errors.Wrap(err, errors.KindUnavailable, "lookup alert for merge")
	}

	// Merge: keep the higher severity, refresh the timestamp.
	newSev := draft.Severity
	if RiskLevel(severity).Rank() > newSev.Rank() {
		newSev = RiskLevel(severity)
	}
	_, err = tx.Exec(
		"UPDATE alerts SET updated_at = ?, severity = ?, message = ? WHERE id = ?",
		now.Unix(), string(newSev), draft.Message, id)
	if err != nil {
		return "", false, errors.Wrap(err, errors.KindUnavailable, "merge alert")
	}
	return id, true, nil
}

// MarkAlertRead marks an alert as read. Read and muted are orthogonal.
func (s *Store) MarkAlertRead(id string) error {
	return s.updateUnresolvedAlert(id, "read = 1")
}

// MuteAlert suppresses an alert without marking it read.
func (s *Store) MuteAlert(id string) error {
	return s.updateUnresolvedAlert(id, "muted = 1")
}

func (s *Store) updateUnresolvedAlert(id, set string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE alerts SET "+set+" WHERE id = ? AND resolved_at IS NULL", id)
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "update alert")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.classifyAlertMiss(tx, id)
		}
		return nil
	})
}

// ResolveAlert marks an alert resolved. Resolved is terminal.
func (s *Store) ResolveAlert(id string, now time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE alerts SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL",
			now.Unix(), id)
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "resolve alert")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.classifyAlertMiss(tx, id)
		}
		return nil
	})
}

// classifyAlertMiss distinguishes a missing alert from a resolved one so
// callers get conflict semantics for post-resolve transitions.
func (s *Store) classifyAlertMiss(tx *sql.Tx, id string) error {
	var exists int
	err := tx.QueryRow("SELECT 1 FROM alerts WHERE id = ?", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return errors.New(errors.KindNotFound, "alert not found")
	}
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "check alert")
	}
	return errors.New(errors.KindConflict, "alert already resolved")
}

// UnreadAlertCount counts unresolved alerts not yet marked read. Muting
// silences delivery but does not read the alert; it never hides it here.
func (s *Store) UnreadAlertCount() (int64, error) {
	var n int64
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM alerts WHERE read = 0 AND resolved_at IS NULL").Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindUnavailable, "unread alert count")
	}
	return n, nil
}

// ListAlerts returns alerts ordered by most recently updated.
func (s *Store) ListAlerts(includeResolved bool) ([]Alert, error) {
	q := `
		SELECT id, subject_type, subject_id, severity, rule, message,
		       created_at, updated_at, read, muted, resolved_at
		FROM alerts`
	if !includeResolved {
		q += " WHERE resolved_at IS NULL"
	}
	q += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(q)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "list alerts")
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		var subjectType, severity string
		var created, updated int64
		var read, muted int
		var resolved sql.NullInt64
		if err := rows.Scan(&a.ID, &subjectType, &a.SubjectID, &severity, &a.Rule, &a.Message,
			&created, &updated, &read, &muted, &resolved); err != nil {
			return nil, errors.Wrap(err, errors.KindUnavailable, "scan alert")
		}
		a.SubjectType = SubjectType(subjectType)
		a.Severity = RiskLevel(severity)
		a.CreatedAt = fromUnix(created)
		a.UpdatedAt = fromUnix(updated)
		a.Read = read != 0
		a.Muted = muted != 0
		if resolved.Valid {
			t := fromUnix(resolved.Int64)
			a.ResolvedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

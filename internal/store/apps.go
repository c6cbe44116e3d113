// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"

	"grimm.is/appwarden/internal/errors"
)

// UpsertApplication inserts the application on first observation or, when it
// already exists, only touches last_seen. Identity fields are never
// overwritten. Returns the stable row id either way.
func (s *Store) UpsertApplication(pkg, name string, isSystem bool, seen int64) (int64, error) {
	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		return upsertApplicationTx(tx, pkg, name, isSystem, seen, &id)
	})
	return id, err
}

func upsertApplicationTx(tx *sql.Tx, pkg, name string, isSystem bool, seen int64, id *int64) error {
	err := tx.QueryRow("SELECT id FROM applications WHERE package = ?", pkg).Scan(id)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec(`
			INSERT INTO applications (package, name, is_system, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?)`,
			pkg, name, boolInt(isSystem), seen, seen)
		if err != nil {
			return errors.Wrapf(err, errors.KindUnavailable, "insert application %s", pkg)
		}
		*id, err = res.LastInsertId()
		return err
	case err != nil:
		return errors.Wrapf(err, errors.KindUnavailable, "lookup application %s", pkg)
	default:
		_, err := tx.Exec("UPDATE applications SET last_seen = MAX(last_seen, ?) WHERE id = ?", seen, *id)
		return err
	}
}

// GetApplication returns one application by id.
func (s *Store) GetApplication(id int64) (*Application, error) {
	return s.scanApplication(s.db.QueryRow(appSelect+" WHERE id = ?", id))
}

// GetApplicationByPackage returns one application by package identifier.
func (s *Store) GetApplicationByPackage(pkg string) (*Application, error) {
	return s.scanApplication(s.db.QueryRow(appSelect+" WHERE package = ?", pkg))
}

const appSelect = `
	SELECT id, package, name, is_system, monitored, risk_level,
	       block_background, block_trackers, allow_on_wifi, first_seen, last_seen
	FROM applications`

func (s *Store) scanApplication(row *sql.Row) (*Application, error) {
	var a Application
	var isSystem, monitored, bb, bt, aw int
	var first, last int64
	var level string
	err := row.Scan(&a.ID, &a.Package, &a.Name, &isSystem, &monitored, &level,
		&bb, &bt, &aw, &first, &last)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.KindNotFound, "application not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "scan application")
	}
	a.IsSystem = isSystem != 0
	a.Monitored = monitored != 0
	a.RiskLevel = RiskLevel(level)
	a.Rules = AppRules{BlockBackground: bb != 0, BlockTrackers: bt != 0, AllowOnWifi: aw != 0}
	a.FirstSeen = fromUnix(first)
	a.LastSeen = fromUnix(last)
	return &a, nil
}

// ListApplications returns all applications ordered by last_seen descending.
func (s *Store) ListApplications() ([]Application, error) {
	rows, err := s.db.Query(appSelect + " ORDER BY last_seen DESC")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "list applications")
	}
	defer rows.Close()

	var apps []Application
	for rows.Next() {
		var a Application
		var isSystem, monitored, bb, bt, aw int
		var first, last int64
		var level string
		if err := rows.Scan(&a.ID, &a.Package, &a.Name, &isSystem, &monitored, &level,
			&bb, &bt, &aw, &first, &last); err != nil {
			return nil, errors.Wrap(err, errors.KindUnavailable, "scan application")
		}
		a.IsSystem = isSystem != 0
		a.Monitored = monitored != 0
		a.RiskLevel = RiskLevel(level)
		a.Rules = AppRules{BlockBackground: bb != 0, BlockTrackers: bt != 0, AllowOnWifi: aw != 0}
		a.FirstSeen = fromUnix(first)
		a.LastSeen = fromUnix(last)
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// SetAppRules applies the user rule flags for an application.
func (s *Store) SetAppRules(appID int64, rules AppRules) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE applications
			SET block_background = ?, block_trackers = ?, allow_on_wifi = ?
			WHERE id = ?`,
			boolInt(rules.BlockBackground), boolInt(rules.BlockTrackers), boolInt(rules.AllowOnWifi), appID)
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "set app rules")
		}
		return requireRow(res)
	})
}

// SetAppMonitored toggles monitoring for an application.
func (s *Store) SetAppMonitored(appID int64, monitored bool) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE applications SET monitored = ? WHERE id = ?", boolInt(monitored), appID)
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "set app monitored")
		}
		return requireRow(res)
	})
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New(errors.KindNotFound, "no such row")
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

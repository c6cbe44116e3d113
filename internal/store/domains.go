// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"time"

	"grimm.is/appwarden/internal/errors"
)

func fromUnix(ts int64) time.Time {
	return time.Unix(ts, 0).UTC()
}

// BucketStart aligns ts to the start of its fixed-width bucket.
func BucketStart(ts time.Time, width time.Duration) time.Time {
	w := int64(width / time.Second)
	if w <= 0 {
		w = 3600
	}
	sec := ts.Unix()
	return time.Unix(sec-sec%w, 0).UTC()
}

// UpsertDomain inserts the domain on first contact or touches last_seen.
// Returns the stable row id either way.
func (s *Store) UpsertDomain(name string, seen int64) (int64, error) {
	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		return upsertDomainTx(tx, name, seen, &id)
	})
	return id, err
}

func upsertDomainTx(tx *sql.Tx, name string, seen int64, id *int64) error {
	err := tx.QueryRow("SELECT id FROM domains WHERE name = ?", name).Scan(id)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec(
			"INSERT INTO domains (name, first_seen, last_seen) VALUES (?, ?, ?)",
			name, seen, seen)
		if err != nil {
			return errors.Wrapf(err, errors.KindUnavailable, "insert domain %s", name)
		}
		*id, err = res.LastInsertId()
		return err
	case err != nil:
		return errors.Wrapf(err, errors.KindUnavailable, "lookup domain %s", name)
	default:
		_, err := tx.Exec("UPDATE domains SET last_seen = MAX(last_seen, ?) WHERE id = ?", seen, *id)
		return err
	}
}

const domainSelect = `
	SELECT id, name, category, reputation, blocked, trusted, risk_level, first_seen, last_seen
	FROM domains`

func scanDomain(row *sql.Row) (*Domain, error) {
	var d Domain
	var blocked, trusted int
	var first, last int64
	var level string
	err := row.Scan(&d.ID, &d.Name, &d.Category, &d.Reputation, &blocked, &trusted, &level, &first, &last)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.KindNotFound, "domain not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "scan domain")
	}
	d.Blocked = blocked != 0
	d.Trusted = trusted != 0
	d.RiskLevel = RiskLevel(level)
	d.FirstSeen = fromUnix(first)
	d.LastSeen = fromUnix(last)
	return &d, nil
}

// GetDomain returns one domain by id.
func (s *Store) GetDomain(id int64) (*Domain, error) {
	return scanDomain(s.db.QueryRow(domainSelect+" WHERE id = ?", id))
}

// GetDomainByName returns one domain by name.
func (s *Store) GetDomainByName(name string) (*Domain, error) {
	return scanDomain(s.db.QueryRow(domainSelect+" WHERE name = ?", name))
}

// SetDomainBlocked sets the blocked flag for a domain.
func (s *Store) SetDomainBlocked(domainID int64, blocked bool) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE domains SET blocked = ? WHERE id = ?", boolInt(blocked), domainID)
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "set domain blocked")
		}
		return requireRow(res)
	})
}

// SetDomainTrusted sets the trusted flag for a domain.
func (s *Store) SetDomainTrusted(domainID int64, trusted bool) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE domains SET trusted = ? WHERE id = ?", boolInt(trusted), domainID)
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "set domain trusted")
		}
		return requireRow(res)
	})
}

// SetDomainCategory sets the category label for a domain.
func (s *Store) SetDomainCategory(domainID int64, category string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE domains SET category = ? WHERE id = ?", category, domainID)
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "set domain category")
		}
		return requireRow(res)
	})
}

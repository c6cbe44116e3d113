// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store is the local aggregation store: the single source of truth
// for applications, domains, connections, DNS pairings, alerts, snapshots
// and traffic buckets, persisted to SQLite.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"grimm.is/appwarden/internal/errors"
	"grimm.is/appwarden/internal/logging"
)

// migrations are the versioned schema steps, applied in order at open.
// user_version tracks the last applied step.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS applications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		package TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		is_system INTEGER NOT NULL DEFAULT 0,
		monitored INTEGER NOT NULL DEFAULT 1,
		risk_level TEXT NOT NULL DEFAULT 'SAFE',
		prev_score REAL NOT NULL DEFAULT 0,
		pending_level TEXT NOT NULL DEFAULT '',
		pending_runs INTEGER NOT NULL DEFAULT 0,
		block_background INTEGER NOT NULL DEFAULT 0,
		block_trackers INTEGER NOT NULL DEFAULT 0,
		allow_on_wifi INTEGER NOT NULL DEFAULT 0,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS domains (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL DEFAULT '',
		reputation REAL NOT NULL DEFAULT 0.5,
		blocked INTEGER NOT NULL DEFAULT 0,
		trusted INTEGER NOT NULL DEFAULT 0,
		risk_level TEXT NOT NULL DEFAULT 'SAFE',
		prev_score REAL NOT NULL DEFAULT 0,
		pending_level TEXT NOT NULL DEFAULT '',
		pending_runs INTEGER NOT NULL DEFAULT 0,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		app_id INTEGER NOT NULL,
		domain_id INTEGER,
		remote_ip TEXT NOT NULL,
		remote_port INTEGER NOT NULL,
		protocol TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		bytes_sent INTEGER NOT NULL DEFAULT 0,
		bytes_recv INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_connections_started ON connections(started_at);
	CREATE INDEX IF NOT EXISTS idx_connections_app ON connections(app_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_connections_domain ON connections(domain_id);
	CREATE TABLE IF NOT EXISTS dns_queries (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		resolved_ip TEXT NOT NULL,
		ttl_seconds INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dns_queries_created ON dns_queries(created_at);
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		subject_type TEXT NOT NULL,
		subject_id INTEGER NOT NULL,
		severity TEXT NOT NULL,
		rule TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		read INTEGER NOT NULL DEFAULT 0,
		muted INTEGER NOT NULL DEFAULT 0,
		resolved_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_subject ON alerts(subject_type, subject_id, rule);
	CREATE TABLE IF NOT EXISTS prediction_snapshots (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		aggregate_score REAL NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS traffic_stats (
		app_id INTEGER NOT NULL,
		bucket_start INTEGER NOT NULL,
		bytes_sent INTEGER NOT NULL DEFAULT 0,
		bytes_recv INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (app_id, bucket_start)
	);
	`,
}

// Store is the SQLite-backed aggregation store. Reads may run concurrently;
// writes are serialized per logical unit of work and reactive views are
// notified only after a transaction commits.
type Store struct {
	db     *sql.DB
	logger *logging.Logger

	writeMu sync.Mutex // serializes write transactions

	subMu  sync.Mutex
	subs   map[int]*Subscription
	nextID int
}

// Open opens or creates the store at path and applies pending migrations.
func Open(path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.WithComponent("store")
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "open store db")
	}

	s := &Store{
		db:     db,
		logger: logger,
		subs:   make(map[int]*Subscription),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database and releases all subscriptions.
func (s *Store) Close() error {
	s.subMu.Lock()
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "read schema version")
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "begin migration")
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, errors.KindInternal, "apply migration %d", i+1)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, errors.KindInternal, "bump schema version to %d", i+1)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, errors.KindUnavailable, "commit migration %d", i+1)
		}
		s.logger.Debug("Applied schema migration", "version", i+1)
	}
	return nil
}

// withTx runs fn inside a serialized write transaction and, on commit,
// re-evaluates reactive views.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	tx, err := s.db.Begin()
	if err != nil {
		s.writeMu.Unlock()
		return errors.Wrap(err, errors.KindUnavailable, "begin tx")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		s.writeMu.Unlock()
		return err
	}
	if err := tx.Commit(); err != nil {
		s.writeMu.Unlock()
		return errors.Wrap(err, errors.KindUnavailable, "commit tx")
	}
	s.writeMu.Unlock()

	s.notify()
	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps a BadgerDB instance shared by the order bot's
// persistent stores (conversation contexts, inbound message claims).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// ErrClosed is returned when a transaction is attempted on a closed DB.
var ErrClosed = errors.New("badger: db is closed")

// Config controls how the DB is opened.
type Config struct {
	// Path is the directory holding the database files. Ignored when InMemory is set.
	Path string

	// InMemory opens a memory-only database. Used by tests and by
	// deployments that want Badger's TTL semantics without disk state.
	InMemory bool

	// SyncWrites forces an fsync after every write.
	SyncWrites bool

	// GCInterval is how often value log GC runs. Zero disables the GC loop.
	GCInterval time.Duration

	// Logger receives lifecycle diagnostics. May be nil.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with conservative defaults.
func DefaultConfig() Config {
	return Config{
		GCInterval: 10 * time.Minute,
	}
}

// DB is a thin wrapper over *badger.DB that adds context checks and a
// background value-log GC loop.
//
// # Thread Safety
//
// Safe for concurrent use. Each transaction is confined to one goroutine.
type DB struct {
	db     *dgbadger.DB
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// OpenDB opens (or creates) the database described by cfg.
//
// # Outputs
//
//   - *DB: The opened database. Caller must Close it.
//   - error: Non-nil if the path is missing or Badger fails to open.
func OpenDB(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("badger: path must not be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := dgbadger.DefaultOptions(cfg.Path).
		WithLogger(nil).
		WithSyncWrites(cfg.SyncWrites)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	raw, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %q: %w", cfg.Path, err)
	}

	d := &DB{
		db:     raw,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go d.gcLoop(cfg.GCInterval)
	} else {
		close(d.done)
	}
	return d, nil
}

// WithTxn runs fn inside a read-write transaction and commits it.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.db.IsClosed() {
		return ErrClosed
	}
	return d.db.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.db.IsClosed() {
		return ErrClosed
	}
	return d.db.View(fn)
}

// Raw exposes the underlying Badger handle for iteration-heavy callers.
func (d *DB) Raw() *dgbadger.DB {
	return d.db
}

// Close stops the GC loop and closes the database.
func (d *DB) Close() error {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	<-d.done
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("badger: close: %w", err)
	}
	return nil
}

func (d *DB) gcLoop(interval time.Duration) {
	defer close(d.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when there is nothing to collect.
			for {
				if err := d.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, dgbadger.ErrNoRewrite) {
						d.logger.Debug("badger value log GC stopped", slog.String("error", err.Error()))
					}
					break
				}
			}
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerstore implements the Job Store on BadgerDB.
//
// BadgerDB gives us local embedded storage with low-latency access and,
// critically, serializable read-modify-write transactions. UpdateJob's
// status precondition rides directly on a Badger transaction, which is
// what makes the orchestrator's PENDING→IN_PROGRESS compare-and-set and
// the single-shot approval decision safe under concurrent triggers.
//
// Key layout:
//
//	job:<id>                              → AnalysisJob JSON
//	jobidx:<project>:<inverse-ts>:<id>    → job id (newest-first listing)
//	hist:<project>:<ts-nanos>:<job id>    → HistoryEntry JSON
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
	"github.com/AleutianAI/sentinel/services/sentinel/store"
)

const (
	jobPrefix     = "job:"
	jobIdxPrefix  = "jobidx:"
	historyPrefix = "hist:"
)

// Config holds configuration for the Badger-backed store.
type Config struct {
	// Path is the directory for database files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output.
	// If nil, internal logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: durable, synchronous writes.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests: in-memory, no fsync.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a BadgerDB-backed store.JobStore.
//
// Thread Safety: safe for concurrent use. All mutations run inside
// Badger transactions.
type Store struct {
	db *badger.DB
}

// verify interface compliance at compile time
var _ store.JobStore = (*Store)(nil)

// Open creates and opens a Badger-backed job store.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens an in-memory store for testing.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func jobKey(id string) []byte {
	return []byte(jobPrefix + id)
}

// jobIdxKey orders a project's jobs newest-first by inverting the
// creation timestamp. Badger iterates keys in ascending byte order.
func jobIdxKey(projectID, id string, createdAt time.Time) []byte {
	inverse := uint64(1<<63) - uint64(createdAt.UnixNano())
	return []byte(fmt.Sprintf("%s%s:%020d:%s", jobIdxPrefix, projectID, inverse, id))
}

func historyKey(projectID, jobID string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", historyPrefix, projectID, ts.UnixNano(), jobID))
}

// CreateJob persists a new job record and its project index entry.
func (s *Store) CreateJob(ctx context.Context, job *datatypes.AnalysisJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.ID == "" {
		return errors.New("job id is required")
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(job.ID)); err == nil {
			return fmt.Errorf("create job %s: %w", job.ID, store.ErrJobExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(jobKey(job.ID), data); err != nil {
			return err
		}
		return txn.Set(jobIdxKey(job.ProjectID, job.ID, job.CreatedAt), []byte(job.ID))
	})
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*datatypes.AnalysisJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var job *datatypes.AnalysisJob
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = getJobTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func getJobTxn(txn *badger.Txn, id string) (*datatypes.AnalysisJob, error) {
	item, err := txn.Get(jobKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("get job %s: %w", id, store.ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}

	var job datatypes.AnalysisJob
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	}); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// UpdateJob atomically applies mutate to the stored job.
//
// The status precondition, mutation, and write all happen inside one
// Badger transaction. Concurrent updaters serialize on the transaction,
// so exactly one of two racing PENDING→IN_PROGRESS flips can win.
func (s *Store) UpdateJob(ctx context.Context, id string, expect []datatypes.JobStatus, mutate store.MutateFunc) (*datatypes.AnalysisJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated *datatypes.AnalysisJob
	err := s.db.Update(func(txn *badger.Txn) error {
		job, err := getJobTxn(txn, id)
		if err != nil {
			return err
		}

		if len(expect) > 0 {
			ok := false
			for _, st := range expect {
				if job.Status == st {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("job %s has status %s: %w", id, job.Status, store.ErrStatusConflict)
			}
		}

		if err := mutate(job); err != nil {
			return err
		}

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", id, err)
		}
		if err := txn.Set(jobKey(id), data); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListJobs returns jobs matching the filter, newest first.
//
// When the filter names a project, iteration walks that project's index
// prefix; otherwise it scans all jobs. Limit short-circuits the walk.
func (s *Store) ListJobs(ctx context.Context, filter store.ListFilter) ([]*datatypes.AnalysisJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var jobs []*datatypes.AnalysisJob
	err := s.db.View(func(txn *badger.Txn) error {
		if filter.ProjectID != "" {
			return s.listByProject(txn, filter, &jobs)
		}
		return s.listAll(txn, filter, &jobs)
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) listByProject(txn *badger.Txn, filter store.ListFilter, out *[]*datatypes.AnalysisJob) error {
	prefix := []byte(jobIdxPrefix + filter.ProjectID + ":")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var id string
		if err := it.Item().Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}

		job, err := getJobTxn(txn, id)
		if err != nil {
			// Index entry without a record means a partially deleted
			// job; skip rather than abort the listing.
			if errors.Is(err, store.ErrJobNotFound) {
				continue
			}
			return err
		}
		if !filter.Matches(job) {
			continue
		}
		*out = append(*out, job)
		if filter.Limit > 0 && len(*out) >= filter.Limit {
			return nil
		}
	}
	return nil
}

func (s *Store) listAll(txn *badger.Txn, filter store.ListFilter, out *[]*datatypes.AnalysisJob) error {
	prefix := []byte(jobPrefix)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	var all []*datatypes.AnalysisJob
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var job datatypes.AnalysisJob
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		}); err != nil {
			return err
		}
		j := job
		if filter.Matches(&j) {
			all = append(all, &j)
		}
	}

	// Full scans come back in key order; sort newest first to match
	// the indexed path.
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].CreatedAt.After(all[i].CreatedAt) {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	*out = all
	return nil
}

// AppendHistory appends one immutable history entry.
func (s *Store) AppendHistory(ctx context.Context, entry datatypes.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.ProjectID == "" {
		return errors.New("history entry project id is required")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(historyKey(entry.ProjectID, entry.JobID, entry.Timestamp), data)
	})
}

// ListHistory returns a project's history entries within the optional
// [since, until] range, oldest first.
func (s *Store) ListHistory(ctx context.Context, projectID string, since, until *time.Time) ([]datatypes.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []datatypes.HistoryEntry
	prefix := []byte(historyPrefix + projectID + ":")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			// History keys embed the timestamp, but range filtering on
			// the decoded entry keeps the key format an implementation
			// detail.
			var entry datatypes.HistoryEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				key := strings.TrimPrefix(string(it.Item().Key()), historyPrefix)
				return fmt.Errorf("decode history entry %s: %w", key, err)
			}
			if since != nil && entry.Timestamp.Before(*since) {
				continue
			}
			if until != nil && entry.Timestamp.After(*until) {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

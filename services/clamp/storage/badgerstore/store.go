// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerstore archives accumulated summaries in a local Badger
// database.
//
// The canonical summary file only ever holds the latest aggregation; the
// archive keeps the trail so trends survive restarts and can be served
// without re-scanning telemetry directories.
package badgerstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianClamp/services/clamp/aggregate"
	"github.com/AleutianAI/AleutianClamp/services/clamp/history"
)

// summaryPrefix namespaces archive keys inside the database.
const summaryPrefix = "summary/"

// keyTimeLayout is fixed-width so keys sort chronologically.
const keyTimeLayout = "2006-01-02T15:04:05.000000000Z"

// ArchivedSummary is one archived aggregation result.
type ArchivedSummary struct {
	At      time.Time         `json:"at"`
	Summary aggregate.Summary `json:"summary"`
}

// Point converts the archive entry into a trend observation.
func (a ArchivedSummary) Point() history.Point {
	return history.Point{
		At:              a.At,
		Backend:         a.Summary.Backend,
		MeanStability:   a.Summary.MeanStability,
		DriftPercentile: a.Summary.DriftPercentile,
		SessionCount:    a.Summary.SessionCount,
	}
}

// Options configure the archive.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory runs without disk persistence, for tests and ephemeral
	// runs.
	InMemory bool

	// Logger receives store-level messages. Badger's own chatter is
	// silenced.
	Logger *slog.Logger
}

// Store is a summary archive backed by Badger.
//
// # Thread Safety
//
// Safe for concurrent use; Badger serializes transactions internally.
type Store struct {
	db  *badger.DB
	log *slog.Logger
}

// Open opens or creates the archive.
func Open(opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(opts.Path)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open summary archive: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutSummary archives one aggregation result.
//
// Description:
//
//	Keys embed the UTC timestamp (nanosecond, fixed width) and backend,
//	so two backends archived in the same instant never collide and a
//	plain key scan walks chronologically.
func (s *Store) PutSummary(at time.Time, summary aggregate.Summary) error {
	entry := ArchivedSummary{At: at.UTC(), Summary: summary}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode archive entry: %w", err)
	}

	key := archiveKey(entry.At, summary.Backend)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("archive summary: %w", err)
	}
	return nil
}

func archiveKey(at time.Time, backend string) []byte {
	if backend == "" {
		backend = aggregate.UnknownBackend
	}
	return []byte(summaryPrefix + at.Format(keyTimeLayout) + "/" + backend)
}

// LatestSummary returns the most recently archived entry.
func (s *Store) LatestSummary() (ArchivedSummary, bool, error) {
	entries, err := s.scan(func(ArchivedSummary) bool { return true })
	if err != nil || len(entries) == 0 {
		return ArchivedSummary{}, false, err
	}
	return entries[len(entries)-1], true, nil
}

// RecentSummaries returns up to limit entries, newest first.
func (s *Store) RecentSummaries(limit int) ([]ArchivedSummary, error) {
	if limit <= 0 {
		return nil, nil
	}
	entries, err := s.scan(func(ArchivedSummary) bool { return true })
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	// Reverse in place: newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// SummariesSince returns entries at or after t, oldest first.
func (s *Store) SummariesSince(t time.Time) ([]ArchivedSummary, error) {
	cutoff := t.UTC()
	return s.scan(func(e ArchivedSummary) bool {
		return !e.At.Before(cutoff)
	})
}

// PointsSince returns trend observations at or after t, oldest first.
func (s *Store) PointsSince(t time.Time) ([]history.Point, error) {
	entries, err := s.SummariesSince(t)
	if err != nil {
		return nil, err
	}
	points := make([]history.Point, 0, len(entries))
	for _, e := range entries {
		points = append(points, e.Point())
	}
	return points, nil
}

// Prune deletes entries older than before. Returns the number removed.
func (s *Store) Prune(before time.Time) (int, error) {
	cutoff := before.UTC()
	var stale [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(summaryPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var entry ArchivedSummary
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				// Undecodable entries are stale by definition.
				stale = append(stale, item.KeyCopy(nil))
				continue
			}
			if entry.At.Before(cutoff) {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan archive for pruning: %w", err)
	}

	removed := 0
	for _, key := range stale {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return removed, fmt.Errorf("prune archive entry: %w", err)
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("pruned summary archive",
			slog.Int("removed", removed),
			slog.Time("before", cutoff))
	}
	return removed, nil
}

// scan walks the archive in key (chronological) order.
func (s *Store) scan(keep func(ArchivedSummary) bool) ([]ArchivedSummary, error) {
	var entries []ArchivedSummary

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.IteratorOptions{
			Prefix:         []byte(summaryPrefix),
			PrefetchValues: true,
			PrefetchSize:   64,
		}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var entry ArchivedSummary
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				s.log.Warn("undecodable archive entry skipped",
					slog.String("key", string(item.KeyCopy(nil))))
				continue
			}
			if keep(entry) {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan summary archive: %w", err)
	}
	return entries, nil
}

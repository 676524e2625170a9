/*
Copyright 2022 ICS-FORTH.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package memstore is the in-process CrawlDataStore backend: a
// go-memdb indexed table pair (current-run rows and the frozen
// prior-run CACHED snapshot), giving the store's atomic claim-on-dequeue
// for free via memdb's single-writer transactions. It has no
// durability of its own; boltstore wraps it to add that.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/duskcrawl/crawlcore/pkg/crawlerr"
	"github.com/duskcrawl/crawlcore/pkg/record"
	"github.com/duskcrawl/crawlcore/pkg/store"
)

const (
	tableCurrent = "current"
	tableCached  = "cached"
)

// row is the memdb-stored shape. It embeds the public record plus the
// indexed fields memdb needs as plain comparable types.
type row struct {
	Reference string
	Stage     int
	Depth     int
	IsValid   bool
	Rec       *record.CrawlRecord
}

func schema() *memdb.DBSchema {
	table := func(name string) *memdb.TableSchema {
		return &memdb.TableSchema{
			Name: name,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Reference"},
				},
				"stage": {
					Name:    "stage",
					Indexer: &memdb.IntFieldIndex{Field: "Stage"},
				},
				"isvalid": {
					Name:    "isvalid",
					Indexer: &memdb.BoolFieldIndex{Field: "IsValid"},
				},
				"stage_depth": {
					Name: "stage_depth",
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.IntFieldIndex{Field: "Stage"},
							&memdb.IntFieldIndex{Field: "Depth"},
						},
					},
				},
			},
		}
	}

	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableCurrent: table(tableCurrent),
			tableCached:  table(tableCached),
		},
	}
}

// Store is the in-process backend. Exported so boltstore can embed and
// drive it directly (LoadCurrent/LoadCached, AllCurrent/AllCached) without going back through the
// context-ful Store interface for bulk rehydration.
type Store struct {
	db *memdb.MemDB

	mu             sync.Mutex // serializes ProcessedCount bookkeeping and run summary, not memdb itself
	processedCount int
	lastRun        *store.RunSummary
}

func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, errors.Wrap(err, "memstore: build schema")
	}
	return &Store{db: db}, nil
}

func toRow(rec *record.CrawlRecord) *row {
	return &row{
		Reference: string(rec.Reference),
		Stage:     int(rec.Stage),
		Depth:     rec.Depth,
		IsValid:   true,
		Rec:       rec,
	}
}

// Queue places rec in QUEUED, idempotently.
func (s *Store) Queue(ctx context.Context, rec *record.CrawlRecord) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableCurrent, "id", string(rec.Reference))
	if err != nil {
		return crawlerr.NewStoreError("memstore: queue lookup", err)
	}
	if existing != nil {
		// Already present in the current run. No-op.
		return nil
	}

	rec.Stage = record.StageQueued
	if err := txn.Insert(tableCurrent, toRow(rec)); err != nil {
		return crawlerr.NewStoreError("memstore: queue insert", err)
	}
	txn.Commit()
	return nil
}

// NextQueued atomically claims one QUEUED row and returns it as ACTIVE.
func (s *Store) NextQueued(ctx context.Context) (*record.CrawlRecord, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableCurrent, "stage", int(record.StageQueued))
	if err != nil {
		return nil, crawlerr.NewStoreError("memstore: next queued scan", err)
	}

	raw := it.Next()
	if raw == nil {
		return nil, nil
	}
	r := raw.(*row)

	claimed := r.Rec.Clone()
	claimed.Stage = record.StageActive

	if err := txn.Delete(tableCurrent, r); err != nil {
		return nil, crawlerr.NewStoreError("memstore: next queued delete", err)
	}
	if err := txn.Insert(tableCurrent, toRow(claimed)); err != nil {
		return nil, crawlerr.NewStoreError("memstore: next queued claim", err)
	}
	txn.Commit()

	return claimed.Clone(), nil
}

// Processed moves the ACTIVE record for rec.Reference to PROCESSED.
func (s *Store) Processed(ctx context.Context, rec *record.CrawlRecord) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableCurrent, "id", string(rec.Reference))
	if err != nil {
		return crawlerr.NewStoreError("memstore: processed lookup", err)
	}
	if existing != nil {
		if err := txn.Delete(tableCurrent, existing); err != nil {
			return crawlerr.NewStoreError("memstore: processed delete", err)
		}
	}

	final := rec.Clone()
	final.Stage = record.StageProcessed
	if final.CrawlDate.IsZero() {
		final.CrawlDate = time.Now()
	}
	if err := txn.Insert(tableCurrent, toRow(final)); err != nil {
		return crawlerr.NewStoreError("memstore: processed insert", err)
	}
	txn.Commit()

	s.mu.Lock()
	s.processedCount++
	s.mu.Unlock()

	return nil
}

func (s *Store) GetCached(ctx context.Context, ref record.Reference) (*record.CrawlRecord, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(tableCached, "id", string(ref))
	if err != nil {
		return nil, crawlerr.NewStoreError("memstore: get cached", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*row).Rec.Clone(), nil
}

func (s *Store) GetCurrent(ctx context.Context, ref record.Reference) (*record.CrawlRecord, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(tableCurrent, "id", string(ref))
	if err != nil {
		return nil, crawlerr.NewStoreError("memstore: get current", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*row).Rec.Clone(), nil
}

func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableCurrent, "stage", int(record.StageActive))
	if err != nil {
		return 0, crawlerr.NewStoreError("memstore: active count", err)
	}
	n := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		n++
	}
	return n, nil
}

func (s *Store) IsQueueEmpty(ctx context.Context) (bool, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(tableCurrent, "stage", int(record.StageQueued))
	if err != nil {
		return false, crawlerr.NewStoreError("memstore: queue empty check", err)
	}
	return raw == nil, nil
}

// QueuedCount reports how many references currently sit in QUEUED,
// used only for advisory progress reporting.
func (s *Store) QueuedCount(ctx context.Context) (int, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableCurrent, "stage", int(record.StageQueued))
	if err != nil {
		return 0, crawlerr.NewStoreError("memstore: queued count", err)
	}
	n := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		n++
	}
	return n, nil
}

func (s *Store) ProcessedCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processedCount, nil
}

func (s *Store) LastRun(ctx context.Context) (*store.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return nil, nil
	}
	cp := *s.lastRun
	return &cp, nil
}

// SetLastRun is used by boltstore to rehydrate the summary on open.
func (s *Store) SetLastRun(sum *store.RunSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = sum
}

func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)

// ReclassifyStrandedActive moves every current-run row left in ACTIVE
// (from an interrupted prior invocation) back to QUEUED. Must run before
// any worker is started on resume.
func (s *Store) ReclassifyStrandedActive(ctx context.Context) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableCurrent, "stage", int(record.StageActive))
	if err != nil {
		return 0, crawlerr.NewStoreError("memstore: reclassify scan", err)
	}

	var stranded []*row
	for raw := it.Next(); raw != nil; raw = it.Next() {
		stranded = append(stranded, raw.(*row))
	}

	for _, r := range stranded {
		if err := txn.Delete(tableCurrent, r); err != nil {
			return 0, crawlerr.NewStoreError("memstore: reclassify delete", err)
		}
		requeued := r.Rec.Clone()
		requeued.Stage = record.StageQueued
		if err := txn.Insert(tableCurrent, toRow(requeued)); err != nil {
			return 0, crawlerr.NewStoreError("memstore: reclassify requeue", err)
		}
	}
	txn.Commit()

	return len(stranded), nil
}

// RolloverProcessedToCached replaces the entire CACHED partition
// wholesale with the current PROCESSED rows, then empties QUEUED,
// ACTIVE and PROCESSED for the new run. Used at engine start when not
// resuming.
func (s *Store) RolloverProcessedToCached(ctx context.Context) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	// Drop the entire old cached table.
	if _, err := txn.DeleteAll(tableCached, "id"); err != nil {
		return crawlerr.NewStoreError("memstore: rollover clear cached", err)
	}

	it, err := txn.Get(tableCurrent, "stage", int(record.StageProcessed))
	if err != nil {
		return crawlerr.NewStoreError("memstore: rollover scan processed", err)
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		r := raw.(*row)
		cached := r.Rec.Clone()
		cached.Stage = record.StageCached
		if err := txn.Insert(tableCached, toRow(cached)); err != nil {
			return crawlerr.NewStoreError("memstore: rollover insert cached", err)
		}
	}

	// Empty the current-run partition entirely for the fresh run.
	if _, err := txn.DeleteAll(tableCurrent, "id"); err != nil {
		return crawlerr.NewStoreError("memstore: rollover clear current", err)
	}

	txn.Commit()

	s.mu.Lock()
	s.processedCount = 0
	s.mu.Unlock()

	return nil
}

// CacheIterator streams the CACHED partition. The returned iterator is
// backed by a single read snapshot taken at call time (memdb semantics),
// so it is stable under concurrent writes to other partitions.
func (s *Store) CacheIterator(ctx context.Context) (store.CacheIterator, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableCached, "id")
	if err != nil {
		return nil, crawlerr.NewStoreError("memstore: cache iterator", err)
	}
	return &cacheIter{ctx: ctx, it: it}, nil
}

type cacheIter struct {
	ctx context.Context
	it  memdb.ResultIterator
	cur *record.CrawlRecord
	err error
}

func (c *cacheIter) Next(ctx context.Context) bool {
	select {
	case <-c.ctx.Done():
		c.err = c.ctx.Err()
		return false
	default:
	}
	raw := c.it.Next()
	if raw == nil {
		return false
	}
	c.cur = raw.(*row).Rec.Clone()
	return true
}

func (c *cacheIter) Record() *record.CrawlRecord { return c.cur }
func (c *cacheIter) Err() error                  { return c.err }
func (c *cacheIter) Close() error                { return nil }

// LoadCurrent inserts rec directly into the current-run table, bypassing
// Queue's idempotency check. Used only by boltstore to rehydrate state
// from disk on open.
func (s *Store) LoadCurrent(rec *record.CrawlRecord) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableCurrent, toRow(rec)); err != nil {
		return crawlerr.NewStoreError("memstore: load current", err)
	}
	if rec.Stage == record.StageProcessed {
		s.mu.Lock()
		s.processedCount++
		s.mu.Unlock()
	}
	txn.Commit()
	return nil
}

// LoadCached inserts rec directly into the cached table. Used only by
// boltstore on open.
func (s *Store) LoadCached(rec *record.CrawlRecord) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableCached, toRow(rec)); err != nil {
		return crawlerr.NewStoreError("memstore: load cached", err)
	}
	txn.Commit()
	return nil
}

// AllCurrent returns every current-run row, for boltstore's persistence
// sweep. Order is unspecified.
func (s *Store) AllCurrent(ctx context.Context) ([]*record.CrawlRecord, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableCurrent, "id")
	if err != nil {
		return nil, crawlerr.NewStoreError("memstore: all current", err)
	}
	var out []*record.CrawlRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*row).Rec.Clone())
	}
	return out, nil
}

// AllCached returns every cached row, for boltstore's persistence sweep.
func (s *Store) AllCached(ctx context.Context) ([]*record.CrawlRecord, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableCached, "id")
	if err != nil {
		return nil, crawlerr.NewStoreError("memstore: all cached", err)
	}
	var out []*record.CrawlRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*row).Rec.Clone())
	}
	return out, nil
}

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

// Package boltstore adds durability to memstore: every mutation is
// written through to a go.etcd.io/bbolt database before the in-memory
// transaction is considered committed to the caller, and Open replays
// the bolt buckets back into a fresh memstore.Store. bbolt is the
// natural pairing for memstore's single-writer semantics: one bucket
// for the current run's rows (every stage but CACHED), one for the
// CACHED snapshot, both keyed by the (possibly truncated) reference.
package boltstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/duskcrawl/crawlcore/pkg/crawlerr"
	"github.com/duskcrawl/crawlcore/pkg/record"
	"github.com/duskcrawl/crawlcore/pkg/store"
	"github.com/duskcrawl/crawlcore/pkg/store/memstore"
)

var (
	bucketCurrent = []byte("current")
	bucketCached  = []byte("cached")
	bucketRefs    = []byte("refs") // truncated key -> full reference
	bucketMeta    = []byte("meta")
)

const keyLastRun = "last_run"

// Store is the default durable CrawlDataStore backend. It embeds
// *memstore.Store for all read/claim logic
// and adds a write-through bbolt mutation on every state change.
type Store struct {
	*memstore.Store
	db     *bolt.DB
	closed bool
}

// Open opens (creating if absent) the bolt database at
// workDir/crawl.db, rehydrates an in-memory memstore.Store from it, and
// on resume reclassifies any stranded ACTIVE rows back to QUEUED
// before returning, so a crash mid-claim never loses work. On a fresh
// (non-resume) run it instead rolls the previous PROCESSED partition
// into CACHED and empties the current-run partition.
func Open(ctx context.Context, workDir string, resume bool) (*Store, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, crawlerr.NewStoreError("boltstore: create workdir", err)
	}

	db, err := bolt.Open(filepath.Join(workDir, "crawl.db"), 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, crawlerr.NewStoreError("boltstore: open db", err)
	}

	mem, err := memstore.New()
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "boltstore: build memstore")
	}

	s := &Store{Store: mem, db: db}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCurrent, bucketCached, bucketRefs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, crawlerr.NewStoreError("boltstore: create buckets", err)
	}

	if err := s.rehydrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if resume {
		if _, err := s.Store.ReclassifyStrandedActive(ctx); err != nil {
			db.Close()
			return nil, err
		}
		if err := s.persistCurrentSnapshot(ctx); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		if err := s.rolloverForFreshRun(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) rehydrate(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if err := loadBucket(tx.Bucket(bucketCurrent), s.Store.LoadCurrent); err != nil {
			return err
		}
		if err := loadBucket(tx.Bucket(bucketCached), s.Store.LoadCached); err != nil {
			return err
		}

		if raw := tx.Bucket(bucketMeta).Get([]byte(keyLastRun)); raw != nil {
			var sum store.RunSummary
			if err := json.Unmarshal(raw, &sum); err != nil {
				return errors.Wrap(err, "boltstore: decode last run summary")
			}
			s.Store.SetLastRun(&sum)
		}
		return nil
	})
}

func loadBucket(b *bolt.Bucket, load func(*record.CrawlRecord) error) error {
	if b == nil {
		return nil
	}
	return b.ForEach(func(k, v []byte) error {
		var rec record.CrawlRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return errors.Wrapf(err, "boltstore: decode record %q", k)
		}
		return load(&rec)
	})
}

// rolloverForFreshRun mirrors memstore's RolloverProcessedToCached onto
// disk: the bolt "current" bucket (this run's QUEUED/ACTIVE/PROCESSED)
// is emptied, and its PROCESSED rows are persisted as the new "cached"
// bucket wholesale.
func (s *Store) rolloverForFreshRun(ctx context.Context) error {
	if err := s.Store.RolloverProcessedToCached(ctx); err != nil {
		return err
	}

	cached, err := s.Store.AllCached(ctx)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(bucketCached)
		if err := clearBucket(cb); err != nil {
			return err
		}
		for _, rec := range cached {
			if err := putRecord(cb, rec); err != nil {
				return err
			}
		}
		return clearBucket(tx.Bucket(bucketCurrent))
	})
}

// persistCurrentSnapshot rewrites the bolt "current" bucket from the
// in-memory current-run table. Used after resume's reclassification so
// the ACTIVE->QUEUED transition is itself durable before workers start.
func (s *Store) persistCurrentSnapshot(ctx context.Context) error {
	rows, err := s.Store.AllCurrent(ctx)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(bucketCurrent)
		if err := clearBucket(cb); err != nil {
			return err
		}
		for _, rec := range rows {
			if err := putRecord(cb, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func clearBucket(b *bolt.Bucket) error {
	var keys [][]byte
	_ = b.ForEach(func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func putRecord(b *bolt.Bucket, rec *record.CrawlRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "boltstore: encode record")
	}
	return b.Put([]byte(rec.Reference), data)
}

// Queue truncates over-long keys, records the full reference on the
// record's side field when truncation occurred, queues in-memory, and
// persists.
func (s *Store) Queue(ctx context.Context, rec *record.CrawlRecord) error {
	s.applyKeyTruncation(rec)

	if err := s.Store.Queue(ctx, rec); err != nil {
		return err
	}
	return s.persistOne(rec)
}

func (s *Store) applyKeyTruncation(rec *record.CrawlRecord) {
	full := string(rec.Reference)
	truncated := store.TruncateKey(full)
	if truncated != full {
		rec.FullReference = full
		rec.Reference = record.Reference(truncated)
	}
}

func (s *Store) persistOne(rec *record.CrawlRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCurrent)
		if err := putRecord(b, rec); err != nil {
			return err
		}
		if rec.FullReference != "" {
			if err := tx.Bucket(bucketRefs).Put([]byte(rec.Reference), []byte(rec.FullReference)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) NextQueued(ctx context.Context) (*record.CrawlRecord, error) {
	rec, err := s.Store.NextQueued(ctx)
	if err != nil || rec == nil {
		return rec, err
	}
	if err := s.persistOne(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) Processed(ctx context.Context, rec *record.CrawlRecord) error {
	if err := s.Store.Processed(ctx, rec); err != nil {
		return err
	}
	// Persist the row memstore just wrote (stage PROCESSED, crawl date
	// stamped), not the caller's record, which still reads ACTIVE.
	final, err := s.Store.GetCurrent(ctx, rec.Reference)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx.Bucket(bucketCurrent), final)
	})
}

// GetCached resolves ref (which may be the full, untruncated reference)
// to the store's key before delegating, so "lookup by full reference
// must always succeed" holds regardless of how the caller learned ref.
func (s *Store) GetCached(ctx context.Context, ref record.Reference) (*record.CrawlRecord, error) {
	key := record.Reference(store.TruncateKey(string(ref)))
	rec, err := s.Store.GetCached(ctx, key)
	return restoreFullReference(rec), err
}

func (s *Store) GetCurrent(ctx context.Context, ref record.Reference) (*record.CrawlRecord, error) {
	key := record.Reference(store.TruncateKey(string(ref)))
	rec, err := s.Store.GetCurrent(ctx, key)
	return restoreFullReference(rec), err
}

// restoreFullReference undoes key truncation on the way out: callers
// always see the logical reference, the truncated key stays a storage
// detail.
func restoreFullReference(rec *record.CrawlRecord) *record.CrawlRecord {
	if rec != nil && rec.FullReference != "" {
		rec.Reference = record.Reference(rec.FullReference)
	}
	return rec
}

// FinishRun writes the run summary row and is invoked by the engine
// (not by any single Store method) at the end of a run; exposed here so
// boltstore owns the wire format for RunSummary.
func (s *Store) FinishRun(ctx context.Context, sum store.RunSummary) error {
	if sum.RunID == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return crawlerr.NewStoreError("boltstore: generate run id", err)
		}
		sum.RunID = id
	}

	data, err := json.Marshal(sum)
	if err != nil {
		return errors.Wrap(err, "boltstore: encode run summary")
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(keyLastRun), data)
	}); err != nil {
		return crawlerr.NewStoreError("boltstore: persist run summary", err)
	}

	s.Store.SetLastRun(&sum)
	return nil
}

func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return crawlerr.NewStoreError("boltstore: close", err)
	}
	return nil
}

var _ store.Store = (*Store)(nil)

// OpenerFunc adapts Open to store.Opener.
type OpenerFunc struct{}

func (OpenerFunc) Open(ctx context.Context, workDir string, resume bool) (store.Store, error) {
	return Open(ctx, workDir, resume)
}

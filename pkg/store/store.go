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

// Package store defines the CrawlDataStore contract (C1): a durable
// ordered multi-set partitioned by stage, with reference-keyed access.
// Concrete backends live in the memstore and boltstore subpackages.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/duskcrawl/crawlcore/pkg/record"
)

// MaxKeyLength is the default key-length cap: references longer than
// this are truncated with a hash marker, and the full reference is
// preserved in the record's FullReference side field.
const MaxKeyLength = 1024

// TruncateKey caps a reference to the storable key length. References
// at or under MaxKeyLength pass through unchanged. Longer references are cut to
// leave room for a "-" and a 16-hex-character suffix of their sha256,
// so two references sharing a long common prefix never collide on the
// truncated key.
func TruncateKey(ref string) string {
	if len(ref) <= MaxKeyLength {
		return ref
	}

	sum := sha256.Sum256([]byte(ref))
	suffix := "-" + hex.EncodeToString(sum[:])[:16]
	cut := MaxKeyLength - len(suffix)
	if cut < 0 {
		cut = 0
	}
	return ref[:cut] + suffix
}

// CacheIterator streams a stable snapshot of the CACHED partition.
// Restartable only by asking the store for a fresh iterator; it is not
// rewindable in place.
type CacheIterator interface {
	// Next advances to the next record, returning false when exhausted
	// or when ctx is done.
	Next(ctx context.Context) bool
	Record() *record.CrawlRecord
	Err() error
	Close() error
}

// RunSummary is per-run bookkeeping the durable backend persists
// alongside the four stages; the CLI's inspect command reads it.
type RunSummary struct {
	RunID      string
	StartedAt  int64 // unix nanos; avoids importing time semantics into the wire format
	FinishedAt int64
	Processed  int
	Stopped    bool
}

// Store is the crawl data store contract: a durable multi-set of
// records partitioned by stage, with reference-keyed access.
type Store interface {
	// Queue places ref in QUEUED. Idempotent: a no-op if a current-run
	// record for ref already exists.
	Queue(ctx context.Context, rec *record.CrawlRecord) error

	// NextQueued atomically moves one QUEUED record to ACTIVE and
	// returns it, or returns nil if the queue is empty. Concurrent
	// callers never receive the same record.
	NextQueued(ctx context.Context) (*record.CrawlRecord, error)

	// Processed moves the ACTIVE record for rec.Reference to PROCESSED,
	// overwriting its fields with rec.
	Processed(ctx context.Context, rec *record.CrawlRecord) error

	// GetCached returns the prior-run snapshot for ref, or nil. Never
	// returns a current-run row.
	GetCached(ctx context.Context, ref record.Reference) (*record.CrawlRecord, error)

	// GetCurrent returns the current-run row for ref in whatever stage
	// it sits, or nil if this run has not touched ref.
	GetCurrent(ctx context.Context, ref record.Reference) (*record.CrawlRecord, error)

	// CacheIterator streams the entire CACHED partition.
	CacheIterator(ctx context.Context) (CacheIterator, error)

	ActiveCount(ctx context.Context) (int, error)
	IsQueueEmpty(ctx context.Context) (bool, error)

	// QueuedCount is advisory, for progress reporting only; the
	// termination consensus uses IsQueueEmpty/ActiveCount.
	QueuedCount(ctx context.Context) (int, error)
	ProcessedCount(ctx context.Context) (int, error)

	// LastRun returns the most recently completed run's summary, or nil
	// if this is the store's first run.
	LastRun(ctx context.Context) (*RunSummary, error)

	Close() error
}

// Opener opens or creates a store given a resume flag; it is the
// factory seam a specialization can replace with its own backend.
type Opener interface {
	Open(ctx context.Context, workDir string, resume bool) (Store, error)
}

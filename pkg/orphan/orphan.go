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

// Package orphan implements the OrphanResolver (C5): after the main
// pool drains, references present in the prior run's cache but not
// re-seen this run are ignored, reprocessed, or deleted per the
// configured strategy.
package orphan

import (
	"context"
	"strings"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/duskcrawl/crawlcore/pkg/crawlerr"
	"github.com/duskcrawl/crawlcore/pkg/processor"
	"github.com/duskcrawl/crawlcore/pkg/record"
	"github.com/duskcrawl/crawlcore/pkg/store"
)

// Strategy selects how stale cache entries are reconciled.
type Strategy string

const (
	Ignore  Strategy = "IGNORE"
	Process Strategy = "PROCESS"
	Delete  Strategy = "DELETE"
)

// ParseStrategy maps a configured string onto a Strategy. Empty means
// Ignore; anything unrecognized is a ConfigError.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToUpper(strings.TrimSpace(s))) {
	case "", Ignore:
		return Ignore, nil
	case Process:
		return Process, nil
	case Delete:
		return Delete, nil
	default:
		return Ignore, crawlerr.NewConfigError("orphan: unknown strategy "+s, nil)
	}
}

// RunPass starts a second worker-pool pass in the given mode and blocks
// until it drains. The engine supplies it so the resolver does not need
// to know pool wiring.
type RunPass func(ctx context.Context, mode processor.Mode) error

// Resolver reconciles the CACHED partition after the main pass.
type Resolver struct {
	Store store.Store
	Log   logr.Logger

	// QueuePipeline applies reference filters before re-enqueueing a
	// cached entry under the PROCESS strategy. Returning false drops the
	// entry. DELETE bypasses it entirely.
	QueuePipeline func(ctx context.Context, rec *record.CrawlRecord) (bool, error)

	// CapExceeded reports whether maxDocuments is already spent, in
	// which case the PROCESS pass is skipped.
	CapExceeded func() bool
}

// Resolve runs exactly one strategy per invocation.
func (r *Resolver) Resolve(ctx context.Context, strategy Strategy, runPass RunPass) error {
	switch strategy {
	case Process:
		return r.reprocess(ctx, runPass)
	case Delete:
		return r.delete(ctx, runPass)
	default:
		return nil
	}
}

func (r *Resolver) reprocess(ctx context.Context, runPass RunPass) error {
	if r.CapExceeded != nil && r.CapExceeded() {
		r.Log.Info("max documents reached, skipping orphan reprocess pass")
		return nil
	}

	queued, err := r.enqueueCache(ctx, true)
	if err != nil {
		return err
	}
	if queued == 0 {
		return nil
	}

	r.Log.Info("reprocessing orphan references", "count", queued)
	return runPass(ctx, processor.OrphanReprocess)
}

func (r *Resolver) delete(ctx context.Context, runPass RunPass) error {
	queued, err := r.enqueueCache(ctx, false)
	if err != nil {
		return err
	}
	if queued == 0 {
		return nil
	}

	r.Log.Info("deleting orphan references", "count", queued)
	return runPass(ctx, processor.OrphanDelete)
}

// enqueueCache streams the CACHED partition into QUEUED, skipping any
// reference the current run already produced a row for: those were
// re-seen, so by definition they are not orphans.
func (r *Resolver) enqueueCache(ctx context.Context, filtered bool) (int, error) {
	it, err := r.Store.CacheIterator(ctx)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	queued := 0
	for it.Next(ctx) {
		cached := it.Record()

		rec := &record.CrawlRecord{
			Reference:           cached.Reference,
			FullReference:       cached.FullReference,
			ParentRootReference: cached.ParentRootReference,
			IsRootParent:        cached.IsRootParent,
			Depth:               cached.Depth,
		}

		seen, err := r.alreadySeen(ctx, rec)
		if err != nil {
			return queued, err
		}
		if seen {
			continue
		}

		if filtered && r.QueuePipeline != nil {
			ok, err := r.QueuePipeline(ctx, rec)
			if err != nil {
				return queued, errors.Wrap(err, "orphan: queue pipeline")
			}
			if !ok {
				continue
			}
		}

		if err := r.Store.Queue(ctx, rec); err != nil {
			return queued, err
		}
		queued++
	}
	if err := it.Err(); err != nil {
		return queued, err
	}

	return queued, nil
}

// alreadySeen reports whether the current run already produced a row
// for rec's reference: such a reference is not an orphan, however it
// ended up. The check goes through the store's current-run lookup.
func (r *Resolver) alreadySeen(ctx context.Context, rec *record.CrawlRecord) (bool, error) {
	cur, err := r.Store.GetCurrent(ctx, rec.Reference)
	if err != nil {
		return false, err
	}
	return cur != nil, nil
}

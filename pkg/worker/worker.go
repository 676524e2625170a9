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

// Package worker implements the WorkerPool (C4): a fixed-width pool of
// goroutines draining the store's QUEUED partition through a shared
// Processor, with a termination-consensus protocol: no worker exits
// while another still holds a claim that could produce more work.
package worker

import (
	"context"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map"

	"github.com/duskcrawl/crawlcore/pkg/crawlerr"
	"github.com/duskcrawl/crawlcore/pkg/processor"
	"github.com/duskcrawl/crawlcore/pkg/record"
	"github.com/duskcrawl/crawlcore/pkg/store"
)

// idleBackoff is the spin-wait sleep for workers that found the queue
// momentarily empty.
const idleBackoff = 5 * time.Millisecond

// statusInterval caps how often progress is logged.
const statusInterval = 5 * time.Second

// Config configures one pool run.
type Config struct {
	Store            store.Store
	Processor        *processor.Processor
	NumThreads       int
	MaxDocuments     int // <= 0 disables the cap.
	Mode             processor.Mode
	StopOnExceptions []string
	MaxDepth         int

	// TotalProcessed reports the engine-wide processed count used for
	// the MaxDocuments check, so the cap spans the NORMAL and
	// ORPHAN_REPROCESS passes combined. When nil, the pool's own count
	// is used.
	TotalProcessed func() int

	// OnProgress is called at most once per statusInterval, with the
	// advisory processed and queued counts. Optional.
	OnProgress func(processed, queued int)
}

// Pool runs Config.NumThreads workers to drain the store's queue in one
// mode. It is single-use: call Run once per pass (the main NORMAL pass,
// and, via OrphanResolver, a second ORPHAN_REPROCESS or ORPHAN_DELETE
// pass).
type Pool struct {
	cfg Config

	mu        sync.Mutex
	stopped   bool
	processed int
	lastLog   time.Time
	stopCause error

	inFlight cmap.ConcurrentMap
}

// New builds a pool. numThreads below 1 is treated as 1.
func New(cfg Config) *Pool {
	if cfg.NumThreads < 1 {
		cfg.NumThreads = 1
	}
	return &Pool{cfg: cfg, inFlight: cmap.New()}
}

// Stop requests the pool to drain without finalizing the remaining
// queue. Safe to call concurrently and more than
// once.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func (p *Pool) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// StopCause reports the error (if any) that triggered Stop via a
// stopOnExceptions match, so CrawlerEngine can tell a clean drain from
// a forced one.
func (p *Pool) StopCause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCause
}

// Processed returns the number of references this pool run dequeued and
// handed to the processor.
func (p *Pool) Processed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}

func (p *Pool) totalProcessed() int {
	if p.cfg.TotalProcessed != nil {
		return p.cfg.TotalProcessed()
	}
	return p.Processed()
}

// Run starts Config.NumThreads workers and blocks until every one of
// them independently observes termination.
// ctx cancellation is honored at the next dequeue boundary.
func (p *Pool) Run(ctx context.Context) error {
	rc := processor.NewContext(p.cfg.Mode, p.cfg.StopOnExceptions, p.cfg.MaxDepth)

	var wg sync.WaitGroup
	wg.Add(p.cfg.NumThreads)
	for i := 0; i < p.cfg.NumThreads; i++ {
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, rc)
		}()
	}
	wg.Wait()

	return p.StopCause()
}

func (p *Pool) workerLoop(ctx context.Context, rc *processor.Context) {
	for {
		cont, err := p.processNextReference(ctx, rc)
		if err != nil {
			p.recordStopCause(err)
			p.Stop()
		}
		if !cont {
			return
		}
	}
}

// processNextReference handles one worker iteration: claim and
// process a reference, or decide whether the pool is done.
func (p *Pool) processNextReference(ctx context.Context, rc *processor.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	if p.isStopped() {
		return false, nil
	}

	if rc.Mode != processor.OrphanDelete && p.cfg.MaxDocuments > 0 && p.totalProcessed() >= p.cfg.MaxDocuments {
		return false, nil
	}

	rec, err := p.cfg.Store.NextQueued(ctx)
	if err != nil {
		return false, crawlerr.NewStoreError("worker: next queued", err)
	}

	if rec != nil {
		p.inFlight.Set(string(rec.Reference), struct{}{})
		procErr := p.cfg.Processor.Process(ctx, rc, rec)
		p.inFlight.Remove(string(rec.Reference))

		p.mu.Lock()
		p.processed++
		p.mu.Unlock()

		p.logProgress(ctx)

		// Any error Process lets through is fatal: either the re-raise
		// of a stopOnExceptions kind, or a store failure. Per-reference
		// pipeline failures never reach here.
		if procErr != nil {
			return false, procErr
		}
		return true, nil
	}

	activeCount, err := p.cfg.Store.ActiveCount(ctx)
	if err != nil {
		return false, crawlerr.NewStoreError("worker: active count", err)
	}
	queueEmpty, err := p.cfg.Store.IsQueueEmpty(ctx)
	if err != nil {
		return false, crawlerr.NewStoreError("worker: queue empty", err)
	}

	if activeCount == 0 && queueEmpty && p.inFlight.Count() == 0 {
		return false, nil
	}

	select {
	case <-ctx.Done():
		return false, nil
	case <-time.After(idleBackoff):
	}
	return true, nil
}

func (p *Pool) logProgress(ctx context.Context) {
	if p.cfg.OnProgress == nil {
		return
	}

	p.mu.Lock()
	now := time.Now()
	if now.Sub(p.lastLog) < statusInterval {
		p.mu.Unlock()
		return
	}
	p.lastLog = now
	processed := p.processed
	p.mu.Unlock()

	queued, err := p.cfg.Store.QueuedCount(ctx)
	if err != nil {
		queued = 0
	}
	p.cfg.OnProgress(processed, queued)
}

func (p *Pool) recordStopCause(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCause == nil {
		p.stopCause = err
	}
}

// InFlight exposes the set of references currently claimed by a worker
// (ACTIVE, owned, not yet finalized). The termination check requires
// this set to be empty in addition to store.ActiveCount being zero.
func (p *Pool) InFlight() []record.Reference {
	keys := p.inFlight.Keys()
	out := make([]record.Reference, 0, len(keys))
	for _, k := range keys {
		out = append(out, record.Reference(k))
	}
	return out
}

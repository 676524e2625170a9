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

// Package processor implements the ReferenceProcessor (C3): the
// per-reference state machine. One Processor is shared
// by every worker in the pool; all of its state is either immutable
// after construction or safe for concurrent use.
package processor

import (
	"context"
	"fmt"

	"github.com/armon/circbuf"
	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/duskcrawl/crawlcore/pkg/crawlerr"
	"github.com/duskcrawl/crawlcore/pkg/events"
	"github.com/duskcrawl/crawlcore/pkg/plugin"
	"github.com/duskcrawl/crawlcore/pkg/record"
	"github.com/duskcrawl/crawlcore/pkg/spoil"
	"github.com/duskcrawl/crawlcore/pkg/store"
)

// Mode selects how a pool pass treats each reference it claims.
type Mode int

const (
	Normal Mode = iota
	OrphanReprocess
	OrphanDelete
)

// variationCapacity bounds the per-run alias tracker so a pathological
// redirect chain cannot grow memory unboundedly.
const variationCapacity = 4096

// recentLogSize bounds the per-reference trace ring attached to
// REJECTED_ERROR events.
const recentLogSize = 4096

// Context is the shared, per-run invocation context every worker passes
// to Processor.Process. It is safe for concurrent use: the only mutable
// piece, the variation LRU, is itself thread-safe.
type Context struct {
	Mode             Mode
	StopOnExceptions []string
	MaxDepth         int // 0 = unlimited.

	variations *lru.Cache[record.Reference, record.Reference]
}

// NewContext builds a run context. maxDepth of 0 means unlimited.
func NewContext(mode Mode, stopOnExceptions []string, maxDepth int) *Context {
	lruCache, _ := lru.New[record.Reference, record.Reference](variationCapacity)
	return &Context{
		Mode:             mode,
		StopOnExceptions: stopOnExceptions,
		MaxDepth:         maxDepth,
		variations:       lruCache,
	}
}

// RecordVariation notes that `from` redirected to `to`, for
// markReferenceVariationsAsProcessed's default implementation to close
// out at finalize time.
func (c *Context) RecordVariation(from, to record.Reference) {
	c.variations.Add(from, to)
}

func (c *Context) variationsOf(current record.Reference) []record.Reference {
	var out []record.Reference
	for _, from := range c.variations.Keys() {
		if to, ok := c.variations.Peek(from); ok && to == current {
			out = append(out, from)
		}
	}
	return out
}

// Processor runs one claimed reference through its lifecycle.
type Processor struct {
	Store         store.Store
	Plugin        plugin.CrawlerPlugin
	Events        *events.Manager
	SpoilPolicy   spoil.Policy
	StreamFactory plugin.StreamFactory
	Log           logr.Logger

	// OnProcessed is invoked once per finalize call, right before the
	// store write, so the caller can maintain the engine-wide processedCount
	// without the processor needing an atomic counter of its own.
	OnProcessed func()
}

// stopErr is returned by Process when a PipelineError's kind is in
// ctx.StopOnExceptions: finalize has already run, and the caller (the
// worker) is expected to call pool Stop() upon seeing it.
type stopErr struct{ error }

func (s stopErr) Unwrap() error { return s.error }

// IsStopSignal reports whether err is the "re-raise after finalize"
// signal: the failure already finalized its reference, and the pool
// must now drain.
func IsStopSignal(err error) bool {
	_, ok := err.(stopErr)
	return ok
}

// Process runs the full lifecycle for rec (already claimed: its
// Stage is ACTIVE). It always runs finalize for rec exactly once, even
// on failure, before returning. A non-nil return means the crawl must
// stop: a store failure, or the re-raise of a stopOnExceptions-listed
// kind. Per-reference pipeline failures are absorbed into the record's
// terminal state instead. The worker pool's cancellation
// granularity is "next reference boundary": ctx is threaded through
// every store/plugin call made on rec's behalf, but Process itself runs
// rec to completion once started.
func (p *Processor) Process(ctx context.Context, rc *Context, rec *record.CrawlRecord) error {
	trace, _ := circbuf.NewBuffer(recentLogSize)

	doc := plugin.NewDocument(rec.Reference, p.StreamFactory)
	doc = p.Plugin.WrapDocument(rec, doc)
	defer func() { _ = doc.Release() }()

	cached, err := p.Store.GetCached(ctx, effectiveReference(rec))
	if err != nil {
		// A store failure is fatal to the whole crawl, but the claimed
		// record must not stay ACTIVE forever: run it through the same
		// error handling as any other failure before surfacing.
		storeErr := crawlerr.NewStoreError("processor: fetch cached", err)
		rec.State = record.StateError
		fmt.Fprintf(trace, "error: %v\n", storeErr)
		p.Events.PostWithLog(events.RejectedError, string(rec.Reference), rec, trace)
		p.finalize(ctx, rc, rec, nil, doc)
		return storeErr
	}

	if rec.Extra == nil {
		rec.Extra = map[string]interface{}{}
	}
	rec.Extra["isNew"] = cached == nil
	fmt.Fprintf(trace, "cached hit=%v mode=%d\n", cached != nil, rc.Mode)

	finalized := false
	if fnErr := p.run(ctx, rc, rec, cached, doc, &finalized); fnErr != nil {
		rec.State = record.StateError
		fmt.Fprintf(trace, "error: %v\n", fnErr)
		p.Events.PostWithLog(events.RejectedError, string(rec.Reference), rec, trace)

		if !finalized {
			p.finalize(ctx, rc, rec, cached, doc)
		}

		if crawlerr.MatchesAny(fnErr, rc.StopOnExceptions) {
			return stopErr{fnErr}
		}
		// A store failure (e.g. a child's cache lookup) is always fatal.
		if crawlerr.MatchesAny(fnErr, []string{"StoreError"}) {
			return fnErr
		}
	}

	return nil
}

// run branches on mode and drives the import, returning any failure
// that should force state ERROR. finalized reports whether
// rec already went through finalize, so the caller never runs it twice.
func (p *Processor) run(ctx context.Context, rc *Context, rec, cached *record.CrawlRecord, doc plugin.Document, finalized *bool) error {
	p.Plugin.InitCrawlData(rec, cached, doc)

	if rc.Mode == OrphanDelete {
		p.deleteReference(ctx, rec, doc)
		p.finalize(ctx, rc, rec, cached, doc)
		*finalized = true
		return nil
	}

	if rc.MaxDepth > 0 && rec.Depth > rc.MaxDepth {
		if rec.State == record.StateUnset || rec.State.IsNewOrModified() {
			rec.State = record.StateRejected
		}
		p.finalize(ctx, rc, rec, cached, doc)
		*finalized = true
		return nil
	}

	ic := &plugin.ImportContext{
		Context: ctx,
		Current: rec,
		Cached:  cached,
		Doc:     doc,
		Delete:  rc.Mode == OrphanDelete,
	}
	resp, err := p.Plugin.ExecuteImporterPipeline(ic)
	if err != nil {
		return crawlerr.NewPipelineError("processor: importer pipeline", err)
	}

	if resp == nil {
		// Rejected before importing ever ran. A state the pipeline
		// already assigned (BAD_STATUS, NOT_FOUND, ...) is kept.
		if rec.State == record.StateUnset || rec.State.IsNewOrModified() {
			rec.State = record.StateRejected
		}
		p.finalize(ctx, rc, rec, cached, doc)
		*finalized = true
		return nil
	}

	return p.processImportResponse(ctx, rc, resp, rec, cached, doc, finalized)
}

// processImportResponse handles one import response and recurses over
// its nested child responses, depth-first. finalized may be
// nil for child invocations: a child that fails before its own finalize
// is simply never written as PROCESSED, matching the top-level error
// path where only the record that owns the failure is finalized.
func (p *Processor) processImportResponse(ctx context.Context, rc *Context, resp *plugin.ImporterResponse, current, cached *record.CrawlRecord, doc plugin.Document, finalized *bool) error {
	if resp.IsSuccess {
		current.MetaChecksum = resp.MetaChecksum
		current.ContentChecksum = resp.ContentChecksum
		current.ContentType = resp.ContentType
		if current.State == record.StateUnset {
			if cached == nil {
				current.State = record.StateNew
			} else {
				current.State = record.StateModified
			}
		}

		p.Events.Post(events.DocumentImported, string(current.Reference), current)

		if err := p.Plugin.ExecuteCommitterPipeline(ctx, doc, current, cached); err != nil {
			return crawlerr.NewPipelineError("processor: committer pipeline", err)
		}
	} else {
		current.State = record.StateRejected
		p.Events.Post(events.RejectedImport, string(current.Reference), current)
	}

	p.finalize(ctx, rc, current, cached, doc)
	if finalized != nil {
		*finalized = true
	}

	for _, child := range resp.Children {
		childRec := p.Plugin.CreateEmbeddedCrawlData(child.Reference, current)
		if childRec.Stage == record.StageUnknown {
			childRec.Stage = record.StageActive
		}

		childCached, err := p.Store.GetCached(ctx, effectiveReference(childRec))
		if err != nil {
			return crawlerr.NewStoreError("processor: fetch cached child", err)
		}

		childDoc := plugin.NewDocument(childRec.Reference, p.StreamFactory)
		childDoc = p.Plugin.WrapDocument(childRec, childDoc)

		err = func() error {
			defer func() { _ = childDoc.Release() }()
			return p.processImportResponse(ctx, rc, child, childRec, childCached, childDoc, nil)
		}()
		if err != nil {
			return err
		}
	}

	return nil
}

// finalize closes out one record: cache fill, spoil handling,
// processed-count bump, store write, variation close-out.
func (p *Processor) finalize(ctx context.Context, rc *Context, current, cached *record.CrawlRecord, doc plugin.Document) {
	if current.State == record.StateUnset {
		current.State = record.StateBadStatus
		p.Log.Info("finalizing reference with no state set, forcing BAD_STATUS",
			"reference", current.Reference)
	}

	p.Plugin.BeforeFinalize(current, doc, cached)

	if !current.State.IsNewOrModified() && cached != nil {
		record.MergeCachedInto(current, cached)
	}

	if !current.State.IsGoodState() && current.State != record.StateDeleted {
		p.handleSpoiled(ctx, current, cached, doc)
	}

	if p.OnProcessed != nil {
		p.OnProcessed()
	}

	if err := p.Store.Processed(ctx, current); err != nil {
		// Logged, not raised: finalize must complete its remaining steps
		// on every exit path.
		p.Log.Error(err, "persist processed record", "reference", current.Reference)
	}

	p.Plugin.MarkReferenceVariationsAsProcessed(ctx, current)
	for _, alias := range rc.variationsOf(current.Reference) {
		aliasRec := &record.CrawlRecord{
			Reference:       alias,
			State:           record.StateUnmodified,
			MetaChecksum:    current.MetaChecksum,
			ContentChecksum: current.ContentChecksum,
			ContentType:     current.ContentType,
			Stage:           record.StageActive,
		}
		if err := p.Store.Processed(ctx, aliasRec); err != nil {
			p.Log.Error(err, "close out reference variation",
				"reference", current.Reference, "variation", alias)
		}
	}
}

// handleSpoiled decides what happens to the previously committed
// version of a reference whose final state is not good.
func (p *Processor) handleSpoiled(ctx context.Context, current, cached *record.CrawlRecord, doc plugin.Document) {
	disposition := spoil.Resolve(p.SpoilPolicy, current.Reference, current.State)

	switch disposition {
	case spoil.Ignore:
		return

	case spoil.Delete:
		if cached != nil && cached.State != record.StateDeleted {
			p.deleteReference(ctx, current, doc)
		}

	case spoil.GraceOnce:
		if cached != nil && cached.State != record.StateDeleted {
			if !cached.State.IsGoodState() {
				p.deleteReference(ctx, current, doc)
			}
			// else: grace, no action this run.
		}
	}
}

// deleteReference removes a reference's committed version downstream
// and marks the record DELETED.
func (p *Processor) deleteReference(ctx context.Context, current *record.CrawlRecord, doc plugin.Document) {
	current.State = record.StateDeleted

	if err := p.Plugin.CommitterRemove(ctx, current.Reference, doc); err != nil {
		wrapped := crawlerr.NewSpoiledStateInternalFailure("processor: committer remove", err)
		p.Log.Error(wrapped, "committer remove", "reference", current.Reference)
	}

	p.Events.Post(events.DocumentCommittedRm, string(current.Reference), current)
}

func effectiveReference(rec *record.CrawlRecord) record.Reference {
	if rec.FullReference != "" {
		return record.Reference(rec.FullReference)
	}
	return rec.Reference
}

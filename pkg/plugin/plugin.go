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

// Package plugin aggregates the lifecycle-hook surface a concrete
// crawler specialization implements. The engine has no subclass: it is
// generic over this one capability interface, and a specialization
// overrides only the hooks it cares about.
package plugin

import (
	"context"

	"github.com/duskcrawl/crawlcore/pkg/record"
	"github.com/duskcrawl/crawlcore/pkg/store"
)

// StatusUpdater is the narrow status-reporting surface the engine calls
// at progress points. The job-suite framework behind it stays external;
// implementations must be thread-safe.
type StatusUpdater interface {
	SetProgress(processed, queued int)
	SetMessage(msg string)
}

// NopStatus is the default StatusUpdater.
type NopStatus struct{}

func (NopStatus) SetProgress(int, int) {}
func (NopStatus) SetMessage(string)    {}

// Document is the opaque per-reference work item the importer and
// committer pipelines operate on. The core never inspects its contents;
// it only threads it through the hooks below and releases it in
// finalize. Concrete crawlers define their own Document implementation.
type Document interface {
	// Release returns the document's streamed content to the shared
	// stream factory. Must be safe to call more than once.
	Release() error
}

// ImportContext is the per-reference invocation context ReferenceProcessor
// builds and passes to ExecuteImporterPipeline.
type ImportContext struct {
	Context context.Context
	Current *record.CrawlRecord
	Cached  *record.CrawlRecord
	Doc     Document
	// Delete is set when the shared worker-pool mode is ORPHAN_DELETE;
	// the processor never calls the importer pipeline in that mode, but
	// the field is exposed for plugins that want to branch on it too.
	Delete bool
}

// ImporterResponse is what ExecuteImporterPipeline returns. A nil
// response (the zero value of the pointer, not of this struct) signals
// a filter rejection before import ever ran.
type ImporterResponse struct {
	Reference       record.Reference
	IsSuccess       bool
	MetaChecksum    string
	ContentChecksum string
	ContentType     string
	// Children carries nested embedded responses discovered while
	// importing; each becomes its own crawl record.
	Children []*ImporterResponse
}

// CrawlerPlugin is the full external-collaborator surface.
// Every method has a sensible default via the embeddable Base below;
// specializations override only the hooks they need.
type CrawlerPlugin interface {
	// PrepareExecution runs once before any worker starts. A returned
	// error aborts the crawl before the pool is built.
	PrepareExecution(ctx context.Context, status StatusUpdater, st store.Store, resume bool) error

	// CleanupExecution runs once at the end of a run, before the store
	// closes, whether the run finished or was stopped.
	CleanupExecution(ctx context.Context, status StatusUpdater, st store.Store) error

	// ExecuteQueuePipeline filters rec before it is queued (reference
	// filters apply here, not in the store).
	ExecuteQueuePipeline(ctx context.Context, rec *record.CrawlRecord) (bool, error)

	// ExecuteImporterPipeline runs the import for ic.Current. A nil
	// response means "rejected before import"; a non-nil response with
	// IsSuccess=false means "rejected after import".
	ExecuteImporterPipeline(ic *ImportContext) (*ImporterResponse, error)

	// ExecuteCommitterPipeline ships a successful import to the
	// downstream index. It may itself decide not to call the committer's
	// upsert (document filters, checksum gating); that decision is
	// opaque to the core.
	ExecuteCommitterPipeline(ctx context.Context, doc Document, current, cached *record.CrawlRecord) error

	// CommitterRemove deletes a reference's previously committed version.
	CommitterRemove(ctx context.Context, ref record.Reference, doc Document) error

	// CommitterCommit flushes the committer once, at the end of a run.
	CommitterCommit(ctx context.Context) error

	// WrapDocument lets a plugin decorate/replace the document the
	// processor constructed for rec.
	WrapDocument(rec *record.CrawlRecord, doc Document) Document

	// InitCrawlData is an optional hook invoked right after the cached
	// snapshot is fetched.
	InitCrawlData(current, cached *record.CrawlRecord, doc Document)

	// BeforeFinalize is an optional hook invoked at the top of finalize,
	// before the cache-fill merge runs.
	BeforeFinalize(current *record.CrawlRecord, doc Document, cached *record.CrawlRecord)

	// MarkReferenceVariationsAsProcessed lets implementations that track
	// reference aliases (redirects) close them out.
	MarkReferenceVariationsAsProcessed(ctx context.Context, current *record.CrawlRecord)

	// CreateEmbeddedCrawlData builds the record for a child reference
	// discovered in a nested import response.
	CreateEmbeddedCrawlData(childRef record.Reference, parent *record.CrawlRecord) *record.CrawlRecord
}

// Base implements CrawlerPlugin with no-op/default behavior, so a
// specialization can embed it and override only what it needs.
type Base struct{}

func (Base) PrepareExecution(ctx context.Context, status StatusUpdater, st store.Store, resume bool) error {
	return nil
}

func (Base) CleanupExecution(ctx context.Context, status StatusUpdater, st store.Store) error {
	return nil
}

func (Base) ExecuteQueuePipeline(ctx context.Context, rec *record.CrawlRecord) (bool, error) {
	return true, nil
}

func (Base) ExecuteImporterPipeline(ic *ImportContext) (*ImporterResponse, error) {
	return &ImporterResponse{Reference: ic.Current.Reference, IsSuccess: true}, nil
}

func (Base) ExecuteCommitterPipeline(ctx context.Context, doc Document, current, cached *record.CrawlRecord) error {
	return nil
}

func (Base) CommitterRemove(ctx context.Context, ref record.Reference, doc Document) error {
	return nil
}

func (Base) CommitterCommit(ctx context.Context) error { return nil }

func (Base) WrapDocument(rec *record.CrawlRecord, doc Document) Document { return doc }

func (Base) InitCrawlData(current, cached *record.CrawlRecord, doc Document) {}

func (Base) BeforeFinalize(current *record.CrawlRecord, doc Document, cached *record.CrawlRecord) {}

func (Base) MarkReferenceVariationsAsProcessed(ctx context.Context, current *record.CrawlRecord) {}

func (Base) CreateEmbeddedCrawlData(childRef record.Reference, parent *record.CrawlRecord) *record.CrawlRecord {
	return &record.CrawlRecord{
		Reference:           childRef,
		ParentRootReference: rootOf(parent),
		Depth:               parent.Depth + 1,
	}
}

func rootOf(parent *record.CrawlRecord) record.Reference {
	if parent.IsRootParent || parent.ParentRootReference == "" {
		return parent.Reference
	}
	return parent.ParentRootReference
}

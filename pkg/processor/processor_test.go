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

package processor_test

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/duskcrawl/crawlcore/pkg/crawlerr"
	"github.com/duskcrawl/crawlcore/pkg/events"
	"github.com/duskcrawl/crawlcore/pkg/plugin"
	"github.com/duskcrawl/crawlcore/pkg/processor"
	"github.com/duskcrawl/crawlcore/pkg/record"
	"github.com/duskcrawl/crawlcore/pkg/spoil"
	"github.com/duskcrawl/crawlcore/pkg/store/memstore"
)

// fakePlugin lets each spec swap in the pipeline behavior it needs and
// records the committer traffic it saw.
type fakePlugin struct {
	plugin.Base

	importFn func(ic *plugin.ImportContext) (*plugin.ImporterResponse, error)
	commitFn func(ctx context.Context, current *record.CrawlRecord) error

	mu       sync.Mutex
	commits  []record.Reference
	removals []record.Reference
}

func (f *fakePlugin) ExecuteImporterPipeline(ic *plugin.ImportContext) (*plugin.ImporterResponse, error) {
	if f.importFn != nil {
		return f.importFn(ic)
	}
	return f.Base.ExecuteImporterPipeline(ic)
}

func (f *fakePlugin) ExecuteCommitterPipeline(ctx context.Context, doc plugin.Document, current, cached *record.CrawlRecord) error {
	if f.commitFn != nil {
		if err := f.commitFn(ctx, current); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.commits = append(f.commits, current.Reference)
	f.mu.Unlock()
	return nil
}

func (f *fakePlugin) CommitterRemove(ctx context.Context, ref record.Reference, doc plugin.Document) error {
	f.mu.Lock()
	f.removals = append(f.removals, ref)
	f.mu.Unlock()
	return nil
}

func (f *fakePlugin) committed() []record.Reference {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]record.Reference(nil), f.commits...)
}

func (f *fakePlugin) removed() []record.Reference {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]record.Reference(nil), f.removals...)
}

var _ = Describe("Processor", func() {
	var (
		ctx    context.Context
		st     *memstore.Store
		pl     *fakePlugin
		ev     *events.Manager
		proc   *processor.Processor
		posted *eventLog
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		st, err = memstore.New()
		Expect(err).NotTo(HaveOccurred())

		pl = &fakePlugin{}
		ev = events.New()
		posted = &eventLog{}
		ev.Subscribe(posted)

		proc = &processor.Processor{
			Store:  st,
			Plugin: pl,
			Events: ev,
			Log:    logr.Discard(),
		}
	})

	claim := func(ref string) *record.CrawlRecord {
		Expect(st.Queue(ctx, &record.CrawlRecord{Reference: record.Reference(ref)})).To(Succeed())
		rec, err := st.NextQueued(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec).NotTo(BeNil())
		return rec
	}

	cache := func(rec *record.CrawlRecord) {
		rec.Stage = record.StageCached
		Expect(st.LoadCached(rec)).To(Succeed())
	}

	normalCtx := func() *processor.Context {
		return processor.NewContext(processor.Normal, nil, 0)
	}

	Describe("happy path", func() {
		It("imports, commits, and finalizes as NEW", func() {
			rec := claim("a")

			Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())

			Expect(rec.State).To(Equal(record.StateNew))
			Expect(pl.committed()).To(ConsistOf(record.Reference("a")))
			Expect(posted.ofType(events.DocumentImported)).To(HaveLen(1))

			cur, err := st.GetCurrent(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(cur.Stage).To(Equal(record.StageProcessed))
		})

		It("finalizes as MODIFIED when a cached snapshot exists", func() {
			cache(&record.CrawlRecord{Reference: "a", State: record.StateNew})
			rec := claim("a")

			Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())
			Expect(rec.State).To(Equal(record.StateModified))
			Expect(rec.Extra).To(HaveKeyWithValue("isNew", false))
		})

		It("flags a never-before-seen reference on the document metadata", func() {
			rec := claim("brand-new")

			Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())
			Expect(rec.Extra).To(HaveKeyWithValue("isNew", true))
		})
	})

	Describe("filter rejection", func() {
		It("marks a nil importer response REJECTED", func() {
			pl.importFn = func(*plugin.ImportContext) (*plugin.ImporterResponse, error) {
				return nil, nil
			}
			rec := claim("a")

			Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())
			Expect(rec.State).To(Equal(record.StateRejected))
			Expect(pl.committed()).To(BeEmpty())
		})

		It("keeps a state the pipeline already assigned", func() {
			pl.importFn = func(ic *plugin.ImportContext) (*plugin.ImporterResponse, error) {
				ic.Current.State = record.StateBadStatus
				return nil, nil
			}
			rec := claim("a")

			Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())
			Expect(rec.State).To(Equal(record.StateBadStatus))
		})

		It("marks an unsuccessful response REJECTED and fires the import rejection", func() {
			pl.importFn = func(ic *plugin.ImportContext) (*plugin.ImporterResponse, error) {
				return &plugin.ImporterResponse{Reference: ic.Current.Reference, IsSuccess: false}, nil
			}
			rec := claim("a")

			Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())
			Expect(rec.State).To(Equal(record.StateRejected))
			Expect(posted.ofType(events.RejectedImport)).To(HaveLen(1))
		})
	})

	Describe("pipeline failure", func() {
		BeforeEach(func() {
			pl.importFn = func(*plugin.ImportContext) (*plugin.ImporterResponse, error) {
				return nil, errors.New("fetch timeout")
			}
		})

		It("forces ERROR, fires REJECTED_ERROR, and still finalizes", func() {
			rec := claim("a")

			Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())

			Expect(rec.State).To(Equal(record.StateError))
			Expect(posted.ofType(events.RejectedError)).To(HaveLen(1))

			cur, err := st.GetCurrent(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(cur.Stage).To(Equal(record.StageProcessed))
		})

		It("re-raises after finalize when the kind is in stopOnExceptions", func() {
			rc := processor.NewContext(processor.Normal, []string{"PipelineError"}, 0)
			rec := claim("a")

			err := proc.Process(ctx, rc, rec)
			Expect(err).To(HaveOccurred())
			Expect(processor.IsStopSignal(err)).To(BeTrue())

			// Finalize already ran: the record reached PROCESSED.
			cur, lookupErr := st.GetCurrent(ctx, "a")
			Expect(lookupErr).NotTo(HaveOccurred())
			Expect(cur.Stage).To(Equal(record.StageProcessed))
		})

		It("finalizes the parent exactly once when a child pipeline fails", func() {
			pl.importFn = func(ic *plugin.ImportContext) (*plugin.ImporterResponse, error) {
				return &plugin.ImporterResponse{
					Reference: ic.Current.Reference,
					IsSuccess: true,
					Children: []*plugin.ImporterResponse{
						{Reference: "child", IsSuccess: true},
					},
				}, nil
			}
			pl.commitFn = func(ctx context.Context, current *record.CrawlRecord) error {
				if current.Reference == "child" {
					return errors.New("downstream refused")
				}
				return nil
			}

			finalized := 0
			proc.OnProcessed = func() { finalized++ }
			rec := claim("parent")

			Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())

			// Parent only: the child failed before its own finalize.
			Expect(finalized).To(Equal(1))
			Expect(posted.ofType(events.RejectedError)).To(HaveLen(1))
		})
	})

	Describe("store failure", func() {
		It("finalizes the claimed record and surfaces the failure", func() {
			rec := claim("a")
			proc.Store = &failingCacheStore{Store: st}

			err := proc.Process(ctx, normalCtx(), rec)
			Expect(err).To(HaveOccurred())

			var storeErr *crawlerr.StoreError
			Expect(errors.As(err, &storeErr)).To(BeTrue())

			Expect(rec.State).To(Equal(record.StateError))
			Expect(posted.ofType(events.RejectedError)).To(HaveLen(1))

			// The record must not be stranded in ACTIVE.
			cur, lookupErr := st.GetCurrent(ctx, "a")
			Expect(lookupErr).NotTo(HaveOccurred())
			Expect(cur.Stage).To(Equal(record.StageProcessed))

			active, countErr := st.ActiveCount(ctx)
			Expect(countErr).NotTo(HaveOccurred())
			Expect(active).To(BeZero())
		})
	})

	Describe("embedded children", func() {
		It("processes nested responses into their own records", func() {
			pl.importFn = func(ic *plugin.ImportContext) (*plugin.ImporterResponse, error) {
				if ic.Current.Reference != "parent" {
					return &plugin.ImporterResponse{Reference: ic.Current.Reference, IsSuccess: true}, nil
				}
				return &plugin.ImporterResponse{
					Reference: "parent",
					IsSuccess: true,
					Children: []*plugin.ImporterResponse{
						{Reference: "c1", IsSuccess: true},
						{Reference: "c2", IsSuccess: true},
					},
				}, nil
			}

			rec := claim("parent")
			Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())

			Expect(pl.committed()).To(ConsistOf(
				record.Reference("parent"), record.Reference("c1"), record.Reference("c2"),
			))

			for _, child := range []record.Reference{"c1", "c2"} {
				cur, err := st.GetCurrent(ctx, child)
				Expect(err).NotTo(HaveOccurred())
				Expect(cur).NotTo(BeNil(), string(child))
				Expect(cur.Stage).To(Equal(record.StageProcessed))
				Expect(cur.ParentRootReference).To(Equal(record.Reference("parent")))
				Expect(cur.Depth).To(Equal(1))
			}
		})
	})

	Describe("orphan delete mode", func() {
		It("routes straight to the delete path without importing", func() {
			imported := false
			pl.importFn = func(*plugin.ImportContext) (*plugin.ImporterResponse, error) {
				imported = true
				return nil, nil
			}

			rc := processor.NewContext(processor.OrphanDelete, nil, 0)
			rec := claim("x")

			Expect(proc.Process(ctx, rc, rec)).To(Succeed())

			Expect(imported).To(BeFalse())
			Expect(rec.State).To(Equal(record.StateDeleted))
			Expect(pl.removed()).To(ConsistOf(record.Reference("x")))
			Expect(posted.ofType(events.DocumentCommittedRm)).To(HaveLen(1))
		})
	})

	Describe("spoil handling", func() {
		failImport := func() {
			pl.importFn = func(ic *plugin.ImportContext) (*plugin.ImporterResponse, error) {
				ic.Current.State = record.StateBadStatus
				return nil, nil
			}
		}

		It("deletes the committed version under the default policy", func() {
			failImport()
			cache(&record.CrawlRecord{Reference: "a", State: record.StateNew})
			rec := claim("a")

			Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())
			Expect(pl.removed()).To(ConsistOf(record.Reference("a")))
		})

		It("never deletes without a cached version to protect", func() {
			failImport()
			rec := claim("a")

			Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())
			Expect(pl.removed()).To(BeEmpty())
		})

		It("skips deletion when the cached version was already deleted", func() {
			failImport()
			cache(&record.CrawlRecord{Reference: "a", State: record.StateDeleted})
			rec := claim("a")

			Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())
			Expect(pl.removed()).To(BeEmpty())
		})

		Context("with a GRACE_ONCE policy", func() {
			BeforeEach(func() {
				proc.SpoilPolicy = spoil.Func(func(record.Reference, record.State) (spoil.Disposition, bool) {
					return spoil.GraceOnce, true
				})
			})

			It("grants one grace cycle while the cached state is good", func() {
				failImport()
				cache(&record.CrawlRecord{Reference: "r", State: record.StateNew})
				rec := claim("r")

				Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())
				Expect(pl.removed()).To(BeEmpty())
			})

			It("deletes on the second consecutive failure", func() {
				failImport()
				cache(&record.CrawlRecord{Reference: "r", State: record.StateBadStatus})
				rec := claim("r")

				Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())
				Expect(pl.removed()).To(ConsistOf(record.Reference("r")))
			})
		})

		Context("with an IGNORE policy", func() {
			It("leaves the committed version alone", func() {
				proc.SpoilPolicy = spoil.Func(func(record.Reference, record.State) (spoil.Disposition, bool) {
					return spoil.Ignore, true
				})
				failImport()
				cache(&record.CrawlRecord{Reference: "a", State: record.StateNew})
				rec := claim("a")

				Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())
				Expect(pl.removed()).To(BeEmpty())
			})
		})
	})

	Describe("cache fill", func() {
		It("copies prior-run knowledge into zero fields only", func() {
			pl.importFn = func(ic *plugin.ImportContext) (*plugin.ImporterResponse, error) {
				ic.Current.State = record.StateUnmodified
				ic.Current.ContentType = "text/plain" // re-derived this run
				return nil, nil
			}
			cache(&record.CrawlRecord{
				Reference:       "a",
				State:           record.StateNew,
				MetaChecksum:    "m-old",
				ContentChecksum: "c-old",
				ContentType:     "text/html",
			})
			rec := claim("a")

			Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())

			Expect(rec.MetaChecksum).To(Equal("m-old"))
			Expect(rec.ContentChecksum).To(Equal("c-old"))
			Expect(rec.ContentType).To(Equal("text/plain"))
		})

		It("does not fill for a freshly imported record", func() {
			cache(&record.CrawlRecord{Reference: "a", State: record.StateNew, ContentType: "text/html"})
			rec := claim("a")

			Expect(proc.Process(ctx, normalCtx(), rec)).To(Succeed())
			// MODIFIED is new-or-modified: cache fill must not run.
			Expect(rec.State).To(Equal(record.StateModified))
			Expect(rec.ContentType).To(BeEmpty())
		})
	})

	Describe("depth cap", func() {
		It("rejects references beyond maxDepth without importing", func() {
			imported := false
			pl.importFn = func(*plugin.ImportContext) (*plugin.ImporterResponse, error) {
				imported = true
				return nil, nil
			}

			rc := processor.NewContext(processor.Normal, nil, 1)
			Expect(st.Queue(ctx, &record.CrawlRecord{Reference: "deep", Depth: 2})).To(Succeed())
			rec, err := st.NextQueued(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(proc.Process(ctx, rc, rec)).To(Succeed())
			Expect(imported).To(BeFalse())
			Expect(rec.State).To(Equal(record.StateRejected))
		})
	})

	Describe("reference variations", func() {
		It("closes out recorded aliases at finalize", func() {
			rc := normalCtx()
			rc.RecordVariation("old-url", "a")

			rec := claim("a")
			Expect(proc.Process(ctx, rc, rec)).To(Succeed())

			alias, err := st.GetCurrent(ctx, "old-url")
			Expect(err).NotTo(HaveOccurred())
			Expect(alias).NotTo(BeNil())
			Expect(alias.Stage).To(Equal(record.StageProcessed))
			Expect(alias.State).To(Equal(record.StateUnmodified))
		})
	})
})

// failingCacheStore delegates everything to the embedded memstore but
// refuses cache lookups, simulating backing-store I/O loss mid-run.
type failingCacheStore struct {
	*memstore.Store
}

func (f *failingCacheStore) GetCached(ctx context.Context, ref record.Reference) (*record.CrawlRecord, error) {
	return nil, errors.New("backing store unavailable")
}

// eventLog is a thread-safe listener that remembers everything posted.
type eventLog struct {
	mu  sync.Mutex
	all []events.Event
}

func (l *eventLog) OnEvent(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, ev)
}

func (l *eventLog) ofType(t events.Type) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.all {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

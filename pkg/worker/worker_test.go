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

package worker_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/duskcrawl/crawlcore/pkg/events"
	"github.com/duskcrawl/crawlcore/pkg/plugin"
	"github.com/duskcrawl/crawlcore/pkg/processor"
	"github.com/duskcrawl/crawlcore/pkg/record"
	"github.com/duskcrawl/crawlcore/pkg/store/memstore"
	"github.com/duskcrawl/crawlcore/pkg/worker"
)

// trackingPlugin counts importer invocations and optionally fails or
// fans out children.
type trackingPlugin struct {
	plugin.Base

	mu       sync.Mutex
	imported []record.Reference

	failOn  record.Reference
	enqueue func(ctx context.Context, ref record.Reference)
}

func (p *trackingPlugin) ExecuteImporterPipeline(ic *plugin.ImportContext) (*plugin.ImporterResponse, error) {
	p.mu.Lock()
	p.imported = append(p.imported, ic.Current.Reference)
	p.mu.Unlock()

	if ic.Current.Reference == p.failOn {
		return nil, errors.New("synthetic pipeline failure")
	}

	// Simulate link discovery: each seed enqueues one fresh reference.
	if p.enqueue != nil && !strings.HasPrefix(string(ic.Current.Reference), "found-") {
		p.enqueue(ic.Context, record.Reference("found-"+string(ic.Current.Reference)))
	}

	return &plugin.ImporterResponse{Reference: ic.Current.Reference, IsSuccess: true}, nil
}

// failingCacheStore delegates to the embedded memstore but refuses
// cache lookups, simulating backing-store I/O loss mid-run.
type failingCacheStore struct {
	*memstore.Store
}

func (f *failingCacheStore) GetCached(ctx context.Context, ref record.Reference) (*record.CrawlRecord, error) {
	return nil, errors.New("backing store unavailable")
}

func (p *trackingPlugin) importedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.imported)
}

var _ = Describe("Pool", func() {
	var (
		ctx context.Context
		st  *memstore.Store
		pl  *trackingPlugin
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		st, err = memstore.New()
		Expect(err).NotTo(HaveOccurred())

		pl = &trackingPlugin{}
	})

	newPool := func(cfg worker.Config) *worker.Pool {
		cfg.Store = st
		cfg.Processor = &processor.Processor{
			Store:  st,
			Plugin: pl,
			Events: events.New(),
			Log:    logr.Discard(),
		}
		return worker.New(cfg)
	}

	queue := func(n int) {
		for i := 0; i < n; i++ {
			ref := record.Reference(fmt.Sprintf("ref-%03d", i))
			Expect(st.Queue(ctx, &record.CrawlRecord{Reference: ref})).To(Succeed())
		}
	}

	It("terminates immediately on an empty queue", func() {
		pool := newPool(worker.Config{NumThreads: 2})

		done := make(chan error, 1)
		go func() { done <- pool.Run(ctx) }()

		Eventually(done).WithTimeout(3 * time.Second).Should(Receive(BeNil()))
		Expect(pool.Processed()).To(BeZero())
	})

	It("drains 100 references with a single worker", func() {
		queue(100)
		pool := newPool(worker.Config{NumThreads: 1})

		Expect(pool.Run(ctx)).To(Succeed())

		Expect(pool.Processed()).To(Equal(100))
		n, err := st.ProcessedCount(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(100))

		empty, err := st.IsQueueEmpty(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(empty).To(BeTrue())
	})

	It("drains concurrently without double-processing", func() {
		queue(200)
		pool := newPool(worker.Config{NumThreads: 8})

		Expect(pool.Run(ctx)).To(Succeed())

		// One importer invocation per reference, no duplicates.
		Expect(pl.importedCount()).To(Equal(200))

		n, err := st.ProcessedCount(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(200))
	})

	It("keeps draining when workers enqueue fresh work mid-run", func() {
		// References discovered during import land back in the queue,
		// exercising the idle spin-wait path: a worker that sees an empty
		// queue must not exit while another worker is mid-reference.
		pl.enqueue = func(ctx context.Context, ref record.Reference) {
			_ = st.Queue(ctx, &record.CrawlRecord{Reference: ref})
		}
		queue(10)

		pool := newPool(worker.Config{NumThreads: 4})
		Expect(pool.Run(ctx)).To(Succeed())

		// The initial 10 plus one discovered reference each.
		n, err := st.ProcessedCount(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(20))
	})

	It("stops at maxDocuments and leaves the rest queued", func() {
		queue(10)

		pool := newPool(worker.Config{NumThreads: 1, MaxDocuments: 3})

		Expect(pool.Run(ctx)).To(Succeed())

		Expect(pool.Processed()).To(Equal(3))

		queued, err := st.QueuedCount(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(queued).To(Equal(7))
	})

	It("stops the pool on a stopOnExceptions kind and preserves the queue", func() {
		queue(5)
		pl.failOn = "ref-000"

		pool := newPool(worker.Config{
			NumThreads:       1,
			StopOnExceptions: []string{"PipelineError"},
		})

		err := pool.Run(ctx)
		Expect(err).To(HaveOccurred())
		Expect(pool.StopCause()).To(HaveOccurred())

		// The failing reference finalized as ERROR; the rest survive for
		// resume.
		queued, qerr := st.QueuedCount(ctx)
		Expect(qerr).NotTo(HaveOccurred())
		Expect(queued).To(Equal(4))
	})

	It("aborts the pool when the processor cannot reach the store", func() {
		queue(3)

		pool := worker.New(worker.Config{
			Store: st,
			Processor: &processor.Processor{
				Store:  &failingCacheStore{Store: st},
				Plugin: pl,
				Events: events.New(),
				Log:    logr.Discard(),
			},
			NumThreads: 2,
		})

		err := pool.Run(ctx)
		Expect(err).To(HaveOccurred())
		Expect(pool.StopCause()).To(HaveOccurred())
	})

	It("exits cleanly when stopped before running", func() {
		queue(50)

		pool := newPool(worker.Config{NumThreads: 2})
		pool.Stop()

		Expect(pool.Run(ctx)).To(Succeed())
		Expect(pool.Processed()).To(BeZero())

		queued, err := st.QueuedCount(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(queued).To(Equal(50))
	})

	It("honors context cancellation at the reference boundary", func() {
		queue(50)

		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()

		pool := newPool(worker.Config{NumThreads: 2})
		Expect(pool.Run(cancelCtx)).To(Succeed())
		Expect(pool.Processed()).To(BeZero())
	})
})

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

package boltstore_test

import (
	"context"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/duskcrawl/crawlcore/pkg/record"
	"github.com/duskcrawl/crawlcore/pkg/store"
	"github.com/duskcrawl/crawlcore/pkg/store/boltstore"
)

var _ = Describe("Boltstore", func() {
	var (
		ctx context.Context
		dir string
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
	})

	open := func(resume bool) *boltstore.Store {
		st, err := boltstore.Open(ctx, dir, resume)
		Expect(err).NotTo(HaveOccurred())
		return st
	}

	It("round-trips every record field across close and reopen", func() {
		st := open(false)

		when := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
		rec := &record.CrawlRecord{
			Reference:           "a",
			ParentRootReference: "root",
			IsRootParent:        true,
			MetaChecksum:        "m1",
			ContentChecksum:     "c1",
			ContentType:         "text/html",
			CrawlDate:           when,
			Depth:               2,
			Extra:               map[string]interface{}{"custom": "value"},
		}
		Expect(st.Queue(ctx, rec)).To(Succeed())

		claimed, err := st.NextQueued(ctx)
		Expect(err).NotTo(HaveOccurred())
		claimed.State = record.StateNew
		Expect(st.Processed(ctx, claimed)).To(Succeed())
		Expect(st.Close()).To(Succeed())

		st = open(true)
		defer st.Close()

		got, err := st.GetCurrent(ctx, "a")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).NotTo(BeNil())
		Expect(got.State).To(Equal(record.StateNew))
		Expect(got.ParentRootReference).To(Equal(record.Reference("root")))
		Expect(got.IsRootParent).To(BeTrue())
		Expect(got.MetaChecksum).To(Equal("m1"))
		Expect(got.ContentChecksum).To(Equal("c1"))
		Expect(got.ContentType).To(Equal("text/html"))
		Expect(got.CrawlDate.Equal(when)).To(BeTrue())
		Expect(got.Depth).To(Equal(2))
		Expect(got.Extra).To(HaveKeyWithValue("custom", "value"))
	})

	It("truncates long references and still resolves them by full reference", func() {
		long := strings.Repeat("r", 2000)

		st := open(false)
		Expect(st.Queue(ctx, &record.CrawlRecord{Reference: record.Reference(long)})).To(Succeed())

		claimed, err := st.NextQueued(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(len(string(claimed.Reference))).To(Equal(store.MaxKeyLength))
		Expect(claimed.FullReference).To(Equal(long))

		claimed.State = record.StateNew
		Expect(st.Processed(ctx, claimed)).To(Succeed())
		Expect(st.Close()).To(Succeed())

		// Fresh run: the processed row becomes the cache.
		st = open(false)
		defer st.Close()

		cached, err := st.GetCached(ctx, record.Reference(long))
		Expect(err).NotTo(HaveOccurred())
		Expect(cached).NotTo(BeNil())
		Expect(string(cached.Reference)).To(Equal(long))
	})

	It("reclassifies stranded ACTIVE rows to QUEUED on resume", func() {
		st := open(false)
		for _, ref := range []string{"a", "b", "c"} {
			Expect(st.Queue(ctx, &record.CrawlRecord{Reference: record.Reference(ref)})).To(Succeed())
		}

		// Claim one and "crash" without finalizing it.
		_, err := st.NextQueued(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Close()).To(Succeed())

		st = open(true)
		defer st.Close()

		active, err := st.ActiveCount(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(active).To(BeZero())

		queued, err := st.QueuedCount(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(queued).To(Equal(3))
	})

	It("rolls PROCESSED into CACHED on a fresh open", func() {
		st := open(false)
		Expect(st.Queue(ctx, &record.CrawlRecord{Reference: "a"})).To(Succeed())

		claimed, err := st.NextQueued(ctx)
		Expect(err).NotTo(HaveOccurred())
		claimed.State = record.StateNew
		Expect(st.Processed(ctx, claimed)).To(Succeed())
		Expect(st.Close()).To(Succeed())

		st = open(false)
		defer st.Close()

		cached, err := st.GetCached(ctx, "a")
		Expect(err).NotTo(HaveOccurred())
		Expect(cached).NotTo(BeNil())
		Expect(cached.State).To(Equal(record.StateNew))

		cur, err := st.GetCurrent(ctx, "a")
		Expect(err).NotTo(HaveOccurred())
		Expect(cur).To(BeNil())

		n, err := st.ProcessedCount(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
	})

	It("keeps QUEUED rows across a resume open", func() {
		st := open(false)
		Expect(st.Queue(ctx, &record.CrawlRecord{Reference: "pending"})).To(Succeed())
		Expect(st.Close()).To(Succeed())

		st = open(true)
		defer st.Close()

		queued, err := st.QueuedCount(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(queued).To(Equal(1))
	})

	It("persists the run summary", func() {
		st := open(false)
		Expect(st.FinishRun(ctx, store.RunSummary{
			StartedAt:  time.Now().Add(-time.Minute).UnixNano(),
			FinishedAt: time.Now().UnixNano(),
			Processed:  42,
		})).To(Succeed())
		Expect(st.Close()).To(Succeed())

		st = open(true)
		defer st.Close()

		sum, err := st.LastRun(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(sum).NotTo(BeNil())
		Expect(sum.Processed).To(Equal(42))
		Expect(sum.RunID).NotTo(BeEmpty())
	})
})

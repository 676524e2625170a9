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

// Package monitor exposes the optional management endpoint: live
// processed/queued/active counts for a running crawler, served as
// Prometheus metrics over HTTP. It is the Go-idiomatic stand-in for the
// original's JMX MBean, and keeps the original's process-wide
// enablement flag name.
package monitor

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duskcrawl/crawlcore/pkg/store"
)

// EnableFlag is the process-wide environment flag gating the endpoint.
const EnableFlag = "enableJMX"

// Enabled reports whether the monitoring endpoint should be registered.
func Enabled() bool {
	return strings.EqualFold(os.Getenv(EnableFlag), "true")
}

// Monitor holds one crawler's metric registry.
type Monitor struct {
	id  string
	reg *prometheus.Registry
}

// New builds a registry whose gauges read st's live counts on every
// scrape; a count that cannot be read is reported as -1. The engine
// stops the endpoint when Run returns, which is after the store closes.
func New(id string, st store.Store) *Monitor {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"crawler": id}

	count := func(f func(context.Context) (int, error)) func() float64 {
		return func() float64 {
			n, err := f(context.Background())
			if err != nil {
				return -1
			}
			return float64(n)
		}
	}

	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "crawlcore_queued",
			Help:        "References currently in the QUEUED stage.",
			ConstLabels: labels,
		}, count(st.QueuedCount)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "crawlcore_active",
			Help:        "References currently claimed by a worker (ACTIVE stage).",
			ConstLabels: labels,
		}, count(st.ActiveCount)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "crawlcore_processed_total",
			Help:        "References finalized this run (PROCESSED stage).",
			ConstLabels: labels,
		}, count(st.ProcessedCount)),
	)

	return &Monitor{id: id, reg: reg}
}

// Handler serves the registry as a standard /metrics payload.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server for the handler until ctx is canceled.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-done:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

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

// Package engine implements the CrawlerEngine (C6): lifecycle
// orchestration over the store, the worker pool, the orphan resolver,
// and the external collaborators.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	"github.com/duskcrawl/crawlcore/pkg/crawlconfig"
	"github.com/duskcrawl/crawlcore/pkg/crawlerr"
	"github.com/duskcrawl/crawlcore/pkg/crawllog"
	"github.com/duskcrawl/crawlcore/pkg/events"
	"github.com/duskcrawl/crawlcore/pkg/monitor"
	"github.com/duskcrawl/crawlcore/pkg/orphan"
	"github.com/duskcrawl/crawlcore/pkg/plugin"
	"github.com/duskcrawl/crawlcore/pkg/processor"
	"github.com/duskcrawl/crawlcore/pkg/record"
	"github.com/duskcrawl/crawlcore/pkg/spoil"
	"github.com/duskcrawl/crawlcore/pkg/store"
	"github.com/duskcrawl/crawlcore/pkg/store/boltstore"
	"github.com/duskcrawl/crawlcore/pkg/worker"
)

// StatusUpdater is re-exported so callers wiring an engine do not need
// to import pkg/plugin for the status surface alone.
type StatusUpdater = plugin.StatusUpdater

// Config wires an Engine: the decoded options plus the collaborator
// objects. Zero-value collaborators get working defaults.
type Config struct {
	crawlconfig.Options

	// Opener is the crawlDataStoreFactory. Defaults to the bbolt-backed
	// store under WorkDir/<id>.
	Opener store.Opener

	// Plugin is the specialization surface. Defaults to plugin.Base.
	Plugin plugin.CrawlerPlugin

	// SpoilPolicy maps failed references to a disposition. A nil policy
	// falls back to spoil.Default (DELETE).
	SpoilPolicy spoil.Policy

	StreamFactory plugin.StreamFactory
	Listeners     []events.Listener
	Status        plugin.StatusUpdater
	Log           logr.Logger
}

// Engine drives one crawler through its lifecycle. Safe for one Run at
// a time; Stop may be called from any goroutine.
type Engine struct {
	cfg    Config
	log    logr.Logger
	events *events.Manager

	processed int64 // atomic; engine-wide count across both passes

	mu      sync.Mutex
	stopped bool
	pool    *worker.Pool
}

// New validates cfg and builds an Engine. The ConfigError policy
// applies: a bad configuration never survives past this point.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}

	if cfg.Opener == nil {
		cfg.Opener = boltstore.OpenerFunc{}
	}
	if cfg.Plugin == nil {
		cfg.Plugin = plugin.Base{}
	}
	if cfg.Status == nil {
		cfg.Status = plugin.NopStatus{}
	}
	if cfg.Log.GetSink() == nil {
		cfg.Log = crawllog.New(cfg.ID)
	}

	e := &Engine{
		cfg:    cfg,
		log:    cfg.Log,
		events: events.New(),
	}
	for _, l := range cfg.Listeners {
		e.events.Subscribe(l)
	}

	return e, nil
}

// Events exposes the engine's bus so external pipelines can post their
// own additional event types through the same manager.
func (e *Engine) Events() *events.Manager { return e.events }

// Processed reports the engine-wide processed count so far.
func (e *Engine) Processed() int { return int(atomic.LoadInt64(&e.processed)) }

// Stop requests a cooperative stop: the current pool drains at the next
// reference boundary and the remaining queue persists for resume.
func (e *Engine) Stop() {
	e.mu.Lock()
	alreadyStopped := e.stopped
	e.stopped = true
	pool := e.pool
	e.mu.Unlock()

	if alreadyStopped {
		return
	}

	e.events.Post(events.CrawlerStopping, e.cfg.ID, nil)
	if pool != nil {
		pool.Stop()
	}
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// DownloadDir is the crawler's download area, workDir/downloads/<id>.
func (e *Engine) DownloadDir() string {
	return filepath.Join(e.cfg.WorkDir, "downloads", e.cfg.ID)
}

func (e *Engine) storeDir() string {
	return filepath.Join(e.cfg.WorkDir, e.cfg.ID)
}

// Run executes one full crawl: open, prepare, main pass,
// orphan pass, commit, cleanup, close. It blocks until the run is over
// and returns the fatal error, if any, that forced an early stop.
func (e *Engine) Run(ctx context.Context, resume bool) (runErr error) {
	started := time.Now()

	if err := os.MkdirAll(e.DownloadDir(), 0o755); err != nil {
		return crawlerr.NewConfigError("engine: create download dir", err)
	}

	st, err := e.cfg.Opener.Open(ctx, e.storeDir(), resume)
	if err != nil {
		return err
	}

	monCtx, cancelMon := context.WithCancel(ctx)
	defer cancelMon()
	if monitor.Enabled() && e.cfg.MonitorAddr != "" {
		mon := monitor.New(e.cfg.ID, st)
		go func() {
			if err := mon.Serve(monCtx, e.cfg.MonitorAddr); err != nil {
				e.log.Error(err, "monitor endpoint")
			}
		}()
	}

	if err := e.cfg.Plugin.PrepareExecution(ctx, e.cfg.Status, st, resume); err != nil {
		_ = st.Close()
		return crawlerr.NewConfigError("engine: prepare execution", err)
	}

	if resume {
		e.events.Post(events.CrawlerResumed, e.cfg.ID, nil)
		e.log.Info("crawler resumed", "id", e.cfg.ID)
	} else {
		e.events.Post(events.CrawlerStarted, e.cfg.ID, nil)
		e.log.Info("crawler started", "id", e.cfg.ID, "threads", e.cfg.NumThreads)
	}

	if err := e.queueSeeds(ctx, st); err != nil {
		runErr = err
	}

	proc := &processor.Processor{
		Store:         st,
		Plugin:        e.cfg.Plugin,
		Events:        e.events,
		SpoilPolicy:   e.cfg.SpoilPolicy,
		StreamFactory: e.cfg.StreamFactory,
		Log:           e.log.WithName("processor"),
		OnProcessed:   func() { atomic.AddInt64(&e.processed, 1) },
	}

	if runErr == nil {
		runErr = e.runPass(ctx, st, proc, processor.Normal)
	}

	if runErr == nil && !e.isStopped() {
		resolver := &orphan.Resolver{
			Store:         st,
			Log:           e.log.WithName("orphans"),
			QueuePipeline: e.cfg.Plugin.ExecuteQueuePipeline,
			CapExceeded: func() bool {
				return e.cfg.MaxDocuments > 0 && e.Processed() >= e.cfg.MaxDocuments
			},
		}
		runErr = resolver.Resolve(ctx, e.cfg.Strategy(), func(ctx context.Context, mode processor.Mode) error {
			return e.runPass(ctx, st, proc, mode)
		})
	}

	var closeErrs *multierror.Error

	if err := e.cfg.Plugin.CommitterCommit(ctx); err != nil {
		closeErrs = multierror.Append(closeErrs, err)
	}

	if err := removeEmptyDirs(e.DownloadDir()); err != nil {
		closeErrs = multierror.Append(closeErrs, err)
	}

	stopped := e.isStopped() || runErr != nil
	if stopped {
		e.events.Post(events.CrawlerStopped, e.cfg.ID, nil)
		e.log.Info("crawler stopped", "id", e.cfg.ID, "processed", e.Processed())
	} else {
		e.events.Post(events.CrawlerFinished, e.cfg.ID, nil)
		e.log.Info("crawler finished", "id", e.cfg.ID, "processed", e.Processed())
	}

	if err := e.cfg.Plugin.CleanupExecution(ctx, e.cfg.Status, st); err != nil {
		closeErrs = multierror.Append(closeErrs, err)
	}

	if fr, ok := st.(interface {
		FinishRun(context.Context, store.RunSummary) error
	}); ok {
		sum := store.RunSummary{
			StartedAt:  started.UnixNano(),
			FinishedAt: time.Now().UnixNano(),
			Processed:  e.Processed(),
			Stopped:    stopped,
		}
		if err := fr.FinishRun(ctx, sum); err != nil {
			closeErrs = multierror.Append(closeErrs, err)
		}
	}

	if err := st.Close(); err != nil {
		closeErrs = multierror.Append(closeErrs, err)
	}

	if runErr != nil {
		return runErr
	}
	return closeErrs.ErrorOrNil()
}

// runPass builds and runs one worker pool in the given mode, tracking
// it so Stop can reach the live pass.
func (e *Engine) runPass(ctx context.Context, st store.Store, proc *processor.Processor, mode processor.Mode) error {
	pool := worker.New(worker.Config{
		Store:            st,
		Processor:        proc,
		NumThreads:       e.cfg.NumThreads,
		MaxDocuments:     e.cfg.MaxDocuments,
		Mode:             mode,
		StopOnExceptions: e.cfg.StopOnExceptions,
		MaxDepth:         e.cfg.MaxDepth,
		TotalProcessed:   e.Processed,
		OnProgress: func(processed, queued int) {
			e.cfg.Status.SetProgress(e.Processed(), queued)
			e.log.Info("progress", "processed", processed, "queued", queued)
		},
	})

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.pool = pool
	e.mu.Unlock()

	err := pool.Run(ctx)

	e.mu.Lock()
	e.pool = nil
	if err != nil {
		e.stopped = true
	}
	e.mu.Unlock()

	return err
}

// queueSeeds pushes the configured seed references through the queue
// pipeline. Seeds are root parents at depth 0.
func (e *Engine) queueSeeds(ctx context.Context, st store.Store) error {
	for _, seed := range e.cfg.Seeds {
		rec := &record.CrawlRecord{
			Reference:    record.Reference(seed),
			IsRootParent: true,
		}

		ok, err := e.cfg.Plugin.ExecuteQueuePipeline(ctx, rec)
		if err != nil {
			return crawlerr.NewPipelineError("engine: seed queue pipeline", err)
		}
		if !ok {
			continue
		}

		if err := st.Queue(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// removeEmptyDirs prunes empty directories under root, deepest first.
// root itself is kept.
func removeEmptyDirs(root string) error {
	var dirs []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		if len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}
	return nil
}

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

package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/duskcrawl/crawlcore/pkg/crawlconfig"
	"github.com/duskcrawl/crawlcore/pkg/crawllog"
	"github.com/duskcrawl/crawlcore/pkg/engine"
	"github.com/duskcrawl/crawlcore/pkg/events"
)

// RunOptions collects the run/resume flag surface.
type RunOptions struct {
	ConfigFile string
	ID         string
	WorkDir    string
	Seeds      []string
	Threads    int
	MaxDocs    int
	Orphans    string
	Schedule   string
	JSONLogs   bool
}

func NewRunCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a crawl from scratch",
		Long: `Run a crawl from scratch: the previous run's processed references
roll over into the cache, and the queue starts from the configured seeds.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), opts, false)
		},
	}

	addRunFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.Schedule, "every", "", "cron spec to re-run the crawl on (blocks; SIGINT to exit)")

	return cmd
}

func NewResumeCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted crawl",
		Long: `Resume an interrupted crawl: queued and active references carry over,
with stranded active references reclassified back to the queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), opts, true)
		},
	}

	addRunFlags(cmd, opts)

	return cmd
}

func addRunFlags(cmd *cobra.Command, opts *RunOptions) {
	cmd.Flags().StringVarP(&opts.ConfigFile, "config", "c", "", "YAML config file with crawler options")
	cmd.Flags().StringVar(&opts.ID, "id", "", "crawler id (required unless set in config)")
	cmd.Flags().StringVar(&opts.WorkDir, "workdir", "", "workspace root")
	cmd.Flags().StringArrayVar(&opts.Seeds, "seed", nil, "seed reference (repeatable)")
	cmd.Flags().IntVar(&opts.Threads, "threads", 0, "worker count")
	cmd.Flags().IntVar(&opts.MaxDocs, "max-documents", 0, "stop after this many processed references (-1 disables)")
	cmd.Flags().StringVar(&opts.Orphans, "orphans", "", "orphan strategy: IGNORE, PROCESS or DELETE")
	cmd.Flags().BoolVar(&opts.JSONLogs, "json-logs", false, "structured JSON log output")
}

func loadOptions(opts *RunOptions) (crawlconfig.Options, error) {
	raw := map[string]interface{}{}

	if opts.ConfigFile != "" {
		data, err := os.ReadFile(opts.ConfigFile)
		if err != nil {
			return crawlconfig.Options{}, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return crawlconfig.Options{}, errors.Wrap(err, "parse config file")
		}
	}

	// Flags override whatever the file set.
	if opts.ID != "" {
		raw["id"] = opts.ID
	}
	if opts.WorkDir != "" {
		raw["workDir"] = opts.WorkDir
	}
	if len(opts.Seeds) > 0 {
		raw["seeds"] = opts.Seeds
	}
	if opts.Threads > 0 {
		raw["numThreads"] = opts.Threads
	}
	if opts.MaxDocs != 0 {
		raw["maxDocuments"] = opts.MaxDocs
	}
	if opts.Orphans != "" {
		raw["orphansStrategy"] = opts.Orphans
	}

	return crawlconfig.Decode(raw)
}

func runCrawl(ctx context.Context, opts *RunOptions, resume bool) error {
	options, err := loadOptions(opts)
	if err != nil {
		return err
	}

	log := crawllog.New(options.ID)
	if opts.JSONLogs {
		log = crawllog.NewZap(options.ID)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runOnce := func() error {
		eng, err := engine.New(engine.Config{
			Options: options,
			Log:     log,
			Listeners: []events.Listener{
				events.ListenerFunc(func(ev events.Event) {
					log.V(1).Info("event", "type", ev.Type, "subject", ev.Subject)
				}),
			},
		})
		if err != nil {
			return err
		}

		go func() {
			<-ctx.Done()
			eng.Stop()
		}()

		return eng.Run(ctx, resume)
	}

	if opts.Schedule == "" {
		return runOnce()
	}

	// Scheduled mode: run immediately, then again on every cron tick,
	// until interrupted. A tick that fires while a run is still going is
	// skipped rather than stacked.
	if err := runOnce(); err != nil {
		return err
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(opts.Schedule, func() {
		if err := runOnce(); err != nil {
			log.Error(err, "scheduled crawl")
		}
	}); err != nil {
		return errors.Wrap(err, "parse --every spec")
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

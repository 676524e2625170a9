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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/duskcrawl/crawlcore/pkg/store"
	"github.com/duskcrawl/crawlcore/pkg/store/boltstore"
)

func NewInspectCmd() *cobra.Command {
	var workDir string

	cmd := &cobra.Command{
		Use:   "inspect <crawler-id>",
		Short: "Show a crawl store's stage counts and last run summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd, filepath.Join(workDir, args[0]))
		},
	}

	cmd.Flags().StringVar(&workDir, "workdir", "./work", "workspace root the store lives under")

	return cmd
}

func inspect(cmd *cobra.Command, dir string) error {
	ctx := cmd.Context()

	// Opened with resume semantics: no rollover happens, so inspection
	// never discards the cache snapshot of an in-between store.
	st, err := boltstore.Open(ctx, dir, true)
	if err != nil {
		return err
	}
	defer st.Close()

	queued, err := st.QueuedCount(ctx)
	if err != nil {
		return err
	}
	active, err := st.ActiveCount(ctx)
	if err != nil {
		return err
	}
	processed, err := st.ProcessedCount(ctx)
	if err != nil {
		return err
	}

	cachedCount := 0
	it, err := st.CacheIterator(ctx)
	if err != nil {
		return err
	}
	for it.Next(ctx) {
		cachedCount++
	}
	_ = it.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Stage", "Count"})
	table.Append([]string{"QUEUED", strconv.Itoa(queued)})
	table.Append([]string{"ACTIVE", strconv.Itoa(active)})
	table.Append([]string{"PROCESSED", strconv.Itoa(processed)})
	table.Append([]string{"CACHED", strconv.Itoa(cachedCount)})
	table.Render()

	last, err := st.LastRun(ctx)
	if err != nil {
		return err
	}
	if last != nil {
		printLastRun(last)
	}

	return nil
}

func printLastRun(sum *store.RunSummary) {
	outcome := "finished"
	if sum.Stopped {
		outcome = "stopped"
	}

	fmt.Printf("\nLast run %s: %s, %d processed, took %s\n",
		sum.RunID,
		outcome,
		sum.Processed,
		time.Duration(sum.FinishedAt-sum.StartedAt).Round(time.Millisecond),
	)
}

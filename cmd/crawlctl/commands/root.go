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

// Package commands implements the crawlctl CLI: a thin operational
// surface over pkg/engine for driving and inspecting crawl stores. Real
// deployments embed the engine as a library with their own plugin; the
// CLI runs the pass-through plugin, which is enough for smoke runs,
// resume testing, and store inspection.
package commands

import (
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "crawlctl",
		Short:        "Drive and inspect crawlcore crawl stores",
		SilenceUsage: true,
	}

	cmd.AddCommand(
		NewRunCmd(),
		NewResumeCmd(),
		NewInspectCmd(),
	)

	return cmd
}

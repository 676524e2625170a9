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

// Package crawlconfig decodes and validates the recognized crawler
// options. Loading the raw map from YAML/JSON/XML is the caller's
// business; the core only consumes the decoded result.
package crawlconfig

import (
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/duskcrawl/crawlcore/pkg/crawlerr"
	"github.com/duskcrawl/crawlcore/pkg/orphan"
)

// DefaultWorkDir is used when no workDir is configured.
const DefaultWorkDir = "./work"

// Options is the enumerated recognized option set. Collaborator objects
// (store factory, committer, listeners, policies) are wired in code via
// engine.Config, not decoded from data.
type Options struct {
	ID               string   `mapstructure:"id"`
	WorkDir          string   `mapstructure:"workDir"`
	NumThreads       int      `mapstructure:"numThreads"`
	MaxDocuments     int      `mapstructure:"maxDocuments"`
	MaxDepth         int      `mapstructure:"maxDepth"`
	OrphansStrategy  string   `mapstructure:"orphansStrategy"`
	StopOnExceptions []string `mapstructure:"stopOnExceptions"`
	Seeds            []string `mapstructure:"seeds"`
	MonitorAddr      string   `mapstructure:"monitorAddr"`
}

// Decode maps a generic option map onto Options and validates it.
func Decode(raw map[string]interface{}) (Options, error) {
	opts := Defaults()

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return opts, crawlerr.NewConfigError("crawlconfig: build decoder", err)
	}
	if err := dec.Decode(raw); err != nil {
		return opts, crawlerr.NewConfigError("crawlconfig: decode options", err)
	}

	return opts, opts.Validate()
}

// Defaults returns the zero configuration every run starts from.
func Defaults() Options {
	return Options{
		WorkDir:      DefaultWorkDir,
		NumThreads:   1,
		MaxDocuments: -1,
	}
}

// Validate enforces the option constraints, surfacing violations as
// ConfigError. Blank fields normalize to their defaults rather than
// being rejected.
func (o *Options) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return crawlerr.NewConfigError("crawlconfig: id is required and must be non-blank", nil)
	}
	if o.WorkDir == "" {
		o.WorkDir = DefaultWorkDir
	}
	if o.NumThreads < 1 {
		o.NumThreads = 1
	}
	if o.MaxDocuments == 0 {
		o.MaxDocuments = -1
	}

	if _, err := orphan.ParseStrategy(o.OrphansStrategy); err != nil {
		return err
	}

	for _, kind := range o.StopOnExceptions {
		if !crawlerr.KnownKind(kind) {
			return crawlerr.NewConfigError("crawlconfig: unknown stopOnExceptions kind "+kind, nil)
		}
	}

	return nil
}

// Strategy returns the parsed orphan strategy. Call after Validate.
func (o *Options) Strategy() orphan.Strategy {
	s, _ := orphan.ParseStrategy(o.OrphansStrategy)
	return s
}

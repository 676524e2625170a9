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

// Package crawlerr defines the closed set of error kinds the core
// distinguishes, and the structural (never string) comparison
// that stopOnExceptions uses against them. Every kind wraps pkg/errors
// so Cause()/Unwrap() chains stay intact.
package crawlerr

import "github.com/pkg/errors"

// Kind is a comparable error-kind tag. Comparison is always by type
// identity (via errors.As), per the design note "Stop-on-exception list:
// compare by structural kind, not by message or stringification."
type Kind interface {
	error
	KindName() string
}

type kindBase struct {
	msg   string
	cause error
}

func (k *kindBase) Error() string {
	if k.cause != nil {
		return k.msg + ": " + k.cause.Error()
	}
	return k.msg
}

func (k *kindBase) Unwrap() error { return k.cause }

// Cause supports pkg/errors' Cause chains alongside stdlib Unwrap.
func (k *kindBase) Cause() error { return k.cause }

// StoreError wraps a CrawlDataStore I/O failure. Always fatal.
type StoreError struct{ kindBase }

func (*StoreError) KindName() string { return "StoreError" }

func NewStoreError(msg string, cause error) *StoreError {
	return &StoreError{kindBase{msg: msg, cause: cause}}
}

// PipelineError wraps an importer or committer pipeline failure caught in
// ReferenceProcessor. Per-reference by default; escalates to fatal only
// when its kind is in the configured stopOnExceptions list.
type PipelineError struct{ kindBase }

func (*PipelineError) KindName() string { return "PipelineError" }

func NewPipelineError(msg string, cause error) *PipelineError {
	return &PipelineError{kindBase{msg: msg, cause: cause}}
}

// SpoiledStateInternalFailure wraps a failure inside finalize's spoil
// handling. Logged and swallowed; processed-count and the
// store write still happen.
type SpoiledStateInternalFailure struct{ kindBase }

func (*SpoiledStateInternalFailure) KindName() string { return "SpoiledStateInternalFailure" }

func NewSpoiledStateInternalFailure(msg string, cause error) *SpoiledStateInternalFailure {
	return &SpoiledStateInternalFailure{kindBase{msg: msg, cause: cause}}
}

// Cancellation wraps an external stop/interrupt. Always fatal to the pool
// that observes it, but the pool is expected to drain rather than abort
// mid-reference.
type Cancellation struct{ kindBase }

func (*Cancellation) KindName() string { return "Cancellation" }

func NewCancellation(msg string, cause error) *Cancellation {
	return &Cancellation{kindBase{msg: msg, cause: cause}}
}

// ConfigError wraps a configuration problem detected at prepareExecution
// time (missing id, bad workDir, unresolvable stopOnExceptions kind).
type ConfigError struct{ kindBase }

func (*ConfigError) KindName() string { return "ConfigError" }

func NewConfigError(msg string, cause error) *ConfigError {
	return &ConfigError{kindBase{msg: msg, cause: cause}}
}

// registry maps the configured stopOnExceptions kind names onto a probe
// function, so callers never string-match on error text.
var registry = map[string]func(error) bool{
	"StoreError":                  func(err error) bool { var t *StoreError; return errors.As(err, &t) },
	"PipelineError":               func(err error) bool { var t *PipelineError; return errors.As(err, &t) },
	"SpoiledStateInternalFailure": func(err error) bool { var t *SpoiledStateInternalFailure; return errors.As(err, &t) },
	"Cancellation":                func(err error) bool { var t *Cancellation; return errors.As(err, &t) },
	"ConfigError":                 func(err error) bool { var t *ConfigError; return errors.As(err, &t) },
}

// KnownKind reports whether name resolves to a registered kind.
func KnownKind(name string) bool {
	_, ok := registry[name]
	return ok
}

// MatchesAny reports whether err's structural kind is one of the named
// kinds. Unknown names never match (resolution of the name list happens
// up front at config time via KnownKind, which turns an unknown name into
// a ConfigError before the crawl ever starts).
func MatchesAny(err error, kinds []string) bool {
	if err == nil {
		return false
	}
	for _, name := range kinds {
		if probe, ok := registry[name]; ok && probe(err) {
			return true
		}
	}
	return false
}

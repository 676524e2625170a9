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

// Package record defines the per-reference crawl record: the stage and
// state vocabulary and the explicit, reflection-free merge that
// implements the cache-fill rule.
package record

import "time"

// Reference is an opaque, non-empty identifier of a unit of work.
// Uniqueness is per crawler id, never globally.
type Reference string

// Stage is the scheduler's own coordinate for a record, orthogonal to
// State. A record is in exactly one stage at a time.
type Stage int

const (
	StageUnknown Stage = iota
	StageQueued
	StageActive
	StageProcessed
	StageCached
)

func (s Stage) String() string {
	switch s {
	case StageQueued:
		return "QUEUED"
	case StageActive:
		return "ACTIVE"
	case StageProcessed:
		return "PROCESSED"
	case StageCached:
		return "CACHED"
	default:
		return "UNKNOWN"
	}
}

// State is the terminal outcome of a reference's processing. The set is
// closed: importer pipelines and the engine itself only ever assign one
// of these values.
type State string

const (
	StateUnset      State = ""
	StateNew        State = "NEW"
	StateModified   State = "MODIFIED"
	StateUnmodified State = "UNMODIFIED"
	StateRejected   State = "REJECTED"
	StateError      State = "ERROR"
	StateBadStatus  State = "BAD_STATUS"
	StateNotFound   State = "NOT_FOUND"
	StateDeleted    State = "DELETED"
)

// IsNewOrModified reports whether the state reflects a document that was
// actually (re)ingested this run, as opposed to one merely revalidated or
// rejected.
func (s State) IsNewOrModified() bool {
	return s == StateNew || s == StateModified
}

// IsGoodState reports whether the state is a successful ingest outcome.
// Everything else counts as a "spoiled" reference.
func (s State) IsGoodState() bool {
	switch s {
	case StateNew, StateModified, StateUnmodified:
		return true
	default:
		return false
	}
}

// CrawlRecord is the per-reference record stored by the CrawlDataStore.
// Application-defined extension fields belong in Extra.
type CrawlRecord struct {
	Reference           Reference
	FullReference       string // populated only when Reference was key-truncated; see TruncateKey.
	ParentRootReference Reference
	IsRootParent        bool
	State               State
	MetaChecksum        string
	ContentChecksum     string
	ContentType         string
	CrawlDate           time.Time
	Stage               Stage
	Depth               int // root references are depth 0

	// Extra carries application/specialization-defined fields. The core
	// never interprets its contents; MergeCachedInto copies it wholesale
	// only when the destination's map is nil, so a specialization that
	// wants finer-grained merging should populate Extra itself before
	// finalize runs.
	Extra map[string]interface{}
}

// Clone returns a deep-enough copy for safe storage outside the caller's
// goroutine (Extra's map is copied one level deep).
func (r *CrawlRecord) Clone() *CrawlRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Extra != nil {
		c.Extra = make(map[string]interface{}, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// MergeCachedInto implements the cache-fill rule: every field of cached
// is copied into current, but ONLY where current's field is currently
// the zero value. It never overwrites data current already holds. This
// is deliberately an explicit, enumerated field list rather than
// reflection: the schema is small and stable, and enumerating it makes
// the never-overwrite rule reviewable by reading one function.
func MergeCachedInto(current, cached *CrawlRecord) {
	if current == nil || cached == nil {
		return
	}

	if current.ParentRootReference == "" {
		current.ParentRootReference = cached.ParentRootReference
	}
	if current.MetaChecksum == "" {
		current.MetaChecksum = cached.MetaChecksum
	}
	if current.ContentChecksum == "" {
		current.ContentChecksum = cached.ContentChecksum
	}
	if current.ContentType == "" {
		current.ContentType = cached.ContentType
	}
	if current.CrawlDate.IsZero() {
		current.CrawlDate = cached.CrawlDate
	}
	if current.Depth == 0 && cached.Depth != 0 {
		current.Depth = cached.Depth
	}
	if !current.IsRootParent {
		current.IsRootParent = cached.IsRootParent
	}
	if current.Extra == nil {
		current.Extra = cached.Extra
	}
}

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

// Package spoil implements the SpoiledPolicy (C2): a pure function from
// (reference, final state) to a disposition, consulted only for
// references whose final state is not "good".
package spoil

import "github.com/duskcrawl/crawlcore/pkg/record"

// Disposition is the outcome SpoiledPolicy assigns to a spoiled
// reference.
type Disposition int

const (
	// Ignore leaves the cached (prior-run) record untouched.
	Ignore Disposition = iota
	// Delete removes the cached record via the committer's delete path.
	Delete
	// GraceOnce gives the reference one additional run before Delete
	// applies, provided the cached record itself was a good state.
	GraceOnce
)

// Policy maps a failed reference to a disposition. Implementations may
// inspect the reference pattern and the final state; they must be
// side-effect free and thread-safe, since ReferenceProcessor calls it
// concurrently from every worker.
type Policy interface {
	Resolve(ref record.Reference, state record.State) (Disposition, bool)
}

// Func adapts a plain function to Policy. The bool return mirrors
// Policy.Resolve: false means "policy has no opinion", which the caller
// treats as the fallback disposition.
type Func func(ref record.Reference, state record.State) (Disposition, bool)

func (f Func) Resolve(ref record.Reference, state record.State) (Disposition, bool) {
	return f(ref, state)
}

// Default is consulted when no Policy is configured, or when a
// configured Policy returns ok=false. It is always Delete.
var Default Policy = Func(func(record.Reference, record.State) (Disposition, bool) {
	return Delete, true
})

// Resolve consults policy first, falling back to Default when policy is
// nil or abstains. This is the single call site the processor uses, so
// the fallback behavior lives in one place.
func Resolve(policy Policy, ref record.Reference, state record.State) Disposition {
	if policy != nil {
		if d, ok := policy.Resolve(ref, state); ok {
			return d
		}
	}
	d, _ := Default.Resolve(ref, state)
	return d
}

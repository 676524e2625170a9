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

package plugin

import (
	"io"

	"github.com/duskcrawl/crawlcore/pkg/record"
)

// StreamFactory is the thread-safe allocator of cached streams. Each
// stream is owned by a single reference's processing and released in
// finalize via Document.Release.
type StreamFactory interface {
	// Open returns a lazily-opened reader for ref. Implementations may
	// defer the actual I/O until the first Read call.
	Open(ref record.Reference) (io.ReadCloser, error)
}

// NewDocument constructs a fresh Document bound to ref, with a lazy
// stream obtained from factory. Plugins that need a
// richer document type wrap this via WrapDocument.
func NewDocument(ref record.Reference, factory StreamFactory) Document {
	return &simpleDocument{ref: ref, factory: factory}
}

type simpleDocument struct {
	ref     record.Reference
	factory StreamFactory
	stream  io.ReadCloser
	opened  bool
}

// Stream opens (if necessary) and returns the document's content
// stream.
func (d *simpleDocument) Stream() (io.ReadCloser, error) {
	if d.opened {
		return d.stream, nil
	}
	if d.factory == nil {
		return nil, nil
	}
	s, err := d.factory.Open(d.ref)
	if err != nil {
		return nil, err
	}
	d.stream = s
	d.opened = true
	return s, nil
}

func (d *simpleDocument) Reference() record.Reference { return d.ref }

func (d *simpleDocument) Release() error {
	if d.stream == nil {
		return nil
	}
	s := d.stream
	d.stream = nil
	return s.Close()
}

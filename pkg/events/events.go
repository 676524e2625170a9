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

// Package events is a thread-safe fan-out event bus: tagged variants
// broadcast to a list of listener capabilities, no global state. Topics
// are the engine's own lifecycle and document events plus whatever
// additional types an external pipeline posts through the same Manager.
package events

import (
	"sync"

	"github.com/armon/circbuf"
	"github.com/google/uuid"

	"github.com/duskcrawl/crawlcore/pkg/record"
)

// Type identifies an event topic.
type Type string

const (
	CrawlerStarted      Type = "CRAWLER_STARTED"
	CrawlerResumed      Type = "CRAWLER_RESUMED"
	CrawlerStopping     Type = "CRAWLER_STOPPING"
	CrawlerStopped      Type = "CRAWLER_STOPPED"
	CrawlerFinished     Type = "CRAWLER_FINISHED"
	DocumentImported    Type = "DOCUMENT_IMPORTED"
	RejectedImport      Type = "REJECTED_IMPORT"
	RejectedError       Type = "REJECTED_ERROR"
	DocumentCommittedRm Type = "DOCUMENT_COMMITTED_REMOVE"
)

// Event is the payload broadcast to every listener subscribed to Type.
// Subject is an arbitrary human-readable label (e.g. the crawler id);
// CrawlData carries the record the event concerns, when applicable.
type Event struct {
	ID        string
	Type      Type
	Subject   string
	CrawlData *record.CrawlRecord
	// RecentLog holds up to a few KB of log lines captured for this
	// reference right before the event fired. Only populated for
	// RejectedError; nil otherwise.
	RecentLog []byte
}

// Listener receives events synchronously, in the posting worker's
// causal order for a given reference. Listener implementations must be
// thread-safe: Manager may invoke them concurrently from different
// workers for different references.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }

// Manager is the thread-safe broadcast hub.
type Manager struct {
	mu        sync.RWMutex
	listeners []Listener
	// byType additionally holds listeners registered for a single topic
	// only, so a listener that only cares about RejectedError doesn't
	// have to filter every event by hand.
	byType map[Type][]Listener
}

// New creates an empty event manager. Listeners may be attached before
// or after the crawl starts; Post always broadcasts to whatever is
// currently registered.
func New() *Manager {
	return &Manager{byType: make(map[Type][]Listener)}
}

// Subscribe registers a listener for every event type.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// SubscribeType registers a listener for a single event type only.
func (m *Manager) SubscribeType(t Type, l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byType[t] = append(m.byType[t], l)
}

// Post broadcasts an event of the given type, with an optional crawl data
// payload and subject. It is safe to call from any worker goroutine.
func (m *Manager) Post(t Type, subject string, data *record.CrawlRecord) {
	m.post(Event{ID: uuid.NewString(), Type: t, Subject: subject, CrawlData: data})
}

// PostWithLog is Post, additionally attaching the tail of a per-reference
// log ring buffer, used for REJECTED_ERROR so listeners can
// render recent context without the core holding unbounded log history.
func (m *Manager) PostWithLog(t Type, subject string, data *record.CrawlRecord, buf *circbuf.Buffer) {
	ev := Event{ID: uuid.NewString(), Type: t, Subject: subject, CrawlData: data}
	if buf != nil {
		ev.RecentLog = buf.Bytes()
	}
	m.post(ev)
}

func (m *Manager) post(ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.listeners {
		l.OnEvent(ev)
	}
	for _, l := range m.byType[ev.Type] {
		l.OnEvent(ev)
	}
}

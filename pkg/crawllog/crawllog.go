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

// Package crawllog bridges the engine's internal logging calls to
// go-logr/logr, the interface every hook signature in pkg/plugin is
// free to thread a logger through, backed by a logrus.Logger the way
// the controllers package wires its reconcilers.
package crawllog

import (
	"github.com/go-logr/logr"
	"github.com/sirupsen/logrus"
)

// New returns a logr.Logger backed by a logrus.Logger configured for
// the given crawler id. Every record carries "crawler"=id so multiple
// engines sharing a process are distinguishable in aggregated logs.
func New(id string) logr.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logrusr{entry: l.WithField("crawler", id)}.asLogr()
}

// logrusr is a minimal logr.LogSink over a *logrus.Entry. It is
// intentionally small: crawlcore only needs Info/Error/V and named
// sub-loggers, not the full structured-value plumbing logr supports.
type logrusr struct {
	entry *logrus.Entry
	name  string
}

func (l logrusr) asLogr() logr.Logger {
	return logr.New(&sink{logrusr: l})
}

type sink struct {
	logrusr
}

func (s *sink) Init(info logr.RuntimeInfo) {}

func (s *sink) Enabled(level int) bool { return true }

func (s *sink) Info(level int, msg string, kv ...interface{}) {
	s.entry.WithFields(toFields(kv)).Info(s.prefixed(msg))
}

func (s *sink) Error(err error, msg string, kv ...interface{}) {
	s.entry.WithFields(toFields(kv)).WithError(err).Error(s.prefixed(msg))
}

func (s *sink) WithValues(kv ...interface{}) logr.LogSink {
	next := s.logrusr
	next.entry = next.entry.WithFields(toFields(kv))
	return &sink{logrusr: next}
}

func (s *sink) WithName(name string) logr.LogSink {
	next := s.logrusr
	if next.name != "" {
		next.name = next.name + "." + name
	} else {
		next.name = name
	}
	return &sink{logrusr: next}
}

func (s *sink) prefixed(msg string) string {
	if s.name == "" {
		return msg
	}
	return s.name + ": " + msg
}

func toFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}

var _ logr.LogSink = (*sink)(nil)

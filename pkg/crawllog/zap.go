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

package crawllog

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// NewZap returns a logr.Logger backed by a production zap core, for
// callers that want structured JSON output instead of the logrus text
// format New produces. Falls back to New on zap build failure.
func NewZap(id string) logr.Logger {
	zl, err := zap.NewProduction()
	if err != nil {
		return New(id)
	}
	return zapr.NewLogger(zl.With(zap.String("crawler", id)))
}

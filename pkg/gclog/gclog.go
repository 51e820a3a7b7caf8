// Copyright 2024 The comet Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gclog wraps logrus with the verbosity threshold spec.md §6's
// `verbose` option controls (0/1/2), so collection-cycle call sites
// don't re-derive the check at every log point.
package gclog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Logger gates Debugf/Tracef calls behind a verbosity level, matching
// spec.md §6's `verbose` option (0 silent, 1 summary, 2 detailed).
type Logger struct {
	level int
}

// New returns a Logger gated at the given verbosity level.
func New(level int) *Logger { return &Logger{level: level} }

// Infof logs unconditionally, at logrus's Info level.
func (l *Logger) Infof(format string, args ...any) { base.Infof(format, args...) }

// Debugf logs only when the logger's level is at least 1: spec.md §6's
// "per-cycle summary" tier.
func (l *Logger) Debugf(format string, args ...any) {
	if l.level >= 1 {
		base.Debugf(format, args...)
	}
}

// Tracef logs only when the logger's level is at least 2: spec.md §6's
// "detailed" tier (bytes-freed/live breakdown).
func (l *Logger) Tracef(format string, args ...any) {
	if l.level >= 2 {
		base.Tracef(format, args...)
	}
}

// Warningf logs unconditionally, at logrus's Warn level.
func (l *Logger) Warningf(format string, args ...any) { base.Warnf(format, args...) }

// Fatalf logs at logrus's Fatal level then terminates the process: the teacher's
// idiom for programmer/environment errors with no recoverable error
// surface (spec.md §7's abort contracts — true OOM, a header-size
// invariant violated at init, a corrupt free list detected mid-sweep).
func (l *Logger) Fatalf(format string, args ...any) { base.Fatalf(format, args...) }

// Level reports the logger's configured verbosity.
func (l *Logger) Level() int { return l.level }

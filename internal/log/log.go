// Copyright 2024 The SLM Authors.
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

// Package log is a small leveled logger, in the shape of gVisor's
// pkg/log: a package-level default emitter plus Debugf/Infof/Warningf
// convenience functions, so call sites don't thread a logger through
// every function signature.
package log

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// Level is a log verbosity level. Higher is more verbose.
type Level int32

const (
	// Warning is for conditions that indicate a problem but do not stop
	// the scheduler from making progress.
	Warning Level = iota
	// Info is for normal operational messages.
	Info
	// Debug is for high-volume, per-event detail (state transitions,
	// dispatch decisions). Disabled by default.
	Debug
)

// Emitter writes a single rendered log line somewhere.
type Emitter interface {
	Emit(level Level, format string, args ...any)
}

// writerEmitter writes lines to an io.Writer, prefixed with level and
// wall-clock time.
type writerEmitter struct {
	w *os.File
}

func (e writerEmitter) Emit(level Level, format string, args ...any) {
	fmt.Fprintf(e.w, "%s %c %s\n", time.Now().Format("15:04:05.000000"), levelChar(level), fmt.Sprintf(format, args...))
}

func levelChar(l Level) byte {
	switch l {
	case Warning:
		return 'W'
	case Info:
		return 'I'
	case Debug:
		return 'D'
	default:
		return '?'
	}
}

var (
	defaultEmitter atomic.Value // Emitter
	level          atomic.Int32
)

func init() {
	defaultEmitter.Store(Emitter(writerEmitter{w: os.Stderr}))
	level.Store(int32(Info))
}

// SetEmitter replaces the package-level default emitter.
func SetEmitter(e Emitter) { defaultEmitter.Store(e) }

// SetLevel sets the minimum level that will be emitted.
func SetLevel(l Level) { level.Store(int32(l)) }

// IsLogging reports whether messages at l would currently be emitted.
// Callers on hot paths should guard expensive-to-format Debugf calls
// with this, matching gVisor's log.IsLogging(log.Debug) idiom.
func IsLogging(l Level) bool { return l <= Level(level.Load()) }

func emit(l Level, format string, args ...any) {
	if !IsLogging(l) {
		return
	}
	defaultEmitter.Load().(Emitter).Emit(l, format, args...)
}

// Warningf logs at Warning level. Always emitted unless the level has
// been raised above Warning, which no caller in this module does.
func Warningf(format string, args ...any) { emit(Warning, format, args...) }

// Infof logs at Info level.
func Infof(format string, args ...any) { emit(Info, format, args...) }

// Debugf logs at Debug level. Disabled by default; enable with
// SetLevel(Debug) for scheduler tracing.
func Debugf(format string, args ...any) { emit(Debug, format, args...) }

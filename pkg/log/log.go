// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables or disables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string

	// SlogHandler returns an slog.Handler emitting messages through this Logger.
	SlogHandler() slog.Handler
}

// logging tracks the global state of all loggers.
type logging struct {
	sync.RWMutex
	level  Level  // lowest severity level emitted
	prefix bool   // whether to prefix messages with their source
	dbgmap srcmap // per-source debug state, "*" for the default
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

var (
	log = &logging{
		level:  DefaultLevel,
		dbgmap: make(srcmap),
	}
	deflog = log.get("default")
)

// Get returns the named Logger.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the lowest severity level of emitted messages.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables debug messages for the given sources. "*" or "all"
// enables debugging for every source without an explicit setting.
func EnableDebug(sources ...string) {
	log.Lock()
	defer log.Unlock()
	for _, src := range sources {
		if src == "all" {
			src = "*"
		}
		log.dbgmap[src] = true
	}
}

func (l *logging) get(source string) logger {
	return logger{source: source}
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()
	if state, ok := l.dbgmap[source]; ok {
		return state
	}
	return l.dbgmap["*"]
}

func (l *logging) enabled(level Level) bool {
	l.RLock()
	defer l.RUnlock()
	return l.level <= level
}

func (l *logging) format(source, format string, args ...interface{}) string {
	l.RLock()
	prefix := l.prefix
	l.RUnlock()

	msg := fmt.Sprintf(format, args...)
	if prefix {
		return "[" + source + "] " + msg
	}
	return msg
}

func (lg logger) Debug(format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, log.format(lg.source, "D: "+format, args...))
}

func (lg logger) Info(format string, args ...interface{}) {
	if !log.enabled(LevelInfo) {
		return
	}
	klog.InfoDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Warn(format string, args ...interface{}) {
	if !log.enabled(LevelWarn) {
		return
	}
	klog.WarningDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Warnf(format string, args ...interface{}) {
	if !log.enabled(LevelWarn) {
		return
	}
	klog.WarningDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Fatal(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(lg.source, format, args...))
	klog.Flush()
	os.Exit(1)
}

func (lg logger) Panic(format string, args ...interface{}) {
	msg := log.format(lg.source, format, args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

func (lg logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		klog.InfoDepth(1, log.format(lg.source, "D: %s%s", prefix, line))
	}
}

func (lg logger) InfoBlock(prefix string, format string, args ...interface{}) {
	if !log.enabled(LevelInfo) {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		klog.InfoDepth(1, log.format(lg.source, "%s%s", prefix, line))
	}
}

func (lg logger) EnableDebug(enable bool) bool {
	log.Lock()
	defer log.Unlock()
	old, ok := log.dbgmap[lg.source]
	if !ok {
		old = log.dbgmap["*"]
	}
	log.dbgmap[lg.source] = enable
	return old
}

func (lg logger) DebugEnabled() bool {
	return log.debugEnabled(lg.source)
}

func (lg logger) Source() string {
	return lg.source
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}

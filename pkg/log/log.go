// Copyright 2022 Intel Corporation. All Rights Reserved.
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

// Package log provides leveled logging with named per-component sources.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Level is the log message severity level below which we suppress messages.
type Level int32

const (
	// LevelDebug corresponds to debug messages.
	LevelDebug Level = iota
	// LevelInfo corresponds to informational messages.
	LevelInfo
	// LevelWarn corresponds to warning messages.
	LevelWarn
	// LevelError corresponds to error messages.
	LevelError
	// LevelNone suppresses all messages.
	LevelNone
)

// severity tags used to prefix emitted messages.
var levelTags = map[Level]string{
	LevelDebug: "D:",
	LevelInfo:  "I:",
	LevelWarn:  "W:",
	LevelError: "E:",
}

// Logger is the interface for producing log messages for a single source.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Fatal(format string, args ...interface{})

	DebugEnabled() bool
	Source() string
}

// logger implements Logger for one named source.
type logger struct {
	source string
}

// log is our runtime state.
type log struct {
	sync.Mutex
	level   Level
	loggers map[string]*logger
	out     *os.File
}

var logging = &log{
	level:   LevelInfo,
	loggers: make(map[string]*logger),
	out:     os.Stderr,
}

// NewLogger creates a logger for the given source, getting an existing
// one if possible.
func NewLogger(source string) Logger {
	source = strings.Trim(source, "[] ")

	logging.Lock()
	defer logging.Unlock()

	if l, ok := logging.loggers[source]; ok {
		return l
	}
	l := &logger{source: source}
	logging.loggers[source] = l
	return l
}

// SetLevel sets the lowest unsuppressed severity level.
func SetLevel(level Level) {
	logging.Lock()
	defer logging.Unlock()
	logging.level = level
}

// GetLevel returns the lowest unsuppressed severity level.
func GetLevel() Level {
	logging.Lock()
	defer logging.Unlock()
	return logging.level
}

// LevelFromVerbosity maps a numeric verbosity (0: quiet ... 4+: debug),
// as consumed from the environment, to a Level.
func LevelFromVerbosity(verbosity int) Level {
	switch {
	case verbosity <= 0:
		return LevelNone
	case verbosity == 1:
		return LevelError
	case verbosity == 2:
		return LevelWarn
	case verbosity == 3:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// ParseLevel parses a level by name.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "none", "off":
		return LevelNone, nil
	}
	return LevelNone, fmt.Errorf("log: invalid level %q", name)
}

func (l *logger) emit(level Level, format string, args ...interface{}) {
	logging.Lock()
	defer logging.Unlock()
	if level < logging.level {
		return
	}
	fmt.Fprintf(logging.out, "%s [%s] %s\n",
		levelTags[level], l.source, fmt.Sprintf(format, args...))
}

// Debug emits a debug message.
func (l *logger) Debug(format string, args ...interface{}) {
	l.emit(LevelDebug, format, args...)
}

// Info emits an informational message.
func (l *logger) Info(format string, args ...interface{}) {
	l.emit(LevelInfo, format, args...)
}

// Warn emits a warning message.
func (l *logger) Warn(format string, args ...interface{}) {
	l.emit(LevelWarn, format, args...)
}

// Error emits an error message.
func (l *logger) Error(format string, args ...interface{}) {
	l.emit(LevelError, format, args...)
}

// Fatal emits an error message and exits.
func (l *logger) Fatal(format string, args ...interface{}) {
	l.emit(LevelError, format, args...)
	os.Exit(1)
}

// DebugEnabled tells whether debug messages pass the level filter.
func (l *logger) DebugEnabled() bool {
	return GetLevel() <= LevelDebug
}

// Source returns the source name of the logger.
func (l *logger) Source() string {
	return l.source
}

// Default logger/source.
var defLogger = NewLogger("default")

// Debug emits a debug message with the default source.
func Debug(format string, args ...interface{}) {
	defLogger.Debug(format, args...)
}

// Info emits an info message with the default source.
func Info(format string, args ...interface{}) {
	defLogger.Info(format, args...)
}

// Warn emits a warning message with the default source.
func Warn(format string, args ...interface{}) {
	defLogger.Warn(format, args...)
}

// Error emits an error message with the default source.
func Error(format string, args ...interface{}) {
	defLogger.Error(format, args...)
}

// Fatal emits an error message with the default source and exits.
func Fatal(format string, args ...interface{}) {
	defLogger.Fatal(format, args...)
}

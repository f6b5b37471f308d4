// Package tracelog is a minimal scoped logger for the core's "verbose"
// option (spec §6), shaped after wazero's internal/logging bitmask-of-scopes
// logger but reduced to the handful of scopes this core's lifecycle and
// drain paths actually report against.
package tracelog

import (
	"fmt"
	"io"
	"os"
)

// Level is a bitmask of independently enabled logging scopes.
type Level uint32

const (
	LevelNone Level = 0
	LevelInit Level = 1 << iota
	LevelDrain
	LevelAnnot
	LevelAll = ^Level(0)
)

func (l Level) enabled(scope Level) bool { return l&scope != 0 }

// Logger writes scoped diagnostic lines. The zero value discards everything.
type Logger struct {
	Level  Level
	Output io.Writer
}

// New constructs a Logger writing to os.Stderr at the given level.
func New(level Level) *Logger {
	return &Logger{Level: level, Output: os.Stderr}
}

func (l *Logger) log(scope Level, tag, format string, args ...interface{}) {
	if l == nil || !l.Level.enabled(scope) || l.Output == nil {
		return
	}
	fmt.Fprintf(l.Output, "[drtrace:%s] %s\n", tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Init(format string, args ...interface{})  { l.log(LevelInit, "init", format, args...) }
func (l *Logger) Drain(format string, args ...interface{}) { l.log(LevelDrain, "drain", format, args...) }
func (l *Logger) Annot(format string, args ...interface{}) { l.log(LevelAnnot, "annot", format, args...) }

package logger

import (
	"log"
	"strings"
	"sync/atomic"
)

// Level controls which package-level log calls are written
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var minLevel atomic.Int32

func init() {
	minLevel.Store(int32(LevelInfo))
}

// SetLevel sets the minimum level for package-level logging
func SetLevel(l Level) {
	minLevel.Store(int32(l))
}

// ParseLevel maps a config string to a Level, defaulting to info
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func Debug(format string, args ...interface{}) {
	logAt(LevelDebug, "DEBUG", format, args...)
}

func Info(format string, args ...interface{}) {
	logAt(LevelInfo, "INFO", format, args...)
}

func Warn(format string, args ...interface{}) {
	logAt(LevelWarn, "WARN", format, args...)
}

func Error(format string, args ...interface{}) {
	logAt(LevelError, "ERROR", format, args...)
}

func logAt(l Level, tag, format string, args ...interface{}) {
	if int32(l) < minLevel.Load() {
		return
	}
	log.Printf(tag+" "+format, args...)
}

// Package logger is a thin leveled facade over its own logrus logger, used
// by the demo binary. The transport packages log through the logrus
// standard logger directly, so SetLevel here does not affect them.
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Log levels
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

var std = logrus.New()

func init() {
	std.SetOutput(os.Stdout)
	std.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	std.SetLevel(logrus.InfoLevel)
}

// Standard returns the underlying logrus logger for packages that want
// structured fields.
func Standard() *logrus.Logger {
	return std
}

// SetLevel sets the minimum log level.
func SetLevel(level int) {
	switch level {
	case LevelDebug:
		std.SetLevel(logrus.DebugLevel)
	case LevelInfo:
		std.SetLevel(logrus.InfoLevel)
	case LevelWarn:
		std.SetLevel(logrus.WarnLevel)
	case LevelError:
		std.SetLevel(logrus.ErrorLevel)
	}
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	std.Debugf(format, args...)
}

// Info logs an informational message
func Info(format string, args ...interface{}) {
	std.Infof(format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	std.Warnf(format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	std.Errorf(format, args...)
}

// Fatal logs a fatal error and exits
func Fatal(format string, args ...interface{}) {
	std.Fatalf(format, args...)
}

// Section prints a section header
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Printf("\n╔%s╗\n", border)
	fmt.Printf("║ %-57s ║\n", title)
	fmt.Printf("╚%s╝\n\n", border)
}

// Banner prints the application banner
func Banner(title, version string) {
	fmt.Printf("\n  %s (version %s)\n\n", title, version)
}

package util

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"
)

// Log is the structured logger shared by every package. Until SetupLogging runs it
// discards everything below warnings.
var Log = pterm.DefaultLogger.WithLevel(pterm.LogLevelWarn).WithWriter(os.Stderr)

var logFile *os.File

// SetupLogging rotates logs/emuman.log to logs/emuman_old.log and sends the logger
// to the fresh file, and to stderr as well when verbose is set.
func SetupLogging(root string, level string, verbose bool) error {
	dir := filepath.Join(root, "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	current := filepath.Join(dir, "emuman.log")
	old := filepath.Join(dir, "emuman_old.log")
	if _, err := os.Stat(current); err == nil {
		os.Remove(old)
		if err := os.Rename(current, old); err != nil {
			pterm.Warning.Println("Failed to rotate log files: " + err.Error())
		}
	}

	f, err := os.OpenFile(current, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	CloseLogging()
	logFile = f

	var w io.Writer = f
	if verbose {
		w = io.MultiWriter(os.Stderr, f)
	}
	Log = pterm.DefaultLogger.
		WithLevel(ParseLogLevel(level)).
		WithWriter(w).
		WithFormatter(pterm.LogFormatterJSON).
		WithTime(true)
	return nil
}

func CloseLogging() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func ParseLogLevel(level string) pterm.LogLevel {
	switch strings.ToLower(level) {
	case "trace":
		return pterm.LogLevelTrace
	case "debug":
		return pterm.LogLevelDebug
	case "warn", "warning":
		return pterm.LogLevelWarn
	case "error":
		return pterm.LogLevelError
	default:
		return pterm.LogLevelInfo
	}
}

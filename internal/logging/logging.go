// Package logging sets up fieldmap's slog sinks and the adapters that let
// zerolog-based components share them.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LogFilePath names one run's log file: <dir>/<app>.<start>.log, with the
// start time in local time so files sort by run.
func LogFilePath(logsDir, appName string, runStart time.Time) string {
	return filepath.Join(logsDir, fmt.Sprintf("%s.%s.log", appName, runStart.Format("20060102_150405")))
}

// OpenLogFile creates logsDir if needed and opens this run's log file for
// appending.
func OpenLogFile(logsDir, appName string, runStart time.Time) (*os.File, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	path := LogFilePath(logsDir, appName, runStart)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, nil
}

package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFilePath(t *testing.T) {
	start := time.Date(2026, 2, 12, 21, 38, 36, 0, time.UTC)

	tests := []struct {
		name    string
		logsDir string
		appName string
		want    string
	}{
		{"relative dir", "logs", "fieldmap", filepath.Join("logs", "fieldmap.20260212_213836.log")},
		{"dot prefix", "./logs", "fieldmap-view", filepath.Join("logs", "fieldmap-view.20260212_213836.log")},
		{"absolute dir", filepath.Join("/var", "log", "fieldmap"), "fieldmap",
			filepath.Join("/var", "log", "fieldmap", "fieldmap.20260212_213836.log")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LogFilePath(tt.logsDir, tt.appName, start))
		})
	}
}

func TestOpenLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	start := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	f, err := OpenLogFile(dir, "fieldmap", start)
	require.NoError(t, err)
	_, err = f.WriteString("first run\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// reopening the same run appends
	f, err = OpenLogFile(dir, "fieldmap", start)
	require.NoError(t, err)
	_, err = f.WriteString("second open\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(LogFilePath(dir, "fieldmap", start))
	require.NoError(t, err)
	assert.Equal(t, "first run\nsecond open\n", string(data))
}

// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package diagnostics provides optional forwarded-frame logging for the
// bridge: a per-session log file, named by date and session number, that
// records one line per frame the pipeline publishes, for offline
// inspection of forwarding/failover behavior.
package diagnostics

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"mavbridge/internal/config"
	"mavbridge/internal/linkhandle"
	"mavbridge/internal/mavlink"
)

// FrameLogger appends one line per pipeline-published frame to the session
// file chosen when it was constructed; it does not switch files while
// running. A nil-file FrameLogger (construction failed) is a
// silent no-op: the bridge keeps running without a log file rather than
// failing startup over a log dir.
type FrameLogger struct {
	file *os.File
}

// NewFrameLogger creates logDir if needed and opens the next available
// session file for today, named "<date>-sess<N>-frames.txt".
func NewFrameLogger(logDir string) *FrameLogger {
	fl := &FrameLogger{}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		slog.Error("failed to create frame log directory", "dir", logDir, "error", err)
		return fl
	}

	now := time.Now()
	filename := fl.findNextFileName(logDir, now)
	if filename == "" {
		slog.Error("failed to read frame log directory, continuing without a log file", "dir", logDir)
		return fl
	}

	logPath := filepath.Join(logDir, filename)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Error("failed to create frame log file", "path", logPath, "error", err)
		return fl
	}

	fl.file = file
	slog.Info("created frame log file", "path", logPath)
	return fl
}

func (fl *FrameLogger) findNextFileName(logDir string, now time.Time) string {
	today := now.Format("2006-01-02")

	entries, err := os.ReadDir(logDir)
	if err != nil {
		return ""
	}
	pattern := regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})-sess(\d+)-frames\.txt$`)
	maxSession := -1

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := pattern.FindStringSubmatch(entry.Name())
		if len(matches) == 3 && matches[1] == today {
			if n, err := strconv.Atoi(matches[2]); err == nil && n > maxSession {
				maxSession = n
			}
		}
	}

	return fmt.Sprintf("%s-sess%d-frames.txt", today, maxSession+1)
}

// LogFrame matches pipeline.Subscriber's signature so it can be passed
// directly to Pipeline.Subscribe.
func (fl *FrameLogger) LogFrame(link *linkhandle.Handle, frame *mavlink.Frame) {
	if fl.file == nil {
		return
	}

	line := fmt.Sprintf("%s chan=%d role=%s msgid=%d len=%d\n",
		time.Now().Format(time.RFC3339Nano), frame.Channel, config.RoleOf(link.Config), frame.MsgID, len(frame.Raw))

	if _, err := fl.file.WriteString(line); err != nil {
		slog.Error("failed to write frame log line", "error", err)
		return
	}
	fl.file.Sync()
}

// Close releases the underlying file handle, if one was opened.
func (fl *FrameLogger) Close() {
	if fl.file == nil {
		return
	}
	fl.file.Close()
	fl.file = nil
}

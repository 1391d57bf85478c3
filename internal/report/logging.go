// Package report owns everything the run leaves behind: the timestamped log
// file, CSV reports, the run summary and the console preview.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FormatTimestamp returns the filesystem-friendly form of ts used in report
// and log file names.
func FormatTimestamp(ts time.Time) string {
	return ts.Format("20060102_150405")
}

// SetupLogging builds the run logger writing to both a console writer and a
// timestamped rebalance_<ts>.log under the report dir. Returns the logger
// and the log file path.
func SetupLogging(reportDir, level string, ts time.Time, console io.Writer) (zerolog.Logger, string, error) {
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return zerolog.Nop(), "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(reportDir, "rebalance_"+FormatTimestamp(ts)+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Nop(), "", fmt.Errorf("open log file: %w", err)
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	cw := zerolog.ConsoleWriter{Out: console, TimeFormat: time.TimeOnly}
	logger := zerolog.New(zerolog.MultiLevelWriter(cw, file)).
		Level(lvl).
		With().Timestamp().Logger()
	return logger, path, nil
}

// Console serializes user-facing output lines across concurrent account
// tasks so they never interleave mid-line.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Printf writes one formatted line under the lock. A trailing newline is
// added when missing.
func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := fmt.Sprintf(format, args...)
	if len(s) == 0 || s[len(s)-1] != '\n' {
		s += "\n"
	}
	io.WriteString(c.w, s)
}

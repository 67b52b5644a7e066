package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cyberinferno/scada-connector/clock"
)

const dateLayout = "2006-01-02"

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("logger: writer is closed")

// RotatingFileWriter is an io.Writer appending to {service}_{date}.log in a
// directory. The date is taken from the clock on every write, so the first
// write of a new day opens the next file. Safe for concurrent use.
type RotatingFileWriter struct {
	service string
	dir     string
	clk     clock.Clock

	mu     sync.Mutex
	file   *os.File
	date   string
	closed bool
}

// NewRotatingFileWriter creates dir if needed and opens the file for the
// current date.
//
// Parameters:
//   - service: Service name used in log file names
//   - dir: Directory for log files
//   - clk: Source of the current date
//
// Returns:
//   - The writer, or an error if the directory or file cannot be created
func NewRotatingFileWriter(service, dir string, clk clock.Clock) (*RotatingFileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingFileWriter{service: service, dir: dir, clk: clk}
	if err := w.openLocked(clk.Now().Format(dateLayout)); err != nil {
		return nil, err
	}
	return w, nil
}

// openLocked closes the current file and opens the one for date; caller holds mu.
func (w *RotatingFileWriter) openLocked(date string) error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	name := w.path(date)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", name, err)
	}

	w.file = f
	w.date = date
	return nil
}

func (w *RotatingFileWriter) path(date string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.service, date))
}

// Write implements io.Writer.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWriterClosed
	}

	if date := w.clk.Now().Format(dateLayout); date != w.date || w.file == nil {
		if err := w.openLocked(date); err != nil {
			return 0, fmt.Errorf("rotation failed: %w", err)
		}
	}

	return w.file.Write(p)
}

// CurrentLogFile returns the path being written to, or "" once closed.
func (w *RotatingFileWriter) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ""
	}
	return w.path(w.date)
}

// Close closes the current file. Later writes return ErrWriterClosed.
// It is safe to call multiple times.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

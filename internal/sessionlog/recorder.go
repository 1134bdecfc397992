// Package sessionlog keeps the append-only per-channel logs of a session and
// writes them to disk when the session is stopped.
package sessionlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TimestampLayout formats the session start time in dump file names.
const TimestampLayout = "2006-01-02-150405"

// Dump file kinds.
const (
	SensorKind = "Rzr"
	MotorKind  = "Mtr"
)

// Prefix returns the path prefix shared by all dump files of a session
// stopped at the given time.
func Prefix(dir string, at time.Time) string {
	return filepath.Join(dir, at.Format(TimestampLayout))
}

// FileName returns the dump file of one channel, e.g. "log/2024-05-01-101500-Rzr1.txt".
func FileName(prefix, kind string, id int) string {
	return fmt.Sprintf("%s-%s%d.txt", prefix, kind, id)
}

// Recorder is an append-only table of fixed-width float rows. It is written
// by a single worker; the mutex only guards Len readers.
type Recorder struct {
	mu   sync.Mutex
	cols int
	rows [][]float64
}

// NewRecorder returns a recorder for rows of cols values.
func NewRecorder(cols int) *Recorder {
	return &Recorder{cols: cols}
}

// Cols returns the row width.
func (r *Recorder) Cols() int { return r.cols }

// Append adds one row. Missing values are recorded as zero and extra values
// are dropped.
func (r *Recorder) Append(values ...float64) {
	row := make([]float64, r.cols)
	copy(row, values)

	r.mu.Lock()
	r.rows = append(r.rows, row)
	r.mu.Unlock()
}

// Len returns the number of recorded rows.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// Rows returns a copy of the recorded rows.
func (r *Recorder) Rows() [][]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]float64, len(r.rows))
	copy(out, r.rows)
	return out
}

// Reset discards all rows.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.rows = nil
	r.mu.Unlock()
}

// WriteTo writes every row as %16.8f columns, one row per line.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var total int64
	for _, row := range r.Rows() {
		for _, v := range row {
			n, err := fmt.Fprintf(bw, "%16.8f", v)
			total += int64(n)
			if err != nil {
				return total, err
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return total, err
		}
		total++
	}
	return total, bw.Flush()
}

// Dump writes the log to path and clears it. The log is cleared even when
// the file cannot be written, so the next session starts empty.
func (r *Recorder) Dump(path string) (int, error) {
	n := r.Len()
	defer r.Reset()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create dump file: %w", err)
	}
	if _, err := r.WriteTo(f); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to write dump file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close dump file %s: %w", path, err)
	}
	return n, nil
}

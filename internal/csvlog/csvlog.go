// Package csvlog writes thermocouple readings to CSV files, one row per
// reading, in the order the device produced them.
package csvlog

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// TimestampLayout is the wall-clock format for the first CSV column.
const TimestampLayout = "2006-01-02 15:04:05"

// Writer appends readings to a single CSV file. It is safe for one
// producer at a time; calls are serialized internally so the stop path can
// finalize concurrently with a late append.
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	buf      *bufio.Writer
	channels int
	rows     int
	closed   bool
}

// Create opens path for writing, truncating any existing file, and writes
// the header row Timestamp,Temp1..TempN.
func Create(path string, channels int) (*Writer, error) {
	if channels < 1 {
		return nil, fmt.Errorf("csvlog: need at least 1 channel, have %d", channels)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &Writer{file: file, buf: bufio.NewWriter(file), channels: channels}
	cols := make([]string, 1+channels)
	cols[0] = "Timestamp"
	for i := 1; i <= channels; i++ {
		cols[i] = fmt.Sprintf("Temp%d", i)
	}
	if _, err := fmt.Fprintln(w.buf, strings.Join(cols, ",")); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// Append writes one reading row and flushes it, so a crash loses at most
// the row being written. Values beyond the configured channel count are
// dropped; missing trailing values are left blank.
func (w *Writer) Append(at time.Time, values []float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("csvlog: Append after Finalize")
	}
	fields := make([]string, 1+w.channels)
	fields[0] = at.Format(TimestampLayout)
	for i := 0; i < w.channels; i++ {
		if i < len(values) {
			fields[1+i] = fmt.Sprintf("%.3f", values[i])
		}
	}
	if _, err := fmt.Fprintln(w.buf, strings.Join(fields, ",")); err != nil {
		return err
	}
	w.rows++
	return w.buf.Flush()
}

// Rows reports how many data rows have been written.
func (w *Writer) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Finalize flushes and closes the file. Further calls return nil.
func (w *Writer) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Package export writes a snapshot of the in-memory series to disk in one
// of several analysis-friendly formats.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// Snapshot is a point-in-time copy of the series: one shared timestamp
// axis and one value slice per channel. Channel slices may be shorter than
// the timestamp axis when a channel appeared mid-run.
type Snapshot struct {
	Timestamps []time.Time
	Values     [][]float64
}

// Format selects the on-disk representation.
type Format string

const (
	CSV  Format = "csv"
	JSON Format = "json"
	NPY  Format = "npy"
)

// ParseFormat maps a user-supplied name to a Format.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case CSV:
		return CSV, nil
	case JSON:
		return JSON, nil
	case NPY:
		return NPY, nil
	}
	return "", fmt.Errorf("unknown export format %q (want csv, json, or npy)", name)
}

// Write stores the snapshot at path in the given format.
func Write(path string, format Format, snap Snapshot) error {
	switch format {
	case CSV:
		return writeCSV(path, snap)
	case JSON:
		return writeJSON(path, snap)
	case NPY:
		return writeNPY(path, snap)
	}
	return fmt.Errorf("unknown export format %q", format)
}

const timestampLayout = "2006-01-02 15:04:05.000"

func writeCSV(path string, snap Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cols := []string{"Timestamp", "Time_Seconds"}
	for i := range snap.Values {
		cols = append(cols, fmt.Sprintf("Temp%d", i+1))
	}
	if _, err := fmt.Fprintln(f, strings.Join(cols, ",")); err != nil {
		return err
	}

	var epoch time.Time
	if len(snap.Timestamps) > 0 {
		epoch = snap.Timestamps[0]
	}
	for row, at := range snap.Timestamps {
		fields := make([]string, len(cols))
		fields[0] = at.Format(timestampLayout)
		fields[1] = fmt.Sprintf("%.3f", at.Sub(epoch).Seconds())
		for ch, vals := range snap.Values {
			if row < len(vals) {
				fields[2+ch] = fmt.Sprintf("%.3f", vals[row])
			}
		}
		if _, err := fmt.Fprintln(f, strings.Join(fields, ",")); err != nil {
			return err
		}
	}
	return nil
}

type jsonDocument struct {
	Metadata jsonMetadata      `json:"metadata"`
	Data     []jsonChannelData `json:"data"`
}

type jsonMetadata struct {
	ExportTime  string `json:"export_time"`
	TotalPoints int    `json:"total_points"`
	Channels    int    `json:"channels"`
}

type jsonChannelData struct {
	Channel      int       `json:"channel"`
	Timestamps   []string  `json:"timestamps"`
	Temperatures []float64 `json:"temperatures"`
}

func writeJSON(path string, snap Snapshot) error {
	doc := jsonDocument{
		Metadata: jsonMetadata{
			ExportTime:  time.Now().Format(timestampLayout),
			TotalPoints: len(snap.Timestamps),
			Channels:    len(snap.Values),
		},
	}
	for ch, vals := range snap.Values {
		cd := jsonChannelData{
			Channel:      ch + 1,
			Timestamps:   make([]string, len(vals)),
			Temperatures: vals,
		}
		for i := range vals {
			cd.Timestamps[i] = snap.Timestamps[i].Format(timestampLayout)
		}
		doc.Data = append(doc.Data, cd)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// writeNPY stores a dense rows x (1+channels) matrix: column 0 is seconds
// since the first sample, the rest are temperatures. Channels without data
// at a row are stored as 0.
func writeNPY(path string, snap Snapshot) error {
	rows := len(snap.Timestamps)
	cols := 1 + len(snap.Values)
	m := mat.NewDense(max(rows, 1), cols, nil)
	var epoch time.Time
	if rows > 0 {
		epoch = snap.Timestamps[0]
	}
	for row, at := range snap.Timestamps {
		m.Set(row, 0, at.Sub(epoch).Seconds())
		for ch, vals := range snap.Values {
			if row < len(vals) {
				m.Set(row, 1+ch, vals[row])
			}
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return npyio.Write(f, m)
}

package csvlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.csv")
	w, err := Create(path, 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	at := time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC)
	if err := w.Append(at, []float64{23.5, 24.1, 0.0}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(at.Add(time.Second), []float64{23.6, 24.2, 22.0}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if w.Rows() != 2 {
		t.Errorf("Rows()=%d, want 2", w.Rows())
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 3 {
		t.Fatalf("file has %d lines, want header + 2 rows", len(lines))
	}
	if lines[0] != "Timestamp,Temp1,Temp2,Temp3" {
		t.Errorf("header=%q", lines[0])
	}
	if lines[1] != "2026-08-28 14:30:00,23.500,24.100,0.000" {
		t.Errorf("row 1=%q", lines[1])
	}
}

func TestWriterShortAndLongRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.csv")
	w, err := Create(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	// Short row leaves a trailing blank; long row drops the extras.
	if err := w.Append(now, []float64{20.0}); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(now, []float64{20.0, 21.0, 22.0, 23.0}); err != nil {
		t.Fatal(err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatal(err)
	}

	raw, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if !strings.HasSuffix(lines[1], ",20.000,") {
		t.Errorf("short row=%q, want trailing blank field", lines[1])
	}
	if strings.Count(lines[2], ",") != 2 {
		t.Errorf("long row=%q, want exactly the configured 2 value fields", lines[2])
	}
}

func TestAppendAfterFinalize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.csv")
	w, err := Create(path, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(time.Now(), []float64{20.0}); err == nil {
		t.Error("Append after Finalize should fail")
	}
	if err := w.Finalize(); err != nil {
		t.Errorf("repeated Finalize: %v", err)
	}
}

func TestCreateRejectsZeroChannels(t *testing.T) {
	if _, err := Create(filepath.Join(t.TempDir(), "x.csv"), 0); err == nil {
		t.Error("Create with 0 channels should fail")
	}
}

package thermolog

import (
	"math"
	"testing"
	"time"
)

func readingN(at time.Time, channels int, base float64) ChannelReading {
	values := make([]float64, channels)
	for i := range values {
		values[i] = base + float64(i)
	}
	return ChannelReading{CapturedAt: at, Values: values}
}

func TestSeriesCapNeverExceeded(t *testing.T) {
	const maxPoints = 100
	bs := NewBoundedSeries(maxPoints)
	start := time.Now()
	for i := 0; i < 3*maxPoints; i++ {
		bs.Append(readingN(start.Add(time.Duration(i)*time.Second), 3, float64(i)))
		if n := bs.Len(); n > maxPoints {
			t.Fatalf("series holds %d points after %d appends, cap is %d", n, i+1, maxPoints)
		}
	}
}

func TestSeriesRetainsAllUnderCap(t *testing.T) {
	const maxPoints = 200
	bs := NewBoundedSeries(maxPoints)
	start := time.Now()
	for i := 0; i < maxPoints; i++ {
		bs.Append(readingN(start.Add(time.Duration(i)*time.Second), 3, float64(i)))
	}
	snap := bs.Snapshot()
	if len(snap.Timestamps) != maxPoints {
		t.Fatalf("retained %d of %d readings", len(snap.Timestamps), maxPoints)
	}
	for i := range snap.Timestamps {
		if snap.Values[0][i] != float64(i) {
			t.Fatalf("device order lost at index %d: value %v", i, snap.Values[0][i])
		}
	}
}

func TestSeriesEvictionBatchAndOrder(t *testing.T) {
	const maxPoints = 100
	bs := NewBoundedSeries(maxPoints)
	start := time.Now().Truncate(time.Second)
	for i := 0; i <= maxPoints; i++ { // one past the cap triggers eviction
		bs.Append(readingN(start.Add(time.Duration(i)*time.Second), 2, float64(i)))
	}

	batch := evictionCount(maxPoints)
	wantLen := maxPoints + 1 - batch
	snap := bs.Snapshot()
	if len(snap.Timestamps) != wantLen {
		t.Fatalf("after eviction Len=%d, want %d", len(snap.Timestamps), wantLen)
	}

	// The survivors are the newest readings, still in arrival order.
	if !snap.Timestamps[0].Equal(start.Add(time.Duration(batch) * time.Second)) {
		t.Errorf("oldest survivor is %v, want reading %d", snap.Timestamps[0], batch)
	}
	for i := 1; i < len(snap.Timestamps); i++ {
		if !snap.Timestamps[i].After(snap.Timestamps[i-1]) {
			t.Fatalf("timestamps out of order at %d", i)
		}
	}
	if snap.Values[0][0] != float64(batch) {
		t.Errorf("oldest surviving value is %v, want %v", snap.Values[0][0], float64(batch))
	}
}

func TestSeriesAlignmentAcrossEviction(t *testing.T) {
	const maxPoints = 50
	bs := NewBoundedSeries(maxPoints)
	start := time.Now()
	for i := 0; i < 2*maxPoints; i++ {
		bs.Append(readingN(start.Add(time.Duration(i)*time.Millisecond), 4, float64(i)))
		snap := bs.Snapshot()
		for c := 0; c < 4; c++ {
			if len(snap.Values[c]) != len(snap.Timestamps) {
				t.Fatalf("channel %d has %d values for %d timestamps after append %d",
					c, len(snap.Values[c]), len(snap.Timestamps), i)
			}
		}
	}
}

func TestSeriesChannelCountReduction(t *testing.T) {
	bs := NewBoundedSeries(100)
	now := time.Now()
	bs.Append(readingN(now, 4, 20))
	bs.Append(readingN(now.Add(time.Second), 2, 30))

	snap := bs.Snapshot()
	// Channels 3 and 4 carried data before the reduction, so they are
	// padded with 0.0 to stay aligned.
	for c := 0; c < 4; c++ {
		if len(snap.Values[c]) != 2 {
			t.Fatalf("channel %d has %d values, want 2", c, len(snap.Values[c]))
		}
	}
	if snap.Values[2][1] != 0.0 || snap.Values[3][1] != 0.0 {
		t.Errorf("reduced channels should pad 0.0, got %v and %v", snap.Values[2][1], snap.Values[3][1])
	}
	// A channel that never carried data stays empty.
	if len(snap.Values[4]) != 0 {
		t.Errorf("channel 5 should be empty, has %d values", len(snap.Values[4]))
	}
	if snap.Channels() != 4 {
		t.Errorf("Channels()=%d, want 4", snap.Channels())
	}
}

func TestSeriesClear(t *testing.T) {
	bs := NewBoundedSeries(10)
	bs.Append(readingN(time.Now(), 3, 21))
	bs.Clear()
	if bs.Len() != 0 {
		t.Errorf("Len=%d after Clear, want 0", bs.Len())
	}
	snap := bs.Snapshot()
	if snap.Channels() != 0 {
		t.Errorf("Channels()=%d after Clear, want 0", snap.Channels())
	}
}

func TestSeriesStats(t *testing.T) {
	bs := NewBoundedSeries(100)
	now := time.Now()
	for i, v := range []float64{20, 22, 24} {
		bs.Append(ChannelReading{CapturedAt: now.Add(time.Duration(i) * time.Second), Values: []float64{v}})
	}
	stats := bs.Stats()
	if len(stats) != 1 {
		t.Fatalf("got stats for %d channels, want 1", len(stats))
	}
	s := stats[0]
	if s.Channel != 1 || s.N != 3 {
		t.Errorf("Channel=%d N=%d, want 1 and 3", s.Channel, s.N)
	}
	if s.Min != 20 || s.Max != 24 {
		t.Errorf("Min=%v Max=%v, want 20 and 24", s.Min, s.Max)
	}
	if math.Abs(s.Mean-22) > 1e-12 {
		t.Errorf("Mean=%v, want 22", s.Mean)
	}
	if math.Abs(s.StdDev-2) > 1e-12 {
		t.Errorf("StdDev=%v, want 2", s.StdDev)
	}
}

func TestSnapshotIsDecoupled(t *testing.T) {
	bs := NewBoundedSeries(100)
	bs.Append(readingN(time.Now(), 2, 20))
	snap := bs.Snapshot()
	bs.Append(readingN(time.Now(), 2, 30))
	if len(snap.Timestamps) != 1 {
		t.Errorf("snapshot grew after a later append: %d timestamps", len(snap.Timestamps))
	}
}

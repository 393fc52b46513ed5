package thermolog

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// BoundedSeries is the capped in-memory history of readings, held as
// parallel sequences: one timestamp slice plus one value slice per channel
// index, aligned by position. A channel that has never received a value
// stays empty; every channel that has received data keeps exactly
// len(timestamps) values. When the series grows past maxPoints, the oldest
// tenth is evicted from every parallel sequence in one step, so alignment
// is never observable mid-eviction.
//
// A BoundedSeries is safe for concurrent use; the acquisition consumer
// appends while renderers and exporters snapshot.
type BoundedSeries struct {
	mu         sync.Mutex
	maxPoints  int
	timestamps []time.Time
	values     [MaxChannels][]float64
}

// DefaultMaxPoints limits the in-memory history. At a 1-second sample rate
// this holds about 14 hours of readings.
const DefaultMaxPoints = 50000

// NewBoundedSeries creates an empty series capped at maxPoints entries.
// A maxPoints < 1 falls back to DefaultMaxPoints.
func NewBoundedSeries(maxPoints int) *BoundedSeries {
	if maxPoints < 1 {
		maxPoints = DefaultMaxPoints
	}
	return &BoundedSeries{maxPoints: maxPoints}
}

// Append adds one reading to the series, padding channels beyond the
// reading's channel count only if they already carry data (so alignment
// holds when the device channel count is reduced mid-run), then applies
// the eviction rule.
func (bs *BoundedSeries) Append(r ChannelReading) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bs.timestamps = append(bs.timestamps, r.CapturedAt)
	for c := 0; c < MaxChannels; c++ {
		switch {
		case c < len(r.Values):
			bs.values[c] = append(bs.values[c], r.Values[c])
		case len(bs.values[c]) > 0:
			bs.values[c] = append(bs.values[c], 0.0)
		}
	}

	if len(bs.timestamps) > bs.maxPoints {
		bs.evict(evictionCount(bs.maxPoints))
	}
}

// evictionCount is ceil(maxPoints/10): the batch size removed whenever the
// series exceeds its cap. Batch removal keeps eviction amortized O(1) per
// append instead of shifting the whole backing array on every reading.
func evictionCount(maxPoints int) int {
	return (maxPoints + 9) / 10
}

// evict removes the oldest n entries from the timestamp sequence and from
// every channel sequence that has data. Caller holds bs.mu.
func (bs *BoundedSeries) evict(n int) {
	if n > len(bs.timestamps) {
		n = len(bs.timestamps)
	}
	bs.timestamps = trimOldest(bs.timestamps, n)
	for c := range bs.values {
		if len(bs.values[c]) > 0 {
			bs.values[c] = trimOldest(bs.values[c], n)
		}
	}
}

// trimOldest drops the first n elements, reusing the backing array.
func trimOldest[T any](s []T, n int) []T {
	if n >= len(s) {
		return s[:0]
	}
	kept := copy(s, s[n:])
	return s[:kept]
}

// Len returns the number of retained readings.
func (bs *BoundedSeries) Len() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.timestamps)
}

// Clear empties the series.
func (bs *BoundedSeries) Clear() {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.timestamps = bs.timestamps[:0]
	for c := range bs.values {
		bs.values[c] = bs.values[c][:0]
	}
}

// SeriesSnapshot is a point-in-time copy of the series for renderers and
// exporters, decoupled from further appends. Values always has MaxChannels
// entries; channels without data are nil.
type SeriesSnapshot struct {
	Timestamps []time.Time
	Values     [][]float64
}

// Channels returns how many channels carry data.
func (s SeriesSnapshot) Channels() int {
	n := 0
	for c, vals := range s.Values {
		if len(vals) > 0 {
			n = c + 1
		}
	}
	return n
}

// Snapshot copies the current contents of the series.
func (bs *BoundedSeries) Snapshot() SeriesSnapshot {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	snap := SeriesSnapshot{
		Timestamps: append([]time.Time(nil), bs.timestamps...),
		Values:     make([][]float64, MaxChannels),
	}
	for c := range bs.values {
		if len(bs.values[c]) > 0 {
			snap.Values[c] = append([]float64(nil), bs.values[c]...)
		}
	}
	return snap
}

// ChannelStats summarizes one channel of the retained series.
type ChannelStats struct {
	Channel int     `json:"channel"` // 1-based, matching device labeling
	N       int     `json:"n"`
	Mean    float64 `json:"mean"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	StdDev  float64 `json:"std_dev"`
}

// Stats computes per-channel summary statistics over the retained series,
// returning one entry per channel that has data.
func (bs *BoundedSeries) Stats() []ChannelStats {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	var out []ChannelStats
	for c := range bs.values {
		vals := bs.values[c]
		if len(vals) == 0 {
			continue
		}
		cs := ChannelStats{
			Channel: c + 1,
			N:       len(vals),
			Mean:    stat.Mean(vals, nil),
			Min:     floats.Min(vals),
			Max:     floats.Max(vals),
		}
		if len(vals) > 1 {
			cs.StdDev = stat.StdDev(vals, nil)
		}
		out = append(out, cs)
	}
	return out
}

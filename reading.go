package thermolog

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// ChannelReading is one timestamped multi-channel temperature sample, as
// parsed from a streaming data line or an ACQUIRE reply. Values holds
// between 1 and MaxChannels temperatures in channel order.
type ChannelReading struct {
	CapturedAt time.Time `json:"captured_at"`
	Values     []float64 `json:"values"`
}

// ParseReadingLine converts one comma-separated streaming line into a
// ChannelReading. Lines with a field count outside [1,MaxChannels] are not
// readings (command echo, banner text, noise) and are skipped, not errors.
// Each field is parsed independently; unparsable or non-finite values are
// coerced to 0.0 so the reading survives a single bad channel. That is a
// documented lossy policy, not silent data loss.
func ParseReadingLine(line string, at time.Time) (ChannelReading, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return ChannelReading{}, false
	}
	fields := strings.Split(line, ",")
	if len(fields) > MaxChannels {
		return ChannelReading{}, false
	}
	values := make([]float64, len(fields))
	for i, field := range fields {
		values[i] = coerceTemperature(field)
	}
	return ChannelReading{CapturedAt: at, Values: values}, true
}

// ParseAcquireResponse extracts a reading from an ACQUIRE reply of the form
// "TEMP: v1,v2,..." or "DATA: v1,v2,...".
func ParseAcquireResponse(response string, at time.Time) (ChannelReading, bool) {
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		payload, found := strings.CutPrefix(line, "TEMP:")
		if !found {
			payload, found = strings.CutPrefix(line, "DATA:")
		}
		if !found {
			continue
		}
		return ParseReadingLine(payload, at)
	}
	return ChannelReading{}, false
}

func coerceTemperature(field string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0.0
	}
	return v
}

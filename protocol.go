package thermolog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// The device speaks a line-oriented text protocol. Commands are a verb plus
// an optional integer argument; replies accumulate until a line ends in
// "OK", ends in "ERROR", or carries an "ERROR:" detail.

// Device-defined argument ranges. Values outside these are rejected locally,
// before anything is transmitted.
const (
	MinRate     = 1
	MaxRate     = 255 // seconds between samples
	MinChannels = 1
	MaxChannels = 12
	MinSamples  = 1
	MaxSamples  = 20 // per-reading averaging count
)

// Sentinel errors for the protocol outcomes callers branch on.
var (
	// ErrTimeout means no terminal response arrived within the command
	// timeout. It is distinguishable from an explicit device ERROR reply.
	ErrTimeout = errors.New("no response from device within timeout")

	// ErrTransport marks a transport-level I/O failure, which escalates to
	// a connection failure.
	ErrTransport = errors.New("transport failure")

	// ErrNotConnected is returned when an operation needs a usable
	// connection and there is none.
	ErrNotConnected = errors.New("device is not connected")
)

// Command is a protocol verb plus optional integer argument, validated
// before transmission.
type Command struct {
	Verb   string
	Arg    int
	HasArg bool
}

func (c Command) String() string {
	if c.HasArg {
		return fmt.Sprintf("%s %d", c.Verb, c.Arg)
	}
	return c.Verb
}

// CmdRate builds a RATE command, validating n against the device range.
func CmdRate(n int) (Command, error) {
	if n < MinRate || n > MaxRate {
		return Command{}, fmt.Errorf("sample rate %d out of range [%d,%d] seconds", n, MinRate, MaxRate)
	}
	return Command{Verb: "RATE", Arg: n, HasArg: true}, nil
}

// CmdChannels builds a CHANNELS command, validating n against the device range.
func CmdChannels(n int) (Command, error) {
	if n < MinChannels || n > MaxChannels {
		return Command{}, fmt.Errorf("channel count %d out of range [%d,%d]", n, MinChannels, MaxChannels)
	}
	return Command{Verb: "CHANNELS", Arg: n, HasArg: true}, nil
}

// CmdSamples builds a SAMPLES command, validating n against the device range.
func CmdSamples(n int) (Command, error) {
	if n < MinSamples || n > MaxSamples {
		return Command{}, fmt.Errorf("samples-to-average %d out of range [%d,%d]", n, MinSamples, MaxSamples)
	}
	return Command{Verb: "SAMPLES", Arg: n, HasArg: true}, nil
}

// No-argument commands.
var (
	CmdAcquire = Command{Verb: "ACQUIRE"}
	CmdStart   = Command{Verb: "START"}
	CmdStop    = Command{Verb: "STOP"}
	CmdStatus  = Command{Verb: "STATUS"}
	CmdReset   = Command{Verb: "RESET"}
)

// commandPollInterval is the sleep between read attempts while waiting for
// a terminal response line.
const commandPollInterval = 10 * time.Millisecond

// sendCommand writes the command plus a line terminator, then repeatedly
// polls for reply lines until one is terminal or the timeout elapses. It
// returns the accumulated text up to and including the terminating line.
// An explicit device ERROR reply is returned as text with a nil error;
// use ResponseIsError to classify. With no terminal line in time the
// accumulated partial text is returned along with ErrTimeout.
//
// The transport given here may take and release a lock per call (see
// ConnectionManager.lockedHandle); sendCommand never requires the handle
// to be held across the whole timeout window.
func sendCommand(h DeviceTransport, cmd Command, timeout time.Duration) (string, error) {
	if _, err := h.Write([]byte(cmd.String() + "\n")); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", ErrTransport, cmd.Verb, err)
	}

	var reply strings.Builder
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, ok, err := h.ReadLine()
		if err != nil {
			return "", fmt.Errorf("%w: read reply to %s: %v", ErrTransport, cmd.Verb, err)
		}
		if !ok {
			time.Sleep(commandPollInterval)
			continue
		}
		if line == "" {
			continue
		}
		reply.WriteString(line)
		reply.WriteByte('\n')
		if responseLineIsTerminal(line) {
			return strings.TrimSpace(reply.String()), nil
		}
	}
	return strings.TrimSpace(reply.String()), ErrTimeout
}

// responseLineIsTerminal reports whether a reply line completes a response:
// the firmware ends every reply with "... OK", "... ERROR", or an
// "ERROR: detail" line. ACQUIRE replies terminate with their TEMP:/DATA:
// payload line instead.
func responseLineIsTerminal(line string) bool {
	if strings.HasSuffix(line, "OK") || strings.HasSuffix(line, "ERROR") {
		return true
	}
	if strings.Contains(line, "ERROR:") {
		return true
	}
	return strings.HasPrefix(line, "TEMP:") || strings.HasPrefix(line, "DATA:") ||
		strings.HasPrefix(line, "STATUS:")
}

// ResponseIsError reports whether a completed response is an explicit
// device error reply.
func ResponseIsError(response string) bool {
	return strings.Contains(response, "ERROR")
}

// DeviceStatus is the parsed reply to a STATUS probe.
type DeviceStatus struct {
	Rate     int // seconds between samples
	Channels int
	Samples  int
	Active   bool // device-side streaming flag
}

// parseDeviceStatus parses a reply of the form
// "STATUS: Rate=1,Channels=3,Samples=10,Active=false". The STATUS line may
// be preceded by banner lines; only the STATUS line is considered. Fields
// that fail to parse are left at zero values rather than failing the probe.
func parseDeviceStatus(response string) (DeviceStatus, bool) {
	var status DeviceStatus
	var fields string
	for _, line := range strings.Split(response, "\n") {
		if rest, found := strings.CutPrefix(strings.TrimSpace(line), "STATUS:"); found {
			fields = rest
			break
		}
	}
	if fields == "" {
		return status, false
	}
	for _, kv := range strings.Split(fields, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(kv), "=")
		if !found {
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "RATE":
			status.Rate, _ = strconv.Atoi(strings.TrimSpace(value))
		case "CHANNELS":
			status.Channels, _ = strconv.Atoi(strings.TrimSpace(value))
		case "SAMPLES":
			status.Samples, _ = strconv.Atoi(strings.TrimSpace(value))
		case "ACTIVE":
			status.Active = strings.EqualFold(strings.TrimSpace(value), "true")
		}
	}
	return status, true
}

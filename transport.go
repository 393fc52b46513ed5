package thermolog

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Endpoint identifies the device connection: a serial device path (or a
// "tcp://host:port" address for a simulated device) and a fixed baud rate.
// It is immutable once a connection attempt starts.
type Endpoint struct {
	Device string
	Baud   int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%d", e.Device, e.Baud)
}

// DeviceTransport is an opened duplex byte stream to the logger hardware.
// ReadLine is a short, bounded poll: it returns the next complete
// newline-terminated line if one arrives within the poll window, or
// ok=false when no line is pending. Errors are transport-level I/O
// failures only; bad bytes inside a line are tolerated.
//
// A DeviceTransport is not safe for concurrent use. The ConnectionManager
// serializes all access to it under the connection lock.
type DeviceTransport interface {
	ReadLine() (line string, ok bool, err error)
	Write(p []byte) (int, error)
	IsOpen() bool
	Close() error
}

// pollWindow bounds how long a single ReadLine call may block. It must stay
// short: ReadLine runs with the connection lock held, and other operations
// (configuration commands, disconnect) contend for that lock.
const pollWindow = 20 * time.Millisecond

// OpenEndpoint opens a transport to the given endpoint. Device strings of
// the form "tcp://host:port" dial a network connection (used with
// cmd/mockdevice); anything else is treated as a serial device path.
func OpenEndpoint(endpoint Endpoint) (DeviceTransport, error) {
	if addr, isTCP := strings.CutPrefix(endpoint.Device, "tcp://"); isTCP {
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return &netTransport{conn: conn, open: true}, nil
	}

	mode := &serial.Mode{BaudRate: endpoint.Baud}
	port, err := serial.Open(endpoint.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", endpoint.Device, err)
	}
	if err := port.SetReadTimeout(pollWindow); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", endpoint.Device, err)
	}
	return &serialTransport{port: port, open: true}, nil
}

// serialTransport wraps a physical serial port.
type serialTransport struct {
	port    serial.Port
	pending []byte // bytes received but not yet terminated by a newline
	open    bool
}

func (t *serialTransport) ReadLine() (string, bool, error) {
	if line, ok := takeLine(&t.pending); ok {
		return line, true, nil
	}
	buf := make([]byte, 256)
	n, err := t.port.Read(buf) // returns n==0 on read-timeout expiry
	if err != nil {
		return "", false, err
	}
	t.pending = append(t.pending, buf[:n]...)
	if line, ok := takeLine(&t.pending); ok {
		return line, true, nil
	}
	return "", false, nil
}

func (t *serialTransport) Write(p []byte) (int, error) {
	n, err := t.port.Write(p)
	if err != nil {
		return n, err
	}
	return n, t.port.Drain()
}

func (t *serialTransport) IsOpen() bool {
	return t.open
}

func (t *serialTransport) Close() error {
	if !t.open {
		return nil
	}
	t.open = false
	return t.port.Close()
}

// netTransport carries the same line protocol over TCP, for use with the
// simulated device.
type netTransport struct {
	conn    net.Conn
	pending []byte
	open    bool
}

func (t *netTransport) ReadLine() (string, bool, error) {
	if line, ok := takeLine(&t.pending); ok {
		return line, true, nil
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
		return "", false, err
	}
	buf := make([]byte, 256)
	n, err := t.conn.Read(buf)
	t.pending = append(t.pending, buf[:n]...)
	if err != nil {
		if ne, isNetErr := err.(net.Error); isNetErr && ne.Timeout() {
			err = nil
		}
	}
	if err != nil {
		return "", false, err
	}
	if line, ok := takeLine(&t.pending); ok {
		return line, true, nil
	}
	return "", false, nil
}

func (t *netTransport) Write(p []byte) (int, error) {
	return t.conn.Write(p)
}

func (t *netTransport) IsOpen() bool {
	return t.open
}

func (t *netTransport) Close() error {
	if !t.open {
		return nil
	}
	t.open = false
	return t.conn.Close()
}

// takeLine removes and returns the first newline-terminated line from
// *pending. Decoding is best-effort: invalid UTF-8 sequences are dropped
// rather than reported as errors, and CR characters are trimmed.
func takeLine(pending *[]byte) (string, bool) {
	i := bytes.IndexByte(*pending, '\n')
	if i < 0 {
		return "", false
	}
	raw := (*pending)[:i]
	*pending = (*pending)[i+1:]
	line := strings.ToValidUTF8(string(raw), "")
	return strings.TrimRight(line, "\r"), true
}

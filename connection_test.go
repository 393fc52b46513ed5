package thermolog

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeDevice emulates the logger firmware behind the DeviceTransport
// interface: commands written to it are answered like the real device, and
// tests can inject streamed lines or read errors.
type fakeDevice struct {
	mu       sync.Mutex
	queue    []string // lines waiting to be read
	writes   []string
	respond  bool // false simulates a silent (wrong or dead) device
	readErr  error
	failNext int // fail this many reads, then recover
	open     bool

	status DeviceStatus
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		respond: true,
		open:    true,
		status:  DeviceStatus{Rate: 2, Channels: 3, Samples: 10},
	}
}

func (d *fakeDevice) inject(lines ...string) {
	d.mu.Lock()
	d.queue = append(d.queue, lines...)
	d.mu.Unlock()
}

func (d *fakeDevice) failReads(err error) {
	d.mu.Lock()
	d.readErr = err
	d.mu.Unlock()
}

func (d *fakeDevice) ReadLine() (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext > 0 {
		d.failNext--
		return "", false, errors.New("transient read noise")
	}
	if d.readErr != nil {
		return "", false, d.readErr
	}
	if len(d.queue) == 0 {
		return "", false, nil
	}
	line := d.queue[0]
	d.queue = d.queue[1:]
	return line, true, nil
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	command := strings.TrimSpace(string(p))
	d.writes = append(d.writes, command)
	if !d.respond {
		return len(p), nil
	}
	switch {
	case command == "STATUS":
		d.queue = append(d.queue, fmt.Sprintf("STATUS: Rate=%d,Channels=%d,Samples=%d,Active=%t",
			d.status.Rate, d.status.Channels, d.status.Samples, d.status.Active))
	case command == "START":
		d.status.Active = true
		d.queue = append(d.queue, "START OK")
	case command == "STOP":
		d.status.Active = false
		d.queue = append(d.queue, "STOP OK")
	case command == "ACQUIRE":
		d.queue = append(d.queue, "TEMP: 23.50,24.10,22.80")
	case command == "RESET":
		d.status = DeviceStatus{Rate: 1, Channels: 3, Samples: 10}
		d.queue = append(d.queue, "RESET OK")
	case strings.HasPrefix(command, "RATE "):
		d.queue = append(d.queue, "RATE OK")
	case strings.HasPrefix(command, "CHANNELS "):
		d.queue = append(d.queue, "CHANNELS OK")
	case strings.HasPrefix(command, "SAMPLES "):
		d.queue = append(d.queue, "SAMPLES OK")
	default:
		d.queue = append(d.queue, "ERROR: Unknown command")
	}
	return len(p), nil
}

func (d *fakeDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

// memorySink is a ReadingSink that keeps rows in memory.
type memorySink struct {
	mu        sync.Mutex
	rows      [][]float64
	finalized bool
	appendErr error
}

func (m *memorySink) Append(at time.Time, values []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.rows = append(m.rows, append([]float64(nil), values...))
	return nil
}

func (m *memorySink) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized = true
	return nil
}

func (m *memorySink) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memorySink) isFinalized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized
}

// newTestManager wires a ConnectionManager to a fakeDevice with timings
// short enough for tests.
func newTestManager(dev *fakeDevice, openErr error) *ConnectionManager {
	cfg := Config{
		Endpoint:       Endpoint{Device: "/dev/faketty", Baud: 9600},
		CommandTimeout: 250 * time.Millisecond,
		ResetGrace:     time.Millisecond,
		MaxPoints:      1000,
		ErrorThreshold: 3,
	}
	cm := NewConnectionManager(cfg, nil)
	cm.openEndpoint = func(Endpoint) (DeviceTransport, error) {
		if openErr != nil {
			return nil, openErr
		}
		return dev, nil
	}
	return cm
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectOrFail(t *testing.T, cm *ConnectionManager) {
	t.Helper()
	if err := cm.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "state Connected", func() bool { return cm.State() == Connected })
}

func TestConnectAdoptsDeviceStatus(t *testing.T) {
	dev := newFakeDevice()
	dev.status = DeviceStatus{Rate: 5, Channels: 8, Samples: 15}
	cm := newTestManager(dev, nil)

	if cm.IsConnected() {
		t.Fatal("new manager should not report connected")
	}
	connectOrFail(t, cm)
	if !cm.IsConnected() {
		t.Error("IsConnected should hold after a successful probe")
	}
	if cm.Rate() != 5 || cm.Channels() != 8 || cm.Samples() != 15 {
		t.Errorf("adopted %d/%d/%d, want 5/8/15", cm.Rate(), cm.Channels(), cm.Samples())
	}
}

func TestConnectOpenFailure(t *testing.T) {
	cm := newTestManager(nil, errors.New("no such device"))
	if err := cm.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "state Error", func() bool { return cm.State() == Error })
	if cm.IsConnected() {
		t.Error("failed open must not report connected")
	}

	// Error is not terminal: a later connect attempt is allowed.
	if err := cm.Connect(); err != nil {
		t.Errorf("Connect from Error state refused: %v", err)
	}
}

func TestConnectProbeTimeout(t *testing.T) {
	dev := newFakeDevice()
	dev.respond = false // silent device: probe gets no reply
	cm := newTestManager(dev, nil)
	if err := cm.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "state Error", func() bool { return cm.State() == Error })
	if dev.IsOpen() {
		t.Error("handle should be closed after a failed probe")
	}
}

func TestConnectRefusedWhileConnected(t *testing.T) {
	dev := newFakeDevice()
	cm := newTestManager(dev, nil)
	connectOrFail(t, cm)
	if err := cm.Connect(); err == nil {
		t.Error("Connect while Connected should be refused")
	}
}

func TestSetRateLocalValidation(t *testing.T) {
	dev := newFakeDevice()
	cm := newTestManager(dev, nil)
	connectOrFail(t, cm)
	before := len(dev.writes)
	if err := cm.SetRate(999); err == nil {
		t.Error("out-of-range rate should be rejected locally")
	}
	if len(dev.writes) != before {
		t.Error("out-of-range rate must not reach the device")
	}
	if cm.Rate() == 999 {
		t.Error("rejected rate must not be adopted")
	}
}

func TestSetRateAcknowledged(t *testing.T) {
	dev := newFakeDevice()
	cm := newTestManager(dev, nil)
	connectOrFail(t, cm)
	if err := cm.SetRate(30); err != nil {
		t.Fatalf("SetRate: %v", err)
	}
	if cm.Rate() != 30 {
		t.Errorf("Rate()=%d after ack, want 30", cm.Rate())
	}
	found := false
	dev.mu.Lock()
	for _, w := range dev.writes {
		if w == "RATE 30" {
			found = true
		}
	}
	dev.mu.Unlock()
	if !found {
		t.Errorf("RATE 30 never written; writes=%v", dev.writes)
	}
}

func TestConfigureNotConnected(t *testing.T) {
	cm := newTestManager(newFakeDevice(), nil)
	if err := cm.SetChannels(4); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetChannels while disconnected: err=%v, want ErrNotConnected", err)
	}
}

func TestCommandTimeoutLeavesStateAlone(t *testing.T) {
	dev := newFakeDevice()
	cm := newTestManager(dev, nil)
	connectOrFail(t, cm)
	dev.mu.Lock()
	dev.respond = false // device goes silent after the probe
	dev.mu.Unlock()
	if err := cm.SetRate(7); !errors.Is(err, ErrTimeout) {
		t.Fatalf("SetRate on a silent device: err=%v, want ErrTimeout", err)
	}
	if cm.State() != Connected {
		t.Errorf("state=%v after a command timeout, want Connected unchanged", cm.State())
	}
	if cm.Rate() == 7 {
		t.Error("timed-out rate must not be adopted")
	}
}

func TestTransportFailureForcesError(t *testing.T) {
	dev := newFakeDevice()
	cm := newTestManager(dev, nil)
	connectOrFail(t, cm)
	dev.failReads(errors.New("device unplugged"))
	if err := cm.SetSamples(5); err == nil {
		t.Fatal("SetSamples over a dead transport should fail")
	}
	if cm.State() != Error {
		t.Errorf("state=%v after transport failure, want Error", cm.State())
	}
	if cm.Samples() == 5 {
		t.Error("unacknowledged samples value must not be adopted")
	}
}

func TestAcquireAppendsToSeries(t *testing.T) {
	dev := newFakeDevice()
	cm := newTestManager(dev, nil)
	connectOrFail(t, cm)
	reading, err := cm.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(reading.Values) != 3 || reading.Values[0] != 23.5 {
		t.Errorf("acquired %v, want [23.5 24.1 22.8]", reading.Values)
	}
	if cm.Series().Len() != 1 {
		t.Errorf("series holds %d points after Acquire, want 1", cm.Series().Len())
	}
}

func TestResetDeviceRestoresDefaults(t *testing.T) {
	dev := newFakeDevice()
	dev.status = DeviceStatus{Rate: 9, Channels: 7, Samples: 4}
	cm := newTestManager(dev, nil)
	connectOrFail(t, cm)
	if err := cm.ResetDevice(); err != nil {
		t.Fatalf("ResetDevice: %v", err)
	}
	if cm.Rate() != 1 || cm.Channels() != 3 || cm.Samples() != 10 {
		t.Errorf("after reset %d/%d/%d, want 1/3/10", cm.Rate(), cm.Channels(), cm.Samples())
	}
}

func TestQueryStatus(t *testing.T) {
	dev := newFakeDevice()
	dev.status = DeviceStatus{Rate: 4, Channels: 6, Samples: 12, Active: false}
	cm := newTestManager(dev, nil)
	connectOrFail(t, cm)
	status, err := cm.QueryStatus()
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if status != (DeviceStatus{Rate: 4, Channels: 6, Samples: 12}) {
		t.Errorf("status=%+v", status)
	}
}

func TestDisconnectFromConnected(t *testing.T) {
	dev := newFakeDevice()
	cm := newTestManager(dev, nil)
	connectOrFail(t, cm)
	if err := cm.Disconnect(false); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if cm.State() != Disconnected {
		t.Errorf("state=%v, want Disconnected", cm.State())
	}
	if dev.IsOpen() {
		t.Error("handle should be closed by Disconnect")
	}
	// Idempotent.
	if err := cm.Disconnect(false); err != nil {
		t.Errorf("repeated Disconnect: %v", err)
	}
}

func TestSetEndpointRefusedWhileConnected(t *testing.T) {
	dev := newFakeDevice()
	cm := newTestManager(dev, nil)
	connectOrFail(t, cm)
	if err := cm.SetEndpoint(Endpoint{Device: "/dev/other"}); err == nil {
		t.Error("SetEndpoint while Connected should be refused")
	}
	if err := cm.Disconnect(false); err != nil {
		t.Fatal(err)
	}
	if err := cm.SetEndpoint(Endpoint{Device: "/dev/other"}); err != nil {
		t.Errorf("SetEndpoint while Disconnected: %v", err)
	}
	if cm.Endpoint().Baud != 9600 {
		t.Errorf("default baud=%d, want 9600", cm.Endpoint().Baud)
	}
}

package thermolog

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of the device connection. Exactly
// one value is authoritative at any time; it is mutated only through
// setState while holding the connection lock, and every transition is
// published so observers (control clients, loggers) react uniformly.
type ConnectionState int

// Names for the possible values of ConnectionState
const (
	Disconnected ConnectionState = iota // no handle open
	Connecting                          // open + probe in progress
	Connected                           // probe succeeded, not streaming
	Streaming                           // device emits unsolicited readings
	Error                               // open/probe/stream failure; not terminal
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Streaming:
		return "Streaming"
	case Error:
		return "Error"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// ErrLoggingActive is returned when an operation is refused because a
// logging session is running (e.g. Disconnect without the force flag,
// which stands in for a declined user confirmation).
var ErrLoggingActive = errors.New("logging session is active")

// Config collects the tunable parameters of a ConnectionManager.
type Config struct {
	Endpoint       Endpoint
	CommandTimeout time.Duration // reply wait per command; default 3s
	ResetGrace     time.Duration // pause after open for the device to reset; default 2s
	MaxPoints      int           // bounded-series cap; default DefaultMaxPoints
	ErrorThreshold int           // consecutive stream errors that end a session; default 10
}

// ConnectionManager owns the transport handle and the connection state.
// One exclusive lock serializes every access to both, so no caller ever
// observes the handle being closed while another is using it. Device
// configuration (rate, channels, samples) lives here too, updated only
// after the device acknowledges the corresponding command.
type ConnectionManager struct {
	mu     sync.Mutex // guards handle, state, and device configuration
	handle DeviceTransport
	state  ConnectionState

	endpoint Endpoint
	rate     int
	channels int
	samples  int

	pipe *acquisition // non-nil exactly while Streaming

	series *BoundedSeries

	cmdTimeout     time.Duration
	resetGrace     time.Duration
	errorThreshold int

	// openEndpoint is swapped for a fake in tests.
	openEndpoint func(Endpoint) (DeviceTransport, error)

	updates chan<- ClientUpdate // may be nil when no updater runs
}

// NewConnectionManager creates a manager for one endpoint. The updates
// channel may be nil; state changes and readings are then not published.
func NewConnectionManager(cfg Config, updates chan<- ClientUpdate) *ConnectionManager {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Second
	}
	if cfg.ResetGrace <= 0 {
		cfg.ResetGrace = 2 * time.Second
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 10
	}
	return &ConnectionManager{
		state:          Disconnected,
		endpoint:       cfg.Endpoint,
		rate:           1,
		channels:       3,
		samples:        10,
		series:         NewBoundedSeries(cfg.MaxPoints),
		cmdTimeout:     cfg.CommandTimeout,
		resetGrace:     cfg.ResetGrace,
		errorThreshold: cfg.ErrorThreshold,
		openEndpoint:   OpenEndpoint,
		updates:        updates,
	}
}

// Series exposes the bounded in-memory history for renderers and exporters.
func (cm *ConnectionManager) Series() *BoundedSeries {
	return cm.series
}

// State returns the connection state in a race-free fashion.
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected is the usable-connection predicate: the state says connected
// and the handle agrees.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.usableLocked()
}

func (cm *ConnectionManager) usableLocked() bool {
	return (cm.state == Connected || cm.state == Streaming) &&
		cm.handle != nil && cm.handle.IsOpen()
}

// setState is the single state-change path. Every transition goes through
// here so observers see a consistent sequence.
func (cm *ConnectionManager) setState(s ConnectionState) {
	cm.mu.Lock()
	old := cm.state
	cm.state = s
	cm.mu.Unlock()
	if old != s {
		UpdateLogger.Printf("connection state %v -> %v", old, s)
		cm.publish("STATE", StateUpdate{State: s.String(), Endpoint: cm.Endpoint().String()})
	}
}

// StateUpdate is the published form of a state transition.
type StateUpdate struct {
	State    string `json:"state"`
	Endpoint string `json:"endpoint"`
}

func (cm *ConnectionManager) publish(tag string, state interface{}) {
	if cm.updates == nil {
		return
	}
	select {
	case cm.updates <- ClientUpdate{Tag: tag, State: state}:
	default:
		// A stalled updater must not stall acquisition.
	}
}

// SetEndpoint changes the target device. Refused while a handle is open.
func (cm *ConnectionManager) SetEndpoint(e Endpoint) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.state != Disconnected && cm.state != Error {
		return fmt.Errorf("cannot change endpoint while %v", cm.state)
	}
	if e.Device == "" {
		return errors.New("endpoint device must not be empty")
	}
	if e.Baud <= 0 {
		e.Baud = 9600
	}
	cm.endpoint = e
	return nil
}

// Endpoint returns the configured endpoint.
func (cm *ConnectionManager) Endpoint() Endpoint {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.endpoint
}

// Rate returns the last device-acknowledged sample interval in seconds.
func (cm *ConnectionManager) Rate() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.rate
}

// Channels returns the last device-acknowledged channel count.
func (cm *ConnectionManager) Channels() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.channels
}

// Samples returns the last device-acknowledged averaging count.
func (cm *ConnectionManager) Samples() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.samples
}

// Connect starts a connection attempt without blocking the caller: the
// open + reset-grace + probe sequence runs on its own goroutine. Allowed
// from Disconnected and from Error (Error is not terminal).
func (cm *ConnectionManager) Connect() error {
	cm.mu.Lock()
	if cm.state != Disconnected && cm.state != Error {
		defer cm.mu.Unlock()
		return fmt.Errorf("cannot connect while %v", cm.state)
	}
	cm.state = Connecting
	cm.mu.Unlock()
	cm.publish("STATE", StateUpdate{State: Connecting.String(), Endpoint: cm.Endpoint().String()})

	go cm.connectAttempt()
	return nil
}

// connectAttempt performs the blocking part of a connect: open the
// transport, give the device its reset grace period, then probe with a
// STATUS command. A non-empty probe reply moves the state to Connected;
// anything else closes the handle and moves to Error.
func (cm *ConnectionManager) connectAttempt() {
	h, err := cm.openEndpoint(cm.Endpoint())
	if err != nil {
		ProblemLogger.Printf("open %s: %v", cm.Endpoint(), err)
		cm.setState(Error)
		return
	}

	// Opening the port resets the device (DTR toggle); give the firmware
	// time to boot before it can answer the probe.
	time.Sleep(cm.resetGrace)

	cm.mu.Lock()
	cm.handle = h
	cm.mu.Unlock()

	response, err := cm.command(CmdStatus)
	if err != nil || response == "" {
		ProblemLogger.Printf("probe of %s failed: response=%q err=%v", cm.Endpoint(), response, err)
		cm.dropHandle()
		cm.setState(Error)
		return
	}
	if status, ok := parseDeviceStatus(response); ok {
		cm.adoptDeviceStatus(status)
	}
	cm.setState(Connected)
	UpdateLogger.Printf("connected to %s", cm.Endpoint())
}

// adoptDeviceStatus copies probed device configuration into the manager.
func (cm *ConnectionManager) adoptDeviceStatus(status DeviceStatus) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if status.Rate >= MinRate && status.Rate <= MaxRate {
		cm.rate = status.Rate
	}
	if status.Channels >= MinChannels && status.Channels <= MaxChannels {
		cm.channels = status.Channels
	}
	if status.Samples >= MinSamples && status.Samples <= MaxSamples {
		cm.samples = status.Samples
	}
}

// dropHandle closes and discards the transport handle, holding the lock
// only for the minimal critical section.
func (cm *ConnectionManager) dropHandle() {
	cm.mu.Lock()
	h := cm.handle
	cm.handle = nil
	cm.mu.Unlock()
	if h != nil {
		h.Close()
	}
}

// Disconnect closes the connection. While streaming it requires force
// (the caller's confirmation): without it the request is aborted with
// ErrLoggingActive and no state change. With force, logging is stopped
// first, then the handle is closed.
func (cm *ConnectionManager) Disconnect(force bool) error {
	cm.mu.Lock()
	state := cm.state
	cm.mu.Unlock()

	switch state {
	case Disconnected:
		return nil
	case Connecting:
		return errors.New("connect attempt in progress")
	case Streaming:
		if !force {
			return ErrLoggingActive
		}
		if err := cm.StopLogging(); err != nil {
			return err
		}
	}

	cm.dropHandle()
	cm.setState(Disconnected)
	UpdateLogger.Printf("disconnected from %s", cm.Endpoint())
	return nil
}

// lockedHandle adapts the manager's handle to DeviceTransport with the
// connection lock taken and released around every call. The command
// engine's poll loop therefore never holds the lock across its timeout
// window; other operations interleave between attempts.
type lockedHandle struct {
	cm *ConnectionManager
}

func (lh lockedHandle) ReadLine() (string, bool, error) {
	lh.cm.mu.Lock()
	defer lh.cm.mu.Unlock()
	if lh.cm.handle == nil {
		return "", false, ErrNotConnected
	}
	return lh.cm.handle.ReadLine()
}

func (lh lockedHandle) Write(p []byte) (int, error) {
	lh.cm.mu.Lock()
	defer lh.cm.mu.Unlock()
	if lh.cm.handle == nil {
		return 0, ErrNotConnected
	}
	return lh.cm.handle.Write(p)
}

func (lh lockedHandle) IsOpen() bool {
	lh.cm.mu.Lock()
	defer lh.cm.mu.Unlock()
	return lh.cm.handle != nil && lh.cm.handle.IsOpen()
}

func (lh lockedHandle) Close() error {
	lh.cm.dropHandle()
	return nil
}

// command runs one command/response exchange against the current handle.
func (cm *ConnectionManager) command(cmd Command) (string, error) {
	return sendCommand(lockedHandle{cm}, cmd, cm.cmdTimeout)
}

// configure sends a validated configuration command and classifies the
// outcome. Transport failures escalate to a connection failure (Error
// state); timeouts and device ERROR replies are reported to the caller
// and leave the connection state alone.
func (cm *ConnectionManager) configure(cmd Command) (string, error) {
	if !cm.IsConnected() {
		return "", ErrNotConnected
	}
	response, err := cm.command(cmd)
	if err != nil {
		if errors.Is(err, ErrTransport) || errors.Is(err, ErrNotConnected) {
			cm.connectionFailure(err)
		}
		return response, err
	}
	if ResponseIsError(response) {
		return response, fmt.Errorf("device rejected %s: %s", cmd.Verb, response)
	}
	return response, nil
}

// connectionFailure records a transport-level failure on a nominally
// active connection: the handle is discarded and the state forced to Error.
func (cm *ConnectionManager) connectionFailure(err error) {
	ProblemLogger.Printf("connection failure on %s: %v", cm.Endpoint(), err)
	cm.dropHandle()
	cm.setState(Error)
}

// SetRate asks the device for a new sample interval (seconds). The local
// value changes only after the device acknowledges.
func (cm *ConnectionManager) SetRate(n int) error {
	cmd, err := CmdRate(n)
	if err != nil {
		return err
	}
	if _, err := cm.configure(cmd); err != nil {
		return err
	}
	cm.mu.Lock()
	cm.rate = n
	cm.mu.Unlock()
	UpdateLogger.Printf("sample rate set to %d s", n)
	return nil
}

// SetChannels asks the device for a new active channel count.
func (cm *ConnectionManager) SetChannels(n int) error {
	cmd, err := CmdChannels(n)
	if err != nil {
		return err
	}
	if _, err := cm.configure(cmd); err != nil {
		return err
	}
	cm.mu.Lock()
	cm.channels = n
	cm.mu.Unlock()
	UpdateLogger.Printf("channel count set to %d", n)
	return nil
}

// SetSamples asks the device for a new per-reading averaging count.
func (cm *ConnectionManager) SetSamples(n int) error {
	cmd, err := CmdSamples(n)
	if err != nil {
		return err
	}
	if _, err := cm.configure(cmd); err != nil {
		return err
	}
	cm.mu.Lock()
	cm.samples = n
	cm.mu.Unlock()
	UpdateLogger.Printf("samples-to-average set to %d", n)
	return nil
}

// ResetDevice restores the firmware defaults and mirrors them locally.
func (cm *ConnectionManager) ResetDevice() error {
	if cm.State() == Streaming {
		return ErrLoggingActive
	}
	if _, err := cm.configure(CmdReset); err != nil {
		return err
	}
	cm.mu.Lock()
	cm.rate, cm.channels, cm.samples = 1, 3, 10
	cm.mu.Unlock()
	return nil
}

// QueryStatus runs a STATUS round-trip and returns the parsed reply.
func (cm *ConnectionManager) QueryStatus() (DeviceStatus, error) {
	response, err := cm.configure(CmdStatus)
	if err != nil {
		return DeviceStatus{}, err
	}
	status, ok := parseDeviceStatus(response)
	if !ok {
		return DeviceStatus{}, fmt.Errorf("unintelligible STATUS reply: %q", response)
	}
	return status, nil
}

// Acquire performs a one-shot reading. The reading joins the bounded
// series like streamed data. Refused while a session is streaming, since
// the reply would interleave with data lines.
func (cm *ConnectionManager) Acquire() (ChannelReading, error) {
	if cm.State() == Streaming {
		return ChannelReading{}, ErrLoggingActive
	}
	response, err := cm.configure(CmdAcquire)
	if err != nil {
		return ChannelReading{}, err
	}
	reading, ok := ParseAcquireResponse(response, time.Now())
	if !ok {
		return ChannelReading{}, fmt.Errorf("unintelligible ACQUIRE reply: %q", response)
	}
	cm.series.Append(reading)
	cm.publish("READING", reading)
	return reading, nil
}

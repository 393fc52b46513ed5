package thermolog

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/thermolog/thermolog/internal/csvlog"
	"github.com/thermolog/thermolog/internal/export"
	"github.com/thermolog/thermolog/internal/sessiondb"
)

// LoggerControl is the sub-server that handles configuration and operation
// of the thermocouple logger over JSON-RPC.
type LoggerControl struct {
	cm      *ConnectionManager
	db      *sessiondb.Connection
	datadir string

	loggerID  string
	dbSession *sessiondb.SessionMessage

	status        ServerStatus
	clientUpdates chan<- ClientUpdate
}

// ServerStatus is the status that LoggerControl reports to clients.
type ServerStatus struct {
	State        string
	Endpoint     string
	Logging      bool
	SessionID    string
	Rate         int
	Channels     int
	Samples      int
	SeriesPoints int
}

// ConnectArgs selects and opens an endpoint. An empty Device keeps the
// currently configured endpoint.
type ConnectArgs struct {
	Device string
	Baud   int
}

// Connect configures the endpoint (when given) and starts a connection
// attempt. The reply is true when the attempt was launched; the outcome
// arrives as a STATE update.
func (s *LoggerControl) Connect(args *ConnectArgs, reply *bool) error {
	if args.Device != "" {
		if err := s.cm.SetEndpoint(Endpoint{Device: args.Device, Baud: args.Baud}); err != nil {
			return err
		}
		viper.Set("device.port", args.Device)
		viper.Set("device.baud", s.cm.Endpoint().Baud)
		s.saveConfig()
	}
	log.Printf("Connect: %s\n", s.cm.Endpoint())
	if err := s.cm.Connect(); err != nil {
		return err
	}
	*reply = true
	return nil
}

// DisconnectArgs controls teardown of an active connection.
type DisconnectArgs struct {
	// Force stops an active logging session first. Without it,
	// disconnecting while logging is refused.
	Force bool
}

// Disconnect closes the device connection.
func (s *LoggerControl) Disconnect(args *DisconnectArgs, reply *bool) error {
	log.Printf("Disconnect (force=%t)\n", args.Force)
	if args.Force && s.cm.IsLogging() {
		// Close out the DB entries before the session object goes away.
		var ignored bool
		if err := s.StopLogging(nil, &ignored); err != nil {
			return err
		}
	}
	if err := s.cm.Disconnect(args.Force); err != nil {
		return err
	}
	s.broadcastUpdate()
	*reply = true
	return nil
}

// SetRate sets the sampling interval in seconds.
func (s *LoggerControl) SetRate(rate *int, reply *bool) error {
	log.Printf("SetRate: %d\n", *rate)
	if err := s.cm.SetRate(*rate); err != nil {
		return err
	}
	viper.Set("device.rate", *rate)
	s.saveConfig()
	s.broadcastUpdate()
	*reply = true
	return nil
}

// SetChannels sets the number of thermocouple channels to sample.
func (s *LoggerControl) SetChannels(channels *int, reply *bool) error {
	log.Printf("SetChannels: %d\n", *channels)
	if err := s.cm.SetChannels(*channels); err != nil {
		return err
	}
	viper.Set("device.channels", *channels)
	s.saveConfig()
	s.broadcastUpdate()
	*reply = true
	return nil
}

// SetSamples sets the per-reading oversampling count.
func (s *LoggerControl) SetSamples(samples *int, reply *bool) error {
	log.Printf("SetSamples: %d\n", *samples)
	if err := s.cm.SetSamples(*samples); err != nil {
		return err
	}
	viper.Set("device.samples", *samples)
	s.saveConfig()
	s.broadcastUpdate()
	*reply = true
	return nil
}

// Acquire requests one immediate reading from the device.
func (s *LoggerControl) Acquire(dummy *string, reply *ChannelReading) error {
	reading, err := s.cm.Acquire()
	if err != nil {
		return err
	}
	*reply = reading
	return nil
}

// StartLoggingArgs names the output file for a session. An empty Filename
// gets a timestamped default in the data directory.
type StartLoggingArgs struct {
	Filename string
}

// StartLogging begins a streaming session writing to a CSV file. The
// reply is the full path of the file being written.
func (s *LoggerControl) StartLogging(args *StartLoggingArgs, reply *string) error {
	filename := args.Filename
	if filename == "" {
		filename = fmt.Sprintf("thermocouple_data_%s.csv", time.Now().Format("20060102_150405"))
	}
	if !filepath.IsAbs(filename) {
		filename = filepath.Join(s.datadir, filename)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0775); err != nil {
		return err
	}

	sink, err := csvlog.Create(filename, s.cm.Channels())
	if err != nil {
		return err
	}
	session := NewLoggingSession(sessiondb.NewID(), filename, sink)
	if err := s.cm.StartLogging(session); err != nil {
		sink.Finalize()
		os.Remove(filename)
		return err
	}
	log.Printf("StartLogging: session %s -> %s\n", session.ID, filename)

	s.dbSession = &sessiondb.SessionMessage{
		ID:        session.ID,
		LoggerID:  s.loggerID,
		Endpoint:  s.cm.Endpoint().String(),
		Rate:      s.cm.Rate(),
		Channels:  s.cm.Channels(),
		Samples:   s.cm.Samples(),
		Directory: filepath.Dir(filename),
		Start:     session.StartedAt,
	}
	s.db.RecordSession(s.dbSession)
	s.broadcastUpdate()
	*reply = filename
	return nil
}

// StopLogging ends the active session, if any, and records its output
// file. Safe to call when nothing is running.
func (s *LoggerControl) StopLogging(dummy *string, reply *bool) error {
	session := s.cm.ActiveSession()
	if err := s.cm.StopLogging(); err != nil {
		return err
	}
	if session != nil && s.dbSession != nil {
		fileMsg := &sessiondb.FileMessage{
			SessionID: session.ID,
			Filename:  session.Filename,
			Filetype:  "csv",
			Readings:  session.Appended(),
			Start:     session.StartedAt,
			End:       time.Now(),
		}
		if info, err := os.Stat(session.Filename); err == nil {
			fileMsg.Size = info.Size()
		}
		s.db.RecordFile(fileMsg)
		s.db.FinishSession(s.dbSession)
		s.dbSession = nil
		log.Printf("StopLogging: session %s wrote %d readings\n", session.ID, session.Appended())
	}
	s.broadcastUpdate()
	*reply = true
	return nil
}

// ResetDevice restores the device's default configuration.
func (s *LoggerControl) ResetDevice(dummy *string, reply *bool) error {
	log.Printf("ResetDevice\n")
	if err := s.cm.ResetDevice(); err != nil {
		return err
	}
	viper.Set("device.rate", s.cm.Rate())
	viper.Set("device.channels", s.cm.Channels())
	viper.Set("device.samples", s.cm.Samples())
	s.saveConfig()
	s.broadcastUpdate()
	*reply = true
	return nil
}

// QueryStatus asks the device for its live configuration.
func (s *LoggerControl) QueryStatus(dummy *string, reply *DeviceStatus) error {
	status, err := s.cm.QueryStatus()
	if err != nil {
		return err
	}
	*reply = status
	return nil
}

// ExportArgs names the destination and format for a series export.
type ExportArgs struct {
	Path   string
	Format string // csv, json, or npy
}

// ExportSeries writes a snapshot of the in-memory series to disk. The
// reply is the path written.
func (s *LoggerControl) ExportSeries(args *ExportArgs, reply *string) error {
	format, err := export.ParseFormat(args.Format)
	if err != nil {
		return err
	}
	path := args.Path
	if path == "" {
		path = filepath.Join(s.datadir, fmt.Sprintf("thermolog_export_%s.%s",
			time.Now().Format("20060102_150405"), format))
	}
	snap := s.cm.Series().Snapshot()
	if err := export.Write(path, format, export.Snapshot(snap)); err != nil {
		return err
	}
	log.Printf("ExportSeries: %d points -> %s\n", len(snap.Timestamps), path)
	*reply = path
	return nil
}

// SeriesStats reports per-channel summary statistics of the series.
func (s *LoggerControl) SeriesStats(dummy *string, reply *[]ChannelStats) error {
	*reply = s.cm.Series().Stats()
	return nil
}

// ClearSeries discards all buffered readings. Refused while logging so a
// running session keeps its live view.
func (s *LoggerControl) ClearSeries(dummy *string, reply *bool) error {
	if s.cm.IsLogging() {
		return ErrLoggingActive
	}
	s.cm.Series().Clear()
	s.broadcastUpdate()
	*reply = true
	return nil
}

func (s *LoggerControl) broadcastUpdate() {
	s.status = ServerStatus{
		State:        s.cm.State().String(),
		Endpoint:     s.cm.Endpoint().String(),
		Logging:      s.cm.IsLogging(),
		Rate:         s.cm.Rate(),
		Channels:     s.cm.Channels(),
		Samples:      s.cm.Samples(),
		SeriesPoints: s.cm.Series().Len(),
	}
	if session := s.cm.ActiveSession(); session != nil && session.Active() {
		s.status.SessionID = session.ID
	}
	s.clientUpdates <- ClientUpdate{"STATUS", s.status}
}

// SendAllStatus causes a broadcast to clients containing all broadcastable
// status info.
func (s *LoggerControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastUpdate()
	s.clientUpdates <- ClientUpdate{"STATS", s.cm.Series().Stats()}
	s.clientUpdates <- ClientUpdate{"SENDALL", 0}
	return nil
}

func (s *LoggerControl) saveConfig() {
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not save config: %v", err)
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server.
func RunRPCServer(cm *ConnectionManager, db *sessiondb.Connection, messageChan chan<- ClientUpdate, portrpc int) {
	loggerControl := &LoggerControl{
		cm:            cm,
		db:            db,
		loggerID:      sessiondb.NewID(),
		clientUpdates: messageChan,
	}

	// Load stored settings.
	log.Printf("Thermolog is using config file %s\n", viper.ConfigFileUsed())
	loggerControl.datadir = viper.GetString("datadir")
	if loggerControl.datadir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		loggerControl.datadir = filepath.Join(home, "thermolog_results")
	}
	if device := viper.GetString("device.port"); device != "" {
		endpoint := Endpoint{Device: device, Baud: viper.GetInt("device.baud")}
		if err := cm.SetEndpoint(endpoint); err != nil {
			ProblemLogger.Printf("stored endpoint %s rejected: %v", endpoint, err)
		}
	}

	go func() {
		ticker := time.Tick(2 * time.Second)
		for range ticker {
			loggerControl.broadcastUpdate()
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	server.Register(loggerControl)
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	for {
		if conn, err := listener.Accept(); err != nil {
			log.Fatal("accept error: " + err.Error())
		} else {
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
}

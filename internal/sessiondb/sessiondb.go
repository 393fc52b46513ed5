// Package sessiondb records logging sessions and their output files in a
// ClickHouse database, when one is available. All entry points degrade to
// no-ops on a dummy or failed connection, so the logger runs the same with
// or without a database.
package sessiondb

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

const databaseName = "thermolog" // official SQL name of the database

const timeLayout = "2006-01-02 15:04:05.000000"

// NewID returns a fresh lexically sortable session identifier.
func NewID() string {
	return ulid.Make().String()
}

// SessionMessage is the information required to make an entry in the
// sessions table.
type SessionMessage struct {
	ID        string
	LoggerID  string
	Endpoint  string
	Rate      int
	Channels  int
	Samples   int
	Directory string
	Start     time.Time
	End       time.Time
}

// FileMessage is the information required to make an entry in the files
// table.
type FileMessage struct {
	SessionID string
	Filename  string
	Filetype  string
	Readings  int
	Size      int64
	Start     time.Time
	End       time.Time
}

// ActivityMessage describes one run of the logger daemon itself.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	Start     time.Time
	End       time.Time
}

// Connection wraps the ClickHouse client plus the message channels used to
// serialize inserts onto one goroutine.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	sessionmsg    chan *SessionMessage
	filemsg       chan *FileMessage
	sync.WaitGroup
}

// IsConnected reports whether the database is usable.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer opens a throwaway connection and reports the server version,
// for the -ping command-line flag.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartConnection opens the database, logs the activity entry, and starts
// the goroutine that owns all inserts.
func StartConnection(activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection()
	db.activityEntry = activity
	db.logActivity()
	go db.handleConnection(abort)
	return db
}

// DummyConnection returns a Connection that accepts and discards all
// messages, for runs with no database configured.
func DummyConnection() *Connection {
	db := &Connection{}
	db.Add(1)
	return db
}

func createConnection() *Connection {
	db := &Connection{}
	addr := os.Getenv("THERMOLOG_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("THERMOLOG_DB_USER"),
		Password: os.Getenv("THERMOLOG_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "thermolog", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       strings.Split(addr, ","),
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.sessionmsg = make(chan *SessionMessage)
	db.filemsg = make(chan *FileMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO activity VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version, ae.GoVersion,
		ae.Start.Format(timeLayout), ae.End.Format(timeLayout),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into activity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case smsg := <-db.sessionmsg:
			db.handleSessionMessage(smsg)
		case fmsg := <-db.filemsg:
			db.handleFileMessage(fmsg)
		}
	}
}

// Disconnect closes out the activity entry. The underlying client is left
// to the process exit.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordSession stores a session-start entry. It blocks until the insert
// goroutine accepts the message.
// WARNING: Don't change this blocking behavior! It ensures a session is
// entered in the DB before any corresponding RecordFile calls begin, so no
// file row ever refers to a session the DB has not seen.
func (db *Connection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.sessionmsg <- msg
}

// FinishSession re-inserts the session with its end time filled in.
func (db *Connection) FinishSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.sessionmsg <- msg }()
}

// RecordFile stores one output-file entry for a finished session.
func (db *Connection) RecordFile(msg *FileMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.filemsg <- msg }()
}

func (db *Connection) handleSessionMessage(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.LoggerID, m.Endpoint, m.Rate, m.Channels, m.Samples,
		m.Directory, m.Start.Format(timeLayout), m.End.Format(timeLayout),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.err = err
	}
}

func (db *Connection) handleFileMessage(m *FileMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO files VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.SessionID, m.Filename, m.Filetype,
		m.Start.Format(timeLayout), m.End.Format(timeLayout),
		m.Readings, m.Size,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into files ", err)
		db.err = err
	}
}

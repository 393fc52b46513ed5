package thermolog

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by Thermolog.
type Portnumbers struct {
	RPC    int // JSON-RPC control port
	Status int // ZMQ PUB port for status and reading updates
}

// Ports globally holds all TCP port numbers used by Thermolog.
var Ports Portnumbers

// SetPortnumbers assigns all server port numbers from one base value.
func SetPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Summary string
	Host    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.1",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log client updates to a file
var UpdateLogger *log.Logger

func init() {
	SetPortnumbers(5700)
	StartTime = time.Now()

	// Thermolog main program will override these, but at least initialize
	// with sensible values.
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}

// The mockdevice program emulates a multi-channel thermocouple logger on
// a TCP port, for development and testing without hardware. It speaks the
// same line protocol as the real device, including the startup banner and
// the streaming of readings while logging is active.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type deviceState struct {
	mu       sync.Mutex
	rate     int // seconds between streamed readings
	channels int
	samples  int
	logging  bool
}

func newDeviceState() *deviceState {
	return &deviceState{rate: 1, channels: 3, samples: 10}
}

// readingLine fabricates one comma-separated reading: a slow sine per
// channel plus noise, roughly room temperature.
func (d *deviceState) readingLine() string {
	d.mu.Lock()
	channels := d.channels
	d.mu.Unlock()
	t := float64(time.Now().UnixMilli()) / 1e3
	vals := make([]string, channels)
	for ch := 0; ch < channels; ch++ {
		temp := 23.0 + 2.0*math.Sin(t/60+float64(ch)) + 0.1*rand.NormFloat64()
		vals[ch] = strconv.FormatFloat(temp, 'f', 2, 64)
	}
	return strings.Join(vals, ",")
}

func (d *deviceState) handleCommand(command string) string {
	command = strings.ToUpper(strings.TrimSpace(command))
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case command == "START":
		d.logging = true
		return "START OK"
	case command == "STOP":
		d.logging = false
		return "STOP OK"
	case command == "STATUS":
		return fmt.Sprintf("STATUS: Rate=%d,Channels=%d,Samples=%d,Active=%t",
			d.rate, d.channels, d.samples, d.logging)
	case command == "RESET":
		d.rate, d.channels, d.samples, d.logging = 1, 3, 10, false
		return "RESET OK"
	case strings.HasPrefix(command, "RATE "):
		n, _ := strconv.Atoi(strings.TrimPrefix(command, "RATE "))
		if n >= 1 && n <= 255 {
			d.rate = n
			return "RATE OK"
		}
		return "RATE ERROR: Invalid rate (1-255 seconds)"
	case strings.HasPrefix(command, "CHANNELS "):
		n, _ := strconv.Atoi(strings.TrimPrefix(command, "CHANNELS "))
		if n >= 1 && n <= 12 {
			d.channels = n
			return "CHANNELS OK"
		}
		return "CHANNELS ERROR: Invalid channels (1-12)"
	case strings.HasPrefix(command, "SAMPLES "):
		n, _ := strconv.Atoi(strings.TrimPrefix(command, "SAMPLES "))
		if n >= 1 && n <= 20 {
			d.samples = n
			return "SAMPLES OK"
		}
		return "SAMPLES ERROR: Invalid samples (1-20)"
	case command == "":
		return ""
	}
	return "ERROR: Unknown command"
}

func serve(conn net.Conn) {
	defer conn.Close()
	log.Printf("client connected from %s", conn.RemoteAddr())
	dev := newDeviceState()

	var writeMu sync.Mutex
	writeLine := func(line string) {
		writeMu.Lock()
		fmt.Fprintf(conn, "%s\r\n", line)
		writeMu.Unlock()
	}

	writeLine("Multi-Channel Thermocouple Logger Ready")
	writeLine("Commands: START, STOP, ACQUIRE, RATE, CHANNELS, SAMPLES, STATUS, RESET")

	done := make(chan struct{})
	defer close(done)

	// Stream readings while logging is active.
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				dev.mu.Lock()
				logging, rate := dev.logging, dev.rate
				dev.mu.Unlock()
				if logging && now.Sub(last) >= time.Duration(rate)*time.Second {
					last = now
					writeLine(dev.readingLine())
				}
			}
		}
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		command := strings.ToUpper(strings.TrimSpace(scanner.Text()))
		if command == "ACQUIRE" {
			writeLine("TEMP: " + dev.readingLine())
			continue
		}
		if reply := dev.handleCommand(command); reply != "" {
			writeLine(reply)
		}
	}
	log.Printf("client from %s disconnected", conn.RemoteAddr())
}

func main() {
	port := flag.Int("port", 7777, "TCP port to listen on")
	flag.Parse()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatal("listen error:", err)
	}
	log.Printf("mock thermocouple device listening on port %d", *port)
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Fatal("accept error:", err)
		}
		go serve(conn)
	}
}

// Package sensorlink reads orientation samples from the per-limb sensors.
//
// Each sensor is driven by its own worker goroutine. The control loop talks
// to it only through a bounded command queue, a latest-value mailbox and a
// ready channel, and never blocks on it.
package sensorlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"tailscale.com/tsweb"

	"github.com/ulugris/orthosis/internal/monitoring"
	"github.com/ulugris/orthosis/internal/sessionlog"
)

// Commands understood by the sensor firmware.
var (
	cmdStreamOn  = []byte("#o1")
	cmdStreamOff = []byte("#o0")
)

var (
	ErrWriteFailed = errors.New("failed to write to sensor port")
	ErrClosed      = errors.New("sensor link closed")
	ErrQueueFull   = errors.New("sensor command queue full")
)

// Default timings of the sensor protocol.
const (
	DefaultHandshakeTimeout = 1500 * time.Millisecond
	DefaultDrainTimeout     = 5 * time.Millisecond
	DefaultPollTimeout      = 100 * time.Millisecond
	DefaultQueueSize        = 8
)

// Sensor is one limb's orientation source as seen by the control loop.
type Sensor interface {
	// ID is the configured identifier used in logs and dump file names.
	ID() int
	// Run processes queued commands until Close is processed or ctx is done.
	Run(ctx context.Context) error
	// Sync restarts streaming and reports the ID on the ready channel.
	Sync() error
	// Halt stops streaming.
	Halt() error
	// Dump writes the session log to a file under prefix and clears it.
	Dump(prefix string) error
	// Close stops the worker once every command queued before it has run.
	Close() error
	// Latest returns the most recent sample, if any.
	Latest() (Sample, bool)
}

// Config configures a sensor link.
type Config struct {
	ID      int
	Path    string
	Options PortOptions
	Open    PortOpener

	Time  *SharedTime
	Ready chan<- int

	QueueSize        int
	HandshakeTimeout time.Duration
	DrainTimeout     time.Duration
	PollTimeout      time.Duration
}

func (c *Config) setDefaults() {
	if c.Open == nil {
		c.Open = OpenSerial
	}
	if c.Time == nil {
		c.Time = &SharedTime{}
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
}

type opKind int

const (
	opSync opKind = iota
	opHalt
	opDump
	opClose
)

type command struct {
	op     opKind
	prefix string
}

// Link is a live sensor connection.
type Link struct {
	cfg   Config
	label string
	port  SerialPorter
	cmds  chan command

	latest Mailbox[Sample]
	log    *sessionlog.Recorder
	frames atomic.Uint64

	closed     atomic.Bool
	stopStream context.CancelFunc
	streamDone chan struct{}
}

// Open connects to the sensor described by cfg and performs the start-up
// handshake. If the port cannot be opened the returned Sensor is inert.
func Open(cfg Config) Sensor {
	cfg.setDefaults()

	monitoring.Logf("connecting sensor %d at port %s", cfg.ID, cfg.Path)
	port, err := cfg.Open(cfg.Path, cfg.Options)
	if err != nil {
		monitoring.Logf("error opening port %s: %v", cfg.Path, err)
		return NewInert(cfg.ID, cfg.Ready)
	}

	l := newLink(cfg, port)
	if err := l.handshake(); err != nil {
		monitoring.Logf("sensor %d handshake failed: %v", cfg.ID, err)
		port.Close()
		return NewInert(cfg.ID, cfg.Ready)
	}
	monitoring.Logf("sensor %d ready", cfg.ID)
	return l
}

func newLink(cfg Config, port SerialPorter) *Link {
	return &Link{
		cfg:   cfg,
		label: fmt.Sprintf("%d", cfg.ID),
		port:  port,
		cmds:  make(chan command, cfg.QueueSize),
		log:   sessionlog.NewRecorder(1 + NumValues),
	}
}

func (l *Link) ID() int { return l.cfg.ID }

// Latest returns the most recent sample.
func (l *Link) Latest() (Sample, bool) { return l.latest.Latest() }

// Frames returns the number of frames decoded since the link was opened.
func (l *Link) Frames() uint64 { return l.frames.Load() }

func (l *Link) Sync() error              { return l.send(command{op: opSync}) }
func (l *Link) Halt() error              { return l.send(command{op: opHalt}) }
func (l *Link) Dump(prefix string) error { return l.send(command{op: opDump, prefix: prefix}) }

func (l *Link) Close() error {
	if err := l.send(command{op: opClose}); err != nil {
		return err
	}
	l.closed.Store(true)
	return nil
}

func (l *Link) send(c command) error {
	if l.closed.Load() {
		return ErrClosed
	}
	select {
	case l.cmds <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes commands in order. A Close command, or cancellation of ctx,
// stops streaming and closes the port.
func (l *Link) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.halt()
			return l.port.Close()

		case c := <-l.cmds:
			switch c.op {
			case opSync:
				if err := l.sync(ctx); err != nil {
					monitoring.Logf("sensor %d sync failed: %v", l.cfg.ID, err)
				}
			case opHalt:
				l.halt()
			case opDump:
				l.dump(c.prefix)
			case opClose:
				l.halt()
				monitoring.Logf("closing sensor %d", l.cfg.ID)
				return l.port.Close()
			}
		}
	}
}

func (l *Link) write(cmd []byte) error {
	n, err := l.port.Write(cmd)
	if err != nil {
		return err
	}
	if n != len(cmd) {
		return ErrWriteFailed
	}
	return nil
}

// handshake requests output, waits a bounded time for the sensor to answer
// and discards whatever it sent.
func (l *Link) handshake() error {
	if err := l.write(cmdStreamOn); err != nil {
		return err
	}
	if err := l.port.SetReadTimeout(l.cfg.HandshakeTimeout); err != nil {
		return err
	}
	var b [1]byte
	if _, err := l.port.Read(b[:]); err != nil {
		return err
	}
	return l.clearBuffer()
}

// clearBuffer stops output and reads until the port stays silent for one
// drain period.
func (l *Link) clearBuffer() error {
	if err := l.write(cmdStreamOff); err != nil {
		return err
	}
	if err := l.port.SetReadTimeout(l.cfg.DrainTimeout); err != nil {
		return err
	}
	buf := make([]byte, 4*FrameSize)
	for {
		n, err := l.port.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (l *Link) sync(ctx context.Context) error {
	monitoring.Logf("synchronizing sensor %d", l.cfg.ID)
	l.halt()

	if err := l.clearBuffer(); err != nil {
		return err
	}
	if err := l.write(cmdStreamOn); err != nil {
		return err
	}
	if err := l.port.SetReadTimeout(l.cfg.PollTimeout); err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(ctx)
	l.stopStream = cancel
	l.streamDone = make(chan struct{})
	go l.stream(sctx, l.streamDone)

	monitoring.Logf("sensor %d synchronized", l.cfg.ID)
	reportReady(ctx, l.cfg.Ready, l.cfg.ID)
	return nil
}

// halt stops the stream goroutine, if running, and silences the sensor.
func (l *Link) halt() {
	if l.stopStream == nil {
		return
	}
	monitoring.Logf("stopping sensor %d", l.cfg.ID)
	l.stopStream()
	<-l.streamDone
	l.stopStream = nil

	if err := l.clearBuffer(); err != nil {
		monitoring.Logf("sensor %d: failed to clear buffer: %v", l.cfg.ID, err)
	}
}

func (l *Link) stream(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	dec := NewDecoder(pollReader{ctx: ctx, r: l.port})
	row := make([]float64, 1+NumValues)
	for {
		f, skipped, err := dec.Next()
		if err != nil {
			if ctx.Err() == nil {
				monitoring.Logf("sensor %d read error: %v", l.cfg.ID, err)
			}
			return
		}

		s := Sample{Time: l.cfg.Time.Get(), Values: f}
		l.latest.Put(s)

		row[0] = s.Time
		for i, v := range f {
			row[i+1] = float64(v)
		}
		l.log.Append(row...)

		l.frames.Add(1)
		monitoring.RecordFrame(l.label, skipped)
	}
}

func (l *Link) dump(prefix string) {
	path := sessionlog.FileName(prefix, sessionlog.SensorKind, l.cfg.ID)
	monitoring.Logf("writing sensor %d data to %s", l.cfg.ID, path)
	if _, err := l.log.Dump(path); err != nil {
		monitoring.Logf("sensor %d dump failed: %v", l.cfg.ID, err)
	}
}

func reportReady(ctx context.Context, ready chan<- int, id int) {
	if ready == nil {
		return
	}
	select {
	case ready <- id:
	case <-ctx.Done():
	}
}

// AttachAdminRoutes exposes the latest sample on the debug mux.
func (l *Link) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	name := fmt.Sprintf("sensor%d", l.cfg.ID)
	debug.HandleFunc(name, fmt.Sprintf("latest sample from sensor %d", l.cfg.ID), func(w http.ResponseWriter, r *http.Request) {
		s, ok := l.Latest()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			ID      int     `json:"id"`
			Frames  uint64  `json:"frames"`
			Logged  int     `json:"logged"`
			HasData bool    `json:"has_data"`
			Sample  *Sample `json:"sample,omitempty"`
		}{
			ID:      l.cfg.ID,
			Frames:  l.Frames(),
			Logged:  l.log.Len(),
			HasData: ok,
			Sample:  sampleOrNil(s, ok),
		})
	})
}

func sampleOrNil(s Sample, ok bool) *Sample {
	if !ok {
		return nil
	}
	return &s
}

// Package orchestrator runs the real-time control loop of the orthosis and
// serves the operator's UDP command and telemetry channel.
//
// A single goroutine (Run) owns the loop timer, the controllers, the
// parameter store and all socket writes. Sensors and actuation channels run
// as separate workers and are reached only through their queues and
// mailboxes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ulugris/orthosis/internal/actuation"
	"github.com/ulugris/orthosis/internal/gait"
	"github.com/ulugris/orthosis/internal/monitoring"
	"github.com/ulugris/orthosis/internal/params"
	"github.com/ulugris/orthosis/internal/sensorlink"
	"github.com/ulugris/orthosis/internal/sessionlog"
	"github.com/ulugris/orthosis/internal/timeutil"
	"github.com/ulugris/orthosis/internal/units"
)

// Status is the system state. The numeric values are sent to the operator.
type Status byte

const (
	Disabled Status = 0
	Enabled  Status = 1
	Running  Status = 3
)

func (s Status) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Enabled:
		return "enabled"
	case Running:
		return "running"
	}
	return fmt.Sprintf("status(%d)", byte(s))
}

// TickInterval is the period of the loop timer.
const TickInterval = time.Millisecond

// Config holds the loop and protocol settings.
type Config struct {
	SampleRate    float64 // control samples per second
	ListenAddr    string
	TelemetryPort int

	ConnectRate  float64 // telemetry rate for "Connect" peers, Hz
	AndroidRate  float64 // telemetry rate for "Android" peers, Hz
	PositionRate float64 // motor position polling rate, Hz

	LogDir          string
	TelemetryOffset float64 // degrees added to angles in telemetry
	LeftAngleSign   float64 // sign applied to the left sensor pitch
	HomingTimeout   time.Duration

	Clock timeutil.Clock
}

// DefaultConfig returns the settings of the fitted system.
func DefaultConfig() Config {
	return Config{
		SampleRate:      100,
		ListenAddr:      ":8888",
		TelemetryPort:   8889,
		ConnectRate:     25,
		AndroidRate:     25,
		PositionRate:    25,
		LogDir:          "log",
		TelemetryOffset: 35,
		LeftAngleSign:   -1,
		HomingTimeout:   30 * time.Second,
	}
}

// Limb groups the workers and controller of one leg.
type Limb struct {
	Sensor     sensorlink.Sensor
	Channel    *actuation.Channel
	Controller *gait.Controller
}

// SessionCatalog records Running sessions. It may be nil. Both calls are
// made on the loop goroutine and must not block.
type SessionCatalog interface {
	BeginSession(start time.Time)
	EndSession(stop time.Time, prefix string, samples int)
}

// registry tracks which workers have reported ready in the current phase.
type registry struct {
	sensors map[int]bool
	motors  int
}

func (r *registry) resetSensors() { r.sensors = make(map[int]bool) }

// Snapshot is a copy of the loop state for observers outside the loop.
type Snapshot struct {
	Status    Status     `json:"status"`
	Samples   uint64     `json:"samples"`
	Time      float64    `json:"time"`
	Peer      string     `json:"peer,omitempty"`
	Pitch     [2]float64 `json:"pitch"`
	Accel     [2]float64 `json:"accel"`
	Positions [2]float64 `json:"positions"`
	Phases    [2]string  `json:"phases"`
}

// Orchestrator is the control loop.
type Orchestrator struct {
	cfg     Config
	clock   timeutil.Clock
	conn    *net.UDPConn
	store   *params.Store
	limbs   [params.NumChannels]Limb
	time    *sensorlink.SharedTime
	ready   <-chan int
	catalog SessionCatalog

	reg     registry
	status  Status
	peer    *net.UDPAddr
	elapsed *timeutil.Stopwatch
	ticking bool
	active  bool // a session was started and not yet dumped

	cf, pf, mf   uint64
	pskip, mskip uint64
	t            float64
	out          [telemetryValues]float64
	pitch, acc   [2]float64

	trace *sessionlog.Recorder
	bg    sync.WaitGroup

	snapshot sensorlink.Mailbox[Snapshot]
	closed   atomic.Bool
}

// New binds the command socket. Sensors report on ready once synchronized
// and read their timestamps from st.
func New(cfg Config, store *params.Store, limbs [params.NumChannels]Limb, ready <-chan int, st *sensorlink.SharedTime, catalog SessionCatalog) (*Orchestrator, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if st == nil {
		st = &sensorlink.SharedTime{}
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	monitoring.Logf("socket bound to %s", conn.LocalAddr())

	o := &Orchestrator{
		cfg:     cfg,
		clock:   cfg.Clock,
		conn:    conn,
		store:   store,
		limbs:   limbs,
		time:    st,
		ready:   ready,
		catalog: catalog,
		elapsed: timeutil.NewStopwatch(cfg.Clock),
		pskip:   skip(cfg.SampleRate, cfg.ConnectRate),
		mskip:   skip(cfg.SampleRate, cfg.PositionRate),
		trace:   sessionlog.NewRecorder(telemetryValues),
	}
	o.reg.resetSensors()
	o.publish()
	return o, nil
}

// skip returns the number of control samples between outputs at rate.
func skip(sampleRate, rate float64) uint64 {
	if rate <= 0 {
		return 1
	}
	return uint64(max(1, int(sampleRate/rate+0.5)))
}

// Addr returns the bound command address.
func (o *Orchestrator) Addr() net.Addr { return o.conn.LocalAddr() }

// Snapshot returns the latest published loop state. Safe for concurrent use.
func (o *Orchestrator) Snapshot() Snapshot {
	s, _ := o.snapshot.Latest()
	return s
}

type datagram struct {
	data []byte
	from *net.UDPAddr
}

// Run drives the loop until ctx is done, then shuts the system down and
// closes the workers. Queued dumps complete before the workers exit.
func (o *Orchestrator) Run(ctx context.Context) error {
	packets := make(chan datagram, 16)
	readCtx, stopReading := context.WithCancel(context.Background())
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		o.readLoop(readCtx, packets)
	}()

	ticker := o.clock.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("shutting down")
			stopReading()
			<-readDone
			o.Close()
			return nil

		case id := <-o.ready:
			o.sensorReady(id)

		case p := <-packets:
			o.handle(ctx, p)

		case <-ticker.C():
			if o.ticking {
				o.tick()
			}
		}
	}
}

// readLoop hands datagrams to the loop goroutine.
func (o *Orchestrator) readLoop(ctx context.Context, out chan<- datagram) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		o.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := o.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			monitoring.Logf("UDP read error: %v", err)
			continue
		}

		d := datagram{data: append([]byte(nil), buf[:n]...), from: from}
		select {
		case out <- d:
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) sensorReady(id int) {
	if o.status != Running || o.ticking {
		return
	}
	o.reg.sensors[id] = true
	monitoring.Logf("sensor %d ready (%d/%d)", id, len(o.reg.sensors), len(o.limbs))
	if len(o.reg.sensors) == len(o.limbs) {
		o.elapsed.Start()
		o.ticking = true
	}
}

// tick runs once per timer period.
func (o *Orchestrator) tick() {
	if o.elapsed.Seconds() >= float64(o.cf)/o.cfg.SampleRate {
		o.t = float64(o.cf) / o.cfg.SampleRate
		o.cf++
		o.time.Set(o.t)
		o.sample()
	}

	if o.cf >= o.pf {
		o.sendTelemetry()
		o.pf += o.pskip
	}

	if o.cf >= o.mf {
		for _, l := range o.limbs {
			l.Channel.ReadPosition(o.t)
		}
		o.mf += o.mskip
	}
}

// sample computes both limbs' angles from the latest sensor values and steps
// the controllers.
func (o *Orchestrator) sample() {
	r, _ := o.limbs[params.Right].Sensor.Latest()
	l, _ := o.limbs[params.Left].Sensor.Latest()

	rPitch := pitch(r.Values)
	lPitch := o.cfg.LeftAngleSign * pitch(l.Values)
	rAcc := float64(r.Values[sensorlink.Accel]) + math.Cos(units.Radians(rPitch))
	lAcc := float64(l.Values[sensorlink.Accel]) + math.Cos(units.Radians(lPitch))

	o.limbs[params.Right].Controller.Step(rPitch, lPitch, rAcc)
	o.limbs[params.Left].Controller.Step(lPitch, rPitch, lAcc)

	o.pitch = [2]float64{rPitch, lPitch}
	o.acc = [2]float64{rAcc, lAcc}

	off := o.cfg.TelemetryOffset
	o.out = [telemetryValues]float64{
		o.t,
		rPitch + off,
		lPitch + off,
		o.position(params.Right),
		o.position(params.Left),
		0,
		10*rAcc + off,
		10*lAcc + off,
	}
	o.trace.Append(o.out[:]...)
	monitoring.RecordSample()

	if o.cf%o.pskip == 0 {
		o.publish()
	}
}

func (o *Orchestrator) position(ch int) float64 {
	p, _ := o.limbs[ch].Channel.Position()
	return p
}

func (o *Orchestrator) sendTelemetry() {
	if o.peer == nil {
		return
	}
	dst := &net.UDPAddr{IP: o.peer.IP, Port: o.cfg.TelemetryPort, Zone: o.peer.Zone}
	if _, err := o.conn.WriteToUDP(encodeTelemetry(o.out), dst); err != nil {
		monitoring.Logf("telemetry to %s failed: %v", dst, err)
	}
}

func (o *Orchestrator) setStatus(s Status) {
	o.status = s
	monitoring.RecordStatus(int(s))
	o.publish()
}

func (o *Orchestrator) publish() {
	s := Snapshot{
		Status:  o.status,
		Samples: o.cf,
		Time:    o.t,
		Pitch:   o.pitch,
		Accel:   o.acc,
	}
	if o.peer != nil {
		s.Peer = o.peer.String()
	}
	for i, l := range o.limbs {
		if l.Channel != nil {
			s.Positions[i], _ = l.Channel.Position()
		}
		if l.Controller != nil {
			s.Phases[i] = l.Controller.Phase().String()
		}
	}
	o.snapshot.Put(s)
}

// enable homes both actuation channels concurrently and waits for them.
func (o *Orchestrator) enable(ctx context.Context) error {
	o.reg.motors = 0

	hctx := ctx
	if o.cfg.HomingTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, o.cfg.HomingTimeout)
		defer cancel()
	}

	errs := make([]error, len(o.limbs))
	var g errgroup.Group
	for i, l := range o.limbs {
		g.Go(func() error {
			errs[i] = l.Channel.Home(hctx)
			return errs[i]
		})
	}
	g.Wait()

	for _, err := range errs {
		if err == nil {
			o.reg.motors++
		}
	}
	return errors.Join(errs...)
}

// start resets the loop counters and synchronizes the sensors. The loop
// starts ticking once every sensor has reported ready.
func (o *Orchestrator) start() {
	o.out = [telemetryValues]float64{}
	o.cf, o.pf, o.mf = 0, 0, 0
	o.t = 0
	o.reg.resetSensors()
	o.trace.Reset()
	o.active = true

	for _, l := range o.limbs {
		if err := l.Sensor.Sync(); err != nil {
			monitoring.Logf("sensor %d: %v", l.Sensor.ID(), err)
		}
	}
	o.time.Set(0)

	if o.catalog != nil {
		o.catalog.BeginSession(o.clock.Now())
	}
}

// stop halts the loop and writes the session logs.
func (o *Orchestrator) stop() {
	if !o.active {
		return
	}
	o.active = false
	o.ticking = false

	now := o.clock.Now()
	prefix := sessionlog.Prefix(o.cfg.LogDir, now)

	for _, l := range o.limbs {
		if err := l.Sensor.Halt(); err != nil {
			monitoring.Logf("sensor %d: %v", l.Sensor.ID(), err)
		}
	}
	for _, l := range o.limbs {
		if err := l.Sensor.Dump(prefix); err != nil {
			monitoring.Logf("sensor %d: %v", l.Sensor.ID(), err)
		}
	}
	for _, l := range o.limbs {
		if err := l.Channel.Dump(prefix); err != nil {
			monitoring.Logf("motor %d: %v", l.Channel.ID(), err)
		}
	}

	rows := o.trace.Rows()
	o.trace.Reset()
	if len(rows) > 0 {
		o.bg.Add(1)
		go func() {
			defer o.bg.Done()
			path := prefix + "-Trace.png"
			err := sessionlog.Plot(path, "Session "+now.Format(sessionlog.TimestampLayout), rows,
				sessionlog.Series{Name: "right thigh", Column: 1},
				sessionlog.Series{Name: "left thigh", Column: 2},
				sessionlog.Series{Name: "right motor", Column: 3},
				sessionlog.Series{Name: "left motor", Column: 4},
			)
			if err != nil {
				monitoring.Logf("session plot failed: %v", err)
			}
		}()
	}

	if o.catalog != nil {
		o.catalog.EndSession(now, prefix, len(rows))
	}
	o.publish()
}

// shutdown stops motion, disables the actuators and resets the controllers.
func (o *Orchestrator) shutdown() {
	o.stop()
	for _, l := range o.limbs {
		if err := l.Channel.Disable(); err != nil {
			monitoring.Logf("motor %d: %v", l.Channel.ID(), err)
		}
	}
	for _, l := range o.limbs {
		l.Controller.Reset()
	}
	o.reg.motors = 0
}

// Close shuts the system down, saves the parameters and asks every worker
// to exit once its queue is drained. It is called by Run on cancellation and
// is safe to call more than once.
func (o *Orchestrator) Close() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	o.shutdown()
	if o.status != Disabled {
		o.setStatus(Disabled)
	}
	if err := o.store.Save(); err != nil {
		monitoring.Logf("failed to save parameters: %v", err)
	}

	for _, l := range o.limbs {
		if err := l.Sensor.Close(); err != nil {
			monitoring.Logf("sensor %d: %v", l.Sensor.ID(), err)
		}
		if err := l.Channel.Close(); err != nil {
			monitoring.Logf("motor %d: %v", l.Channel.ID(), err)
		}
	}
	o.bg.Wait()
	o.conn.Close()
}

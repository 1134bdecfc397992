package sensorlink

import (
	"bytes"
	"math"
	"sync"
	"time"
)

// SimulatedGait describes the synthetic walking pattern produced by a
// SimulatedPort. It is used in development mode when no hardware is fitted.
type SimulatedGait struct {
	Period time.Duration // gait cycle
	Phase  float64       // fraction of a cycle this limb lags by
	Sign   float64       // mounting sign of the sensor, +1 or -1
	Mean   float64       // mean thigh pitch, degrees
	Swing  float64       // pitch amplitude, degrees
}

// DefaultSimulatedGait returns a gait that meets the default trigger
// thresholds once per cycle.
func DefaultSimulatedGait(phase, sign float64) SimulatedGait {
	return SimulatedGait{
		Period: 1200 * time.Millisecond,
		Phase:  phase,
		Sign:   sign,
		Mean:   12,
		Swing:  14,
	}
}

// frame returns the sensor output at time t into the simulation.
func (g SimulatedGait) frame(t time.Duration) Frame {
	u := math.Mod(t.Seconds()/g.Period.Seconds()+g.Phase, 1)
	pitch := g.Mean + g.Swing*math.Sin(2*math.Pi*u)

	// Heel-off shows as a short negative dip after a quiet stance.
	acc := 0.0
	if u >= 0.30 && u < 0.34 {
		acc = -0.5
	}

	rad := g.Sign * pitch * math.Pi / 180
	var f Frame
	f[QuatW] = float32(math.Cos(rad / 2))
	f[QuatX] = float32(math.Sin(rad / 2))
	f[Accel] = float32(acc - math.Cos(pitch*math.Pi/180))
	return f
}

// SimulatedPort is a SerialPorter that behaves like a sensor: it streams
// frames at a fixed rate after "#o1" and stops after "#o0".
type SimulatedPort struct {
	mu        sync.Mutex
	gait      SimulatedGait
	period    time.Duration
	start     time.Time
	next      time.Time
	timeout   time.Duration
	streaming bool
	closed    bool
	pending   []byte
}

// NewSimulatedPort returns a port emitting one frame every period.
func NewSimulatedPort(g SimulatedGait, period time.Duration) *SimulatedPort {
	now := time.Now()
	return &SimulatedPort{gait: g, period: period, start: now, next: now}
}

// SimulatedOpener returns a PortOpener producing simulated ports, one gait
// per opened path in order.
func SimulatedOpener(period time.Duration, gaits ...SimulatedGait) PortOpener {
	var mu sync.Mutex
	i := 0
	return func(string, PortOptions) (SerialPorter, error) {
		mu.Lock()
		defer mu.Unlock()
		g := gaits[i%len(gaits)]
		i++
		return NewSimulatedPort(g, period), nil
	}
}

func (s *SimulatedPort) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errPortClosed
	}
	if i := bytes.LastIndex(p, []byte("#o")); i >= 0 && i+2 < len(p) {
		switch p[i+2] {
		case '1':
			s.streaming = true
			s.next = time.Now()
		case '0':
			s.streaming = false
		}
	}
	return len(p), nil
}

func (s *SimulatedPort) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return 0, errPortClosed
		}
		if len(s.pending) > 0 {
			n := copy(p, s.pending)
			s.pending = s.pending[n:]
			return n, nil
		}

		wait := s.timeout
		if s.streaming {
			d := time.Until(s.next)
			if d <= 0 {
				s.pending = Encode(s.gait.frame(time.Since(s.start)))
				s.next = s.next.Add(s.period)
				continue
			}
			if wait <= 0 || d < wait {
				wait = d
			}
		}
		if wait <= 0 {
			wait = s.period
		}

		s.mu.Unlock()
		time.Sleep(wait)
		s.mu.Lock()

		if !s.streaming || time.Now().Before(s.next) {
			return 0, nil
		}
	}
}

func (s *SimulatedPort) SetReadTimeout(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = timeout
	return nil
}

func (s *SimulatedPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

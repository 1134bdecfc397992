package actuation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ulugris/orthosis/internal/timeutil"
	"github.com/ulugris/orthosis/internal/trajectory"
	"github.com/ulugris/orthosis/internal/units"
)

// SimulatedBufferSize is the trajectory buffer depth of the simulated
// controller.
const SimulatedBufferSize = 64

// homingPoll is how often a homing simulated motor checks its clock.
const homingPoll = 10 * time.Millisecond

var (
	ErrNotHomed   = errors.New("motor is not homed")
	ErrBufferFull = errors.New("trajectory buffer full")
)

// Simulated is a Driver that plays trajectories in memory using the same
// cubic interpolation as the motor controller. It is used in development mode
// and tests.
type Simulated struct {
	mu      sync.Mutex
	clock   timeutil.Clock
	gearing units.Gearing

	HomingTime time.Duration

	homed   bool
	buffer  []trajectory.Waypoint
	playing []trajectory.Waypoint
	started time.Time
	rest    float64 // degrees, position when idle
}

// NewSimulated returns a disabled simulated motor.
func NewSimulated(clock timeutil.Clock, g units.Gearing) *Simulated {
	return &Simulated{clock: clock, gearing: g}
}

func (s *Simulated) Home(ctx context.Context) error {
	if s.HomingTime > 0 {
		start := s.clock.Now()
		ticker := s.clock.NewTicker(homingPoll)
		defer ticker.Stop()
		for s.clock.Since(start) < s.HomingTime {
			select {
			case <-ticker.C():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.homed = true
	s.buffer = s.buffer[:0]
	s.playing = nil
	s.rest = 0
	return nil
}

func (s *Simulated) AddWaypoint(w trajectory.Waypoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.homed {
		return ErrNotHomed
	}
	if len(s.buffer) >= SimulatedBufferSize {
		return ErrBufferFull
	}
	s.buffer = append(s.buffer, w)
	return nil
}

func (s *Simulated) StartTrajectory() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.homed {
		return ErrNotHomed
	}
	s.rest = s.positionLocked()
	s.playing = s.buffer
	s.buffer = nil
	s.started = s.clock.Now()
	return nil
}

func (s *Simulated) Position() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.homed {
		return 0, ErrNotHomed
	}
	return s.positionLocked(), nil
}

func (s *Simulated) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.homed = false
	s.buffer = nil
	s.playing = nil
	return nil
}

// Buffered returns the number of points waiting to be played.
func (s *Simulated) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *Simulated) positionLocked() float64 {
	if len(s.playing) == 0 {
		return s.rest
	}

	t := s.clock.Since(s.started).Seconds()
	p0, v0 := s.rest, 0.0
	for _, w := range s.playing {
		p1 := s.gearing.CountsToDegrees(w.Position)
		v1 := s.gearing.MotorRPMToOutput(float64(w.Velocity))
		dt := float64(w.Duration) / 1000
		if w.Duration == 0 {
			break
		}
		if t <= dt {
			return hermite(p0, v0, p1, v1, dt, t)
		}
		t -= dt
		p0, v0 = p1, v1
	}
	return p0
}

// hermite evaluates the cubic through (0, p0, v0) and (dt, p1, v1) at t.
func hermite(p0, v0, p1, v1, dt, t float64) float64 {
	a := (2*(p0-p1) + dt*(v0+v1)) / (dt * dt * dt)
	b := (3*(p1-p0) - dt*(2*v0+v1)) / (dt * dt)
	return ((a*t+b)*t+v0)*t + p0
}

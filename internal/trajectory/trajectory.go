// Package trajectory generates knee flexion profiles for one gait cycle and
// checks them against the velocity and acceleration limits of the actuator.
//
// A profile is a sequence of position/velocity/time (PVT) waypoints that the
// actuator controller interpolates with cubic polynomials. The planner is
// pure computation: it owns no shared state and performs no IO.
package trajectory

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/ulugris/orthosis/internal/units"
)

// Actuator limits used when none are configured.
const (
	DefaultMaxVelocity     = 12500 // motor rpm
	DefaultMaxAcceleration = 1e6   // motor rpm/s
	DefaultSteps           = 6
)

// Valid range of a non-terminal waypoint duration, in milliseconds.
const (
	MinDuration = 1
	MaxDuration = 255
)

// ErrInfeasible is returned when a proposed trajectory exceeds the actuator
// limits or has an interval the controller cannot execute.
var ErrInfeasible = errors.New("trajectory is not feasible")

// Waypoint is one PVT point in actuator units.
type Waypoint struct {
	Position int64 // encoder quadcounts at the gear output
	Velocity int64 // motor rpm
	Duration int   // milliseconds to reach this point from the previous one
}

// IsTerminator reports whether w is the zero "park" point closing a trajectory.
func (w Waypoint) IsTerminator() bool {
	return w == Waypoint{}
}

// Trajectory is an ordered, immutable waypoint sequence ending with the
// terminator. It is only ever replaced as a whole.
type Trajectory struct {
	Waypoints []Waypoint
}

// Len returns the number of waypoints including the terminator.
func (t *Trajectory) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Waypoints)
}

// At returns waypoint i.
func (t *Trajectory) At(i int) Waypoint {
	return t.Waypoints[i]
}

// String renders the trajectory one waypoint per line.
func (t *Trajectory) String() string {
	var b strings.Builder
	for _, w := range t.Waypoints {
		fmt.Fprintf(&b, "%9d%7d%4d\n", w.Position, w.Velocity, w.Duration)
	}
	return b.String()
}

// Shape holds the four parameters that define a flexion profile.
type Shape struct {
	CycleLength  float64 // seconds
	Width        float64 // peak width factor, non-dimensional
	Displacement float64 // peak displacement factor, non-dimensional
	PeakAngle    float64 // maximum knee flexion, degrees
}

// Report is the outcome of a feasibility check.
type Report struct {
	MaxVelocity     float64 // motor rpm
	MaxAcceleration float64 // motor rpm/s
	Feasible        bool
	Reason          string
}

// Planner turns shapes into trajectories for one actuator.
type Planner struct {
	Steps   int
	Gearing units.Gearing
}

// NewPlanner returns a planner with the given number of generated steps and
// actuator drive train.
func NewPlanner(steps int, g units.Gearing) *Planner {
	if steps <= 0 {
		steps = DefaultSteps
	}
	return &Planner{Steps: steps, Gearing: g}
}

// Generate samples the flexion profile at Steps evenly spaced instants and
// appends the terminator. The interval is rounded to the nearest millisecond
// and the cycle length adjusted to Steps times that interval.
func (p *Planner) Generate(s Shape) *Trajectory {
	ns := p.Steps
	dt := math.Round(s.CycleLength/float64(ns)*1000) / 1000
	cl := float64(ns) * dt

	wps := make([]Waypoint, 0, ns+1)
	for i := 1; i <= ns; i++ {
		t := dt * float64(i)

		wt := 2 * math.Pi / cl * t
		ph := s.Displacement*math.Sin(wt/2) + s.Width*math.Sin(wt)

		pos := s.PeakAngle / 2 * (1 - math.Cos(wt-ph))
		vel := s.PeakAngle * math.Pi / cl *
			(math.Sin(wt-ph) * (1 - s.Displacement/2*math.Cos(wt/2) - s.Width*math.Cos(wt)))

		wps = append(wps, Waypoint{
			Position: p.Gearing.DegreesToCounts(pos),
			Velocity: int64(math.Round(p.Gearing.OutputToMotorRPM(vel))),
			Duration: int(math.Round(dt * 1000)),
		})
	}
	wps = append(wps, Waypoint{})

	return &Trajectory{Waypoints: wps}
}

// Check fits the cubic the controller interpolates between consecutive
// waypoints, starting from rest at zero, and reports the peak velocity and
// acceleration of the whole trajectory in motor units.
func (p *Planner) Check(tr *Trajectory, maxVel, maxAcc float64) Report {
	n := tr.Len() - 1 // the terminator is not an interval
	if n < 1 {
		return Report{Reason: "trajectory has no intervals"}
	}

	for i := 0; i < n; i++ {
		if d := tr.At(i).Duration; d < MinDuration || d > MaxDuration {
			return Report{Reason: fmt.Sprintf("interval %d lasts %d ms, outside [%d,%d]", i, d, MinDuration, MaxDuration)}
		}
	}

	var p0, v0 float64
	vel := make([]float64, 0, 2*n)
	acc := make([]float64, 0, 2*n)

	for i := 0; i < n; i++ {
		w := tr.At(i)
		p1 := p.Gearing.CountsToDegrees(w.Position)
		v1 := p.Gearing.MotorRPMToOutput(float64(w.Velocity))
		dt := float64(w.Duration) / 1000

		// p(t) = a t³ + b t² + v0 t + p0
		a := (2*(p0-p1) + dt*(v0+v1)) / math.Pow(dt, 3)
		b := (3*(p1-p0) - dt*(2*v0+v1)) / math.Pow(dt, 2)

		vel = append(vel, math.Abs(v1))
		if t0 := -b / (3 * a); t0 > 0 && t0 < dt {
			vel = append(vel, math.Abs(v0+b*t0))
		}
		acc = append(acc, math.Abs(2*b), math.Abs(2*b+6*a*dt))

		p0, v0 = p1, v1
	}

	r := Report{
		MaxVelocity:     p.Gearing.OutputToMotorRPM(floats.Max(vel)),
		MaxAcceleration: p.Gearing.OutputToMotorRPM(floats.Max(acc)),
	}
	switch {
	case r.MaxVelocity > maxVel:
		r.Reason = fmt.Sprintf("peak velocity %.0f rpm exceeds %.0f", r.MaxVelocity, maxVel)
	case r.MaxAcceleration > maxAcc:
		r.Reason = fmt.Sprintf("peak acceleration %.0f rpm/s exceeds %.0f", r.MaxAcceleration, maxAcc)
	default:
		r.Feasible = true
	}
	return r
}

// Propose generates a trajectory for s and checks it. The trajectory is only
// returned when it is feasible; callers must keep their current trajectory
// otherwise.
func (p *Planner) Propose(s Shape, maxVel, maxAcc float64) (*Trajectory, Report, error) {
	tr := p.Generate(s)
	r := p.Check(tr, maxVel, maxAcc)
	if !r.Feasible {
		return nil, r, fmt.Errorf("%w: %s", ErrInfeasible, r.Reason)
	}
	return tr, r, nil
}

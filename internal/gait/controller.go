// Package gait detects heel-off on one limb and plays the flexion trajectory
// on that limb's actuator.
package gait

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/ulugris/orthosis/internal/monitoring"
	"github.com/ulugris/orthosis/internal/params"
	"github.com/ulugris/orthosis/internal/timeutil"
	"github.com/ulugris/orthosis/internal/trajectory"
)

// Phase is the gait phase of one limb.
type Phase int

const (
	Stance Phase = iota
	Swing
)

func (p Phase) String() string {
	switch p {
	case Stance:
		return "stance"
	case Swing:
		return "swing"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Actuator is the part of an actuation channel the controller drives.
type Actuator interface {
	AddWaypoint(w trajectory.Waypoint) error
	Launch() error
}

// Controller is the stance/swing state machine of one limb. Step, Reset and
// SetParam must be called from a single goroutine; SetTrajectory may be
// called from any.
type Controller struct {
	name  string
	act   Actuator
	swing *timeutil.Stopwatch

	traj atomic.Pointer[trajectory.Trajectory]

	phase  Phase
	cursor int
	static int
	p      params.Set
}

// NewController returns a controller in stance with default parameters and
// no trajectory.
func NewController(name string, act Actuator, clock timeutil.Clock) *Controller {
	return &Controller{
		name:  name,
		act:   act,
		swing: timeutil.NewStopwatch(clock),
		p:     params.Defaults(),
	}
}

// Step advances the state machine by one control sample.
func (c *Controller) Step(ownAngle, oppAngle, ownAcc float64) {
	if c.phase == Stance {
		// Preload the next trajectory, one waypoint per sample.
		if tr := c.traj.Load(); c.cursor < tr.Len() {
			if err := c.act.AddWaypoint(tr.At(c.cursor)); err != nil {
				monitoring.Logf("%s controller: %v", c.name, err)
			} else {
				monitoring.RecordWaypoint(c.name)
			}
			c.cursor++
		}

		if ownAngle >= c.p[params.OwnStanceThreshold] &&
			oppAngle <= c.p[params.OppositeStanceThreshold] &&
			float64(c.static) > c.p[params.MinStaticFrames] &&
			ownAcc < -c.p[params.TriggerThreshold] {
			c.swing.Start()
			c.phase = Swing
			c.static = 0
			c.cursor = 0
		}
	}

	if math.Abs(ownAcc) <= c.p[params.StaticThreshold] {
		c.static++
	} else {
		c.static = 0
	}

	if c.phase == Swing && c.swing.Seconds() >= c.p[params.TriggerDelay]+c.p[params.CycleLength] {
		c.cursor = 0
		c.phase = Stance
		if err := c.act.Launch(); err != nil {
			monitoring.Logf("%s controller: %v", c.name, err)
			return
		}
		monitoring.RecordLaunch(c.name)
	}
}

// Reset returns to stance and forgets the static count and playback
// position.
func (c *Controller) Reset() {
	c.phase = Stance
	c.static = 0
	c.cursor = 0
}

// SetParam implements params.Sink.
func (c *Controller) SetParam(k params.Knob, v float64) error {
	if !k.Valid() {
		return fmt.Errorf("%w: %d", params.ErrUnknownKnob, int(k))
	}
	c.p[k] = v
	return nil
}

// SetTrajectory implements params.Sink. The trajectory is swapped as a whole.
func (c *Controller) SetTrajectory(tr *trajectory.Trajectory) {
	c.traj.Store(tr)
}

func (c *Controller) Phase() Phase                       { return c.phase }
func (c *Controller) StaticFrames() int                  { return c.static }
func (c *Controller) Cursor() int                        { return c.cursor }
func (c *Controller) Trajectory() *trajectory.Trajectory { return c.traj.Load() }

package params

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/ulugris/orthosis/internal/monitoring"
	"github.com/ulugris/orthosis/internal/trajectory"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrUnknownKnob    = errors.New("unknown knob")
	ErrInvalidValue   = errors.New("parameter value is not finite")
)

// Sink receives the parameters and trajectory of one limb.
type Sink interface {
	SetParam(k Knob, v float64) error
	SetTrajectory(tr *trajectory.Trajectory)
}

// Change describes one Set call, accepted or not.
type Change struct {
	Channel  int
	Knob     Knob
	Value    float64
	Accepted bool
	Reason   string
}

// Limits are the actuator bounds every trajectory must respect.
type Limits struct {
	MaxVelocity     float64 // motor rpm
	MaxAcceleration float64 // motor rpm/s
}

// DefaultLimits returns the limits of the fitted actuators.
func DefaultLimits() Limits {
	return Limits{
		MaxVelocity:     trajectory.DefaultMaxVelocity,
		MaxAcceleration: trajectory.DefaultMaxAcceleration,
	}
}

// Store owns the parameter sets of both limbs. A trajectory-affecting knob is
// only committed when the trajectory it produces passes the feasibility
// check; otherwise the value and the active trajectory are left unchanged.
type Store struct {
	mu       sync.Mutex
	values   [NumChannels]Set
	planners [NumChannels]*trajectory.Planner
	sinks    [NumChannels]Sink
	limits   Limits
	backend  Backend

	// OnChange, if set, is called after every Set.
	OnChange func(Change)
}

// NewStore returns a store using planner settings for both limbs. Sinks
// may be nil.
func NewStore(planners [NumChannels]*trajectory.Planner, limits Limits, backend Backend, sinks [NumChannels]Sink) *Store {
	s := &Store{
		planners: planners,
		sinks:    sinks,
		limits:   limits,
		backend:  backend,
	}
	for ch := range s.values {
		s.values[ch] = Defaults()
	}
	return s
}

// Setup loads the persisted parameters, generates both trajectories and
// pushes everything to the sinks. A persisted set whose trajectory is not
// feasible is replaced by the defaults.
func (s *Store) Setup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend != nil {
		vals, err := s.backend.Load()
		switch {
		case errors.Is(err, ErrNoParameters):
			monitoring.Logf("no parameter file, using defaults")
		case err != nil:
			return fmt.Errorf("failed to load parameters: %w", err)
		default:
			monitoring.Logf("loaded parameters from %v", s.backend)
			s.values = vals
		}
	}

	for ch := range s.values {
		tr, _, err := s.planners[ch].Propose(s.values[ch].Shape(), s.limits.MaxVelocity, s.limits.MaxAcceleration)
		if err != nil {
			monitoring.Logf("stored %s parameters rejected (%v), using defaults", ChannelName(ch), err)
			s.values[ch] = Defaults()
			if tr, _, err = s.planners[ch].Propose(s.values[ch].Shape(), s.limits.MaxVelocity, s.limits.MaxAcceleration); err != nil {
				return fmt.Errorf("default %s trajectory: %w", ChannelName(ch), err)
			}
		}
		if sink := s.sinks[ch]; sink != nil {
			sink.SetTrajectory(tr)
			for k := Knob(0); k < NumKnobs; k++ {
				if err := sink.SetParam(k, s.values[ch][k]); err != nil {
					monitoring.Logf("%s controller: %v", ChannelName(ch), err)
				}
			}
		}
	}
	return nil
}

// Get returns one parameter value; out-of-range indexes return 0.
func (s *Store) Get(ch int, k Knob) float64 {
	if ch < 0 || ch >= NumChannels || !k.Valid() {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[ch][k]
}

// Values returns a snapshot of both parameter sets.
func (s *Store) Values() [NumChannels]Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values
}

// Limits returns the actuator limits trajectories are checked against.
func (s *Store) Limits() Limits { return s.limits }

// Set changes one parameter. For knobs that shape the trajectory the new
// trajectory is generated and checked first; an infeasible result returns an
// error wrapping trajectory.ErrInfeasible and changes nothing.
func (s *Store) Set(ch int, k Knob, v float64) error {
	err := s.set(ch, k, v)
	if s.OnChange != nil && ch >= 0 && ch < NumChannels && k.Valid() {
		c := Change{Channel: ch, Knob: k, Value: v, Accepted: err == nil}
		if err != nil {
			c.Reason = err.Error()
		}
		s.OnChange(c)
	}
	return err
}

func (s *Store) set(ch int, k Knob, v float64) error {
	if ch < 0 || ch >= NumChannels {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}
	if !k.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKnob, int(k))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ErrInvalidValue
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	monitoring.Logf("setting knob %d of %s channel to %g", int(k)+1, ChannelName(ch), v)

	next := s.values[ch]
	next[k] = v

	var tr *trajectory.Trajectory
	if k.AffectsTrajectory() {
		var (
			rep trajectory.Report
			err error
		)
		tr, rep, err = s.planners[ch].Propose(next.Shape(), s.limits.MaxVelocity, s.limits.MaxAcceleration)
		if err != nil {
			monitoring.Logf("infeasible trajectory for motor %d: %s", ch+1, rep.Reason)
			return err
		}
		monitoring.Logf("generated trajectory for motor %d (peak %.0f rpm, %.0f rpm/s):\n%s",
			ch+1, rep.MaxVelocity, rep.MaxAcceleration, strings.TrimRight(tr.String(), "\n"))
	}

	s.values[ch] = next
	if sink := s.sinks[ch]; sink != nil {
		if err := sink.SetParam(k, v); err != nil {
			monitoring.Logf("%s controller: %v", ChannelName(ch), err)
		}
		if tr != nil {
			sink.SetTrajectory(tr)
		}
	}
	return nil
}

// Save persists the current parameters.
func (s *Store) Save() error {
	if s.backend == nil {
		return nil
	}
	vals := s.Values()
	monitoring.Logf("writing parameters to %v", s.backend)
	return s.backend.Save(vals)
}

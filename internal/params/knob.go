// Package params holds the ten tuning knobs of each limb, keeps the active
// trajectories consistent with them and persists them between runs.
package params

import (
	"fmt"

	"github.com/ulugris/orthosis/internal/trajectory"
)

// Knob identifies one tuning parameter. The numeric values are part of the
// operator protocol.
type Knob int

const (
	PeakAngle               Knob = iota // maximum knee flexion, degrees
	DisplacementFactor                  // peak displacement shape factor
	WidthFactor                         // peak width shape factor
	CycleLength                         // seconds
	TriggerDelay                        // heel-off to cycle start, seconds
	StaticThreshold                     // |acc| below which a frame is static, g
	TriggerThreshold                    // negative acceleration that starts a cycle, g
	MinStaticFrames                     // static frames needed before a trigger
	OwnStanceThreshold                  // own thigh angle for stance, degrees
	OppositeStanceThreshold             // opposite thigh angle for stance, degrees

	NumKnobs = 10
)

// Limb channels.
const (
	Right       = 0
	Left        = 1
	NumChannels = 2
)

var knobNames = [NumKnobs]string{
	"peak_angle",
	"displacement_factor",
	"width_factor",
	"cycle_length",
	"trigger_delay",
	"static_threshold",
	"trigger_threshold",
	"min_static_frames",
	"own_stance_threshold",
	"opposite_stance_threshold",
}

func (k Knob) String() string {
	if k.Valid() {
		return knobNames[k]
	}
	return fmt.Sprintf("knob(%d)", int(k))
}

func (k Knob) Valid() bool { return k >= 0 && k < NumKnobs }

// AffectsTrajectory reports whether changing k requires a new trajectory.
func (k Knob) AffectsTrajectory() bool { return k >= PeakAngle && k <= CycleLength }

// ChannelName returns "R" or "L".
func ChannelName(ch int) string {
	switch ch {
	case Right:
		return "R"
	case Left:
		return "L"
	}
	return fmt.Sprintf("ch%d", ch)
}

// Set is the full parameter set of one limb, indexed by Knob.
type Set [NumKnobs]float64

// Defaults returns the factory parameter set.
func Defaults() Set {
	return Set{40, 0.16, -0.1, 0.70, 0, 0.05, 0.25, 25, 10, 4}
}

// Shape returns the trajectory shape described by s.
func (s Set) Shape() trajectory.Shape {
	return trajectory.Shape{
		CycleLength:  s[CycleLength],
		Width:        s[WidthFactor],
		Displacement: s[DisplacementFactor],
		PeakAngle:    s[PeakAngle],
	}
}

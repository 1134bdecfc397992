// Package units converts between joint-space quantities (degrees at the gear
// output) and the integer units understood by the actuator controller.
package units

import "math"

// Default drive train of the orthosis actuators.
const (
	DefaultGearRatio     = 160.0
	DefaultEncoderCounts = 4 * 1024 // quadcounts per motor revolution
)

// Gearing describes a motor, its gearbox and its encoder.
type Gearing struct {
	Ratio         float64 // motor turns per output turn
	EncoderCounts int     // quadcounts per motor turn
}

// DefaultGearing returns the drive train fitted to both limbs.
func DefaultGearing() Gearing {
	return Gearing{Ratio: DefaultGearRatio, EncoderCounts: DefaultEncoderCounts}
}

// CountsPerDegree is the number of encoder quadcounts per degree at the
// gear output.
func (g Gearing) CountsPerDegree() float64 {
	return float64(g.EncoderCounts) * g.Ratio / 360
}

// DegreesToCounts converts an output angle to encoder quadcounts.
func (g Gearing) DegreesToCounts(deg float64) int64 {
	return int64(math.Round(deg * g.CountsPerDegree()))
}

// CountsToDegrees converts encoder quadcounts to an output angle.
func (g Gearing) CountsToDegrees(counts int64) float64 {
	return float64(counts) / g.CountsPerDegree()
}

// OutputToMotorRPM converts an output rate in deg/s (or deg/s² for
// accelerations) to motor rpm (or rpm/s).
func (g Gearing) OutputToMotorRPM(degPerSec float64) float64 {
	return degPerSec * g.Ratio / 6
}

// MotorRPMToOutput is the inverse of OutputToMotorRPM.
func (g Gearing) MotorRPMToOutput(rpm float64) float64 {
	return rpm * 6 / g.Ratio
}

// Radians converts degrees to radians.
func Radians(deg float64) float64 { return deg * math.Pi / 180 }

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 { return rad * 180 / math.Pi }

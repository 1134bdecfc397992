package orchestrator

import (
	"encoding/binary"
	"math"

	"gonum.org/v1/gonum/num/quat"

	"github.com/ulugris/orthosis/internal/sensorlink"
	"github.com/ulugris/orthosis/internal/units"
)

// telemetryValues is the number of doubles in a telemetry datagram:
// time, right and left angle, right and left motor position, a reserved
// zero, and right and left acceleration.
const telemetryValues = 8

func encodeTelemetry(out [telemetryValues]float64) []byte {
	b := make([]byte, 0, 8*telemetryValues)
	for _, v := range out {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
	}
	return b
}

// pitch returns the thigh pitch in degrees seen by a sensor: the elevation
// of the sensor's y axis after rotation by its orientation quaternion.
func pitch(f sensorlink.Frame) float64 {
	q := quat.Number{
		Real: float64(f[sensorlink.QuatW]),
		Imag: float64(f[sensorlink.QuatX]),
		Jmag: float64(f[sensorlink.QuatY]),
		Kmag: float64(f[sensorlink.QuatZ]),
	}
	y := quat.Mul(quat.Mul(q, quat.Number{Jmag: 1}), quat.Conj(q))
	return units.Degrees(math.Asin(math.Max(-1, math.Min(1, y.Kmag))))
}

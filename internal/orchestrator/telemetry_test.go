package orchestrator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ulugris/orthosis/internal/params"
	"github.com/ulugris/orthosis/internal/sensorlink"
)

// frameAbout returns the orientation of a rotation by deg about the x axis.
func frameAbout(deg float64) sensorlink.Frame {
	h := deg * math.Pi / 360
	var f sensorlink.Frame
	f[sensorlink.QuatW] = float32(math.Cos(h))
	f[sensorlink.QuatX] = float32(math.Sin(h))
	return f
}

func TestPitch(t *testing.T) {
	for _, deg := range []float64{-80, -30, 0, 15, 45, 89} {
		assert.InDelta(t, deg, pitch(frameAbout(deg)), 1e-4, "%g degrees", deg)
	}

	var level sensorlink.Frame
	level[sensorlink.QuatW] = 1
	assert.Equal(t, 0.0, pitch(level))
}

func TestPitchMatchesClosedForm(t *testing.T) {
	f := sensorlink.Frame{0.3, 0.5, -0.2, 0.6}
	q0, q1, q2, q3 := float64(f[0]), float64(f[1]), float64(f[2]), float64(f[3])
	want := math.Asin(2*(q2*q3+q0*q1)) * 180 / math.Pi
	assert.InDelta(t, want, pitch(f), 1e-9)
}

func TestPitchClamped(t *testing.T) {
	// Unnormalized values beyond the asin domain saturate instead of NaN.
	f := sensorlink.Frame{1, 1, 1, 1}
	assert.Equal(t, 90.0, pitch(f))
	f = sensorlink.Frame{1, -1, 1, 1}
	assert.InDelta(t, 0, pitch(f), 1e-9)
}

func TestEncodeTelemetry(t *testing.T) {
	b := encodeTelemetry([telemetryValues]float64{0.25, 1, 2, 3, 4, 0, 6, 7})
	assert.Len(t, b, 64)
	assert.Equal(t, []float64{0.25, 1, 2, 3, 4, 0, 6, 7}, decodeDoubles(b))
}

func TestEncodeParams(t *testing.T) {
	var vals [params.NumChannels]params.Set
	for i := range params.NumKnobs {
		vals[params.Right][i] = float64(i)
		vals[params.Left][i] = float64(100 + i)
	}
	d := decodeDoubles(encodeParams(vals))
	assert.Len(t, d, 20)
	assert.Equal(t, 9.0, d[9])
	assert.Equal(t, 100.0, d[10])
}

func TestDecodeParamTriple(t *testing.T) {
	ch, knob, v := decodeParamTriple(triple(1.9, 3.2, -0.5))
	assert.Equal(t, 1, ch)
	assert.Equal(t, 3, knob)
	assert.Equal(t, -0.5, v)

	ch, _, _ = decodeParamTriple(triple(math.NaN(), 0, 0))
	assert.Equal(t, -1, ch)
	ch, _, _ = decodeParamTriple(triple(1e300, 0, 0))
	assert.Equal(t, -1, ch)
}

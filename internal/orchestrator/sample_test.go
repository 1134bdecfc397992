package orchestrator

import (
	"math"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulugris/orthosis/internal/actuation"
	"github.com/ulugris/orthosis/internal/gait"
	"github.com/ulugris/orthosis/internal/params"
	"github.com/ulugris/orthosis/internal/sensorlink"
	"github.com/ulugris/orthosis/internal/timeutil"
	"github.com/ulugris/orthosis/internal/trajectory"
	"github.com/ulugris/orthosis/internal/units"
)

// fixedSensor always reports the same frame.
type fixedSensor struct {
	*sensorlink.Inert
	frame sensorlink.Frame
}

func (f *fixedSensor) Latest() (sensorlink.Sample, bool) {
	return sensorlink.Sample{Values: f.frame}, true
}

type nopActuator struct{ launches int }

func (*nopActuator) AddWaypoint(trajectory.Waypoint) error { return nil }
func (a *nopActuator) Launch() error                       { a.launches++; return nil }

// newLoop builds an orchestrator that is not running, so tests can drive
// its loop methods directly.
func newLoop(t *testing.T, cfg Config, right, left sensorlink.Frame) (*Orchestrator, [params.NumChannels]*fixedSensor) {
	t.Helper()
	dir := t.TempDir()

	var (
		limbs    [params.NumChannels]Limb
		sinks    [params.NumChannels]params.Sink
		planners [params.NumChannels]*trajectory.Planner
		sensors  [params.NumChannels]*fixedSensor
	)
	for i, f := range []sensorlink.Frame{right, left} {
		sensors[i] = &fixedSensor{Inert: sensorlink.NewInert(i+1, nil), frame: f}
		ctrl := gait.NewController(params.ChannelName(i), &nopActuator{}, timeutil.RealClock{})
		limbs[i] = Limb{
			Sensor:     sensors[i],
			Channel:    actuation.NewChannel(i+1, actuation.NewSimulated(timeutil.RealClock{}, units.DefaultGearing()), 0),
			Controller: ctrl,
		}
		planners[i] = trajectory.NewPlanner(trajectory.DefaultSteps, units.DefaultGearing())
	}
	store := params.NewStore(planners, params.DefaultLimits(), params.FileBackend{Path: filepath.Join(dir, "Control.ini")}, sinks)

	cfg.ListenAddr = "127.0.0.1:0"
	cfg.LogDir = filepath.Join(dir, "log")
	o, err := New(cfg, store, limbs, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.conn.Close() })
	return o, sensors
}

func TestSampleFansOutAngles(t *testing.T) {
	o, _ := newLoop(t, DefaultConfig(), frameAbout(20), frameAbout(30))
	o.sample()

	assert.InDelta(t, 20, o.pitch[params.Right], 1e-4)
	assert.InDelta(t, -30, o.pitch[params.Left], 1e-4, "left pitch is inverted")

	cos20, cos30 := math.Cos(20*math.Pi/180), math.Cos(30*math.Pi/180)
	assert.InDelta(t, cos20, o.acc[params.Right], 1e-4)
	assert.InDelta(t, cos30, o.acc[params.Left], 1e-4)

	want := [telemetryValues]float64{0, 55, 5, 0, 0, 0, 10*cos20 + 35, 10*cos30 + 35}
	for i := range want {
		assert.InDelta(t, want[i], o.out[i], 1e-3, "out[%d]", i)
	}
}

func TestSampleAccelerationChannel(t *testing.T) {
	right := frameAbout(0)
	right[sensorlink.Accel] = -1.5
	o, _ := newLoop(t, DefaultConfig(), right, frameAbout(0))
	o.sample()

	assert.InDelta(t, -0.5, o.acc[params.Right], 1e-6)
	assert.InDelta(t, 1, o.acc[params.Left], 1e-6)
	assert.InDelta(t, 30, o.out[6], 1e-5)
	assert.InDelta(t, 45, o.out[7], 1e-5)
}

func TestSampleTelemetryOffsetAndSign(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TelemetryOffset = 0
	cfg.LeftAngleSign = 1
	o, _ := newLoop(t, cfg, frameAbout(20), frameAbout(30))
	o.sample()

	assert.InDelta(t, 20, o.out[1], 1e-4)
	assert.InDelta(t, 30, o.out[2], 1e-4)
}

// TestSampleRightTriggerUsesInvertedLeftAngle holds the right thigh in a
// triggering posture and checks that heel-off is only detected when the
// left thigh, after inversion, is at or below the opposite threshold.
func TestSampleRightTriggerUsesInvertedLeftAngle(t *testing.T) {
	def := params.Defaults()
	tests := []struct {
		name      string
		leftRaw   float64
		wantSwing bool
	}{
		{"left behind", 30, true}, // inverted to -30
		{"left just under threshold", -def[params.OppositeStanceThreshold] + 0.01, true},
		{"left ahead", -30, false}, // inverted to +30
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, sensors := newLoop(t, DefaultConfig(), frameAbout(20), frameAbout(tt.leftRaw))
			right := sensors[params.Right]

			// Static frames: gravity cancelled.
			right.frame[sensorlink.Accel] = float32(-math.Cos(20 * math.Pi / 180))
			for range int(def[params.MinStaticFrames]) + 1 {
				o.sample()
			}
			require.Equal(t, gait.Stance, o.limbs[params.Right].Controller.Phase())

			// Heel-off: a sharp drop below the trigger threshold.
			right.frame[sensorlink.Accel] -= float32(2 * def[params.TriggerThreshold])
			o.sample()

			got := o.limbs[params.Right].Controller.Phase() == gait.Swing
			assert.Equal(t, tt.wantSwing, got)
			assert.Equal(t, gait.Stance, o.limbs[params.Left].Controller.Phase(), "left never triggers")
		})
	}
}

func TestConnectVariantsSetTelemetryRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleRate = 100
	cfg.ConnectRate = 25
	cfg.AndroidRate = 50
	o, _ := newLoop(t, cfg, frameAbout(0), frameAbout(0))

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	from := peer.LocalAddr().(*net.UDPAddr)

	tests := []struct {
		cmd  string
		want uint64
	}{
		{cmdAndroid, 2},
		{cmdConnect, 4},
		{cmdAndroid, 2},
	}
	for _, tt := range tests {
		o.handle(t.Context(), datagram{data: []byte(tt.cmd), from: from})
		assert.Equal(t, tt.want, o.pskip, tt.cmd)

		// Both variants get the same three replies.
		for _, want := range []int{2, 1, 160} {
			b, err := read(peer, time.Second)
			require.NoError(t, err)
			assert.Len(t, b, want, tt.cmd)
		}
	}
	assert.Equal(t, from.String(), o.Snapshot().Peer)
}

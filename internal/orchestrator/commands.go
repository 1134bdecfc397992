package orchestrator

import (
	"context"
	"encoding/binary"
	"math"
	"net"

	"github.com/ulugris/orthosis/internal/monitoring"
	"github.com/ulugris/orthosis/internal/params"
)

// Operator commands.
const (
	cmdConnect = "Connect"
	cmdAndroid = "Android"
	cmdOn      = "On"
	cmdOff     = "Off"
	cmdStart   = "Start"
	cmdStop    = "Stop"
)

// Replies.
var (
	replyOk  = []byte("Ok")
	replyErr = []byte("Err")
)

// paramTripleSize is the length of a set-parameter request: channel, knob
// and value as little-endian float64.
const paramTripleSize = 24

func (o *Orchestrator) handle(ctx context.Context, d datagram) {
	o.peer = d.from

	msg := string(d.data)
	switch {
	case msg == cmdConnect || msg == cmdAndroid:
		o.connect(d.from, msg)
		monitoring.RecordCommand(msg, "ok")

	case msg == cmdOn:
		if o.status != Disabled {
			monitoring.RecordCommand(msg, "ignored")
			return
		}
		if err := o.enable(ctx); err != nil {
			monitoring.Logf("enable failed, dropping %s: %v", d.from, err)
			monitoring.RecordCommand(msg, "failed")
			o.peer = nil
			return
		}
		o.setStatus(Enabled)
		o.reply(d.from, replyOk)
		monitoring.RecordCommand(msg, "ok")

	case msg == cmdOff:
		if o.status == Disabled {
			monitoring.RecordCommand(msg, "ignored")
			return
		}
		o.setStatus(Disabled)
		if err := o.store.Save(); err != nil {
			monitoring.Logf("failed to save parameters: %v", err)
		}
		o.shutdown()
		o.reply(d.from, replyOk)
		monitoring.RecordCommand(msg, "ok")

	case msg == cmdStart:
		if o.status != Enabled {
			monitoring.RecordCommand(msg, "ignored")
			return
		}
		o.setStatus(Running)
		o.start()
		o.reply(d.from, replyOk)
		monitoring.RecordCommand(msg, "ok")

	case msg == cmdStop:
		if o.status != Running {
			monitoring.RecordCommand(msg, "ignored")
			return
		}
		o.setStatus(Enabled)
		o.stop()
		o.reply(d.from, replyOk)
		monitoring.RecordCommand(msg, "ok")

	case len(d.data) == paramTripleSize:
		ch, knob, v := decodeParamTriple(d.data)
		if err := o.store.Set(ch, params.Knob(knob), v); err != nil {
			monitoring.Logf("parameter rejected: %v", err)
			o.reply(d.from, replyErr)
			monitoring.RecordCommand("Set", "err")
			return
		}
		o.reply(d.from, replyOk)
		monitoring.RecordCommand("Set", "ok")

	default:
		monitoring.Logf("unknown command %q", d.data)
		monitoring.RecordCommand("unknown", "ignored")
	}
}

// connect answers with "Ok", the status byte and both parameter sets, and
// sets the telemetry rate for the kind of peer.
func (o *Orchestrator) connect(to *net.UDPAddr, kind string) {
	o.reply(to, replyOk)
	o.reply(to, []byte{byte(o.status)})
	o.reply(to, encodeParams(o.store.Values()))

	monitoring.Logf("connected to %s", to.IP)

	rate := o.cfg.ConnectRate
	if kind == cmdAndroid {
		rate = o.cfg.AndroidRate
	}
	o.pskip = skip(o.cfg.SampleRate, rate)
	monitoring.Logf("setting plot rate to %g Hz", o.cfg.SampleRate/float64(o.pskip))
	o.publish()
}

func (o *Orchestrator) reply(to *net.UDPAddr, b []byte) {
	if _, err := o.conn.WriteToUDP(b, to); err != nil {
		monitoring.Logf("reply to %s failed: %v", to, err)
	}
}

// decodeParamTriple truncates the channel and knob to integers. Values that
// do not fit an int map to -1, which the store rejects.
func decodeParamTriple(b []byte) (ch, knob int, v float64) {
	f := func(i int) float64 {
		return math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return truncate(f(0)), truncate(f(1)), f(2)
}

func truncate(x float64) int {
	if math.IsNaN(x) || x < math.MinInt32 || x > math.MaxInt32 {
		return -1
	}
	return int(x)
}

// encodeParams lays out all right knobs followed by all left knobs.
func encodeParams(vals [params.NumChannels]params.Set) []byte {
	b := make([]byte, 0, 8*params.NumChannels*params.NumKnobs)
	for _, set := range vals {
		for _, v := range set {
			b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
		}
	}
	return b
}

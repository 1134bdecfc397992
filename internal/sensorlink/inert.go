package sensorlink

import (
	"context"
	"sync/atomic"

	"github.com/ulugris/orthosis/internal/monitoring"
)

// Inert is a Sensor used when the device could not be opened. It keeps its
// configured identity, reports ready when synchronized and never produces
// samples, so the rest of the system runs without that limb.
type Inert struct {
	id     int
	ready  chan<- int
	cmds   chan command
	closed atomic.Bool
}

func NewInert(id int, ready chan<- int) *Inert {
	return &Inert{
		id:    id,
		ready: ready,
		cmds:  make(chan command, DefaultQueueSize),
	}
}

func (n *Inert) ID() int                { return n.id }
func (n *Inert) Latest() (Sample, bool) { return Sample{}, false }
func (n *Inert) Sync() error            { return n.send(command{op: opSync}) }
func (n *Inert) Halt() error            { return n.send(command{op: opHalt}) }
func (n *Inert) Dump(string) error      { return n.send(command{op: opDump}) }

func (n *Inert) Close() error {
	if err := n.send(command{op: opClose}); err != nil {
		return err
	}
	n.closed.Store(true)
	return nil
}

func (n *Inert) send(c command) error {
	if n.closed.Load() {
		return ErrClosed
	}
	select {
	case n.cmds <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

func (n *Inert) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-n.cmds:
			switch c.op {
			case opSync:
				monitoring.Logf("sensor %d is inert, reporting ready", n.id)
				reportReady(ctx, n.ready, n.id)
			case opDump:
				monitoring.Logf("sensor %d is inert, nothing to dump", n.id)
			case opClose:
				return nil
			}
		}
	}
}

// Package actuation runs the two motor channels. Each channel is a worker
// goroutine that owns its driver and executes commands in the order they
// were queued.
package actuation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ulugris/orthosis/internal/monitoring"
	"github.com/ulugris/orthosis/internal/sensorlink"
	"github.com/ulugris/orthosis/internal/sessionlog"
	"github.com/ulugris/orthosis/internal/trajectory"
)

var ErrClosed = errors.New("actuation channel closed")

// DefaultQueueSize bounds the commands waiting for one channel.
const DefaultQueueSize = 32

// Driver is the motor controller of one channel.
type Driver interface {
	// Home enables the motor, finds the mechanical end stop and leaves the
	// controller ready to accept waypoints.
	Home(ctx context.Context) error
	// AddWaypoint appends a point to the controller's trajectory buffer.
	AddWaypoint(w trajectory.Waypoint) error
	// StartTrajectory plays the buffered points.
	StartTrajectory() error
	// Position returns the joint angle in degrees.
	Position() (float64, error)
	// Disable removes power from the motor.
	Disable() error
}

type opKind int

const (
	opHome opKind = iota
	opWaypoint
	opLaunch
	opRead
	opDump
	opDisable
	opClose
)

type command struct {
	op     opKind
	ctx    context.Context
	w      trajectory.Waypoint
	t      float64
	prefix string
	reply  chan error
}

// Channel is one actuation channel.
type Channel struct {
	id   int
	drv  Driver
	cmds chan command
	done chan struct{}

	pos    sensorlink.Mailbox[float64]
	log    *sessionlog.Recorder
	closed atomic.Bool
}

// NewChannel returns a channel driving drv. The id numbers the motor in
// logs and dump files.
func NewChannel(id int, drv Driver, queueSize int) *Channel {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Channel{
		id:   id,
		drv:  drv,
		cmds: make(chan command, queueSize),
		done: make(chan struct{}),
		log:  sessionlog.NewRecorder(2),
	}
}

func (c *Channel) ID() int { return c.id }

// Position returns the last position read, in degrees.
func (c *Channel) Position() (float64, bool) { return c.pos.Latest() }

// Home homes the motor and waits for the result.
func (c *Channel) Home(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.enqueue(command{op: opHome, ctx: ctx, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// AddWaypoint queues a waypoint, waiting for room in the queue.
func (c *Channel) AddWaypoint(w trajectory.Waypoint) error {
	return c.enqueue(command{op: opWaypoint, w: w})
}

// Launch queues the start of the buffered trajectory.
func (c *Channel) Launch() error {
	return c.enqueue(command{op: opLaunch})
}

// ReadPosition requests a position sample stamped with session time t. The
// request is dropped if the channel is busy.
func (c *Channel) ReadPosition(t float64) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.cmds <- command{op: opRead, t: t}:
		return true
	default:
		return false
	}
}

// Dump queues writing the position log to a file under prefix.
func (c *Channel) Dump(prefix string) error {
	return c.enqueue(command{op: opDump, prefix: prefix})
}

// Disable queues removing power from the motor.
func (c *Channel) Disable() error {
	return c.enqueue(command{op: opDisable})
}

// Close stops the worker after the commands already queued.
func (c *Channel) Close() error {
	if err := c.enqueue(command{op: opClose}); err != nil {
		return err
	}
	c.closed.Store(true)
	return nil
}

func (c *Channel) enqueue(cmd command) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Run executes commands until Close is processed or ctx is done.
func (c *Channel) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-c.cmds:
			if cmd.op == opClose {
				monitoring.Logf("closing motor %d", c.id)
				return nil
			}
			c.exec(cmd)
		}
	}
}

func (c *Channel) exec(cmd command) {
	switch cmd.op {
	case opHome:
		monitoring.Logf("motor %d homing", c.id)
		err := c.drv.Home(cmd.ctx)
		if err != nil {
			err = fmt.Errorf("motor %d: homing failed: %w", c.id, err)
		} else {
			monitoring.Logf("motor %d ready", c.id)
		}
		cmd.reply <- err

	case opWaypoint:
		if err := c.drv.AddWaypoint(cmd.w); err != nil {
			monitoring.Logf("motor %d: failed to add waypoint %+v: %v", c.id, cmd.w, err)
		}

	case opLaunch:
		if err := c.drv.StartTrajectory(); err != nil {
			monitoring.Logf("motor %d: failed to start trajectory: %v", c.id, err)
		}

	case opRead:
		p, err := c.drv.Position()
		if err != nil {
			monitoring.Logf("motor %d: failed to read position: %v", c.id, err)
			return
		}
		c.pos.Put(p)
		c.log.Append(cmd.t, p)

	case opDump:
		path := sessionlog.FileName(cmd.prefix, sessionlog.MotorKind, c.id)
		monitoring.Logf("writing motor %d data to %s", c.id, path)
		if _, err := c.log.Dump(path); err != nil {
			monitoring.Logf("motor %d dump failed: %v", c.id, err)
		}

	case opDisable:
		if err := c.drv.Disable(); err != nil {
			monitoring.Logf("motor %d: failed to disable: %v", c.id, err)
			return
		}
		monitoring.Logf("motor %d disabled", c.id)
	}
}

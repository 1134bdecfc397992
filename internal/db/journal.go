package db

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ulugris/orthosis/internal/monitoring"
	"github.com/ulugris/orthosis/internal/params"
)

// DefaultJournalSize bounds the records waiting to be written.
const DefaultJournalSize = 64

// DefaultWriteTimeout bounds a single catalog write.
const DefaultWriteTimeout = 5 * time.Second

var ErrJournalClosed = errors.New("catalog journal closed")

type entryKind int

const (
	entryBegin entryKind = iota
	entryEnd
	entryParam
	entryClose
)

type entry struct {
	kind    entryKind
	at      time.Time
	prefix  string
	samples int
	change  params.Change
}

// Journal writes catalog records on its own goroutine so callers on the
// control loop never wait for the database. Records are written in the
// order they were queued; when the queue is full new records are dropped.
type Journal struct {
	db           *DB
	entries      chan entry
	done         chan struct{}
	closed       atomic.Bool
	dropped      atomic.Uint64
	WriteTimeout time.Duration

	session string // open session, owned by Run
}

// NewJournal returns a journal writing to db.
func NewJournal(db *DB, queueSize int) *Journal {
	if queueSize <= 0 {
		queueSize = DefaultJournalSize
	}
	return &Journal{
		db:           db,
		entries:      make(chan entry, queueSize),
		done:         make(chan struct{}),
		WriteTimeout: DefaultWriteTimeout,
	}
}

// BeginSession queues the start of a session.
func (j *Journal) BeginSession(start time.Time) {
	j.offer(entry{kind: entryBegin, at: start})
}

// EndSession queues closing the open session.
func (j *Journal) EndSession(stop time.Time, prefix string, samples int) {
	j.offer(entry{kind: entryEnd, at: stop, prefix: prefix, samples: samples})
}

// RecordParamChange queues an audit record.
func (j *Journal) RecordParamChange(at time.Time, c params.Change) {
	j.offer(entry{kind: entryParam, at: at, change: c})
}

// Dropped returns the number of records discarded because the queue was full.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

func (j *Journal) offer(e entry) {
	if j.closed.Load() {
		return
	}
	select {
	case j.entries <- e:
	default:
		j.dropped.Add(1)
		monitoring.Logf("catalog journal full, dropping record")
	}
}

// Close stops the worker once every record queued before it is written.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return ErrJournalClosed
	}
	select {
	case j.entries <- entry{kind: entryClose}:
	case <-j.done:
	}
	return nil
}

// Run writes queued records until Close is processed or ctx is done.
func (j *Journal) Run(ctx context.Context) error {
	defer close(j.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-j.entries:
			if e.kind == entryClose {
				return nil
			}
			j.write(ctx, e)
		}
	}
}

func (j *Journal) write(ctx context.Context, e entry) {
	if j.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.WriteTimeout)
		defer cancel()
	}

	switch e.kind {
	case entryBegin:
		if j.session != "" {
			monitoring.Logf("session %s was never closed", j.session)
		}
		id, err := j.db.BeginSession(ctx, e.at)
		if err != nil {
			monitoring.Logf("failed to record session: %v", err)
		}
		j.session = id

	case entryEnd:
		if j.session == "" {
			monitoring.Logf("no open session to close")
			return
		}
		if err := j.db.EndSession(ctx, j.session, e.at, e.prefix, e.samples); err != nil {
			monitoring.Logf("failed to close session %s: %v", j.session, err)
		}
		j.session = ""

	case entryParam:
		if err := j.db.RecordParamChange(ctx, e.at, e.change); err != nil {
			monitoring.Logf("failed to record parameter change: %v", err)
		}
	}
}

package sensorlink

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// TestablePort implements SerialPorter for tests. Reads honour the read
// timeout like a real port: when no data arrives in time they return 0, nil.
// A zero timeout blocks until data is added or the port is closed.
type TestablePort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// WriteError is returned by the next Write call if set.
	WriteError error

	// OnWrite, if set, is called with every successful write.
	OnWrite func(p []byte)

	closed      bool
	readTimeout time.Duration
	readCalls   int
	timeouts    []time.Duration

	notify chan struct{}
	done   chan struct{}
}

// NewTestablePort creates a new TestablePort.
func NewTestablePort() *TestablePort {
	return &TestablePort{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Read reads buffered data, waiting up to the read timeout for more.
func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	t.readCalls++
	for {
		if t.closed {
			t.mu.Unlock()
			return 0, errPortClosed
		}
		if t.readBuf.Len() > 0 {
			n, _ := t.readBuf.Read(p)
			t.mu.Unlock()
			return n, nil
		}
		timeout := t.readTimeout
		t.mu.Unlock()

		if timeout > 0 {
			select {
			case <-t.notify:
			case <-t.done:
			case <-time.After(timeout):
				return 0, nil
			}
		} else {
			select {
			case <-t.notify:
			case <-t.done:
			}
		}
		t.mu.Lock()
	}
}

// Write records p.
func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}
	n, _ := t.writeBuf.Write(p)
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		hook(append([]byte(nil), p...))
	}
	return n, nil
}

// Close marks the port as closed and wakes any blocked reader.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// SetReadTimeout implements SerialPorter.
func (t *TestablePort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readTimeout = timeout
	t.timeouts = append(t.timeouts, timeout)
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	t.readBuf.Write(data)
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Written returns everything written to the port so far.
func (t *TestablePort) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeBuf.String()
}

// Pending returns the number of unread bytes.
func (t *TestablePort) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readBuf.Len()
}

// IsClosed reports whether Close was called.
func (t *TestablePort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Timeouts returns every read timeout set, in order.
func (t *TestablePort) Timeouts() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.timeouts...)
}

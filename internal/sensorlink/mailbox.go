package sensorlink

import (
	"math"
	"sync/atomic"
)

// Sample is one decoded frame stamped with the shared session time.
type Sample struct {
	Time   float64
	Values Frame
}

// Quaternion returns the orientation components of the sample.
func (s Sample) Quaternion() [4]float64 {
	return [4]float64{
		float64(s.Values[QuatW]),
		float64(s.Values[QuatX]),
		float64(s.Values[QuatY]),
		float64(s.Values[QuatZ]),
	}
}

// Mailbox is a single-slot, latest-value handoff between one writer and any
// number of readers. Readers never observe a partially written value.
type Mailbox[T any] struct {
	v atomic.Pointer[T]
}

// Put replaces the held value.
func (m *Mailbox[T]) Put(v T) {
	m.v.Store(&v)
}

// Latest returns the most recent value, or false if nothing was put yet.
func (m *Mailbox[T]) Latest() (T, bool) {
	p := m.v.Load()
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

// SharedTime is the session clock published by the control loop and read by
// the workers that timestamp their logs.
type SharedTime struct {
	bits atomic.Uint64
}

func (s *SharedTime) Set(t float64) { s.bits.Store(math.Float64bits(t)) }
func (s *SharedTime) Get() float64  { return math.Float64frombits(s.bits.Load()) }

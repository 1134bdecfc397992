package sensorlink

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMailbox(t *testing.T) {
	var m Mailbox[Sample]

	_, ok := m.Latest()
	assert.False(t, ok)

	m.Put(Sample{Time: 1})
	m.Put(Sample{Time: 2})
	s, ok := m.Latest()
	assert.True(t, ok)
	assert.Equal(t, 2.0, s.Time)
}

func TestMailbox_ConcurrentWriterSeesWholeValues(t *testing.T) {
	var m Mailbox[Sample]
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			v := float32(i)
			m.Put(Sample{Time: float64(i), Values: Frame{v, v, v, v, v, v, v, v, v, v}})
		}
	}()

	for i := 0; i < 1000; i++ {
		s, ok := m.Latest()
		if !ok {
			continue
		}
		for _, v := range s.Values {
			if float64(v) != s.Time {
				t.Fatalf("torn sample: time %v values %v", s.Time, s.Values)
			}
		}
	}
	wg.Wait()
}

func TestSharedTime(t *testing.T) {
	var st SharedTime
	assert.Equal(t, 0.0, st.Get())
	st.Set(12.345)
	assert.Equal(t, 12.345, st.Get())
}

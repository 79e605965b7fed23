package session

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBusOn(t *testing.T) {
	eb := NewEventBus(testLogger())

	var updates, all atomic.Int32
	unsub := eb.On(EventAttributeUpdate, func(Event) { updates.Add(1) })
	eb.OnAll(func(Event) { all.Add(1) })

	eb.Emit(Event{Type: EventAttributeUpdate})
	eb.Emit(Event{Type: EventReportDiscarded})
	assert.Equal(t, int32(1), updates.Load())
	assert.Equal(t, int32(2), all.Load())

	unsub()
	eb.Emit(Event{Type: EventAttributeUpdate})
	assert.Equal(t, int32(1), updates.Load())
	assert.Equal(t, int32(3), all.Load())
}

func TestEventBusRecoversPanic(t *testing.T) {
	eb := NewEventBus(testLogger())

	var called atomic.Bool
	eb.On(EventSessionOpened, func(Event) { panic("boom") })
	eb.On(EventSessionOpened, func(Event) { called.Store(true) })

	assert.NotPanics(t, func() { eb.Emit(Event{Type: EventSessionOpened}) })
	assert.True(t, called.Load())
}

package docsync

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	a := callbacks.Add(func() int { return 1 })
	b := callbacks.Add(func() int { return 2 })
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, callbacks.Len())

	snapshot := callbacks.Get()
	assert.Equal(t, true, callbacks.Remove(a))
	assert.Equal(t, false, callbacks.Remove(a))

	// the snapshot is not affected by the remove
	assert.Equal(t, 2, len(snapshot))
	assert.Equal(t, 1, snapshot[0]())

	remaining := callbacks.Get()
	assert.Equal(t, 1, len(remaining))
	assert.Equal(t, 2, remaining[0]())
}

func TestEventBusOnOff(t *testing.T) {
	events := NewEventBus()

	statuses := []Status{}
	listenerId := events.On(EventStatus, func(event Event) {
		statuses = append(statuses, event.(*StatusEvent).Status)
	})
	assert.Equal(t, 1, events.ListenerCount(EventStatus))
	assert.Equal(t, 0, events.ListenerCount(EventError))

	events.Emit(&StatusEvent{Status: StatusConnected})
	// other events are not delivered
	events.Emit(&ConnectEvent{})

	assert.Equal(t, true, events.Off(EventStatus, listenerId))
	assert.Equal(t, false, events.Off(EventStatus, listenerId))
	assert.Equal(t, false, events.Off(EventError, listenerId))

	events.Emit(&StatusEvent{Status: StatusDisconnected})

	assert.Equal(t, []Status{StatusConnected}, statuses)
}

func TestEventBusRemoveDuringEmit(t *testing.T) {
	events := NewEventBus()

	aCount := 0
	bCount := 0
	cCount := 0
	var bId ListenerId
	events.On(EventConnect, func(event Event) {
		aCount += 1
		// removed during this emission, still receives it
		events.Off(EventConnect, bId)
		// added during this emission, first receives the next one
		if aCount == 1 {
			events.On(EventConnect, func(event Event) {
				cCount += 1
			})
		}
	})
	bId = events.On(EventConnect, func(event Event) {
		bCount += 1
	})

	events.Emit(&ConnectEvent{})
	assert.Equal(t, 1, aCount)
	assert.Equal(t, 1, bCount)
	assert.Equal(t, 0, cCount)

	events.Emit(&ConnectEvent{})
	assert.Equal(t, 2, aCount)
	assert.Equal(t, 1, bCount)
	assert.Equal(t, 1, cCount)
}

func TestEventBusListenerPanic(t *testing.T) {
	events := NewEventBus()

	errs := []error{}
	events.On(EventError, func(event Event) {
		panic(errors.New("listener"))
	})
	events.On(EventError, func(event Event) {
		errs = append(errs, event.(*ErrorEvent).Err)
	})

	err := errors.New("test")
	events.Emit(&ErrorEvent{Err: err})
	assert.Equal(t, []error{err}, errs)
}

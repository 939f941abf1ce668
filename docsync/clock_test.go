package docsync

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSimulatedClock(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := NewSimulatedClock(start)

	fired := []string{}
	clock.AfterFunc(3*time.Second, func() {
		fired = append(fired, "c")
	})
	clock.AfterFunc(1*time.Second, func() {
		fired = append(fired, "a")
		// due within the same advance
		clock.AfterFunc(500*time.Millisecond, func() {
			fired = append(fired, "a2")
		})
	})
	stopped := clock.AfterFunc(2*time.Second, func() {
		fired = append(fired, "b")
	})
	assert.Equal(t, 3, clock.TimerCount())

	assert.Equal(t, true, stopped.Stop())
	assert.Equal(t, false, stopped.Stop())

	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "a2"}, fired)
	assert.Equal(t, start.Add(2*time.Second), clock.Now())
	assert.Equal(t, 1, clock.TimerCount())

	clock.Advance(999 * time.Millisecond)
	assert.Equal(t, []string{"a", "a2"}, fired)

	clock.Advance(1 * time.Millisecond)
	assert.Equal(t, []string{"a", "a2", "c"}, fired)
	assert.Equal(t, 0, clock.TimerCount())
}

func TestSimulatedClockOrder(t *testing.T) {
	clock := NewSimulatedClock(time.Unix(0, 0))

	fired := []int{}
	for i := 0; i < 10; i += 1 {
		i := i
		clock.AfterFunc(time.Second, func() {
			fired = append(fired, i)
		})
	}
	clock.Advance(time.Second)
	// equal deadlines fire in the order armed
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, fired)
}

func TestSerialQueue(t *testing.T) {
	errs := []error{}
	queue := newSerialQueue(func(err error) {
		errs = append(errs, err)
	})

	order := []string{}
	queue.Run(func() {
		order = append(order, "a")
		queue.Run(func() {
			order = append(order, "c")
			queue.Run(func() {
				order = append(order, "e")
			})
		})
		// nested tasks run after the current task
		order = append(order, "b")
		queue.Run(func() {
			order = append(order, "d")
			panic(errors.New("task"))
		})
	})

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, order)
	assert.Equal(t, 1, len(errs))
	assert.Equal(t, 0, queue.Len())

	// idle again, runs inline
	ran := false
	queue.Run(func() {
		ran = true
	})
	assert.Equal(t, true, ran)
}

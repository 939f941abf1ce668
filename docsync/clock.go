package docsync

import (
	"sort"
	"sync"
	"time"
)

type Timer interface {
	// returns false if the timer already fired or was stopped
	Stop() bool
}

// Clock is the time source for the coordinator timers.
// It also satisfies `backoff.Clock`.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

var SystemClock Clock = &systemClock{}

func (self *systemClock) Now() time.Time {
	return time.Now()
}

func (self *systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SimulatedClock only moves when `Advance` is called.
// Timers fire on the goroutine that calls `Advance`, in deadline order.
type SimulatedClock struct {
	stateLock sync.Mutex
	current   time.Time
	nextSeq   uint64
	timers    map[*simulatedTimer]bool
}

func NewSimulatedClock(startTime time.Time) *SimulatedClock {
	return &SimulatedClock{
		current: startTime,
		timers:  map[*simulatedTimer]bool{},
	}
}

func (self *SimulatedClock) Now() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.current
}

func (self *SimulatedClock) AfterFunc(d time.Duration, f func()) Timer {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if d < 0 {
		d = 0
	}
	timer := &simulatedTimer{
		clock:    self,
		deadline: self.current.Add(d),
		seq:      self.nextSeq,
		f:        f,
	}
	self.nextSeq += 1
	self.timers[timer] = true
	return timer
}

// number of armed timers
func (self *SimulatedClock) TimerCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.timers)
}

// moves the clock forward by `d`, firing every timer that comes due.
// Timers armed by a firing timer also fire if they come due within `d`.
// Negative durations are ignored.
func (self *SimulatedClock) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	self.stateLock.Lock()
	end := self.current.Add(d)
	self.stateLock.Unlock()

	for {
		timer := self.popDue(end)
		if timer == nil {
			break
		}
		timer.f()
	}

	self.stateLock.Lock()
	if self.current.Before(end) {
		self.current = end
	}
	self.stateLock.Unlock()
}

func (self *SimulatedClock) popDue(end time.Time) *simulatedTimer {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	due := []*simulatedTimer{}
	for timer := range self.timers {
		if !timer.deadline.After(end) {
			due = append(due, timer)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i int, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	timer := due[0]
	delete(self.timers, timer)
	if self.current.Before(timer.deadline) {
		self.current = timer.deadline
	}
	return timer
}

type simulatedTimer struct {
	clock    *SimulatedClock
	deadline time.Time
	seq      uint64
	f        func()
}

func (self *simulatedTimer) Stop() bool {
	self.clock.stateLock.Lock()
	defer self.clock.stateLock.Unlock()

	if self.clock.timers[self] {
		delete(self.clock.timers, self)
		return true
	}
	return false
}

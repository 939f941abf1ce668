package docsync

import (
	"sync"
)

// serialQueue runs tasks one at a time, in FIFO order, without a dedicated goroutine.
// The first caller to find the queue idle runs tasks until the queue drains.
// A task submitted while another task is running (from any goroutine, including
// from inside the running task) is queued and `Run` returns immediately.
type serialQueue struct {
	stateLock sync.Mutex
	tasks     []func()
	running   bool

	errorCallback func(error)
}

func newSerialQueue(errorCallback func(error)) *serialQueue {
	return &serialQueue{
		tasks:         []func(){},
		errorCallback: errorCallback,
	}
}

func (self *serialQueue) Run(task func()) {
	self.stateLock.Lock()
	self.tasks = append(self.tasks, task)
	if self.running {
		self.stateLock.Unlock()
		return
	}
	self.running = true
	self.stateLock.Unlock()

	for {
		next := self.pop()
		if next == nil {
			return
		}
		if self.errorCallback != nil {
			HandleError(next, self.errorCallback)
		} else {
			HandleError(next)
		}
	}
}

func (self *serialQueue) pop() func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.tasks) == 0 {
		self.running = false
		// release the backing array
		self.tasks = []func(){}
		return nil
	}
	next := self.tasks[0]
	self.tasks[0] = nil
	self.tasks = self.tasks[1:]
	return next
}

func (self *serialQueue) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.tasks)
}

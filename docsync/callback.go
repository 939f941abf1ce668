package docsync

import (
	"sync"

	"golang.org/x/exp/slices"
)

type CallbackId int64

type callbackEntry[T any] struct {
	callbackId CallbackId
	callback   T
}

// makes a copy of the list on update.
// `Get` returns a snapshot that is not affected by later adds or removes.
type CallbackList[T any] struct {
	stateLock      sync.Mutex
	nextCallbackId CallbackId
	entries        []callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		nextCallbackId: 1,
		entries:        []callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	entries := self.entries
	self.stateLock.Unlock()

	callbacks := make([]T, len(entries))
	for i, entry := range entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.entries)
}

func (self *CallbackList[T]) Add(callback T) CallbackId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1

	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.entries = nextEntries
	return callbackId
}

// returns true if the callback was present
func (self *CallbackList[T]) Remove(callbackId CallbackId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.entries, func(entry callbackEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return false
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = slices.Delete(nextEntries, i, i+1)
	self.entries = nextEntries
	return true
}

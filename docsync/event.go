package docsync

import (
	"sync"

	"github.com/golang/glog"
)

type EventName string

const (
	EventConnect        EventName = "connect"
	EventDisconnect     EventName = "disconnect"
	EventStatus         EventName = "status"
	EventMessage        EventName = "message"
	EventPresenceUpdate EventName = "presence-update"
	EventError          EventName = "error"
)

// events surfaced to the embedding application
type Event interface {
	EventName() EventName
}

type ConnectEvent struct{}

func (self *ConnectEvent) EventName() EventName {
	return EventConnect
}

type DisconnectEvent struct{}

func (self *DisconnectEvent) EventName() EventName {
	return EventDisconnect
}

type StatusEvent struct {
	Status Status
}

func (self *StatusEvent) EventName() EventName {
	return EventStatus
}

// a remote update that was applied to the document
type MessageEvent struct {
	Update []byte
}

func (self *MessageEvent) EventName() EventName {
	return EventMessage
}

// a remote presence update that was applied to the presence container
type PresenceUpdateEvent struct {
	Update []byte
}

func (self *PresenceUpdateEvent) EventName() EventName {
	return EventPresenceUpdate
}

type ErrorEvent struct {
	Err error
}

func (self *ErrorEvent) EventName() EventName {
	return EventError
}

type EventFunction = func(event Event)

type ListenerId = CallbackId

// Emission iterates a snapshot of the listeners registered at the time of `Emit`.
// A listener removed during an emission still receives that emission,
// and a listener added during an emission first receives the next one.
type EventBus struct {
	stateLock sync.Mutex
	listeners map[EventName]*CallbackList[EventFunction]
}

func NewEventBus() *EventBus {
	return &EventBus{
		listeners: map[EventName]*CallbackList[EventFunction]{},
	}
}

func (self *EventBus) callbackList(eventName EventName, create bool) *CallbackList[EventFunction] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks, ok := self.listeners[eventName]
	if !ok && create {
		callbacks = NewCallbackList[EventFunction]()
		self.listeners[eventName] = callbacks
	}
	return callbacks
}

func (self *EventBus) On(eventName EventName, callback EventFunction) ListenerId {
	return self.callbackList(eventName, true).Add(callback)
}

// returns true if the listener was registered for `eventName`
func (self *EventBus) Off(eventName EventName, listenerId ListenerId) bool {
	if callbacks := self.callbackList(eventName, false); callbacks != nil {
		return callbacks.Remove(listenerId)
	}
	return false
}

func (self *EventBus) ListenerCount(eventName EventName) int {
	if callbacks := self.callbackList(eventName, false); callbacks != nil {
		return callbacks.Len()
	}
	return 0
}

func (self *EventBus) Emit(event Event) {
	callbacks := self.callbackList(event.EventName(), false)
	if callbacks == nil {
		return
	}
	for _, callback := range callbacks.Get() {
		HandleError(func() {
			callback(event)
		}, func(err error) {
			glog.Infof("[e]%s listener %s error = %s\n", event.EventName(), CallbackName(callback), err)
		})
	}
}

package docsync

import (
	"errors"
	"sync"
)

var ErrNotSubscribed = errors.New("channel is not subscribed")

// LocalHub is an in-process `ChannelProvider`.
// `Send` delivers synchronously to every subscribed member of the room, the sender included.
type LocalHub struct {
	stateLock sync.Mutex
	// room id -> set of subscribed channels
	rooms map[string]map[*localChannel]bool
}

func NewLocalHub() *LocalHub {
	return &LocalHub{
		rooms: map[string]map[*localChannel]bool{},
	}
}

func (self *LocalHub) Channel(roomId string) Channel {
	return &localChannel{
		hub:      self,
		roomId:   roomId,
		handlers: map[Topic]EnvelopeFunction{},
	}
}

func (self *LocalHub) MemberCount(roomId string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.rooms[roomId])
}

// closes every channel in the room with `ChannelStatusClosed`
func (self *LocalHub) CloseRoom(roomId string) {
	var members []*localChannel
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		members = self.members(roomId)
		delete(self.rooms, roomId)
	}()
	for _, member := range members {
		member.closed(ChannelStatusClosed, nil)
	}
}

// must be called with `stateLock`
func (self *LocalHub) members(roomId string) []*localChannel {
	members := make([]*localChannel, 0, len(self.rooms[roomId]))
	for member := range self.rooms[roomId] {
		members = append(members, member)
	}
	return members
}

func (self *LocalHub) subscribe(channel *localChannel) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	members, ok := self.rooms[channel.roomId]
	if !ok {
		members = map[*localChannel]bool{}
		self.rooms[channel.roomId] = members
	}
	members[channel] = true
}

func (self *LocalHub) unsubscribe(channel *localChannel) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if members, ok := self.rooms[channel.roomId]; ok {
		delete(members, channel)
		if len(members) == 0 {
			delete(self.rooms, channel.roomId)
		}
	}
}

func (self *LocalHub) broadcast(roomId string, envelope *Envelope) {
	var members []*localChannel
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		members = self.members(roomId)
	}()
	for _, member := range members {
		// each member gets its own copy
		envelopeCopy := *envelope
		member.deliver(&envelopeCopy)
	}
}

type localChannel struct {
	hub    *LocalHub
	roomId string

	stateLock      sync.Mutex
	handlers       map[Topic]EnvelopeFunction
	statusCallback ChannelStatusFunction
	subscribed     bool
}

func (self *localChannel) Subscribe(callback ChannelStatusFunction) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.statusCallback = callback
		self.subscribed = true
	}()
	self.hub.subscribe(self)
	callback(ChannelStatusSubscribed, nil)
}

func (self *localChannel) On(topic Topic, handler EnvelopeFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.handlers[topic] = handler
}

func (self *localChannel) Send(envelope *Envelope) error {
	self.stateLock.Lock()
	subscribed := self.subscribed
	self.stateLock.Unlock()

	if !subscribed {
		return ErrNotSubscribed
	}
	self.hub.broadcast(self.roomId, envelope)
	return nil
}

func (self *localChannel) Unsubscribe() error {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.subscribed = false
		self.statusCallback = nil
	}()
	self.hub.unsubscribe(self)
	return nil
}

func (self *localChannel) deliver(envelope *Envelope) {
	self.stateLock.Lock()
	handler, ok := self.handlers[envelope.Topic]
	subscribed := self.subscribed
	self.stateLock.Unlock()

	if ok && subscribed {
		handler(envelope)
	}
}

func (self *localChannel) closed(status ChannelStatus, err error) {
	var callback ChannelStatusFunction
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		callback = self.statusCallback
		self.subscribed = false
		self.statusCallback = nil
	}()
	if callback != nil {
		callback(status, err)
	}
}

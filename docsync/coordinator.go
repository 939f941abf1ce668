package docsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/bringyour/docsync/docsync/crdt"
)

// connection status state machine is:
// StatusConnecting
//
//	-> StatusConnected
//	  -> StatusDisconnected
//	    -> StatusConnecting (reconnect)
//	-> StatusDisconnected
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

type CoordinatorSettings struct {
	// 0 broadcasts every local update immediately
	BroadcastThrottle    time.Duration
	AutoReconnect        bool
	// negative is unbounded
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	// state vector diffs at or below this size are empty and not broadcast
	EmptyUpdateByteCount int

	// nil disables the presence relay
	Presence crdt.Presence

	SessionIdGenerator func() Id
	Clock              Clock
}

func DefaultCoordinatorSettings() *CoordinatorSettings {
	return &CoordinatorSettings{
		BroadcastThrottle:    0,
		AutoReconnect:        true,
		MaxReconnectAttempts: -1,
		ReconnectDelay:       1 * time.Second,
		MaxReconnectDelay:    30 * time.Second,
		EmptyUpdateByteCount: 2,
		SessionIdGenerator:   NewId,
		Clock:                SystemClock,
	}
}

// Coordinator keeps one replicated document in sync with the other members of a room.
// All coordinator state is mutated from tasks on a single serial queue;
// channel callbacks, timers and document notifications only enqueue tasks.
type Coordinator struct {
	ctx context.Context
	// stops the goroutine watching `ctx`
	cancelWatch context.CancelFunc

	roomId          string
	document        crdt.Document
	channelProvider ChannelProvider
	settings        *CoordinatorSettings
	clock           Clock
	sessionId       Id

	log   LogFunction
	trace LogFunction

	events *EventBus
	queue  *serialQueue

	statusLock sync.Mutex
	status     Status

	// the fields below are only accessed from tasks on `queue`

	channel           Channel
	reconnectIntent   bool
	reconnectAttempts int
	reconnectBackoff  *backoff.ExponentialBackOff
	reconnectTimer    Timer

	removeDocumentCallback func()
	removePresenceCallback func()

	pendingUpdates [][]byte
	flushTimer     Timer

	// peers handshaken this connection epoch
	syncedPeers map[string]bool
}

func NewCoordinatorWithDefaults(
	ctx context.Context,
	roomId string,
	document crdt.Document,
	channelProvider ChannelProvider,
) *Coordinator {
	return NewCoordinator(ctx, roomId, document, channelProvider, DefaultCoordinatorSettings())
}

func NewCoordinator(
	ctx context.Context,
	roomId string,
	document crdt.Document,
	channelProvider ChannelProvider,
	settings *CoordinatorSettings,
) *Coordinator {
	clock := settings.Clock
	if clock == nil {
		clock = SystemClock
	}
	sessionIdGenerator := settings.SessionIdGenerator
	if sessionIdGenerator == nil {
		sessionIdGenerator = NewId
	}
	sessionId := sessionIdGenerator()

	coordinator := &Coordinator{
		ctx:              ctx,
		roomId:           roomId,
		document:         document,
		channelProvider:  channelProvider,
		settings:         settings,
		clock:            clock,
		sessionId:        sessionId,
		log:              LogFn(LogLevelLifecycle, fmt.Sprintf("[c]%s/%s", roomId, sessionId)),
		trace:            LogFn(LogLevelTrace, fmt.Sprintf("[c]%s/%s", roomId, sessionId)),
		events:           NewEventBus(),
		status:           StatusConnecting,
		reconnectBackoff: newReconnectBackoff(settings, clock),
		syncedPeers:      map[string]bool{},
	}
	coordinator.queue = newSerialQueue(coordinator.emitError)
	coordinator.watchContext()

	return coordinator
}

// destroys the coordinator when `ctx` is canceled
func (self *Coordinator) watchContext() {
	watchCtx, cancelWatch := context.WithCancel(self.ctx)
	self.cancelWatch = cancelWatch
	go func() {
		<-watchCtx.Done()
		if self.ctx.Err() != nil {
			self.Destroy()
		}
	}()
}

// zero jitter, so the delay for attempt `n` is min(ReconnectDelay * 2^n, MaxReconnectDelay)
func newReconnectBackoff(settings *CoordinatorSettings, clock Clock) *backoff.ExponentialBackOff {
	initialInterval := settings.ReconnectDelay
	if settings.MaxReconnectDelay < initialInterval {
		initialInterval = settings.MaxReconnectDelay
	}
	reconnectBackoff := &backoff.ExponentialBackOff{
		InitialInterval:     initialInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         settings.MaxReconnectDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	reconnectBackoff.Reset()
	return reconnectBackoff
}

func (self *Coordinator) RoomId() string {
	return self.roomId
}

func (self *Coordinator) SessionId() Id {
	return self.sessionId
}

func (self *Coordinator) Status() Status {
	self.statusLock.Lock()
	defer self.statusLock.Unlock()
	return self.status
}

// nil when presence is disabled
func (self *Coordinator) Presence() crdt.Presence {
	return self.settings.Presence
}

func (self *Coordinator) On(eventName EventName, callback EventFunction) ListenerId {
	return self.events.On(eventName, callback)
}

func (self *Coordinator) Off(eventName EventName, listenerId ListenerId) bool {
	return self.events.Off(eventName, listenerId)
}

// Connect joins the room channel. Calling it again replaces the current channel.
func (self *Coordinator) Connect() {
	self.queue.Run(self.connect)
}

// Destroy leaves the room and cancels all timers. It is safe to call more than once.
func (self *Coordinator) Destroy() {
	self.queue.Run(self.destroy)
}

func (self *Coordinator) connect() {
	self.stopReconnectTimer()
	if self.cancelWatch == nil {
		self.watchContext()
	}

	if self.removeDocumentCallback != nil {
		self.removeDocumentCallback()
	}
	self.removeDocumentCallback = self.document.OnUpdate(self.documentUpdate)

	if presence := self.settings.Presence; presence != nil {
		if self.removePresenceCallback != nil {
			self.removePresenceCallback()
		}
		self.removePresenceCallback = presence.OnChange(self.presenceChange)
	}

	self.syncedPeers = map[string]bool{}
	self.reconnectIntent = true

	if self.Status() == StatusConnected {
		// leave the current session before joining again
		self.detachChannel()
		self.setStatus(StatusDisconnected)
		self.events.Emit(&DisconnectEvent{})
	} else {
		self.detachChannel()
	}
	self.setStatus(StatusConnecting)

	channel := self.channelProvider.Channel(self.roomId)
	self.channel = channel

	self.log("connect (%d)", self.reconnectAttempts)

	onChannel := func(handle func(envelope *Envelope)) EnvelopeFunction {
		return func(envelope *Envelope) {
			self.queue.Run(func() {
				if self.channel != channel {
					self.trace("[%s]drop detached channel", envelope.Topic)
					return
				}
				handle(envelope)
			})
		}
	}
	channel.On(TopicUpdate, onChannel(self.receiveUpdate))
	channel.On(TopicStateVector, onChannel(self.receiveStateVector))
	if self.settings.Presence != nil {
		channel.On(TopicPresence, onChannel(self.receivePresence))
	}

	channel.Subscribe(func(status ChannelStatus, err error) {
		self.queue.Run(func() {
			self.channelStatus(channel, status, err)
		})
	})
}

func (self *Coordinator) channelStatus(channel Channel, status ChannelStatus, err error) {
	if self.channel != channel {
		self.trace("status %s on detached channel", status)
		return
	}
	if !self.reconnectIntent {
		return
	}

	self.log("channel status %s", status)

	switch status {
	case ChannelStatusSubscribed:
		self.setStatus(StatusConnected)
		self.events.Emit(&ConnectEvent{})
		self.reconnectAttempts = 0
		self.reconnectBackoff.Reset()
		self.sendStateVector()
		if self.settings.Presence != nil {
			self.sendPresenceSnapshot()
		}
	case ChannelStatusChannelError, ChannelStatusTimedOut:
		if err == nil {
			err = fmt.Errorf("channel %s", status)
		}
		glog.Infof("[c]%s/%s channel %s = %s\n", self.roomId, self.sessionId, status, err)
		self.channelLost(err)
	case ChannelStatusClosed:
		self.channelLost(nil)
	default:
		glog.Infof("[c]%s/%s unknown channel status %s\n", self.roomId, self.sessionId, status)
	}
}

// `err` is nil for a clean close
func (self *Coordinator) channelLost(err error) {
	self.detachChannel()
	self.setStatus(StatusDisconnected)
	self.events.Emit(&DisconnectEvent{})
	if err != nil {
		self.events.Emit(&ErrorEvent{Err: err})
	}
	self.scheduleReconnect()
}

func (self *Coordinator) scheduleReconnect() {
	if !self.settings.AutoReconnect || !self.reconnectIntent {
		return
	}
	if maxAttempts := self.settings.MaxReconnectAttempts; 0 <= maxAttempts && maxAttempts <= self.reconnectAttempts {
		glog.Infof("[c]%s/%s reconnect stopped after %d attempts\n", self.roomId, self.sessionId, self.reconnectAttempts)
		return
	}

	self.stopReconnectTimer()

	delay := self.reconnectBackoff.NextBackOff()
	self.reconnectAttempts += 1
	self.log("reconnect (%d) in %s", self.reconnectAttempts, delay)

	var timer Timer
	timer = self.clock.AfterFunc(delay, func() {
		self.queue.Run(func() {
			if self.reconnectTimer != timer {
				return
			}
			self.reconnectTimer = nil
			if !self.reconnectIntent {
				return
			}
			self.connect()
		})
	})
	self.reconnectTimer = timer
}

func (self *Coordinator) destroy() {
	self.log("destroy")

	self.reconnectIntent = false
	self.stopReconnectTimer()
	self.stopFlushTimer()

	if self.removeDocumentCallback != nil {
		self.removeDocumentCallback()
		self.removeDocumentCallback = nil
	}

	if presence := self.settings.Presence; presence != nil && self.removePresenceCallback != nil {
		// announce departure while the channel is still attached
		localId := presence.LocalId()
		presence.RemoveStates([]string{localId}, crdt.OriginLocal)
		self.sendPresence([]string{localId})

		self.removePresenceCallback()
		self.removePresenceCallback = nil
	}

	self.detachChannel()

	previousStatus := self.Status()
	if self.setStatus(StatusDisconnected) && previousStatus == StatusConnected {
		self.events.Emit(&DisconnectEvent{})
	}

	if self.cancelWatch != nil {
		self.cancelWatch()
		self.cancelWatch = nil
	}
}

func (self *Coordinator) detachChannel() {
	if self.channel == nil {
		return
	}
	channel := self.channel
	self.channel = nil
	if err := channel.Unsubscribe(); err != nil {
		self.log("unsubscribe error = %s", err)
	}
}

func (self *Coordinator) stopReconnectTimer() {
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
}

// returns true if the status changed
func (self *Coordinator) setStatus(status Status) bool {
	changed := false
	func() {
		self.statusLock.Lock()
		defer self.statusLock.Unlock()
		if self.status != status {
			self.status = status
			changed = true
		}
	}()
	if changed {
		self.events.Emit(&StatusEvent{Status: status})
	}
	return changed
}

func (self *Coordinator) emitError(err error) {
	glog.Infof("[c]%s/%s error = %s\n", self.roomId, self.sessionId, err)
	self.events.Emit(&ErrorEvent{Err: err})
}

// broadcasts on `topic` if the channel is subscribed. Updates dropped while
// disconnected are recovered by the state vector exchange on the next connect.
func (self *Coordinator) send(topic Topic, b []byte) {
	if self.channel == nil || self.Status() != StatusConnected {
		self.trace("[%s]drop not connected", topic)
		return
	}
	envelope := &Envelope{
		Topic:   topic,
		Payload: EncodePayload(b),
		Sender: Sender{
			Id: self.sessionId.String(),
		},
		Timestamp: self.clock.Now().UnixMilli(),
	}
	if err := self.channel.Send(envelope); err != nil {
		self.emitError(fmt.Errorf("send %s: %w", topic, err))
		return
	}
	self.trace("[%s]-> %d bytes", topic, len(b))
}

func (self *Coordinator) isSelf(envelope *Envelope) bool {
	return envelope.Sender.Id == self.sessionId.String()
}

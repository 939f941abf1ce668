package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/bringyour/docsync/docsync"
)

var ErrSendBufferFull = errors.New("send buffer full")

type ChannelSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     32,
	}
}

// ChannelProvider opens room channels on a relay `Server`.
type ChannelProvider struct {
	ctx      context.Context
	relayUrl string
	token    string
	settings *ChannelSettings
}

func NewChannelProviderWithDefaults(ctx context.Context, relayUrl string, token string) *ChannelProvider {
	return NewChannelProvider(ctx, relayUrl, token, DefaultChannelSettings())
}

func NewChannelProvider(ctx context.Context, relayUrl string, token string, settings *ChannelSettings) *ChannelProvider {
	return &ChannelProvider{
		ctx:      ctx,
		relayUrl: relayUrl,
		token:    token,
		settings: settings,
	}
}

func (self *ChannelProvider) Channel(roomId string) docsync.Channel {
	return &channel{
		provider: self,
		roomId:   roomId,
		log:      docsync.LogFn(docsync.LogLevelLifecycle, fmt.Sprintf("[rc]%s", roomId)),
		handlers: map[docsync.Topic]docsync.EnvelopeFunction{},
		send:     make(chan []byte, self.settings.SendBufferSize),
	}
}

// one connection attempt. A channel is not reused after it fails or is unsubscribed.
type channel struct {
	provider *ChannelProvider
	roomId   string
	log      docsync.LogFunction

	stateLock      sync.Mutex
	cancel         context.CancelFunc
	handlers       map[docsync.Topic]docsync.EnvelopeFunction
	statusCallback docsync.ChannelStatusFunction
	subscribed     bool
	done           bool

	send chan []byte
}

func (self *channel) Subscribe(callback docsync.ChannelStatusFunction) {
	ctx, cancel := context.WithCancel(self.provider.ctx)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.cancel = cancel
		self.statusCallback = callback
	}()
	go docsync.HandleError(func() {
		self.run(ctx, cancel)
	}, func(err error) {
		self.report(docsync.ChannelStatusChannelError, err)
	})
}

func (self *channel) On(topic docsync.Topic, handler docsync.EnvelopeFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.handlers[topic] = handler
}

func (self *channel) Send(envelope *docsync.Envelope) error {
	self.stateLock.Lock()
	subscribed := self.subscribed && !self.done
	self.stateLock.Unlock()

	if !subscribed {
		return docsync.ErrNotSubscribed
	}
	select {
	case self.send <- EncodeFrame(BroadcastFrame(envelope)):
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (self *channel) Unsubscribe() error {
	var cancel context.CancelFunc
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.done = true
		self.subscribed = false
		self.statusCallback = nil
		cancel = self.cancel
	}()
	if cancel != nil {
		cancel()
	}
	return nil
}

// delivers at most one terminal status, and none after unsubscribe
func (self *channel) report(status docsync.ChannelStatus, err error) {
	var callback docsync.ChannelStatusFunction
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.done {
			return
		}
		callback = self.statusCallback
		if status == docsync.ChannelStatusSubscribed {
			self.subscribed = true
		} else {
			self.done = true
			self.subscribed = false
		}
	}()
	if callback != nil {
		callback(status, err)
	}
}

func (self *channel) run(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	var ws *websocket.Conn
	var err error
	if glog.V(2) {
		ws, err = docsync.TraceWithReturnError(fmt.Sprintf("[rc]connect %s", self.roomId), func() (*websocket.Conn, error) {
			return self.connect(ctx)
		})
	} else {
		ws, err = self.connect(ctx)
	}
	if err != nil {
		self.log("connect error = %s", err)
		if isTimeout(err) {
			self.report(docsync.ChannelStatusTimedOut, err)
		} else {
			self.report(docsync.ChannelStatusChannelError, err)
		}
		return
	}
	defer ws.Close()

	self.report(docsync.ChannelStatusSubscribed, nil)

	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	var closeErr error
	var closeOnce sync.Once
	closeWith := func(err error) {
		closeOnce.Do(func() {
			closeErr = err
		})
		handleCancel()
	}

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		closeWith(self.writeLoop(handleCtx, ws))
	}()

	go func() {
		closeWith(self.readLoop(handleCtx, ws))
	}()

	<-handleCtx.Done()
	<-writeDone

	select {
	case <-ctx.Done():
		// unsubscribed
		return
	default:
	}
	if closeErr == nil || websocket.IsCloseError(closeErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		self.report(docsync.ChannelStatusClosed, nil)
	} else if isTimeout(closeErr) {
		self.report(docsync.ChannelStatusTimedOut, closeErr)
	} else {
		self.report(docsync.ChannelStatusChannelError, closeErr)
	}
}

// dials and joins the room
func (self *channel) connect(ctx context.Context) (*websocket.Conn, error) {
	settings := self.provider.settings
	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.provider.relayUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetWriteDeadline(time.Now().Add(settings.AuthTimeout))
	err = ws.WriteMessage(websocket.BinaryMessage, EncodeFrame(&Frame{
		MessageType: MessageTypeJoin,
		RoomId:      self.roomId,
		Token:       self.provider.token,
	}))
	if err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, fmt.Errorf("Join response error.")
	}
	frame, err := DecodeFrame(message)
	if err != nil {
		return nil, err
	}
	switch frame.MessageType {
	case MessageTypeJoinAck:
		if frame.RoomId != self.roomId {
			return nil, fmt.Errorf("Join response error: room %s.", frame.RoomId)
		}
	case MessageTypeError:
		return nil, fmt.Errorf("Join rejected: %s", frame.Error)
	default:
		return nil, fmt.Errorf("Join response error: %s.", frame.MessageType)
	}

	success = true
	return ws, nil
}

// returns nil when `ctx` is done
func (self *channel) writeLoop(ctx context.Context, ws *websocket.Conn) error {
	settings := self.provider.settings
	for {
		select {
		case <-ctx.Done():
			ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case message := <-self.send:
			ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				return err
			}
			glog.V(2).Infof("[rc]%s-> %d bytes\n", self.roomId, len(message))
		case <-time.After(settings.PingTimeout):
			ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return err
			}
		}
	}
}

func (self *channel) readLoop(ctx context.Context, ws *websocket.Conn) error {
	settings := self.provider.settings
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage {
			glog.V(2).Infof("[rc]other=%d %s<-\n", messageType, self.roomId)
			continue
		}
		if len(message) == 0 {
			// ping
			continue
		}

		frame, err := DecodeFrame(message)
		if err != nil {
			self.log("bad frame = %s", err)
			continue
		}
		if frame.MessageType != MessageTypeBroadcast {
			self.log("unexpected %s", frame.MessageType)
			continue
		}

		self.stateLock.Lock()
		handler, ok := self.handlers[frame.Topic]
		active := !self.done
		self.stateLock.Unlock()

		if ok && active {
			glog.V(2).Infof("[rc]%s<-[%s]%s\n", self.roomId, frame.Topic, frame.SenderId)
			handler(frame.Envelope())
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

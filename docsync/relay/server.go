package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/bringyour/docsync/docsync"
)

type ServerSettings struct {
	// time for the client to send the join frame after the upgrade
	JoinTimeout         time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	MemberBufferSize    int
	MaxMessageByteCount int64
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		JoinTimeout:         5 * time.Second,
		PingTimeout:         1 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		MemberBufferSize:    32,
		MaxMessageByteCount: 4 * 1024 * 1024,
	}
}

// Server relays broadcast frames between the members of each room.
// It keeps no document state.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	secret   []byte
	settings *ServerSettings
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	stateLock sync.Mutex
	// room id -> members
	rooms map[string]map[*member]bool
}

type member struct {
	id     docsync.Id
	roomId string
	send   chan []byte
}

func NewServerWithDefaults(ctx context.Context, secret []byte) *Server {
	return NewServer(ctx, secret, DefaultServerSettings())
}

func NewServer(ctx context.Context, secret []byte, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		secret:   secret,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			// rooms are authorized by token, not by origin
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		mux:   http.NewServeMux(),
		rooms: map[string]map[*member]bool{},
	}
	server.mux.HandleFunc("/status", server.handleStatus)
	server.mux.HandleFunc("/", server.handleConn)
	return server
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.mux.ServeHTTP(w, r)
}

// closes every member connection with a going away close frame
func (self *Server) Close() {
	self.cancel()
}

// room id -> member count
func (self *Server) RoomMemberCounts() map[string]int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	counts := map[string]int{}
	for roomId, members := range self.rooms {
		counts[roomId] = len(members)
	}
	return counts
}

type statusResult struct {
	RoomCount   int            `json:"room_count"`
	MemberCount int            `json:"member_count"`
	Rooms       map[string]int `json:"rooms"`
}

func (self *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts := self.RoomMemberCounts()
	result := &statusResult{
		RoomCount: len(counts),
		Rooms:     counts,
	}
	for _, count := range counts {
		result.MemberCount += count
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		glog.Infof("[r]status error = %s\n", err)
	}
}

func (self *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the http error
		glog.Infof("[r]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(self.settings.MaxMessageByteCount)

	m, err := self.join(ws)
	if err != nil {
		glog.Infof("[r]join error = %s\n", err)
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		ws.WriteMessage(websocket.BinaryMessage, EncodeFrame(&Frame{
			MessageType: MessageTypeError,
			Error:       err.Error(),
		}))
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "join"))
		return
	}

	self.addMember(m)
	defer self.removeMember(m)

	glog.V(1).Infof("[r]%s/%s joined\n", m.roomId, m.id)

	if glog.V(2) {
		docsync.Trace(fmt.Sprintf("[r]%s/%s", m.roomId, m.id), func() {
			self.run(ws, m)
		})
	} else {
		self.run(ws, m)
	}

	glog.V(1).Infof("[r]%s/%s left\n", m.roomId, m.id)
}

func (self *Server) join(ws *websocket.Conn) (*member, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.JoinTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, fmt.Errorf("join must be binary")
	}
	frame, err := DecodeFrame(message)
	if err != nil {
		return nil, err
	}
	if frame.MessageType != MessageTypeJoin {
		return nil, fmt.Errorf("expected join, got %s", frame.MessageType)
	}
	if frame.RoomId == "" {
		return nil, fmt.Errorf("join missing room id")
	}
	if err := authorizeRoom(self.secret, frame.Token, frame.RoomId); err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	err = ws.WriteMessage(websocket.BinaryMessage, EncodeFrame(&Frame{
		MessageType: MessageTypeJoinAck,
		RoomId:      frame.RoomId,
	}))
	if err != nil {
		return nil, err
	}

	return &member{
		id:     docsync.NewId(),
		roomId: frame.RoomId,
		send:   make(chan []byte, self.settings.MemberBufferSize),
	}, nil
}

func (self *Server) run(ws *websocket.Conn, m *member) {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	writeDone := make(chan struct{})
	go func() {
		defer func() {
			handleCancel()
			close(writeDone)
		}()

		for {
			select {
			case <-handleCtx.Done():
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			case message := <-m.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[r]%s/%s-> error = %s\n", m.roomId, m.id, err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					glog.Infof("[r]%s/%s<- error = %s\n", m.roomId, m.id, err)
				}
				return
			}
			if messageType != websocket.BinaryMessage {
				glog.V(2).Infof("[r]other=%d %s/%s<-\n", messageType, m.roomId, m.id)
				continue
			}
			if len(message) == 0 {
				// ping
				continue
			}

			frame, err := DecodeFrame(message)
			if err != nil {
				glog.Infof("[r]%s/%s<- bad frame = %s\n", m.roomId, m.id, err)
				continue
			}
			if frame.MessageType != MessageTypeBroadcast {
				glog.Infof("[r]%s/%s<- unexpected %s\n", m.roomId, m.id, frame.MessageType)
				continue
			}
			self.broadcast(m, frame)
		}
	}()

	<-handleCtx.Done()
	// the close frame is written before the connection closes
	<-writeDone
}

func (self *Server) broadcast(from *member, frame *Frame) {
	// a member can only broadcast to its own room
	frame.RoomId = from.roomId
	message := EncodeFrame(frame)

	var members []*member
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for m := range self.rooms[from.roomId] {
			if m != from {
				members = append(members, m)
			}
		}
	}()

	if glog.V(2) {
		glog.Infof(
			"[r]%s/%s<-[%s]%s %016x -> %d\n",
			from.roomId,
			from.id,
			frame.Topic,
			frame.SenderId,
			xxhash.Sum64String(frame.Payload),
			len(members),
		)
	}

	for _, m := range members {
		select {
		case m.send <- message:
		default:
			// the member is behind. it recovers with the state vector exchange on reconnect
			glog.Infof("[r]drop %s/%s->%s\n", from.roomId, from.id, m.id)
		}
	}
}

func (self *Server) addMember(m *member) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	members, ok := self.rooms[m.roomId]
	if !ok {
		members = map[*member]bool{}
		self.rooms[m.roomId] = members
	}
	members[m] = true
}

func (self *Server) removeMember(m *member) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if members, ok := self.rooms[m.roomId]; ok {
		delete(members, m)
		if len(members) == 0 {
			delete(self.rooms, m.roomId)
		}
	}
}

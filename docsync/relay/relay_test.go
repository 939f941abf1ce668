package relay

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/bringyour/docsync/docsync"
	"github.com/bringyour/docsync/docsync/logoot"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

var testSecret = []byte("test secret")

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	end := time.Now().Add(timeout)
	for !condition() {
		if end.Before(time.Now()) {
			t.Fatal("timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func wsUrl(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

type relayPeer struct {
	coordinator *docsync.Coordinator
	document    *logoot.Document
	errs        chan error
}

func newRelayPeer(ctx context.Context, relayUrl string, token string, roomId string, autoReconnect bool) *relayPeer {
	sessionId := docsync.NewId()
	settings := docsync.DefaultCoordinatorSettings()
	settings.AutoReconnect = autoReconnect
	settings.SessionIdGenerator = func() docsync.Id {
		return sessionId
	}
	document := logoot.NewDocument(sessionId.String())
	provider := NewChannelProviderWithDefaults(ctx, relayUrl, token)
	coordinator := docsync.NewCoordinator(ctx, roomId, document, provider, settings)

	errs := make(chan error, 16)
	coordinator.On(docsync.EventError, func(event docsync.Event) {
		select {
		case errs <- event.(*docsync.ErrorEvent).Err:
		default:
		}
	})
	return &relayPeer{
		coordinator: coordinator,
		document:    document,
		errs:        errs,
	}
}

func TestFrameCodec(t *testing.T) {
	frames := []*Frame{
		{
			MessageType: MessageTypeJoin,
			RoomId:      "room",
			Token:       "token",
		},
		{
			MessageType: MessageTypeBroadcast,
			Topic:       docsync.TopicUpdate,
			Payload:     docsync.EncodePayload([]byte{1, 0}),
			SenderId:    docsync.NewId().String(),
			Timestamp:   time.Now().UnixMilli(),
		},
		{
			MessageType: MessageTypeError,
			Error:       "denied",
		},
	}
	for _, frame := range frames {
		decoded, err := DecodeFrame(EncodeFrame(frame))
		assert.Equal(t, err, nil)
		assert.Equal(t, frame, decoded)
	}

	_, err := DecodeFrame(EncodeFrame(&Frame{MessageType: MessageType(99)}))
	assert.NotEqual(t, err, nil)
	_, err = DecodeFrame([]byte{0xff})
	assert.NotEqual(t, err, nil)

	envelope := &docsync.Envelope{
		Topic:     docsync.TopicPresence,
		Payload:   "cGF5bG9hZA==",
		Sender:    docsync.Sender{Id: "a"},
		Timestamp: 42,
	}
	assert.Equal(t, envelope, BroadcastFrame(envelope).Envelope())
}

func TestRoomToken(t *testing.T) {
	token, err := NewRoomToken(testSecret, "room", time.Minute)
	assert.Equal(t, err, nil)

	roomId, err := ParseRoomToken(testSecret, token)
	assert.Equal(t, err, nil)
	assert.Equal(t, "room", roomId)

	_, err = ParseRoomToken([]byte("other secret"), token)
	assert.NotEqual(t, err, nil)

	assert.Equal(t, authorizeRoom(testSecret, token, "room"), nil)
	err = authorizeRoom(testSecret, token, "other")
	assert.Equal(t, true, errors.Is(err, ErrRoomNotAllowed))

	expiredToken, err := NewRoomToken(testSecret, "room", -time.Minute)
	assert.Equal(t, err, nil)
	_, err = ParseRoomToken(testSecret, expiredToken)
	assert.Equal(t, true, errors.Is(err, gojwt.ErrTokenExpired))

	anyToken, err := NewRoomToken(testSecret, AnyRoom, time.Minute)
	assert.Equal(t, err, nil)
	assert.Equal(t, authorizeRoom(testSecret, anyToken, "room"), nil)
	assert.Equal(t, authorizeRoom(testSecret, anyToken, "other"), nil)
}

func TestRelaySync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	server := NewServerWithDefaults(ctx, testSecret)
	ts := httptest.NewServer(server)
	defer ts.Close()
	defer server.Close()
	defer cancel()

	token, err := NewRoomToken(testSecret, "room", time.Minute)
	assert.Equal(t, err, nil)

	a := newRelayPeer(ctx, wsUrl(ts), token, "room", true)
	b := newRelayPeer(ctx, wsUrl(ts), token, "room", true)
	a.coordinator.Connect()
	b.coordinator.Connect()

	waitFor(t, 5*time.Second, func() bool {
		return a.coordinator.Status() == docsync.StatusConnected &&
			b.coordinator.Status() == docsync.StatusConnected &&
			server.RoomMemberCounts()["room"] == 2
	})

	a.document.Insert(0, "hello")
	waitFor(t, 5*time.Second, func() bool {
		return b.document.Content() == "hello"
	})
	b.document.Insert(5, " world")
	waitFor(t, 5*time.Second, func() bool {
		return a.document.Content() == "hello world"
	})

	// a late joiner receives the history
	c := newRelayPeer(ctx, wsUrl(ts), token, "room", true)
	c.coordinator.Connect()
	waitFor(t, 5*time.Second, func() bool {
		return c.document.Content() == "hello world"
	})

	// other rooms are isolated
	otherToken, err := NewRoomToken(testSecret, "other", time.Minute)
	assert.Equal(t, err, nil)
	d := newRelayPeer(ctx, wsUrl(ts), otherToken, "other", true)
	d.coordinator.Connect()
	waitFor(t, 5*time.Second, func() bool {
		return d.coordinator.Status() == docsync.StatusConnected
	})
	a.document.Insert(0, ">")
	waitFor(t, 5*time.Second, func() bool {
		return c.document.Content() == ">hello world"
	})
	assert.Equal(t, "", d.document.Content())

	res, err := http.Get(ts.URL + "/status")
	assert.Equal(t, err, nil)
	defer res.Body.Close()
	var status statusResult
	err = json.NewDecoder(res.Body).Decode(&status)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, status.RoomCount)
	assert.Equal(t, 4, status.MemberCount)
	assert.Equal(t, 3, status.Rooms["room"])
}

func TestRelayRejectsToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	server := NewServerWithDefaults(ctx, testSecret)
	ts := httptest.NewServer(server)
	defer ts.Close()
	defer server.Close()
	defer cancel()

	token, err := NewRoomToken([]byte("wrong secret"), "room", time.Minute)
	assert.Equal(t, err, nil)

	a := newRelayPeer(ctx, wsUrl(ts), token, "room", false)
	a.coordinator.Connect()

	select {
	case err := <-a.errs:
		assert.Equal(t, true, strings.Contains(err.Error(), "Join rejected"))
	case <-time.After(5 * time.Second):
		t.Fatal("no error")
	}
	waitFor(t, 5*time.Second, func() bool {
		return a.coordinator.Status() == docsync.StatusDisconnected
	})
	assert.Equal(t, 0, len(server.RoomMemberCounts()))
}

func TestRelayServerClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverCtx, serverCancel := context.WithCancel(ctx)
	server := NewServerWithDefaults(serverCtx, testSecret)
	ts := httptest.NewServer(server)
	defer ts.Close()
	defer serverCancel()

	token, err := NewRoomToken(testSecret, "room", time.Minute)
	assert.Equal(t, err, nil)

	a := newRelayPeer(ctx, wsUrl(ts), token, "room", false)
	disconnected := make(chan struct{}, 1)
	a.coordinator.On(docsync.EventDisconnect, func(event docsync.Event) {
		disconnected <- struct{}{}
	})
	a.coordinator.Connect()
	waitFor(t, 5*time.Second, func() bool {
		return a.coordinator.Status() == docsync.StatusConnected
	})

	server.Close()
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("not disconnected")
	}
	// a clean close is not an error
	assert.Equal(t, 0, len(a.errs))
}

func TestUnsubscribeReportsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	server := NewServerWithDefaults(ctx, testSecret)
	ts := httptest.NewServer(server)
	defer ts.Close()
	defer server.Close()
	defer cancel()

	token, err := NewRoomToken(testSecret, "room", time.Minute)
	assert.Equal(t, err, nil)

	provider := NewChannelProviderWithDefaults(ctx, wsUrl(ts), token)
	channel := provider.Channel("room")

	statuses := make(chan docsync.ChannelStatus, 4)
	channel.Subscribe(func(status docsync.ChannelStatus, err error) {
		statuses <- status
	})
	select {
	case status := <-statuses:
		assert.Equal(t, docsync.ChannelStatusSubscribed, status)
	case <-time.After(5 * time.Second):
		t.Fatal("not subscribed")
	}

	assert.Equal(t, channel.Unsubscribe(), nil)
	assert.Equal(t, docsync.ErrNotSubscribed, channel.Send(&docsync.Envelope{Topic: docsync.TopicUpdate}))
	waitFor(t, 5*time.Second, func() bool {
		return len(server.RoomMemberCounts()) == 0
	})
	select {
	case status := <-statuses:
		t.Fatalf("status after unsubscribe %s", status)
	case <-time.After(100 * time.Millisecond):
	}
}

package docsync

import (
	"encoding/base64"
	"fmt"
)

type Topic string

const (
	TopicUpdate      Topic = "update"
	TopicStateVector Topic = "state-vector"
	TopicPresence    Topic = "presence"
)

type ChannelStatus string

const (
	ChannelStatusSubscribed   ChannelStatus = "SUBSCRIBED"
	ChannelStatusChannelError ChannelStatus = "CHANNEL_ERROR"
	ChannelStatusTimedOut     ChannelStatus = "TIMED_OUT"
	ChannelStatusClosed       ChannelStatus = "CLOSED"
)

type Sender struct {
	Id string `json:"id"`
}

// Envelope is the unit relayed on every topic.
// `Payload` is the binary-safe (base64) transport encoding of the update bytes.
type Envelope struct {
	Topic     Topic  `json:"topic"`
	Payload   string `json:"payload"`
	Sender    Sender `json:"sender"`
	Timestamp int64  `json:"timestamp"`
}

func EncodePayload(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func DecodePayload(payload string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return b, nil
}

// `err` is set for `ChannelStatusChannelError` and `ChannelStatusTimedOut`
type ChannelStatusFunction = func(status ChannelStatus, err error)

type EnvelopeFunction = func(envelope *Envelope)

// Channel is a named broadcast topic group.
// Delivery is at-least-once with no ordering across topics and no point-to-point addressing.
type Channel interface {
	// starts joining the channel. The callback is invoked on ack and on every failure.
	Subscribe(callback ChannelStatusFunction)
	// registers the handler for a topic. Must be called before `Subscribe`.
	On(topic Topic, handler EnvelopeFunction)
	Send(envelope *Envelope) error
	// leaves the channel. No status callbacks are delivered after this returns.
	Unsubscribe() error
}

type ChannelProvider interface {
	Channel(roomId string) Channel
}

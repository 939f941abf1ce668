package relay

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bringyour/docsync/docsync"
)

type MessageType int

const (
	MessageTypeJoin      MessageType = 1
	MessageTypeJoinAck   MessageType = 2
	MessageTypeBroadcast MessageType = 3
	MessageTypeError     MessageType = 4
)

func (self MessageType) String() string {
	switch self {
	case MessageTypeJoin:
		return "join"
	case MessageTypeJoinAck:
		return "join-ack"
	case MessageTypeBroadcast:
		return "broadcast"
	case MessageTypeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// Frame is the single message on the relay websocket. Fields are set by message type:
//
//	join:      room id, token
//	join-ack:  room id
//	broadcast: topic, payload, sender id, timestamp
//	error:     error
type Frame struct {
	MessageType MessageType
	RoomId      string
	Token       string
	Topic       docsync.Topic
	Payload     string
	SenderId    string
	Timestamp   int64
	Error       string
}

func BroadcastFrame(envelope *docsync.Envelope) *Frame {
	return &Frame{
		MessageType: MessageTypeBroadcast,
		Topic:       envelope.Topic,
		Payload:     envelope.Payload,
		SenderId:    envelope.Sender.Id,
		Timestamp:   envelope.Timestamp,
	}
}

func (self *Frame) Envelope() *docsync.Envelope {
	return &docsync.Envelope{
		Topic:   self.Topic,
		Payload: self.Payload,
		Sender: docsync.Sender{
			Id: self.SenderId,
		},
		Timestamp: self.Timestamp,
	}
}

func EncodeFrame(frame *Frame) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(frame.MessageType))
	appendString := func(num protowire.Number, v string) {
		if v != "" {
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendString(b, v)
		}
	}
	appendString(2, frame.RoomId)
	appendString(3, frame.Token)
	appendString(4, string(frame.Topic))
	appendString(5, frame.Payload)
	appendString(6, frame.SenderId)
	if frame.Timestamp != 0 {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(frame.Timestamp))
	}
	appendString(8, frame.Error)
	return b
}

func DecodeFrame(b []byte) (*Frame, error) {
	frame := &Frame{}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if typ == protowire.BytesType && 2 <= num && num <= 8 && num != 7 {
			var v string
			v, n = protowire.ConsumeString(b)
			switch num {
			case 2:
				frame.RoomId = v
			case 3:
				frame.Token = v
			case 4:
				frame.Topic = docsync.Topic(v)
			case 5:
				frame.Payload = v
			case 6:
				frame.SenderId = v
			case 8:
				frame.Error = v
			}
		} else if typ == protowire.VarintType && num == 1 {
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			frame.MessageType = MessageType(v)
		} else if typ == protowire.VarintType && num == 7 {
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			frame.Timestamp = protowire.DecodeZigZag(v)
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}

	switch frame.MessageType {
	case MessageTypeJoin, MessageTypeJoinAck, MessageTypeBroadcast, MessageTypeError:
		return frame, nil
	default:
		return nil, fmt.Errorf("Unknown message type: %s", frame.MessageType)
	}
}

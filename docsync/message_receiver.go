package docsync

import (
	"encoding/json"
)

type receiverState int

const (
	receiverHeader receiverState = iota
	receiverMetadata
	receiverContent
	receiverBufferHeader
	receiverBufferPayload
)

func (self receiverState) String() string {
	switch self {
	case receiverHeader:
		return "HEADER"
	case receiverMetadata:
		return "METADATA"
	case receiverContent:
		return "CONTENT"
	case receiverBufferHeader:
		return "BUFFER_HEADER"
	case receiverBufferPayload:
		return "BUFFER_PAYLOAD"
	default:
		return "UNKNOWN"
	}
}

// Receiver reassembles messages from fragments. Each state consumes exactly
// one fragment of the expected kind:
//
//	HEADER -> METADATA -> CONTENT -> (done | BUFFER_HEADER -> BUFFER_PAYLOAD -> (BUFFER_HEADER | done))
//
// The wrong kind of fragment is a `*ProtocolError`.
// A receiver is used by one reader.
type Receiver struct {
	state    receiverState
	header   MessageHeader
	metadata json.RawMessage
	partial  *Message
	bufferId string
}

func NewReceiver() *Receiver {
	return &Receiver{
		state: receiverHeader,
	}
}

// Consume returns the completed message, or nil when more fragments are needed.
func (self *Receiver) Consume(fragment Fragment) (*Message, error) {
	switch self.state {
	case receiverHeader:
		if err := self.expectText(fragment); err != nil {
			return nil, err
		}
		self.partial = nil
		self.metadata = nil
		self.bufferId = ""
		var header MessageHeader
		if err := json.Unmarshal(fragment.Data, &header); err != nil {
			self.reset()
			return nil, &ProtocolError{Message: "bad header", Err: err}
		}
		if header.MsgType == "" || header.MsgId == "" {
			self.reset()
			return nil, protocolErrorf("header missing msgtype or msgid")
		}
		if header.NumBuffers < 0 {
			self.reset()
			return nil, protocolErrorf("header declares %d buffers", header.NumBuffers)
		}
		self.header = header
		self.state = receiverMetadata
		return nil, nil

	case receiverMetadata:
		if err := self.expectText(fragment); err != nil {
			return nil, err
		}
		self.metadata = copyBytes(fragment.Data)
		self.state = receiverContent
		return nil, nil

	case receiverContent:
		if err := self.expectText(fragment); err != nil {
			return nil, err
		}
		self.partial = &Message{
			Header:   self.header,
			Metadata: self.metadata,
			Content:  copyBytes(fragment.Data),
		}
		return self.checkComplete(), nil

	case receiverBufferHeader:
		if err := self.expectText(fragment); err != nil {
			return nil, err
		}
		var header bufferHeader
		if err := json.Unmarshal(fragment.Data, &header); err != nil {
			self.reset()
			return nil, &ProtocolError{Message: "bad buffer header", Err: err}
		}
		self.bufferId = header.Id
		self.state = receiverBufferPayload
		return nil, nil

	case receiverBufferPayload:
		if !fragment.Binary {
			state := self.state
			self.reset()
			return nil, protocolErrorf("expected a binary fragment in %s", state)
		}
		self.partial.AddBuffer(Buffer{
			Id:   self.bufferId,
			Data: copyBytes(fragment.Data),
		})
		return self.checkComplete(), nil

	default:
		self.reset()
		return nil, protocolErrorf("receiver in unknown state %d", self.state)
	}
}

func (self *Receiver) checkComplete() *Message {
	if self.partial.Complete() {
		message := self.partial
		self.reset()
		return message
	}
	self.state = receiverBufferHeader
	return nil
}

func (self *Receiver) expectText(fragment Fragment) error {
	if fragment.Binary {
		state := self.state
		self.reset()
		return protocolErrorf("expected a text fragment in %s", state)
	}
	return nil
}

func (self *Receiver) reset() {
	self.state = receiverHeader
	self.header = MessageHeader{}
	self.metadata = nil
	self.partial = nil
	self.bufferId = ""
}

func copyBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}

package docsync

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	MessageAck             MessageType = "ACK"
	MessageOk              MessageType = "OK"
	MessageError           MessageType = "ERROR"
	MessageEvent           MessageType = "EVENT"
	MessagePatchDoc        MessageType = "PATCH-DOC"
	MessagePullDocReq      MessageType = "PULL-DOC-REQ"
	MessagePullDocReply    MessageType = "PULL-DOC-REPLY"
	MessagePushDoc         MessageType = "PUSH-DOC"
	MessageServerInfoReq   MessageType = "SERVER-INFO-REQ"
	MessageServerInfoReply MessageType = "SERVER-INFO-REPLY"
)

type MessageHeader struct {
	MsgId   string      `json:"msgid"`
	MsgType MessageType `json:"msgtype"`
	// the msgid of the request this message replies to
	ReqId      string `json:"reqid,omitempty"`
	NumBuffers int    `json:"num_buffers,omitempty"`
}

type Buffer struct {
	Id   string
	Data []byte
}

type bufferHeader struct {
	Id string `json:"id"`
}

// Message is one logical protocol message. On the wire it is a text header,
// metadata and content, followed by a text header and a binary payload per buffer.
type Message struct {
	Header   MessageHeader
	Metadata json.RawMessage
	Content  json.RawMessage
	Buffers  []Buffer
}

// a transport delivery unit, one websocket frame
type Fragment struct {
	Binary bool
	Data   []byte
}

func TextFragment(data []byte) Fragment {
	return Fragment{Data: data}
}

func BinaryFragment(data []byte) Fragment {
	return Fragment{Binary: true, Data: data}
}

func newMessage(msgType MessageType, reqId string, content any) (*Message, error) {
	message := &Message{
		Header: MessageHeader{
			MsgId:   newIdString(),
			MsgType: msgType,
			ReqId:   reqId,
		},
		Metadata: json.RawMessage("{}"),
	}
	// float columns travel as binary buffers
	content = encodeBuffers(content, message)
	contentJson, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("%s content: %w", msgType, err)
	}
	message.Content = contentJson
	return message, nil
}

func requireMessage(message *Message, err error) *Message {
	if err != nil {
		panic(err)
	}
	return message
}

func NewAckMessage() *Message {
	return requireMessage(newMessage(MessageAck, "", map[string]any{}))
}

func NewOkMessage(reqId string) *Message {
	return requireMessage(newMessage(MessageOk, reqId, map[string]any{}))
}

func NewErrorMessage(reqId string, text string) *Message {
	return requireMessage(newMessage(MessageError, reqId, map[string]any{
		"text": text,
	}))
}

func NewPullDocReqMessage() *Message {
	return requireMessage(newMessage(MessagePullDocReq, "", map[string]any{}))
}

func NewPullDocReplyMessage(reqId string, doc map[string]any) (*Message, error) {
	return newMessage(MessagePullDocReply, reqId, map[string]any{
		"doc": doc,
	})
}

func NewPushDocMessage(doc map[string]any) (*Message, error) {
	return newMessage(MessagePushDoc, "", map[string]any{
		"doc": doc,
	})
}

func NewPatchDocMessage(patch map[string]any) (*Message, error) {
	return newMessage(MessagePatchDoc, "", patch)
}

func NewServerInfoReqMessage() *Message {
	return requireMessage(newMessage(MessageServerInfoReq, "", map[string]any{}))
}

func NewServerInfoReplyMessage(reqId string, info *ServerInfo) *Message {
	return requireMessage(newMessage(MessageServerInfoReply, reqId, info))
}

func NewEventMessage(event map[string]any) (*Message, error) {
	return newMessage(MessageEvent, "", event)
}

func (self *Message) Type() MessageType {
	return self.Header.MsgType
}

func (self *Message) Id() string {
	return self.Header.MsgId
}

func (self *Message) ReqId() string {
	return self.Header.ReqId
}

func (self *Message) String() string {
	if self.Header.ReqId != "" {
		return fmt.Sprintf("%s(%s reqid=%s)", self.Header.MsgType, self.Header.MsgId, self.Header.ReqId)
	}
	return fmt.Sprintf("%s(%s)", self.Header.MsgType, self.Header.MsgId)
}

func (self *Message) AddBuffer(buffer Buffer) {
	self.Buffers = append(self.Buffers, buffer)
}

// Complete is true once every buffer declared by the header is attached.
func (self *Message) Complete() bool {
	return self.Header.NumBuffers <= len(self.Buffers)
}

// Fragments renders the message for the wire.
func (self *Message) Fragments() ([]Fragment, error) {
	header := self.Header
	header.NumBuffers = len(self.Buffers)
	headerJson, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	metadata := self.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	content := self.Content
	if len(content) == 0 {
		content = json.RawMessage("{}")
	}
	fragments := []Fragment{
		TextFragment(headerJson),
		TextFragment(metadata),
		TextFragment(content),
	}
	for _, buffer := range self.Buffers {
		bufferHeaderJson, err := json.Marshal(&bufferHeader{Id: buffer.Id})
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, TextFragment(bufferHeaderJson), BinaryFragment(buffer.Data))
	}
	return fragments, nil
}

func (self *Message) DecodeContent(v any) error {
	return json.Unmarshal(self.Content, v)
}

// ContentMap decodes the content with buffer references replaced by their data.
func (self *Message) ContentMap() (map[string]any, error) {
	var content map[string]any
	if err := json.Unmarshal(self.Content, &content); err != nil {
		return nil, fmt.Errorf("%s content: %w", self.Header.MsgType, err)
	}
	buffers := make(map[string][]byte, len(self.Buffers))
	for _, buffer := range self.Buffers {
		buffers[buffer.Id] = buffer.Data
	}
	decoded, err := decodeBuffers(content, buffers)
	if err != nil {
		return nil, err
	}
	return decoded.(map[string]any), nil
}

// the text of an ERROR message
func (self *Message) ErrorText() string {
	var content struct {
		Text string `json:"text"`
	}
	if err := self.DecodeContent(&content); err != nil {
		return string(self.Content)
	}
	return content.Text
}

type ServerInfo struct {
	VersionInfo VersionInfo `json:"version_info"`
}

type VersionInfo struct {
	Server          string `json:"server"`
	ProtocolVersion string `json:"protocol_version"`
}

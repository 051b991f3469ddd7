package docsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type EventFunction func(event map[string]any)

// ClientSession binds one document to one connection for its lifetime.
// Local document changes are sent as fire and forget PATCH-DOC messages.
// Incoming patches are applied with the session id as the setter, so they
// are not sent back.
//
// All document access must go through `Update`, which serializes the user
// with the connection reader.
type ClientSession struct {
	id         string
	connection *ClientConnection

	documentLock sync.Mutex
	document     *Document

	stateLock   sync.Mutex
	unsubscribe func()

	eventCallbacks *CallbackList[EventFunction]
}

func newClientSession(connection *ClientConnection, document *Document) *ClientSession {
	session := &ClientSession{
		id:             connection.SessionId(),
		connection:     connection,
		document:       document,
		eventCallbacks: NewCallbackList[EventFunction](),
	}
	session.unsubscribe = document.OnChange(session.documentChanged)
	return session
}

func (self *ClientSession) Id() string {
	return self.id
}

func (self *ClientSession) Connection() *ClientConnection {
	return self.connection
}

// Document returns the session document. Mutate it only inside `Update`.
func (self *ClientSession) Document() *Document {
	return self.document
}

// Update runs `fn` with exclusive access to the document.
// Changes made in `fn` are sent to the peer as they happen.
func (self *ClientSession) Update(fn func(doc *Document) error) error {
	self.documentLock.Lock()
	defer self.documentLock.Unlock()
	return fn(self.document)
}

// runs with the document lock held
func (self *ClientSession) documentChanged(event DocumentChangedEvent) {
	if event.SetterId() == self.id {
		// relayed from the peer
		return
	}
	if modelChanged, ok := event.(*ModelChangedEvent); ok && !modelChanged.Model.IsSerializable(modelChanged.Attr) {
		return
	}
	patch, err := self.document.CreateJSONPatch([]DocumentChangedEvent{event})
	if err != nil {
		glog.Errorf("[s]patch %s error = %s\n", event.Kind(), err)
		return
	}
	message, err := NewPatchDocMessage(patch)
	if err != nil {
		glog.Errorf("[s]patch %s error = %s\n", event.Kind(), err)
		return
	}
	if err := self.connection.Send(message); err != nil {
		glog.Infof("[s]patch %s not sent = %s\n", event.Kind(), err)
	}
}

// handle processes an unsolicited message from the connection reader.
// A returned `*ProtocolError` closes the connection.
func (self *ClientSession) handle(message *Message) error {
	switch message.Type() {
	case MessagePatchDoc:
		content, err := message.ContentMap()
		if err != nil {
			return err
		}
		err = self.Update(func(doc *Document) error {
			return doc.ApplyJSONPatch(content, self.id)
		})
		if err != nil {
			var protocolErr *ProtocolError
			if errors.As(err, &protocolErr) {
				return err
			}
			glog.Infof("[s]patch %s error = %s\n", message, err)
		}
		return nil

	case MessagePushDoc:
		content, err := message.ContentMap()
		if err != nil {
			return err
		}
		docJson, ok := content["doc"].(map[string]any)
		if !ok {
			return protocolErrorf("%s has no doc", message.Type())
		}
		return self.Update(func(doc *Document) error {
			return doc.ReplaceWithJSON(docJson, WithSetter(self.id))
		})

	case MessageOk:
		glog.V(2).Infof("[s]ok %s\n", message.ReqId())
		return nil

	case MessageError:
		glog.Infof("[s]error reply %s = %s\n", message.ReqId(), message.ErrorText())
		return nil

	case MessageEvent:
		content, err := message.ContentMap()
		if err != nil {
			return err
		}
		for _, callback := range self.eventCallbacks.Get() {
			HandleError(func() {
				callback(content)
			})
		}
		return nil

	default:
		glog.Infof("[s]unhandled message %s\n", message)
		return nil
	}
}

// ForceRoundtrip returns once the peer has processed every message sent
// before it. The peer must process its inbound messages in order.
func (self *ClientSession) ForceRoundtrip(ctx context.Context) error {
	_, err := self.RequestServerInfo(ctx)
	return err
}

func (self *ClientSession) RequestServerInfo(ctx context.Context) (*ServerInfo, error) {
	reply, err := self.connection.SendWithReply(ctx, NewServerInfoReqMessage())
	if err != nil {
		return nil, err
	}
	if reply.Type() != MessageServerInfoReply {
		return nil, fmt.Errorf("expected %s, got %s", MessageServerInfoReply, reply.Type())
	}
	var info ServerInfo
	if err := reply.DecodeContent(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SendEvent sends an application event and waits for the peer to accept it.
func (self *ClientSession) SendEvent(ctx context.Context, event map[string]any) error {
	message, err := NewEventMessage(event)
	if err != nil {
		return err
	}
	_, err = self.connection.SendWithReply(ctx, message)
	return err
}

// OnEvent is called for each EVENT message pushed by the peer.
func (self *ClientSession) OnEvent(callback EventFunction) func() {
	callbackId := self.eventCallbacks.Add(callback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *ClientSession) Close() {
	self.connection.Close()
}

func (self *ClientSession) notifyConnectionClosed() {
	self.stateLock.Lock()
	unsubscribe := self.unsubscribe
	self.unsubscribe = nil
	self.stateLock.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	self.eventCallbacks.Clear()
	glog.V(1).Infof("[s]connection closed %s\n", self.id)
}

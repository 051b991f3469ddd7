package docsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"go.uber.org/multierr"
)

// ServerSession owns the authoritative document of one session id.
// Patches from one connection are applied and relayed to the others.
// Each connection's messages are processed in order by its reader.
type ServerSession struct {
	id     string
	server *Server

	documentLock sync.Mutex
	document     *Document

	stateLock   sync.Mutex
	connections map[string]*serverConnection
}

type serverConnection struct {
	// the setter id of patches from this connection
	id     string
	socket Socket
}

func newServerSession(server *Server, sessionId string, document *Document) *ServerSession {
	session := &ServerSession{
		id:          sessionId,
		server:      server,
		document:    document,
		connections: map[string]*serverConnection{},
	}
	document.OnChange(session.documentChanged)
	return session
}

func (self *ServerSession) Id() string {
	return self.id
}

// WithDocumentLocked runs `fn` with exclusive access to the document.
// Changes are relayed to every connection.
func (self *ServerSession) WithDocumentLocked(fn func(doc *Document) error) error {
	self.documentLock.Lock()
	defer self.documentLock.Unlock()
	return fn(self.document)
}

func (self *ServerSession) ConnectionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.connections)
}

// runs with the document lock held, so relays are ordered with pull replies
func (self *ServerSession) documentChanged(event DocumentChangedEvent) {
	if modelChanged, ok := event.(*ModelChangedEvent); ok && !modelChanged.Model.IsSerializable(modelChanged.Attr) {
		return
	}

	self.stateLock.Lock()
	connections := make([]*serverConnection, 0, len(self.connections))
	for _, conn := range self.connections {
		// the originating connection already has the change
		if conn.id != event.SetterId() {
			connections = append(connections, conn)
		}
	}
	self.stateLock.Unlock()
	if len(connections) == 0 {
		return
	}

	patch, err := self.document.CreateJSONPatch([]DocumentChangedEvent{event})
	if err != nil {
		glog.Errorf("[srv]patch %s error = %s\n", event.Kind(), err)
		return
	}
	message, err := NewPatchDocMessage(patch)
	if err != nil {
		glog.Errorf("[srv]patch %s error = %s\n", event.Kind(), err)
		return
	}
	for _, conn := range connections {
		if err := conn.send(message); err != nil {
			glog.Infof("[srv]relay to %s error = %s\n", conn.id, err)
		}
	}
}

func (self *serverConnection) send(message *Message) error {
	fragments, err := message.Fragments()
	if err != nil {
		return err
	}
	if err := self.socket.Send(fragments...); err != nil {
		return err
	}
	glog.V(2).Infof("[srv]%s->%s\n", message, self.id)
	return nil
}

// serve runs the connection until the socket closes.
func (self *ServerSession) serve(ctx context.Context, socket Socket) {
	conn := &serverConnection{
		id:     newIdString(),
		socket: socket,
	}
	self.stateLock.Lock()
	self.connections[conn.id] = conn
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		delete(self.connections, conn.id)
		self.stateLock.Unlock()
		socket.Close(CloseNormal, "closed")
	}()

	glog.V(1).Infof("[srv]connection %s joined %s\n", conn.id, self.id)
	if err := conn.send(NewAckMessage()); err != nil {
		glog.Infof("[srv]ack error %s = %s\n", conn.id, err)
		return
	}

	receiver := NewReceiver()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		fragment, err := socket.Receive()
		if err != nil {
			glog.V(1).Infof("[srv]connection %s left %s = %s\n", conn.id, self.id, err)
			return
		}
		message, err := receiver.Consume(fragment)
		if err != nil {
			glog.Infof("[srv]protocol error %s = %s\n", conn.id, err)
			socket.Close(CloseProtocolError, err.Error())
			return
		}
		if message == nil {
			continue
		}
		glog.V(2).Infof("[srv]%s<-%s\n", conn.id, message)
		if err := self.handle(conn, message); err != nil {
			var protocolErr *ProtocolError
			if errors.As(err, &protocolErr) {
				glog.Infof("[srv]protocol error %s = %s\n", conn.id, err)
				socket.Close(CloseProtocolError, err.Error())
				return
			}
			glog.Infof("[srv]%s error = %s\n", message, err)
		}
	}
}

func (self *ServerSession) handle(conn *serverConnection, message *Message) error {
	switch message.Type() {
	case MessagePullDocReq:
		// replied under the lock so no relay can overtake the reply
		return self.WithDocumentLocked(func(doc *Document) error {
			reply, err := NewPullDocReplyMessage(message.Id(), doc.ToJSON(false))
			if err != nil {
				return err
			}
			return conn.send(reply)
		})

	case MessagePatchDoc:
		content, err := message.ContentMap()
		if err != nil {
			return err
		}
		err = self.WithDocumentLocked(func(doc *Document) error {
			return doc.ApplyJSONPatch(content, conn.id)
		})
		if err != nil {
			var protocolErr *ProtocolError
			if errors.As(err, &protocolErr) {
				return err
			}
			return conn.send(NewErrorMessage(message.Id(), err.Error()))
		}
		return conn.send(NewOkMessage(message.Id()))

	case MessagePushDoc:
		content, err := message.ContentMap()
		if err != nil {
			return err
		}
		docJson, ok := content["doc"].(map[string]any)
		if !ok {
			return protocolErrorf("%s has no doc", message.Type())
		}
		err = self.WithDocumentLocked(func(doc *Document) error {
			return doc.ReplaceWithJSON(docJson, WithSetter(conn.id))
		})
		if err != nil {
			return conn.send(NewErrorMessage(message.Id(), err.Error()))
		}
		return conn.send(NewOkMessage(message.Id()))

	case MessageServerInfoReq:
		return conn.send(NewServerInfoReplyMessage(message.Id(), self.server.serverInfo()))

	case MessageEvent:
		content, err := message.ContentMap()
		if err != nil {
			return err
		}
		for _, callback := range self.server.eventCallbacks.Get() {
			HandleError(func() {
				callback(self, content)
			})
		}
		return conn.send(NewOkMessage(message.Id()))

	default:
		return conn.send(NewErrorMessage(message.Id(), fmt.Sprintf("unsupported message type %s", message.Type())))
	}
}

// SendEvent pushes an application event to every connection.
func (self *ServerSession) SendEvent(event map[string]any) error {
	message, err := NewEventMessage(event)
	if err != nil {
		return err
	}
	self.stateLock.Lock()
	connections := make([]*serverConnection, 0, len(self.connections))
	for _, conn := range self.connections {
		connections = append(connections, conn)
	}
	self.stateLock.Unlock()

	for _, conn := range connections {
		err = multierr.Append(err, conn.send(message))
	}
	return err
}

func (self *ServerSession) Close() error {
	self.stateLock.Lock()
	connections := make([]*serverConnection, 0, len(self.connections))
	for _, conn := range self.connections {
		connections = append(connections, conn)
	}
	self.stateLock.Unlock()

	var err error
	for _, conn := range connections {
		err = multierr.Append(err, conn.socket.Close(CloseNormal, "server closed"))
	}
	return err
}

package docsync

import (
	"context"
	"net/http"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
)

const ServerVersion = "1.0.0"

type ServerSettings struct {
	ProtocolVersion string
	// when set, every connection must present a token signed with this key
	// for the requested session id
	SecretKey string
	Socket    *SocketSettings
	// nil allows only same origin requests
	CheckOrigin func(r *http.Request) bool
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		ProtocolVersion: DefaultProtocolVersion,
		Socket:          DefaultSocketSettings(),
	}
}

// creates the document for a new session
type DocumentFactory func(sessionId string) (*Document, error)

func NewEmptyDocumentFactory(registry *Registry) DocumentFactory {
	return func(sessionId string) (*Document, error) {
		return NewDocument(registry), nil
	}
}

type ServerEventFunction func(session *ServerSession, event map[string]any)

// Server is the authoritative peer. Each session id maps to one document
// shared by every connection that names it.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry        *Registry
	documentFactory DocumentFactory
	settings        *ServerSettings
	upgrader        *websocket.Upgrader

	stateLock sync.Mutex
	sessions  map[string]*ServerSession

	eventCallbacks *CallbackList[ServerEventFunction]
}

func NewServerWithDefaults(ctx context.Context, registry *Registry) *Server {
	return NewServer(ctx, registry, NewEmptyDocumentFactory(registry), DefaultServerSettings())
}

func NewServer(
	ctx context.Context,
	registry *Registry,
	documentFactory DocumentFactory,
	settings *ServerSettings,
) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:             cancelCtx,
		cancel:          cancel,
		registry:        registry,
		documentFactory: documentFactory,
		settings:        settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.Socket.HandshakeTimeout,
			Subprotocols:     []string{Subprotocol},
			CheckOrigin:      settings.CheckOrigin,
		},
		sessions:       map[string]*ServerSession{},
		eventCallbacks: NewCallbackList[ServerEventFunction](),
	}
}

func (self *Server) Registry() *Registry {
	return self.registry
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if protocolVersion := query.Get("protocol-version"); protocolVersion != self.settings.ProtocolVersion {
		glog.Infof("[srv]bad protocol version %q\n", protocolVersion)
		http.Error(w, "unsupported protocol version", http.StatusBadRequest)
		return
	}
	sessionId := query.Get("session-id")
	if sessionId == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	if self.settings.SecretKey != "" {
		if err := self.checkToken(r, sessionId); err != nil {
			glog.Infof("[srv]token rejected for %s = %s\n", sessionId, err)
			http.Error(w, "invalid session token", http.StatusForbidden)
			return
		}
	}

	session, err := self.openSession(sessionId)
	if err != nil {
		glog.Errorf("[srv]open session %s = %s\n", sessionId, err)
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has replied
		glog.Infof("[srv]upgrade error = %s\n", err)
		return
	}
	socket := NewWsSocket(self.ctx, conn, self.settings.Socket)
	session.serve(self.ctx, socket)
}

func (self *Server) checkToken(r *http.Request, sessionId string) error {
	subprotocols := websocket.Subprotocols(r)
	if len(subprotocols) < 2 || subprotocols[0] != Subprotocol {
		return errMissingToken
	}
	token := subprotocols[1]
	if err := CheckTokenSignature(token, self.settings.SecretKey); err != nil {
		return err
	}
	tokenSessionId, err := GetSessionId(token)
	if err != nil {
		return err
	}
	if tokenSessionId != sessionId {
		return errTokenSessionMismatch
	}
	return nil
}

func (self *Server) openSession(sessionId string) (*ServerSession, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if session, ok := self.sessions[sessionId]; ok {
		return session, nil
	}
	document, err := self.documentFactory(sessionId)
	if err != nil {
		return nil, err
	}
	session := newServerSession(self, sessionId, document)
	self.sessions[sessionId] = session
	glog.V(1).Infof("[srv]session %s opened\n", sessionId)
	return session, nil
}

func (self *Server) Session(sessionId string) (*ServerSession, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	session, ok := self.sessions[sessionId]
	return session, ok
}

func (self *Server) Sessions() []*ServerSession {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	sessions := make([]*ServerSession, 0, len(self.sessions))
	for _, session := range self.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// OnEvent is called for each EVENT message from a client.
func (self *Server) OnEvent(callback ServerEventFunction) func() {
	callbackId := self.eventCallbacks.Add(callback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *Server) serverInfo() *ServerInfo {
	return &ServerInfo{
		VersionInfo: VersionInfo{
			Server:          ServerVersion,
			ProtocolVersion: self.settings.ProtocolVersion,
		},
	}
}

// Close closes every connection of every session.
func (self *Server) Close() error {
	self.cancel()

	self.stateLock.Lock()
	sessions := maps.Clone(self.sessions)
	self.stateLock.Unlock()

	var err error
	for _, session := range sessions {
		err = multierr.Append(err, session.Close())
	}
	return err
}

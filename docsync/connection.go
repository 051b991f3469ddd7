package docsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
)

const DefaultProtocolVersion = "1.0"

type ConnectionSettings struct {
	// bounds the dial and the ACK
	ConnectTimeout time.Duration
	// bounds every correlated request
	RequestTimeout   time.Duration
	ReconnectTimeout time.Duration
	// reconnect and resync after the transport drops in steady state
	Reconnect       bool
	ProtocolVersion string
	// the session token, sent as the second subprotocol
	Token string
	// extra query arguments for the transport url
	Args   map[string]string
	Socket *SocketSettings
	// nil dials a websocket
	Dial DialSocketFunction
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		ConnectTimeout:   10 * time.Second,
		RequestTimeout:   30 * time.Second,
		ReconnectTimeout: 2 * time.Second,
		Reconnect:        true,
		ProtocolVersion:  DefaultProtocolVersion,
		Socket:           DefaultSocketSettings(),
	}
}

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	AwaitingAck
	SteadyState
	ClosedPermanently
)

func (self ConnectionState) String() string {
	switch self {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case AwaitingAck:
		return "AWAITING_ACK"
	case SteadyState:
		return "STEADY_STATE"
	case ClosedPermanently:
		return "CLOSED_PERMANENTLY"
	default:
		return "UNKNOWN"
	}
}

type replyResult struct {
	message *Message
	err     error
}

type pendingRequest struct {
	msgType MessageType
	result  chan replyResult
	// runs on the reader before any later message is handled
	onReply func(message *Message) error
}

type sessionResult struct {
	session *ClientSession
	err     error
}

// ClientConnection turns a socket into a request/reply channel plus a stream
// of unsolicited messages for the bound `ClientSession`.
//
// One reader goroutine per socket consumes fragments in transport order.
// Replies are matched by `reqid` against the pending request table before
// anything is forwarded to the session.
type ClientConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	url       string
	sessionId string
	registry  *Registry
	settings  *ConnectionSettings

	stateLock       sync.Mutex
	state           ConnectionState
	socket          Socket
	pendingAck      chan error
	pendingRequests map[string]*pendingRequest
	session         *ClientSession
	sessionWaiters  []chan sessionResult

	closedCallbacks *CallbackList[func()]
}

func NewClientConnectionWithDefaults(ctx context.Context, baseUrl string, sessionId string, registry *Registry) (*ClientConnection, error) {
	return NewClientConnection(ctx, baseUrl, sessionId, registry, DefaultConnectionSettings())
}

// an empty `sessionId` generates a new session
func NewClientConnection(
	ctx context.Context,
	baseUrl string,
	sessionId string,
	registry *Registry,
	settings *ConnectionSettings,
) (*ClientConnection, error) {
	if sessionId == "" {
		sessionId = GenerateSessionId()
	}
	connectionUrl, err := BuildUrl(baseUrl, settings.ProtocolVersion, sessionId, settings.Args)
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ClientConnection{
		ctx:             cancelCtx,
		cancel:          cancel,
		url:             connectionUrl,
		sessionId:       sessionId,
		registry:        registry,
		settings:        settings,
		state:           Disconnected,
		pendingRequests: map[string]*pendingRequest{},
		closedCallbacks: NewCallbackList[func()](),
	}, nil
}

// BuildUrl adds the protocol version, session id and extra args to the query.
func BuildUrl(baseUrl string, protocolVersion string, sessionId string, args map[string]string) (string, error) {
	u, err := url.Parse(baseUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	q := u.Query()
	for k, v := range args {
		q.Set(k, v)
	}
	q.Set("protocol-version", protocolVersion)
	q.Set("session-id", sessionId)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (self *ClientConnection) Url() string {
	return self.url
}

func (self *ClientConnection) SessionId() string {
	return self.sessionId
}

func (self *ClientConnection) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// Connect opens the socket and returns once the peer has sent ACK.
func (self *ClientConnection) Connect(ctx context.Context) error {
	if glog.V(2) {
		_, err := TraceWithReturnError(fmt.Sprintf("[c]connect %s", self.sessionId), func() (ConnectionState, error) {
			err := self.connect(ctx)
			return self.State(), err
		})
		return err
	}
	return self.connect(ctx)
}

func (self *ClientConnection) connect(ctx context.Context) error {
	ack := make(chan error, 1)
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		switch self.state {
		case ClosedPermanently:
			return ErrClosedPermanently
		case Disconnected:
		default:
			return ErrAlreadyConnected
		}
		self.state = Connecting
		self.pendingAck = ack
		return nil
	}()
	if err != nil {
		return err
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, self.settings.ConnectTimeout)
	defer connectCancel()

	dial := self.settings.Dial
	if dial == nil {
		dial = NewWsDialer(self.settings.Socket)
	}
	glog.V(1).Infof("[c]connect %s\n", self.url)
	socket, err := dial(connectCtx, self.url, self.settings.Token)
	if err != nil {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if self.state == Connecting {
				self.state = Disconnected
			}
			self.pendingAck = nil
		}()
		err = fmt.Errorf("connect %s: %w", self.url, err)
		self.failSessionWaiters(err)
		return err
	}

	err = func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state != Connecting {
			// closed while dialing
			return ErrClosedPermanently
		}
		self.socket = socket
		self.state = AwaitingAck
		return nil
	}()
	if err != nil {
		socket.Close(CloseNormal, "closed")
		return err
	}

	go HandleError(func() {
		self.readLoop(socket)
	})

	select {
	case err := <-ack:
		return err
	case <-connectCtx.Done():
		glog.Infof("[c]handshake timeout %s\n", self.sessionId)
		// the reader observes the close and resets the state
		socket.Close(CloseNormal, "handshake timeout")
		return fmt.Errorf("connect %s: %w", self.url, connectCtx.Err())
	}
}

// PullSession connects if needed and returns the session once the document
// has been pulled.
func (self *ClientConnection) PullSession(ctx context.Context) (*ClientSession, error) {
	waiter := make(chan sessionResult, 1)
	session, state := func() (*ClientSession, ConnectionState) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.session == nil && self.state != ClosedPermanently {
			self.sessionWaiters = append(self.sessionWaiters, waiter)
		}
		return self.session, self.state
	}()
	if session != nil {
		return session, nil
	}
	switch state {
	case ClosedPermanently:
		return nil, ErrClosedPermanently
	case Disconnected:
		if err := self.Connect(ctx); err != nil && !errors.Is(err, ErrAlreadyConnected) {
			return nil, err
		}
	}
	select {
	case result := <-waiter:
		return result.session, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendWithReply sends a request and waits for the message with a matching `reqid`.
// An ERROR reply returns a `*RequestError`.
func (self *ClientConnection) SendWithReply(ctx context.Context, message *Message) (*Message, error) {
	return self.sendWithReply(ctx, message, nil)
}

func (self *ClientConnection) sendWithReply(ctx context.Context, message *Message, onReply func(message *Message) error) (*Message, error) {
	pending := &pendingRequest{
		msgType: message.Type(),
		result:  make(chan replyResult, 1),
		onReply: onReply,
	}
	socket, err := func() (Socket, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if err := self.checkSteadyState(); err != nil {
			return nil, err
		}
		// registered before sending so a fast reply is never taken as unsolicited
		self.pendingRequests[message.Id()] = pending
		return self.socket, nil
	}()
	if err != nil {
		return nil, err
	}
	removePending := func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.pendingRequests, message.Id())
	}

	if err := self.sendOn(socket, message); err != nil {
		removePending()
		return nil, err
	}

	timer := time.NewTimer(self.settings.RequestTimeout)
	defer timer.Stop()
	select {
	case result := <-pending.result:
		return result.message, result.err
	case <-timer.C:
		removePending()
		glog.Infof("[c]request timeout %s\n", message)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		removePending()
		return nil, ctx.Err()
	}
}

// Send does not wait for a reply.
func (self *ClientConnection) Send(message *Message) error {
	socket, err := func() (Socket, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if err := self.checkSteadyState(); err != nil {
			return nil, err
		}
		return self.socket, nil
	}()
	if err != nil {
		return err
	}
	return self.sendOn(socket, message)
}

// must hold the state lock
func (self *ClientConnection) checkSteadyState() error {
	switch self.state {
	case SteadyState:
		return nil
	case ClosedPermanently:
		return ErrClosedPermanently
	default:
		return ErrConnectionClosed
	}
}

func (self *ClientConnection) sendOn(socket Socket, message *Message) error {
	fragments, err := message.Fragments()
	if err != nil {
		return err
	}
	if err := socket.Send(fragments...); err != nil {
		glog.Infof("[c]%s-> error = %s\n", message, err)
		return err
	}
	glog.V(2).Infof("[c]%s->\n", message)
	return nil
}

// Close is idempotent and irreversible.
func (self *ClientConnection) Close() {
	self.closePermanently(CloseNormal, "closed", ErrClosedPermanently)
}

// OnClosed is called once when the connection is closed permanently.
func (self *ClientConnection) OnClosed(callback func()) func() {
	callbackId := self.closedCallbacks.Add(callback)
	return func() {
		self.closedCallbacks.Remove(callbackId)
	}
}

func (self *ClientConnection) closePermanently(code int, reason string, cause error) {
	var socket Socket
	var ack chan error
	var pending map[string]*pendingRequest
	var session *ClientSession
	var waiters []chan sessionResult
	alreadyClosed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state == ClosedPermanently {
			return true
		}
		self.state = ClosedPermanently
		socket = self.socket
		self.socket = nil
		ack = self.pendingAck
		self.pendingAck = nil
		pending = self.pendingRequests
		self.pendingRequests = map[string]*pendingRequest{}
		session = self.session
		waiters = self.sessionWaiters
		self.sessionWaiters = nil
		return false
	}()
	if alreadyClosed {
		return
	}
	glog.V(1).Infof("[c]closed permanently %s (%d %s)\n", self.sessionId, code, reason)

	self.cancel()
	if socket != nil {
		socket.Close(code, reason)
	}
	if ack != nil {
		ack <- cause
	}
	for _, request := range pending {
		request.result <- replyResult{err: cause}
	}
	for _, waiter := range waiters {
		waiter <- sessionResult{err: cause}
	}
	if session != nil {
		session.notifyConnectionClosed()
	}
	callbacks := self.closedCallbacks.Get()
	self.closedCallbacks.Clear()
	for _, callback := range callbacks {
		HandleError(callback)
	}
}

func (self *ClientConnection) closeBadProtocol(err error) {
	glog.Infof("[c]protocol error %s = %s\n", self.sessionId, err)
	self.closePermanently(CloseProtocolError, err.Error(), err)
}

func (self *ClientConnection) readLoop(socket Socket) {
	receiver := NewReceiver()
	for {
		fragment, err := socket.Receive()
		if err != nil {
			self.onSocketClosed(socket, err)
			return
		}
		message, err := receiver.Consume(fragment)
		if err != nil {
			self.closeBadProtocol(err)
			return
		}
		if message == nil {
			continue
		}
		glog.V(2).Infof("[c]<-%s\n", message)
		if err := self.handleMessage(socket, message); err != nil {
			var protocolErr *ProtocolError
			if errors.As(err, &protocolErr) {
				self.closeBadProtocol(err)
				return
			}
			glog.Infof("[c]%s error = %s\n", message, err)
		}
	}
}

func (self *ClientConnection) handleMessage(socket Socket, message *Message) error {
	self.stateLock.Lock()
	if self.socket != socket {
		// stale reader
		self.stateLock.Unlock()
		return nil
	}
	switch self.state {
	case AwaitingAck:
		if message.Type() != MessageAck {
			self.stateLock.Unlock()
			return protocolErrorf("expected %s, got %s", MessageAck, message.Type())
		}
		self.state = SteadyState
		ack := self.pendingAck
		self.pendingAck = nil
		self.stateLock.Unlock()

		glog.V(1).Infof("[c]ack %s\n", self.sessionId)
		if ack != nil {
			ack <- nil
		}
		go HandleError(self.repullSessionDoc)
		return nil

	case SteadyState:
		if reqId := message.ReqId(); reqId != "" {
			if request, ok := self.pendingRequests[reqId]; ok {
				delete(self.pendingRequests, reqId)
				self.stateLock.Unlock()
				if message.Type() == MessageError {
					request.result <- replyResult{err: &RequestError{
						MsgType: request.msgType,
						Text:    message.ErrorText(),
					}}
					return nil
				}
				var err error
				if request.onReply != nil {
					err = request.onReply(message)
				}
				request.result <- replyResult{message: message, err: err}
				return err
			}
		}
		session := self.session
		self.stateLock.Unlock()
		if session == nil {
			// the pending pull reply reflects everything sent before it
			glog.V(1).Infof("[c]drop %s before session\n", message)
			return nil
		}
		return session.handle(message)

	default:
		self.stateLock.Unlock()
		return nil
	}
}

// pulls the document after every ACK. The first pull creates the session,
// later pulls resync the session document after a reconnect.
func (self *ClientConnection) repullSessionDoc() {
	_, err := self.sendWithReply(self.ctx, NewPullDocReqMessage(), self.applyPullReply)
	if err != nil {
		glog.Infof("[c]pull error %s = %s\n", self.sessionId, err)
		self.failSessionWaiters(err)
	}
}

// applyPullReply runs on the reader, so messages sent after the reply are
// handled against the pulled document. Messages before the reply are
// already reflected in it.
// A pulled document that cannot be reconstructed is a `*ProtocolError`.
func (self *ClientConnection) applyPullReply(reply *Message) error {
	if reply.Type() != MessagePullDocReply {
		return protocolErrorf("expected %s, got %s", MessagePullDocReply, reply.Type())
	}
	content, err := reply.ContentMap()
	if err != nil {
		return &ProtocolError{Message: "pull reply", Err: err}
	}
	docJson, ok := content["doc"].(map[string]any)
	if !ok {
		return protocolErrorf("%s has no doc", MessagePullDocReply)
	}

	self.stateLock.Lock()
	session := self.session
	self.stateLock.Unlock()

	if session != nil {
		err := session.Update(func(doc *Document) error {
			return doc.ReplaceWithJSON(docJson, WithSetter(session.Id()))
		})
		if err != nil {
			return &ProtocolError{Message: "resync", Err: err}
		}
		glog.V(1).Infof("[c]resynced %s\n", self.sessionId)
		return nil
	}

	doc, err := FromJSON(self.registry, docJson)
	if err != nil {
		return &ProtocolError{Message: "pulled document", Err: err}
	}
	// initializers may have changed the document. Send the difference back
	// so both peers converge.
	patch, err := ComputePatchSinceJSON(docJson, doc)
	if err != nil {
		return &ProtocolError{Message: "pulled document", Err: err}
	}
	if events, _ := patch["events"].([]any); 0 < len(events) {
		if message, err := NewPatchDocMessage(patch); err == nil {
			if err := self.Send(message); err != nil {
				glog.Infof("[c]reconcile patch error %s = %s\n", self.sessionId, err)
			}
		}
	}

	session = newClientSession(self, doc)
	self.stateLock.Lock()
	if self.state == ClosedPermanently {
		self.stateLock.Unlock()
		session.notifyConnectionClosed()
		return nil
	}
	self.session = session
	waiters := self.sessionWaiters
	self.sessionWaiters = nil
	self.stateLock.Unlock()

	glog.V(1).Infof("[c]session %s created (%d models)\n", self.sessionId, len(doc.AllModels()))
	for _, waiter := range waiters {
		waiter <- sessionResult{session: session}
	}
	return nil
}

func (self *ClientConnection) failSessionWaiters(err error) {
	self.stateLock.Lock()
	waiters := self.sessionWaiters
	self.sessionWaiters = nil
	self.stateLock.Unlock()
	for _, waiter := range waiters {
		waiter <- sessionResult{err: err}
	}
}

func (self *ClientConnection) onSocketClosed(socket Socket, cause error) {
	var ack chan error
	var pending map[string]*pendingRequest
	var wasSteady bool
	stale := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.socket != socket {
			return true
		}
		wasSteady = self.state == SteadyState
		self.state = Disconnected
		self.socket = nil
		ack = self.pendingAck
		self.pendingAck = nil
		pending = self.pendingRequests
		self.pendingRequests = map[string]*pendingRequest{}
		return false
	}()
	socket.Close(CloseNormal, "closed")
	if stale {
		return
	}

	if code, ok := CloseCode(cause); ok {
		glog.Infof("[c]disconnected %s (%d)\n", self.sessionId, code)
	} else {
		glog.Infof("[c]disconnected %s = %s\n", self.sessionId, cause)
	}

	err := fmt.Errorf("%w: %s", ErrConnectionClosed, cause)
	if ack != nil {
		ack <- err
	}
	// in flight requests are never resent
	for _, request := range pending {
		request.result <- replyResult{err: err}
	}

	if wasSteady && self.settings.Reconnect {
		go HandleError(self.reconnect)
	} else if !wasSteady {
		self.failSessionWaiters(err)
	}
}

func (self *ClientConnection) reconnect() {
	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
		glog.Infof("[c]reconnect %s\n", self.sessionId)
		err := self.Connect(self.ctx)
		switch {
		case err == nil:
			// the pull after ACK resyncs the session
			return
		case errors.Is(err, ErrClosedPermanently), errors.Is(err, ErrAlreadyConnected):
			return
		default:
			glog.Infof("[c]reconnect error %s = %s\n", self.sessionId, err)
		}
	}
}

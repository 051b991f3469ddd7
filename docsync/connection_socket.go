package docsync

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const (
	CloseNormal        = websocket.CloseNormalClosure
	CloseProtocolError = websocket.CloseProtocolError
)

// the first websocket subprotocol. The session token is sent as the second.
const Subprotocol = "docsync"

// websocket limits the close reason to 123 bytes
const maxCloseReasonLength = 123

// Socket is a message oriented duplex transport.
type Socket interface {
	// Send writes the fragments contiguously. Concurrent sends never interleave.
	Send(fragments ...Fragment) error
	// Receive blocks for the next fragment.
	Receive() (Fragment, error)
	// Close is idempotent. The code is sent to the peer when possible.
	Close(code int, reason string) error
}

// dials a socket for the url, sending the token to the peer
type DialSocketFunction func(ctx context.Context, url string, token string) (Socket, error)

type SocketSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// the read deadline, extended by every received frame including pongs
	ReadTimeout  time.Duration
	PingInterval time.Duration
}

func DefaultSocketSettings() *SocketSettings {
	return &SocketSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     15 * time.Second,
	}
}

func NewWsDialer(settings *SocketSettings) DialSocketFunction {
	return func(ctx context.Context, url string, token string) (Socket, error) {
		subprotocols := []string{Subprotocol}
		if token != "" {
			subprotocols = append(subprotocols, token)
		}
		dialer := &websocket.Dialer{
			HandshakeTimeout: settings.HandshakeTimeout,
			Subprotocols:     subprotocols,
		}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		// the socket outlives the dial context
		return NewWsSocket(context.Background(), conn, settings), nil
	}
}

// WsSocket adapts a websocket connection. Fragments map one to one to frames.
type WsSocket struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn     *websocket.Conn
	settings *SocketSettings

	writeLock sync.Mutex
	closeOnce sync.Once
}

func NewWsSocket(ctx context.Context, conn *websocket.Conn, settings *SocketSettings) *WsSocket {
	cancelCtx, cancel := context.WithCancel(ctx)
	socket := &WsSocket{
		ctx:      cancelCtx,
		cancel:   cancel,
		conn:     conn,
		settings: settings,
	}
	conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	})
	go socket.ping()
	return socket
}

func (self *WsSocket) ping() {
	defer self.cancel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingInterval):
		}
		deadline := time.Now().Add(self.settings.WriteTimeout)
		if err := self.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			// note a websocket write deadline cannot be recovered
			glog.V(2).Infof("[c]ping error = %s\n", err)
			self.conn.Close()
			return
		}
	}
}

func (self *WsSocket) Send(fragments ...Fragment) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	for _, fragment := range fragments {
		messageType := websocket.TextMessage
		if fragment.Binary {
			messageType = websocket.BinaryMessage
		}
		self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		if err := self.conn.WriteMessage(messageType, fragment.Data); err != nil {
			return err
		}
	}
	return nil
}

func (self *WsSocket) Receive() (Fragment, error) {
	for {
		messageType, data, err := self.conn.ReadMessage()
		if err != nil {
			return Fragment{}, err
		}
		self.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		switch messageType {
		case websocket.TextMessage:
			return TextFragment(data), nil
		case websocket.BinaryMessage:
			return BinaryFragment(data), nil
		default:
			glog.V(2).Infof("[c]other=%d\n", messageType)
		}
	}
}

func (self *WsSocket) Close(code int, reason string) (returnErr error) {
	self.closeOnce.Do(func() {
		self.cancel()
		reason = truncateCloseReason(reason)
		deadline := time.Now().Add(self.settings.WriteTimeout)
		// best effort, the peer may already be gone
		self.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		returnErr = self.conn.Close()
	})
	return
}

// cut on a rune boundary so the close frame stays valid utf-8
func truncateCloseReason(reason string) string {
	if len(reason) <= maxCloseReasonLength {
		return reason
	}
	end := maxCloseReasonLength
	for 0 < end && !utf8.RuneStart(reason[end]) {
		end -= 1
	}
	return reason[:end]
}

// the close code sent by the peer, if the error is a close
func CloseCode(err error) (int, bool) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, true
	}
	return 0, false
}

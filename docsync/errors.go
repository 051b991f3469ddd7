package docsync

import (
	"errors"
	"fmt"
)

var (
	ErrClosedPermanently = errors.New("connection closed permanently")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrRequestTimeout    = errors.New("request timed out")
	ErrModelDisposed     = errors.New("model disposed")

	errMissingToken         = errors.New("missing session token")
	errTokenSessionMismatch = errors.New("token is for another session")
)

// a property rejected an assigned value
type ValidationError struct {
	ModelType string
	ModelId   string
	Attr      string
	Value     any
	Reason    string
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("invalid value for %s(%s).%s: %#v: %s", self.ModelType, self.ModelId, self.Attr, self.Value, self.Reason)
}

type UndeclaredAttributeError struct {
	ModelType string
	Attr      string
}

func (self *UndeclaredAttributeError) Error() string {
	return fmt.Sprintf("%s has no declared attribute %q", self.ModelType, self.Attr)
}

type NotRegisteredError struct {
	TypeName string
}

func (self *NotRegisteredError) Error() string {
	return fmt.Sprintf("model %q not registered", self.TypeName)
}

// the two peers can no longer be trusted to agree on state
// the connection is closed with `CloseProtocolError`
type ProtocolError struct {
	Message string
	Err     error
}

func (self *ProtocolError) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("protocol error: %s: %s", self.Message, self.Err)
	}
	return fmt.Sprintf("protocol error: %s", self.Message)
}

func (self *ProtocolError) Unwrap() error {
	return self.Err
}

func protocolErrorf(format string, a ...any) *ProtocolError {
	return &ProtocolError{
		Message: fmt.Sprintf(format, a...),
	}
}

// an ERROR reply to a request
type RequestError struct {
	MsgType MessageType
	Text    string
}

func (self *RequestError) Error() string {
	return fmt.Sprintf("%s failed: %s", self.MsgType, self.Text)
}

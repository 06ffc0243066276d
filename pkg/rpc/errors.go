package rpc

import (
	"errors"
	"fmt"
)

var (
	ErrPromiseNotFound    = errors.New("rpc: could not find promise")
	ErrUnknownMessageType = errors.New("rpc: unknown message type")
	ErrMalformedFrame     = errors.New("rpc: malformed frame")
	ErrAlreadyResolved    = errors.New("rpc: promise already resolved")
	ErrClientClosed       = errors.New("rpc: client closed")
	ErrServerClosed       = errors.New("rpc: server closed")
	ErrProtocolExists     = errors.New("rpc: protocol already registered")
	ErrNilHandler         = errors.New("rpc: nil handler")

	// ErrAbandoned matches the faults delivered to calls still pending
	// when their client is closed. Each call gets its own copy.
	ErrAbandoned = &Fault{Code: CodeAbandoned, Message: "call abandoned: client closed"}
)

// Fault codes. Codes below `CodeUser` are reserved to the RPC layer,
// handlers are free to use any other value.
const (
	CodeUnknown uint64 = iota
	CodePromiseNotFound
	CodeUnknownMessage
	CodeUnknownProtocol
	CodeUnknownFunction
	CodeInternal
	CodeAbandoned
	CodeUser uint64 = 32
)

// Fault is a structured error carried by an error frame. It is what a
// waiter observes when the remote side answered with an error.
type Fault struct {
	Code    uint64
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("rpc fault %d: %s", f.Code, f.Message)
}

// Is matches any fault with the same code, so callers can compare
// against sentinel faults such as `ErrAbandoned`.
func (f *Fault) Is(target error) bool {
	other, ok := target.(*Fault)
	if !ok {
		return false
	}
	return other.Code == f.Code
}

func abandoned() *Fault {
	return &Fault{Code: ErrAbandoned.Code, Message: ErrAbandoned.Message}
}

// NewFault is a helper for handlers.
func NewFault(code uint64, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsFault converts any handler error into a `Fault` suitable for the
// wire.
func AsFault(err error) *Fault {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault
	}
	return &Fault{Code: CodeInternal, Message: err.Error()}
}

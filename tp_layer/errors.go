package tp_layer

import (
	"errors"
	"fmt"
)

// Kinds of protocol failures reported on Transport.ErrorChan.
var (
	ErrInvalidFrame       = errors.New("invalid CAN data received")
	ErrRxTimeout          = errors.New("consecutive frame not received in time")
	ErrFlowControlTimeout = errors.New("flow control frame not received in time")
	ErrWrongSequence      = errors.New("wrong sequence number in consecutive frame")
	ErrInterrupted        = errors.New("reception interrupted by a new frame")
	ErrOverflow           = errors.New("remote node reported overflow")
	ErrWaitLimit          = errors.New("maximum wait flow control frames reached")
	ErrTxBufferFull       = errors.New("tx channel full, frame dropped")
	ErrRxBufferFull       = errors.New("rx channel full, message dropped")
	ErrPayloadTooLong     = errors.New("payload too long")
	ErrRxTooLong          = errors.New("announced message longer than the receive limit")
)

// ProtocolError carries one of the error kinds above plus detail.
type ProtocolError struct {
	Kind   error
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return "isotp: " + e.Kind.Error()
	}
	return fmt.Sprintf("isotp: %s: %s", e.Kind, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

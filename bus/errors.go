package bus

import "errors"

var (
	ErrChannelExists   = errors.New("bus: channel already added")
	ErrChannelNotFound = errors.New("bus: channel not added")
	ErrNoDatabase      = errors.New("bus: no database imported")
	ErrAlreadyLogging  = errors.New("bus: already logging, stop logging first")
	ErrNotLogging      = errors.New("bus: logging already stopped")
	ErrQueueNotStarted = errors.New("bus: queue not started")
	ErrTimeout         = errors.New("bus: timed out")
	ErrNotSending      = errors.New("bus: message is not being sent")
	ErrInvalidPattern  = errors.New("bus: invalid data pattern")
	ErrClosed          = errors.New("bus: channel closed")
)

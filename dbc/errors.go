package dbc

import "errors"

// MaxID is the largest message id a database can hold.
const MaxID = 0x1FFFFFFF

var (
	ErrUnsupportedFile = errors.New("dbc: unsupported database file type")
	ErrNoMessages      = errors.New("dbc: database contains no messages")
	ErrNotFound        = errors.New("dbc: not found")
	ErrAmbiguous       = errors.New("dbc: more than one match")
	ErrNotID           = errors.New("dbc: not a message id")
	ErrOutOfRange      = errors.New("dbc: value out of range")
	ErrInvalidValue    = errors.New("dbc: invalid signal value")
	ErrDataTooLong     = errors.New("dbc: data longer than message dlc")
)

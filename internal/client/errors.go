package client

import "errors"

var (
	ErrSessionClosed = errors.New("session closed")
	ErrNotOpen       = errors.New("session is not open on a channel")
	ErrNotConnected  = errors.New("session has no live connection")
)

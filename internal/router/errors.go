package router

import "errors"

// ErrNilSender is returned when a route request has no sender connection.
var ErrNilSender = errors.New("sender connection is required")

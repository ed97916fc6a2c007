package ws

import "errors"

var (
	// ErrConnectFailed indicates the transport failed to open.
	ErrConnectFailed = errors.New("connection failed")
)

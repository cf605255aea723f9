package client

import (
	"errors"
	"fmt"
)

// ErrConnectFailed reports that every dial attempt was exhausted without a
// connection. This is a fatal startup error.
var ErrConnectFailed = errors.New("client: unable to connect to server")

// ErrNotActive reports a request issued while the transport is not in the
// active state.
var ErrNotActive = errors.New("client: transport is not active")

// ServerError carries the error text of a 400 reply. The server rejected
// the request at the application level; the connection itself is fine.
type ServerError struct {
	Text string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Text)
}

// Package transport turns an unreliable, unordered datagram channel into a
// connection with three per-message delivery classes: fire-and-forget,
// ordered-unreliable, and reliable-ordered. Sequencing state is kept per
// class per connection.
package transport

import "errors"

var (
	// ErrTransportTimeout marks a connection torn down for silence or for
	// exhausting reliable retransmission retries.
	ErrTransportTimeout = errors.New("transport timeout")
	// ErrPeerClosed is returned by operations on a closed peer.
	ErrPeerClosed = errors.New("peer closed")
)

// DatagramConn is a point-to-point datagram channel. Datagrams may be lost,
// duplicated, or reordered; each Send carries exactly one datagram.
// Implementations must make Send and Close safe for concurrent use; Receive
// is called from a single goroutine and blocks until a datagram arrives or
// the connection closes.
type DatagramConn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
	// RemoteLabel names the far end for logs and diagnostics.
	RemoteLabel() string
}

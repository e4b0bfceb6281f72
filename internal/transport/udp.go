package transport

import (
	"fmt"
	"net"
	"sync"
)

// maxDatagramSize bounds a single read. Envelopes larger than this (a full
// snapshot of a very large grid) are the sender's bug; grids up to 512x512
// compress far below it.
const maxDatagramSize = 64 * 1024

// DialUDP opens a connected client-side datagram channel.
func DialUDP(address string) (DatagramConn, error) {
	remote, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return &udpClientConn{conn: conn}, nil
}

type udpClientConn struct {
	conn *net.UDPConn
	buf  [maxDatagramSize]byte
}

func (c *udpClientConn) Send(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

func (c *udpClientConn) Receive() ([]byte, error) {
	n, err := c.conn.Read(c.buf[:])
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	copy(data, c.buf[:n])
	return data, nil
}

func (c *udpClientConn) Close() error {
	return c.conn.Close()
}

func (c *udpClientConn) RemoteLabel() string {
	return c.conn.RemoteAddr().String()
}

// UDPListener demultiplexes a single server socket into per-remote-endpoint
// datagram channels. New endpoints surface on Accept; a channel dies when the
// listener closes it or the listener itself closes.
type UDPListener struct {
	conn *net.UDPConn

	mu      sync.Mutex
	conns   map[string]*udpServerConn
	accepts chan DatagramConn
	closed  bool
	done    chan struct{}
}

// ListenUDP binds the server socket and starts the demultiplexing loop.
func ListenUDP(address string) (*UDPListener, error) {
	local, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	l := &UDPListener{
		conn:    conn,
		conns:   make(map[string]*udpServerConn),
		accepts: make(chan DatagramConn, 16),
		done:    make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// Accept surfaces a channel per new remote endpoint. It closes when the
// listener closes.
func (l *UDPListener) Accept() <-chan DatagramConn {
	return l.accepts
}

// Addr reports the bound address.
func (l *UDPListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Close shuts the socket and every endpoint channel.
func (l *UDPListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]*udpServerConn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	close(l.done)
	for _, c := range conns {
		c.Close()
	}
	return l.conn.Close()
}

func (l *UDPListener) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
			default:
				l.Close()
			}
			close(l.accepts)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		key := remote.String()
		l.mu.Lock()
		c, known := l.conns[key]
		if !known {
			c = &udpServerConn{
				listener: l,
				remote:   remote,
				inbox:    make(chan []byte, 256),
				closed:   make(chan struct{}),
			}
			l.conns[key] = c
		}
		l.mu.Unlock()

		if !known {
			select {
			case l.accepts <- c:
			default:
				// Accept backlog full; drop the endpoint, a retry re-creates it.
				l.drop(key)
				continue
			}
		}
		select {
		case c.inbox <- data:
		default:
			// Receiver is stalled; datagram loss is this transport's contract.
		}
	}
}

func (l *UDPListener) drop(key string) {
	l.mu.Lock()
	c, ok := l.conns[key]
	if ok {
		delete(l.conns, key)
	}
	l.mu.Unlock()
	if ok {
		c.markClosed()
	}
}

type udpServerConn struct {
	listener *UDPListener
	remote   *net.UDPAddr
	inbox    chan []byte
	closed   chan struct{}
	once     sync.Once
}

func (c *udpServerConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrPeerClosed
	default:
	}
	_, err := c.listener.conn.WriteToUDP(data, c.remote)
	return err
}

func (c *udpServerConn) Receive() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.closed:
		select {
		case data := <-c.inbox:
			return data, nil
		default:
			return nil, ErrPeerClosed
		}
	}
}

func (c *udpServerConn) Close() error {
	c.listener.drop(c.remote.String())
	return nil
}

func (c *udpServerConn) markClosed() {
	c.once.Do(func() { close(c.closed) })
}

func (c *udpServerConn) RemoteLabel() string {
	return c.remote.String()
}

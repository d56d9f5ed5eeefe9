package dgram

import (
	"fmt"
	"net"
	"sync"
	"time"

	ferrors "github.com/alxayo/go-fcp/internal/errors"
)

// UDP is an Endpoint over a real UDP socket. A dialed endpoint (client) talks
// to its fixed remote; a listening endpoint (server) replies to whichever
// address most recently sent it a datagram, matching the single-client
// request/response discipline of the protocol.
type UDP struct {
	conn   *net.UDPConn
	dialed bool

	mu   sync.Mutex
	peer *net.UDPAddr // last sender, listening mode only
}

// Dial creates a client endpoint bound to the given server address.
func Dial(addr string) (*UDP, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, ferrors.NewTransportError("udp.resolve", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, ferrors.NewTransportError("udp.dial", err)
	}
	return &UDP{conn: conn, dialed: true}, nil
}

// Listen creates a server endpoint bound to the given local address.
func Listen(addr string) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, ferrors.NewTransportError("udp.resolve", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, ferrors.NewTransportError("udp.listen", err)
	}
	return &UDP{conn: conn}, nil
}

// Addr returns the local socket address.
func (u *UDP) Addr() net.Addr { return u.conn.LocalAddr() }

// Write sends one datagram to the fixed remote (dialed) or to the last
// observed sender (listening).
func (u *UDP) Write(p []byte) (int, error) {
	if u.dialed {
		n, err := u.conn.Write(p)
		if err != nil {
			return n, ferrors.NewTransportError("udp.write", err)
		}
		return n, nil
	}
	u.mu.Lock()
	peer := u.peer
	u.mu.Unlock()
	if peer == nil {
		return 0, ferrors.NewTransportError("udp.write", fmt.Errorf("no peer has contacted this endpoint yet"))
	}
	n, err := u.conn.WriteToUDP(p, peer)
	if err != nil {
		return n, ferrors.NewTransportError("udp.write", err)
	}
	return n, nil
}

// ReadTimeout reads the next datagram, waiting at most d. A deadline expiry
// is returned as-is (net.Error, Timeout() == true) so callers can classify
// it; every other failure is a TransportError.
func (u *UDP) ReadTimeout(p []byte, d time.Duration) (int, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return 0, ferrors.NewTransportError("udp.deadline", err)
	}
	if u.dialed {
		n, err := u.conn.Read(p)
		return n, classifyRead(err)
	}
	n, addr, err := u.conn.ReadFromUDP(p)
	if err != nil {
		return n, classifyRead(err)
	}
	u.mu.Lock()
	u.peer = addr
	u.mu.Unlock()
	return n, nil
}

// Close releases the socket.
func (u *UDP) Close() error { return u.conn.Close() }

func classifyRead(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return err
	}
	return ferrors.NewTransportError("udp.read", err)
}

package nasty

import (
	"time"

	"github.com/alxayo/go-fcp/internal/fcp/dgram"
)

// Socket wraps a datagram endpoint and misbehaves on the send path: outgoing
// datagrams may be dropped, duplicated, bit-flipped, or held back one slot so
// they arrive after their successor. The receive path is a pass-through (the
// peer's nasty socket already mangled whatever is inbound).
type Socket struct {
	ep    dgram.Endpoint
	level int
	src   *source

	held []byte // datagram delayed for reordering
}

// WrapEndpoint layers nastiness over ep. Level 0 returns a transparent
// wrapper so callers need not special-case clean channels.
func WrapEndpoint(ep dgram.Endpoint, level int, seed uint64) *Socket {
	return &Socket{ep: ep, level: clampLevel(level), src: newSource(seed)}
}

// Nastiness returns the clamped level the socket was built with.
func (s *Socket) Nastiness() int { return s.level }

// Write sends p through the fault model. The reported length is always
// len(p): a dropped datagram looks exactly like a successful send, as it
// does on a real network.
func (s *Socket) Write(p []byte) (int, error) {
	f := netFaults[s.level]

	if s.src.roll(f.drop) {
		return len(p), nil
	}

	cp := make([]byte, len(p))
	copy(cp, p)
	if s.src.roll(f.corrupt) {
		s.src.flipBit(cp)
	}

	// Reordering: hold this datagram and release it after the next one.
	if s.held == nil && s.src.roll(f.reorder) {
		s.held = cp
		return len(p), nil
	}
	if _, err := s.ep.Write(cp); err != nil {
		return 0, err
	}
	if s.held != nil {
		prev := s.held
		s.held = nil
		if _, err := s.ep.Write(prev); err != nil {
			return 0, err
		}
	}
	if s.src.roll(f.dup) {
		if _, err := s.ep.Write(cp); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// ReadTimeout passes through to the wrapped endpoint.
func (s *Socket) ReadTimeout(p []byte, d time.Duration) (int, error) {
	return s.ep.ReadTimeout(p, d)
}

// Close flushes any held datagram and closes the wrapped endpoint.
func (s *Socket) Close() error {
	if s.held != nil {
		_, _ = s.ep.Write(s.held)
		s.held = nil
	}
	return s.ep.Close()
}

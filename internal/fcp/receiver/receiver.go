// Package receiver implements the server side of the transfer: a
// single-threaded dispatch loop over one datagram endpoint, at most one
// active session at a time, and the reconciliation pass that turns gaps in
// the received bitset into MISSING requests.
package receiver

import (
	"log/slog"
	"time"

	"github.com/alxayo/go-fcp/internal/bufpool"
	ferrors "github.com/alxayo/go-fcp/internal/errors"
	"github.com/alxayo/go-fcp/internal/fcp/audit"
	"github.com/alxayo/go-fcp/internal/fcp/dgram"
	"github.com/alxayo/go-fcp/internal/fcp/metrics"
	"github.com/alxayo/go-fcp/internal/fcp/nasty"
	"github.com/alxayo/go-fcp/internal/fcp/packet"
	"github.com/alxayo/go-fcp/internal/fcp/stage"
	"github.com/alxayo/go-fcp/internal/logger"
)

// state is the receiver's position in the per-file protocol.
type state int

const (
	stateIdle state = iota
	stateReceiving
	stateE2EPending
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateReceiving:
		return "RECEIVING"
	case stateE2EPending:
		return "E2E_PENDING"
	}
	return "UNKNOWN"
}

// Config carries the receiver's collaborators and tuning knobs. Zero values
// select the reference protocol constants.
type Config struct {
	Endpoint  dgram.Endpoint // nasty-wrapped datagram channel
	Files     *nasty.FS      // nasty file layer for the target directory
	TargetDir string
	Audit     *audit.Log
	Metrics   *metrics.Metrics
	Log       *slog.Logger

	ReadTimeout time.Duration // socket read timeout driving reconciliation (reference 1s)
	SettleDelay time.Duration // pause before ALL_DONE so stragglers land (reference 1s)

	VerifyAttempts int // verified-write cap before PersistentCorruption

	// SessionIdle abandons a session that has gone completely quiet (the
	// client died or moved on without closing). The staging file is left in
	// place, never deleted.
	SessionIdle time.Duration

	// FinishedGrace keeps a just-closed session's name around so duplicate
	// ACKs still draw a FIN_ACK after the transition back to IDLE.
	FinishedGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = time.Second
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = time.Second
	}
	if c.VerifyAttempts == 0 {
		c.VerifyAttempts = stage.DefaultAttempts
	}
	if c.SessionIdle == 0 {
		c.SessionIdle = 30 * time.Second
	}
	if c.FinishedGrace == 0 {
		c.FinishedGrace = time.Minute
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
	if c.Log == nil {
		c.Log = logger.WithSide(logger.Logger(), "server")
	}
}

// Receiver is the server-side dispatcher plus per-session state.
type Receiver struct {
	cfg   Config
	log   *slog.Logger
	state state
	sess  *session

	// recent maps basename → close time for idempotent FIN_ACK replay.
	recent map[string]time.Time
}

// New creates a receiver for one endpoint and target directory.
func New(cfg Config) *Receiver {
	cfg.applyDefaults()
	return &Receiver{cfg: cfg, log: cfg.Log, recent: make(map[string]time.Time)}
}

// Run reads and dispatches datagrams until the endpoint fails. Timeouts are
// progress events (they trigger reconciliation and idle expiry), so the only
// error Run returns is a fatal transport one.
func (r *Receiver) Run() error {
	buf := bufpool.Get(packet.MaxFrameSize)
	defer bufpool.Put(buf)

	for {
		n, err := r.cfg.Endpoint.ReadTimeout(buf, r.cfg.ReadTimeout)
		if err != nil {
			if ferrors.IsTimeout(err) {
				r.onTimeout()
				continue
			}
			r.log.Error("datagram endpoint failed", "error", err)
			return ferrors.NewTransportError("receiver.read", err)
		}
		frame, derr := packet.Decode(buf[:n])
		if derr != nil {
			r.cfg.Metrics.FramesDropped.Inc()
			r.log.Debug("dropping malformed datagram", "bytes", n, "error", derr)
			continue
		}
		r.cfg.Metrics.ReceivedFrame(frame.Tag())
		r.dispatch(frame)
	}
}

// onTimeout fires reconciliation while receiving, expires a session whose
// client has gone silent for good, and prunes the finished-session table.
func (r *Receiver) onTimeout() {
	if r.sess != nil && time.Since(r.sess.lastActivity) > r.cfg.SessionIdle {
		r.log.Warn("abandoning idle session", "file", r.sess.base, "state", r.state.String())
		r.cfg.Metrics.SessionsFailed.Inc()
		r.clearSession()
		return
	}
	if r.state == stateReceiving {
		r.sess.reconcile()
	}
	r.pruneRecent()
}

// dispatch routes one decoded frame according to the current state. Frames
// that violate the state machine are logged and dropped; nothing received
// off the wire is ever fatal.
func (r *Receiver) dispatch(frame packet.Frame) {
	switch m := frame.(type) {
	case packet.Init:
		r.handleInit(m)
	case packet.Data:
		r.handleData(m)
	case packet.ReqChk:
		r.handleReqChk(m)
	case packet.AckSucc:
		r.handleAck(packet.TagAckSucc, m.Basename, true)
	case packet.AckFail:
		r.handleAck(packet.TagAckFail, m.Basename, false)
	default:
		// Server-bound traffic only; INIT_ACK, ALL_DONE, MISSING, CHK_*,
		// FIN_ACK are frames we send, not receive.
		r.cfg.Metrics.FramesDropped.Inc()
		r.log.Debug("dropping client-bound frame", "tag", string(frame.Tag()), "state", r.state.String())
	}
}

// send encodes and writes one frame. Write failures are logged and absorbed:
// if the socket is truly dead the read path will report it.
func (r *Receiver) send(f packet.Frame) {
	if _, err := r.cfg.Endpoint.Write(packet.Encode(f)); err != nil {
		r.log.Warn("send failed", "tag", string(f.Tag()), "error", err)
		return
	}
	r.cfg.Metrics.SentFrame(f.Tag())
}

func (r *Receiver) clearSession() {
	r.sess = nil
	r.state = stateIdle
}

func (r *Receiver) pruneRecent() {
	now := time.Now()
	for base, at := range r.recent {
		if now.Sub(at) > r.cfg.FinishedGrace {
			delete(r.recent, base)
		}
	}
}

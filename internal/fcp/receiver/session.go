package receiver

import (
	"log/slog"
	"time"

	ferrors "github.com/alxayo/go-fcp/internal/errors"
	"github.com/alxayo/go-fcp/internal/fcp/digest"
	"github.com/alxayo/go-fcp/internal/fcp/packet"
	"github.com/alxayo/go-fcp/internal/fcp/stage"
	"github.com/alxayo/go-fcp/internal/logger"
)

// session is the receiver's state for the one active file: identity, the
// received bitset, and the staging writer. The staging file doubles as the
// reorder buffer — packets land at (index-1)*P regardless of arrival order, so
// no in-memory reassembly is needed.
type session struct {
	r     *Receiver
	base  string
	fh    string
	count int

	received  []bool
	remaining int

	stage        *stage.Writer
	lastActivity time.Time
	log          *slog.Logger
}

// handleInit accepts a new session when idle and answers duplicates
// idempotently while receiving; in E2E_PENDING an INIT is dropped.
func (r *Receiver) handleInit(m packet.Init) {
	switch r.state {
	case stateIdle:
		r.startSession(m)
	case stateReceiving:
		if m.Basename == r.sess.base {
			if m.Count != r.sess.count {
				// Same name, different shape: the client restarted with a
				// changed file. Supersede the session.
				r.log.Warn("restarting session with new packet count", "file", m.Basename,
					"old", r.sess.count, "new", m.Count)
				r.startSession(m)
				return
			}
			// Our INIT_ACK was lost; repeat it.
			r.sess.touch()
			r.send(packet.InitAck{Basename: m.Basename})
			return
		}
		r.dropForState(packet.TagInit)
	default:
		r.dropForState(packet.TagInit)
	}
}

func (r *Receiver) startSession(m packet.Init) {
	log := logger.WithSession(logger.WithFile(r.log, m.Basename), digest.OfString(m.Basename))
	w, err := stage.NewWriter(r.cfg.Files, r.cfg.TargetDir, m.Basename, r.cfg.VerifyAttempts)
	if err != nil {
		// No INIT_ACK: the client retries and, if this persists, gives up on
		// the file.
		log.Error("cannot open staging file", "error", err)
		return
	}
	w.OnRetry = r.cfg.Metrics.VerifyRetries.Inc

	s := &session{
		r:         r,
		base:      m.Basename,
		fh:        digest.OfString(m.Basename),
		count:     m.Count,
		received:  make([]bool, m.Count),
		remaining: m.Count,
		stage:     w,
		log:       log,
	}
	s.touch()
	r.sess = s
	r.state = stateReceiving
	r.cfg.Metrics.SessionsStarted.Inc()
	r.cfg.Audit.ServerStarting(m.Basename)
	log.Info("session accepted", "packets", m.Count)
	r.send(packet.InitAck{Basename: m.Basename})
}

// handleData commits one payload via verified write. Frames bound to another
// session, out-of-range indices, and payloads whose checksum does not match
// are dropped silently; duplicates of committed packets are ignored.
func (r *Receiver) handleData(m packet.Data) {
	switch r.state {
	case stateReceiving:
		s := r.sess
		if m.FileHash != s.fh {
			r.cfg.Metrics.FramesDropped.Inc()
			return
		}
		if m.Index < 1 || m.Index > s.count {
			r.cfg.Metrics.FramesDropped.Inc()
			return
		}
		if digest.OfBytes(m.Payload) != m.Checksum {
			// Bit-flipped in flight; reconciliation will ask again.
			r.cfg.Metrics.FramesDropped.Inc()
			s.log.Debug("payload checksum mismatch", "index", m.Index)
			return
		}
		// Non-final packets must be full; a truncated datagram that still
		// hashed clean cannot fill its slot.
		if m.Index < s.count && len(m.Payload) != packet.PayloadSize {
			r.cfg.Metrics.FramesDropped.Inc()
			return
		}
		s.touch()
		if s.received[m.Index-1] {
			return
		}
		off := int64(m.Index-1) * packet.PayloadSize
		if err := s.stage.VerifiedWriteAt(m.Payload, off); err != nil {
			if ferrors.IsCorruption(err) {
				// The file layer never produced a clean read-back: abort the
				// session, keep the .tmp for inspection.
				s.log.Error("persistent corruption, abandoning session", "index", m.Index, "error", err)
				r.cfg.Metrics.SessionsFailed.Inc()
				r.clearSession()
				return
			}
			s.log.Error("staging write failed", "index", m.Index, "error", err)
			return
		}
		s.received[m.Index-1] = true
		s.remaining--
		r.cfg.Metrics.PayloadBytes.Add(float64(len(m.Payload)))
		if s.remaining == 0 {
			s.reconcile()
		}
	case stateE2EPending:
		// A straggler means our ALL_DONE may have been lost; repeat it so the
		// sender can leave its retransmit loop.
		if m.FileHash == r.sess.fh {
			r.sess.touch()
			r.send(packet.AllDone{FileHash: r.sess.fh})
			return
		}
		r.cfg.Metrics.FramesDropped.Inc()
	default:
		r.dropForState(packet.TagData)
	}
}

// reconcile scans the bitset: every gap becomes a MISSING request; a complete
// set (after a settle pause for stragglers) becomes ALL_DONE and the session
// moves to the end-to-end check.
func (s *session) reconcile() {
	missing := 0
	for i, got := range s.received {
		if !got {
			s.r.send(packet.Missing{Index: i + 1, FileHash: s.fh})
			missing++
		}
	}
	if missing > 0 {
		s.log.Debug("reconciliation requested retransmits", "missing", missing)
		return
	}
	time.Sleep(s.r.cfg.SettleDelay)
	s.r.send(packet.AllDone{FileHash: s.fh})
	s.r.state = stateE2EPending
	s.r.cfg.Audit.ServerReceived(s.base)
	s.log.Info("all packets staged, awaiting end-to-end check", "packets", s.count)
}

// handleReqChk answers the sender's digest claim by hashing the staged file
// through the nasty layer. The session stays in E2E_PENDING so the claim can
// be repeated.
func (r *Receiver) handleReqChk(m packet.ReqChk) {
	if r.state != stateE2EPending || m.Basename != r.sess.base {
		r.dropForState(packet.TagReqChk)
		return
	}
	s := r.sess
	s.touch()
	sum, err := digest.OfFile(r.cfg.Files, s.stage.TmpPath())
	if err != nil {
		s.log.Error("cannot hash staging file", "error", err)
		r.send(packet.ChkFail{Basename: s.base})
		return
	}
	if sum == m.FileSHA {
		r.send(packet.ChkSucc{Basename: s.base})
	} else {
		s.log.Warn("end-to-end digest mismatch", "claimed", m.FileSHA, "staged", sum)
		r.send(packet.ChkFail{Basename: s.base})
	}
}

// handleAck commits or discards the staged file on the sender's verdict,
// replies FIN_ACK, and closes the session. Duplicate ACKs after the close
// keep drawing FIN_ACK for a grace interval.
func (r *Receiver) handleAck(tag byte, base string, success bool) {
	if r.state == stateE2EPending && base == r.sess.base {
		s := r.sess
		if success {
			r.cfg.Audit.ServerSucceeded(base)
			if err := s.stage.Promote(); err != nil {
				s.log.Error("cannot promote staging file", "error", err)
			} else {
				s.log.Info("file committed", "path", s.stage.FinalPath())
			}
			r.cfg.Metrics.SessionsSucceeded.Inc()
		} else {
			// The .tmp stays where it is; a failed transfer is never promoted
			// and never cleaned up from here.
			r.cfg.Audit.ServerFailed(base)
			r.cfg.Metrics.SessionsFailed.Inc()
			s.log.Warn("transfer failed end-to-end check, staging file kept")
		}
		r.send(packet.FinAck{Basename: base})
		r.recent[base] = time.Now()
		r.clearSession()
		return
	}
	if _, ok := r.recent[base]; ok && r.state == stateIdle {
		// Our FIN_ACK was lost; the sender repeated its ACK.
		r.send(packet.FinAck{Basename: base})
		return
	}
	r.dropForState(tag)
}

func (r *Receiver) dropForState(tag byte) {
	r.cfg.Metrics.FramesDropped.Inc()
	r.log.Debug("dropping frame for state", "tag", string(tag), "state", r.state.String())
}

func (s *session) touch() { s.lastActivity = time.Now() }

// Package sender implements the client side of the transfer: one file at a
// time through four phases — initial handshake, data burst, selective
// retransmit, end-to-end confirmation. The full set of DATA frames is built
// up front and kept in memory so any packet can be resent without re-reading
// the file.
package sender

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/alxayo/go-fcp/internal/bufpool"
	ferrors "github.com/alxayo/go-fcp/internal/errors"
	"github.com/alxayo/go-fcp/internal/fcp/audit"
	"github.com/alxayo/go-fcp/internal/fcp/dgram"
	"github.com/alxayo/go-fcp/internal/fcp/digest"
	"github.com/alxayo/go-fcp/internal/fcp/metrics"
	"github.com/alxayo/go-fcp/internal/fcp/nasty"
	"github.com/alxayo/go-fcp/internal/fcp/packet"
	"github.com/alxayo/go-fcp/internal/logger"
)

// ErrEndToEndFailed reports a CHK_FAIL outcome: the receiver staged bytes
// whose digest does not match ours. Terminal for the file, never retried.
var ErrEndToEndFailed = stdErrors.New("end-to-end check failed")

// Config carries the sender's collaborators and tuning knobs. Zero values
// select the reference protocol constants.
type Config struct {
	Endpoint dgram.Endpoint // nasty-wrapped datagram channel to the server
	Files    *nasty.FS      // nasty file layer for the source directory
	Audit    *audit.Log
	Metrics  *metrics.Metrics
	Log      *slog.Logger

	InitTimeout time.Duration // Phase I read timeout (reference 2s)
	DataTimeout time.Duration // Phase III/IV read timeout (reference 2s)

	InitRetries  int // INIT resends before giving up
	StallRetries int // Phase III reads with no MISSING/ALL_DONE before giving up
	ChkRetries   int // REQ_CHK resends before giving up
	FinRetries   int // ACK resends while waiting for FIN_ACK

	BurstEvery int           // packets between pacing pauses (reference 100)
	BurstPause time.Duration // pacing pause length (reference 350ms)

	// Progress, when set, is called after each DATA frame of the initial
	// burst (CLI progress bar hook).
	Progress func(sent, total int)
}

func (c *Config) applyDefaults() {
	if c.InitTimeout == 0 {
		c.InitTimeout = 2 * time.Second
	}
	if c.DataTimeout == 0 {
		c.DataTimeout = 2 * time.Second
	}
	if c.InitRetries == 0 {
		c.InitRetries = 10
	}
	if c.StallRetries == 0 {
		c.StallRetries = 10
	}
	if c.ChkRetries == 0 {
		c.ChkRetries = 10
	}
	if c.FinRetries == 0 {
		c.FinRetries = 10
	}
	if c.BurstEvery == 0 {
		c.BurstEvery = 100
	}
	if c.BurstPause == 0 {
		c.BurstPause = 350 * time.Millisecond
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
	if c.Log == nil {
		c.Log = logger.WithSide(logger.Logger(), "client")
	}
}

// Sender runs per-file transfer sessions against one server endpoint.
type Sender struct {
	cfg Config
}

// New creates a sender. The configuration is copied; later mutation of cfg
// has no effect.
func New(cfg Config) *Sender {
	cfg.applyDefaults()
	return &Sender{cfg: cfg}
}

// fileSession is the in-flight state for one file: its identity, the
// pre-built DATA frames, and the expected whole-file digest.
type fileSession struct {
	s       *Sender
	base    string
	fh      string
	fileSHA string
	frames  [][]byte
	buf     []byte
	log     *slog.Logger
}

// SendFile transfers dir/base to the server and confirms it end-to-end.
// It returns nil on CHK_SUCC, ErrEndToEndFailed (wrapped) on CHK_FAIL, a
// SessionError when a retry budget runs out, and a TransportError when the
// channel is unusable.
func (s *Sender) SendFile(dir, base string) error {
	if len(base) > packet.MaxBasename {
		return ferrors.NewSessionError("sender.prepare",
			fmt.Errorf("basename %d bytes exceeds %d", len(base), packet.MaxBasename))
	}

	path := filepath.Join(dir, base)
	fh := digest.OfString(base)
	log := logger.WithSession(logger.WithFile(s.cfg.Log, base), fh)

	frames, total, err := s.buildFrames(path, fh)
	if err != nil {
		return err
	}
	// Digest from an independent read through the nasty layer: if either
	// pass returned corrupted bytes the two disagree downstream and the
	// end-to-end check reports it, rather than silently shipping a bad file
	// under a matching hash.
	fileSHA, err := digest.OfFile(s.cfg.Files, path)
	if err != nil {
		return fmt.Errorf("digest source file: %w", err)
	}

	sess := &fileSession{
		s:       s,
		base:    base,
		fh:      fh,
		fileSHA: fileSHA,
		frames:  frames,
		buf:     bufpool.Get(packet.MaxFrameSize),
		log:     log,
	}
	defer bufpool.Put(sess.buf)

	s.cfg.Metrics.SessionsStarted.Inc()
	log.Info("session start", "packets", len(frames), "bytes", total)

	if err := sess.handshake(); err != nil {
		s.cfg.Metrics.SessionsFailed.Inc()
		return err
	}
	sess.burst()
	if err := sess.retransmitLoop(); err != nil {
		s.cfg.Metrics.SessionsFailed.Inc()
		return err
	}
	ok, err := sess.endToEnd()
	if err != nil {
		s.cfg.Metrics.SessionsFailed.Inc()
		return err
	}
	if !ok {
		s.cfg.Metrics.SessionsFailed.Inc()
		return fmt.Errorf("%s: %w", base, ErrEndToEndFailed)
	}
	s.cfg.Metrics.SessionsSucceeded.Inc()
	log.Info("session complete")
	return nil
}

// buildFrames reads the whole file once through the nasty layer and
// pre-encodes every DATA frame. Each frame carries the payload SHA-1 in the
// checksum field. An empty file yields a single zero-length payload.
func (s *Sender) buildFrames(path, fh string) ([][]byte, int64, error) {
	f, err := s.cfg.Files.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open source file: %w", err)
	}
	content, err := f.ReadAll()
	cerr := f.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("read source file: %w", err)
	}
	if cerr != nil {
		return nil, 0, fmt.Errorf("close source file: %w", cerr)
	}

	n := packet.NumPackets(int64(len(content)))
	frames := make([][]byte, n)
	for i := 0; i < n; i++ {
		lo := i * packet.PayloadSize
		hi := lo + packet.PayloadSize
		if hi > len(content) {
			hi = len(content)
		}
		payload := content[lo:hi]
		frames[i] = packet.Encode(packet.Data{
			Checksum: digest.OfBytes(payload),
			FileHash: fh,
			Index:    i + 1,
			Payload:  payload,
		})
	}
	return frames, int64(len(content)), nil
}

// send writes one encoded frame to the endpoint.
func (f *fileSession) send(wire []byte, tag byte) error {
	if _, err := f.s.cfg.Endpoint.Write(wire); err != nil {
		return err
	}
	f.s.cfg.Metrics.SentFrame(tag)
	return nil
}

// read blocks for one datagram and decodes it. Malformed datagrams are
// swallowed (counted, logged at debug) and surface as (nil, nil) so callers
// keep their read loop flat.
func (f *fileSession) read(d time.Duration) (packet.Frame, error) {
	n, err := f.s.cfg.Endpoint.ReadTimeout(f.buf, d)
	if err != nil {
		return nil, err
	}
	frame, derr := packet.Decode(f.buf[:n])
	if derr != nil {
		f.s.cfg.Metrics.FramesDropped.Inc()
		f.log.Debug("dropping malformed datagram", "error", derr)
		return nil, nil
	}
	f.s.cfg.Metrics.ReceivedFrame(frame.Tag())
	return frame, nil
}

// handshake is Phase I: send INIT, wait for a matching INIT_ACK, resending on
// timeout within the retry budget. Every send is audited with its attempt
// number (k starts at 0).
func (f *fileSession) handshake() error {
	initWire := packet.Encode(packet.Init{Count: len(f.frames), Basename: f.base})

	attempt := 0
	f.s.cfg.Audit.Beginning(f.base, attempt)
	if err := f.send(initWire, packet.TagInit); err != nil {
		return err
	}
	for {
		frame, err := f.read(f.s.cfg.InitTimeout)
		if err != nil {
			if !ferrors.IsTimeout(err) {
				return err
			}
			attempt++
			if attempt > f.s.cfg.InitRetries {
				return ferrors.NewSessionError("sender.init", ferrors.ErrRetryBudget)
			}
			f.s.cfg.Audit.Beginning(f.base, attempt)
			if err := f.send(initWire, packet.TagInit); err != nil {
				return err
			}
			continue
		}
		if frame == nil {
			continue // malformed, already counted
		}
		if ack, ok := frame.(packet.InitAck); ok && ack.Basename == f.base {
			f.log.Debug("handshake complete", "attempts", attempt)
			return nil
		}
		// Anything else is ignored per the handshake contract.
		f.log.Debug("ignoring frame during handshake", "tag", string(frame.Tag()))
	}
}

// burst is Phase II: every DATA frame back to back, pausing briefly between
// bursts so the receiver's verified writes can drain.
func (f *fileSession) burst() {
	total := len(f.frames)
	for i, wire := range f.frames {
		if err := f.send(wire, packet.TagData); err != nil {
			// The retransmit loop will surface a persistent failure; a
			// dropped burst packet is indistinguishable from network loss.
			f.log.Warn("burst send failed", "index", i+1, "error", err)
		}
		f.s.cfg.Metrics.PayloadBytes.Add(float64(payloadLen(wire)))
		if f.s.cfg.Progress != nil {
			f.s.cfg.Progress(i+1, total)
		}
		if f.s.cfg.BurstEvery > 0 && (i+1)%f.s.cfg.BurstEvery == 0 && i+1 < total {
			time.Sleep(f.s.cfg.BurstPause)
		}
	}
}

// payloadLen recovers the payload size from an encoded DATA frame.
func payloadLen(wire []byte) int {
	header := 1 + 2*packet.DigestHexLen + packet.IndexDigits
	if len(wire) < header {
		return 0
	}
	return len(wire) - header
}

// retransmitLoop is Phase III: answer MISSING with the requested frame until
// ALL_DONE arrives. A silent channel is prodded by re-issuing the last DATA
// frame, bounded by the stall budget.
func (f *fileSession) retransmitLoop() error {
	stalls := 0
	for {
		frame, err := f.read(f.s.cfg.DataTimeout)
		if err != nil {
			if !ferrors.IsTimeout(err) {
				return err
			}
			stalls++
			if stalls > f.s.cfg.StallRetries {
				return ferrors.NewSessionError("sender.retransmit", ferrors.ErrRetryBudget)
			}
			last := f.frames[len(f.frames)-1]
			if err := f.send(last, packet.TagData); err != nil {
				return err
			}
			f.s.cfg.Metrics.Retransmits.Inc()
			continue
		}
		if frame == nil {
			continue
		}
		switch m := frame.(type) {
		case packet.Missing:
			if m.FileHash != f.fh || m.Index < 1 || m.Index > len(f.frames) {
				f.s.cfg.Metrics.FramesDropped.Inc()
				continue
			}
			if err := f.send(f.frames[m.Index-1], packet.TagData); err != nil {
				return err
			}
			f.s.cfg.Metrics.Retransmits.Inc()
			stalls = 0
		case packet.AllDone:
			if m.FileHash != f.fh {
				f.s.cfg.Metrics.FramesDropped.Inc()
				continue
			}
			return nil
		default:
			f.s.cfg.Metrics.FramesDropped.Inc()
		}
	}
}

// endToEnd is Phase IV: claim the file digest with REQ_CHK, learn the
// verdict, acknowledge it, and wait for FIN_ACK. Returns the verdict.
func (f *fileSession) endToEnd() (bool, error) {
	reqWire := packet.Encode(packet.ReqChk{FileSHA: f.fileSHA, Basename: f.base})

	attempt := 0
	f.s.cfg.Audit.WaitingE2E(f.base, attempt)
	if err := f.send(reqWire, packet.TagReqChk); err != nil {
		return false, err
	}

	var success bool
verdict:
	for {
		frame, err := f.read(f.s.cfg.DataTimeout)
		if err != nil {
			if !ferrors.IsTimeout(err) {
				return false, err
			}
			attempt++
			if attempt > f.s.cfg.ChkRetries {
				return false, ferrors.NewSessionError("sender.endToEnd", ferrors.ErrRetryBudget)
			}
			if err := f.send(reqWire, packet.TagReqChk); err != nil {
				return false, err
			}
			continue
		}
		if frame == nil {
			continue
		}
		switch m := frame.(type) {
		case packet.ChkSucc:
			if m.Basename != f.base {
				continue
			}
			success = true
			f.s.cfg.Audit.Succeeded(f.base, attempt)
			break verdict
		case packet.ChkFail:
			if m.Basename != f.base {
				continue
			}
			success = false
			f.s.cfg.Audit.Failed(f.base, attempt)
			break verdict
		case packet.AllDone:
			// Duplicate from Phase III straggling in; the receiver has not
			// seen our REQ_CHK yet, so repeat the claim.
			if err := f.send(reqWire, packet.TagReqChk); err != nil {
				return false, err
			}
		default:
			f.s.cfg.Metrics.FramesDropped.Inc()
		}
	}

	var ackWire []byte
	var ackTag byte
	if success {
		ackWire = packet.Encode(packet.AckSucc{Basename: f.base})
		ackTag = packet.TagAckSucc
	} else {
		ackWire = packet.Encode(packet.AckFail{Basename: f.base})
		ackTag = packet.TagAckFail
	}
	if err := f.send(ackWire, ackTag); err != nil {
		return false, err
	}

	finTries := 0
	for {
		frame, err := f.read(f.s.cfg.DataTimeout)
		if err != nil {
			if !ferrors.IsTimeout(err) {
				return false, err
			}
			finTries++
			if finTries > f.s.cfg.FinRetries {
				// The verdict is already settled; the close handshake alone
				// went quiet. Log and move on rather than failing the file.
				f.log.Warn("closing session without FIN_ACK", "resends", finTries)
				return success, nil
			}
			if err := f.send(ackWire, ackTag); err != nil {
				return false, err
			}
			continue
		}
		if frame == nil {
			continue
		}
		switch m := frame.(type) {
		case packet.FinAck:
			if m.Basename == f.base {
				return success, nil
			}
		case packet.ChkSucc, packet.ChkFail:
			// Our ACK was lost; the receiver repeated its verdict.
			if err := f.send(ackWire, ackTag); err != nil {
				return false, err
			}
		default:
			f.s.cfg.Metrics.FramesDropped.Inc()
		}
	}
}

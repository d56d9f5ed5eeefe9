package receiver

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ferrors "github.com/alxayo/go-fcp/internal/errors"
	"github.com/alxayo/go-fcp/internal/fcp/audit"
	"github.com/alxayo/go-fcp/internal/fcp/dgram"
	"github.com/alxayo/go-fcp/internal/fcp/digest"
	"github.com/alxayo/go-fcp/internal/fcp/nasty"
	"github.com/alxayo/go-fcp/internal/fcp/packet"
)

// testHarness runs a receiver over an in-memory pipe and hands the test the
// client end of the channel.
type testHarness struct {
	t      *testing.T
	client *dgram.Pipe
	server *dgram.Pipe
	dir    string
	audit  *bytes.Buffer
	done   chan error
}

func startReceiver(t *testing.T, fileNastiness int) *testHarness {
	t.Helper()
	client, server := dgram.NewPipe(1024)
	h := &testHarness{
		t:      t,
		client: client,
		server: server,
		dir:    t.TempDir(),
		audit:  &bytes.Buffer{},
		done:   make(chan error, 1),
	}
	r := New(Config{
		Endpoint:    server,
		Files:       nasty.NewFS(fileNastiness, 77),
		TargetDir:   h.dir,
		Audit:       audit.New(h.audit),
		ReadTimeout: 30 * time.Millisecond,
		SettleDelay: 5 * time.Millisecond,
	})
	go func() { h.done <- r.Run() }()
	t.Cleanup(h.stop)
	return h
}

// stop closes the endpoint and waits for Run to return its transport error.
func (h *testHarness) stop() {
	h.server.Close()
	h.client.Close()
	select {
	case err := <-h.done:
		if !ferrors.IsTransportFatal(err) {
			h.t.Errorf("Run returned %v, want transport error", err)
		}
	case <-time.After(2 * time.Second):
		h.t.Errorf("receiver did not stop")
	}
}

func (h *testHarness) send(f packet.Frame) {
	h.t.Helper()
	if _, err := h.client.Write(packet.Encode(f)); err != nil {
		h.t.Fatalf("send %T: %v", f, err)
	}
}

// sendData builds and sends a well-formed DATA frame.
func (h *testHarness) sendData(base string, index int, payload []byte) {
	h.t.Helper()
	h.send(packet.Data{
		Checksum: digest.OfBytes(payload),
		FileHash: digest.OfString(base),
		Index:    index,
		Payload:  payload,
	})
}

// expect reads frames until match returns true, failing on timeout. Frames
// that do not match (late MISSING, duplicated ALL_DONE) are skipped.
func (h *testHarness) expect(d time.Duration, match func(packet.Frame) bool) packet.Frame {
	h.t.Helper()
	deadline := time.Now().Add(d)
	buf := make([]byte, packet.MaxFrameSize)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			h.t.Fatalf("expected frame did not arrive within %s", d)
		}
		n, err := h.client.ReadTimeout(buf, remain)
		if err != nil {
			h.t.Fatalf("read: %v", err)
		}
		f, derr := packet.Decode(buf[:n])
		if derr != nil {
			h.t.Fatalf("receiver sent malformed frame: %v", derr)
		}
		if match(f) {
			return f
		}
	}
}

// expectNone asserts no frame matching the predicate arrives within d.
func (h *testHarness) expectNone(d time.Duration, match func(packet.Frame) bool) {
	h.t.Helper()
	deadline := time.Now().Add(d)
	buf := make([]byte, packet.MaxFrameSize)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return
		}
		n, err := h.client.ReadTimeout(buf, remain)
		if err != nil {
			return
		}
		if f, derr := packet.Decode(buf[:n]); derr == nil && match(f) {
			h.t.Fatalf("unexpected frame %#v", f)
		}
	}
}

func isInitAck(base string) func(packet.Frame) bool {
	return func(f packet.Frame) bool {
		a, ok := f.(packet.InitAck)
		return ok && a.Basename == base
	}
}

func isAllDone(base string) func(packet.Frame) bool {
	fh := digest.OfString(base)
	return func(f packet.Frame) bool {
		a, ok := f.(packet.AllDone)
		return ok && a.FileHash == fh
	}
}

func isMissing(base string, index int) func(packet.Frame) bool {
	fh := digest.OfString(base)
	return func(f packet.Frame) bool {
		m, ok := f.(packet.Missing)
		return ok && m.FileHash == fh && m.Index == index
	}
}

func isFinAck(base string) func(packet.Frame) bool {
	return func(f packet.Frame) bool {
		a, ok := f.(packet.FinAck)
		return ok && a.Basename == base
	}
}

// chunk splits content into payload-size pieces (at least one, possibly empty).
func chunk(content []byte) [][]byte {
	n := packet.NumPackets(int64(len(content)))
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		lo := i * packet.PayloadSize
		hi := lo + packet.PayloadSize
		if hi > len(content) {
			hi = len(content)
		}
		out[i] = content[lo:hi]
	}
	return out
}

func TestReceiveHappyPath(t *testing.T) {
	h := startReceiver(t, 0)
	base := "movie.bin"
	content := bytes.Repeat([]byte("0123456789"), 100) // 3 packets

	chunks := chunk(content)
	h.send(packet.Init{Count: len(chunks), Basename: base})
	h.expect(time.Second, isInitAck(base))

	for i, p := range chunks {
		h.sendData(base, i+1, p)
	}
	h.expect(2*time.Second, isAllDone(base))

	h.send(packet.ReqChk{FileSHA: digest.OfBytes(content), Basename: base})
	h.expect(time.Second, func(f packet.Frame) bool {
		c, ok := f.(packet.ChkSucc)
		return ok && c.Basename == base
	})

	h.send(packet.AckSucc{Basename: base})
	h.expect(time.Second, isFinAck(base))

	got, err := os.ReadFile(filepath.Join(h.dir, base))
	if err != nil {
		t.Fatalf("final file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("final content mismatch: %d vs %d bytes", len(got), len(content))
	}
	if _, err := os.Stat(filepath.Join(h.dir, base+".tmp")); !os.IsNotExist(err) {
		t.Fatalf("staging file still present after promotion")
	}

	lines := h.audit.String()
	for _, want := range []string{
		"File: movie.bin starting to receive file",
		"File: movie.bin received, beginning end-to-end check",
		"File: movie.bin end-to-end check succeeded",
	} {
		if !strings.Contains(lines, want) {
			t.Fatalf("audit missing %q in:\n%s", want, lines)
		}
	}
}

func TestReconciliationRequestsGaps(t *testing.T) {
	h := startReceiver(t, 0)
	base := "gappy.bin"
	content := bytes.Repeat([]byte{0xEE}, 3*packet.PayloadSize)
	chunks := chunk(content)

	h.send(packet.Init{Count: 3, Basename: base})
	h.expect(time.Second, isInitAck(base))

	h.sendData(base, 1, chunks[0])
	h.sendData(base, 3, chunks[2])

	// The read timeout fires reconciliation, which must name packet 2.
	h.expect(2*time.Second, isMissing(base, 2))

	h.sendData(base, 2, chunks[1])
	h.expect(2*time.Second, isAllDone(base))
}

func TestLyingDigestGetsChkFail(t *testing.T) {
	h := startReceiver(t, 0)
	base := "liar.bin"
	content := []byte("actual content")
	chunks := chunk(content)

	h.send(packet.Init{Count: 1, Basename: base})
	h.expect(time.Second, isInitAck(base))
	h.sendData(base, 1, chunks[0])
	h.expect(2*time.Second, isAllDone(base))

	h.send(packet.ReqChk{FileSHA: digest.OfString("not the content"), Basename: base})
	h.expect(time.Second, func(f packet.Frame) bool {
		c, ok := f.(packet.ChkFail)
		return ok && c.Basename == base
	})

	h.send(packet.AckFail{Basename: base})
	h.expect(time.Second, isFinAck(base))

	// No promotion; the staging file stays for inspection.
	if _, err := os.Stat(filepath.Join(h.dir, base)); !os.IsNotExist(err) {
		t.Fatalf("final file exists after failed end-to-end check")
	}
	if _, err := os.Stat(filepath.Join(h.dir, base+".tmp")); err != nil {
		t.Fatalf("staging file missing after failed check: %v", err)
	}
	if !strings.Contains(h.audit.String(), "File: liar.bin end-to-end check failed") {
		t.Fatalf("audit missing failure line:\n%s", h.audit.String())
	}
}

func TestWrongSessionDataIgnored(t *testing.T) {
	h := startReceiver(t, 0)
	base := "mine.bin"
	content := bytes.Repeat([]byte{0x11}, packet.PayloadSize+7)
	chunks := chunk(content)

	h.send(packet.Init{Count: 2, Basename: base})
	h.expect(time.Second, isInitAck(base))

	// A well-formed frame bound to a different session must not land.
	h.sendData("theirs.bin", 1, bytes.Repeat([]byte{0xFF}, packet.PayloadSize))

	h.sendData(base, 1, chunks[0])
	h.sendData(base, 2, chunks[1])
	h.expect(2*time.Second, isAllDone(base))

	h.send(packet.ReqChk{FileSHA: digest.OfBytes(content), Basename: base})
	h.expect(time.Second, func(f packet.Frame) bool {
		c, ok := f.(packet.ChkSucc)
		return ok && c.Basename == base
	})
	h.send(packet.AckSucc{Basename: base})
	h.expect(time.Second, isFinAck(base))

	got, err := os.ReadFile(filepath.Join(h.dir, base))
	if err != nil {
		t.Fatalf("final file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("foreign data frame corrupted the session")
	}
	if _, err := os.Stat(filepath.Join(h.dir, "theirs.bin.tmp")); !os.IsNotExist(err) {
		t.Fatalf("receiver staged a file for a session it never accepted")
	}
}

func TestCorruptedPayloadRejected(t *testing.T) {
	h := startReceiver(t, 0)
	base := "flipped.bin"
	payload := bytes.Repeat([]byte{0x3C}, 64)

	h.send(packet.Init{Count: 1, Basename: base})
	h.expect(time.Second, isInitAck(base))

	// Checksum of different bytes: the frame decodes but must be dropped,
	// and reconciliation must ask for the packet again.
	h.send(packet.Data{
		Checksum: digest.OfString("mismatch"),
		FileHash: digest.OfString(base),
		Index:    1,
		Payload:  payload,
	})
	h.expect(2*time.Second, isMissing(base, 1))

	h.sendData(base, 1, payload)
	h.expect(2*time.Second, isAllDone(base))
}

func TestDuplicateInitIsIdempotent(t *testing.T) {
	h := startReceiver(t, 0)
	base := "dup.bin"

	h.send(packet.Init{Count: 2, Basename: base})
	h.expect(time.Second, isInitAck(base))

	h.send(packet.Init{Count: 2, Basename: base})
	h.expect(time.Second, isInitAck(base))
}

func TestInitWhileBusyDropped(t *testing.T) {
	h := startReceiver(t, 0)

	h.send(packet.Init{Count: 2, Basename: "first.bin"})
	h.expect(time.Second, isInitAck("first.bin"))

	h.send(packet.Init{Count: 1, Basename: "second.bin"})
	h.expectNone(150*time.Millisecond, func(f packet.Frame) bool {
		a, ok := f.(packet.InitAck)
		return ok && a.Basename == "second.bin"
	})
}

func TestFinAckReplayAfterClose(t *testing.T) {
	h := startReceiver(t, 0)
	base := "replay.bin"
	content := []byte("tiny")
	chunks := chunk(content)

	h.send(packet.Init{Count: 1, Basename: base})
	h.expect(time.Second, isInitAck(base))
	h.sendData(base, 1, chunks[0])
	h.expect(2*time.Second, isAllDone(base))
	h.send(packet.ReqChk{FileSHA: digest.OfBytes(content), Basename: base})
	h.expect(time.Second, func(f packet.Frame) bool {
		_, ok := f.(packet.ChkSucc)
		return ok
	})
	h.send(packet.AckSucc{Basename: base})
	h.expect(time.Second, isFinAck(base))

	// The session is closed, but a duplicated ACK must still draw FIN_ACK.
	h.send(packet.AckSucc{Basename: base})
	h.expect(time.Second, isFinAck(base))
}

func TestEmptyFileTransfer(t *testing.T) {
	h := startReceiver(t, 0)
	base := "zero.bin"

	h.send(packet.Init{Count: 1, Basename: base})
	h.expect(time.Second, isInitAck(base))
	h.sendData(base, 1, nil)
	h.expect(2*time.Second, isAllDone(base))
	h.send(packet.ReqChk{FileSHA: digest.OfBytes(nil), Basename: base})
	h.expect(time.Second, func(f packet.Frame) bool {
		_, ok := f.(packet.ChkSucc)
		return ok
	})
	h.send(packet.AckSucc{Basename: base})
	h.expect(time.Second, isFinAck(base))

	st, err := os.Stat(filepath.Join(h.dir, base))
	if err != nil {
		t.Fatalf("final file: %v", err)
	}
	if st.Size() != 0 {
		t.Fatalf("empty transfer produced %d bytes", st.Size())
	}
}

func TestNastyFileLayerStillCommitsCleanBytes(t *testing.T) {
	h := startReceiver(t, 2) // write-path corruption
	base := "hardmode.bin"
	content := bytes.Repeat([]byte("abcdefgh"), 200) // 4 packets
	chunks := chunk(content)

	h.send(packet.Init{Count: len(chunks), Basename: base})
	h.expect(time.Second, isInitAck(base))
	for i, p := range chunks {
		h.sendData(base, i+1, p)
	}
	h.expect(5*time.Second, isAllDone(base))

	h.send(packet.ReqChk{FileSHA: digest.OfBytes(content), Basename: base})
	h.expect(2*time.Second, func(f packet.Frame) bool {
		c, ok := f.(packet.ChkSucc)
		return ok && c.Basename == base
	})
	h.send(packet.AckSucc{Basename: base})
	h.expect(time.Second, isFinAck(base))

	got, err := os.ReadFile(filepath.Join(h.dir, base))
	if err != nil {
		t.Fatalf("final file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("nasty file layer corruption reached the committed file")
	}
}

package packet

import (
	"fmt"

	ferrors "github.com/alxayo/go-fcp/internal/errors"
)

// Decode parses a received datagram into a frame. It fails with a FrameError
// (classifiable via errors.IsMalformed) when the buffer is shorter than the
// minimum for its tag, an index/count field is not all-digit, a digest field
// is not 40 lowercase hex characters, the basename is invalid, or the tag is
// unknown. Malformed frames are dropped by callers, never fatal.
func Decode(buf []byte) (Frame, error) {
	if len(buf) == 0 {
		return nil, ferrors.NewFrameError("decode", fmt.Errorf("empty datagram"))
	}
	tag, body := buf[0], buf[1:]
	switch tag {
	case TagInit:
		return decodeInit(body)
	case TagInitAck:
		name, err := parseBasename("decode.init_ack", body)
		if err != nil {
			return nil, err
		}
		return InitAck{Basename: name}, nil
	case TagData:
		return decodeData(body)
	case TagAllDone:
		fh, err := parseDigest("decode.all_done", body)
		if err != nil {
			return nil, err
		}
		if len(body) != DigestHexLen {
			return nil, ferrors.NewFrameError("decode.all_done", fmt.Errorf("trailing bytes after file hash"))
		}
		return AllDone{FileHash: fh}, nil
	case TagMissing:
		return decodeMissing(body)
	case TagReqChk:
		return decodeReqChk(body)
	case TagChkSucc:
		name, err := parseBasename("decode.chk_succ", body)
		if err != nil {
			return nil, err
		}
		return ChkSucc{Basename: name}, nil
	case TagChkFail:
		name, err := parseBasename("decode.chk_fail", body)
		if err != nil {
			return nil, err
		}
		return ChkFail{Basename: name}, nil
	case TagAckSucc:
		name, err := parseBasename("decode.ack_succ", body)
		if err != nil {
			return nil, err
		}
		return AckSucc{Basename: name}, nil
	case TagAckFail:
		name, err := parseBasename("decode.ack_fail", body)
		if err != nil {
			return nil, err
		}
		return AckFail{Basename: name}, nil
	case TagFinAck:
		name, err := parseBasename("decode.fin_ack", body)
		if err != nil {
			return nil, err
		}
		return FinAck{Basename: name}, nil
	default:
		return nil, ferrors.NewFrameError("decode", fmt.Errorf("unknown tag 0x%02x", tag))
	}
}

func decodeInit(body []byte) (Frame, error) {
	if len(body) < IndexDigits+1 {
		return nil, ferrors.NewFrameError("decode.init", fmt.Errorf("short frame: %d bytes", len(body)))
	}
	count, err := parseCount("decode.init", body[:IndexDigits])
	if err != nil {
		return nil, err
	}
	name, err := parseBasename("decode.init", body[IndexDigits:])
	if err != nil {
		return nil, err
	}
	return Init{Count: count, Basename: name}, nil
}

func decodeData(body []byte) (Frame, error) {
	const header = DigestHexLen + DigestHexLen + IndexDigits
	if len(body) < header {
		return nil, ferrors.NewFrameError("decode.data", fmt.Errorf("short frame: %d bytes", len(body)))
	}
	checksum, err := parseDigest("decode.data", body[:DigestHexLen])
	if err != nil {
		return nil, err
	}
	fh, err := parseDigest("decode.data", body[DigestHexLen:2*DigestHexLen])
	if err != nil {
		return nil, err
	}
	index, err := parseCount("decode.data", body[2*DigestHexLen:header])
	if err != nil {
		return nil, err
	}
	payload := body[header:]
	if len(payload) > PayloadSize {
		return nil, ferrors.NewFrameError("decode.data", fmt.Errorf("payload %d exceeds chunk size %d", len(payload), PayloadSize))
	}
	// Copy so the frame does not alias the caller's (pooled) read buffer.
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return Data{Checksum: checksum, FileHash: fh, Index: index, Payload: cp}, nil
}

func decodeMissing(body []byte) (Frame, error) {
	if len(body) != IndexDigits+DigestHexLen {
		return nil, ferrors.NewFrameError("decode.missing", fmt.Errorf("bad length: %d bytes", len(body)))
	}
	index, err := parseCount("decode.missing", body[:IndexDigits])
	if err != nil {
		return nil, err
	}
	fh, err := parseDigest("decode.missing", body[IndexDigits:])
	if err != nil {
		return nil, err
	}
	return Missing{Index: index, FileHash: fh}, nil
}

func decodeReqChk(body []byte) (Frame, error) {
	if len(body) < DigestHexLen+1 {
		return nil, ferrors.NewFrameError("decode.req_chk", fmt.Errorf("short frame: %d bytes", len(body)))
	}
	sha, err := parseDigest("decode.req_chk", body[:DigestHexLen])
	if err != nil {
		return nil, err
	}
	name, err := parseBasename("decode.req_chk", body[DigestHexLen:])
	if err != nil {
		return nil, err
	}
	return ReqChk{FileSHA: sha, Basename: name}, nil
}

// parseCount parses a fixed-width zero-padded decimal field. FCP indices and
// counts are 1-based, so zero is rejected alongside non-digits.
func parseCount(op string, field []byte) (int, error) {
	v := 0
	for _, c := range field {
		if c < '0' || c > '9' {
			return 0, ferrors.NewFrameError(op, fmt.Errorf("non-digit %q in numeric field", c))
		}
		if v > (1<<31)/10 {
			return 0, ferrors.NewFrameError(op, fmt.Errorf("numeric field overflow"))
		}
		v = v*10 + int(c-'0')
	}
	if v == 0 {
		return 0, ferrors.NewFrameError(op, fmt.Errorf("zero index"))
	}
	return v, nil
}

// parseDigest validates a 40-char lowercase hex field. A single flipped bit
// almost always lands outside [0-9a-f], so corrupted digests die here.
func parseDigest(op string, field []byte) (string, error) {
	if len(field) < DigestHexLen {
		return "", ferrors.NewFrameError(op, fmt.Errorf("short digest field: %d bytes", len(field)))
	}
	field = field[:DigestHexLen]
	for _, c := range field {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", ferrors.NewFrameError(op, fmt.Errorf("non-hex %q in digest field", c))
		}
	}
	return string(field), nil
}

// parseBasename validates a declared file basename: non-empty, bounded, and a
// bare name (no path separators, not "." or "..") so a hostile INIT cannot
// steer the staging file outside the target directory.
func parseBasename(op string, field []byte) (string, error) {
	if len(field) == 0 {
		return "", ferrors.NewFrameError(op, fmt.Errorf("empty basename"))
	}
	if len(field) > MaxBasename {
		return "", ferrors.NewFrameError(op, fmt.Errorf("basename %d bytes exceeds %d", len(field), MaxBasename))
	}
	for _, c := range field {
		if c == '/' || c == 0 {
			return "", ferrors.NewFrameError(op, fmt.Errorf("illegal byte 0x%02x in basename", c))
		}
	}
	name := string(field)
	if name == "." || name == ".." {
		return "", ferrors.NewFrameError(op, fmt.Errorf("reserved basename %q", name))
	}
	return name, nil
}

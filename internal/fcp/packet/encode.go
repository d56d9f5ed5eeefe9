package packet

import "fmt"

// Encode serializes a frame to its wire form. Encoding is injective: two
// distinct frames never produce the same bytes (the tag byte separates types,
// and within a type every field sits at a fixed offset).
func Encode(f Frame) []byte {
	return f.appendWire(make([]byte, 0, MaxFrameSize))
}

// appendIndex writes a 1-based index or count as 16 zero-padded ASCII digits.
func appendIndex(dst []byte, v int) []byte {
	return fmt.Appendf(dst, "%0*d", IndexDigits, v)
}

func (p Init) appendWire(dst []byte) []byte {
	dst = append(dst, TagInit)
	dst = appendIndex(dst, p.Count)
	return append(dst, p.Basename...)
}

func (p InitAck) appendWire(dst []byte) []byte {
	dst = append(dst, TagInitAck)
	return append(dst, p.Basename...)
}

func (p Data) appendWire(dst []byte) []byte {
	dst = append(dst, TagData)
	dst = append(dst, p.Checksum...)
	dst = append(dst, p.FileHash...)
	dst = appendIndex(dst, p.Index)
	return append(dst, p.Payload...)
}

func (p AllDone) appendWire(dst []byte) []byte {
	dst = append(dst, TagAllDone)
	return append(dst, p.FileHash...)
}

func (p Missing) appendWire(dst []byte) []byte {
	dst = append(dst, TagMissing)
	dst = appendIndex(dst, p.Index)
	return append(dst, p.FileHash...)
}

func (p ReqChk) appendWire(dst []byte) []byte {
	dst = append(dst, TagReqChk)
	dst = append(dst, p.FileSHA...)
	return append(dst, p.Basename...)
}

func (p ChkSucc) appendWire(dst []byte) []byte {
	dst = append(dst, TagChkSucc)
	return append(dst, p.Basename...)
}

func (p ChkFail) appendWire(dst []byte) []byte {
	dst = append(dst, TagChkFail)
	return append(dst, p.Basename...)
}

func (p AckSucc) appendWire(dst []byte) []byte {
	dst = append(dst, TagAckSucc)
	return append(dst, p.Basename...)
}

func (p AckFail) appendWire(dst []byte) []byte {
	dst = append(dst, TagAckFail)
	return append(dst, p.Basename...)
}

func (p FinAck) appendWire(dst []byte) []byte {
	dst = append(dst, TagFinAck)
	return append(dst, p.Basename...)
}

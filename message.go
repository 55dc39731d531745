package infinio

import (
	"encoding/binary"
	"errors"
	"math"
)

// frameHeaderSize is the fixed 16-byte header preceding every frame's
// payload (spec.md §6 wire framing table).
const frameHeaderSize = 8 + 4 + 4

// errorMessageType is the sentinel message_type marking a server error
// envelope (spec.md §6/§4.7: "u32::MAX = error envelope").
const errorMessageType uint32 = math.MaxUint32

// userIDBits/asyncFlagBit lay out message_id's 31-bit user id and 1-bit
// async flag (spec.md §3 "Message id").
const userIDBits = 31
const userIDMask = uint64(1)<<userIDBits - 1
const asyncFlagBit = uint64(1) << userIDBits

// makeMessageID packs a 31-bit user id and the async-table-selector flag
// into the 64-bit message_id.
func makeMessageID(userID uint32, async bool) uint64 {
	id := uint64(userID) & userIDMask
	if async {
		id |= asyncFlagBit
	}
	return id
}

func messageIDUserID(id uint64) uint32 { return uint32(id & userIDMask) }
func messageIDAsync(id uint64) bool    { return id&asyncFlagBit != 0 }

// Frame is one logical message on the wire (spec.md §6): little-endian
// message_id, message_type, length, payload.
type Frame struct {
	MessageID   uint64
	MessageType uint32
	Payload     []byte
}

// EncodedLen reports the number of bytes AppendFrame will write.
func (f Frame) EncodedLen() int { return frameHeaderSize + len(f.Payload) }

// AppendFrame encodes f onto the end of buf and returns the extended
// slice, per spec.md §6's "Round-trip laws" (encode∘decode is identity).
func AppendFrame(buf []byte, f Frame) []byte {
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], f.MessageID)
	binary.LittleEndian.PutUint32(hdr[8:12], f.MessageType)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(f.Payload)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, f.Payload...)
	return buf
}

var errShortFrame = errors.New("infinio: truncated frame")

// DecodeFrame decodes a single frame starting at buf[0]. It returns the
// frame, the number of bytes consumed, and ok=false if buf does not yet
// contain a complete frame (the caller should wait for more bytes; this is
// not itself an error, matching "readers frame by length" from spec.md §6).
func DecodeFrame(buf []byte) (f Frame, consumed int, ok bool) {
	if len(buf) < frameHeaderSize {
		return Frame{}, 0, false
	}
	msgID := binary.LittleEndian.Uint64(buf[0:8])
	msgType := binary.LittleEndian.Uint32(buf[8:12])
	length := binary.LittleEndian.Uint32(buf[12:16])
	total := frameHeaderSize + int(length)
	if len(buf) < total {
		return Frame{}, 0, false
	}
	payload := make([]byte, length)
	copy(payload, buf[frameHeaderSize:total])
	return Frame{MessageID: msgID, MessageType: msgType, Payload: payload}, total, true
}

// DecodeFrames decodes every complete frame present in buf, returning them
// in order along with the unconsumed remainder (a partial trailing frame,
// if any).
func DecodeFrames(buf []byte) ([]Frame, []byte) {
	var frames []Frame
	for {
		f, n, ok := DecodeFrame(buf)
		if !ok {
			return frames, buf
		}
		frames = append(frames, f)
		buf = buf[n:]
	}
}

// errorEnvelope is the payload layout for the error_code message type
// (spec.md §6 "Error envelope payload"): { code: u64 }.
func encodeErrorEnvelope(code uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, code)
	return buf
}

func decodeErrorEnvelope(payload []byte) (uint64, bool) {
	if len(payload) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(payload), true
}

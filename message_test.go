package infinio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	f := Frame{MessageID: makeMessageID(42, false), MessageType: 7, Payload: []byte("hello")}
	buf := AppendFrame(nil, f)
	require.Equal(t, f.EncodedLen(), len(buf))

	got, n, ok := DecodeFrame(buf)
	require.True(t, ok)
	require.Equal(t, len(buf), n)
	require.Equal(t, f.MessageID, got.MessageID)
	require.Equal(t, f.MessageType, got.MessageType)
	require.Equal(t, f.Payload, got.Payload)
}

func TestDecodeFrame_Truncated(t *testing.T) {
	f := Frame{MessageID: 1, MessageType: 1, Payload: []byte("payload")}
	buf := AppendFrame(nil, f)

	_, _, ok := DecodeFrame(buf[:frameHeaderSize-1])
	require.False(t, ok)

	_, _, ok = DecodeFrame(buf[:len(buf)-1])
	require.False(t, ok)
}

func TestDecodeFrames_MultipleAndRemainder(t *testing.T) {
	var buf []byte
	buf = AppendFrame(buf, Frame{MessageID: 1, MessageType: 1, Payload: []byte("a")})
	buf = AppendFrame(buf, Frame{MessageID: 2, MessageType: 2, Payload: []byte("bb")})
	partial := AppendFrame(nil, Frame{MessageID: 3, MessageType: 3, Payload: []byte("ccc")})
	buf = append(buf, partial[:len(partial)-1]...)

	frames, remainder := DecodeFrames(buf)
	require.Len(t, frames, 2)
	require.Equal(t, uint64(1), frames[0].MessageID)
	require.Equal(t, uint64(2), frames[1].MessageID)
	require.Equal(t, len(partial)-1, len(remainder))
}

func TestMessageID_UserIDAndAsyncFlag(t *testing.T) {
	id := makeMessageID(12345, true)
	require.Equal(t, uint32(12345), messageIDUserID(id))
	require.True(t, messageIDAsync(id))

	id2 := makeMessageID(12345, false)
	require.False(t, messageIDAsync(id2))
	require.Equal(t, uint32(12345), messageIDUserID(id2))
}

func TestErrorEnvelope_RoundTrip(t *testing.T) {
	payload := encodeErrorEnvelope(0xdeadbeef)
	code, ok := decodeErrorEnvelope(payload)
	require.True(t, ok)
	require.Equal(t, uint64(0xdeadbeef), code)

	_, ok = decodeErrorEnvelope([]byte{1, 2, 3})
	require.False(t, ok)
}

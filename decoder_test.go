package wsev

import (
	"encoding/binary"
	"testing"

	"github.com/sevenick/wsev/internal"
	"github.com/stretchr/testify/assert"
)

var testMaskKey = [4]byte{0x37, 0xfa, 0x21, 0x3d}

// 构造一个客户端帧
// builds a client-to-server frame
func clientFrame(fin bool, opcode Opcode, payload []byte, key [4]byte) []byte {
	var b0 = byte(opcode)
	if fin {
		b0 |= 128
	}
	var out = []byte{b0, 128}
	var n = len(payload)
	switch {
	case n <= internal.ThresholdV1:
		out[1] |= byte(n)
	case n < internal.ThresholdV2:
		out[1] |= 126
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		out = append(out, ext[:]...)
	default:
		out[1] |= 127
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		out = append(out, ext[:]...)
	}
	out = append(out, key[:]...)
	var masked = make([]byte, n)
	copy(masked, payload)
	internal.MaskXOR(masked, key[:])
	return append(out, masked...)
}

func decodeAll(t *testing.T, d *frameDecoder, stream []byte) []rawFrame {
	frames, err := d.feed(stream)
	assert.NoError(t, err)
	return frames
}

func TestFrameDecoder(t *testing.T) {
	var as = assert.New(t)

	t.Run("masked text frame", func(t *testing.T) {
		var d = newFrameDecoder(defaultServerOption.MaxPayloadSize, true)
		var frames = decodeAll(t, d, clientFrame(true, OpcodeText, []byte("Hello"), testMaskKey))
		as.Equal(1, len(frames))
		as.True(frames[0].fin)
		as.Equal(OpcodeText, frames[0].opcode)
		as.Equal([]byte("Hello"), frames[0].payload)
	})

	t.Run("empty payload", func(t *testing.T) {
		var d = newFrameDecoder(defaultServerOption.MaxPayloadSize, true)
		var frames = decodeAll(t, d, clientFrame(true, OpcodeBinary, nil, testMaskKey))
		as.Equal(1, len(frames))
		as.Equal(0, len(frames[0].payload))
	})

	t.Run("extended length 16", func(t *testing.T) {
		var payload = internal.AlphabetNumeric.Generate(200)
		var stream = clientFrame(true, OpcodeBinary, payload, testMaskKey)
		// lenField 126, 扩展长度 0x00C8
		// lenField 126, extended length 0x00C8
		as.Equal(byte(128|126), stream[1])
		as.Equal([]byte{0x00, 0xC8}, stream[2:4])

		var d = newFrameDecoder(defaultServerOption.MaxPayloadSize, true)
		var frames = decodeAll(t, d, stream)
		as.Equal(1, len(frames))
		as.Equal(payload, frames[0].payload)
	})

	t.Run("extended length 64", func(t *testing.T) {
		var payload = internal.AlphabetNumeric.Generate(70000)
		var d = newFrameDecoder(defaultServerOption.MaxPayloadSize, true)
		var frames = decodeAll(t, d, clientFrame(true, OpcodeBinary, payload, testMaskKey))
		as.Equal(1, len(frames))
		as.Equal(payload, frames[0].payload)
	})

	t.Run("multiple frames in one chunk", func(t *testing.T) {
		var stream = append(
			clientFrame(true, OpcodeText, []byte("one"), testMaskKey),
			clientFrame(true, OpcodeText, []byte("two"), testMaskKey)...)
		var d = newFrameDecoder(defaultServerOption.MaxPayloadSize, true)
		var frames = decodeAll(t, d, stream)
		as.Equal(2, len(frames))
		as.Equal([]byte("one"), frames[0].payload)
		as.Equal([]byte("two"), frames[1].payload)
	})

	t.Run("chunking invariance", func(t *testing.T) {
		var stream []byte
		stream = append(stream, clientFrame(true, OpcodeText, []byte("alpha"), testMaskKey)...)
		stream = append(stream, clientFrame(false, OpcodeBinary, internal.AlphabetNumeric.Generate(300), testMaskKey)...)
		stream = append(stream, clientFrame(true, OpcodePing, []byte("abc"), testMaskKey)...)

		var whole = decodeAll(t, newFrameDecoder(defaultServerOption.MaxPayloadSize, true), stream)

		for size := 1; size <= 17; size++ {
			var d = newFrameDecoder(defaultServerOption.MaxPayloadSize, true)
			var got []rawFrame
			for i := 0; i < len(stream); i += size {
				var end = internal.Min(i+size, len(stream))
				frames, err := d.feed(stream[i:end])
				as.NoError(err)
				got = append(got, frames...)
			}
			as.Equal(len(whole), len(got))
			for i := range whole {
				as.Equal(whole[i].fin, got[i].fin)
				as.Equal(whole[i].opcode, got[i].opcode)
				as.Equal(whole[i].payload, got[i].payload)
			}
		}
	})

	t.Run("unmasked client frame", func(t *testing.T) {
		var d = newFrameDecoder(defaultServerOption.MaxPayloadSize, true)
		_, err := d.feed([]byte{0x81, 0x05, 'H', 'e', 'l', 'l', 'o'})
		as.ErrorIs(err, internal.CloseProtocolError)
	})

	t.Run("unmasked allowed for loopback", func(t *testing.T) {
		var d = newFrameDecoder(defaultServerOption.MaxPayloadSize, false)
		frames, err := d.feed([]byte{0x81, 0x05, 'H', 'e', 'l', 'l', 'o'})
		as.NoError(err)
		as.Equal(1, len(frames))
		as.Equal([]byte("Hello"), frames[0].payload)
	})

	t.Run("nonzero rsv", func(t *testing.T) {
		var stream = clientFrame(true, OpcodeText, []byte("x"), testMaskKey)
		stream[0] |= 0x40
		var d = newFrameDecoder(defaultServerOption.MaxPayloadSize, true)
		_, err := d.feed(stream)
		as.ErrorIs(err, internal.CloseProtocolError)
	})

	t.Run("unknown opcode", func(t *testing.T) {
		var stream = clientFrame(true, Opcode(0x3), []byte("x"), testMaskKey)
		var d = newFrameDecoder(defaultServerOption.MaxPayloadSize, true)
		_, err := d.feed(stream)
		as.ErrorIs(err, internal.CloseProtocolError)
	})

	t.Run("fragmented control frame", func(t *testing.T) {
		var stream = clientFrame(false, OpcodePing, []byte("x"), testMaskKey)
		var d = newFrameDecoder(defaultServerOption.MaxPayloadSize, true)
		_, err := d.feed(stream)
		as.ErrorIs(err, internal.CloseProtocolError)
	})

	t.Run("oversized control frame", func(t *testing.T) {
		var stream = clientFrame(true, OpcodePing, internal.AlphabetNumeric.Generate(126), testMaskKey)
		var d = newFrameDecoder(defaultServerOption.MaxPayloadSize, true)
		_, err := d.feed(stream)
		as.ErrorIs(err, internal.CloseProtocolError)
	})

	t.Run("payload above limit", func(t *testing.T) {
		var stream = clientFrame(true, OpcodeBinary, internal.AlphabetNumeric.Generate(300), testMaskKey)
		var d = newFrameDecoder(200, true)
		_, err := d.feed(stream)
		as.ErrorIs(err, internal.CloseMessageTooLarge)
	})

	t.Run("64bit length with high bit", func(t *testing.T) {
		var stream = []byte{0x82, 128 | 127}
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], 1<<63)
		stream = append(stream, ext[:]...)
		stream = append(stream, testMaskKey[:]...)
		var d = newFrameDecoder(defaultServerOption.MaxPayloadSize, true)
		_, err := d.feed(stream)
		as.ErrorIs(err, internal.CloseProtocolError)
	})
}

package wsev

import (
	"encoding/binary"

	"github.com/sevenick/wsev/internal"
)

// 解码器状态. 每个状态都以"再读nextRead个字节"为推进条件.
// decoder states; each one advances by filling nextRead more bytes.
type decoderState uint8

const (
	// 基础头: 两个字节
	// base header, two bytes
	stateBase decoderState = iota

	// 扩展长度和掩码
	// extended length and mask key
	stateExtension

	// 载荷
	// payload
	statePayload
)

// rawFrame 一个解码完成的帧, 载荷已去掩码
// a fully decoded frame, payload already unmasked
type rawFrame struct {
	fin     bool
	opcode  Opcode
	payload []byte
}

// frameDecoder 增量帧解码器
// 以字节块为输入, 与块边界无关; 任意切分的字节流解码结果一致
// incremental frame decoder. Fed arbitrary chunks, its output is
// independent of how the byte stream was split.
type frameDecoder struct {
	state      decoderState
	buf        []byte
	nextRead   int
	headLength int
	dataLength int64
	maskKey    [4]byte
	masked     bool
	fh         frameHeader
	maxPayload int

	// 服务端必须拒绝未设掩码的客户端帧; 解码回环测试时可关闭
	// servers must reject unmasked client frames; relaxed for loopback decoding
	requireMask bool
}

func newFrameDecoder(maxPayload int, requireMask bool) *frameDecoder {
	return &frameDecoder{
		state:       stateBase,
		nextRead:    2,
		maxPayload:  maxPayload,
		requireMask: requireMask,
	}
}

// 帧之间复位, 每个帧使用新的缓冲区
// resets between frames; every frame gets a fresh buffer
func (c *frameDecoder) reset() {
	c.state = stateBase
	c.buf = nil
	c.nextRead = 2
	c.headLength = 0
	c.dataLength = 0
	c.masked = false
}

// feed 消费一个字节块, 返回其中解码完成的帧
// consumes one chunk and returns the frames completed by it
func (c *frameDecoder) feed(p []byte) ([]rawFrame, error) {
	var frames []rawFrame
	for {
		if c.nextRead > 0 {
			if len(p) == 0 {
				return frames, nil
			}
			var n = internal.Min(c.nextRead, len(p))
			c.buf = append(c.buf, p[:n]...)
			c.nextRead -= n
			p = p[n:]
			if c.nextRead > 0 {
				return frames, nil
			}
		}

		switch c.state {
		case stateBase:
			if err := c.onBase(); err != nil {
				return frames, err
			}
		case stateExtension:
			if err := c.onExtension(); err != nil {
				return frames, err
			}
		case statePayload:
			frames = append(frames, c.emit())
			c.reset()
			if len(p) == 0 {
				return frames, nil
			}
		}
	}
}

// 前两个字节已就位: 校验并决定头的总长
// the first two bytes are in: validate them and size the rest of the header
func (c *frameDecoder) onBase() error {
	c.fh[0], c.fh[1] = c.buf[0], c.buf[1]

	if c.fh.GetRSV1() || c.fh.GetRSV2() || c.fh.GetRSV3() {
		return internal.CloseProtocolError
	}
	var opcode = c.fh.GetOpcode()
	if !opcode.isKnown() {
		return internal.CloseProtocolError
	}

	c.masked = c.fh.GetMask()
	if c.requireMask && !c.masked {
		return internal.CloseProtocolError
	}

	var lengthCode = c.fh.GetLengthCode()
	if opcode.isControlFrame() {
		// RFC6455: 控制帧不可分片, 载荷不超过125字节
		// control frames must not be fragmented and carry at most 125 bytes
		if !c.fh.GetFIN() || lengthCode > internal.ThresholdV1 {
			return internal.CloseProtocolError
		}
	}

	var extLen = 0
	switch lengthCode {
	case 126:
		extLen = 2
	case 127:
		extLen = 8
	}
	var maskLen = 0
	if c.masked {
		maskLen = 4
	}
	c.headLength = 2 + extLen + maskLen

	if c.headLength == 2 {
		c.dataLength = int64(lengthCode)
		c.state = statePayload
		c.nextRead = int(c.dataLength)
		return nil
	}
	c.state = stateExtension
	c.nextRead = c.headLength - 2
	return nil
}

// 扩展长度与掩码已就位
// the extended length and the mask key are in
func (c *frameDecoder) onExtension() error {
	switch c.headLength {
	case 6:
		// 只有掩码在等待, 长度来自7位编码
		// only the mask was pending, the length came from the 7-bit code
		c.dataLength = int64(c.fh.GetLengthCode())
	case 4, 8:
		c.dataLength = int64(binary.BigEndian.Uint16(c.buf[2:4]))
	case 10, 14:
		var v = binary.BigEndian.Uint64(c.buf[2:10])
		if v>>63 == 1 {
			return internal.CloseProtocolError
		}
		c.dataLength = int64(v)
	}
	if c.masked {
		copy(c.maskKey[:], c.buf[c.headLength-4:c.headLength])
	}
	if c.dataLength > int64(c.maxPayload) {
		return internal.CloseMessageTooLarge
	}

	c.state = statePayload
	c.nextRead = int(c.dataLength)
	return nil
}

// 帧已完整, 去掩码并产出
// the frame is complete: unmask and hand it out
func (c *frameDecoder) emit() rawFrame {
	var payload = c.buf[c.headLength:]
	if c.masked {
		internal.MaskXOR(payload, c.maskKey[:])
	}
	return rawFrame{
		fin:     c.fh.GetFIN(),
		opcode:  c.fh.GetOpcode(),
		payload: payload,
	}
}

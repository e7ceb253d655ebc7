package wsev

import (
	"bytes"
	"encoding/binary"

	"github.com/sevenick/wsev/internal"
)

// frameHeader 帧头, 最长14字节
// frame header, up to 14 bytes: 2 base + 0/2/8 extended length + 0/4 mask.
// The two base bytes are decoded with explicit shifts so layout and
// endianness questions never arise.
type frameHeader [internal.FrameHeaderSize]byte

// GetFIN 返回 FIN 位的值
// Returns the value of the FIN bit
func (c *frameHeader) GetFIN() bool {
	return ((*c)[0] >> 7) == 1
}

// GetRSV1 返回 RSV1 位的值
// Returns the value of the RSV1 bit
func (c *frameHeader) GetRSV1() bool {
	return ((*c)[0] << 1 >> 7) == 1
}

// GetRSV2 返回 RSV2 位的值
// Returns the value of the RSV2 bit
func (c *frameHeader) GetRSV2() bool {
	return ((*c)[0] << 2 >> 7) == 1
}

// GetRSV3 返回 RSV3 位的值
// Returns the value of the RSV3 bit
func (c *frameHeader) GetRSV3() bool {
	return ((*c)[0] << 3 >> 7) == 1
}

// GetOpcode 返回操作码
// Returns the opcode
func (c *frameHeader) GetOpcode() Opcode {
	return Opcode((*c)[0] << 4 >> 4)
}

// GetMask 返回掩码标志位
// Returns the value of the mask bit
func (c *frameHeader) GetMask() bool {
	return ((*c)[1] >> 7) == 1
}

// GetLengthCode 返回长度代码
// Returns the length code
func (c *frameHeader) GetLengthCode() uint8 {
	return (*c)[1] << 1 >> 1
}

// SetLength 设置帧的长度, 并返回扩展长度的字节数
// Sets the frame length and returns the extended length offset
func (c *frameHeader) SetLength(n uint64) (offset int) {
	if n <= internal.ThresholdV1 {
		(*c)[1] += uint8(n)
		return 0
	} else if n < internal.ThresholdV2 {
		(*c)[1] += 126
		binary.BigEndian.PutUint16((*c)[2:4], uint16(n))
		return 2
	} else {
		(*c)[1] += 127
		binary.BigEndian.PutUint64((*c)[2:10], n)
		return 8
	}
}

// GenerateServerHeader 生成服务端帧头
// 服务端帧不设掩码, RSV位始终为零
// Generates a server side frame header.
// Server frames are never masked and the RSV bits stay zero.
func (c *frameHeader) GenerateServerHeader(fin bool, opcode Opcode, length int) (headerLength int) {
	headerLength = 2
	var b0 = uint8(opcode)
	if fin {
		b0 += 128
	}
	(*c)[0] = b0
	(*c)[1] = 0
	headerLength += c.SetLength(uint64(length))
	return headerLength
}

// genFrame 生成一个完整的服务端帧
// builds a complete server-to-client frame
func genFrame(fin bool, opcode Opcode, payload []byte) *bytes.Buffer {
	var fh = frameHeader{}
	var n = fh.GenerateServerHeader(fin, opcode, len(payload))
	var buf = binaryPool.Get(n + len(payload))
	buf.Write(fh[:n])
	buf.Write(payload)
	return buf
}

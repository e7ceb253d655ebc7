package wsev

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net"
	"runtime"
	"unicode/utf8"

	"github.com/sevenick/wsev/internal"
)

// Opcode 操作码
// frame opcode
type Opcode uint8

const (
	OpcodeContinuation    Opcode = 0x0
	OpcodeText            Opcode = 0x1
	OpcodeBinary          Opcode = 0x2
	OpcodeCloseConnection Opcode = 0x8
	OpcodePing            Opcode = 0x9
	OpcodePong            Opcode = 0xA
)

// 判断操作码是否为数据帧
// Checks if the opcode is a data frame
func (c Opcode) isDataFrame() bool {
	return c <= OpcodeBinary
}

// 判断操作码是否为控制帧
// Checks if the opcode is a control frame
func (c Opcode) isControlFrame() bool {
	return c >= OpcodeCloseConnection && c <= OpcodePong
}

// 判断操作码是否在RFC6455定义的范围内
// Checks if the opcode is defined by RFC6455
func (c Opcode) isKnown() bool {
	return c.isDataFrame() || c.isControlFrame()
}

var binaryPool = internal.NewBufferPool(128, 256*1024)

var (
	// ErrHandshake 握手错误, 请求头未通过校验
	// Handshake error, request header does not pass validation
	ErrHandshake = errors.New("wsev: handshake error")

	// ErrMalformedKey 客户端密钥不是16字节的base64编码
	// Sec-WebSocket-Key is not valid base64 for 16 bytes
	ErrMalformedKey = errors.New("wsev: malformed websocket key")

	// ErrHeaderTooLarge 请求头超出大小限制
	// request head exceeds the configured size limit
	ErrHeaderTooLarge = errors.New("wsev: request header too large")

	// ErrTextEncoding 文本消息编码错误(必须是utf8编码)
	// Text message encoding error (must be utf8)
	ErrTextEncoding = errors.New("wsev: invalid text encoding")

	// ErrConnClosed 连接已关闭
	// Connection closed
	ErrConnClosed = net.ErrClosed

	// ErrUnsupportedPlatform 当前平台不支持事件驱动模式
	// the event loop driver is not available on this platform
	ErrUnsupportedPlatform = errors.New("wsev: event driver unsupported on this platform")

	// ErrServerFull 连接数达到上限
	// connection limit reached
	ErrServerFull = errors.New("wsev: connection limit reached")
)

// CloseError 对端发来的关闭信息
// close information received from the peer
type CloseError struct {
	// 关闭代码, 表示关闭连接的原因
	// Close code, indicating the reason for closing the connection
	Code uint16

	// 关闭原因, 详细描述关闭的原因
	// Close reason, providing a detailed description of the closure
	Reason []byte
}

// Error 关闭错误的描述
// Returns a description of the close error
func (c *CloseError) Error() string {
	return fmt.Sprintf("wsev: connection closed, code=%d, reason=%s", c.Code, string(c.Reason))
}

// Event 事件接口
// websocket event interface
type Event interface {
	// OnOpen 建立连接事件
	// WebSocket connection was successfully established
	OnOpen(socket *Conn)

	// OnClose 关闭事件
	// 接收到了网络连接另一端发送的关闭帧, 或者IO过程中出现错误主动断开连接
	// 如果是前者, err可以断言为*CloseError
	// Received a close frame from the other end of the network connection, or disconnected voluntarily due to an error in the IO process
	// In the former case, err can be asserted as *CloseError
	OnClose(socket *Conn, err error)

	// OnPing 心跳探测事件
	// Received a ping frame
	OnPing(socket *Conn, payload []byte)

	// OnPong 心跳响应事件
	// Received a pong frame
	OnPong(socket *Conn, payload []byte)

	// OnMessage 消息事件
	// Received a complete data message
	OnMessage(socket *Conn, message *Message)
}

// BuiltinEventHandler 内置事件处理器, 可作为自定义处理器的基类
// built-in event handler, embeddable as a base for custom handlers
type BuiltinEventHandler struct{}

func (b BuiltinEventHandler) OnOpen(socket *Conn) {}

func (b BuiltinEventHandler) OnClose(socket *Conn, err error) {}

func (b BuiltinEventHandler) OnPing(socket *Conn, payload []byte) {}

func (b BuiltinEventHandler) OnPong(socket *Conn, payload []byte) {}

func (b BuiltinEventHandler) OnMessage(socket *Conn, message *Message) {}

// Message 已解码的完整消息
// a decoded, fully assembled message
type Message struct {
	// 操作码
	// opcode of the message
	Opcode Opcode

	// 消息内容
	// content of the message
	Data *bytes.Buffer
}

// Read 从消息中读取数据到给定的字节切片 p 中
// Reads data from the message into the given byte slice p
func (c *Message) Read(p []byte) (n int, err error) {
	return c.Data.Read(p)
}

// Bytes 返回消息的数据缓冲区的字节切片
// Returns the byte slice of the message's data buffer
func (c *Message) Bytes() []byte {
	return c.Data.Bytes()
}

// Close 关闭消息, 回收资源
// Close message, recycling resources
func (c *Message) Close() error {
	binaryPool.Put(c.Data)
	c.Data = nil
	return nil
}

// 文本消息及关闭原因必须是合法的UTF-8
// text payloads and close reasons must be valid UTF-8
func isTextValid(opcode Opcode, payload []byte) bool {
	switch opcode {
	case OpcodeText, OpcodeCloseConnection:
		return utf8.Valid(payload)
	default:
		return true
	}
}

// Logger 日志接口
// Logger interface
type Logger interface {
	// Error 打印错误日志
	// Printing the error log
	Error(v ...any)

	// Debug 打印调试日志
	// Printing the debug log
	Debug(v ...any)
}

// 标准日志库
// Standard Log Library
type stdLogger struct{}

func (c *stdLogger) Error(v ...any) {
	log.Println(v...)
}

func (c *stdLogger) Debug(v ...any) {}

var defaultLogger = new(stdLogger)

// Recovery 异常恢复, 并记录错误信息
// Exception recovery with logging of error messages
func Recovery(logger Logger) {
	if e := recover(); e != nil {
		const size = 64 << 10
		buf := make([]byte, size)
		buf = buf[:runtime.Stack(buf, false)]
		logger.Error("fatal error:", e, internal.BytesToString(buf))
	}
}

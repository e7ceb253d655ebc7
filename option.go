package wsev

import (
	"time"
)

// dv means default value
type ServerOption struct {
	// 日志工具
	// logging tool
	Logger Logger

	// 事件处理器
	// event handler
	Event Event

	// 请求头大小限制, dv=8KiB
	// maximum size of the handshake request head, dv=8KiB
	MaxHeaderSize int

	// 单帧载荷及分片组装后消息的大小限制, dv=16MiB
	// maximum payload size of a single frame and of an assembled
	// fragmented message, dv=16MiB
	MaxPayloadSize int

	// 连接数量上限, dv=10
	// maximum number of concurrent connections, dv=10
	MaxConnections int

	// 握手超时, dv=10s
	// handshake timeout, dv=10s
	HandshakeTimeout time.Duration

	// 空闲超时, 超时的一半时发送Ping, dv=60s
	// inactivity timeout; a ping goes out at half of it, dv=60s
	IdleTimeout time.Duration

	// 新建会话存储的方法
	// creates a new session storage
	NewSession func() SessionStorage
}

var defaultServerOption = ServerOption{
	MaxHeaderSize:    8 * 1024,
	MaxPayloadSize:   16 * 1024 * 1024,
	MaxConnections:   10,
	HandshakeTimeout: 10 * time.Second,
	IdleTimeout:      60 * time.Second,
}

// initServerOption 填充默认值
// fills in the defaults
func initServerOption(c *ServerOption) *ServerOption {
	if c == nil {
		c = new(ServerOption)
	}
	var d = defaultServerOption
	if c.MaxHeaderSize <= 0 {
		c.MaxHeaderSize = d.MaxHeaderSize
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = d.MaxPayloadSize
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.Logger == nil {
		c.Logger = defaultLogger
	}
	if c.Event == nil {
		c.Event = new(BuiltinEventHandler)
	}
	if c.NewSession == nil {
		c.NewSession = func() SessionStorage { return NewMap() }
	}
	return c
}

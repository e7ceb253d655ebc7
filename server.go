package wsev

import (
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// netTransport 阻塞式net.Conn写通道
// blocking net.Conn write channel
type netTransport struct {
	conn net.Conn
}

func (c *netTransport) Write(p []byte) (int, error) { return c.conn.Write(p) }

func (c *netTransport) Close() error { return c.conn.Close() }

// Server 可移植的WebSocket服务器, 每条连接一个协程
// 协议引擎仍然以字节块为输入, 与事件驱动模式共用
// a portable websocket server, one goroutine per connection. The
// protocol engine is the same chunk-fed machine the event driver uses.
type Server struct {
	option *ServerOption
	conns  *ConcurrentMap[string, *Conn]

	listener net.Listener
	closed   uint32

	// OnError 错误回调, 默认通过Logger记录; 服务器自身不会调用它:
	// RunListener直接返回监听错误, 连接错误由Logger记录
	// error callback, logging through the option's Logger by default.
	// The server never calls it itself: RunListener returns accept errors
	// and connection errors go to the Logger.
	OnError func(err error)
}

// NewServer 创建websocket服务器
// create a websocket server
func NewServer(option *ServerOption) *Server {
	var c = &Server{
		option: initServerOption(option),
		conns:  NewConcurrentMap[string, *Conn](16),
	}
	c.OnError = func(err error) { c.option.Logger.Error("wsev:", err) }
	return c
}

// Run 监听并服务于给定地址
// listens on the given address and serves
func (c *Server) Run(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return c.RunListener(listener)
}

// RunListener 运行网络监听器
// Running the network listener
func (c *Server) RunListener(listener net.Listener) error {
	c.listener = listener
	defer listener.Close()

	for {
		netConn, err := listener.Accept()
		if err != nil {
			if atomic.LoadUint32(&c.closed) == 1 {
				return nil
			}
			return err
		}

		// 连接数达到上限时, 新连接被立即关闭
		// above the connection limit, fresh accepts are closed on the spot
		if c.conns.Len() >= c.option.MaxConnections {
			_ = netConn.Close()
			c.option.Logger.Debug("wsev:", ErrServerFull)
			continue
		}
		go c.serve(netConn)
	}
}

func (c *Server) serve(netConn net.Conn) {
	defer Recovery(c.option.Logger)

	var conn = newConn(&netTransport{conn: netConn}, netConn.RemoteAddr(), c.option)
	var key = netConn.RemoteAddr().String()
	c.conns.Store(key, conn)
	c.option.Logger.Debug("wsev: client connected:", key)
	defer func() {
		c.conns.Delete(key)
		conn.shutdown()
	}()

	// 超时通过读截止时间实现, 协议引擎始终只被本协程触碰
	// timeouts ride on read deadlines so this goroutine stays the only
	// one touching the protocol engine
	var buf = make([]byte, 4096)
	var pinged = false
	for {
		var timeout = c.option.HandshakeTimeout
		if conn.getPhase() != phaseAwaitingHandshake {
			timeout = c.option.IdleTimeout / 2
		}
		_ = netConn.SetReadDeadline(time.Now().Add(timeout))

		n, err := netConn.Read(buf)
		if n > 0 {
			pinged = false
			conn.Feed(buf[:n])
		}
		if conn.getPhase() == phaseClosing && !conn.hasPending() {
			conn.shutdown()
		}
		if conn.getPhase() == phaseClosed {
			return
		}
		if err != nil {
			switch {
			case os.IsTimeout(err) && conn.getPhase() == phaseEstablished && !pinged:
				// 半程空闲: 发送一次Ping探测, 再等一个半程
				// half the idle window gone: probe with a ping, wait
				// out the other half
				pinged = true
				_ = conn.WritePing(nil)
			case errors.Is(err, io.EOF):
				conn.peerClosed()
				return
			default:
				conn.abort(err)
				return
			}
		}
	}
}

// Shutdown 停止监听并关闭所有连接
// stops listening and closes every connection
func (c *Server) Shutdown() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	var err error
	if c.listener != nil {
		err = c.listener.Close()
	}
	c.conns.Range(func(key string, conn *Conn) bool {
		conn.shutdown()
		return true
	})
	return err
}

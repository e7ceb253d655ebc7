//go:build linux

package wsev

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// fdTransport 非阻塞socket写通道
// non-blocking socket write channel
type fdTransport struct {
	fd int
}

func (c *fdTransport) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if n < 0 {
		n = 0
	}
	if err == unix.EAGAIN {
		return n, errWouldBlock
	}
	return n, err
}

func (c *fdTransport) Close() error {
	return unix.Close(c.fd)
}

// Driver 单线程协作式事件循环
// 监听套接字与全部连接都注册在同一个epoll实例上;
// 每个tick对每条连接至多做一次读尝试和一次写尝试
// a single-threaded cooperative event loop. The listening socket and
// every connection share one epoll instance; each tick makes at most
// one read attempt and one write attempt per connection.
type Driver struct {
	option *ServerOption

	epfd int
	lfd  int

	conns    map[int]*Conn
	writable map[int]bool

	closed uint32
}

// NewDriver 创建事件驱动
// creates the event driver
func NewDriver(option *ServerOption) (*Driver, error) {
	return &Driver{
		option:   initServerOption(option),
		epfd:     -1,
		lfd:      -1,
		conns:    make(map[int]*Conn),
		writable: make(map[int]bool),
	}, nil
}

// Listen 创建监听套接字并绑定到host:port
// creates the listening socket and binds it to host:port
func (c *Driver) Listen(host string, port int) error {
	var ip = net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("wsev: invalid ipv4 address: %s", host)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("wsev: socket: %w", err)
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("wsev: setsockopt: %w", err)
	}

	var sa = &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip.To4())
	if err = unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("wsev: bind: %w", err)
	}
	if err = unix.Listen(fd, c.option.MaxConnections); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("wsev: listen: %w", err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("wsev: epoll create: %w", err)
	}
	var ev = unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		_ = unix.Close(fd)
		_ = unix.Close(epfd)
		return fmt.Errorf("wsev: epoll ctl: %w", err)
	}

	c.lfd, c.epfd = fd, epfd
	return nil
}

// Run 运行事件循环直到Shutdown被调用
// runs the event loop until Shutdown is called
func (c *Driver) Run() error {
	for atomic.LoadUint32(&c.closed) == 0 {
		if err := c.tick(1000); err != nil {
			if atomic.LoadUint32(&c.closed) == 1 {
				break
			}
			return err
		}
	}
	// 连接与epoll实例只由事件循环线程触碰
	// the loop goroutine is the only one touching conns and the epoll fd
	for _, conn := range c.conns {
		conn.shutdown()
	}
	if c.epfd >= 0 {
		_ = unix.Close(c.epfd)
	}
	return nil
}

// tick 一次事件循环: 就绪通知分发, 然后是超时与回收扫描
// one loop iteration: dispatch readiness, then the timeout/reap sweep
func (c *Driver) tick(timeoutMs int) error {
	var events [128]unix.EpollEvent
	n, err := unix.EpollWait(c.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("wsev: epoll wait: %w", err)
	}

	for i := 0; i < n; i++ {
		var fd = int(events[i].Fd)
		if fd == c.lfd {
			c.accept()
			continue
		}
		conn, ok := c.conns[fd]
		if !ok {
			continue
		}
		if events[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			conn.peerClosed()
		} else {
			if events[i].Events&unix.EPOLLIN != 0 {
				c.read(fd, conn)
			}
			if events[i].Events&unix.EPOLLOUT != 0 {
				if e := conn.flush(); e != nil {
					conn.abort(e)
				}
			}
		}
		c.updateInterest(fd, conn)
	}

	c.sweep(time.Now())
	return nil
}

// accept 接纳排队的新连接, 超出连接上限的直接关闭
// drains queued accepts; above the limit they are closed immediately
func (c *Driver) accept() {
	for {
		nfd, sa, err := unix.Accept4(c.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return
		}
		if len(c.conns) >= c.option.MaxConnections {
			_ = unix.Close(nfd)
			c.option.Logger.Debug("wsev:", ErrServerFull)
			continue
		}

		var addr net.Addr
		if v, ok := sa.(*unix.SockaddrInet4); ok {
			addr = &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
		}
		var ev = unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(nfd)}
		if e := unix.EpollCtl(c.epfd, unix.EPOLL_CTL_ADD, nfd, &ev); e != nil {
			_ = unix.Close(nfd)
			continue
		}
		c.conns[nfd] = newConn(&fdTransport{fd: nfd}, addr, c.option)
		c.writable[nfd] = false
		c.option.Logger.Debug("wsev: client connected:", addr)
	}
}

// read 每个tick至多一次recv
// at most one recv per tick
func (c *Driver) read(fd int, conn *Conn) {
	var buf [4096]byte
	n, err := unix.Read(fd, buf[:])
	switch {
	case n == 0 && err == nil:
		conn.peerClosed()
	case err == unix.EAGAIN:
	case err != nil:
		conn.abort(err)
	default:
		conn.Feed(buf[:n])
	}
}

// updateInterest 有待发数据时追加EPOLLOUT, 排空后撤销
// adds EPOLLOUT while a pending tail exists, removes it once drained
func (c *Driver) updateInterest(fd int, conn *Conn) {
	if conn.getPhase() == phaseClosed {
		return
	}
	var want = conn.hasPending()
	if want == c.writable[fd] {
		return
	}
	var ev = unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if want {
		ev.Events |= unix.EPOLLOUT
	}
	if err := unix.EpollCtl(c.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err == nil {
		c.writable[fd] = want
	}
}

// sweep 超时检查与已关闭连接的回收
// timeout checks and reaping of closed connections
func (c *Driver) sweep(now time.Time) {
	for fd, conn := range c.conns {
		conn.checkTimeout(now)
		if conn.getPhase() == phaseClosed {
			// 套接字已随transport关闭, epoll注册随之消失
			// the socket already closed with the transport, dropping
			// its epoll registration with it
			delete(c.conns, fd)
			delete(c.writable, fd)
		}
	}
}

// Shutdown 停止接受新连接并通知事件循环退出
// 已有连接由事件循环在退出前关闭
// stops accepting and signals the loop to exit; the loop closes the
// remaining connections on its way out
func (c *Driver) Shutdown() {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return
	}
	if c.lfd >= 0 {
		_ = unix.Close(c.lfd)
	}
}

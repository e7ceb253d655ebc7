package wsev

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/sevenick/wsev/internal"
)

// connPhase 连接所处的生命周期阶段
// the lifecycle phase of a connection
type connPhase = uint32

const (
	phaseAwaitingHandshake connPhase = iota
	phaseEstablished
	phaseClosing
	phaseClosed
)

// transport 驱动提供的写通道. 写入可以是部分的;
// 非阻塞实现在暂时无法写入时返回 errWouldBlock.
// the write channel supplied by the driver. Writes may be partial;
// non-blocking implementations return errWouldBlock when the socket
// cannot take more.
type transport interface {
	Write(p []byte) (int, error)
	Close() error
}

var errWouldBlock = errors.New("wsev: write would block")

var (
	errHandshakeTimeout = errors.New("wsev: handshake timeout")
	errIdleTimeout      = errors.New("wsev: idle timeout")
)

// continuationFrame 分片消息的组装状态
// assembly state of a fragmented message
type continuationFrame struct {
	initialized bool
	opcode      Opcode
	buffer      *bytes.Buffer
}

func (c *continuationFrame) reset() {
	c.initialized = false
	c.opcode = 0
	c.buffer = nil
}

// Conn 一条WebSocket连接
// 每个阶段只持有一种解析器: 握手阶段持有请求累加器, 建立后持有帧解码器
// a websocket connection. Each phase owns exactly one parser: the
// request accumulator before the handshake, the frame decoder after.
type Conn struct {
	// 会话存储
	// store session information
	SessionStorage SessionStorage

	conn    transport
	addr    net.Addr
	config  *ServerOption
	handler Event

	phase connPhase
	acc   *requestAccumulator
	dec   *frameDecoder
	cont  continuationFrame

	// 写锁与待发队列
	// write lock and the pending-write queue
	mu      sync.Mutex
	wtail   []byte
	pending *queue.Queue

	closed uint32
	opened bool

	lastActive time.Time
	pingSent   bool
}

func newConn(t transport, addr net.Addr, config *ServerOption) *Conn {
	return &Conn{
		SessionStorage: config.NewSession(),
		conn:           t,
		addr:           addr,
		config:         config,
		handler:        config.Event,
		phase:          phaseAwaitingHandshake,
		acc:            newRequestAccumulator(config.MaxHeaderSize),
		pending:        queue.New(),
		lastActive:     time.Now(),
	}
}

func (c *Conn) getPhase() connPhase { return atomic.LoadUint32(&c.phase) }

func (c *Conn) setPhase(p connPhase) { atomic.StoreUint32(&c.phase, p) }

// RemoteAddr 对端地址
// the peer address
func (c *Conn) RemoteAddr() net.Addr {
	return c.addr
}

// Feed 处理驱动投递的一段入站字节
// processes one chunk of inbound bytes delivered by the driver
func (c *Conn) Feed(p []byte) {
	c.lastActive = time.Now()
	c.pingSent = false
	switch c.getPhase() {
	case phaseAwaitingHandshake:
		c.feedHandshake(p)
	case phaseEstablished:
		c.feedFrames(p)
	default:
		// 关闭过程中到达的字节直接丢弃
		// bytes arriving while closing are discarded
	}
}

func (c *Conn) feedHandshake(p []byte) {
	if err := c.acc.feed(p); err != nil {
		c.config.Logger.Debug("wsev: handshake failed:", err)
		c.rejectWith(badRequestResponse())
		return
	}
	if !c.acc.isComplete() {
		return
	}

	var h = parseRequestHead(c.acc.head())
	key, err := validateHandshake(h)
	switch err {
	case nil:
	case ErrMalformedKey:
		c.config.Logger.Debug("wsev: handshake failed:", err)
		c.rejectWith(badRequestResponse())
		return
	default:
		c.config.Logger.Debug("wsev: handshake failed:", err)
		c.rejectWith(rejectResponse(h))
		return
	}

	var rw = acceptResponse(key)
	if e := c.writeRaw(rw.Bytes()); e != nil {
		rw.Close()
		c.abort(e)
		return
	}
	rw.Close()

	// 累加器让位于帧解码器; 紧跟在请求头后到达的字节已经属于帧
	// the accumulator gives way to the frame decoder; bytes that
	// followed the head already belong to frames
	var rest = c.acc.rest()
	c.acc = nil
	c.dec = newFrameDecoder(c.config.MaxPayloadSize, true)
	c.setPhase(phaseEstablished)
	c.opened = true
	c.handler.OnOpen(c)
	if len(rest) > 0 {
		c.feedFrames(rest)
	}
}

// 发送拒绝响应并进入关闭流程
// sends a reject response and starts the teardown
func (c *Conn) rejectWith(response []byte) {
	if err := c.writeRaw(response); err != nil {
		c.abort(err)
		return
	}
	atomic.StoreUint32(&c.closed, 1)
	c.setPhase(phaseClosing)
}

func (c *Conn) feedFrames(p []byte) {
	frames, err := c.dec.feed(p)
	for i := range frames {
		if c.getPhase() != phaseEstablished {
			return
		}
		if e := c.onFrame(&frames[i]); e != nil {
			c.emitError(e)
			return
		}
	}
	if err != nil {
		c.emitError(err)
	}
}

func (c *Conn) onFrame(f *rawFrame) error {
	if f.opcode.isControlFrame() {
		return c.onControl(f)
	}
	return c.onData(f)
}

func (c *Conn) onControl(f *rawFrame) error {
	switch f.opcode {
	case OpcodePing:
		// Ping由协议引擎直接应答, 回调仅作通知
		// pings are answered by the engine itself, the callback is a notification
		if err := c.writeFrame(true, OpcodePong, f.payload); err != nil {
			return err
		}
		c.handler.OnPing(c, f.payload)
		return nil
	case OpcodePong:
		c.handler.OnPong(c, f.payload)
		return nil
	default:
		c.onCloseFrame(f.payload)
		return nil
	}
}

func (c *Conn) onData(f *rawFrame) error {
	// 数据帧与分片状态必须相容: 新消息不能打断未完成的消息,
	// 延续帧必须有消息可以延续
	// a fresh message may not interrupt an unfinished one, and a
	// continuation frame needs a message to continue
	if f.opcode != OpcodeContinuation && c.cont.initialized {
		return internal.CloseProtocolError
	}
	if f.opcode == OpcodeContinuation && !c.cont.initialized {
		return internal.CloseProtocolError
	}

	if f.fin && f.opcode != OpcodeContinuation {
		if !isTextValid(f.opcode, f.payload) {
			return internal.NewError(internal.CloseUnsupportedData, ErrTextEncoding)
		}
		var buf = binaryPool.Get(len(f.payload))
		buf.Write(f.payload)
		return c.dispatch(&Message{Opcode: f.opcode, Data: buf})
	}

	if !c.cont.initialized {
		c.cont.initialized = true
		c.cont.opcode = f.opcode
		c.cont.buffer = binaryPool.Get(internal.Max(len(f.payload), 1024))
	}
	c.cont.buffer.Write(f.payload)
	if c.cont.buffer.Len() > c.config.MaxPayloadSize {
		return internal.CloseMessageTooLarge
	}
	if !f.fin {
		return nil
	}

	var msg = &Message{Opcode: c.cont.opcode, Data: c.cont.buffer}
	c.cont.reset()
	if !isTextValid(msg.Opcode, msg.Bytes()) {
		return internal.NewError(internal.CloseUnsupportedData, ErrTextEncoding)
	}
	return c.dispatch(msg)
}

func (c *Conn) dispatch(msg *Message) error {
	defer Recovery(c.config.Logger)
	c.handler.OnMessage(c, msg)
	return nil
}

// onCloseFrame 应答对端的关闭帧
// 载荷不足2字节时不回显状态码; 保留或越界的状态码按协议错误应答
// answers the peer's close frame. A payload under two bytes gets no
// echoed code; reserved and out-of-range codes are answered with 1002.
func (c *Conn) onCloseFrame(payload []byte) {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return
	}

	var responseCode = internal.CloseNormalClosure
	var realCode = internal.CloseNoStatusReceived.Uint16()
	var reason []byte
	switch len(payload) {
	case 0:
		responseCode = 0
	case 1:
		responseCode = internal.CloseProtocolError
		realCode = internal.CloseProtocolError.Uint16()
	default:
		realCode = binary.BigEndian.Uint16(payload[:2])
		reason = payload[2:]
		switch realCode {
		case 1004, 1005, 1006, 1014, 1015:
			responseCode = internal.CloseProtocolError
		default:
			if realCode < 1000 || (realCode >= 1016 && realCode < 3000) || realCode >= 5000 {
				responseCode = internal.CloseProtocolError
			} else {
				responseCode = internal.StatusCode(realCode)
			}
		}
		if !isTextValid(OpcodeCloseConnection, reason) {
			responseCode = internal.CloseUnsupportedData
		}
	}

	if err := c.writeFrame(true, OpcodeCloseConnection, responseCode.Bytes()); err != nil {
		c.abort(err)
		return
	}
	c.setPhase(phaseClosing)
	c.handler.OnClose(c, &CloseError{Code: realCode, Reason: reason})
}

// emitError 协议错误: 发送关闭帧后进入关闭流程
// protocol errors: send a close frame, then tear down
func (c *Conn) emitError(err error) {
	if err == nil {
		return
	}
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return
	}

	var responseCode = internal.CloseNormalClosure
	var responseErr error = internal.CloseNormalClosure
	switch v := err.(type) {
	case internal.StatusCode:
		responseCode = v
		responseErr = v
	case *internal.Error:
		responseCode = v.Code
		responseErr = v.Err
	default:
		responseErr = err
	}

	var content = responseCode.Bytes()
	content = append(content, err.Error()...)
	if len(content) > internal.ThresholdV1 {
		content = content[:internal.ThresholdV1]
	}
	if e := c.writeFrame(true, OpcodeCloseConnection, content); e != nil {
		c.abort(e)
		return
	}
	c.setPhase(phaseClosing)
	if c.opened {
		c.handler.OnClose(c, responseErr)
	}
}

// abort IO错误: 本连接立即作废, 不影响其他连接
// io errors: this connection dies on the spot, others are unaffected
func (c *Conn) abort(err error) {
	c.setPhase(phaseClosed)
	_ = c.conn.Close()
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		c.config.Logger.Error("wsev:", err)
		if c.opened {
			c.handler.OnClose(c, err)
		}
	}
}

// shutdown 发送缓冲排空后由驱动调用, 真正关闭套接字
// called by the driver once the send buffer has drained; closes the socket
func (c *Conn) shutdown() {
	if c.getPhase() == phaseClosed {
		return
	}
	c.setPhase(phaseClosed)
	_ = c.conn.Close()
}

// peerClosed 对端关闭了连接 (recv返回0)
// the peer closed the connection (recv returned 0)
func (c *Conn) peerClosed() {
	c.setPhase(phaseClosed)
	_ = c.conn.Close()
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) && c.opened {
		c.handler.OnClose(c, &CloseError{Code: internal.CloseAbnormalClosure.Uint16()})
	}
}

// checkTimeout 由驱动在每个tick调用
// 超时不再发送关闭帧, 直接进入Closed
// called by the driver every tick. Timeouts skip the close frame and
// force the connection straight to Closed.
func (c *Conn) checkTimeout(now time.Time) {
	var idle = now.Sub(c.lastActive)
	switch c.getPhase() {
	case phaseAwaitingHandshake:
		if idle > c.config.HandshakeTimeout {
			c.abort(errHandshakeTimeout)
		}
	case phaseEstablished:
		if idle > c.config.IdleTimeout {
			c.abort(errIdleTimeout)
		} else if idle > c.config.IdleTimeout/2 && !c.pingSent {
			c.pingSent = true
			_ = c.WritePing(nil)
		}
	case phaseClosing:
		if !c.hasPending() || idle > c.config.HandshakeTimeout {
			c.shutdown()
		}
	}
}

/*
写路径
write path
*/

func (c *Conn) writeFrame(fin bool, opcode Opcode, payload []byte) error {
	var buf = genFrame(fin, opcode, payload)
	var err = c.writeRaw(buf.Bytes())
	binaryPool.Put(buf)
	return err
}

// writeRaw 尝试立即发送; 发不完的尾部复制进待发队列, 等待写就绪通知
// tries to send immediately; any unsent tail is copied into the pending
// queue and flushed on the next write-ready notification
func (c *Conn) writeRaw(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getPhase() == phaseClosed {
		return ErrConnClosed
	}
	if c.wtail != nil || c.pending.Length() > 0 {
		c.enqueue(p)
		return nil
	}
	n, err := c.conn.Write(p)
	if err == nil && n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, errWouldBlock) {
		c.enqueue(p[n:])
		return nil
	}
	return err
}

func (c *Conn) enqueue(p []byte) {
	var tail = make([]byte, len(p))
	copy(tail, p)
	c.pending.Add(tail)
}

// flush 写就绪时继续发送待发队列
// drains the pending queue on a write-ready notification
func (c *Conn) flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.wtail == nil {
			if c.pending.Length() == 0 {
				return nil
			}
			c.wtail = c.pending.Remove().([]byte)
		}
		n, err := c.conn.Write(c.wtail)
		c.wtail = c.wtail[n:]
		if len(c.wtail) == 0 {
			c.wtail = nil
			continue
		}
		if err == nil || errors.Is(err, errWouldBlock) {
			return nil
		}
		return err
	}
}

func (c *Conn) hasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wtail != nil || c.pending.Length() > 0
}

/*
应用层写接口
application level write API
*/

// WriteMessage 写入文本/二进制消息, 文本消息应该使用UTF8编码
// Writes text/binary messages, text messages should be encoded in UTF8
func (c *Conn) WriteMessage(opcode Opcode, payload []byte) error {
	if atomic.LoadUint32(&c.closed) == 1 || c.getPhase() != phaseEstablished {
		return ErrConnClosed
	}
	if opcode.isControlFrame() && len(payload) > internal.ThresholdV1 {
		return internal.CloseProtocolError
	}
	var err = c.writeFrame(true, opcode, payload)
	if err != nil {
		c.abort(err)
	}
	return err
}

// WriteString 写入文本消息, 使用UTF8编码
// Write text messages, should be encoded in UTF8
func (c *Conn) WriteString(s string) error {
	return c.WriteMessage(OpcodeText, internal.StringToBytes(s))
}

// WritePing 写入Ping消息, 携带的信息不要超过125字节
// Control frame length cannot exceed 125 bytes
func (c *Conn) WritePing(payload []byte) error {
	return c.WriteMessage(OpcodePing, payload)
}

// WritePong 写入Pong消息, 携带的信息不要超过125字节
// Control frame length cannot exceed 125 bytes
func (c *Conn) WritePong(payload []byte) error {
	return c.WriteMessage(OpcodePong, payload)
}

// WriteClose 主动发送关闭帧
// 没有特殊需求的话, 推荐code=1000, reason=nil
// Sends a close frame, actively disconnecting.
// If you don't have any special needs, we recommend code=1000, reason=nil
func (c *Conn) WriteClose(code uint16, reason []byte) error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return ErrConnClosed
	}
	code = internal.SelectValue(code < 1000, 1000, code)
	var content = internal.StatusCode(code).Bytes()
	content = append(content, reason...)
	if len(content) > internal.ThresholdV1 {
		content = content[:internal.ThresholdV1]
	}
	var err = c.writeFrame(true, OpcodeCloseConnection, content)
	c.setPhase(phaseClosing)
	return err
}

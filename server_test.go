package wsev

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type echoHandler struct {
	BuiltinEventHandler
}

func (c *echoHandler) OnMessage(socket *Conn, message *Message) {
	_ = socket.WriteMessage(message.Opcode, message.Bytes())
	_ = message.Close()
}

// 读取到请求头终结符为止
// reads up to the head terminator
func readResponseHead(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		line, err := br.ReadString('\n')
		sb.WriteString(line)
		if err != nil {
			return sb.String(), err
		}
		if line == "\r\n" {
			return sb.String(), nil
		}
	}
}

func TestServerEcho(t *testing.T) {
	var as = assert.New(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	as.NoError(err)
	var server = NewServer(&ServerOption{Event: new(echoHandler)})
	go func() { _ = server.RunListener(listener) }()
	defer func() { _ = server.Shutdown() }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	as.NoError(err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Write([]byte(testUpgradeRequest))
	as.NoError(err)

	var br = bufio.NewReader(conn)
	head, err := readResponseHead(br)
	as.NoError(err)
	as.Equal(expected101, head)

	_, err = conn.Write(clientFrame(true, OpcodeText, []byte("Hello"), testMaskKey))
	as.NoError(err)

	var echo = make([]byte, 7)
	_, err = io.ReadFull(br, echo)
	as.NoError(err)
	as.Equal([]byte{0x81, 0x05, 'H', 'e', 'l', 'l', 'o'}, echo)
}

func TestServerReject(t *testing.T) {
	var as = assert.New(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	as.NoError(err)
	var server = NewServer(nil)
	go func() { _ = server.RunListener(listener) }()
	defer func() { _ = server.Shutdown() }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	as.NoError(err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Write([]byte("POST / HTTP/1.1\r\nHost: x\r\n\r\n"))
	as.NoError(err)

	response, err := io.ReadAll(conn)
	as.NoError(err)
	as.Equal("HTTP/1.1 501 Not Implemented\r\n\r\n", string(response))
}

func TestServerConnectionLimit(t *testing.T) {
	var as = assert.New(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	as.NoError(err)
	var server = NewServer(&ServerOption{MaxConnections: 1, Event: new(echoHandler)})
	go func() { _ = server.RunListener(listener) }()
	defer func() { _ = server.Shutdown() }()

	// 第一条连接完成握手, 确保其已被登记
	// the first connection finishes its handshake, guaranteeing registration
	first, err := net.Dial("tcp", listener.Addr().String())
	as.NoError(err)
	defer first.Close()
	_ = first.SetDeadline(time.Now().Add(2 * time.Second))
	_, _ = first.Write([]byte(testUpgradeRequest))
	head, err := readResponseHead(bufio.NewReader(first))
	as.NoError(err)
	as.Equal(expected101, head)

	// 超限的连接被立即关闭
	// the connection above the limit is closed immediately
	second, err := net.Dial("tcp", listener.Addr().String())
	as.NoError(err)
	defer second.Close()
	_ = second.SetDeadline(time.Now().Add(2 * time.Second))
	var one [1]byte
	_, err = second.Read(one[:])
	as.ErrorIs(err, io.EOF)
}

func TestServerShutdown(t *testing.T) {
	var as = assert.New(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	as.NoError(err)
	var server = NewServer(nil)
	var done = make(chan error, 1)
	go func() { done <- server.RunListener(listener) }()

	time.Sleep(100 * time.Millisecond)
	as.NoError(server.Shutdown())
	select {
	case err := <-done:
		as.NoError(err)
	case <-time.After(2 * time.Second):
		as.Fail("server did not stop")
	}
}

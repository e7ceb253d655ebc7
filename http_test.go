package wsev

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testUpgradeRequest = "" +
	"GET /chat HTTP/1.1\r\n" +
	"Host: server.example.com\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Version: 13\r\n" +
	"\r\n"

func TestRequestAccumulator(t *testing.T) {
	var as = assert.New(t)

	t.Run("single chunk", func(t *testing.T) {
		var acc = newRequestAccumulator(8 * 1024)
		as.NoError(acc.feed([]byte(testUpgradeRequest)))
		as.True(acc.isComplete())
		as.Equal(len(testUpgradeRequest), len(acc.head()))
		as.Equal(0, len(acc.rest()))
	})

	t.Run("byte at a time", func(t *testing.T) {
		var acc = newRequestAccumulator(8 * 1024)
		for i := 0; i < len(testUpgradeRequest); i++ {
			as.False(acc.isComplete())
			as.NoError(acc.feed([]byte{testUpgradeRequest[i]}))
		}
		as.True(acc.isComplete())
		as.Equal([]byte(testUpgradeRequest), acc.head())
	})

	t.Run("terminator straddles chunks", func(t *testing.T) {
		var acc = newRequestAccumulator(8 * 1024)
		var cut = strings.Index(testUpgradeRequest, "\r\n\r\n") + 2
		as.NoError(acc.feed([]byte(testUpgradeRequest[:cut])))
		as.False(acc.isComplete())
		as.NoError(acc.feed([]byte(testUpgradeRequest[cut:])))
		as.True(acc.isComplete())
	})

	t.Run("bytes after head", func(t *testing.T) {
		var acc = newRequestAccumulator(8 * 1024)
		var tail = []byte{0x81, 0x85}
		as.NoError(acc.feed(append([]byte(testUpgradeRequest), tail...)))
		as.True(acc.isComplete())
		as.Equal([]byte(testUpgradeRequest), acc.head())
		as.Equal(tail, acc.rest())
	})

	t.Run("oversized head", func(t *testing.T) {
		var acc = newRequestAccumulator(64)
		var err = acc.feed([]byte("GET / HTTP/1.1\r\n" + strings.Repeat("X-Filler: y\r\n", 16)))
		as.ErrorIs(err, ErrHeaderTooLarge)
	})

	t.Run("terminator within limit", func(t *testing.T) {
		var acc = newRequestAccumulator(1024)
		var head = "GET / HTTP/1.1\r\n\r\n"
		as.NoError(acc.feed(append([]byte(head), make([]byte, 2048)...)))
		as.True(acc.isComplete())
	})
}

func TestParseRequestHead(t *testing.T) {
	var as = assert.New(t)

	t.Run("request line", func(t *testing.T) {
		var h = parseRequestHead([]byte(testUpgradeRequest))
		as.Equal("GET", h.method)
		as.Equal("/chat", h.target)
		as.Equal("HTTP", h.protoName)
		as.Equal(1, h.major)
		as.Equal(1, h.minor)
	})

	t.Run("fields", func(t *testing.T) {
		var h = parseRequestHead([]byte(testUpgradeRequest))
		as.Equal("websocket", h.Get("Upgrade"))
		as.Equal("Upgrade", h.Get("Connection"))
		as.Equal("dGhlIHNhbXBsZSBub25jZQ==", h.Get("Sec-WebSocket-Key"))
		as.Equal("13", h.Get("Sec-WebSocket-Version"))
		as.Equal("", h.Get("upgrade"))
	})

	t.Run("optional whitespace", func(t *testing.T) {
		var h = parseRequestHead([]byte("GET / HTTP/1.1\r\nName: \t value \t\r\n\r\n"))
		as.Equal("value", h.Get("Name"))
	})

	t.Run("repeated field keeps last", func(t *testing.T) {
		var h = parseRequestHead([]byte("GET / HTTP/1.1\r\nA: 1\r\nA: 2\r\n\r\n"))
		as.Equal("2", h.Get("A"))
	})

	t.Run("tab separated request line", func(t *testing.T) {
		var h = parseRequestHead([]byte("GET\t/index\tHTTP/1.0\r\n\r\n"))
		as.Equal("GET", h.method)
		as.Equal("/index", h.target)
		as.Equal(0, h.minor)
		as.Equal(1, h.major)
	})

	t.Run("malformed request line", func(t *testing.T) {
		var h = parseRequestHead([]byte("NONSENSE\r\n\r\n"))
		as.Equal("NONSENSE", h.method)
		as.Equal("", h.target)
		as.Equal(0, h.major)
	})

	t.Run("empty head", func(t *testing.T) {
		var h = parseRequestHead(nil)
		as.Equal("", h.method)
	})
}

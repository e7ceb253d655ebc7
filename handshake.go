package wsev

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/sevenick/wsev/internal"
)

const (
	headerConnection          = "Connection"
	headerUpgrade             = "Upgrade"
	headerSecWebSocketKey     = "Sec-WebSocket-Key"
	headerSecWebSocketVersion = "Sec-WebSocket-Version"
	headerSecWebSocketAccept  = "Sec-WebSocket-Accept"
)

const websocketVersion = "13"

// validateHandshake 校验升级请求, 通过后返回客户端密钥
// validates an upgrade request, returning the client key on success.
// ErrMalformedKey means the request was an upgrade attempt with a broken
// key and deserves a 400; ErrHandshake covers everything answered with 501.
func validateHandshake(h *httpHeader) (string, error) {
	if h.method != "GET" {
		return "", ErrHandshake
	}
	if !strings.EqualFold(h.Get(headerUpgrade), "websocket") {
		return "", ErrHandshake
	}
	if !internal.HttpHeaderContains(h.Get(headerConnection), "Upgrade") {
		return "", ErrHandshake
	}
	if h.Get(headerSecWebSocketVersion) != websocketVersion {
		return "", ErrHandshake
	}
	var key = h.Get(headerSecWebSocketKey)
	if key == "" {
		return "", ErrHandshake
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(raw) != 16 {
		return "", ErrMalformedKey
	}
	return key, nil
}

// responseWriter 组装握手响应
// assembles the handshake response
type responseWriter struct {
	b *bytes.Buffer
}

func (c *responseWriter) Init() *responseWriter {
	c.b = binaryPool.Get(512)
	c.b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	c.b.WriteString("Upgrade: websocket\r\n")
	c.b.WriteString("Connection: Upgrade\r\n")
	return c
}

func (c *responseWriter) Close() {
	binaryPool.Put(c.b)
	c.b = nil
}

func (c *responseWriter) WithHeader(k, v string) {
	c.b.WriteString(k)
	c.b.WriteString(": ")
	c.b.WriteString(v)
	c.b.WriteString("\r\n")
}

// Bytes 追加空行并返回完整响应
// appends the blank line and returns the full response
func (c *responseWriter) Bytes() []byte {
	c.b.WriteString("\r\n")
	return c.b.Bytes()
}

// acceptResponse 101响应. 密钥按原样参与摘要计算.
// the 101 response; the key is digested exactly as received
func acceptResponse(key string) *responseWriter {
	var rw = new(responseWriter).Init()
	rw.WithHeader(headerSecWebSocketAccept, internal.ComputeAcceptKey(key))
	return rw
}

// rejectResponse 非升级请求一律回复501, 沿用请求的协议版本, 不携带响应体
// non-upgrade requests get an empty-bodied 501 echoing the request version
func rejectResponse(h *httpHeader) []byte {
	var major, minor = h.major, h.minor
	if major == 0 {
		major, minor = 1, 1
	}
	return []byte(fmt.Sprintf("HTTP/%d.%d 501 Not Implemented\r\n\r\n", major, minor))
}

// badRequestResponse 畸形密钥或超限请求头的应答
// the answer for malformed keys and oversized heads
func badRequestResponse() []byte {
	return []byte("HTTP/1.1 400 Bad Request\r\n\r\n")
}

package wsev

import (
	"bytes"
	"strconv"
	"strings"
)

// 请求头终结符
// request head terminator
var headTerminator = []byte("\r\n\r\n")

// requestAccumulator 增量地缓冲HTTP请求, 直到读完完整的请求头
// buffers an HTTP request incrementally until the full head has been seen.
// The terminator may straddle feed boundaries, so the buffer is rescanned on
// every feed; heads are small and bounded so this stays cheap.
type requestAccumulator struct {
	buf      []byte
	headLen  int
	complete bool
	limit    int
}

func newRequestAccumulator(limit int) *requestAccumulator {
	return &requestAccumulator{limit: limit}
}

// feed 追加字节并扫描终结符
// appends bytes and scans for the head terminator
func (c *requestAccumulator) feed(p []byte) error {
	c.buf = append(c.buf, p...)
	if !c.complete {
		if idx := bytes.Index(c.buf, headTerminator); idx >= 0 {
			c.headLen = idx + len(headTerminator)
			c.complete = true
		}
	}
	if c.size() > c.limit {
		return ErrHeaderTooLarge
	}
	return nil
}

// 未读完时以整个缓冲区计算, 读完后只计头部
// while incomplete the whole buffer counts against the limit
func (c *requestAccumulator) size() int {
	if c.complete {
		return c.headLen
	}
	return len(c.buf)
}

func (c *requestAccumulator) isComplete() bool {
	return c.complete
}

// head 返回原始请求头, 包含终结符
// returns the raw head block, terminator included
func (c *requestAccumulator) head() []byte {
	return c.buf[:c.headLen]
}

// rest 返回请求头之后已经到达的字节
// returns bytes that arrived after the head, typically the first frames
func (c *requestAccumulator) rest() []byte {
	return c.buf[c.headLen:]
}

// httpHeader 解析后的请求头视图
// parsed view of a request head.
// Parsing is tolerant: a malformed request line leaves the later fields
// empty, callers must check the fields they need instead of trusting
// presence.
type httpHeader struct {
	method    string
	target    string
	protoName string
	major     int
	minor     int
	fields    map[string]string
}

// Get 按名称取字段值, 名称区分大小写
// field lookup; names are kept verbatim, no case folding
func (c *httpHeader) Get(name string) string {
	return c.fields[name]
}

func isLineSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\r' || r == '\n'
}

// parseRequestHead 解析请求行和字段行
// parses the request line and the field lines of a raw head
func parseRequestHead(head []byte) *httpHeader {
	var h = &httpHeader{fields: make(map[string]string)}
	var lines = strings.Split(string(head), "\n")
	if len(lines) == 0 {
		return h
	}

	var parts = strings.FieldsFunc(lines[0], isLineSpace)
	if len(parts) >= 1 {
		h.method = parts[0]
	}
	if len(parts) >= 2 {
		h.target = parts[1]
	}
	if len(parts) >= 3 {
		parseProtocol(h, parts[2])
	}

	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			continue
		}
		// 同名字段后者覆盖前者
		// repeated names: the last value wins
		name := line[:idx]
		value := strings.Trim(line[idx+1:], " \t")
		h.fields[name] = value
	}
	return h
}

// 形如 HTTP/1.1
// e.g. HTTP/1.1
func parseProtocol(h *httpHeader, s string) {
	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		h.protoName = s
		return
	}
	h.protoName = s[:slash]
	version := s[slash+1:]
	dot := strings.IndexByte(version, '.')
	if dot < 0 {
		return
	}
	major, err1 := strconv.Atoi(version[:dot])
	minor, err2 := strconv.Atoi(version[dot+1:])
	if err1 == nil && err2 == nil {
		h.major, h.minor = major, minor
	}
}

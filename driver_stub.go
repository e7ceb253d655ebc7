//go:build !linux

package wsev

// Driver 事件驱动模式仅在Linux上可用, 其它平台请使用Server
// the event loop driver is linux-only; use Server elsewhere
type Driver struct{}

func NewDriver(option *ServerOption) (*Driver, error) {
	return nil, ErrUnsupportedPlatform
}

func (c *Driver) Listen(host string, port int) error { return ErrUnsupportedPlatform }

func (c *Driver) Run() error { return ErrUnsupportedPlatform }

func (c *Driver) Shutdown() {}

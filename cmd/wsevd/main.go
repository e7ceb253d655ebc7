// wsevd 是一个独立的WebSocket回显服务器
// wsevd is a standalone websocket echo daemon.
//
//	wsevd [-p PORT] [-h HOST]
//
// Flag values may follow the flag as the next argument or be
// concatenated to it (-p8080).
package main

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sevenick/wsev"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 80
)

type echoHandler struct {
	wsev.BuiltinEventHandler
}

func (c *echoHandler) OnMessage(socket *wsev.Conn, message *wsev.Message) {
	defer message.Close()
	_ = socket.WriteMessage(message.Opcode, message.Bytes())
}

func main() {
	host, port, ok := parseArgs(os.Args)
	if !ok {
		return
	}

	var option = &wsev.ServerOption{Event: new(echoHandler)}

	driver, err := wsev.NewDriver(option)
	if errors.Is(err, wsev.ErrUnsupportedPlatform) {
		runPortable(option, host, port)
		return
	}
	if err = driver.Listen(host, port); err != nil {
		log.Println(err)
		os.Exit(1)
	}
	onSignal(driver.Shutdown)
	if err = driver.Run(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

// 事件驱动模式不可用时的回退路径
// the fallback path when the event driver is unavailable
func runPortable(option *wsev.ServerOption, host string, port int) {
	var server = wsev.NewServer(option)
	onSignal(func() { _ = server.Shutdown() })
	var addr = net.JoinHostPort(host, strconv.Itoa(port))
	if err := server.Run(addr); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func onSignal(stop func()) {
	var ch = make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		stop()
	}()
}

// parseArgs 解析命令行参数
// 选项值可以作为下一个参数, 也可以直接拼接在选项后面;
// 未知选项打印用法并退出
// parses the command line. A value may be the next argument or
// concatenated to the flag; unknown flags print the usage and bail.
func parseArgs(args []string) (host string, port int, ok bool) {
	host, port = defaultHost, defaultPort
	for i := 1; i < len(args); i++ {
		var arg = args[i]
		if len(arg) < 2 || arg[0] != '-' {
			continue
		}

		var value string
		if len(arg) > 2 {
			value = arg[2:]
		} else if i+1 < len(args) {
			i++
			value = args[i]
		}

		switch arg[1] {
		case 'p':
			port, _ = strconv.Atoi(value)
		case 'h':
			host = value
		default:
			fmt.Printf("Usage: %s [-p PORT] [-h HOST]\n\n", args[0])
			return "", 0, false
		}
	}
	return host, port, true
}

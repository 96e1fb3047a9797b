package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/donkomura/tcprs/pkg/ipv4"
	"github.com/donkomura/tcprs/pkg/logging"
	"github.com/google/subcommands"
)

// connectCommand dials a remote endpoint and pipes stdin/stdout over the
// connection, netcat style.
type connectCommand struct {
	configPath string
	addr       string
	port       uint
	timeout    time.Duration
}

func (c *connectCommand) Name() string {
	return "connect"
}

func (c *connectCommand) Synopsis() string {
	return "open a connection and relay stdin/stdout"
}

func (c *connectCommand) Usage() string {
	return `tcprs connect -addr <ipv4> -port <port> [-config <file>]:
	dial the remote endpoint, send stdin, and print received data to stdout
`
}

func (c *connectCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a yaml or json config file")
	f.StringVar(&c.addr, "addr", "", "remote IPv4 address")
	f.UintVar(&c.port, "port", 0, "remote port")
	f.DurationVar(&c.timeout, "timeout", 30*time.Second, "handshake timeout")
}

func (c *connectCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	addr, err := ipv4.ParseAddress(c.addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tcprs: %v\n", err)
		return subcommands.ExitUsageError
	}
	if c.port == 0 || c.port > 0xffff {
		fmt.Fprintf(os.Stderr, "tcprs: invalid port %d\n", c.port)
		return subcommands.ExitUsageError
	}

	eng, err := buildEngine(c.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tcprs: %v\n", err)
		return subcommands.ExitFailure
	}
	defer eng.Stop()

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := eng.Dial(dialCtx, addr, uint16(c.port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "tcprs: dial %s:%d: %v\n", c.addr, c.port, err)
		return subcommands.ExitFailure
	}
	logging.Infof("connected to %s:%d", c.addr, c.port)

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				conn.Close()
				return
			}
		}
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "tcprs: %v\n", err)
				return subcommands.ExitFailure
			}
			return subcommands.ExitSuccess
		}
	}
}

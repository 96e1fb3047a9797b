package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/donkomura/tcprs/pkg/logging"
	"github.com/donkomura/tcprs/pkg/tcp"
	"github.com/google/subcommands"
)

// serveCommand runs an echo server on a listening port.
type serveCommand struct {
	configPath      string
	port            uint
	metricsInterval string
}

func (s *serveCommand) Name() string {
	return "serve"
}

func (s *serveCommand) Synopsis() string {
	return "accept connections and echo received data"
}

func (s *serveCommand) Usage() string {
	return `tcprs serve -port <port> [-config <file>]:
	listen on the given port and echo every received byte back to the peer
`
}

func (s *serveCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.configPath, "config", "", "path to a yaml or json config file")
	f.UintVar(&s.port, "port", 8080, "port to listen on")
	f.StringVar(&s.metricsInterval, "metrics", "", "metrics dump interval (e.g. 30s), empty disables")
}

func (s *serveCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	eng, err := buildEngine(s.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tcprs: %v\n", err)
		return subcommands.ExitFailure
	}
	defer eng.Stop()

	l, err := eng.Listen(uint16(s.port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "tcprs: %v\n", err)
		return subcommands.ExitFailure
	}
	logging.Infof("listening on port %d", s.port)

	if s.metricsInterval != "" {
		go runMetricsReporter(eng, s.metricsInterval)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		l.Close()
		eng.Stop()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			return subcommands.ExitSuccess
		}
		go echo(conn)
	}
}

func echo(conn *tcp.Conn) {
	defer conn.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				logging.Warnf("echo write: %v", werr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				logging.Warnf("echo read: %v", err)
			}
			return
		}
	}
}

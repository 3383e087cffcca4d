// Package natsutil runs an embedded NATS server that the provider can publish
// its events to.
package natsutil

import (
	"fmt"
	"net"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

type ServerOption func(*serverOption)

type serverOption struct {
	FindAvailablePort bool
	Host              string
	Port              int

	ConfigureLogger bool
}

var serverOptionDefaults = serverOption{
	FindAvailablePort: false,
	Host:              "127.0.0.1",
	Port:              4222,
}

func WithFindAvailablePort(enabled bool) ServerOption {
	return func(so *serverOption) {
		so.FindAvailablePort = enabled
	}
}

func WithHost(host string) ServerOption {
	return func(so *serverOption) {
		so.Host = host
	}
}

func WithPort(port int) ServerOption {
	return func(so *serverOption) {
		so.Port = port
	}
}

func WithConfigureLogger(logger bool) ServerOption {
	return func(so *serverOption) {
		so.ConfigureLogger = logger
	}
}

func NewServer(opts ...ServerOption) (Server, error) {
	sOpt := serverOptionDefaults
	for _, opt := range opts {
		opt(&sOpt)
	}
	if sOpt.FindAvailablePort {
		port, err := findAvailablePort()
		if err != nil {
			return Server{}, fmt.Errorf("finding available port: %w", err)
		}
		sOpt.Port = port
	}

	nsOpts := &server.Options{
		Host: sOpt.Host,
		Port: sOpt.Port,
		// Make sure NATS is not using its own signal handler as it
		// interferes with any signal handling that we do.
		NoSigs: true,
		NoLog:  !sOpt.ConfigureLogger,
	}
	ns, err := server.NewServer(nsOpts)
	if err != nil {
		return Server{}, fmt.Errorf("new server: %w", err)
	}
	if sOpt.ConfigureLogger {
		ns.ConfigureLogger()
	}

	return Server{
		NS: ns,
	}, nil
}

type Server struct {
	NS *server.Server
}

func (s Server) StartUntilReady() error {
	timeout := 4 * time.Second
	s.NS.Start()
	if !s.NS.ReadyForConnections(timeout) {
		return fmt.Errorf("server not ready after %s", timeout.String())
	}
	return nil
}

// ClientURL is the URL clients connect to.
func (s Server) ClientURL() string {
	return s.NS.ClientURL()
}

// Conn opens a new client connection to the server.
func (s Server) Conn() (*nats.Conn, error) {
	nc, err := nats.Connect(s.NS.ClientURL())
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return nc, nil
}

// Shutdown stops the server and waits for it to exit.
func (s Server) Shutdown() {
	s.NS.Shutdown()
	s.NS.WaitForShutdown()
}

func findAvailablePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return -1, fmt.Errorf("listen: %w", err)
	}
	l.Close()

	return l.Addr().(*net.TCPAddr).Port, nil
}

package server

import (
	"context"
	"fmt"

	"github.com/DominicWuest/cilocal/pkg/cilocal"
)

type ServerType int

const (
	HTTP ServerType = iota
)

// A Server publishes the state of every descriptor of a run while it progresses
type Server interface {
	cilocal.Reporter

	// Port returns the port the server is listening on
	Port() int
	// Shutdown stops the server, waiting for in-flight requests until ctx is done
	Shutdown(ctx context.Context) error
}

// NewServer starts a server of serverType on localhost. A port of 0 picks any free port.
func NewServer(serverType ServerType, port int) (Server, error) {
	switch serverType {
	case HTTP:
		server := newHTTPServer()
		return server, server.Init(port)
	}
	return nil, fmt.Errorf("%d is not a valid server type", serverType)
}

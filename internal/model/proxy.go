// Package model defines shared types for the proxy.
package model

import (
	"net"
	"strings"
)

// DefaultPort is used when the request target names no port.
const DefaultPort = "80"

// IncomingRequest is the parsed request line of a client request.
type IncomingRequest struct {
	Method  string
	Target  string
	Version string
}

// ResolvedTarget is the origin server and path a request is forwarded to.
// Path may be empty; OutboundRequest renders it as "/".
type ResolvedTarget struct {
	Hostname string
	Port     string
	Path     string
}

// Addr returns the origin address as host:port.
func (t ResolvedTarget) Addr() string {
	return net.JoinHostPort(t.Hostname, t.Port)
}

// OutboundRequest is the request the proxy sends to the origin server.
type OutboundRequest struct {
	Target    ResolvedTarget
	UserAgent string
}

// Bytes renders the request line and the fixed proxy header block.
func (r *OutboundRequest) Bytes() []byte {
	path := r.Target.Path
	if path == "" {
		path = "/"
	}
	host := r.Target.Hostname
	if r.Target.Port != "" && r.Target.Port != DefaultPort {
		host = r.Target.Addr()
	}

	var b strings.Builder
	b.WriteString("GET ")
	b.WriteString(path)
	b.WriteString(" HTTP/1.0\r\n")
	b.WriteString("Host: ")
	b.WriteString(host)
	b.WriteString("\r\n")
	b.WriteString("User-Agent: ")
	b.WriteString(r.UserAgent)
	b.WriteString("\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("Proxy-Connection: close\r\n")
	b.WriteString("\r\n")
	return []byte(b.String())
}

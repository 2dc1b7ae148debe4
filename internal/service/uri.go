package service

import (
	"strings"

	"webproxy-go/internal/model"
)

const httpScheme = "http://"

// ResolveTarget splits a request target such as "http://host:port/path" into
// hostname, port and path. It never fails: malformed input yields whatever
// fields could be found, and bad hosts or ports surface later as dial errors.
//
// The scheme is optional. The path starts at the first "/" after it and is
// empty when there is none. The port follows the first ":" in the authority
// and defaults to "80".
func ResolveTarget(target string) model.ResolvedTarget {
	rest := target
	if len(rest) >= len(httpScheme) && strings.EqualFold(rest[:len(httpScheme)], httpScheme) {
		rest = rest[len(httpScheme):]
	}

	authority, path := rest, ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		authority, path = rest[:i], rest[i:]
	}

	host, port := authority, model.DefaultPort
	if i := strings.IndexByte(authority, ':'); i >= 0 {
		host, port = authority[:i], authority[i+1:]
	}

	return model.ResolvedTarget{Hostname: host, Port: port, Path: path}
}

// Package event keeps per-connection readiness interest in step with what
// an application registers against epoll and kqueue instances.
//
// A Specifier records one multiplexer instance's interest in one
// connection. Interest coming from either mechanism is normalized into the
// same Interest bitmap so callers can reason about a connection without
// caring which kernel API was used.
package event

import "fmt"

type Mechanism int

const (
	Epoll Mechanism = iota
	Kqueue
	Kqueue64
)

func (m Mechanism) String() string {
	switch m {
	case Epoll:
		return "epoll"
	case Kqueue:
		return "kqueue"
	case Kqueue64:
		return "kqueue64"
	default:
		return fmt.Sprintf("unknown mechanism: %d", int(m))
	}
}

func (m Mechanism) bsd() bool {
	return m == Kqueue || m == Kqueue64
}

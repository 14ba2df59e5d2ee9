package event

import (
	"errors"
	"fmt"
)

var (
	ErrNotPending        = errors.New("event specifier not marked for destruction")
	ErrNotAttached       = errors.New("event specifier not attached")
	ErrMechanismMismatch = errors.New("event specifier mechanism mismatch")
	ErrUnsupportedOp     = errors.New("unsupported multiplexer operation")
	ErrNoInterestChange  = errors.New("change record does not modify interest")
)

// Specifier is one multiplexer instance's registration on a connection.
type Specifier struct {
	MultiplexerFd int
	Mechanism     Mechanism
	// Identifier is what the kernel hands back to the application: the
	// epoll data word or the kevent ident.
	Identifier uint64
	Active     Interest
	Oneshot    Interest

	pending bool
}

func New(multiplexerFd int, mech Mechanism, id uint64, initial Interest) *Specifier {
	return &Specifier{
		MultiplexerFd: multiplexerFd,
		Mechanism:     mech,
		Identifier:    id,
		Active:        initial,
	}
}

func (s *Specifier) Pending() bool {
	return s.pending
}

func (s *Specifier) String() string {
	return fmt.Sprintf("%s fd: %d, id: %d, active: %s, oneshot: %s, pending: %t",
		s.Mechanism, s.MultiplexerFd, s.Identifier, s.Active, s.Oneshot, s.pending)
}

// settle marks a specifier without any interest pending.
func (s *Specifier) settle() {
	if s.Active == 0 && s.Oneshot == 0 {
		s.pending = true
	}
}

// Snapshot is the mutable part of a Specifier, kept so a change can be
// undone when the kernel refuses it.
type Snapshot struct {
	Identifier uint64
	Active     Interest
	Oneshot    Interest
	Pending    bool
}

func (s *Specifier) Snapshot() Snapshot {
	return Snapshot{Identifier: s.Identifier, Active: s.Active, Oneshot: s.Oneshot, Pending: s.pending}
}

func (s *Specifier) Restore(snap Snapshot) {
	s.Identifier = snap.Identifier
	s.Active = snap.Active
	s.Oneshot = snap.Oneshot
	s.pending = snap.Pending
}

// FilterState is the part of a Specifier owned by one kqueue filter.
type FilterState struct {
	Active  bool
	Oneshot bool
}

func (s *Specifier) FilterState(filter int16) FilterState {
	bit := FromFilter(filter)
	return FilterState{Active: s.Active&bit != 0, Oneshot: s.Oneshot&bit != 0}
}

// RestoreFilter puts one filter's bits back, leaving the other filters as
// they are. The specifier goes pending when no interest remains.
func (s *Specifier) RestoreFilter(filter int16, st FilterState) {
	bit := FromFilter(filter)
	if bit == 0 {
		return
	}
	s.Active &^= bit
	s.Oneshot &^= bit
	if st.Active {
		s.Active |= bit
	}
	if st.Oneshot {
		s.Oneshot |= bit
	}
	s.pending = false
	s.settle()
}

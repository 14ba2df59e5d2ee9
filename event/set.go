package event

import (
	"github.com/wiloon/w-fd-tunnel/utils/logger"
	"github.com/wiloon/w-fd-tunnel/utils/metrics"
)

// Set is the ordered collection of specifiers owned by one connection.
// It is guarded by the connection registry lock.
type Set struct {
	specs []*Specifier
}

func (s *Set) Attach(spec *Specifier) {
	s.specs = append(s.specs, spec)
	metrics.EventSpecifiers.Inc()
	logger.Debugf("[events] added evspec at %d: %s", len(s.specs)-1, spec)
}

func (s *Set) Len() int {
	return len(s.specs)
}

func (s *Set) Each(fn func(spec *Specifier)) {
	for _, spec := range s.specs {
		fn(spec)
	}
}

func (s *Set) Contains(spec *Specifier) bool {
	return s.index(spec) >= 0
}

func (s *Set) FindByIdentifier(id uint64) *Specifier {
	for _, spec := range s.specs {
		if spec.Identifier == id {
			return spec
		}
	}
	return nil
}

func (s *Set) FindByMultiplexer(fd int) *Specifier {
	for _, spec := range s.specs {
		if spec.MultiplexerFd == fd {
			return spec
		}
	}
	return nil
}

func (s *Set) index(spec *Specifier) int {
	for i, cur := range s.specs {
		if cur == spec {
			return i
		}
	}
	return -1
}

// Destroy unlinks a pending specifier. Anything not pending is refused so a
// bookkeeping bug elsewhere cannot drop live interest.
func (s *Set) Destroy(spec *Specifier) error {
	if spec == nil {
		return ErrNotAttached
	}
	if !spec.pending {
		logger.Debugf("[events] evspec not marked for destroy: %s", spec)
		return ErrNotPending
	}
	i := s.index(spec)
	if i < 0 {
		logger.Debugf("[events] destroy requested for evspec not in list: %s", spec)
		return ErrNotAttached
	}
	copy(s.specs[i:], s.specs[i+1:])
	s.specs[len(s.specs)-1] = nil
	s.specs = s.specs[:len(s.specs)-1]
	metrics.EventSpecifiers.Dec()
	logger.Debugf("[events] destroyed evspec: %s", spec)
	return nil
}

// Detach removes a specifier regardless of its state. Only rollback of a
// specifier created by the same call uses it.
func (s *Set) Detach(spec *Specifier) bool {
	spec.pending = true
	return s.Destroy(spec) == nil
}

// DestroyAll marks every specifier pending and destroys it, returning how
// many were released.
func (s *Set) DestroyAll() int {
	n := 0
	for len(s.specs) > 0 {
		spec := s.specs[0]
		spec.pending = true
		if err := s.Destroy(spec); err != nil {
			break
		}
		n++
	}
	return n
}

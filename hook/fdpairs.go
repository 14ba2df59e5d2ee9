package hook

import (
	"golang.org/x/sys/unix"

	"github.com/wiloon/w-fd-tunnel/utils/logger"
	"github.com/wiloon/w-fd-tunnel/utils/metrics"
)

// fdPair remembers one substitution made by a multiplexing call so the
// result can be rewritten back to the app fd. slot is the position in the
// caller's array for poll and kevent; select leaves it unused.
type fdPair struct {
	tunnel int
	app    int
	slot   int
}

// fdPairs lives for the duration of one call and is never shared.
type fdPairs []fdPair

func (i *Interceptor) newPairs(call string, n int) (fdPairs, error) {
	if n > i.maxPairs {
		logger.Errorf("[%s] %d substitutions requested, limit is %d", call, n, i.maxPairs)
		metrics.Exhausted.WithLabelValues(call).Inc()
		return nil, unix.ENOMEM
	}
	return make(fdPairs, 0, n), nil
}

func (p fdPairs) appFor(tunnel int) (int, bool) {
	for _, pair := range p {
		if pair.tunnel == tunnel {
			return pair.app, true
		}
	}
	return 0, false
}

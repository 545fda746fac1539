package proxy

import (
	"sync"
	"sync/atomic"

	"github.com/wudi/svcgate/internal/gateway"
)

// generation is a gateway plus the count of requests still using it. Once
// retired and unused its drained channel is closed.
type generation struct {
	gw      *gateway.Gateway
	refs    atomic.Int64
	retired atomic.Bool
	once    sync.Once
	drained chan struct{}
}

func newGeneration(gw *gateway.Gateway) *generation {
	return &generation{gw: gw, drained: make(chan struct{})}
}

func (g *generation) release() {
	if g.refs.Add(-1) == 0 && g.retired.Load() {
		g.once.Do(func() { close(g.drained) })
	}
}

func (g *generation) retire() {
	g.retired.Store(true)
	if g.refs.Load() == 0 {
		g.once.Do(func() { close(g.drained) })
	}
}

// acquire pins the current generation for one request.
func (e *Engine) acquire() *generation {
	for {
		g := e.cur.Load()
		g.refs.Add(1)
		if e.cur.Load() == g {
			return g
		}
		g.release()
	}
}

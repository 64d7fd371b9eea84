package extractor

import (
	"context"
	"sync"
)

// Pool caps concurrent browser sessions. Browser launches are the scarce
// resource here; excess extraction requests queue on Acquire instead of
// spawning unbounded instances.
type Pool struct {
	sem     chan struct{}
	factory SessionFactory
}

// NewPool creates a pool admitting at most size concurrent sessions.
func NewPool(size int, factory SessionFactory) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		sem:     make(chan struct{}, size),
		factory: factory,
	}
}

// Acquire blocks until a slot frees up (or ctx is done), then creates a
// fresh session. The returned release func closes the session and frees the
// slot; it is idempotent and must be called on every exit path.
func (p *Pool) Acquire(ctx context.Context) (BrowserSession, func(), error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	sess, err := p.factory(ctx)
	if err != nil {
		<-p.sem
		return nil, nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			_ = sess.Close()
			<-p.sem
		})
	}
	return sess, release, nil
}

// InUse reports how many slots are currently held.
func (p *Pool) InUse() int { return len(p.sem) }

// Size reports the pool capacity.
func (p *Pool) Size() int { return cap(p.sem) }

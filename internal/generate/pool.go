package generate

import (
	"context"
	"sync"
	"time"

	"github.com/sakif/qaplanet/internal/apperror"
	"go.uber.org/zap"
)

// Pool caps how many answers are streamed from the provider at once. Each
// open stream holds one slot until it is closed. A caller that cannot get a
// slot within the wait time is turned away with a rate-limit error.
type Pool struct {
	gen    Generator
	slots  chan struct{}
	wait   time.Duration
	logger *zap.Logger
}

// compile-time check
var _ Generator = (*Pool)(nil)

// NewPool wraps gen. size below 1 is treated as 1.
func NewPool(gen Generator, size int, wait time.Duration, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	slots := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		slots <- struct{}{}
	}
	return &Pool{gen: gen, slots: slots, wait: wait, logger: logger.Named("pool")}
}

// Available reports the number of free slots.
func (p *Pool) Available() int {
	return len(p.slots)
}

func (p *Pool) Generate(ctx context.Context, prompt string) (Stream, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}

	s, err := p.gen.Generate(ctx, prompt)
	if err != nil {
		p.release()
		return nil, err
	}
	return &pooledStream{Stream: s, release: p.release}, nil
}

// acquire blocks until a slot is free, ctx is done or the wait runs out.
func (p *Pool) acquire(ctx context.Context) error {
	select {
	case <-p.slots:
		return nil
	default:
	}

	timer := time.NewTimer(p.wait)
	defer timer.Stop()

	select {
	case <-p.slots:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		p.logger.Warn("all generation slots busy", zap.Int("size", cap(p.slots)))
		return apperror.RateLimited(5 * time.Second)
	}
}

func (p *Pool) release() {
	p.slots <- struct{}{}
}

// pooledStream gives its slot back exactly once, on the first Close.
type pooledStream struct {
	Stream
	once    sync.Once
	release func()
}

func (s *pooledStream) Close() error {
	err := s.Stream.Close()
	s.once.Do(s.release)
	return err
}

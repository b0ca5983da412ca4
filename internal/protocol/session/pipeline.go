package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/rmbridge/internal/channel"
	"github.com/juju/worker/v4"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"
)

var _ worker.Worker = (*pipeline)(nil)

// pipeline is the listener/worker pair for one registered endpoint. The
// listener only receives and enqueues; the worker drains the queue in batches
// and dispatches frames in arrival order.
type pipeline struct {
	tomb     tomb.Tomb
	ep       channel.Endpoint
	dispatch func(ctx context.Context, raw []byte)
	onDead   func(*pipeline, error)
	maxErrs  int
	log      zerolog.Logger

	mu    sync.Mutex
	queue [][]byte
	kick  chan struct{}
}

func newPipeline(
	ep channel.Endpoint,
	maxErrs int,
	dispatch func(context.Context, []byte),
	onDead func(*pipeline, error),
	log zerolog.Logger,
) *pipeline {
	return &pipeline{
		ep:       ep,
		dispatch: dispatch,
		onDead:   onDead,
		maxErrs:  maxErrs,
		log:      log,
		kick:     make(chan struct{}, 1),
	}
}

func (p *pipeline) start() {
	p.tomb.Go(p.listen)
	p.tomb.Go(p.work)
}

func (p *pipeline) Kill() { p.tomb.Kill(nil) }

func (p *pipeline) Wait() error { return p.tomb.Wait() }

func (p *pipeline) listen() error {
	ctx := p.tomb.Context(context.Background())
	failures := 0
	for {
		raw, err := p.ep.Recv(ctx)
		if err != nil {
			select {
			case <-p.tomb.Dying():
				return nil
			default:
			}
			failures++
			p.log.Warn().Err(err).Int("consecutive", failures).Msg("receive failed")
			if failures < p.maxErrs {
				continue
			}
			dead := fmt.Errorf("%w: %d consecutive receive failures: %w", ErrChannelDead, failures, err)
			p.onDead(p, dead)
			return dead
		}
		failures = 0
		p.enqueue(raw)
	}
}

func (p *pipeline) enqueue(raw []byte) {
	p.mu.Lock()
	p.queue = append(p.queue, raw)
	p.mu.Unlock()
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// swap takes the whole queue; later arrivals start a fresh batch.
func (p *pipeline) swap() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.queue
	p.queue = nil
	return batch
}

func (p *pipeline) work() error {
	ctx := p.tomb.Context(context.Background())
	for {
		select {
		case <-p.tomb.Dying():
			return tomb.ErrDying
		case <-p.kick:
		}
		batch := p.swap()
		if len(batch) > 1 {
			p.log.Trace().Int("frames", len(batch)).Msg("dispatch batch")
		}
		for _, raw := range batch {
			p.dispatch(ctx, raw)
		}
	}
}

// stopped reports whether err is the ordinary result of Kill, or of the
// pipeline having already given up on its endpoint.
func stopped(err error) bool {
	return err == nil ||
		errors.Is(err, tomb.ErrDying) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrChannelDead)
}

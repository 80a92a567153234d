package stream

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/compose-network/recordtap/x/record"
)

const (
	stageChunks   = "chunks"
	stagePayloads = "payloads"
)

// Pipeline is the staged Session: a message stage frames queued chunks and a
// payload stage dispatches queued payloads, each in its own goroutine. Both
// queues are unbounded, so a slow exporter grows memory; queue_depth exposes it.
type Pipeline struct {
	cfg        Config
	chunks     *Queue[[]byte]
	payloads   *Queue[Payload]
	framer     *Framer
	dispatcher *Dispatcher
	log        zerolog.Logger
	metrics    *Metrics
	done       chan struct{}
}

var _ Session = (*Pipeline)(nil)

// NewPipeline starts both stages; they stop when ctx is canceled or after Close
// has drained the queues.
func NewPipeline(ctx context.Context, registry record.Registry, cfg Config, log zerolog.Logger, m *Metrics) *Pipeline {
	if m == nil {
		m = NewMetrics(nil)
	}

	p := &Pipeline{
		cfg:      cfg,
		chunks:   NewQueue[[]byte](),
		payloads: NewQueue[Payload](),
		log:      log.With().Str("component", "pipeline").Logger(),
		metrics:  m,
		done:     make(chan struct{}),
	}
	p.dispatcher = NewDispatcher(registry, log, m)
	p.framer = NewFramer(ConsumerFunc(p.enqueuePayload), cfg.HeaderUnderflow, log, m)

	go p.runMessages(ctx)
	go p.runPayloads(ctx)

	return p
}

// Submit queues a copy of chunk; it never waits for decoding.
func (p *Pipeline) Submit(_ context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)

	depth := p.metrics.QueueDepth.WithLabelValues(stageChunks)
	depth.Inc()
	if err := p.chunks.Push(c); err != nil {
		depth.Dec()
		return ErrSessionClosed
	}
	return nil
}

// Close stops intake, lets both stages drain and waits for teardown of the
// pending record.
func (p *Pipeline) Close(ctx context.Context) error {
	p.chunks.Close()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) enqueuePayload(_ context.Context, pl Payload) {
	depth := p.metrics.QueueDepth.WithLabelValues(stagePayloads)
	depth.Inc()
	if err := p.payloads.Push(pl); err != nil {
		depth.Dec()
		p.log.Warn().Err(err).Uint16("payload_type", pl.Type).Msg("Payload dropped")
	}
}

func (p *Pipeline) runMessages(ctx context.Context) {
	depth := p.metrics.QueueDepth.WithLabelValues(stageChunks)
	defer func() {
		p.chunks.Close()
		depth.Sub(float64(p.chunks.Len()))
		p.framer.Reset()
		p.payloads.Close()
	}()

	for {
		chunk, err := p.chunks.Pop(ctx)
		if err != nil {
			return
		}
		depth.Dec()
		p.framer.Submit(ctx, chunk)
	}
}

func (p *Pipeline) runPayloads(ctx context.Context) {
	depth := p.metrics.QueueDepth.WithLabelValues(stagePayloads)
	defer close(p.done)

	for {
		pl, err := p.payloads.Pop(ctx)
		if err != nil {
			break
		}
		depth.Dec()
		p.dispatcher.Accept(ctx, pl)
	}

	// ctx may be canceled; the teardown export must still be allowed to run.
	p.dispatcher.Close(context.WithoutCancel(ctx), p.cfg.FlushOnClose)
}

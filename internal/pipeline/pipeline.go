package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gotnull/meshsync/internal/codec"
	"github.com/gotnull/meshsync/internal/mqtt"
	"github.com/gotnull/meshsync/internal/observability"
)

// Client abstracts the MQTT client behaviour required by the pipeline.
type Client interface {
	Start(ctx context.Context) error
	Stop()
	Messages() <-chan mqtt.Message
	Errors() <-chan error
}

// Handler consumes decoded packets.
type Handler interface {
	Handle(ctx context.Context, pkt codec.Packet) error
}

// Pipeline wires the MQTT client with the decoder and the packet handler.
type Pipeline struct {
	client  Client
	decoder codec.Decoder
	handler Handler
	logger  *slog.Logger
	metrics *observability.Metrics
	errCh   chan error
	wg      sync.WaitGroup
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Pipeline) {
		if metrics != nil {
			p.metrics = metrics
		}
	}
}

// New creates a pipeline instance.
func New(client Client, decoder codec.Decoder, handler Handler, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:  client,
		decoder: decoder,
		handler: handler,
		logger:  slog.Default(),
		errCh:   make(chan error, 32),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Errors exposes asynchronous processing errors.
func (p *Pipeline) Errors() <-chan error {
	return p.errCh
}

// Run starts the pipeline and blocks until the context is cancelled or the client stops.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.client == nil {
		return fmt.Errorf("pipeline: client is nil")
	}
	if p.decoder == nil {
		return fmt.Errorf("pipeline: decoder is nil")
	}
	if p.handler == nil {
		return fmt.Errorf("pipeline: handler is nil")
	}

	if err := p.client.Start(ctx); err != nil {
		return fmt.Errorf("pipeline: start client: %w", err)
	}

	p.wg.Add(2)
	go p.consume(ctx)
	go p.forwardClientErrors(ctx)

	<-ctx.Done()
	p.client.Stop()
	p.wg.Wait()
	close(p.errCh)

	return nil
}

func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.client.Messages():
			if !ok {
				return
			}
			p.metrics.IncMessagesReceived()
			pkt, err := p.decoder.Decode(ctx, msg)
			if err != nil {
				if errors.Is(err, codec.ErrUnsupportedTopic) {
					continue
				}
				if errors.Is(err, codec.ErrEnvelopeTooLarge) {
					p.metrics.IncDroppedMessages()
				} else {
					p.metrics.IncDecodeErrors()
				}
				p.publishErr(fmt.Errorf("pipeline: decode: %w", err))
				continue
			}
			if err := p.handler.Handle(ctx, pkt); err != nil {
				p.metrics.IncPipelineErrors()
				p.publishErr(fmt.Errorf("pipeline: handle: %w", err))
			}
		}
	}
}

func (p *Pipeline) forwardClientErrors(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-p.client.Errors():
			if !ok {
				return
			}
			p.publishErr(fmt.Errorf("pipeline: mqtt: %w", err))
		}
	}
}

func (p *Pipeline) publishErr(err error) {
	if err == nil {
		return
	}
	select {
	case p.errCh <- err:
	default:
		p.logger.Warn("pipeline error dropped", slog.Any("error", err))
	}
}

package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emperorhan/counterwatch/internal/domain/model"
	"github.com/emperorhan/counterwatch/internal/metrics"
	"github.com/emperorhan/counterwatch/internal/reconciler"
	redisstore "github.com/emperorhan/counterwatch/internal/store/redis"
)

const (
	DefaultStreamNamespace   = "counterwatch"
	defaultPublishBufferSize = 1024
	publishTimeout           = 5 * time.Second
)

// Envelope is the JSON message written to the stream for every accepted event.
type Envelope struct {
	ID          string                `json:"id"`
	SessionID   string                `json:"session_id"`
	Kind        reconciler.UpdateKind `json:"kind"`
	Source      string                `json:"source"`
	Event       model.ChangeEvent     `json:"event"`
	PublishedAt time.Time             `json:"published_at"`
}

// Publisher fans reconciled events out to a MessageTransport. Reconciler
// notifications only enqueue; a single goroutine in Run does the writes so
// slow transports never block reconciler handlers. When the buffer is full
// the envelope is dropped and counted as a publish error.
type Publisher struct {
	transport redisstore.MessageTransport
	source    string
	stream    string
	sessionID string
	logger    *slog.Logger

	queue  chan Envelope
	cancel func()
	once   sync.Once
}

type PublisherOption func(*Publisher)

// WithStreamNamespace prefixes the stream name; the stream is <namespace>:<source>.
func WithStreamNamespace(ns string) PublisherOption {
	return func(p *Publisher) {
		if ns != "" {
			p.stream = StreamName(ns, p.source)
		}
	}
}

func WithPublishBuffer(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan Envelope, n)
		}
	}
}

// NewPublisher subscribes to rec immediately so no update between
// construction and Run is missed.
func NewPublisher(rec *reconciler.Reconciler, transport redisstore.MessageTransport, source string, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		transport: transport,
		source:    source,
		stream:    StreamName(DefaultStreamNamespace, source),
		sessionID: uuid.NewString(),
		queue:     make(chan Envelope, defaultPublishBufferSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logger.With("component", "publisher", "stream", p.stream, "session_id", p.sessionID)
	p.cancel = rec.Subscribe(p.onUpdate)
	return p
}

func (p *Publisher) SessionID() string { return p.sessionID }
func (p *Publisher) Stream() string    { return p.stream }

func (p *Publisher) onUpdate(u reconciler.Update) {
	if u.Kind != reconciler.UpdateHistorical && u.Kind != reconciler.UpdateLive {
		return
	}
	now := time.Now().UTC()
	for _, ev := range u.Added {
		env := Envelope{
			ID:          uuid.NewString(),
			SessionID:   p.sessionID,
			Kind:        u.Kind,
			Source:      p.source,
			Event:       ev,
			PublishedAt: now,
		}
		select {
		case p.queue <- env:
		default:
			metrics.StreamPublishErrors.WithLabelValues(p.transport.Backend()).Inc()
			p.logger.Warn("publish buffer full, dropping event", "tx_hash", ev.TransactionHash)
		}
	}
}

// Run drains the queue until ctx ends, then unsubscribes and flushes what is
// already buffered.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.stop()
	for {
		select {
		case <-ctx.Done():
			p.stop()
			p.flush()
			return nil
		case env := <-p.queue:
			p.publish(ctx, env)
		}
	}
}

func (p *Publisher) stop() {
	p.once.Do(p.cancel)
}

func (p *Publisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		select {
		case env := <-p.queue:
			p.publish(ctx, env)
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env Envelope) {
	backend := p.transport.Backend()
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := p.transport.PublishJSON(ctx, p.stream, env); err != nil {
		metrics.StreamPublishErrors.WithLabelValues(backend).Inc()
		p.logger.Warn("stream publish failed", "tx_hash", env.Event.TransactionHash, "error", err)
		return
	}
	metrics.StreamMessagesPublished.WithLabelValues(backend, string(env.Kind)).Inc()
}

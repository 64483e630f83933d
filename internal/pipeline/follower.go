package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emperorhan/counterwatch/internal/metrics"
	redisstore "github.com/emperorhan/counterwatch/internal/store/redis"
)

// StreamName returns the stream a Publisher for source writes to.
func StreamName(namespace, source string) string {
	if namespace == "" {
		namespace = DefaultStreamNamespace
	}
	return namespace + ":" + source
}

// Follower consumes envelopes from a published stream. Progress is stored as
// a checkpoint per (stream, consumer), so a restarted follower resumes after
// the last envelope it handled on that stream.
type Follower struct {
	transport  redisstore.MessageTransport
	stream     string
	checkpoint string
	logger     *slog.Logger
}

func NewFollower(transport redisstore.MessageTransport, stream, consumer string, logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{
		transport:  transport,
		stream:     stream,
		checkpoint: stream + ":" + consumer,
		logger:     logger.With("component", "follower", "stream", stream, "consumer", consumer),
	}
}

// CheckpointKey is the transport checkpoint this follower reads and writes.
func (f *Follower) CheckpointKey() string { return f.checkpoint }

// Run hands every envelope to fn in stream order and checkpoints it once fn
// returns nil. An error from fn stops Run without advancing the checkpoint.
// Undecodable entries are logged, counted and checkpointed past. Run returns
// nil when ctx ends.
func (f *Follower) Run(ctx context.Context, fn func(Envelope) error) error {
	lastID, err := f.transport.LoadStreamCheckpoint(ctx, f.checkpoint)
	if err != nil {
		return fmt.Errorf("load follower checkpoint: %w", err)
	}
	f.logger.Info("follower started", "after", lastID)
	backend := f.transport.Backend()

	for {
		var env Envelope
		id, err := f.transport.ReadJSON(ctx, f.stream, lastID, &env)
		var malformed *redisstore.MalformedMessageError
		switch {
		case errors.As(err, &malformed):
			f.logger.Warn("skipping undecodable envelope", "id", malformed.ID, "error", malformed.Err)
			metrics.StreamMessagesSkipped.WithLabelValues(backend).Inc()
			id = malformed.ID
		case err != nil:
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read stream %s: %w", f.stream, err)
		default:
			if err := fn(env); err != nil {
				return err
			}
			metrics.StreamMessagesConsumed.WithLabelValues(backend).Inc()
		}

		if err := f.transport.PersistStreamCheckpoint(ctx, f.checkpoint, id); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("persist follower checkpoint: %w", err)
		}
		lastID = id
	}
}

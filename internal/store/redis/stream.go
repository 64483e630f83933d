// Package redis carries reconciled change envelopes to other processes over
// Redis Streams, with an in-memory transport for single-process runs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// MessageTransport publishes and reads JSON messages on named streams and
// keeps per-consumer checkpoints.
type MessageTransport interface {
	PublishJSON(ctx context.Context, stream string, v any) (string, error)
	ReadJSON(ctx context.Context, stream, lastID string, dst any) (string, error)
	LoadStreamCheckpoint(ctx context.Context, key string) (string, error)
	PersistStreamCheckpoint(ctx context.Context, key, streamID string) error
	Backend() string
	Close() error
}

// MalformedMessageError is returned by ReadJSON for an entry whose payload
// cannot be decoded. ReadJSON also returns the entry's ID alongside it so a
// consumer can checkpoint past the entry.
type MalformedMessageError struct {
	Stream string
	ID     string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("stream %s message %s: %v", e.Stream, e.ID, e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// Stream is the Redis Streams transport.
type Stream struct {
	client    *redis.Client
	maxLen    int64
	readBlock time.Duration
}

var _ MessageTransport = (*Stream)(nil)

type StreamOption func(*Stream)

// WithMaxLen caps each stream approximately at n entries (XADD MAXLEN ~).
func WithMaxLen(n int64) StreamOption {
	return func(s *Stream) { s.maxLen = n }
}

func NewStream(url string, opts ...StreamOption) (*Stream, error) {
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(parsed)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewStreamFromClient(client, opts...), nil
}

// NewStreamFromClient wraps an existing client.
func NewStreamFromClient(client *redis.Client, opts ...StreamOption) *Stream {
	s := &Stream{client: client, readBlock: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stream) Backend() string { return "redis" }

func (s *Stream) PublishJSON(ctx context.Context, stream string, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal stream payload: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: string(body)},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// ReadJSON blocks until a message after lastID is available, decodes its
// payload into dst and returns the message ID. An undecodable payload yields
// the ID together with a *MalformedMessageError.
func (s *Stream) ReadJSON(ctx context.Context, stream, lastID string, dst any) (string, error) {
	if lastID == "" {
		lastID = "0"
	}
	for {
		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   1,
			Block:   s.readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		if err != nil {
			return "", fmt.Errorf("xread %s: %w", stream, err)
		}
		for _, st := range res {
			for _, msg := range st.Messages {
				payload, err := streamPayload(msg.Values[payloadField])
				if err != nil {
					return msg.ID, &MalformedMessageError{Stream: stream, ID: msg.ID, Err: err}
				}
				if err := json.Unmarshal(payload, dst); err != nil {
					return msg.ID, &MalformedMessageError{Stream: stream, ID: msg.ID, Err: fmt.Errorf("decode: %w", err)}
				}
				return msg.ID, nil
			}
		}
	}
}

func (s *Stream) LoadStreamCheckpoint(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	v, err := s.client.Get(ctx, checkpointKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	return v, nil
}

func (s *Stream) PersistStreamCheckpoint(ctx context.Context, key, streamID string) error {
	if key == "" {
		return nil
	}
	if err := validateStreamOffset(streamID); err != nil {
		return err
	}
	if err := s.client.Set(ctx, checkpointKey(key), streamID, 0).Err(); err != nil {
		return fmt.Errorf("persist checkpoint %s: %w", key, err)
	}
	return nil
}

func (s *Stream) Close() error {
	return s.client.Close()
}

func (s *Stream) Client() *redis.Client {
	return s.client
}

func checkpointKey(key string) string {
	return "counterwatch:checkpoint:" + key
}

// InMemoryStream is a process-local MessageTransport. IDs are sequential
// integers per stream.
type InMemoryStream struct {
	mu          sync.Mutex
	cond        *sync.Cond
	streams     map[string][][]byte
	checkpoints map[string]string
}

var _ MessageTransport = (*InMemoryStream)(nil)

func NewInMemoryStream() *InMemoryStream {
	s := &InMemoryStream{
		streams:     make(map[string][][]byte),
		checkpoints: make(map[string]string),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *InMemoryStream) Backend() string { return "memory" }

func (s *InMemoryStream) PublishJSON(_ context.Context, stream string, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal stream payload: %w", err)
	}
	s.mu.Lock()
	s.streams[stream] = append(s.streams[stream], body)
	id := strconv.Itoa(len(s.streams[stream]))
	s.mu.Unlock()
	s.cond.Broadcast()
	return id, nil
}

func (s *InMemoryStream) ReadJSON(ctx context.Context, stream, lastID string, dst any) (string, error) {
	offset, err := parseStreamOffset(lastID)
	if err != nil {
		return "", err
	}

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer stop()

	s.mu.Lock()
	for int64(len(s.streams[stream])) <= offset {
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			return "", err
		}
		s.cond.Wait()
	}
	payload := s.streams[stream][offset]
	s.mu.Unlock()

	id := strconv.FormatInt(offset+1, 10)
	if err := json.Unmarshal(payload, dst); err != nil {
		return id, &MalformedMessageError{Stream: stream, ID: id, Err: fmt.Errorf("decode: %w", err)}
	}
	return id, nil
}

func (s *InMemoryStream) LoadStreamCheckpoint(_ context.Context, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[key], nil
}

func (s *InMemoryStream) PersistStreamCheckpoint(_ context.Context, key, streamID string) error {
	if key == "" {
		return nil
	}
	if err := validateStreamOffset(streamID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[key] = streamID
	return nil
}

// Len returns the number of messages published on stream.
func (s *InMemoryStream) Len(stream string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[stream])
}

func (s *InMemoryStream) Close() error {
	s.mu.Lock()
	s.streams = make(map[string][][]byte)
	s.checkpoints = make(map[string]string)
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

// parseStreamOffset turns a stream ID ("", "42" or "42-0") into the number
// of messages already consumed. Negative values clamp to zero.
func parseStreamOffset(id string) (int64, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, nil
	}
	if ms, _, ok := strings.Cut(id, "-"); ok && ms != "" {
		id = ms
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stream offset %q: %w", id, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

func validateStreamOffset(id string) error {
	if id == "" {
		return nil
	}
	ms, seq, compound := strings.Cut(id, "-")
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return fmt.Errorf("invalid stream offset %q", id)
	}
	if compound {
		if _, err := strconv.ParseUint(seq, 10, 64); err != nil {
			return fmt.Errorf("invalid stream offset %q", id)
		}
	}
	return nil
}

func streamPayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	case fmt.Stringer:
		return []byte(p.String()), nil
	default:
		return nil, fmt.Errorf("stream payload of type %T not supported", v)
	}
}

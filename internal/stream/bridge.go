package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/promptlab/internal/configuration"
)

const (
	bridgeBuffer      = 1024
	publishTimeout    = 5 * time.Second
	connectionTimeout = 5 * time.Second
)

// envelope is the wire form of an event on the bridge.
type envelope struct {
	Kind  Kind            `json:"kind"`
	Event json.RawMessage `json:"event"`
}

// Encode serializes e with its kind so Decode can restore the variant.
func Encode(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: e.Kind(), Event: raw})
}

// Decode restores an event written by Encode.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	var (
		e   Event
		err error
	)
	switch env.Kind {
	case KindStatus:
		var v StatusEvent
		err = json.Unmarshal(env.Event, &v)
		e = v
	case KindToken:
		var v TokenEvent
		err = json.Unmarshal(env.Event, &v)
		e = v
	case KindMetrics:
		var v MetricsEvent
		err = json.Unmarshal(env.Event, &v)
		e = v
	case KindError:
		var v ErrorEvent
		err = json.Unmarshal(env.Event, &v)
		e = v
	case KindDone:
		var v DoneEvent
		err = json.Unmarshal(env.Event, &v)
		e = v
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", env.Kind, err)
	}
	return e, nil
}

// publisher is the subset of the go-redis client the forwarding side uses.
type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisBridge carries hub events between processes over Redis pub/sub.
// A worker process installs it as the hub's forwarder; the API process runs
// Relay to republish the events on its own hub.
type RedisBridge struct {
	client publisher
	prefix string
	logger *slog.Logger

	queue   chan Event
	stopped chan struct{}
	dropped atomic.Int64
}

// NewRedisBridge wraps an existing client. Channels are prefix + job id.
func NewRedisBridge(client publisher, prefix string, logger *slog.Logger) *RedisBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBridge{
		client:  client,
		prefix:  prefix,
		logger:  logger.With("component", "stream_bridge"),
		queue:   make(chan Event, bridgeBuffer),
		stopped: make(chan struct{}),
	}
}

// DialRedisBridge connects using cfg and verifies the connection.
func DialRedisBridge(ctx context.Context, cfg configuration.EventsConfig, logger *slog.Logger) (*RedisBridge, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis event bridge: %w", err)
	}
	return NewRedisBridge(client, cfg.ChannelPrefix, logger), client, nil
}

// Channel returns the pub/sub channel for jobID.
func (b *RedisBridge) Channel(jobID string) string { return b.prefix + jobID }

// Dropped returns the number of events discarded because the forward queue
// was full.
func (b *RedisBridge) Dropped() int64 { return b.dropped.Load() }

// Forward queues e for publication. It never blocks for intermediate events;
// a done event waits for room so subscribers always see the end of a job.
func (b *RedisBridge) Forward(e Event) {
	select {
	case b.queue <- e:
		return
	default:
	}
	if e.Kind() != KindDone {
		b.dropped.Add(1)
		b.logger.Warn("event bridge queue full, event dropped", "job_id", e.Meta().JobID, "kind", e.Kind())
		return
	}
	select {
	case b.queue <- e:
	case <-b.stopped:
	}
}

// Run publishes queued events in order until ctx ends.
func (b *RedisBridge) Run(ctx context.Context) {
	defer close(b.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.queue:
			b.publish(ctx, e)
		}
	}
}

func (b *RedisBridge) publish(ctx context.Context, e Event) {
	data, err := Encode(e)
	if err != nil {
		b.logger.Error("event encode failed", "job_id", e.Meta().JobID, "kind", e.Kind(), "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := b.client.Publish(pubCtx, b.Channel(e.Meta().JobID), data).Err(); err != nil {
		b.logger.Warn("event publish failed", "job_id", e.Meta().JobID, "kind", e.Kind(), "error", err)
	}
}

// Relay subscribes to every job channel and republishes the events on hub
// until ctx ends. onDone, when set, is called after a job's done event.
func (b *RedisBridge) Relay(ctx context.Context, client *redis.Client, hub *Hub, onDone func(jobID string)) error {
	sub := client.PSubscribe(ctx, b.prefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe event bridge: %w", err)
	}
	b.logger.Info("event bridge relaying", "pattern", b.prefix+"*")
	b.relay(ctx, sub.Channel(), hub, onDone)
	return nil
}

// relay republishes messages on hub until msgs closes or ctx ends.
func (b *RedisBridge) relay(ctx context.Context, msgs <-chan *redis.Message, hub *Hub, onDone func(jobID string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			jobID := strings.TrimPrefix(msg.Channel, b.prefix)
			e, err := Decode([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("event bridge message discarded", "channel", msg.Channel, "error", err)
				continue
			}
			hub.Publish(jobID, e)
			if e.Kind() == KindDone {
				hub.Forget(jobID)
				if onDone != nil {
					onDone(jobID)
				}
			}
		}
	}
}

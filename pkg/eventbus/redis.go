package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowforge/gateway/pkg/metrics"
)

const bridgeOutboundBuffer = 1024

// RedisBridge mirrors every locally published event onto Redis pub/sub and
// delivers events published by other gateway instances to local listeners.
// Events carry the publishing instance id so an instance never re-delivers
// its own events.
type RedisBridge struct {
	local    *Bus
	client   redis.UniversalClient
	prefix   string
	origin   string
	logger   *zap.Logger
	outbound chan Event
}

func NewRedisBridge(local *Bus, client redis.UniversalClient, prefix, origin string, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		local:    local,
		client:   client,
		prefix:   prefix,
		origin:   origin,
		logger:   logger.Named("redis_bridge"),
		outbound: make(chan Event, bridgeOutboundBuffer),
	}
}

// Publish delivers locally and queues the event for mirroring. Mirroring
// never blocks the publisher; when the queue is full the remote copy is
// dropped.
func (b *RedisBridge) Publish(channelID string, payload Payload) Event {
	event := b.local.Publish(channelID, payload)
	event.Origin = b.origin

	select {
	case b.outbound <- event:
	default:
		metrics.BusEventsDropped.WithLabelValues("bridge_queue_full").Inc()
	}
	return event
}

// Run forwards queued events to Redis and remote events to the local bus
// until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer sub.Close()

	remote := sub.Channel()
	b.logger.Info("redis bridge started", zap.String("prefix", b.prefix), zap.String("origin", b.origin))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event := <-b.outbound:
			b.mirror(ctx, event)

		case msg, ok := <-remote:
			if !ok {
				return nil
			}
			b.receive(msg)
		}
	}
}

func (b *RedisBridge) mirror(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to marshal event", zap.Error(err))
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.client.Publish(pubCtx, b.prefix+event.ChannelID, payload).Err(); err != nil {
		b.logger.Warn("failed to mirror event", zap.String("channel_id", event.ChannelID), zap.Error(err))
	}
}

func (b *RedisBridge) receive(msg *redis.Message) {
	event, err := DecodeEvent([]byte(msg.Payload))
	if err != nil {
		b.logger.Warn("discarding malformed remote event", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if event.Origin == b.origin {
		return
	}
	if want := strings.TrimPrefix(msg.Channel, b.prefix); want != event.ChannelID {
		b.logger.Warn("remote event channel mismatch", zap.String("channel", msg.Channel), zap.String("channel_id", event.ChannelID))
		return
	}
	b.local.Deliver(event)
}

var _ Publisher = (*RedisBridge)(nil)

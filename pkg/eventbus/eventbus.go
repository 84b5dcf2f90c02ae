package eventbus

import (
	"hash/maphash"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/gateway/pkg/metrics"
)

const defaultSubscriberBufferSize = 256

// Publisher is what the workflow controller and the stream relay need.
type Publisher interface {
	Publish(channelID string, payload Payload) Event
}

// Subscriber is what the streaming gateway needs.
type Subscriber interface {
	Subscribe(channelID string) *Subscription
	Unsubscribe(sub *Subscription)
}

type Config struct {
	SubscriberBufferSize int
}

const registryShards = 32

// Bus is an in-process fan-out registry keyed by channel id. Channels are
// spread over shards with their own locks, and publication to one channel is
// serialised by that channel's lock.
type Bus struct {
	shards  [registryShards]registryShard
	seed    maphash.Seed
	bufSize int
	closed  atomic.Bool
	logger  *zap.Logger
}

type registryShard struct {
	mu       sync.RWMutex
	channels map[string]*channel
}

type channel struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewBus(cfg Config, logger *zap.Logger) *Bus {
	bufSize := cfg.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = defaultSubscriberBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		seed:    maphash.MakeSeed(),
		bufSize: bufSize,
		logger:  logger.Named("eventbus"),
	}
	for i := range b.shards {
		b.shards[i].channels = make(map[string]*channel)
	}
	return b
}

func (b *Bus) shard(channelID string) *registryShard {
	return &b.shards[maphash.String(b.seed, channelID)%registryShards]
}

// Subscribe registers a listener that receives every event published on
// channelID after this call returns.
func (b *Bus) Subscribe(channelID string) *Subscription {
	sub := &Subscription{
		id:        uuid.NewString(),
		channelID: channelID,
		bus:       b,
		ch:        make(chan Event, b.bufSize),
		lagged:    make(chan struct{}, 1),
	}

	sh := b.shard(channelID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if b.closed.Load() {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}

	c, ok := sh.channels[channelID]
	if !ok {
		c = &channel{subs: make(map[string]*Subscription)}
		sh.channels[channelID] = c
	}
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()

	metrics.BusSubscribers.Inc()
	b.logger.Debug("subscriber added", zap.String("channel_id", channelID), zap.String("sub_id", sub.id))
	return sub
}

// Unsubscribe removes the listener and closes its event channel. Calling it
// more than once is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.bus != b {
		return
	}
	sub.once.Do(func() {
		sh := b.shard(sub.channelID)
		sh.mu.Lock()
		defer sh.mu.Unlock()

		c, ok := sh.channels[sub.channelID]
		if !ok {
			return
		}

		c.mu.Lock()
		if _, exists := c.subs[sub.id]; exists {
			delete(c.subs, sub.id)
			close(sub.ch)
			metrics.BusSubscribers.Dec()
		}
		empty := len(c.subs) == 0
		c.mu.Unlock()

		if empty {
			delete(sh.channels, sub.channelID)
		}
		b.logger.Debug("subscriber removed", zap.String("channel_id", sub.channelID), zap.String("sub_id", sub.id))
	})
}

// Publish stamps payload into an event and fans it out to the listeners
// currently registered on channelID.
func (b *Bus) Publish(channelID string, payload Payload) Event {
	event := NewEvent(channelID, payload)
	b.Deliver(event)
	return event
}

// Deliver fans out an already built event and returns the number of
// listeners that accepted it. Listeners whose buffer is full miss the event.
func (b *Bus) Deliver(event Event) int {
	metrics.BusEventsPublished.WithLabelValues(string(event.Type)).Inc()

	if b.closed.Load() {
		return 0
	}
	sh := b.shard(event.ChannelID)
	sh.mu.RLock()
	c, ok := sh.channels[event.ChannelID]
	sh.mu.RUnlock()

	if !ok {
		metrics.BusEventsDropped.WithLabelValues("no_listeners").Inc()
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delivered := 0
	for _, sub := range c.subs {
		select {
		case sub.ch <- event:
			delivered++
		default:
			sub.dropped.Add(1)
			select {
			case sub.lagged <- struct{}{}:
			default:
			}
			metrics.BusEventsDropped.WithLabelValues("slow_listener").Inc()
			b.logger.Warn("dropped event for slow subscriber",
				zap.String("channel_id", event.ChannelID),
				zap.String("sub_id", sub.id),
				zap.String("type", string(event.Type)))
		}
	}
	return delivered
}

// SubscriberCount returns the number of live listeners on channelID.
func (b *Bus) SubscriberCount(channelID string) int {
	sh := b.shard(channelID)
	sh.mu.RLock()
	c, ok := sh.channels[channelID]
	sh.mu.RUnlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// ChannelCount returns the number of channels with at least one listener.
func (b *Bus) ChannelCount() int {
	n := 0
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.RLock()
		n += len(sh.channels)
		sh.mu.RUnlock()
	}
	return n
}

// Close closes every subscription. Publishing after Close is a no-op.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		for channelID, c := range sh.channels {
			c.mu.Lock()
			for subID, sub := range c.subs {
				delete(c.subs, subID)
				close(sub.ch)
				metrics.BusSubscribers.Dec()
			}
			c.mu.Unlock()
			delete(sh.channels, channelID)
		}
		sh.mu.Unlock()
	}
	b.logger.Debug("bus closed")
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id        string
	channelID string
	bus       *Bus
	ch        chan Event
	lagged    chan struct{}
	dropped   atomic.Uint64
	once      sync.Once
}

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) ChannelID() string { return s.channelID }

// Events is closed once the subscription is removed.
func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Close() { s.bus.Unsubscribe(s) }

// Lagged receives a signal after the listener misses an event because its
// buffer was full. Signals since the last receive are coalesced.
func (s *Subscription) Lagged() <-chan struct{} { return s.lagged }

// Dropped returns the number of events the listener has missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)

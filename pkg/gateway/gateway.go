// Package gateway binds long-lived server-sent-event connections to bus
// channels: a snapshot first, then live events, heartbeats, and a final frame
// once every channel has reached a terminal state.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/gateway/pkg/eventbus"
	"github.com/flowforge/gateway/pkg/metrics"
	"github.com/flowforge/gateway/pkg/model"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultCloseGrace        = time.Second
)

var (
	ErrStreamingUnsupported = errors.New("response writer does not support flushing")
	ErrShuttingDown         = errors.New("gateway is shutting down")
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Frame is one named SSE event.
type Frame struct {
	Event string
	Data  any
}

// Source supplies the baseline of a channel and recognises its end.
type Source interface {
	// Snapshot returns the current state. A non-nil final frame means the
	// channel is already terminal.
	Snapshot(ctx context.Context) (data any, final *Frame, err error)
	// Terminal reports whether ev ends the channel. final is written after
	// ev; it is nil when ev itself is the final frame.
	Terminal(ev eventbus.Event) (final *Frame, terminal bool)
}

type Channel struct {
	ID     string
	Source Source
}

type Request struct {
	Channels []Channel
	// OnReady runs once every channel is subscribed and its snapshot sent.
	OnReady func(conn *Conn)
}

type Config struct {
	HeartbeatInterval time.Duration
	CloseGrace        time.Duration
}

// Gateway owns the table of open connections.
type Gateway struct {
	bus    eventbus.Subscriber
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

func New(bus eventbus.Subscriber, cfg Config, logger *zap.Logger) *Gateway {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = defaultCloseGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		bus:    bus,
		cfg:    cfg,
		logger: logger.Named("gateway"),
		conns:  make(map[string]*Conn),
	}
}

// Conn is one client connection.
type Conn struct {
	ID       string
	Channels []string

	state    atomic.Int32
	shutdown chan struct{}
	once     sync.Once
}

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

func (c *Conn) close() { c.once.Do(func() { close(c.shutdown) }) }

// ActiveConnections returns the number of connections not yet closed.
func (g *Gateway) ActiveConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown closes every open connection and refuses new ones.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	for _, conn := range g.conns {
		conn.close()
	}
}

func (g *Gateway) register(req Request) (*Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrShuttingDown
	}
	conn := &Conn{ID: uuid.NewString(), shutdown: make(chan struct{})}
	for _, ch := range req.Channels {
		conn.Channels = append(conn.Channels, ch.ID)
	}
	g.conns[conn.ID] = conn
	metrics.GatewayConnections.Inc()
	return conn, nil
}

func (g *Gateway) unregister(conn *Conn) {
	conn.setState(StateClosed)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.conns[conn.ID]; ok {
		delete(g.conns, conn.ID)
		metrics.GatewayConnections.Dec()
	}
}

// Serve streams req to w until the client goes away, every channel ends or
// the gateway shuts down. Errors returned before any byte is written leave
// the response untouched so the caller can still write a status.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, req Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	conn, err := g.register(req)
	if err != nil {
		return err
	}
	defer g.unregister(conn)

	logger := g.logger.With(zap.String("conn_id", conn.ID), zap.Strings("channels", conn.Channels))
	ctx := r.Context()
	out := &frameWriter{w: w, flusher: flusher}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	conn.setState(StateOpen)

	subs := make([]*eventbus.Subscription, 0, len(req.Channels))
	defer func() {
		for _, sub := range subs {
			g.bus.Unsubscribe(sub)
		}
	}()

	sources := make(map[string]Source, len(req.Channels))
	finals := make(map[string]*Frame, len(req.Channels))
	for _, ch := range req.Channels {
		// Subscribing before the snapshot means nothing published while
		// the snapshot is taken is lost.
		subs = append(subs, g.bus.Subscribe(ch.ID))
		sources[ch.ID] = ch.Source

		data, final, err := ch.Source.Snapshot(ctx)
		if err != nil {
			logger.Warn("snapshot failed", zap.String("channel_id", ch.ID), zap.Error(err))
			_ = out.frame("error", map[string]string{"channel_id": ch.ID, "error": err.Error()})
			return nil
		}
		if err := out.frame("connected", map[string]any{"channel_id": ch.ID, "connection_id": conn.ID, "snapshot": data}); err != nil {
			logger.Debug("client gone during snapshot", zap.Error(err))
			return nil
		}
		if final != nil {
			finals[ch.ID] = final
		}
	}

	conn.setState(StateStreaming)
	if req.OnReady != nil {
		req.OnReady(conn)
	}

	if len(req.Channels) > 0 && len(finals) == len(req.Channels) {
		g.finish(ctx, conn, out, finals, logger)
		return nil
	}

	stop := make(chan struct{})
	defer close(stop)
	incoming, lagged := fanIn(subs, stop)

	heartbeat := time.NewTicker(g.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	logger.Debug("connection streaming")
	for {
		select {
		case <-ctx.Done():
			logger.Debug("client disconnected", zap.Error(model.ErrConnectionLost))
			return nil

		case <-conn.shutdown:
			_ = out.frame("error", map[string]string{"error": ErrShuttingDown.Error()})
			return nil

		case <-heartbeat.C:
			if err := out.comment("heartbeat"); err != nil {
				logger.Debug("heartbeat failed", zap.Error(err))
				return nil
			}
			metrics.GatewayHeartbeats.Inc()

		case channelID := <-lagged:
			if _, done := finals[channelID]; done {
				continue
			}
			// Events were dropped, possibly the terminal one. A fresh
			// snapshot tells whether the channel has ended meanwhile.
			metrics.GatewayResyncs.Inc()
			logger.Warn("viewer lagging, resyncing", zap.String("channel_id", channelID))
			data, final, err := sources[channelID].Snapshot(ctx)
			if err != nil {
				logger.Warn("resync snapshot failed", zap.String("channel_id", channelID), zap.Error(err))
				_ = out.frame("error", map[string]string{"channel_id": channelID, "error": err.Error()})
				return nil
			}
			if final != nil {
				finals[channelID] = final
				if len(finals) == len(req.Channels) {
					g.finish(ctx, conn, out, finals, logger)
					return nil
				}
				continue
			}
			if err := out.frame("connected", map[string]any{"channel_id": channelID, "connection_id": conn.ID, "snapshot": data, "resync": true}); err != nil {
				logger.Debug("resync failed", zap.Error(err))
				return nil
			}

		case ev := <-incoming:
			if err := out.frame(ev.Type.Frame(), ev); err != nil {
				logger.Debug("forward failed", zap.Error(err))
				return nil
			}
			if _, done := finals[ev.ChannelID]; done {
				continue
			}
			if final, terminal := sources[ev.ChannelID].Terminal(ev); terminal {
				finals[ev.ChannelID] = final
				if len(finals) == len(req.Channels) {
					g.finish(ctx, conn, out, finals, logger)
					return nil
				}
			}
		}
	}
}

// finish writes the final frames and holds the connection open for the
// grace period so the client reads them before teardown.
func (g *Gateway) finish(ctx context.Context, conn *Conn, out *frameWriter, finals map[string]*Frame, logger *zap.Logger) {
	for channelID, final := range finals {
		if final == nil {
			continue
		}
		if err := out.frame(final.Event, final.Data); err != nil {
			logger.Debug("final frame failed", zap.String("channel_id", channelID), zap.Error(err))
			return
		}
	}

	grace := time.NewTimer(g.cfg.CloseGrace)
	defer grace.Stop()
	select {
	case <-grace.C:
	case <-ctx.Done():
	case <-conn.shutdown:
	}
	logger.Debug("connection finished")
}

// fanIn merges subscriptions into one event channel and one channel of
// lagging channel ids. The forwarding goroutines exit when stop closes or
// their subscription is removed.
func fanIn(subs []*eventbus.Subscription, stop <-chan struct{}) (<-chan eventbus.Event, <-chan string) {
	out := make(chan eventbus.Event)
	lagged := make(chan string)
	for _, sub := range subs {
		go func(sub *eventbus.Subscription) {
			events := sub.Events()
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-stop:
						return
					}
				case <-sub.Lagged():
					select {
					case lagged <- sub.ChannelID():
					case <-stop:
						return
					}
				case <-stop:
					return
				}
			}
		}(sub)
	}
	return out, lagged
}

// Package relay bridges one upstream token stream per conversational exchange
// into bus events and the persisted ai message.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/gateway/pkg/eventbus"
	"github.com/flowforge/gateway/pkg/metrics"
	"github.com/flowforge/gateway/pkg/model"
	"github.com/flowforge/gateway/pkg/store"
	"github.com/flowforge/gateway/pkg/upstream"
)

const (
	defaultTimeout      = 2 * time.Minute
	defaultHistoryLimit = 20
	saveTimeout         = 5 * time.Second

	DefaultFallbackMessage = "The assistant is temporarily unavailable. Please try again in a moment."
)

type Config struct {
	Timeout         time.Duration
	FallbackMessage string
	HistoryLimit    int
}

// Relay runs exchanges in the background on its own context, so a caller
// going away never stops an exchange. Only Cancel or Shutdown do.
type Relay struct {
	store     store.Store
	bus       eventbus.Publisher
	generator upstream.Generator
	cfg       Config
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[uuid.UUID]*Exchange
	closed bool
}

func New(st store.Store, bus eventbus.Publisher, generator upstream.Generator, cfg Config, logger *zap.Logger) *Relay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = DefaultFallbackMessage
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		store:     st,
		bus:       bus,
		generator: generator,
		cfg:       cfg,
		logger:    logger.Named("relay"),
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[uuid.UUID]*Exchange),
	}
}

// Prepare checks the session, persists the user message and allocates the id
// of the ai message. Nothing is published until Start.
func (r *Relay) Prepare(ctx context.Context, sessionID uuid.UUID, callerID, content string) (*Exchange, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", model.ErrInvalidSpec)
	}

	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != callerID {
		return nil, model.ErrForbidden
	}

	history, err := r.store.ListMessages(ctx, sessionID, r.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	userMessage := &model.StreamMessage{
		ID:        uuid.New(),
		SessionID: sessionID,
		Sender:    model.SenderUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.SaveMessage(ctx, userMessage, nil); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}

	exCtx, cancel := context.WithCancel(r.ctx)
	return &Exchange{
		relay:       r,
		ownerID:     callerID,
		SessionID:   sessionID,
		MessageID:   uuid.New(),
		UserMessage: userMessage,
		request: upstream.Request{
			SessionID: sessionID.String(),
			Prompt:    content,
			History:   toHistory(history),
		},
		ctx:    exCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// Send is Prepare followed by Start.
func (r *Relay) Send(ctx context.Context, sessionID uuid.UUID, callerID, content string) (*Exchange, error) {
	ex, err := r.Prepare(ctx, sessionID, callerID, content)
	if err != nil {
		return nil, err
	}
	if err := ex.Start(); err != nil {
		return nil, err
	}
	return ex, nil
}

// Cancel stops a running exchange. The partial content is persisted and an
// error event ends the message.
func (r *Relay) Cancel(sessionID, messageID uuid.UUID, callerID string) error {
	r.mu.Lock()
	ex, ok := r.active[messageID]
	r.mu.Unlock()

	if !ok || ex.SessionID != sessionID {
		return model.ErrNotFound
	}
	if ex.ownerID != callerID {
		return model.ErrForbidden
	}
	ex.stop(reasonCancelled)
	return nil
}

// Active returns the number of exchanges still consuming their stream.
func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Shutdown waits for running exchanges until ctx expires, then cancels the
// rest.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		for _, ex := range r.active {
			ex.stop(reasonShutdown)
		}
		r.mu.Unlock()
		<-done
		r.cancel()
		return ctx.Err()
	}
}

func (r *Relay) register(ex *Exchange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("relay is shutting down")
	}
	r.active[ex.MessageID] = ex
	r.wg.Add(1)
	return nil
}

func (r *Relay) unregister(ex *Exchange) {
	r.mu.Lock()
	delete(r.active, ex.MessageID)
	r.mu.Unlock()
	r.wg.Done()
}

// save persists with its own deadline so a cancelled exchange can still
// record its outcome.
func (r *Relay) save(message *model.StreamMessage, audit *model.AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	return r.store.SaveMessage(ctx, message, audit)
}

func toHistory(messages []model.StreamMessage) []upstream.Message {
	history := make([]upstream.Message, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Sender == model.SenderAI {
			role = "assistant"
		}
		history = append(history, upstream.Message{Role: role, Content: m.Content})
	}
	return history
}

func outcomeMetric(outcome string, started time.Time) {
	metrics.RelayOutcomes.WithLabelValues(outcome).Inc()
	metrics.RelayDuration.Observe(time.Since(started).Seconds())
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/gateway/pkg/eventbus"
	"github.com/flowforge/gateway/pkg/model"
	"github.com/flowforge/gateway/pkg/upstream"
)

type stopReason string

const (
	reasonCancelled stopReason = "cancelled"
	reasonShutdown  stopReason = "shutdown"
)

var ErrAlreadyStarted = errors.New("exchange already started")

// Exchange is one user message and the ai reply relayed for it.
type Exchange struct {
	relay   *Relay
	ownerID string

	SessionID   uuid.UUID
	MessageID   uuid.UUID
	UserMessage *model.StreamMessage

	request upstream.Request
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	done    chan struct{}

	mu      sync.Mutex
	stopped stopReason
	result  *model.StreamMessage
	saveErr error
}

// Start begins relaying in the background. It returns immediately.
func (ex *Exchange) Start() error {
	err := ErrAlreadyStarted
	ex.once.Do(func() {
		if err = ex.relay.register(ex); err != nil {
			ex.cancel()
			close(ex.done)
			return
		}
		go ex.run()
	})
	return err
}

// Wait blocks until the ai message is persisted or ctx ends. The returned
// message is the one that was persisted, fallback included.
func (ex *Exchange) Wait(ctx context.Context) (*model.StreamMessage, error) {
	select {
	case <-ex.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.result == nil {
		return nil, errors.New("exchange did not run")
	}
	return ex.result, ex.saveErr
}

// Done is closed once the exchange has published its terminal event.
func (ex *Exchange) Done() <-chan struct{} { return ex.done }

func (ex *Exchange) stop(reason stopReason) {
	ex.mu.Lock()
	if ex.stopped == "" {
		ex.stopped = reason
	}
	ex.mu.Unlock()
	ex.cancel()
}

func (ex *Exchange) reason() stopReason {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.stopped
}

type accumulator struct {
	content  strings.Builder
	metadata model.JSONB
	tokens   int
	started  time.Time
}

func (ex *Exchange) run() {
	r := ex.relay
	defer r.unregister(ex)
	defer close(ex.done)
	defer ex.cancel()

	channelID := ex.SessionID.String()
	logger := r.logger.With(zap.String("session_id", channelID), zap.String("message_id", ex.MessageID.String()))
	acc := &accumulator{metadata: model.JSONB{}, started: time.Now()}

	r.bus.Publish(channelID, eventbus.RelayStart{MessageID: ex.MessageID.String(), ChannelID: channelID})

	streamCtx, cancel := context.WithTimeout(ex.ctx, r.cfg.Timeout)
	defer cancel()

	it, err := r.generator.Stream(streamCtx, ex.request)
	if err != nil {
		ex.fail(err, acc, logger)
		return
	}
	defer it.Close()

	for {
		if reason := ex.reason(); reason != "" {
			ex.abort(reason, acc, logger)
			return
		}

		chunk, err := it.Next(streamCtx)
		if errors.Is(err, io.EOF) {
			if acc.content.Len() == 0 {
				ex.fail(fmt.Errorf("%w: stream ended without content", model.ErrUpstreamUnavailable), acc, logger)
			} else {
				ex.complete(acc, logger)
			}
			return
		}
		if err != nil {
			ex.fail(err, acc, logger)
			return
		}

		if chunk.Content != "" {
			acc.content.WriteString(chunk.Content)
			r.bus.Publish(channelID, eventbus.RelayChunk{MessageID: ex.MessageID.String(), Content: chunk.Content})
		}
		if len(chunk.Metadata) > 0 {
			for k, v := range chunk.Metadata {
				acc.metadata[k] = v
			}
			r.bus.Publish(channelID, eventbus.RelayMetadata{MessageID: ex.MessageID.String(), Metadata: model.JSONB(chunk.Metadata)})
		}
		if chunk.TokensUsed > 0 {
			acc.tokens = chunk.TokensUsed
		}
		if chunk.Final {
			ex.complete(acc, logger)
			return
		}
	}
}

func (ex *Exchange) complete(acc *accumulator, logger *zap.Logger) {
	content := acc.content.String()
	msg := ex.aiMessage(content, acc)
	ex.persist(msg, "relay_completed", logger)

	ex.relay.bus.Publish(ex.SessionID.String(), eventbus.RelayComplete{
		MessageID: ex.MessageID.String(),
		Content:   content,
		Metadata:  acc.metadata,
	})
	outcomeMetric("completed", acc.started)
	logger.Info("relay completed", zap.Int("content_len", len(content)), zap.Int("tokens", acc.tokens))
}

// fail handles any upstream error. A stop requested through Cancel or
// Shutdown also surfaces here as a context error.
func (ex *Exchange) fail(err error, acc *accumulator, logger *zap.Logger) {
	if reason := ex.reason(); reason != "" {
		ex.abort(reason, acc, logger)
		return
	}

	fallback := ex.relay.cfg.FallbackMessage
	acc.metadata["degraded"] = true
	acc.metadata["error"] = err.Error()
	if acc.content.Len() > 0 {
		acc.metadata["partial_content_length"] = acc.content.Len()
	}

	msg := ex.aiMessage(fallback, acc)
	ex.persist(msg, "relay_degraded", logger)

	ex.relay.bus.Publish(ex.SessionID.String(), eventbus.RelayComplete{
		MessageID: ex.MessageID.String(),
		Content:   fallback,
		Metadata:  acc.metadata,
		Degraded:  true,
	})
	outcomeMetric("degraded", acc.started)
	logger.Warn("upstream failed, fallback sent", zap.Error(err))
}

func (ex *Exchange) abort(reason stopReason, acc *accumulator, logger *zap.Logger) {
	partial := acc.content.String()
	acc.metadata["cancelled"] = true
	acc.metadata["reason"] = string(reason)

	msg := ex.aiMessage(partial, acc)
	ex.persist(msg, "relay_cancelled", logger)

	ex.relay.bus.Publish(ex.SessionID.String(), eventbus.RelayError{
		MessageID: ex.MessageID.String(),
		Error:     "stream " + string(reason),
		Content:   partial,
	})
	outcomeMetric(string(reason), acc.started)
	logger.Info("relay stopped", zap.String("reason", string(reason)), zap.Int("content_len", len(partial)))
}

func (ex *Exchange) aiMessage(content string, acc *accumulator) *model.StreamMessage {
	elapsed := time.Since(acc.started)
	msg := &model.StreamMessage{
		ID:             ex.MessageID,
		SessionID:      ex.SessionID,
		Sender:         model.SenderAI,
		Content:        content,
		Metadata:       acc.metadata,
		ProcessingTime: &elapsed,
		CreatedAt:      time.Now().UTC(),
	}
	if acc.tokens > 0 {
		tokens := acc.tokens
		msg.TokensUsed = &tokens
	}
	return msg
}

func (ex *Exchange) persist(msg *model.StreamMessage, outcome string, logger *zap.Logger) {
	audit := model.NewAuditEvent(ex.ownerID, outcome, ex.SessionID.String(), model.JSONB{
		"message_id":  ex.MessageID.String(),
		"content_len": len(msg.Content),
	})
	err := ex.relay.save(msg, audit)
	if err != nil {
		logger.Error("failed to persist ai message", zap.Error(err))
	}

	ex.mu.Lock()
	ex.result = msg
	ex.saveErr = err
	ex.mu.Unlock()
}

package outbox

import (
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PGNotifier turns NOTIFY messages on the audit channel into relay wakeups.
// Bursts collapse into a single pending wakeup.
type PGNotifier struct {
	listener *pq.Listener
	wakeups  chan struct{}
	done     chan struct{}
	logger   *zap.Logger
}

func NewPGNotifier(dsn, channel string, logger *zap.Logger) (*PGNotifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("outbox_notifier")

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("postgres listener event", zap.Int("event", int(event)), zap.Error(err))
		}
	})
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, err
	}

	n := &PGNotifier{
		listener: listener,
		wakeups:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go n.forward(listener.Notify)
	logger.Info("listening for audit notifications", zap.String("channel", channel))
	return n, nil
}

func (n *PGNotifier) forward(notifications <-chan *pq.Notification) {
	defer close(n.wakeups)
	for {
		select {
		case <-n.done:
			return
		case notification, ok := <-notifications:
			if !ok {
				return
			}
			// A nil notification follows a reconnect; anything may have
			// been missed, so wake up all the same.
			if notification == nil {
				n.logger.Debug("listener reconnected")
			}
			wake(n.wakeups)
		}
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (n *PGNotifier) Wakeups() <-chan struct{} {
	return n.wakeups
}

func (n *PGNotifier) Close() error {
	close(n.done)
	return n.listener.Close()
}

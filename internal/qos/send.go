package qos

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"courier/internal/event"
	"courier/internal/protocol"
)

// SendFunc retransmits a message to its recipient. Implementations must
// not block indefinitely.
type SendFunc func(msg *protocol.Message) error

type pendingSend struct {
	msg      *protocol.Message
	queuedAt time.Time
}

// SendStore holds outbound QoS messages until they are acknowledged,
// retransmitting on a fixed cadence and declaring loss after the retry
// budget is spent.
type SendStore struct {
	mu      sync.Mutex
	pending map[string]*pendingSend

	interval   time.Duration
	maxRetries int

	send     SendFunc
	listener event.QoSListener

	logger *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewSendStore creates a send store. interval is the retransmission
// cadence, maxRetries the number of retransmissions attempted after the
// original send.
func NewSendStore(interval time.Duration, maxRetries int, send SendFunc, listener event.QoSListener, logger *slog.Logger) *SendStore {
	if listener == nil {
		listener = event.NopListener{}
	}
	return &SendStore{
		pending:    make(map[string]*pendingSend),
		interval:   interval,
		maxRetries: maxRetries,
		send:       send,
		listener:   listener,
		logger:     logger.With("component", "qos_send"),
		stop:       make(chan struct{}),
	}
}

// Start launches the retry daemon.
func (ss *SendStore) Start(ctx context.Context) error {
	ss.wg.Add(1)
	go func() {
		defer ss.wg.Done()
		ticker := time.NewTicker(ss.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ss.retryPass(time.Now())
			case <-ss.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	ss.logger.Info("Send store started",
		"retry_interval", ss.interval, "max_retries", ss.maxRetries)
	return nil
}

// Stop halts the retry daemon. Messages still pending are abandoned
// without a loss notification.
func (ss *SendStore) Stop(ctx context.Context) error {
	close(ss.stop)
	ss.wg.Wait()
	return nil
}

// Put tracks a QoS message until acknowledged. Non-QoS messages and
// duplicate fingerprints are ignored, so callers may Put unconditionally
// after every send attempt.
func (ss *SendStore) Put(msg *protocol.Message) {
	if msg == nil || !msg.QoS || msg.Fingerprint == "" {
		return
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, exists := ss.pending[msg.Fingerprint]; exists {
		return
	}
	ss.pending[msg.Fingerprint] = &pendingSend{msg: msg, queuedAt: time.Now()}
}

// Remove drops a fingerprint from the store, firing the delivered
// callback when it was still pending. Called when the recipient's
// acknowledgement arrives.
func (ss *SendStore) Remove(fingerprint string) bool {
	ss.mu.Lock()
	_, ok := ss.pending[fingerprint]
	delete(ss.pending, fingerprint)
	ss.mu.Unlock()

	if ok {
		ss.logger.Debug("Message acknowledged", "fingerprint", fingerprint)
		ss.listener.MessageDelivered(fingerprint)
	}
	return ok
}

// Contains reports whether a fingerprint is still awaiting
// acknowledgement.
func (ss *SendStore) Contains(fingerprint string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	_, ok := ss.pending[fingerprint]
	return ok
}

// Size returns the number of messages awaiting acknowledgement.
func (ss *SendStore) Size() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.pending)
}

// retryPass performs one daemon cycle: messages past their retry budget
// are declared lost, the rest are retransmitted. Messages queued less
// than one interval ago are left alone so a fresh send is not immediately
// duplicated.
func (ss *SendStore) retryPass(now time.Time) {
	var lost []*protocol.Message
	var resend []*protocol.Message

	ss.mu.Lock()
	for fp, p := range ss.pending {
		if p.msg.RetryCount >= ss.maxRetries {
			delete(ss.pending, fp)
			lost = append(lost, p.msg.Clone())
			continue
		}
		if now.Sub(p.queuedAt) < ss.interval {
			continue
		}
		p.msg.RetryCount++
		resend = append(resend, p.msg)
	}
	ss.mu.Unlock()

	for _, msg := range resend {
		if err := ss.send(msg); err != nil {
			ss.logger.Warn("Retransmission failed",
				"fingerprint", msg.Fingerprint, "to", msg.To,
				"retry", msg.RetryCount, "error", err)
		} else {
			ss.logger.Debug("Retransmitted message",
				"fingerprint", msg.Fingerprint, "to", msg.To, "retry", msg.RetryCount)
		}
	}

	if len(lost) > 0 {
		ss.logger.Warn("Messages lost after retry budget", "count", len(lost))
		ss.listener.MessagesLost(lost)
	}
}

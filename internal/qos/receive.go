// Package qos implements the server side of the acknowledgement protocol:
// a receive store that deduplicates inbound QoS messages and a send store
// that retransmits outbound QoS messages until acknowledged or exhausted.
package qos

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReceiveStore remembers the fingerprints of recently received QoS
// messages so retransmissions of an already processed message can be
// acknowledged and dropped instead of being processed twice.
type ReceiveStore struct {
	mu       sync.Mutex
	received map[string]time.Time

	checkInterval time.Duration
	retention     time.Duration

	logger *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewReceiveStore creates a receive store. checkInterval controls how
// often the sweep runs; retention is how long a fingerprint is remembered.
// Retention must comfortably exceed the sender's full retry window or a
// late retransmission will be mistaken for a new message.
func NewReceiveStore(checkInterval, retention time.Duration, logger *slog.Logger) *ReceiveStore {
	return &ReceiveStore{
		received:      make(map[string]time.Time),
		checkInterval: checkInterval,
		retention:     retention,
		logger:        logger.With("component", "qos_receive"),
		stop:          make(chan struct{}),
	}
}

// Start launches the retention sweep daemon.
func (rs *ReceiveStore) Start(ctx context.Context) error {
	rs.wg.Add(1)
	go func() {
		defer rs.wg.Done()
		ticker := time.NewTicker(rs.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rs.sweep(time.Now())
			case <-rs.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	rs.logger.Info("Receive store started",
		"check_interval", rs.checkInterval, "retention", rs.retention)
	return nil
}

// Stop halts the sweep daemon.
func (rs *ReceiveStore) Stop(ctx context.Context) error {
	close(rs.stop)
	rs.wg.Wait()
	return nil
}

// Contains reports whether a fingerprint was received within the
// retention window.
func (rs *ReceiveStore) Contains(fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	_, ok := rs.received[fingerprint]
	return ok
}

// Record marks a fingerprint as received, refreshing its retention clock
// if it was already present.
func (rs *ReceiveStore) Record(fingerprint string) {
	if fingerprint == "" {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.received[fingerprint] = time.Now()
}

// Size returns the number of fingerprints currently retained.
func (rs *ReceiveStore) Size() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.received)
}

func (rs *ReceiveStore) sweep(now time.Time) {
	rs.mu.Lock()
	var expired int
	for fp, at := range rs.received {
		if now.Sub(at) >= rs.retention {
			delete(rs.received, fp)
			expired++
		}
	}
	remaining := len(rs.received)
	rs.mu.Unlock()

	if expired > 0 {
		rs.logger.Debug("Swept expired fingerprints",
			"expired", expired, "remaining", remaining)
	}
}

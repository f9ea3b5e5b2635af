package channels

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Status is a channel adapter's current connection state.
type Status struct {
	Connected bool
	Error     string
	LastPing  int64
}

// HealthStatus is the result of a health check.
type HealthStatus struct {
	Healthy   bool
	Latency   time.Duration
	Message   string
	LastCheck time.Time
	Degraded  bool
}

// BaseHealthAdapter provides shared status and degraded-state tracking for a
// channel adapter, identified by a short channel name (e.g. "telegram") used
// only for logging.
type BaseHealthAdapter struct {
	channel string
	logger  *slog.Logger

	status   Status
	statusMu sync.RWMutex

	degraded atomic.Bool

	metricsMu    sync.Mutex
	sent         int64
	received     int64
	failed       int64
	reconnects   int64
	errorsByCode map[ErrorCode]int64
}

// NewBaseHealthAdapter creates a base health adapter for channel.
func NewBaseHealthAdapter(channel string, logger *slog.Logger) *BaseHealthAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseHealthAdapter{
		channel:      channel,
		logger:       logger,
		status:       Status{Connected: false},
		errorsByCode: make(map[ErrorCode]int64),
	}
}

// Status returns the current connection status.
func (b *BaseHealthAdapter) Status() Status {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	return b.status
}

// SetStatus updates the connection status and last ping time.
func (b *BaseHealthAdapter) SetStatus(connected bool, errMsg string) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	b.status = Status{
		Connected: connected,
		Error:     errMsg,
		LastPing:  time.Now().Unix(),
	}
}

// UpdateLastPing refreshes the last ping timestamp without changing state.
func (b *BaseHealthAdapter) UpdateLastPing() {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	b.status.LastPing = time.Now().Unix()
}

// SetDegraded marks the adapter as degraded.
func (b *BaseHealthAdapter) SetDegraded(value bool) {
	b.degraded.Store(value)
}

// IsDegraded reports whether the adapter is in degraded mode.
func (b *BaseHealthAdapter) IsDegraded() bool {
	return b.degraded.Load()
}

// RecordMessageSent increments the sent message counter.
func (b *BaseHealthAdapter) RecordMessageSent() {
	b.metricsMu.Lock()
	b.sent++
	b.metricsMu.Unlock()
}

// RecordMessageReceived increments the received message counter.
func (b *BaseHealthAdapter) RecordMessageReceived() {
	b.metricsMu.Lock()
	b.received++
	b.metricsMu.Unlock()
}

// RecordMessageFailed increments the failed message counter.
func (b *BaseHealthAdapter) RecordMessageFailed() {
	b.metricsMu.Lock()
	b.failed++
	b.metricsMu.Unlock()
}

// RecordError increments the error counter for a specific code.
func (b *BaseHealthAdapter) RecordError(code ErrorCode) {
	b.metricsMu.Lock()
	b.errorsByCode[code]++
	b.metricsMu.Unlock()
}

// RecordReconnectAttempt increments the reconnect attempts counter.
func (b *BaseHealthAdapter) RecordReconnectAttempt() {
	b.metricsMu.Lock()
	b.reconnects++
	b.metricsMu.Unlock()
}

// HealthCheck provides a default health check based on status/degraded state.
func (b *BaseHealthAdapter) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	status := b.Status()
	healthy := status.Connected && status.Error == ""
	message := "ok"
	if !healthy {
		if status.Error != "" {
			message = status.Error
		} else {
			message = "not connected"
		}
	}
	_ = ctx
	return HealthStatus{
		Healthy:   healthy,
		Latency:   time.Since(start),
		Message:   message,
		LastCheck: time.Now(),
		Degraded:  b.IsDegraded(),
	}
}

// Logger returns the adapter logger.
func (b *BaseHealthAdapter) Logger() *slog.Logger {
	return b.logger
}

// Package processor consumes signals from the queue, gates them on the rule
// catalog and the effective window, and feeds them to the escalation
// scheduler on workers sharded by fingerprint.
package processor

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"watchalert/internal/catalog"
	"watchalert/internal/config"
	"watchalert/internal/domain"
	"watchalert/internal/escalation"
	"watchalert/internal/metrics"
	"watchalert/internal/queue"
)

// SnapshotSource yields the configuration in effect.
type SnapshotSource interface {
	Snapshot() *catalog.Snapshot
}

// Applier applies a signal to the event lifecycle. *escalation.Scheduler
// satisfies it.
type Applier interface {
	Apply(ctx context.Context, sig domain.Signal) error
	// Active reports whether fingerprint has an open event.
	Active(fingerprint string) bool
}

// Processing results, used as metric labels.
const (
	resultApplied   = "applied"
	resultGated     = "gated"
	resultDiscarded = "discarded"
	resultFailed    = "failed"
)

// Service routes signals to per-fingerprint workers. All signals of one
// fingerprint are handled by the same worker, in arrival order.
type Service struct {
	consumer  queue.Consumer
	catalog   SnapshotSource
	scheduler Applier
	location  *time.Location
	logger    *slog.Logger

	shards []chan domain.Signal
	wg     sync.WaitGroup
}

// NewService creates a new processor service.
func NewService(consumer queue.Consumer, cat SnapshotSource, scheduler Applier, cfg config.EngineConfig, logger *slog.Logger) *Service {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	size := cfg.WorkerQueueSize
	if size <= 0 {
		size = 1
	}

	shards := make([]chan domain.Signal, workers)
	for i := range shards {
		shards[i] = make(chan domain.Signal, size)
	}
	return &Service{
		consumer:  consumer,
		catalog:   cat,
		scheduler: scheduler,
		location:  cfg.Location(),
		logger:    logger,
		shards:    shards,
	}
}

// Start launches the workers and consumes the queue until ctx is cancelled
// or the consumer stops. Buffered signals are drained before it returns.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting processor service", "workers", len(s.shards))

	for _, ch := range s.shards {
		s.wg.Add(1)
		go s.worker(ctx, ch)
	}

	err := s.consumer.Start(ctx, s.handleMessage)

	for _, ch := range s.shards {
		close(ch)
	}
	s.wg.Wait()
	return err
}

func (s *Service) handleMessage(ctx context.Context, msg *queue.Message) error {
	sig, err := queue.DecodeSignal(msg)
	if err != nil {
		// Malformed messages are dropped so they are not redelivered.
		s.logger.Error("failed to decode signal", "error", err)
		metrics.SignalsProcessedTotal.WithLabelValues(resultFailed).Inc()
		return nil
	}
	return s.Submit(ctx, sig)
}

// Submit queues sig on the worker owning its fingerprint. It blocks while
// that worker's buffer is full.
func (s *Service) Submit(ctx context.Context, sig domain.Signal) error {
	if sig.Fingerprint == "" {
		sig.Fingerprint = domain.ComputeFingerprint(sig.RuleID, sig.Labels)
	}
	select {
	case s.shards[s.shardOf(sig.Fingerprint)] <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) shardOf(fingerprint string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fingerprint))
	return int(h.Sum32() % uint32(len(s.shards)))
}

func (s *Service) worker(ctx context.Context, signals <-chan domain.Signal) {
	defer s.wg.Done()
	for sig := range signals {
		s.process(ctx, sig)
	}
}

func (s *Service) process(ctx context.Context, sig domain.Signal) {
	start := time.Now()
	defer func() {
		metrics.SignalProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	sig, reason, ok := s.gate(sig)
	if !ok {
		s.logger.Debug("signal gated", "fingerprint", sig.Fingerprint, "ruleID", sig.RuleID, "reason", reason)
		metrics.SignalsProcessedTotal.WithLabelValues(resultGated).Inc()
		return
	}

	if err := s.scheduler.Apply(ctx, sig); err != nil {
		if escalation.IsInvariantViolation(err) {
			metrics.SignalsProcessedTotal.WithLabelValues(resultDiscarded).Inc()
			return
		}
		s.logger.Error("failed to apply signal", "fingerprint", sig.Fingerprint, "ruleID", sig.RuleID, "error", err)
		metrics.SignalsProcessedTotal.WithLabelValues(resultFailed).Inc()
		return
	}
	metrics.SignalsProcessedTotal.WithLabelValues(resultApplied).Inc()
}

// gate decides whether sig reaches the scheduler. Clear signals always pass
// so events can recover. A breach carrying only a value gets its severity
// from the rule thresholds. When no threshold matches it becomes a clear for
// an open event and is dropped otherwise.
func (s *Service) gate(sig domain.Signal) (domain.Signal, string, bool) {
	if !sig.Breached {
		return sig, "", true
	}

	rule, ok := s.catalog.Snapshot().Rule(sig.RuleID)
	if !ok {
		return sig, "unknown rule", false
	}
	if !rule.Enabled {
		return sig, "rule disabled", false
	}
	if !rule.EffectiveWindow.IsLive(sig.Timestamp, s.location) {
		return sig, "outside effective window", false
	}

	if sig.Severity == "" && sig.Value != nil {
		sev, matched := rule.Thresholds.Select(*sig.Value)
		if !matched {
			if !s.scheduler.Active(sig.Fingerprint) {
				return sig, "below every threshold", false
			}
			sig.Breached = false
			return sig, "", true
		}
		sig.Severity = sev
	}
	return sig, "", true
}

// Package ingest accepts breach and clear signals from evaluators, validates
// them and publishes them to the signal queue keyed by fingerprint.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"watchalert/internal/catalog"
	"watchalert/internal/domain"
	"watchalert/internal/metrics"
	"watchalert/internal/queue"
)

// SnapshotSource yields the configuration in effect.
type SnapshotSource interface {
	Snapshot() *catalog.Snapshot
}

// Errors returned by the ingest service.
var (
	ErrInvalidSignal = errors.New("invalid signal")
	ErrPublishFailed = errors.New("failed to publish signal to queue")
)

// Service handles signal ingestion.
type Service struct {
	producer queue.Producer
	catalog  SnapshotSource
	clock    clock.Clock
	logger   *slog.Logger
}

// NewService creates a new ingest service.
func NewService(producer queue.Producer, cat SnapshotSource, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{
		producer: producer,
		catalog:  cat,
		clock:    clk,
		logger:   logger,
	}
}

// IngestSignal validates sig, fills in its fingerprint and publishes it.
// The returned fingerprint identifies the event the signal applies to.
func (s *Service) IngestSignal(ctx context.Context, sig *domain.Signal) (string, error) {
	start := time.Now()

	if sig.Timestamp.IsZero() {
		sig.Timestamp = s.clock.Now()
	}
	if err := sig.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}
	metrics.SignalsReceivedTotal.WithLabelValues(sig.RuleID, strconv.FormatBool(sig.Breached)).Inc()

	if _, ok := s.catalog.Snapshot().Rule(sig.RuleID); !ok {
		s.logger.Warn("signal for unknown rule", "ruleID", sig.RuleID)
		return "", fmt.Errorf("rule %q: %w", sig.RuleID, domain.ErrRuleNotFound)
	}

	want := domain.ComputeFingerprint(sig.RuleID, sig.Labels)
	if sig.Fingerprint == "" {
		sig.Fingerprint = want
	} else if sig.Fingerprint != want {
		s.logger.Debug("signal carries a caller-supplied fingerprint", "fingerprint", sig.Fingerprint, "computed", want)
	}

	msg, err := queue.EncodeSignal(sig)
	if err != nil {
		return "", err
	}

	publishStart := time.Now()
	if err := s.producer.Publish(ctx, msg); err != nil {
		s.logger.Error("failed to publish signal", "error", err, "fingerprint", sig.Fingerprint)
		return "", ErrPublishFailed
	}
	metrics.QueuePublishLatency.Observe(time.Since(publishStart).Seconds())
	metrics.SignalsPublishedTotal.WithLabelValues(sig.RuleID).Inc()
	metrics.SignalIngestLatency.Observe(time.Since(start).Seconds())

	s.logger.Debug("signal published to queue",
		"fingerprint", sig.Fingerprint,
		"ruleID", sig.RuleID,
		"breached", sig.Breached,
	)
	return sig.Fingerprint, nil
}

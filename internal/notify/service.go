package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"watchalert/internal/config"
	"watchalert/internal/domain"
	"watchalert/internal/metrics"
	"watchalert/internal/store"
)

// Dispatcher accepts notifications without blocking the caller.
type Dispatcher interface {
	Dispatch(n Notification)
}

type job struct {
	n      Notification
	msg    Message
	target domain.NoticeTarget
	queued time.Time
}

// Service renders notifications and delivers them on a bounded worker pool.
// Every outcome, including a full queue, is written to the record
// repository.
type Service struct {
	cfg      config.DeliveryConfig
	senders  map[domain.ChannelKind]Sender
	renderer *Renderer
	records  store.NoticeRecordRepository
	clock    clock.Clock
	logger   *slog.Logger

	jobs chan job
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewService creates a delivery service. Senders are keyed by channel kind.
func NewService(cfg config.DeliveryConfig, senders map[domain.ChannelKind]Sender, renderer *Renderer, records store.NoticeRecordRepository, clk clock.Clock, logger *slog.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	return &Service{
		cfg:      cfg,
		senders:  senders,
		renderer: renderer,
		records:  records,
		clock:    clk,
		logger:   logger,
		jobs:     make(chan job, cfg.QueueSize),
	}
}

// DefaultSenders wires one sender per channel kind from cfg.
func DefaultSenders(cfg config.DeliveryConfig, clk clock.Clock) map[domain.ChannelKind]Sender {
	client := &http.Client{Timeout: cfg.HTTPTimeout}
	senders := map[domain.ChannelKind]Sender{
		domain.ChannelEmail: NewEmailSender(cfg.SMTP),
	}
	for _, kind := range []domain.ChannelKind{
		domain.ChannelFeiShu,
		domain.ChannelDingDing,
		domain.ChannelWeChat,
		domain.ChannelSlack,
		domain.ChannelCustomHook,
	} {
		senders[kind] = NewWebhookSender(kind, client, clk)
	}
	return senders
}

// Start launches the delivery workers. They exit when Stop is called and
// the queue has drained, or when ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.logger.Info("notification service started", "workers", s.cfg.Workers, "queueSize", s.cfg.QueueSize)
}

// Stop stops accepting notifications and waits for the workers.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Dispatch queues one delivery per target. It never blocks; targets that do
// not fit in the queue are recorded as failed.
func (s *Service) Dispatch(n Notification) {
	if n.Event == nil {
		return
	}
	msg := NewMessage(n)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, target := range n.Targets {
		if s.closed {
			s.finish(context.Background(), job{n: n, msg: msg, target: target}, fmt.Errorf("notification service stopped"))
			continue
		}
		j := job{n: n, msg: msg, target: target, queued: s.clock.Now()}
		select {
		case s.jobs <- j:
			metrics.DeliveryQueueDepth.Inc()
		default:
			s.finish(context.Background(), j, fmt.Errorf("delivery queue full"))
		}
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-s.jobs:
			if !ok {
				return
			}
			metrics.DeliveryQueueDepth.Dec()
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	start := s.clock.Now()
	sender, ok := s.senders[j.target.ChannelKind]
	if !ok {
		s.finish(ctx, j, fmt.Errorf("no sender for channel %q", j.target.ChannelKind))
		return
	}

	title, body, err := s.renderer.Render(j.target.TemplateID, j.msg)
	if err != nil {
		s.finish(ctx, j, err)
		return
	}
	j.target.RenderedPayload = body

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.InitialInterval
	policy.MaxElapsedTime = s.cfg.MaxElapsed
	b := backoff.WithContext(backoff.WithMaxRetries(policy, s.cfg.MaxRetries), ctx)

	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		if err := sender.Send(ctx, j.target, title, body, j.msg); err != nil {
			s.logger.Debug("delivery attempt failed",
				"fingerprint", j.msg.Fingerprint,
				"noticeID", j.target.NoticeID,
				"attempt", attempts,
				"error", err,
			)
			return err
		}
		return nil
	}, b)

	metrics.DeliveryLatency.WithLabelValues(string(j.target.ChannelKind)).Observe(s.clock.Since(start).Seconds())
	s.finish(ctx, j, err)
}

// finish records the outcome of one delivery.
func (s *Service) finish(ctx context.Context, j job, err error) {
	status := domain.NoticeSent
	rec := &domain.NoticeRecord{
		ID:          uuid.NewString(),
		Fingerprint: j.msg.Fingerprint,
		RuleID:      j.msg.RuleID,
		NoticeID:    j.target.NoticeID,
		ChannelKind: j.target.ChannelKind,
		Kind:        j.n.Kind,
		Severity:    j.msg.Severity,
		Destination: j.target.Destination(),
		CreatedAt:   s.clock.Now(),
	}
	if err != nil {
		status = domain.NoticeFailed
		derr := &domain.DeliveryError{NoticeID: j.target.NoticeID, Channel: j.target.ChannelKind, Err: err}
		rec.ErrMsg = derr.Error()
		s.logger.Warn("notification delivery failed",
			"fingerprint", j.msg.Fingerprint,
			"ruleID", j.msg.RuleID,
			"kind", j.n.Kind,
			"error", derr,
		)
	} else {
		s.logger.Info("notification delivered",
			"fingerprint", j.msg.Fingerprint,
			"ruleID", j.msg.RuleID,
			"kind", j.n.Kind,
			"noticeID", j.target.NoticeID,
			"channel", j.target.ChannelKind,
		)
	}
	rec.Status = status
	metrics.NotificationsTotal.WithLabelValues(string(j.target.ChannelKind), string(j.n.Kind), string(status)).Inc()

	if s.records == nil {
		return
	}
	if err := s.records.Create(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("failed to write notice record", "fingerprint", rec.Fingerprint, "error", err)
	}
}

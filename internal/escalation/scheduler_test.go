package escalation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"watchalert/internal/catalog"
	"watchalert/internal/domain"
	"watchalert/internal/notify"
	"watchalert/internal/store/memory"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (d *recordingDispatcher) Dispatch(n notify.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
}

func (d *recordingDispatcher) count(kind domain.NoticeKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sent {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func (d *recordingDispatcher) last() notify.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent[len(d.sent)-1]
}

var start = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

var _ = Describe("Scheduler", func() {
	var (
		ctx        context.Context
		mock       *clock.Mock
		cat        *catalog.Catalog
		events     *memory.EventStore
		history    *memory.HistoryRepository
		dispatcher *recordingDispatcher
		sched      *Scheduler

		rule *domain.Rule
		fc   *domain.FaultCenter
		sil  []*domain.Silence
	)

	labels := map[string]string{"service": "api", "env": "prod"}
	fp := domain.ComputeFingerprint("r-1", labels)

	publish := func() {
		cat.Swap(catalog.NewSnapshot(catalog.Contents{
			Rules:        []*domain.Rule{rule},
			FaultCenters: []*domain.FaultCenter{fc},
			NoticeObjects: []*domain.NoticeObject{
				{ID: "ops", Name: "ops", ChannelKind: domain.ChannelSlack, DefaultHook: "https://hooks.example.com/ops"},
				{ID: "prod", Name: "prod", ChannelKind: domain.ChannelWeChat, DefaultHook: "https://hooks.example.com/prod"},
				{ID: "lead", Name: "lead", ChannelKind: domain.ChannelDingDing, DefaultHook: "https://hooks.example.com/lead"},
			},
			Silences: sil,
		}, mock.Now()))
	}

	breach := func() error {
		return sched.Apply(ctx, domain.Signal{
			RuleID: "r-1", Labels: labels, Severity: domain.SeverityP0, Breached: true, Timestamp: mock.Now(),
		})
	}
	clear := func() error {
		return sched.Apply(ctx, domain.Signal{
			RuleID: "r-1", Labels: labels, Breached: false, Timestamp: mock.Now(),
		})
	}
	status := func() domain.EventStatus {
		ev, err := sched.Get(fp)
		if err != nil {
			return domain.EventClosed
		}
		return ev.Status
	}

	BeforeEach(func() {
		ctx = context.Background()
		mock = clock.NewMock()
		mock.Set(start)
		cat = catalog.New()
		events = memory.NewEventStore()
		history = memory.NewHistoryRepository()
		dispatcher = &recordingDispatcher{}
		logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
		sched = NewScheduler(cat, events, history, dispatcher, mock, logger)

		rule = &domain.Rule{ID: "r-1", Name: "api errors", FaultCenterID: "fc-1", Enabled: true}
		fc = &domain.FaultCenter{
			ID:                          "fc-1",
			DefaultNoticeIDs:            []string{"ops"},
			RepeatNoticeIntervalMinutes: 30,
			RecoverWaitTimeSeconds:      60,
			RecoverNotify:               true,
		}
		sil = nil
		publish()
	})

	AfterEach(func() {
		sched.Stop()
	})

	Context("when a breach arrives for a new fingerprint", func() {
		It("fires immediately and notifies the routed targets", func() {
			fc.LabelRoutes = []domain.LabelRoute{{Key: "env", Value: "prod", NoticeIDs: []string{"prod"}}}
			publish()

			Expect(breach()).To(Succeed())
			Expect(status()).To(Equal(domain.EventFiring))
			Expect(dispatcher.count(domain.NoticeFiring)).To(Equal(1))

			n := dispatcher.last()
			Expect(n.Targets).To(HaveLen(1))
			Expect(n.Targets[0].NoticeID).To(Equal("prod"))
			Expect(n.RuleName).To(Equal("api errors"))

			stored, err := events.Get(ctx, fp)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(domain.EventFiring))
			Expect(stored.LastNotifyAt).To(Equal(start))
		})

		It("waits for the for duration in PreAlert", func() {
			rule.ForDuration = 60
			publish()

			Expect(breach()).To(Succeed())
			Expect(status()).To(Equal(domain.EventPreAlert))
			Expect(dispatcher.count(domain.NoticeFiring)).To(Equal(0))

			mock.Add(59 * time.Second)
			Expect(status()).To(Equal(domain.EventPreAlert))

			mock.Add(time.Second)
			Eventually(status).Should(Equal(domain.EventFiring))
			Expect(dispatcher.count(domain.NoticeFiring)).To(Equal(1))
		})

		It("closes silently when cleared during PreAlert", func() {
			rule.ForDuration = 60
			publish()

			Expect(breach()).To(Succeed())
			Expect(clear()).To(Succeed())
			Expect(status()).To(Equal(domain.EventClosed))

			mock.Add(2 * time.Minute)
			Expect(dispatcher.count(domain.NoticeFiring)).To(Equal(0))
			Expect(dispatcher.count(domain.NoticeRecovery)).To(Equal(0))
		})

		It("rejects signals for unknown rules", func() {
			err := sched.Apply(ctx, domain.Signal{RuleID: "gone", Severity: domain.SeverityP1, Breached: true, Timestamp: mock.Now()})
			Expect(errors.Is(err, domain.ErrRuleNotFound)).To(BeTrue())
			Expect(sched.Snapshot()).To(BeEmpty())
		})
	})

	Context("while Firing", func() {
		BeforeEach(func() {
			Expect(breach()).To(Succeed())
		})

		It("does not re-fire or double-arm on a duplicate breach", func() {
			Expect(breach()).To(Succeed())
			Expect(dispatcher.count(domain.NoticeFiring)).To(Equal(1))

			mock.Add(30 * time.Minute)
			Eventually(func() int { return dispatcher.count(domain.NoticeRepeat) }).Should(Equal(1))
			Consistently(func() int { return dispatcher.count(domain.NoticeRepeat) }, 50*time.Millisecond).Should(Equal(1))

			transitions, err := history.ListByFingerprint(ctx, fp, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(transitions).To(HaveLen(1))
		})

		It("repeats at the repeat interval", func() {
			mock.Add(29 * time.Minute)
			Expect(dispatcher.count(domain.NoticeRepeat)).To(Equal(0))

			mock.Add(time.Minute)
			Eventually(func() int { return dispatcher.count(domain.NoticeRepeat) }).Should(Equal(1))

			mock.Add(30 * time.Minute)
			Eventually(func() int { return dispatcher.count(domain.NoticeRepeat) }).Should(Equal(2))
		})

		It("moves to PendingRecovery on clear and closes after the debounce", func() {
			Expect(clear()).To(Succeed())
			Expect(status()).To(Equal(domain.EventPendingRecovery))
			Expect(dispatcher.count(domain.NoticeRecovery)).To(Equal(1))

			mock.Add(59 * time.Second)
			Expect(status()).To(Equal(domain.EventPendingRecovery))

			mock.Add(time.Second)
			Eventually(status).Should(Equal(domain.EventClosed))

			stored, err := events.Get(ctx, fp)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(BeNil())

			transitions, _ := history.ListByFingerprint(ctx, fp, 0)
			var closed bool
			for _, t := range transitions {
				if t.To == domain.EventClosed && t.From == domain.EventPendingRecovery {
					closed = true
				}
			}
			Expect(closed).To(BeTrue())

			mock.Add(time.Hour)
			Expect(dispatcher.count(domain.NoticeRepeat)).To(Equal(0))
		})

		It("starts a fresh firing cycle on re-breach during recovery", func() {
			Expect(clear()).To(Succeed())
			mock.Add(30 * time.Second)

			Expect(breach()).To(Succeed())
			Expect(status()).To(Equal(domain.EventFiring))
			Expect(dispatcher.count(domain.NoticeFiring)).To(Equal(2))

			ev, _ := sched.Get(fp)
			Expect(ev.FirstTriggerAt).To(Equal(start))
			Expect(ev.RecoverAt.IsZero()).To(BeTrue())

			mock.Add(time.Minute)
			Expect(status()).To(Equal(domain.EventFiring))
		})

		It("skips the recovery notice when recoverNotify is off", func() {
			fc.RecoverNotify = false
			publish()

			Expect(clear()).To(Succeed())
			Expect(dispatcher.count(domain.NoticeRecovery)).To(Equal(0))
		})

		It("reports the event as active until it closes", func() {
			Expect(sched.Active(fp)).To(BeTrue())
			Expect(sched.Active("unknown")).To(BeFalse())

			Expect(sched.Close(ctx, fp, "test")).To(Succeed())
			Expect(sched.Active(fp)).To(BeFalse())
		})

		It("ignores a duplicate clear", func() {
			Expect(clear()).To(Succeed())
			Expect(clear()).To(Succeed())
			Expect(dispatcher.count(domain.NoticeRecovery)).To(Equal(1))
		})
	})

	Context("with unclaimed escalation enabled", func() {
		BeforeEach(func() {
			fc.IsUpgradeEnabled = true
			fc.UpgradableSeverities = []domain.Severity{domain.SeverityP0}
			fc.UpgradeStrategy = domain.UpgradeStrategy{TimeoutMinutes: 10, EscalationNoticeID: "lead"}
			fc.RepeatNoticeIntervalMinutes = 0
			publish()
			Expect(breach()).To(Succeed())
		})

		It("escalates exactly once at the timeout", func() {
			mock.Add(10*time.Minute - time.Second)
			Expect(dispatcher.count(domain.NoticeEscalation)).To(Equal(0))

			mock.Add(time.Second)
			Eventually(func() int { return dispatcher.count(domain.NoticeEscalation) }).Should(Equal(1))

			n := dispatcher.last()
			Expect(n.Targets).To(HaveLen(1))
			Expect(n.Targets[0].NoticeID).To(Equal("lead"))

			mock.Add(time.Hour)
			Consistently(func() int { return dispatcher.count(domain.NoticeEscalation) }, 50*time.Millisecond).Should(Equal(1))
		})

		It("re-escalates at the repeat interval until claimed", func() {
			fc.UpgradeStrategy.RepeatIntervalMinutes = 5
			publish()

			mock.Add(10 * time.Minute)
			Eventually(func() int { return dispatcher.count(domain.NoticeEscalation) }).Should(Equal(1))
			mock.Add(5 * time.Minute)
			Eventually(func() int { return dispatcher.count(domain.NoticeEscalation) }).Should(Equal(2))

			_, err := sched.Claim(ctx, domain.ClaimRequest{Fingerprint: fp, User: "alice", Timestamp: mock.Now()})
			Expect(err).NotTo(HaveOccurred())

			mock.Add(30 * time.Minute)
			Consistently(func() int { return dispatcher.count(domain.NoticeEscalation) }, 50*time.Millisecond).Should(Equal(2))
		})

		It("does not escalate once claimed", func() {
			ev, err := sched.Claim(ctx, domain.ClaimRequest{Fingerprint: fp, User: "alice", Timestamp: mock.Now()})
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Claim.IsClaimed).To(BeTrue())
			Expect(ev.Claim.ClaimedBy).To(Equal("alice"))

			mock.Add(time.Hour)
			Expect(dispatcher.count(domain.NoticeEscalation)).To(Equal(0))
		})

		It("keeps repeat notifications after a claim", func() {
			fc.RepeatNoticeIntervalMinutes = 15
			publish()
			Expect(clear()).To(Succeed())
			Expect(breach()).To(Succeed())

			_, err := sched.Claim(ctx, domain.ClaimRequest{Fingerprint: fp, User: "alice"})
			Expect(err).NotTo(HaveOccurred())

			mock.Add(15 * time.Minute)
			Eventually(func() int { return dispatcher.count(domain.NoticeRepeat) }).Should(Equal(1))
			Expect(dispatcher.count(domain.NoticeEscalation)).To(Equal(0))
		})

		It("treats a repeated claim by the same user as a no-op", func() {
			_, err := sched.Claim(ctx, domain.ClaimRequest{Fingerprint: fp, User: "alice"})
			Expect(err).NotTo(HaveOccurred())

			_, err = sched.Claim(ctx, domain.ClaimRequest{Fingerprint: fp, User: "alice"})
			Expect(err).NotTo(HaveOccurred())

			_, err = sched.Claim(ctx, domain.ClaimRequest{Fingerprint: fp, User: "bob"})
			Expect(errors.Is(err, ErrAlreadyClaimed)).To(BeTrue())
		})

		It("escalates once per firing cycle across severity changes", func() {
			withSeverity := func(sev domain.Severity) error {
				return sched.Apply(ctx, domain.Signal{
					RuleID: "r-1", Labels: labels, Severity: sev, Breached: true, Timestamp: mock.Now(),
				})
			}

			mock.Add(10 * time.Minute)
			Eventually(func() int { return dispatcher.count(domain.NoticeEscalation) }).Should(Equal(1))

			Expect(withSeverity(domain.SeverityP1)).To(Succeed())
			Expect(withSeverity(domain.SeverityP0)).To(Succeed())
			mock.Add(time.Hour)
			Consistently(func() int { return dispatcher.count(domain.NoticeEscalation) }, 50*time.Millisecond).Should(Equal(1))

			Expect(clear()).To(Succeed())
			Expect(breach()).To(Succeed())
			Expect(status()).To(Equal(domain.EventFiring))
			mock.Add(10 * time.Minute)
			Eventually(func() int { return dispatcher.count(domain.NoticeEscalation) }).Should(Equal(2))
		})

		It("does not escalate severities outside the upgradable set", func() {
			Expect(sched.Close(ctx, fp, "test")).To(Succeed())
			err := sched.Apply(ctx, domain.Signal{
				RuleID: "r-1", Labels: labels, Severity: domain.SeverityP2, Breached: true, Timestamp: mock.Now(),
			})
			Expect(err).NotTo(HaveOccurred())

			mock.Add(time.Hour)
			Expect(dispatcher.count(domain.NoticeEscalation)).To(Equal(0))
		})
	})

	Context("with an active silence", func() {
		BeforeEach(func() {
			sil = []*domain.Silence{{
				ID:       "s-1",
				Labels:   []domain.LabelMatcher{{Key: "service", Operator: domain.MatchEqual, Value: "api"}},
				StartsAt: start,
				EndsAt:   start.Add(time.Hour),
			}}
			publish()
		})

		It("holds a new breach in Silenced without notifying", func() {
			Expect(breach()).To(Succeed())
			Expect(status()).To(Equal(domain.EventSilenced))
			Expect(dispatcher.count(domain.NoticeFiring)).To(Equal(0))
		})

		It("fires on the next breach after the silence expires", func() {
			Expect(breach()).To(Succeed())
			mock.Add(time.Hour)

			Expect(breach()).To(Succeed())
			Expect(status()).To(Equal(domain.EventFiring))
			Expect(dispatcher.count(domain.NoticeFiring)).To(Equal(1))
		})

		It("silences a firing event and cancels its repeats", func() {
			sil = nil
			publish()
			Expect(breach()).To(Succeed())
			Expect(status()).To(Equal(domain.EventFiring))

			sil = []*domain.Silence{{
				ID:       "s-2",
				Labels:   []domain.LabelMatcher{{Key: "env", Operator: domain.MatchEqual, Value: "prod"}},
				StartsAt: start,
				EndsAt:   start.Add(24 * time.Hour),
			}}
			publish()
			Expect(breach()).To(Succeed())
			Expect(status()).To(Equal(domain.EventSilenced))

			mock.Add(2 * time.Hour)
			Expect(dispatcher.count(domain.NoticeRepeat)).To(Equal(0))

			Expect(clear()).To(Succeed())
			Expect(dispatcher.count(domain.NoticeRecovery)).To(Equal(0))
		})
	})

	Context("when a silence starts during recovery", func() {
		addSilence := func(ends time.Time) {
			sil = []*domain.Silence{{
				ID:       "s-rec",
				Labels:   []domain.LabelMatcher{{Key: "service", Operator: domain.MatchEqual, Value: "api"}},
				StartsAt: start,
				EndsAt:   ends,
			}}
			publish()
		}

		BeforeEach(func() {
			Expect(breach()).To(Succeed())
			Expect(clear()).To(Succeed())
			Expect(status()).To(Equal(domain.EventPendingRecovery))
		})

		It("overlays the pending recovery and still closes after the debounce", func() {
			addSilence(start.Add(time.Hour))
			mock.Add(10 * time.Second)
			Expect(clear()).To(Succeed())
			Expect(status()).To(Equal(domain.EventSilenced))

			stored, err := events.Get(ctx, fp)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(domain.EventSilenced))

			mock.Add(49 * time.Second)
			Expect(status()).To(Equal(domain.EventSilenced))
			mock.Add(time.Second)
			Eventually(status).Should(Equal(domain.EventClosed))
			Expect(dispatcher.count(domain.NoticeRecovery)).To(Equal(1))
		})

		It("returns to PendingRecovery when the silence ends", func() {
			addSilence(start.Add(30 * time.Second))
			mock.Add(10 * time.Second)
			Expect(clear()).To(Succeed())
			Expect(status()).To(Equal(domain.EventSilenced))

			mock.Add(25 * time.Second)
			Expect(clear()).To(Succeed())
			Expect(status()).To(Equal(domain.EventPendingRecovery))

			mock.Add(25 * time.Second)
			Eventually(status).Should(Equal(domain.EventClosed))
		})

		It("cancels the recovery on a re-breach under the silence", func() {
			addSilence(start.Add(24 * time.Hour))
			mock.Add(10 * time.Second)
			Expect(clear()).To(Succeed())

			mock.Add(10 * time.Second)
			Expect(breach()).To(Succeed())
			Expect(status()).To(Equal(domain.EventSilenced))
			ev, err := sched.Get(fp)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.RecoverAt.IsZero()).To(BeTrue())

			mock.Add(2 * time.Minute)
			Consistently(status, 50*time.Millisecond).Should(Equal(domain.EventSilenced))
			Expect(dispatcher.count(domain.NoticeFiring)).To(Equal(1))
		})
	})

	Context("invariant violations", func() {
		It("discards a clear for an unknown fingerprint", func() {
			err := clear()
			Expect(IsInvariantViolation(err)).To(BeTrue())

			var iv *InvariantViolation
			Expect(errors.As(err, &iv)).To(BeTrue())
			Expect(iv.Op).To(Equal("clear"))
			Expect(iv.Fingerprint).To(Equal(fp))
		})

		It("discards a claim on a closed event", func() {
			fc.RecoverWaitTimeSeconds = 0
			publish()
			Expect(breach()).To(Succeed())
			Expect(clear()).To(Succeed())
			Expect(status()).To(Equal(domain.EventClosed))

			_, err := sched.Claim(ctx, domain.ClaimRequest{Fingerprint: fp, User: "alice"})
			Expect(IsInvariantViolation(err)).To(BeTrue())
		})
	})

	Context("restoring after a restart", func() {
		It("re-arms the recovery timer from the stored event", func() {
			Expect(breach()).To(Succeed())
			Expect(clear()).To(Succeed())
			sched.Stop()

			mock.Add(30 * time.Second)
			logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
			sched = NewScheduler(cat, events, history, dispatcher, mock, logger)

			n, err := sched.Restore(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(status()).To(Equal(domain.EventPendingRecovery))

			mock.Add(29 * time.Second)
			Expect(status()).To(Equal(domain.EventPendingRecovery))
			mock.Add(time.Second)
			Eventually(status).Should(Equal(domain.EventClosed))
		})

		It("closes events whose rule no longer exists", func() {
			Expect(breach()).To(Succeed())
			sched.Stop()

			rule = &domain.Rule{ID: "other", FaultCenterID: "fc-1"}
			publish()
			logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
			sched = NewScheduler(cat, events, history, dispatcher, mock, logger)

			n, err := sched.Restore(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
			Expect(sched.Snapshot()).To(BeEmpty())
		})
	})

	It("closes every event of a removed rule", func() {
		Expect(breach()).To(Succeed())
		Expect(sched.Apply(ctx, domain.Signal{
			RuleID: "r-1", Labels: map[string]string{"service": "db"}, Severity: domain.SeverityP1, Breached: true, Timestamp: mock.Now(),
		})).To(Succeed())
		Expect(sched.Snapshot()).To(HaveLen(2))

		Expect(sched.CloseRule(ctx, "r-1", "rule removed")).To(Equal(2))
		Expect(sched.Snapshot()).To(BeEmpty())
	})
})

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofiber/fiber/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"watchalert/internal/api"
	"watchalert/internal/catalog"
	"watchalert/internal/config"
	"watchalert/internal/domain"
	"watchalert/internal/escalation"
	"watchalert/internal/ingest"
	"watchalert/internal/notify"
	"watchalert/internal/processor"
	queuememory "watchalert/internal/queue/memory"
	"watchalert/internal/store/memory"
)

// hookReceiver collects the messages posted to a custom webhook.
type hookReceiver struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (h *hookReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var msg notify.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (h *hookReceiver) kinds() []domain.NoticeKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.NoticeKind, 0, len(h.messages))
	for _, m := range h.messages {
		out = append(out, m.Kind)
	}
	return out
}

const pipelineRule = `{
	"id": "cpu-high",
	"name": "cpu high",
	"datasourceIds": ["prom-1"],
	"datasourceKind": "Prometheus",
	"config": {"promQL": "node_cpu_usage"},
	"thresholds": [
		{"severity": "P0", "comparisonExpr": ">=95"},
		{"severity": "P1", "comparisonExpr": ">=80"}
	],
	"forDuration": 0,
	"evalInterval": 30,
	"evalUnit": "second",
	"faultCenterId": "infra",
	"enabled": true
}`

var _ = Describe("Signal pipeline", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		mock     *clock.Mock
		app      *fiber.App
		receiver *hookReceiver
		hook     *httptest.Server
		sched    *escalation.Scheduler
		notifier *notify.Service
		records  *memory.NoticeRecordRepository
		q        *queuememory.Queue
		done     chan struct{}
	)

	labels := map[string]string{"host": "db-1"}
	fp := domain.ComputeFingerprint("cpu-high", labels)

	request := func(method, path, body string) *http.Response {
		var reader io.Reader
		if body != "" {
			reader = bytes.NewBufferString(body)
		}
		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req, -1)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	eventStatus := func() domain.EventStatus {
		ev, err := sched.Get(fp)
		if err != nil {
			return domain.EventClosed
		}
		return ev.Status
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		mock = clock.NewMock()
		mock.Set(time.Date(2024, 3, 6, 14, 0, 0, 0, time.UTC))
		logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

		receiver = &hookReceiver{}
		hook = httptest.NewServer(receiver)

		rules := memory.NewRuleRepository()
		configs := memory.NewConfigRepositories()
		history := memory.NewHistoryRepository()
		records = memory.NewNoticeRecordRepository()

		cat := catalog.New()
		source := catalog.NewRepositorySource(rules, configs, cat, mock, logger)
		q = queuememory.NewQueue(64, logger)

		delivery := config.DeliveryConfig{Workers: 2, QueueSize: 32, HTTPTimeout: 5 * time.Second}
		notifier = notify.NewService(delivery, notify.DefaultSenders(delivery, mock), notify.NewRenderer(cat), records, mock, logger)
		notifier.Start(ctx)

		sched = escalation.NewScheduler(cat, memory.NewEventStore(), history, notifier, mock, logger)
		proc := processor.NewService(q, cat, sched, config.EngineConfig{Workers: 4, WorkerQueueSize: 16}, logger)
		done = make(chan struct{})
		go func() {
			defer close(done)
			_ = proc.Start(ctx)
		}()

		app = api.NewServer(api.ServerDeps{
			Config:              &config.ServerConfig{},
			Logger:              logger,
			RuleHandler:         api.NewRuleHandler(rules, cat, source, logger),
			FaultCenterHandler:  api.NewDocumentHandler(api.FaultCenterKind, configs.FaultCenters, cat, source, logger),
			NoticeObjectHandler: api.NewDocumentHandler(api.NoticeObjectKind, configs.NoticeObjects, cat, source, logger),
			SilenceHandler:      api.NewDocumentHandler(api.SilenceKind, configs.Silences, cat, source, logger),
			TemplateHandler:     api.NewDocumentHandler(api.TemplateKind, configs.Templates, cat, source, logger),
			SignalHandler:       api.NewSignalHandler(ingest.NewService(q, cat, mock, logger), logger),
			EventHandler:        api.NewEventHandler(sched, history, records, logger),
		}).App()

		Expect(request(http.MethodPut, "/v1/notice-objects/oncall",
			`{"name":"oncall","channelKind":"CustomHook","defaultHook":"`+hook.URL+`"}`).StatusCode).To(Equal(http.StatusOK))
		Expect(request(http.MethodPut, "/v1/fault-centers/infra",
			`{"defaultNoticeIds":["oncall"],"recoverWaitTimeSeconds":120,"recoverNotify":true,"repeatNoticeIntervalMinutes":60}`).StatusCode).To(Equal(http.StatusOK))
		Expect(request(http.MethodPost, "/v1/rules", pipelineRule).StatusCode).To(Equal(http.StatusCreated))
	})

	AfterEach(func() {
		Expect(q.Close()).To(Succeed())
		Eventually(done).Should(BeClosed())
		cancel()
		sched.Stop()
		notifier.Stop()
		hook.Close()
	})

	It("fires, recovers and closes an event end to end", func() {
		resp := request(http.MethodPost, "/v1/signals", `{"ruleId":"cpu-high","labels":{"host":"db-1"},"value":97,"breached":true}`)
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

		Eventually(eventStatus).Should(Equal(domain.EventFiring))
		ev, err := sched.Get(fp)
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Severity).To(Equal(domain.SeverityP0))
		Eventually(receiver.kinds).Should(Equal([]domain.NoticeKind{domain.NoticeFiring}))

		resp = request(http.MethodPost, "/v1/signals", `{"ruleId":"cpu-high","labels":{"host":"db-1"},"breached":false}`)
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		Eventually(eventStatus).Should(Equal(domain.EventPendingRecovery))
		Eventually(receiver.kinds).Should(Equal([]domain.NoticeKind{domain.NoticeFiring, domain.NoticeRecovery}))

		mock.Add(2 * time.Minute)
		Eventually(eventStatus).Should(Equal(domain.EventClosed))

		Eventually(func() int {
			recs, _ := records.List(ctx, domain.NoticeRecordFilter{Fingerprint: fp, Status: domain.NoticeSent})
			return len(recs)
		}).Should(Equal(2))
	})

	It("turns a value below every threshold into a clear", func() {
		request(http.MethodPost, "/v1/signals", `{"ruleId":"cpu-high","labels":{"host":"db-1"},"value":85,"breached":true}`)
		Eventually(eventStatus).Should(Equal(domain.EventFiring))
		ev, err := sched.Get(fp)
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Severity).To(Equal(domain.SeverityP1))

		request(http.MethodPost, "/v1/signals", `{"ruleId":"cpu-high","labels":{"host":"db-1"},"value":40,"breached":true}`)
		Eventually(eventStatus).Should(Equal(domain.EventPendingRecovery))
	})

	It("drops breaches of a disabled rule", func() {
		disabled := bytes.Replace([]byte(pipelineRule), []byte(`"enabled": true`), []byte(`"enabled": false`), 1)
		Expect(request(http.MethodPost, "/v1/rules", string(disabled)).StatusCode).To(Equal(http.StatusCreated))

		request(http.MethodPost, "/v1/signals", `{"ruleId":"cpu-high","labels":{"host":"db-1"},"value":99,"breached":true}`)
		Consistently(eventStatus, 200*time.Millisecond).Should(Equal(domain.EventClosed))
		Expect(receiver.kinds()).To(BeEmpty())
	})

	It("closes events when their rule is deleted", func() {
		request(http.MethodPost, "/v1/signals", `{"ruleId":"cpu-high","labels":{"host":"db-1"},"value":99,"breached":true}`)
		Eventually(eventStatus).Should(Equal(domain.EventFiring))

		Expect(sched.CloseRule(ctx, "cpu-high", "rule removed")).To(Equal(1))
		Expect(eventStatus()).To(Equal(domain.EventClosed))
	})
})

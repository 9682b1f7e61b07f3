package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofiber/fiber/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"watchalert/internal/catalog"
	"watchalert/internal/config"
	"watchalert/internal/domain"
	"watchalert/internal/escalation"
	"watchalert/internal/ingest"
	"watchalert/internal/notify"
	queuememory "watchalert/internal/queue/memory"
	"watchalert/internal/store/memory"
)

type discardDispatcher struct{}

func (discardDispatcher) Dispatch(notify.Notification) {}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

const ruleSubmission = `{
	"id": "r-1",
	"name": "node down",
	"datasourceIds": ["prom-1"],
	"datasourceKind": "Prometheus",
	"config": {"promQL": "up == 0"},
	"thresholds": [{"severity": "P0", "comparisonExpr": ">=1"}],
	"forDuration": 0,
	"evalInterval": 10,
	"evalUnit": "second",
	"faultCenterId": "fc-1",
	"enabled": true
}`

var _ = Describe("Server", func() {
	var (
		ctx     context.Context
		app     *fiber.App
		cat     *catalog.Catalog
		source  *catalog.RepositorySource
		sched   *escalation.Scheduler
		records *memory.NoticeRecordRepository
		q       *queuememory.Queue
		mock    *clock.Mock
	)

	newApp := func() *fiber.App {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		rules := memory.NewRuleRepository()
		configs := memory.NewConfigRepositories()
		history := memory.NewHistoryRepository()
		records = memory.NewNoticeRecordRepository()

		cat = catalog.New()
		source = catalog.NewRepositorySource(rules, configs, cat, mock, logger)
		reloader := Reloader(source)
		q = queuememory.NewQueue(16, logger)
		sched = escalation.NewScheduler(cat, memory.NewEventStore(), history, discardDispatcher{}, mock, logger)

		srv := NewServer(ServerDeps{
			Config:              &config.ServerConfig{Host: "127.0.0.1", Port: 0},
			Logger:              logger,
			RuleHandler:         NewRuleHandler(rules, cat, reloader, logger),
			FaultCenterHandler:  NewDocumentHandler(FaultCenterKind, configs.FaultCenters, cat, reloader, logger),
			NoticeObjectHandler: NewDocumentHandler(NoticeObjectKind, configs.NoticeObjects, cat, reloader, logger),
			SilenceHandler:      NewDocumentHandler(SilenceKind, configs.Silences, cat, reloader, logger),
			TemplateHandler:     NewDocumentHandler(TemplateKind, configs.Templates, cat, reloader, logger),
			SignalHandler:       NewSignalHandler(ingest.NewService(q, cat, mock, logger), logger),
			EventHandler:        NewEventHandler(sched, history, records, logger),
		})
		return srv.App()
	}

	do := func(method, path, body string) (int, envelope) {
		var reader io.Reader
		if body != "" {
			reader = bytes.NewBufferString(body)
		}
		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req, -1)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		var env envelope
		if len(raw) > 0 {
			Expect(json.Unmarshal(raw, &env)).To(Succeed())
		}
		return resp.StatusCode, env
	}

	seed := func() {
		status, _ := do(http.MethodPut, "/v1/fault-centers/fc-1", `{"defaultNoticeIds":["ops"],"recoverWaitTimeSeconds":60}`)
		Expect(status).To(Equal(http.StatusOK))
		status, _ = do(http.MethodPut, "/v1/notice-objects/ops", `{"name":"ops","channelKind":"Slack","defaultHook":"https://hooks.example.com/ops"}`)
		Expect(status).To(Equal(http.StatusOK))
		status, _ = do(http.MethodPost, "/v1/rules", ruleSubmission)
		Expect(status).To(Equal(http.StatusCreated))
	}

	BeforeEach(func() {
		ctx = context.Background()
		mock = clock.NewMock()
		mock.Set(time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
		app = newApp()
	})

	AfterEach(func() {
		sched.Stop()
		Expect(q.Close()).To(Succeed())
	})

	Describe("health and metrics", func() {
		It("reports healthy", func() {
			status, env := do(http.MethodGet, "/healthz", "")
			Expect(status).To(Equal(http.StatusOK))
			Expect(env.Success).To(BeTrue())
			Expect(string(env.Data)).To(ContainSubstring("healthy"))
		})

		It("serves prometheus metrics", func() {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			resp, err := app.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("rules", func() {
		It("compiles without storing", func() {
			status, env := do(http.MethodPost, "/v1/rules/compile", ruleSubmission)
			Expect(status).To(Equal(http.StatusOK))

			var rule domain.Rule
			Expect(json.Unmarshal(env.Data, &rule)).To(Succeed())
			Expect(rule.Name).To(Equal("node down"))

			status, _ = do(http.MethodGet, "/v1/rules/r-1", "")
			Expect(status).To(Equal(http.StatusNotFound))
		})

		It("names the rejected field", func() {
			status, env := do(http.MethodPost, "/v1/rules/compile", `{"name":"x","datasourceKind":"Graphite"}`)
			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(env.Error.Code).To(Equal(ErrCodeValidationFailed))
			Expect(env.Error.Field).NotTo(BeEmpty())
		})

		It("labels rejected compilations with the submitted kind", func() {
			status, _ := do(http.MethodPost, "/v1/rules/compile", `{"name":"x","datasourceKind":"Prometheus","config":{"promQL":"up =="}}`)
			Expect(status).To(Equal(http.StatusBadRequest))

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			raw, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(raw)).To(ContainSubstring(`watchalert_rule_compilations_total{kind="Prometheus",result="rejected"}`))
		})

		It("stores, lists and deletes a rule", func() {
			seed()

			status, env := do(http.MethodGet, "/v1/rules", "")
			Expect(status).To(Equal(http.StatusOK))
			var rules []domain.Rule
			Expect(json.Unmarshal(env.Data, &rules)).To(Succeed())
			Expect(rules).To(HaveLen(1))

			status, env = do(http.MethodGet, "/v1/rules/r-1?format=submission", "")
			Expect(status).To(Equal(http.StatusOK))
			Expect(string(env.Data)).To(ContainSubstring(`"promQL":"up == 0"`))

			status, _ = do(http.MethodDelete, "/v1/rules/r-1", "")
			Expect(status).To(Equal(http.StatusNoContent))
			status, _ = do(http.MethodDelete, "/v1/rules/r-1", "")
			Expect(status).To(Equal(http.StatusNotFound))
		})
	})

	Describe("configuration documents", func() {
		It("assigns an id on create", func() {
			status, env := do(http.MethodPost, "/v1/notice-objects", `{"name":"oncall","channelKind":"FeiShu","defaultHook":"https://open.feishu.cn/hook/x"}`)
			Expect(status).To(Equal(http.StatusOK))

			var obj domain.NoticeObject
			Expect(json.Unmarshal(env.Data, &obj)).To(Succeed())
			Expect(obj.ID).NotTo(BeEmpty())

			status, _ = do(http.MethodGet, "/v1/notice-objects/"+obj.ID, "")
			Expect(status).To(Equal(http.StatusOK))
		})

		It("keeps path ids intact across later requests", func() {
			for _, id := range []string{"fc-1", "fc-2", "fc-3"} {
				status, _ := do(http.MethodPut, "/v1/fault-centers/"+id, `{"defaultNoticeIds":["ops"],"recoverWaitTimeSeconds":60}`)
				Expect(status).To(Equal(http.StatusOK))
				status, _ = do(http.MethodGet, "/v1/templates/unrelated-request-"+id, "")
				Expect(status).To(Equal(http.StatusNotFound))
			}

			status, env := do(http.MethodGet, "/v1/fault-centers", "")
			Expect(status).To(Equal(http.StatusOK))
			var centers []domain.FaultCenter
			Expect(json.Unmarshal(env.Data, &centers)).To(Succeed())
			ids := make([]string, 0, len(centers))
			for _, fc := range centers {
				ids = append(ids, fc.ID)
			}
			Expect(ids).To(Equal([]string{"fc-1", "fc-2", "fc-3"}))

			for _, id := range ids {
				status, _ = do(http.MethodGet, "/v1/fault-centers/"+id, "")
				Expect(status).To(Equal(http.StatusOK))
			}
			Expect(source.Reload(ctx)).To(Succeed())
		})

		It("rejects invalid documents", func() {
			status, env := do(http.MethodPut, "/v1/notice-objects/bad", `{"name":"bad","channelKind":"Pager"}`)
			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(env.Error.Code).To(Equal(ErrCodeValidationFailed))
		})

		It("returns 404 for unknown documents", func() {
			status, _ := do(http.MethodGet, "/v1/templates/missing", "")
			Expect(status).To(Equal(http.StatusNotFound))
			status, _ = do(http.MethodDelete, "/v1/silences/missing", "")
			Expect(status).To(Equal(http.StatusNotFound))
		})

		It("is read-only without a reloader", func() {
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			configs := memory.NewConfigRepositories()
			app = NewServer(ServerDeps{
				Config:              &config.ServerConfig{},
				Logger:              logger,
				RuleHandler:         NewRuleHandler(memory.NewRuleRepository(), cat, nil, logger),
				FaultCenterHandler:  NewDocumentHandler(FaultCenterKind, configs.FaultCenters, cat, nil, logger),
				NoticeObjectHandler: NewDocumentHandler(NoticeObjectKind, configs.NoticeObjects, cat, nil, logger),
				SilenceHandler:      NewDocumentHandler(SilenceKind, configs.Silences, cat, nil, logger),
				TemplateHandler:     NewDocumentHandler(TemplateKind, configs.Templates, cat, nil, logger),
				SignalHandler:       NewSignalHandler(ingest.NewService(q, cat, mock, logger), logger),
				EventHandler:        NewEventHandler(sched, memory.NewHistoryRepository(), records, logger),
			}).App()

			status, _ := do(http.MethodPut, "/v1/fault-centers/fc-1", `{"defaultNoticeIds":["ops"]}`)
			Expect(status).To(Equal(http.StatusConflict))
			status, _ = do(http.MethodPost, "/v1/rules", ruleSubmission)
			Expect(status).To(Equal(http.StatusConflict))
		})
	})

	Describe("signals", func() {
		It("accepts a breach for a known rule", func() {
			seed()
			status, env := do(http.MethodPost, "/v1/signals", `{"ruleId":"r-1","labels":{"instance":"a"},"severity":"P0","breached":true}`)
			Expect(status).To(Equal(http.StatusAccepted))

			var resp SignalResponse
			Expect(json.Unmarshal(env.Data, &resp)).To(Succeed())
			Expect(resp.Fingerprint).To(Equal(domain.ComputeFingerprint("r-1", map[string]string{"instance": "a"})))
			Expect(q.Len()).To(Equal(1))
		})

		It("rejects invalid signals", func() {
			status, _ := do(http.MethodPost, "/v1/signals", `{"labels":{"instance":"a"},"breached":false}`)
			Expect(status).To(Equal(http.StatusBadRequest))
		})

		It("returns 404 for an unknown rule", func() {
			status, _ := do(http.MethodPost, "/v1/signals", `{"ruleId":"nope","severity":"P0","breached":true}`)
			Expect(status).To(Equal(http.StatusNotFound))
		})
	})

	Describe("events", func() {
		labels := map[string]string{"instance": "a"}
		fp := domain.ComputeFingerprint("r-1", labels)

		BeforeEach(func() {
			seed()
			Expect(sched.Apply(ctx, domain.Signal{
				RuleID: "r-1", Labels: labels, Severity: domain.SeverityP0, Breached: true, Timestamp: mock.Now(),
			})).To(Succeed())
		})

		It("lists and filters events", func() {
			status, env := do(http.MethodGet, "/v1/events?status=Firing", "")
			Expect(status).To(Equal(http.StatusOK))
			var events []domain.Event
			Expect(json.Unmarshal(env.Data, &events)).To(Succeed())
			Expect(events).To(HaveLen(1))
			Expect(events[0].Fingerprint).To(Equal(fp))

			_, env = do(http.MethodGet, "/v1/events?ruleId=other", "")
			Expect(json.Unmarshal(env.Data, &events)).To(Succeed())
			Expect(events).To(BeEmpty())
		})

		It("claims once per user", func() {
			status, env := do(http.MethodPost, "/v1/events/"+fp+"/claim", `{"user":"alice"}`)
			Expect(status).To(Equal(http.StatusOK))
			var ev domain.Event
			Expect(json.Unmarshal(env.Data, &ev)).To(Succeed())
			Expect(ev.Claim.ClaimedBy).To(Equal("alice"))

			status, _ = do(http.MethodPost, "/v1/events/"+fp+"/claim", `{"user":"alice"}`)
			Expect(status).To(Equal(http.StatusOK))

			status, _ = do(http.MethodPost, "/v1/events/"+fp+"/claim", `{"user":"bob"}`)
			Expect(status).To(Equal(http.StatusConflict))

			status, _ = do(http.MethodPost, "/v1/events/"+fp+"/claim", `{}`)
			Expect(status).To(Equal(http.StatusBadRequest))
		})

		It("returns 404 for unknown fingerprints", func() {
			status, _ := do(http.MethodGet, "/v1/events/unknown", "")
			Expect(status).To(Equal(http.StatusNotFound))
			status, _ = do(http.MethodPost, "/v1/events/unknown/claim", `{"user":"alice"}`)
			Expect(status).To(Equal(http.StatusNotFound))
		})

		It("returns the transition history", func() {
			status, env := do(http.MethodGet, "/v1/events/"+fp+"/history", "")
			Expect(status).To(Equal(http.StatusOK))
			var transitions []domain.EventTransition
			Expect(json.Unmarshal(env.Data, &transitions)).To(Succeed())
			Expect(transitions).NotTo(BeEmpty())
			Expect(transitions[len(transitions)-1].To).To(Equal(domain.EventFiring))

			status, _ = do(http.MethodGet, "/v1/events/"+fp+"/history?limit=-1", "")
			Expect(status).To(Equal(http.StatusBadRequest))
		})

		It("filters notice records", func() {
			Expect(records.Create(ctx, &domain.NoticeRecord{
				ID: "n-1", Fingerprint: fp, RuleID: "r-1", Status: domain.NoticeSent, CreatedAt: mock.Now(),
			})).To(Succeed())
			Expect(records.Create(ctx, &domain.NoticeRecord{
				ID: "n-2", Fingerprint: fp, RuleID: "r-1", Status: domain.NoticeFailed, CreatedAt: mock.Now(),
			})).To(Succeed())

			status, env := do(http.MethodGet, "/v1/notice-records?status=failed", "")
			Expect(status).To(Equal(http.StatusOK))
			var recs []domain.NoticeRecord
			Expect(json.Unmarshal(env.Data, &recs)).To(Succeed())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].ID).To(Equal("n-2"))

			status, _ = do(http.MethodGet, "/v1/notice-records?status=bogus", "")
			Expect(status).To(Equal(http.StatusBadRequest))
		})
	})
})

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// getBaseURL returns the base URL for API calls.
// Uses WATCHALERT_BASE_URL if set (for container tests),
// otherwise defaults to localhost:8080.
func getBaseURL() string {
	if url := os.Getenv("WATCHALERT_BASE_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func httpClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
	}
}

// doRequest performs an HTTP request against the running server.
func doRequest(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, getBaseURL()+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return httpClient().Do(req)
}

// parseResponse decodes the response envelope into target.
func parseResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

var _ = Describe("HTTP Integration Tests", Ordered, func() {
	const (
		faultCenterID = "it-fault-center"
		noticeID      = "it-notice"
		ruleID        = "it-rule"
	)
	labels := map[string]string{"host": "it-host-1"}
	var fingerprint string

	BeforeAll(func() {
		resp, err := doRequest(http.MethodGet, "/healthz", nil)
		if err != nil {
			Skip(fmt.Sprintf("Server not reachable at %s: %v", getBaseURL(), err))
		}
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		// Configuration writes are refused when the server runs from a catalog file.
		resp, err = doRequest(http.MethodPut, "/v1/notice-objects/"+noticeID, map[string]any{
			"name":        "integration",
			"channelKind": "CustomHook",
			"defaultHook": "http://127.0.0.1:9/unreachable",
		})
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		if resp.StatusCode == http.StatusConflict {
			Skip("server runs with a file catalog")
		}
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp, err = doRequest(http.MethodPut, "/v1/fault-centers/"+faultCenterID, map[string]any{
			"defaultNoticeIds":       []string{noticeID},
			"recoverWaitTimeSeconds": 1,
		})
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	AfterAll(func() {
		for _, path := range []string{
			"/v1/rules/" + ruleID,
			"/v1/fault-centers/" + faultCenterID,
			"/v1/notice-objects/" + noticeID,
		} {
			if resp, err := doRequest(http.MethodDelete, path, nil); err == nil {
				resp.Body.Close()
			}
		}
	})

	It("compiles and stores a rule", func() {
		resp, err := doRequest(http.MethodPost, "/v1/rules", map[string]any{
			"id":             ruleID,
			"name":           "integration rule",
			"datasourceIds":  []string{"prom-1"},
			"datasourceKind": "Prometheus",
			"config":         map[string]any{"promQL": "up == 0"},
			"thresholds":     []map[string]any{{"severity": "P1", "comparisonExpr": ">0"}},
			"evalInterval":   10,
			"evalUnit":       "second",
			"faultCenterId":  faultCenterID,
			"enabled":        true,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var result map[string]any
		Expect(parseResponse(resp, &result)).To(Succeed())
		data := result["data"].(map[string]any)
		Expect(data["id"]).To(Equal(ruleID))
	})

	It("accepts a breach and opens an event", func() {
		resp, err := doRequest(http.MethodPost, "/v1/signals", map[string]any{
			"ruleId":   ruleID,
			"labels":   labels,
			"severity": "P1",
			"breached": true,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

		var result map[string]any
		Expect(parseResponse(resp, &result)).To(Succeed())
		fingerprint = result["data"].(map[string]any)["fingerprint"].(string)
		Expect(fingerprint).NotTo(BeEmpty())

		Eventually(func() int {
			resp, err := doRequest(http.MethodGet, "/v1/events/"+fingerprint, nil)
			if err != nil {
				return 0
			}
			resp.Body.Close()
			return resp.StatusCode
		}, 5*time.Second, 100*time.Millisecond).Should(Equal(http.StatusOK))
	})

	It("claims the event", func() {
		resp, err := doRequest(http.MethodPost, "/v1/events/"+fingerprint+"/claim", map[string]any{"user": "integration"})
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp, err = doRequest(http.MethodPost, "/v1/events/"+fingerprint+"/claim", map[string]any{"user": "someone-else"})
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
	})

	It("closes the event after a clear and the recovery wait", func() {
		resp, err := doRequest(http.MethodPost, "/v1/signals", map[string]any{
			"ruleId":   ruleID,
			"labels":   labels,
			"breached": false,
		})
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

		Eventually(func() int {
			resp, err := doRequest(http.MethodGet, "/v1/events/"+fingerprint, nil)
			if err != nil {
				return 0
			}
			resp.Body.Close()
			return resp.StatusCode
		}, 10*time.Second, 200*time.Millisecond).Should(Equal(http.StatusNotFound))

		resp, err = doRequest(http.MethodGet, "/v1/events/"+fingerprint+"/history", nil)
		Expect(err).NotTo(HaveOccurred())
		var result map[string]any
		Expect(parseResponse(resp, &result)).To(Succeed())
		Expect(result["data"]).NotTo(BeEmpty())
	})
})

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/engine"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/quota"
	"github.com/opensource-finance/heron/internal/report"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/waiver"
)

type testServer struct {
	*Server
	bus     *bus.ChannelBus
	metrics *metrics.Metrics
}

// createTestServer wires a server over sqlite in a temp dir, an LRU cache
// and an in-process bus. quotaLimit 0 disables the quota.
func createTestServer(t *testing.T, quotaLimit int) *testServer {
	t.Helper()
	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	we, err := waiver.NewEngine()
	if err != nil {
		t.Fatalf("failed to create waiver engine: %v", err)
	}

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	lru := cache.NewLRUCache(100)
	m := metrics.New(false)
	eng := engine.New(rules.MustDefault(), engine.Options{MaxWorkers: 2})
	proc := report.NewProcessor(eng, we, report.Options{
		Repository: repo,
		Cache:      lru,
		Quota:      quota.NewService(lru, quotaLimit, time.Minute),
		Metrics:    m,
	})

	srv := NewServer(cfg, Deps{
		Repository: repo,
		Cache:      lru,
		Bus:        eventBus,
		Engine:     eng,
		Processor:  proc,
		Waivers:    we,
	}, m, "/metrics", "test-v1")
	return &testServer{Server: srv, bus: eventBus, metrics: m}
}

func (s *testServer) do(t *testing.T, method, path, tenantID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(TenantIDHeader, tenantID)
	}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func analyzeBody(consumerID string) domain.AnalyzeRequest {
	return domain.AnalyzeRequest{
		ConsumerID: consumerID,
		AsOf:       "2025-06-15",
		Accounts: []domain.RawAccount{
			{Bureau: domain.BureauTransUnion, Name: "Capital One", AccountNumber: "XXXX1234", Balance: "1000", Status: "Charged off", DateOpened: "2019-01-15", FirstDelinquency: "2021-02-01"},
			{Bureau: domain.BureauEquifax, Name: "CAPITAL ONE", AccountNumber: "XXXX1234", Balance: "1000", Status: "Current", DateOpened: "2019-03-20"},
		},
	}
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	server := createTestServer(t, 0)

	var first domain.Report
	t.Run("SuccessfulAnalysis", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/analyze", "tenant-001", analyzeBody("consumer-1"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		decode(t, rr, &first)

		if first.ID == "" || first.TenantID != "tenant-001" {
			t.Errorf("unexpected identity: %+v", first)
		}
		if first.Result.Summary.Total == 0 {
			t.Error("expected findings")
		}
		if first.Metadata.TraceID == "" {
			t.Error("expected trace ID in metadata")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID response header")
		}
	})

	t.Run("GetReport", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/reports/"+first.ID, "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var got domain.Report
		decode(t, rr, &got)
		if got.InputHash != first.InputHash || len(got.Result.Findings) != len(first.Result.Findings) {
			t.Error("stored report differs from analysis response")
		}
	})

	t.Run("ReportTenantIsolation", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/reports/"+first.ID, "tenant-002", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ConsumerHistory", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/analyze", "tenant-001", analyzeBody("consumer-1"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var second domain.Report
		decode(t, rr, &second)
		if second.Changes == nil || second.Changes.PreviousReportID != first.ID {
			t.Errorf("expected changes against %s, got %+v", first.ID, second.Changes)
		}

		rr = server.do(t, http.MethodGet, "/consumers/consumer-1/reports?limit=10", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var list struct {
			Reports []domain.ReportSummary `json:"reports"`
			Count   int                    `json:"count"`
		}
		decode(t, rr, &list)
		if list.Count != 2 || list.Reports[0].ID != second.ID {
			t.Errorf("expected newest first, got %+v", list.Reports)
		}

		rr = server.do(t, http.MethodGet, "/consumers/consumer-1/reports?limit=zero", "tenant-001", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad limit, got %d", rr.Code)
		}
	})

	t.Run("ValidationErrors", func(t *testing.T) {
		tests := []struct {
			name string
			body interface{}
		}{
			{"invalid JSON", "{not json"},
			{"missing consumer", domain.AnalyzeRequest{Accounts: analyzeBody("x").Accounts}},
			{"bad asOf", domain.AnalyzeRequest{ConsumerID: "c", AsOf: "15/06/2025"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := server.do(t, http.MethodPost, "/analyze", "tenant-001", tt.body)
				if rr.Code != http.StatusBadRequest {
					t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
				}
			})
		}
	})

	t.Run("MissingTenant", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/analyze", "", analyzeBody("consumer-1"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidTenant", func(t *testing.T) {
		for _, tenant := range []string{"*", "tenant.one"} {
			rr := server.do(t, http.MethodGet, "/rules", tenant, nil)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("tenant %q: expected status 400, got %d", tenant, rr.Code)
			}
		}
	})
}

func TestAnalyzeAsync(t *testing.T) {
	server := createTestServer(t, 0)

	received := make(chan domain.AnalyzeRequest, 1)
	_, err := server.bus.Subscribe(context.Background(), "tenant-001", domain.TopicAnalysisRequested, func(ctx context.Context, msg *domain.Message) error {
		var req domain.AnalyzeRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		received <- req
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	rr := server.do(t, http.MethodPost, "/analyze?async=true", "tenant-001", analyzeBody("consumer-1"))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var accepted AcceptedResponse
	decode(t, rr, &accepted)
	if accepted.ReportID == "" || accepted.Status != "accepted" {
		t.Fatalf("unexpected response: %+v", accepted)
	}

	select {
	case req := <-received:
		if req.ReportID != accepted.ReportID || req.ConsumerID != "consumer-1" || len(req.Accounts) != 2 {
			t.Errorf("unexpected queued request: %+v", req)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for queued request")
	}
}

func TestAnalyzeQuota(t *testing.T) {
	server := createTestServer(t, 1)

	if rr := server.do(t, http.MethodPost, "/analyze", "tenant-001", analyzeBody("consumer-1")); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := server.do(t, http.MethodPost, "/analyze", "tenant-001", analyzeBody("consumer-1")); rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", rr.Code)
	}
}

func TestRulesEndpoints(t *testing.T) {
	server := createTestServer(t, 0)

	t.Run("List", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/rules", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Version string                  `json:"version"`
			Rules   []domain.RuleDefinition `json:"rules"`
			Count   int                     `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 43 || len(resp.Rules) != 43 || resp.Version == "" {
			t.Errorf("unexpected catalog: count=%d version=%q", resp.Count, resp.Version)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/rules/31", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var def domain.RuleDefinition
		decode(t, rr, &def)
		if def.ID != 31 || def.Name == "" {
			t.Errorf("unexpected rule: %+v", def)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if rr := server.do(t, http.MethodGet, "/rules/99", "tenant-001", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
		if rr := server.do(t, http.MethodGet, "/rules/abc", "tenant-001", nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestWaiverEndpoints(t *testing.T) {
	server := createTestServer(t, 0)

	var created domain.Waiver
	t.Run("Create", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/waivers", "tenant-001", CreateWaiverRequest{
			Name:       "status dispute handled",
			Expression: "rule_id == 31",
			Reason:     "furnisher corrected",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		decode(t, rr, &created)
		if created.ID == "" || created.TenantID != "tenant-001" {
			t.Errorf("unexpected waiver: %+v", created)
		}
	})

	t.Run("RejectsInvalidExpression", func(t *testing.T) {
		for _, expr := range []string{"rule_id ==", "rule_id + 1", ""} {
			rr := server.do(t, http.MethodPost, "/waivers", "tenant-001", CreateWaiverRequest{Name: "bad", Expression: expr})
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expression %q: expected status 400, got %d", expr, rr.Code)
			}
		}
	})

	t.Run("AppliedToAnalysis", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/analyze", "tenant-001", analyzeBody("consumer-1"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var rep domain.Report
		decode(t, rr, &rep)
		for _, f := range rep.Result.Findings {
			if f.RuleID == 31 {
				t.Error("rule 31 finding should be waived")
			}
		}
		if len(rep.Waived) == 0 || rep.Waived[0].WaiverID != created.ID {
			t.Errorf("expected waived findings from %s, got %+v", created.ID, rep.Waived)
		}
	})

	t.Run("List", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/waivers", "tenant-001", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 waiver, got %d", resp.Count)
		}

		rr = server.do(t, http.MethodGet, "/waivers", "tenant-002", nil)
		decode(t, rr, &resp)
		if resp.Count != 0 {
			t.Errorf("waivers leaked across tenants: %d", resp.Count)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if rr := server.do(t, http.MethodDelete, "/waivers/"+created.ID, "tenant-001", nil); rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr := server.do(t, http.MethodDelete, "/waivers/"+created.ID, "tenant-001", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t, 0)

	rr := server.do(t, http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var resp map[string]string
	decode(t, rr, &resp)
	if resp["status"] != "healthy" || resp["version"] != "test-v1" {
		t.Errorf("unexpected health response: %v", resp)
	}

	if rr := server.do(t, http.MethodGet, "/ready", "", nil); rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := createTestServer(t, 0)
	server.do(t, http.MethodGet, "/rules/31", "tenant-001", nil)

	rr := server.do(t, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `heron_http_requests_total{method="GET",route="/rules/{id}",status="200"} 1`) {
		t.Errorf("expected labelled request counter, got:\n%s", body)
	}
}

func TestWithoutStorage(t *testing.T) {
	eng := engine.New(rules.MustDefault(), engine.Options{})
	srv := NewServer(domain.ServerConfig{}, Deps{
		Engine:    eng,
		Processor: report.NewProcessor(eng, nil, report.Options{}),
	}, nil, "", "test-v1")
	s := &testServer{Server: srv}

	if rr := s.do(t, http.MethodPost, "/analyze", "tenant-001", analyzeBody("consumer-1")); rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := s.do(t, http.MethodGet, "/reports/x", "tenant-001", nil); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodPost, "/analyze?async=true", "tenant-001", analyzeBody("consumer-1")); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodGet, "/metrics", "", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404 without metrics, got %d", rr.Code)
	}
}

func TestMiddleware(t *testing.T) {
	t.Run("CORSPreflight", func(t *testing.T) {
		server := createTestServer(t, 0)
		req := httptest.NewRequest(http.MethodOptions, "/analyze", nil)
		req.Header.Set("Origin", "https://example.test")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://example.test" {
			t.Errorf("unexpected origin header %q", got)
		}
	})

	t.Run("RequestIDPropagated", func(t *testing.T) {
		server := createTestServer(t, 0)
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if got := rr.Header().Get(RequestIDHeader); got != "req-123" {
			t.Errorf("expected request ID echoed, got %q", got)
		}
	})

	t.Run("Recover", func(t *testing.T) {
		h := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}

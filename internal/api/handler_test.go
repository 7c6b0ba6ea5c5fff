package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/askdb/askdb/internal/api/uistatic"
	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/database"
	"github.com/askdb/askdb/internal/llm"
)

type stubLLM struct {
	replies  []string
	err      error
	requests []llm.Request
}

func (s *stubLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", errors.New("stub exhausted")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func TestHealthEndpoint(t *testing.T) {
	cfg := testConfig(t, nil)
	h := NewHandler(cfg, Dependencies{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReadyFailsWithoutAPIKey(t *testing.T) {
	cfg := testConfig(t, nil)
	h := NewHandler(cfg, Dependencies{
		Readiness: CheckCredentials(cfg),
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}

	cfg = testConfig(t, map[string]string{"GOOGLE_API_KEY": "key-1"})
	h = NewHandler(cfg, Dependencies{Readiness: CheckCredentials(cfg)})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestAskAnswersSeededCountQuestion(t *testing.T) {
	cfg := testConfig(t, nil)
	stub := &stubLLM{replies: []string{
		"SELECT COUNT(*) FROM t_shirts",
		"There are 37 t-shirts in the database.",
	}}
	h := NewHandler(cfg, Dependencies{
		LLM:   stub,
		Chain: cfg.Chain,
		OpenHandle: seededOpener(t, func(mock sqlmock.Sqlmock) {
			mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM t_shirts")).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(37))
		}),
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, askReq(`{"question":"How many t-shirts are in the database?"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}

	var body askResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.Contains(body.Answer, "37") {
		t.Fatalf("answer = %q, want it to contain 37", body.Answer)
	}
	if body.SQL != "SELECT COUNT(*) FROM t_shirts" {
		t.Fatalf("sql = %q", body.SQL)
	}
	if body.TraceID == "" {
		t.Fatal("trace_id missing")
	}
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	cfg := testConfig(t, nil)
	h := NewHandler(cfg, Dependencies{
		LLM:        &stubLLM{},
		Chain:      cfg.Chain,
		OpenHandle: seededOpener(t, nil),
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, askReq(`{"question":"  "}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	assertErrorCode(t, rr, "QUESTION_REQUIRED")
}

func TestAskReportsDatabaseUnavailable(t *testing.T) {
	cfg := testConfig(t, nil)
	stub := &stubLLM{}
	h := NewHandler(cfg, Dependencies{
		LLM:   stub,
		Chain: cfg.Chain,
		OpenHandle: func(context.Context) (*database.Handle, error) {
			return nil, database.ErrConnect
		},
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, askReq(`{"question":"How many t-shirts?"}`))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	assertErrorCode(t, rr, "DB_UNAVAILABLE")
	if len(stub.requests) != 0 {
		t.Fatalf("model calls = %d, none expected when the database is down", len(stub.requests))
	}

	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	extra, _ := body["context"].(map[string]any)
	if extra["remediation"] != Remediation {
		t.Fatalf("remediation = %v", extra["remediation"])
	}
}

func TestAskReportsQueryExecutionFailure(t *testing.T) {
	cfg := testConfig(t, nil)
	h := NewHandler(cfg, Dependencies{
		LLM:   &stubLLM{replies: []string{"SELECT colour FROM t_shirts"}},
		Chain: cfg.Chain,
		OpenHandle: seededOpener(t, func(mock sqlmock.Sqlmock) {
			mock.ExpectQuery(regexp.QuoteMeta("SELECT colour FROM t_shirts")).
				WillReturnError(errors.New("Unknown column 'colour'"))
		}),
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, askReq(`{"question":"What colours are there?"}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	assertErrorCode(t, rr, "QUERY_EXECUTION_FAILED")
}

func TestAskReportsModelFailure(t *testing.T) {
	cfg := testConfig(t, nil)
	h := NewHandler(cfg, Dependencies{
		LLM:        &stubLLM{err: llm.ErrUpstream},
		Chain:      cfg.Chain,
		OpenHandle: seededOpener(t, nil),
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, askReq(`{"question":"How many t-shirts?"}`))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	assertErrorCode(t, rr, "MODEL_UPSTREAM_FAILED")
}

func TestSloganEndpoint(t *testing.T) {
	cfg := testConfig(t, nil)
	stub := &stubLLM{replies: []string{"Just Brew It."}}
	h := NewHandler(cfg, Dependencies{LLM: stub, Chain: cfg.Chain})

	req := httptest.NewRequest(http.MethodPost, "/v1/slogan", strings.NewReader(`{"topic":"coffee"}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}

	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["slogan"] != "Just Brew It." {
		t.Fatalf("slogan = %v", body["slogan"])
	}
	if !strings.Contains(stub.requests[0].User, "coffee") {
		t.Fatalf("prompt = %q", stub.requests[0].User)
	}
}

func TestSchemaEndpointReturnsTableInfo(t *testing.T) {
	cfg := testConfig(t, nil)
	h := NewHandler(cfg, Dependencies{OpenHandle: seededOpener(t, nil)})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	tables, ok := body["tables"].([]any)
	if !ok || len(tables) != 1 || tables[0] != "t_shirts" {
		t.Fatalf("tables = %#v", body["tables"])
	}
	if info, _ := body["table_info"].(string); !strings.Contains(info, "CREATE TABLE t_shirts") {
		t.Fatalf("table_info = %q", body["table_info"])
	}
}

func TestAskRequiresKeyWhenAuthEnabled(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"ASKDB_AUTH_REQUIRED":    "true",
		"ASKDB_AUTH_STATIC_KEYS": "k1",
	})
	validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	stub := &stubLLM{replies: []string{
		"SELECT COUNT(*) FROM t_shirts",
		"There is 1 t-shirt.",
	}}
	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		LLM:            stub,
		Chain:          cfg.Chain,
		OpenHandle: seededOpener(t, func(mock sqlmock.Sqlmock) {
			mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM t_shirts")).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		}),
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, askReq(`{"question":"How many?"}`))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d", rr.Code)
	}

	req := askReq(`{"question":"How many?"}`)
	req.Header.Set("X-API-Key", "k1")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status with key = %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestUIFallbackServesIndex(t *testing.T) {
	cfg := testConfig(t, nil)
	h := NewHandler(cfg, Dependencies{UI: uistatic.Handler()})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Database Q&amp;A") {
		t.Fatalf("index.html not served:\n%s", rr.Body.String()[:120])
	}
}

// =============================================================================

func testConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	if env == nil {
		env = map[string]string{}
	}
	cfg, err := config.Load("askdb-api", func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	})
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func askReq(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(body))
}

// seededOpener returns a HandleOpener backed by sqlmock with a one-table
// schema; expect customizes the statements the request is going to run.
func seededOpener(t *testing.T, expect func(sqlmock.Sqlmock)) HandleOpener {
	t.Helper()
	return func(ctx context.Context) (*database.Handle, error) {
		raw, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock.New() error = %v", err)
		}
		db := sqlx.NewDb(raw, "sqlmock")

		mock.ExpectQuery("SELECT table_name").
			WithArgs("atliq_tshirts").
			WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("t_shirts"))
		mock.ExpectQuery("SELECT column_name, column_type").
			WithArgs("atliq_tshirts", "t_shirts").
			WillReturnRows(sqlmock.NewRows([]string{"column_name", "column_type"}).
				AddRow("t_shirt_id", "int(11)").
				AddRow("brand", "varchar(25)"))
		if expect != nil {
			expect(mock)
		}

		return database.New(ctx, db, "atliq_tshirts", 0)
	}
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error_code"] != want {
		t.Fatalf("error_code = %v, want %s", body["error_code"], want)
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/engine"
	"caseline/internal/migrate"
	"caseline/internal/pipeline"
)

const testSecret = "test-secret"

type testServer struct {
	Handler http.Handler
	Engine  engine.Engine
	Ctx     context.Context
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	eng := engine.New(conn, config.Default("caseline-test"))
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	runner := &pipeline.Runner{Engine: eng, Suspender: pipeline.NopSuspender{}}

	h, err := New(Config{
		Engine: eng,
		Runner: runner,
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testServer{Handler: h, Engine: eng, Ctx: context.Background()}
}

// doJSON performs a request with the legacy operator header unless the caller
// set credentials of its own.
func (s *testServer) doJSON(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	authed := false
	for k, v := range headers {
		req.Header.Set(k, v)
		switch http.CanonicalHeaderKey(k) {
		case "Authorization", "X-Api-Key", "X-Actor-Id":
			authed = true
		}
	}
	if !authed {
		req.Header.Set("X-Actor-Id", "tester")
	}
	rec := httptest.NewRecorder()
	s.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func signJWT(t *testing.T, subject string, permissions ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Permissions: permissions,
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func TestUnauthenticatedRejected(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v0/cases", nil)
	rec := httptest.NewRecorder()
	s.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rec, &body)
	if body.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", body.Error.Code)
	}
}

func TestHealthIsExempt(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v0/health", nil)
	rec := httptest.NewRecorder()
	s.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := s.doJSON(t, http.MethodPost, "/v0/cases", map[string]any{
		"id":   "case-1",
		"name": "Inspection reports 2023",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}

	// No analyzer is wired, so the run falls to the safe default and gates.
	rec = s.doJSON(t, http.MethodPost, "/v0/runs", map[string]any{"case_id": "case-1"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start run: %d %s", rec.Code, rec.Body.String())
	}
	var runResp RunResponse
	decodeBody(t, rec, &runResp)
	if !runResp.Suspended {
		t.Fatalf("expected suspended run, got %+v", runResp)
	}

	rec = s.doJSON(t, http.MethodGet, "/v0/cases/case-1/view", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("view: %d %s", rec.Code, rec.Body.String())
	}
	var view struct {
		ReviewState    string `json:"review_state"`
		ActiveProposal *struct {
			ID          string  `json:"id"`
			ActionType  string  `json:"action_type"`
			ResumeToken *string `json:"resume_token"`
		} `json:"active_proposal"`
	}
	decodeBody(t, rec, &view)
	if view.ReviewState != "awaiting_human" {
		t.Fatalf("review_state = %q", view.ReviewState)
	}
	if view.ActiveProposal == nil || view.ActiveProposal.ResumeToken == nil {
		t.Fatalf("expected gated proposal with token in view: %s", rec.Body.String())
	}
	if view.ActiveProposal.ActionType != "escalate" {
		t.Fatalf("action = %q", view.ActiveProposal.ActionType)
	}

	rec = s.doJSON(t, http.MethodPost, "/v0/resume", map[string]any{
		"token":    *view.ActiveProposal.ResumeToken,
		"decision": "DISMISS",
		"note":     "handled offline",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: %d %s", rec.Code, rec.Body.String())
	}
	var resume ResumeResponse
	decodeBody(t, rec, &resume)
	if resume.CaseID != "case-1" || resume.Suspended {
		t.Fatalf("resume response = %+v", resume)
	}

	rec = s.doJSON(t, http.MethodGet, "/v0/cases/case-1", nil, nil)
	var c struct {
		Status        string `json:"status"`
		RequiresHuman bool   `json:"requires_human"`
	}
	decodeBody(t, rec, &c)
	if c.Status != "awaiting_response" || c.RequiresHuman {
		t.Fatalf("case after dismissal = %+v", c)
	}
}

func TestResumeRequiresPermission(t *testing.T) {
	s := newTestServer(t)
	headers := map[string]string{"Authorization": "Bearer " + signJWT(t, "reviewer")}
	rec := s.doJSON(t, http.MethodPost, "/v0/resume", map[string]any{
		"token":    "whatever",
		"decision": "DISMISS",
	}, headers)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}

	// With the permission the request clears auth and fails on the token.
	headers["Authorization"] = "Bearer " + signJWT(t, "reviewer", PermResolve)
	rec = s.doJSON(t, http.MethodPost, "/v0/resume", map[string]any{
		"token":    "no-such-token",
		"decision": "DISMISS",
	}, headers)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
}

func TestJWTWithoutSubjectRejected(t *testing.T) {
	s := newTestServer(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := s.doJSON(t, http.MethodGet, "/v0/cases", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAPIKeyAuthenticates(t *testing.T) {
	s := newTestServer(t)
	rec := s.doJSON(t, http.MethodPost, "/v0/keys", map[string]any{
		"actor_id": "automation",
		"name":     "ci",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create key: %d %s", rec.Code, rec.Body.String())
	}
	var created CreateKeyResponse
	decodeBody(t, rec, &created)
	if created.Raw == "" {
		t.Fatalf("raw key missing")
	}

	rec = s.doJSON(t, http.MethodGet, "/v0/cases", nil, map[string]string{"X-Api-Key": created.Raw})
	if rec.Code != http.StatusOK {
		t.Fatalf("key auth: %d %s", rec.Code, rec.Body.String())
	}

	rec = s.doJSON(t, http.MethodGet, "/v0/cases", nil, map[string]string{"X-Api-Key": "bogus"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bogus key: %d", rec.Code)
	}
}

func TestInboundMessageStartsRun(t *testing.T) {
	s := newTestServer(t)
	if rec := s.doJSON(t, http.MethodPost, "/v0/cases", map[string]any{
		"id": "case-1", "name": "Payroll records",
	}, nil); rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}

	noRun := false
	rec := s.doJSON(t, http.MethodPost, "/v0/cases/case-1/messages", map[string]any{
		"subject":   "Re: Payroll records",
		"body":      "Your request is in processing.",
		"start_run": noRun,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("message: %d %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if _, ok := body["run"]; ok {
		t.Fatalf("start_run=false must not start a run: %s", rec.Body.String())
	}

	rec = s.doJSON(t, http.MethodGet, "/v0/cases/case-1", nil, nil)
	var c struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &c)
	if c.Status != "responded" {
		t.Fatalf("status = %q", c.Status)
	}
}

func TestEventsPagination(t *testing.T) {
	s := newTestServer(t)
	for _, id := range []string{"a", "b", "c"} {
		if rec := s.doJSON(t, http.MethodPost, "/v0/cases", map[string]any{
			"id": id, "name": "Case " + id,
		}, nil); rec.Code != http.StatusCreated {
			t.Fatalf("create %s: %d", id, rec.Code)
		}
	}
	rec := s.doJSON(t, http.MethodGet, "/v0/events?limit=2", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: %d %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Events     []map[string]any `json:"events"`
		NextCursor string           `json:"next_cursor"`
	}
	decodeBody(t, rec, &page)
	if len(page.Events) != 2 || page.NextCursor == "" {
		t.Fatalf("page = %+v", page)
	}

	rec = s.doJSON(t, http.MethodGet, "/v0/events?limit=2&cursor="+page.NextCursor, nil, nil)
	var next struct {
		Events []map[string]any `json:"events"`
	}
	decodeBody(t, rec, &next)
	if len(next.Events) == 0 {
		t.Fatalf("second page empty")
	}

	rec = s.doJSON(t, http.MethodGet, "/v0/events?cursor=banana", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor: %d", rec.Code)
	}
}

func TestCancelClosedCaseConflicts(t *testing.T) {
	s := newTestServer(t)
	if rec := s.doJSON(t, http.MethodPost, "/v0/cases", map[string]any{
		"id": "case-1", "name": "Meeting minutes",
	}, nil); rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	if rec := s.doJSON(t, http.MethodPost, "/v0/cases/case-1/complete", map[string]any{}, nil); rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}
	rec := s.doJSON(t, http.MethodPost, "/v0/cases/case-1/cancel", map[string]any{}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel closed: %d %s", rec.Code, rec.Body.String())
	}
}

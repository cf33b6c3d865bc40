package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"call-tracker/internal/audit"
	"call-tracker/internal/auth"
	"call-tracker/internal/calls"
	"call-tracker/internal/config"
	"call-tracker/internal/rbac"
	"call-tracker/internal/reconcile"
	"call-tracker/internal/reporting"
	"call-tracker/pkg/retry"
	"call-tracker/pkg/utils"

	"github.com/gin-gonic/gin"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var fastRetry = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}

type fixture struct {
	repo  *calls.MemoryRepo
	trail *audit.MemoryRepo
	auth  *auth.Manager
	h     Handlers
	r     *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := calls.NewMemoryRepo()
	clock := func() time.Time { return testNow }
	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	trail := audit.NewMemoryRepo()
	h := Handlers{
		Auth:       m,
		Audit:      audit.NewService(trail),
		Calls:      calls.NewService(repo, calls.WithClock(clock)),
		Reporting:  reporting.NewService(repo, fastRetry, nil),
		Reconciler: reconcile.New(repo, reconcile.WithClock(clock), reconcile.WithRetryPolicy(fastRetry)),
	}

	f := &fixture{repo: repo, trail: trail, auth: m, h: h}
	f.mount()
	return f
}

func (f *fixture) mount() {
	r := gin.New()
	r.GET("/healthz", f.h.Health)
	api := r.Group("/api")
	api.POST("/events", f.h.Events)
	api.GET("/cron", f.h.Cron)
	api.GET("/monitor", f.h.Monitor)
	api.POST("/auth/token", f.h.IssueToken)
	api.GET("/calls/new-id", f.h.NewCallID)
	api.GET("/metrics", auth.RequireAccessToken(f.auth), rbac.RequireAnyRole(rbac.DashboardRoles...), f.h.Metrics)
	f.r = r
}

func (f *fixture) do(method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func (f *fixture) event(ev map[string]string) *httptest.ResponseRecorder {
	return f.do(http.MethodPost, "/api/events", ev, nil)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func started(id string) map[string]string {
	return map[string]string{
		"type": "call_started", "call_id": id,
		"from": "+15551234567", "to": "15557654321",
		"started": "2024-03-01T11:00:00Z",
	}
}

func endedAt(id, ts string) map[string]string {
	return map[string]string{
		"type": "call_ended", "call_id": id,
		"from": "+15551234567", "to": "15557654321",
		"ended": ts,
	}
}

func TestEvents_StartThenEnd(t *testing.T) {
	f := newFixture(t)

	w := f.event(started("c1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", w.Code, w.Body.String())
	}

	w = f.event(endedAt("c1", "2024-03-01T11:05:07Z"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["duration"]; got != "5m 7s" {
		t.Fatalf("expected duration 5m 7s, got %v", got)
	}

	c, _ := f.repo.Get(context.Background(), "c1")
	if c.Status != calls.StatusEnded || *c.Duration != 307 {
		t.Fatalf("unexpected stored call %+v", c)
	}
}

func TestEvents_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	if w := f.event(started("open")); w.Code != http.StatusCreated {
		t.Fatalf("seed: %d", w.Code)
	}
	if w := f.event(started("closed")); w.Code != http.StatusCreated {
		t.Fatalf("seed: %d", w.Code)
	}
	if w := f.event(endedAt("closed", "2024-03-01T11:01:00Z")); w.Code != http.StatusOK {
		t.Fatalf("seed: %d", w.Code)
	}

	badNumber := started("x")
	badNumber["from"] = "555-1234"
	missingID := started("")
	badType := started("y")
	badType["type"] = "call_paused"

	cases := []struct {
		name     string
		ev       map[string]string
		status   int
		code     string
		contains string
	}{
		{"bad number", badNumber, http.StatusBadRequest, "", "Invalid phone number"},
		{"missing id", missingID, http.StatusBadRequest, "", "Missing required fields"},
		{"bad type", badType, http.StatusBadRequest, "", "Invalid type"},
		{"duplicate", started("open"), http.StatusConflict, "DUPLICATE_CALL_ID", "already exists"},
		{"unknown call", endedAt("ghost", "2024-03-01T11:05:00Z"), http.StatusNotFound, "", "Call not found"},
		{"already ended", endedAt("closed", "2024-03-01T11:05:00Z"), http.StatusConflict, "CALL_ALREADY_ENDED", "already ended"},
		{"bad timestamp", endedAt("open", "yesterday"), http.StatusBadRequest, "", "Invalid date format"},
		{"end before start", endedAt("open", "2024-03-01T10:00:00Z"), http.StatusBadRequest, "", "before start"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.event(tc.ev)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d %s", tc.status, w.Code, w.Body.String())
			}
			body := decode(t, w)
			if msg, _ := body["error"].(string); !strings.Contains(msg, tc.contains) {
				t.Fatalf("expected error containing %q, got %q", tc.contains, msg)
			}
			if tc.code != "" && body["code"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["code"])
			}
		})
	}
}

func TestEvents_DurationOverMaximum(t *testing.T) {
	f := newFixture(t)
	f.event(started("long"))

	w := f.event(endedAt("long", "2024-03-01T12:00:01Z"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if got := decode(t, w)["duration"]; got != "1h 1s" {
		t.Fatalf("expected formatted duration, got %v", got)
	}
	c, _ := f.repo.Get(context.Background(), "long")
	if c.Status != calls.StatusStarted {
		t.Fatalf("call should stay open, got %s", c.Status)
	}
}

func TestEvents_UpdateConflict(t *testing.T) {
	f := newFixture(t)
	f.event(started("raced"))
	f.repo.Fault = func(op calls.Op, id string) error {
		if op == calls.OpMarkEnded {
			f.repo.Fault = nil
			_ = f.repo.MarkEnded(context.Background(), id, testNow, 10)
		}
		return nil
	}

	w := f.event(endedAt("raced", "2024-03-01T11:05:00Z"))
	if w.Code != http.StatusConflict || decode(t, w)["code"] != "UPDATE_CONFLICT" {
		t.Fatalf("expected 409 UPDATE_CONFLICT, got %d %s", w.Code, w.Body.String())
	}
}

func TestEvents_InvalidJSON(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/events", "{not json", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEvents_StoreFailureIs500(t *testing.T) {
	f := newFixture(t)
	f.repo.Fault = func(op calls.Op, _ string) error {
		if op == calls.OpInsert {
			return errors.New("connection reset")
		}
		return nil
	}
	w := f.event(started("c1"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection reset") {
		t.Fatalf("internal error leaked: %s", w.Body.String())
	}
}

func bearer(t *testing.T, m *auth.Manager, role string) http.Header {
	t.Helper()
	pair, err := m.IssuePair(time.Now(), "user-1", role)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return http.Header{"Authorization": []string{"Bearer " + pair.AccessToken}}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	f.event(started("a"))
	f.event(endedAt("a", "2024-03-01T11:00:10Z"))
	f.event(started("b"))
	f.event(endedAt("b", "2024-03-01T11:00:30Z"))
	f.event(started("c"))

	if w := f.do(http.MethodGet, "/api/metrics", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/api/metrics", nil, bearer(t, f.auth, rbac.RoleOperator)); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator, got %d", w.Code)
	}

	w := f.do(http.MethodGet, "/api/metrics", nil, bearer(t, f.auth, rbac.RoleViewer))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	want := map[string]float64{
		"totalCalls": 3, "failedCalls": 0, "pendingCalls": 1,
		"averageDuration": 20, "maxDuration": 30, "minDuration": 10, "errorRate": 0,
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s: expected %v, got %v", k, v, body[k])
		}
	}
}

func TestMetrics_UnavailableDetailsOnlyWhenExposed(t *testing.T) {
	f := newFixture(t)
	f.repo.Fault = func(op calls.Op, _ string) error {
		if op == calls.OpListDurations {
			return errors.New("db down")
		}
		return nil
	}
	hdr := bearer(t, f.auth, rbac.RoleAnalyst)

	w := f.do(http.MethodGet, "/api/metrics", nil, hdr)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if _, ok := decode(t, w)["details"]; ok {
		t.Fatal("details must not be exposed by default")
	}

	f.h.ExposeErrorDetails = true
	f.mount()
	w = f.do(http.MethodGet, "/api/metrics", nil, hdr)
	if d, _ := decode(t, w)["details"].(string); !strings.Contains(d, "db down") {
		t.Fatalf("expected details, got %q", w.Body.String())
	}
}

func TestCronAndMonitor(t *testing.T) {
	f := newFixture(t)
	put := func(id string, age time.Duration) {
		f.repo.Put(calls.Call{ID: id, From: "1", To: "2", Started: testNow.Add(-age), Status: calls.StatusStarted})
	}
	put("fresh", 10*time.Minute)
	put("stale", 90*time.Minute)
	put("lost", 3*time.Hour)

	w := f.do(http.MethodGet, "/api/cron", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decode(t, w)
	if body["success"] != true || body["updatedCalls"] != float64(1) {
		t.Fatalf("unexpected cron body %v", body)
	}
	if evs := f.trail.Events(); len(evs) != 1 || evs[0].Type != audit.EventTypeSweepTriggered {
		t.Fatalf("unexpected audit trail %+v", evs)
	}

	w = f.do(http.MethodGet, "/api/monitor", nil, nil)
	if w.Code != http.StatusOK || decode(t, w)["failedCalls"] != float64(1) {
		t.Fatalf("unexpected monitor response %d %s", w.Code, w.Body.String())
	}
}

func TestMonitor_ReadFailure(t *testing.T) {
	f := newFixture(t)
	f.repo.Fault = func(calls.Op, string) error { return errors.New("db down") }
	if w := f.do(http.MethodGet, "/api/monitor", nil, nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestIssueToken(t *testing.T) {
	f := newFixture(t)

	if w := f.do(http.MethodPost, "/api/auth/token", map[string]string{"user_id": "u"}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without role, got %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/api/auth/token", map[string]string{"user_id": "u", "role": "root"}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", w.Code)
	}

	w := f.do(http.MethodPost, "/api/auth/token", map[string]string{"user_id": "u", "role": rbac.RoleAnalyst}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	tok, _ := decode(t, w)["access_token"].(string)
	if _, err := f.auth.Verify(tok, auth.TokenTypeAccess, time.Now()); err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	evs := f.trail.Events()
	if len(evs) != 1 || evs[0].Type != audit.EventTypeTokenIssued || evs[0].ActorRole != rbac.RoleAnalyst {
		t.Fatalf("unexpected audit trail %+v", evs)
	}
}

func TestNewCallID(t *testing.T) {
	f := newFixture(t)
	a := decode(t, f.do(http.MethodGet, "/api/calls/new-id", nil, nil))["call_id"]
	b := decode(t, f.do(http.MethodGet, "/api/calls/new-id", nil, nil))["call_id"]
	if a == "" || a == b {
		t.Fatalf("expected distinct ids, got %v %v", a, b)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	if w := f.do(http.MethodGet, "/healthz", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	f.h.Ping = func(context.Context) error { return errors.New("down") }
	f.mount()
	if w := f.do(http.MethodGet, "/healthz", nil, nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

type fakeCounter struct {
	decision utils.RateDecision
	err      error
	keys     []string
}

func (c *fakeCounter) Allow(_ context.Context, key string) (utils.RateDecision, error) {
	c.keys = append(c.keys, key)
	return c.decision, c.err
}

func rateRouter(counter RateCounter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimit(counter, 100, "secret"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimit(t *testing.T) {
	cases := []struct {
		name    string
		counter RateCounter
		want    int
	}{
		{"no counter", nil, http.StatusOK},
		{"allowed", &fakeCounter{decision: utils.RateDecision{Allowed: true, Remaining: 5}}, http.StatusOK},
		{"over", &fakeCounter{decision: utils.RateDecision{Allowed: false, ResetIn: 1500 * time.Millisecond}}, http.StatusTooManyRequests},
		{"counter down", &fakeCounter{err: errors.New("redis down")}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			req.Header.Set(auth.APIKeyHeader, "k")
			rateRouter(tc.counter).ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
			if w.Header().Get("X-RateLimit-Limit") != "100" {
				t.Fatalf("missing X-RateLimit-Limit header")
			}
			if tc.want == http.StatusTooManyRequests && w.Header().Get("Retry-After") != "2" {
				t.Fatalf("expected Retry-After 2, got %q", w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestRateLimit_KeysByAPIKeyThenIP(t *testing.T) {
	counter := &fakeCounter{decision: utils.RateDecision{Allowed: true}}
	r := rateRouter(counter)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(auth.APIKeyHeader, "secret")
	r.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(httptest.NewRecorder(), req)

	if len(counter.keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", counter.keys)
	}
	if !strings.HasPrefix(counter.keys[0], "ratelimit:key:") || strings.Contains(counter.keys[0], "secret") {
		t.Fatalf("unexpected api key bucket %q", counter.keys[0])
	}
	if counter.keys[1] != "ratelimit:ip:10.0.0.1" {
		t.Fatalf("unexpected ip bucket %q", counter.keys[1])
	}
}

func TestRateLimit_WrongKeysShareTheIPBucket(t *testing.T) {
	counter := &fakeCounter{decision: utils.RateDecision{Allowed: true}}
	r := rateRouter(counter)

	for _, key := range []string{"guess-1", "guess-2", "secre"} {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.0.0.9:5555"
		req.Header.Set(auth.APIKeyHeader, key)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	for _, k := range counter.keys {
		if k != "ratelimit:ip:10.0.0.9" {
			t.Fatalf("unverified key must fall back to the ip bucket, got %v", counter.keys)
		}
	}
	if len(counter.keys) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(counter.keys))
	}
}

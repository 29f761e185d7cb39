package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"fatsecret-proxy-go/internal/client"
	"fatsecret-proxy-go/internal/config"
	"fatsecret-proxy-go/internal/metrics"
	"fatsecret-proxy-go/internal/route"
	"fatsecret-proxy-go/internal/service"
)

// fakeUpstream counts calls and answers with handler.
type fakeUpstream struct {
	*httptest.Server
	calls atomic.Int32
}

func newFakeUpstream(t *testing.T, handler http.HandlerFunc) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func jsonReply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		FatSecret: config.FatSecretConfig{
			ClientID:     "fs-id",
			ClientSecret: "fs-secret",
			OAuthURL:     upstreamURL + "/connect/token",
			APIBaseURL:   upstreamURL + "/rest/",
			Scope:        "basic",
		},
		GymMaster: config.GymMasterConfig{
			SiteName:          "elitefitnessclub",
			MemberAPIKey:      "member-key",
			StaffAPIKey:       "staff-key",
			GatekeeperAPIKey:  "gk-key",
			PortalBaseURL:     upstreamURL + "/portal/api/v1/",
			GatekeeperBaseURL: upstreamURL + "/gatekeeper_api/v2/",
		},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  5,
			IdleConnections: 10,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// newTestEcho builds the full route set against cfg.
func newTestEcho(t *testing.T, cfg *config.Config) (*echo.Echo, *metrics.Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	table := route.Build(cfg)
	svc := service.NewProxyServiceForTest(client.NewUpstreamClient(cfg, logger, m), table, logger)

	e := echo.New()
	RegisterRoutes(e, cfg, table, NewProxyHandler(svc, m, logger), NewHealthHandler(table, "test"), m)
	return e, m
}

func serve(e *echo.Echo, method, target, contentType, body string, header map[string]string) *httptest.ResponseRecorder {
	var r io.Reader = http.NoBody
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

// proxyErrorCount reads fatsecret_proxy_errors_total for one route and kind.
func proxyErrorCount(t *testing.T, m *metrics.Metrics, routeName string, kind service.Kind) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "fatsecret_proxy_errors_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["route"] == routeName && labels["kind"] == string(kind) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestProxy_MethodNotAllowed(t *testing.T) {
	up := newFakeUpstream(t, jsonReply(http.StatusOK, `{}`))
	e, _ := newTestEcho(t, testConfig(up.URL))

	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/auth/token/", "Only POST requests are allowed"},
		{http.MethodGet, "/gymmaster/signup/", "Only POST requests are allowed"},
		{http.MethodPut, "/gymmaster/login/email/", "Only POST requests are allowed"},
		{http.MethodDelete, "/gymmaster/member/bookings", "Only GET and POST requests are allowed"},
		{http.MethodPatch, "/fatsecret/foods/v1", "Only GET and POST requests are allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := serve(e, tt.method, tt.path, "", "", nil)
			if rec.Code != http.StatusMethodNotAllowed {
				t.Fatalf("status = %d, want 405", rec.Code)
			}
			if got := decodeEnvelope(t, rec)["error"]; got != tt.want {
				t.Errorf("error = %v, want %q", got, tt.want)
			}
		})
	}
	if up.calls.Load() != 0 {
		t.Errorf("upstream calls = %d, want 0", up.calls.Load())
	}
}

func TestProxy_TokenSuccess(t *testing.T) {
	const token = `{"access_token":"abc","token_type":"Bearer","expires_in":86400}`
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "fs-id" || pass != "fs-secret" {
			t.Errorf("BasicAuth() = %q, %q, %v", user, pass, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("grant_type") != "client_credentials" || r.PostForm.Get("scope") != "basic" {
			t.Errorf("form = %v", r.PostForm)
		}
		jsonReply(http.StatusOK, token)(w, r)
	})
	e, _ := newTestEcho(t, testConfig(up.URL))

	rec := serve(e, http.MethodPost, "/auth/token/", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != token {
		t.Errorf("body = %s, want verbatim upstream body", rec.Body)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != echo.MIMEApplicationJSON {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestProxy_TokenUpstreamErrorWrapped(t *testing.T) {
	up := newFakeUpstream(t, jsonReply(http.StatusUnauthorized, `{"error":"invalid_client"}`))
	e, m := newTestEcho(t, testConfig(up.URL))

	rec := serve(e, http.MethodPost, "/auth/token/", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	body := decodeEnvelope(t, rec)
	if body["error"] != "FatSecret OAuth Error" {
		t.Errorf("error = %v", body["error"])
	}
	if body["status_code"] != float64(http.StatusUnauthorized) {
		t.Errorf("status_code = %v", body["status_code"])
	}
	if body["response"] != `{"error":"invalid_client"}` {
		t.Errorf("response = %v", body["response"])
	}
	if v := proxyErrorCount(t, m, route.Token, service.KindUpstreamError); v != 1 {
		t.Errorf("proxy errors counter = %v, want 1", v)
	}
}

func TestProxy_UpstreamErrorPassthrough(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	})
	cfg := testConfig(up.URL)
	cfg.Upstream.PassthroughErrorRoutes = []string{route.FatSecretAPI}
	e, _ := newTestEcho(t, cfg)

	rec := serve(e, http.MethodGet, "/fatsecret/foods/search/v1", "", "", map[string]string{"Authorization": "Bearer t"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Body.String() != "slow down" {
		t.Errorf("body = %q, want raw upstream body", rec.Body)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/plain" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestProxy_MissingAuthorizationNoUpstreamCall(t *testing.T) {
	up := newFakeUpstream(t, jsonReply(http.StatusOK, `{}`))
	e, _ := newTestEcho(t, testConfig(up.URL))

	rec := serve(e, http.MethodGet, "/fatsecret/foods/search/v1?search_expression=apple", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := decodeEnvelope(t, rec)["error"]; got != "Missing Authorization header" {
		t.Errorf("error = %v", got)
	}
	if up.calls.Load() != 0 {
		t.Errorf("upstream calls = %d, want 0", up.calls.Load())
	}
}

func TestProxy_MalformedJSONNoUpstreamCall(t *testing.T) {
	up := newFakeUpstream(t, jsonReply(http.StatusOK, `{}`))
	e, _ := newTestEcho(t, testConfig(up.URL))

	tests := []struct {
		name   string
		path   string
		header map[string]string
	}{
		{"fatsecret", "/fatsecret/food/v2", map[string]string{"Authorization": "Bearer t"}},
		{"gatekeeper", "/gymmaster/gatekeeper/access", nil},
		{"login", "/gymmaster/login/email/", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e, http.MethodPost, tt.path, echo.MIMEApplicationJSON, `{"food_id": `, tt.header)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if got := decodeEnvelope(t, rec)["error"]; got != "Invalid JSON format" {
				t.Errorf("error = %v", got)
			}
		})
	}
	if up.calls.Load() != 0 {
		t.Errorf("upstream calls = %d, want 0", up.calls.Load())
	}
}

func TestProxy_FieldCredentialOverridesClient(t *testing.T) {
	var gotKey, gotEmail string
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotKey = r.Form.Get("api_key")
		gotEmail = r.Form.Get("email")
		jsonReply(http.StatusOK, `{"result":{"token":"m"}}`)(w, r)
	})
	e, _ := newTestEcho(t, testConfig(up.URL))

	rec := serve(e, http.MethodPost, "/gymmaster/login/email/", echo.MIMEApplicationForm,
		"email=a%40b.c&password=pw&api_key=stolen", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if gotKey != "member-key" {
		t.Errorf("upstream api_key = %q, want configured member key", gotKey)
	}
	if gotEmail != "a@b.c" {
		t.Errorf("upstream email = %q", gotEmail)
	}

	rec = serve(e, http.MethodGet, "/gymmaster/member/bookings?api_key=stolen", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if gotKey != "member-key" {
		t.Errorf("upstream api_key = %q, want configured member key", gotKey)
	}
}

func TestProxy_OneUpstreamCallPerRequest(t *testing.T) {
	up := newFakeUpstream(t, jsonReply(http.StatusOK, `{"ok":true}`))
	e, _ := newTestEcho(t, testConfig(up.URL))

	const n = 5
	for range n {
		rec := serve(e, http.MethodGet, "/fatsecret/foods/search/v1", "", "", map[string]string{"Authorization": "Bearer t"})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
		}
	}
	if got := up.calls.Load(); got != n {
		t.Errorf("upstream calls = %d, want %d", got, n)
	}
}

func TestProxy_UpstreamTimeout(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	})
	cfg := testConfig(up.URL)
	cfg.Upstream.TimeoutSeconds = 1
	e, _ := newTestEcho(t, cfg)

	rec := serve(e, http.MethodPost, "/auth/token/", "", "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := decodeEnvelope(t, rec)
	if body["error"] != "Request failed" {
		t.Errorf("error = %v", body["error"])
	}
	details, _ := body["details"].(string)
	if !strings.Contains(details, "timeout") {
		t.Errorf("details = %q, want timeout", details)
	}
}

func TestProxy_InvalidUpstreamJSON(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>oops</html>"))
	})
	e, _ := newTestEcho(t, testConfig(up.URL))

	rec := serve(e, http.MethodGet, "/gymmaster/classes", "", "", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	body := decodeEnvelope(t, rec)
	if body["error"] != "Invalid upstream response" || body["status_code"] != float64(http.StatusOK) {
		t.Errorf("body = %v", body)
	}
}

func TestProxy_Misconfigured(t *testing.T) {
	up := newFakeUpstream(t, jsonReply(http.StatusOK, `{}`))
	cfg := testConfig(up.URL)
	cfg.GymMaster.GatekeeperAPIKey = ""
	e, _ := newTestEcho(t, cfg)

	rec := serve(e, http.MethodGet, "/gymmaster/gatekeeper/doors", "", "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := decodeEnvelope(t, rec)["error"]; got != "Server misconfiguration: missing credential" {
		t.Errorf("error = %v", got)
	}
	if up.calls.Load() != 0 {
		t.Errorf("upstream calls = %d, want 0", up.calls.Load())
	}
}

func TestProxy_InvalidPath(t *testing.T) {
	up := newFakeUpstream(t, jsonReply(http.StatusOK, `{}`))
	e, _ := newTestEcho(t, testConfig(up.URL))

	rec := serve(e, http.MethodGet, "/gymmaster/a%20b", "", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decodeEnvelope(t, rec)["error"]; got != "Invalid path" {
		t.Errorf("error = %v", got)
	}
}

func TestProxy_GatekeeperPrecedence(t *testing.T) {
	var gotPath string
	var gotBasic bool
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _, gotBasic = r.BasicAuth()
		jsonReply(http.StatusOK, `{}`)(w, r)
	})
	e, _ := newTestEcho(t, testConfig(up.URL))

	rec := serve(e, http.MethodGet, "/gymmaster/gatekeeper/doors/1", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if gotPath != "/gatekeeper_api/v2/doors/1" || !gotBasic {
		t.Errorf("upstream path = %q, basic = %v", gotPath, gotBasic)
	}
}

func TestProxy_FixedRoutesBeatWildcards(t *testing.T) {
	var gotPath string
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		jsonReply(http.StatusOK, `{}`)(w, r)
	})
	e, _ := newTestEcho(t, testConfig(up.URL))

	tests := []struct {
		path string
		want string
	}{
		{"/gymmaster/signup/", "/portal/api/v1/signup"},
		{"/gymmaster/login/memberid/", "/portal/api/v1/login"},
		{"/gymmaster/profile/", "/portal/api/v1/member/profile"},
		{"/gymmaster/login/other", "/portal/api/v1/login/other"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(e, http.MethodPost, tt.path, echo.MIMEApplicationForm, "memberid=1", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
			}
			if gotPath != tt.want {
				t.Errorf("upstream path = %q, want %q", gotPath, tt.want)
			}
		})
	}
}

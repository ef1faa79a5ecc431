package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"niuforum/api/internal/metrics"
	"niuforum/api/internal/reputation"
	"niuforum/api/internal/store"
)

func serve(t *testing.T, svc *Service, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	NewHTTPServer(svc, "*").Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return response
}

func TestHealthEndpoint(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok := decodeResponse(t, rr)["ok"]; ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected a request id header")
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	svc := newTestService(&fakeStore{pingFn: func(context.Context) error { return nil }}, nil)

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["status"] != "ready" {
		t.Errorf("expected status=ready, got %v", response["status"])
	}
}

func TestReadyEndpoint_DatabaseDown(t *testing.T) {
	svc := newTestService(&fakeStore{pingFn: func(context.Context) error { return errors.New("connection refused") }}, nil)

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["ok"] != false || response["status"] != "not_ready" {
		t.Errorf("unexpected response %v", response)
	}
}

func TestLoginAndSessionRoundTrip(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, Username: "alice", Reputation: 60}, nil
		},
	}
	svc := newTestService(fs, nil)

	rr := serve(t, svc, httptest.NewRequest(http.MethodPost, "/api/session/login", strings.NewReader(`{"name":"alice"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	token, _ := decodeResponse(t, rr)["token"].(string)
	if token == "" {
		t.Fatalf("expected a token")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = serve(t, svc, req)
	response := decodeResponse(t, rr)
	if response["authenticated"] != true {
		t.Fatalf("expected authenticated session, got %v", response)
	}
	user := response["user"].(map[string]any)
	if user["username"] != "alice" || user["canCreateTool"] != true {
		t.Fatalf("unexpected user %v", user)
	}
}

func TestAnonymousSession(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr := serve(t, svc, req)

	if rr.Code != http.StatusOK || decodeResponse(t, rr)["authenticated"] != false {
		t.Fatalf("expected anonymous session, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestWritesRequireSession(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)
	routes := []struct{ method, path string }{
		{http.MethodPost, "/api/topics"},
		{http.MethodPut, "/api/topics/t1"},
		{http.MethodPost, "/api/topics/t1/replies"},
		{http.MethodPost, "/api/topics/t1/like"},
		{http.MethodDelete, "/api/topics/t1"},
		{http.MethodPost, "/api/nodes/n1/watch"},
		{http.MethodPost, "/api/render"},
		{http.MethodPut, "/api/profile"},
		{http.MethodGet, "/api/notifications"},
		{http.MethodDelete, "/api/notifications"},
	}
	for _, route := range routes {
		rr := serve(t, svc, httptest.NewRequest(route.method, route.path, strings.NewReader(`{}`)))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", route.method, route.path, rr.Code)
		}
	}
}

func authorized(t *testing.T, svc *Service, method, path, body string) *http.Request {
	t.Helper()
	sess, err := svc.Login(context.Background(), "alice")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	return req
}

func TestCreateTopicRenderFailureResponse(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs, &fakeDirectory{err: errors.New("directory down")})

	rr := serve(t, svc, authorized(t, svc, http.MethodPost, "/api/topics", `{"title":"hi","markdown":"@bob","nodeId":"n1"}`))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["code"] != "RENDER_FAILED" {
		t.Fatalf("expected RENDER_FAILED, got %v", response)
	}
	if strings.Contains(rr.Body.String(), "directory down") {
		t.Fatalf("internal error leaked to the client: %s", rr.Body.String())
	}
}

func TestCreateTopicEndpoint(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	rr := serve(t, svc, authorized(t, svc, http.MethodPost, "/api/topics", `{"title":"hello","markdown":"<script>x</script> *hi*","nodeId":"n1"}`))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	topic := decodeResponse(t, rr)["topic"].(map[string]any)
	content := topic["content"].(string)
	if strings.Contains(content, "<script>") || !strings.Contains(content, "<em>hi</em>") {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestInvalidBody(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	rr := serve(t, svc, authorized(t, svc, http.MethodPost, "/api/render", `{"markdown":`))

	if rr.Code != http.StatusBadRequest || decodeResponse(t, rr)["code"] != "INVALID_BODY" {
		t.Fatalf("expected INVALID_BODY, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestTopicNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/topics/missing", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestTopicDetailEndpoint(t *testing.T) {
	fs := &fakeStore{
		getTopicFn: func(_ context.Context, id string) (store.Topic, error) {
			return store.Topic{ID: id, Title: "Hello", Content: "<p>body</p>", Markdown: "body"}, nil
		},
		countRepliesFn: func(context.Context, string) (int, error) { return 11, nil },
	}
	svc := newTestService(fs, nil)

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/topics/t1", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	page := response["page"].(map[string]any)
	if page["number"] != float64(2) || page["numPages"] != float64(2) {
		t.Fatalf("expected last reply page by default, got %v", page)
	}
	if response["topic"].(map[string]any)["content"] != "<p>body</p>" {
		t.Fatalf("expected topic content in detail view")
	}
}

func TestUnknownRoute(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/topics", nil)
	req.Header.Set("Origin", "https://forum.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := serve(t, svc, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("expected CORS allow origin header")
	}
	if rr.Code >= 300 {
		t.Fatalf("expected successful preflight, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	svc := newTestService(&fakeStore{}, nil, WithMetrics(m))

	serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/topics/abc", nil))

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/api/health", "200")); got != 1 {
		t.Fatalf("expected one health request counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/api/topics/{id}", "404")); got != 1 {
		t.Fatalf("expected topic id collapsed in route label, got %v", got)
	}

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "forum_http_requests_total") {
		t.Fatalf("expected prometheus exposition, got %d", rr.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/api/health":                "/api/health",
		"/api/topics/123/replies":    "/api/topics/{id}/replies",
		"/api/users/alice":           "/api/users/{id}",
		"/api/nodes/n1/topics":       "/api/nodes/{id}/topics",
		"/favicon.ico":               "other",
		"/api/topics/1/replies/2/x/": "other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestMalformedTopicIDIsNotFound(t *testing.T) {
	fs := &fakeStore{
		getTopicFn: func(context.Context, string) (store.Topic, error) { return store.Topic{}, malformedID("get topic") },
	}
	svc := newTestService(fs, nil)

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/topics/missing", nil))

	if rr.Code != http.StatusNotFound || decodeResponse(t, rr)["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestMapErrorTreatsMalformedIDAsNotFound(t *testing.T) {
	status, code, _, _ := mapError(malformedID("increment views"))
	if status != http.StatusNotFound || code != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d %s", status, code)
	}
	status, code, _, _ = mapError(errors.New("connection refused"))
	if status != http.StatusInternalServerError || code != "SERVER_ERROR" {
		t.Fatalf("expected 500 SERVER_ERROR, got %d %s", status, code)
	}
}

func TestSectionsEndpoint(t *testing.T) {
	fs := &fakeStore{
		listSectionsFn: func(context.Context) ([]store.Section, error) {
			return []store.Section{{ID: "s1", Name: "Community", Nodes: []store.Node{{ID: "n1", Name: "Feedback"}}}}, nil
		},
	}
	svc := newTestService(fs, nil)

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/sections", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	sections := decodeResponse(t, rr)["sections"].([]any)
	if len(sections) != 1 {
		t.Fatalf("expected one section, got %v", sections)
	}
	nodes := sections[0].(map[string]any)["nodes"].([]any)
	if len(nodes) != 1 || nodes[0].(map[string]any)["name"] != "Feedback" {
		t.Fatalf("unexpected nodes %v", nodes)
	}
}

func TestUserEndpoints(t *testing.T) {
	fs := &fakeStore{
		getUserByUsernameFn: func(_ context.Context, name string) (store.User, error) {
			if name != "alice" {
				return store.User{}, sql.ErrNoRows
			}
			return store.User{ID: "u-alice", Username: "alice", Reputation: 20}, nil
		},
		listReputationStatsFn: func(context.Context, string) ([]reputation.Stat, error) {
			return []reputation.Stat{{Type: reputation.RewardProfileInit, Amount: 20, Total: 20}}, nil
		},
		countTopicsByAuthorFn: func(context.Context, string) (int, error) { return 1, nil },
		listTopicsByAuthorFn: func(context.Context, string, int, int) ([]store.Topic, error) {
			return []store.Topic{{ID: "t1", Title: "hello"}}, nil
		},
	}
	svc := newTestService(fs, nil)

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/users/alice", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("profile: expected 200, got %d", rr.Code)
	}
	history := decodeResponse(t, rr)["history"].([]any)
	if len(history) != 1 || history[0].(map[string]any)["type"] != "profile_init" {
		t.Fatalf("unexpected history %v", history)
	}

	rr = serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/users/alice/topics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("topics: expected 200, got %d", rr.Code)
	}
	if topics := decodeResponse(t, rr)["topics"].([]any); len(topics) != 1 {
		t.Fatalf("expected one topic, got %v", topics)
	}

	rr = serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/users/alice/replies", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("replies: expected 200, got %d", rr.Code)
	}

	rr = serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/users/ghost", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown user: expected 404, got %d", rr.Code)
	}
}

func TestWatchEndpoint(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	rr := serve(t, svc, authorized(t, svc, http.MethodPost, "/api/nodes/n1/watch", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	if response["nodeId"] != "n1" || response["watching"] != true {
		t.Fatalf("unexpected watch state %v", response)
	}
}

func TestDeleteTopicEndpoint(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs, nil)

	rr := serve(t, svc, authorized(t, svc, http.MethodDelete, "/api/topics/t1", ""))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-manager: expected 403, got %d", rr.Code)
	}

	fs.getUserByIDFn = func(_ context.Context, id string) (store.User, error) {
		return store.User{ID: id, Username: "alice", IsManager: true}, nil
	}
	rr = serve(t, svc, authorized(t, svc, http.MethodDelete, "/api/topics/t1", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("manager: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(fs.deleted) != 1 || fs.deleted[0] != "t1" {
		t.Fatalf("expected t1 deleted, got %v", fs.deleted)
	}
}

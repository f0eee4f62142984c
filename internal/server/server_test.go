package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"cardline/internal/config"
	"cardline/internal/db"
	"cardline/internal/domain"
	"cardline/internal/engine"
	"cardline/internal/migrate"
	"cardline/internal/repo"
)

const (
	testProject = "cardline"
	testSecret  = "test-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestEngine(t *testing.T, cfg *config.Config) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return e
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	e := newTestEngine(t, config.Default(testProject))
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var asTester = map[string]string{"X-Actor-Id": "tester"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createCard(t *testing.T, srv *testServer, id string) domain.Card {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/cards", map[string]any{
		"id":      id,
		"title":   "Card " + id,
		"summary": "implement the feature tracked by " + id,
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create card status %d: %s", res.StatusCode, string(data))
	}
	var c domain.Card
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal card: %v", err)
	}
	return c
}

func TestCreateAndGetCard(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createCard(t, srv, "C-1")
	if created.Status != domain.StatusReady || created.Type != domain.CardIssue {
		t.Fatalf("unexpected card %+v", created)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/cards/C-1", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get card status %d: %s", res.StatusCode, string(data))
	}
	var fetched domain.Card
	_ = json.Unmarshal(data, &fetched)
	if fetched.ID != "C-1" || fetched.Version != created.Version {
		t.Fatalf("fetched %+v, created %+v", fetched, created)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/other/cards/C-1", nil, asTester)
	if res.StatusCode != http.StatusForbidden && res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected card hidden from other project, got %d %s", res.StatusCode, string(data))
	}
}

func TestCreateCardRejectsShortSummary(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/cards", map[string]any{
		"title":   "Too short",
		"summary": "tiny",
	}, asTester)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("expected bad_request, got %q", envelope.Error.Code)
	}
}

func TestListCardsPaginates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for _, id := range []string{"C-1", "C-2", "C-3"} {
		createCard(t, srv, id)
	}

	seen := map[string]bool{}
	pageURL := srv.URL + "/v0/projects/" + testProject + "/cards?limit=2"
	for page := 0; page < 3; page++ {
		res, data := doJSON(t, srv.Client(), http.MethodGet, pageURL, nil, asTester)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, string(data))
		}
		var body paginatedCards
		_ = json.Unmarshal(data, &body)
		for _, c := range body.Items {
			if seen[c.ID] {
				t.Fatalf("card %s returned twice", c.ID)
			}
			seen[c.ID] = true
		}
		if body.NextCursor == "" {
			break
		}
		pageURL = srv.URL + "/v0/projects/" + testProject + "/cards?limit=2&cursor=" + url.QueryEscape(body.NextCursor)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 cards across pages, got %d", len(seen))
	}
}

func TestLeaseConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	if err := srv.Engine.GrantRole(context.Background(), testProject, "tester", "other", "operator"); err != nil {
		t.Fatalf("grant role: %v", err)
	}
	createCard(t, srv, "C-1")
	leaseURL := srv.URL + "/v0/projects/" + testProject + "/cards/C-1/lease"

	claim1, body1 := doJSON(t, srv.Client(), http.MethodPost, leaseURL, map[string]any{"lease_seconds": 60}, asTester)
	if claim1.StatusCode != http.StatusOK {
		t.Fatalf("first claim: %d %s", claim1.StatusCode, string(body1))
	}
	var lease LeaseResponse
	_ = json.Unmarshal(body1, &lease)
	if !lease.Acquired || lease.Lease == nil || lease.Lease.OwnerID != "tester" {
		t.Fatalf("unexpected lease %+v", lease)
	}

	claim2, body2 := doJSON(t, srv.Client(), http.MethodPost, leaseURL, map[string]any{}, map[string]string{"X-Actor-Id": "other"})
	if claim2.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", claim2.StatusCode, string(body2))
	}

	release, relBody := doJSON(t, srv.Client(), http.MethodPost, leaseURL+"/release", map[string]any{}, asTester)
	if release.StatusCode != http.StatusOK {
		t.Fatalf("release: %d %s", release.StatusCode, string(relBody))
	}
	claim3, body3 := doJSON(t, srv.Client(), http.MethodPost, leaseURL, map[string]any{}, map[string]string{"X-Actor-Id": "other"})
	if claim3.StatusCode != http.StatusOK {
		t.Fatalf("claim after release: %d %s", claim3.StatusCode, string(body3))
	}
}

func TestTransitionCard(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createCard(t, srv, "C-1")
	url := srv.URL + "/v0/projects/" + testProject + "/cards/C-1/transition"

	res, data := doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{"from": "READY", "to": "in_progress"}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition: %d %s", res.StatusCode, string(data))
	}
	var moved domain.Card
	_ = json.Unmarshal(data, &moved)
	if moved.Status != domain.StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", moved.Status)
	}

	// Stale observation of the previous status.
	res, data = doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{"from": "READY", "to": "BLOCKED", "reason": "dependency"}, asTester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for stale from, got %d %s", res.StatusCode, string(data))
	}
}

func TestInvalidTransitionIsUnprocessable(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createCard(t, srv, "C-1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/cards/C-1/transition",
		map[string]any{"from": "READY", "to": "DONE"}, asTester)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q", envelope.Error.Code)
	}
}

func TestDevLoginTokenAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id":    "jwt-user",
		"roles":       []string{"viewer"},
		"permissions": []string{"card.read"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	if login.Token == "" {
		t.Fatal("expected token")
	}
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "jwt-user" || me.Source != "jwt" {
		t.Fatalf("unexpected identity %+v", me)
	}

	// Token permissions allow reads but not writes.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/cards", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list with token: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/cards", map[string]any{
		"title": "Nope", "summary": "this actor cannot write cards at all",
	}, bearer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/cards", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuthenticatesUntilRevoked(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	key := domain.APIKey{ID: "key-1", ActorID: "tester", KeyHash: repo.HashAPIKey("cl_secret"), CreatedAt: "2026-01-01T00:00:00Z"}
	if err := srv.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	withKey := map[string]string{"X-Api-Key": "cl_secret"}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, withKey)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with key: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "tester" || me.Source != "api_key" {
		t.Fatalf("unexpected identity %+v", me)
	}
	keys, err := srv.Engine.Repo.ListAPIKeys(ctx, "tester")
	if err != nil || len(keys) != 1 || keys[0].LastUsedAt == "" {
		t.Fatalf("expected last_used_at stamped, got %+v (%v)", keys, err)
	}

	if err := srv.Engine.Repo.RevokeAPIKey(ctx, "key-1", "tester", "2026-01-02T00:00:00Z"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, withKey)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after revoke, got %d %s", res.StatusCode, string(data))
	}
	if err := srv.Engine.Repo.RevokeAPIKey(ctx, "key-1", "tester", "2026-01-03T00:00:00Z"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second revoke should report not found, got %v", err)
	}
}

func TestOpenAPIDocumentsAuthAndErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d %s", res.StatusCode, string(data))
	}
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]struct {
			Security  []map[string][]string `json:"security"`
			Responses map[string]any        `json:"responses"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	if doc.Components.SecuritySchemes["bearerAuth"] == nil || doc.Components.SecuritySchemes["apiKeyAuth"] == nil {
		t.Fatalf("missing security schemes: %v", doc.Components.SecuritySchemes)
	}
	list := doc.Paths["/v0/projects/{project_id}/cards"]["get"]
	if len(list.Security) == 0 || list.Responses["default"] == nil {
		t.Fatalf("list-cards should require auth and document errors: %+v", list)
	}
	if health := doc.Paths["/v0/health"]["get"]; len(health.Security) != 0 {
		t.Fatalf("health should be public, got %+v", health.Security)
	}
}

func TestEventsEndpointFilters(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createCard(t, srv, "C-1")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/events?type=card.created", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var body paginatedEvents
	_ = json.Unmarshal(data, &body)
	if len(body.Items) != 1 || body.Items[0].EntityID != "C-1" {
		t.Fatalf("unexpected events %+v", body.Items)
	}
}

func TestWebhookDeliversMatchingEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		sigs     []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get("X-Cardline-Signature"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default(testProject)
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"card.*"}, Secret: "s3cret"}}
	e := newTestEngine(t, cfg)
	d := NewWebhookDispatcher(e, nil)
	if d == nil {
		t.Fatal("expected dispatcher")
	}
	ctx := context.Background()
	// First pass pins the cursor at the log head.
	d.DispatchOnce(ctx)

	if _, err := e.CreateCard(ctx, engine.CardCreateOptions{
		ID: "C-1", ProjectID: testProject, Title: "Hooked", Summary: "a card that should reach the webhook", ActorID: "tester",
	}); err != nil {
		t.Fatalf("create card: %v", err)
	}
	if _, err := e.AcquireLease(ctx, "C-1", "tester", 60); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 delivery, got %d: %+v", len(received), received)
	}
	if received[0].Type != "card.created" || received[0].EntityID != "C-1" {
		t.Fatalf("unexpected delivery %+v", received[0])
	}
	if len(sigs[0]) <= len("sha256=") {
		t.Fatalf("expected signature header, got %q", sigs[0])
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"card.*", "approval.requested"})
	cases := map[string]bool{
		"card.created":       true,
		"card.transitioned":  true,
		"approval.requested": true,
		"approval.approved":  false,
		"lease.acquired":     false,
	}
	for evt, want := range cases {
		if got := f.match(evt); got != want {
			t.Fatalf("match(%q) = %v, want %v", evt, got, want)
		}
	}
	if !newEventFilter(nil).match("anything") {
		t.Fatal("empty filter should match everything")
	}
}

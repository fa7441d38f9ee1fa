package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"medflow/internal/config"
	"medflow/internal/db"
	"medflow/internal/engine"
	"medflow/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T, legacyHeaders bool) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, zerolog.Nop())
	cfg := config.Default()
	seeds := map[string]engine.RoleSeed{}
	for id, role := range cfg.Roles {
		seeds[id] = engine.RoleSeed{Description: role.Description, Capabilities: role.Capabilities}
	}
	if err := e.SeedRoles(context.Background(), seeds); err != nil {
		t.Fatalf("seed roles: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: legacyHeaders,
			Log:                    zerolog.Nop(),
		},
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func token(t *testing.T, sub, email, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   sub,
		"email": email,
		"role":  role,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

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

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func createPayload() map[string]any {
	return map[string]any{
		"project_type": "coverage",
		"service_type": "ALS",
		"starts_at":    "2026-09-01T08:00:00Z",
		"ends_at":      "2026-09-01T20:00:00Z",
		"city_scope":   "inside",
		"city":         "Riyadh",
		"teams":        []map[string]any{{"composition": "doctor_emt", "quantity": 1}},
	}
}

func TestWorkflowOverHTTP(t *testing.T) {
	srv := newTestServer(t, false)
	salesTok := token(t, "sara", "sara@medflow.local", "sales")
	opsTok := token(t, "omar", "omar@medflow.local", "ops")

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/transport-requests", createPayload(), bearer(salesTok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created RequestResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal created: %v", err)
	}
	if created.Label != "New" || created.SalesOwnerID != "sara" {
		t.Fatalf("created: %+v", created)
	}
	id := created.ID

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/transport-requests/"+id+"/available", map[string]any{"note": "unit free"}, bearer(opsTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("available: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/transport-requests/"+id+"/approve", map[string]any{}, bearer(salesTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/transport-requests/"+id+"/assign", map[string]any{
		"team": "alpha",
		"crew": []string{"Ahmed", "Khalid"},
	}, bearer(opsTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", res.StatusCode, string(data))
	}
	var assigned RequestResponse
	if err := json.Unmarshal(data, &assigned); err != nil {
		t.Fatalf("unmarshal assigned: %v", err)
	}
	if assigned.Label != "Assigned" || len(assigned.AssignedCrew) != 2 {
		t.Fatalf("assigned: %+v", assigned)
	}
	if assigned.OpsOwnerID == nil || *assigned.OpsOwnerID != "omar" {
		t.Fatalf("ops owner: %+v", assigned.OpsOwnerID)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/transport-requests/"+id+"/events", nil, bearer(salesTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events EventListResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events.Items) != 4 {
		t.Fatalf("expected 4 audit events, got %d", len(events.Items))
	}
}

func TestErrorTaxonomy(t *testing.T) {
	srv := newTestServer(t, false)
	salesTok := token(t, "sara", "sara@medflow.local", "sales")
	opsTok := token(t, "omar", "omar@medflow.local", "ops")

	// unauthenticated
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/transport-requests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no auth: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/transport-requests", createPayload(), bearer(salesTok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created RequestResponse
	_ = json.Unmarshal(data, &created)
	id := created.ID

	// forbidden: sales cannot perform the ops decision
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/transport-requests/"+id+"/available", map[string]any{}, bearer(salesTok))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("forbidden: %d %s", res.StatusCode, string(data))
	}

	// invalid state: assign straight from new
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/transport-requests/"+id+"/assign", map[string]any{"team": "alpha"}, bearer(opsTok))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_state" {
		t.Fatalf("invalid state: %d %s", res.StatusCode, string(data))
	}

	// validation failed: reject without a note
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/transport-requests/"+id+"/ops-reject", map[string]any{}, bearer(opsTok))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "validation_failed" {
		t.Fatalf("validation: %d %s", res.StatusCode, string(data))
	}

	// validation failed: schema-valid body the domain rejects
	payload := createPayload()
	payload["ambulance_needed"] = true
	payload["ambulance_count"] = 0
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/transport-requests", payload, bearer(salesTok))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "validation_failed" {
		t.Fatalf("domain validation: %d %s", res.StatusCode, string(data))
	}

	// not found
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/transport-requests/ghost", nil, bearer(salesTok))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("not found: %d %s", res.StatusCode, string(data))
	}

	// bad token
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/transport-requests", nil, bearer("not-a-token"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d %s", res.StatusCode, string(data))
	}
}

func TestRejectedLabelsOverHTTP(t *testing.T) {
	srv := newTestServer(t, false)
	salesTok := token(t, "sara", "sara@medflow.local", "sales")
	opsTok := token(t, "omar", "omar@medflow.local", "ops")

	// ops rejection
	_, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/transport-requests", createPayload(), bearer(salesTok))
	var first RequestResponse
	_ = json.Unmarshal(data, &first)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/transport-requests/"+first.ID+"/ops-reject", map[string]any{"note": "no units"}, bearer(opsTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ops reject: %d %s", res.StatusCode, string(data))
	}
	var rejected RequestResponse
	_ = json.Unmarshal(data, &rejected)
	if rejected.Label != "Rejected (Ops)" {
		t.Fatalf("label: %s", rejected.Label)
	}

	// client rejection
	_, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/transport-requests", createPayload(), bearer(salesTok))
	var second RequestResponse
	_ = json.Unmarshal(data, &second)
	doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/transport-requests/"+second.ID+"/available", map[string]any{}, bearer(opsTok))
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/transport-requests/"+second.ID+"/client-reject", map[string]any{"note": "client unavailable"}, bearer(salesTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("client reject: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &rejected)
	if rejected.Label != "Rejected (Sales)" {
		t.Fatalf("label: %s", rejected.Label)
	}

	// status filter returns both rejections
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/transport-requests?status=rejected", nil, bearer(salesTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var list RequestListResponse
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 2 {
		t.Fatalf("expected 2 rejected, got %d", len(list.Items))
	}
}

func TestLegacyActorHeaders(t *testing.T) {
	srv := newTestServer(t, true)
	headers := map[string]string{
		"X-Actor-Id":    "sara",
		"X-Actor-Email": "sara@medflow.local",
		"X-Actor-Role":  "sales",
	}
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/transport-requests", createPayload(), headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("legacy create: %d %s", res.StatusCode, string(data))
	}

	// Disabled by default: same headers on a strict server are rejected.
	strict := newTestServer(t, false)
	res, data = doJSON(t, strict.client, http.MethodPost, strict.URL+"/v1/transport-requests", createPayload(), headers)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("strict server accepted legacy headers: %d %s", res.StatusCode, string(data))
	}
}

func TestRoleInspection(t *testing.T) {
	srv := newTestServer(t, false)
	tok := token(t, "root", "", "admin")

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/rbac/roles/ops", nil, bearer(tok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("role: %d %s", res.StatusCode, string(data))
	}
	var role RoleResponse
	if err := json.Unmarshal(data, &role); err != nil {
		t.Fatalf("unmarshal role: %v", err)
	}
	if role.Admin {
		t.Fatal("ops must not be admin")
	}
	found := false
	for _, c := range role.Capabilities {
		if c == "transport.ops" {
			found = true
		}
	}
	if !found {
		t.Fatalf("capabilities: %v", role.Capabilities)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, bearer(tok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "root" || me.Role != "admin" || me.Source != "jwt" {
		t.Fatalf("me: %+v", me)
	}
}

// Smoke-checks a full workflow pass against a throwaway workspace: boots the
// API over a temp database, then walks one request new -> assigned.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"medflow/internal/config"
	"medflow/internal/db"
	"medflow/internal/engine"
	"medflow/internal/migrate"
	"medflow/internal/server"
)

func main() {
	workspace, err := os.MkdirTemp("", "medflow-check")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(workspace)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default()
	log := zerolog.New(os.Stderr)
	e := engine.New(conn, log)
	seeds := map[string]engine.RoleSeed{}
	for id, role := range cfg.Roles {
		seeds[id] = engine.RoleSeed{Description: role.Description, Capabilities: role.Capabilities}
	}
	if err := e.SeedRoles(context.Background(), seeds); err != nil {
		panic(err)
	}
	const secret = "test-secret"
	h, err := server.New(server.Config{Engine: e, BasePath: "/v1", Auth: server.AuthConfig{JWTSecret: secret, Log: log}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	sales := signToken(secret, "sara", "sara@medflow.local", "sales")
	ops := signToken(secret, "omar", "omar@medflow.local", "ops")

	created := call(ts.URL, sales, http.MethodPost, "/v1/transport-requests", map[string]any{
		"project_type": "coverage",
		"service_type": "ALS",
		"starts_at":    "2026-09-01T08:00:00Z",
		"ends_at":      "2026-09-01T20:00:00Z",
		"city_scope":   "inside",
		"city":         "Riyadh",
		"teams":        []map[string]any{{"composition": "doctor_emt", "quantity": 1}},
	})
	id, _ := created["id"].(string)
	call(ts.URL, ops, http.MethodPost, "/v1/transport-requests/"+id+"/available", map[string]any{"note": "unit free"})
	call(ts.URL, sales, http.MethodPost, "/v1/transport-requests/"+id+"/approve", map[string]any{})
	final := call(ts.URL, ops, http.MethodPost, "/v1/transport-requests/"+id+"/assign", map[string]any{
		"team": "alpha",
		"crew": []string{"Ahmed", "Khalid"},
	})
	fmt.Printf("final status=%v label=%v\n", final["status"], final["label"])
}

func call(base, token, method, path string, body map[string]any) map[string]any {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(method, base+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp map[string]any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("%s %s -> %d\n", method, path, res.StatusCode)
	if res.StatusCode >= 300 {
		panic(fmt.Sprintf("unexpected status %d: %v", res.StatusCode, resp))
	}
	return resp
}

func signToken(secret, sub, email, role string) string {
	claims := jwt.MapClaims{
		"sub":   sub,
		"email": email,
		"role":  role,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return token
}

package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"medflow/internal/config"
	"medflow/internal/db"
	"medflow/internal/domain"
	"medflow/internal/engine"
	"medflow/internal/migrate"
	"medflow/internal/notify"
	"medflow/internal/rbac"
	"medflow/internal/repo"
)

var (
	sales = domain.Actor{ID: "sara", Email: "sara@medflow.local", Role: "sales"}
	ops   = domain.Actor{ID: "omar", Email: "omar@medflow.local", Role: "ops"}
	ops2  = domain.Actor{ID: "othman", Email: "othman@medflow.local", Role: "ops"}
	admin = domain.Actor{ID: "root", Role: "admin"}
)

// captureNotifier records dispatched notification kinds in order.
type captureNotifier struct {
	mu    sync.Mutex
	kinds []notify.Kind
	reqs  []domain.TransportRequest
}

func (n *captureNotifier) Dispatch(kind notify.Kind, req domain.TransportRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
	n.reqs = append(n.reqs, req)
}

func (n *captureNotifier) Kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Kind(nil), n.kinds...)
}

type testEnv struct {
	Engine   engine.Engine
	Notifier *captureNotifier
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, zerolog.Nop())
	eng.Now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	notifier := &captureNotifier{}
	eng.Notifier = notifier
	ctx := context.Background()
	cfg := config.Default()
	seeds := map[string]engine.RoleSeed{}
	for id, role := range cfg.Roles {
		seeds[id] = engine.RoleSeed{Description: role.Description, Capabilities: role.Capabilities}
	}
	if err := eng.SeedRoles(ctx, seeds); err != nil {
		t.Fatalf("seed roles: %v", err)
	}
	return testEnv{Engine: eng, Notifier: notifier, Ctx: ctx}
}

func createRequest(t *testing.T, env testEnv, actor domain.Actor) domain.TransportRequest {
	t.Helper()
	req, err := env.Engine.CreateRequest(env.Ctx, actor, engine.CreateOptions{
		ProjectType: domain.ProjectCoverage,
		ServiceType: domain.ServiceALS,
		StartsAt:    "2026-09-01T08:00:00Z",
		EndsAt:      "2026-09-01T20:00:00Z",
		CityScope:   domain.CityInside,
		City:        "Riyadh",
		Teams:       []domain.TeamRequirement{{Composition: domain.TeamDoctorEMT, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func TestHappyPathToAssigned(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, sales)
	if req.Status != domain.StatusNew {
		t.Fatalf("expected new, got %s", req.Status)
	}
	if req.SalesOwnerID != sales.ID || req.CreatedBy != sales.ID {
		t.Fatalf("sales ownership not stamped: %+v", req)
	}

	req, err := env.Engine.MarkAvailable(env.Ctx, req.ID, ops, "unit free")
	if err != nil || req.Status != domain.StatusOpsAvailable {
		t.Fatalf("mark available: %v status=%s", err, req.Status)
	}
	if req.OpsOwnerID == nil || *req.OpsOwnerID != ops.ID {
		t.Fatalf("ops owner not stamped: %+v", req.OpsOwnerID)
	}
	if req.OpsDecidedAt == nil || req.OpsDecidedBy == nil {
		t.Fatalf("ops decision stamps missing")
	}

	req, err = env.Engine.Approve(env.Ctx, req.ID, sales)
	if err != nil || req.Status != domain.StatusClientApproved {
		t.Fatalf("approve: %v status=%s", err, req.Status)
	}
	if req.ClientApprovedAt == nil || *req.ClientApprovedBy != sales.ID {
		t.Fatalf("approval stamps missing: %+v", req)
	}

	req, err = env.Engine.Assign(env.Ctx, req.ID, ops, engine.AssignOptions{
		Team:        "alpha",
		AmbulanceID: "amb-7",
		Crew:        []string{"Ahmed", "Khalid"},
	})
	if err != nil || req.Status != domain.StatusAssigned {
		t.Fatalf("assign: %v status=%s", err, req.Status)
	}
	if req.AssignedTeam == nil || *req.AssignedTeam != "alpha" {
		t.Fatalf("team not stamped: %+v", req.AssignedTeam)
	}
	if len(req.AssignedCrew) != 2 || req.AssignedCrew[0] != "Ahmed" || req.AssignedCrew[1] != "Khalid" {
		t.Fatalf("crew not stamped: %+v", req.AssignedCrew)
	}
	if req.DisplayLabel() != "Assigned" {
		t.Fatalf("label: %s", req.DisplayLabel())
	}

	want := []notify.Kind{notify.KindCreated, notify.KindOpsAvailable, notify.KindClientApproved, notify.KindAssigned}
	got := env.Notifier.Kinds()
	if len(got) != len(want) {
		t.Fatalf("notifications: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("notification %d: got %s want %s", i, got[i], want[i])
		}
	}
}

func TestOpsRejectIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, sales)

	req, err := env.Engine.RejectOps(env.Ctx, req.ID, ops, "no units this weekend")
	if err != nil || req.Status != domain.StatusRejected {
		t.Fatalf("ops reject: %v status=%s", err, req.Status)
	}
	if req.OpsNote == nil || *req.OpsNote != "no units this weekend" {
		t.Fatalf("ops note: %+v", req.OpsNote)
	}
	if req.SalesRejectNote != nil {
		t.Fatalf("sales note must stay empty on ops reject")
	}
	if req.DisplayLabel() != "Rejected (Ops)" {
		t.Fatalf("label: %s", req.DisplayLabel())
	}

	var ise engine.InvalidStateError
	if _, err := env.Engine.MarkAvailable(env.Ctx, req.ID, ops, ""); !errors.As(err, &ise) {
		t.Fatalf("expected invalid state after reject, got %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, req.ID, sales); !errors.As(err, &ise) {
		t.Fatalf("expected invalid state after reject, got %v", err)
	}
}

func TestClientRejectLabel(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, sales)
	if _, err := env.Engine.MarkAvailable(env.Ctx, req.ID, ops, ""); err != nil {
		t.Fatalf("mark available: %v", err)
	}
	req, err := env.Engine.RejectClient(env.Ctx, req.ID, sales, "client unavailable")
	if err != nil || req.Status != domain.StatusRejected {
		t.Fatalf("client reject: %v status=%s", err, req.Status)
	}
	if req.SalesRejectNote == nil || *req.SalesRejectNote != "client unavailable" {
		t.Fatalf("sales note: %+v", req.SalesRejectNote)
	}
	if req.DisplayLabel() != "Rejected (Sales)" {
		t.Fatalf("label: %s", req.DisplayLabel())
	}
}

func TestRejectRequiresNote(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, sales)

	var ve engine.ValidationError
	if _, err := env.Engine.RejectOps(env.Ctx, req.ID, ops, "   "); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.Engine.MarkAvailable(env.Ctx, req.ID, ops, ""); err != nil {
		t.Fatalf("mark available: %v", err)
	}
	if _, err := env.Engine.RejectClient(env.Ctx, req.ID, sales, ""); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	// failed rejects must not have moved the request
	got, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if err != nil || got.Status != domain.StatusOpsAvailable {
		t.Fatalf("status moved on failed reject: %v %s", err, got.Status)
	}
}

func TestAssignGuards(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, sales)

	var ise engine.InvalidStateError
	if _, err := env.Engine.Assign(env.Ctx, req.ID, ops, engine.AssignOptions{Team: "alpha"}); !errors.As(err, &ise) {
		t.Fatalf("expected invalid state from new, got %v", err)
	}

	if _, err := env.Engine.MarkAvailable(env.Ctx, req.ID, ops, ""); err != nil {
		t.Fatalf("mark available: %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, req.ID, sales); err != nil {
		t.Fatalf("approve: %v", err)
	}
	var ve engine.ValidationError
	if _, err := env.Engine.Assign(env.Ctx, req.ID, ops, engine.AssignOptions{}); !errors.As(err, &ve) {
		t.Fatalf("expected team validation error, got %v", err)
	}
}

func TestCapabilityGating(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, sales)

	var fe rbac.ForbiddenError
	if _, err := env.Engine.MarkAvailable(env.Ctx, req.ID, sales, ""); !errors.As(err, &fe) {
		t.Fatalf("sales must not mark available, got %v", err)
	}
	if _, err := env.Engine.CreateRequest(env.Ctx, ops, engine.CreateOptions{}); !errors.As(err, &fe) {
		t.Fatalf("ops must not create, got %v", err)
	}
	dispatcher := domain.Actor{ID: "dana", Role: "dispatcher"}
	if _, err := env.Engine.MarkAvailable(env.Ctx, req.ID, dispatcher, ""); !errors.As(err, &fe) {
		t.Fatalf("dispatcher is read-only, got %v", err)
	}
}

func TestAdminBypass(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, admin)
	var err error
	if req, err = env.Engine.MarkAvailable(env.Ctx, req.ID, admin, ""); err != nil {
		t.Fatalf("admin mark available: %v", err)
	}
	if req, err = env.Engine.Approve(env.Ctx, req.ID, admin); err != nil {
		t.Fatalf("admin approve: %v", err)
	}
	if req, err = env.Engine.Assign(env.Ctx, req.ID, admin, engine.AssignOptions{Team: "alpha"}); err != nil {
		t.Fatalf("admin assign: %v", err)
	}
	if req.Status != domain.StatusAssigned {
		t.Fatalf("status: %s", req.Status)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	var ve engine.ValidationError

	_, err := env.Engine.CreateRequest(env.Ctx, sales, engine.CreateOptions{
		ProjectType: "ambulatory",
		ServiceType: domain.ServiceALS,
		CityScope:   domain.CityInside,
		City:        "Riyadh",
		StartsAt:    "2026-09-01T08:00:00Z",
		EndsAt:      "2026-09-01T20:00:00Z",
	})
	if !errors.As(err, &ve) || ve.Field != "project_type" {
		t.Fatalf("expected project_type error, got %v", err)
	}

	_, err = env.Engine.CreateRequest(env.Ctx, sales, engine.CreateOptions{
		ProjectType:     domain.ProjectCoverage,
		ServiceType:     domain.ServiceBLS,
		CityScope:       domain.CityInside,
		City:            "Riyadh",
		StartsAt:        "2026-09-01T08:00:00Z",
		EndsAt:          "2026-09-01T20:00:00Z",
		AmbulanceNeeded: true,
	})
	if !errors.As(err, &ve) || ve.Field != "ambulance_count" {
		t.Fatalf("expected ambulance_count error, got %v", err)
	}

	_, err = env.Engine.CreateRequest(env.Ctx, sales, engine.CreateOptions{
		ProjectType: domain.ProjectCoverage,
		ServiceType: domain.ServiceBLS,
		CityScope:   domain.CityInside,
		City:        "Riyadh",
		StartsAt:    "2026-09-01T08:00:00Z",
		EndsAt:      "2026-09-01T20:00:00Z",
		Teams:       []domain.TeamRequirement{{Composition: domain.TeamNurseEMT, Quantity: 0}},
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected team quantity error, got %v", err)
	}
}

func TestStaleTransitionConflicts(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, sales)
	if _, err := env.Engine.MarkAvailable(env.Ctx, req.ID, ops, ""); err != nil {
		t.Fatalf("mark available: %v", err)
	}
	// A second ops decision raced and lost: the status already moved, so the
	// state guard reports the transition as invalid.
	var ise engine.InvalidStateError
	if _, err := env.Engine.RejectOps(env.Ctx, req.ID, ops2, "too late"); !errors.As(err, &ise) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	// The conditional write itself refuses a stale expected status even when
	// the state guard is bypassed.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = env.Engine.Repo.PatchRequest(env.Ctx, tx, req.ID, repo.RequestPatch{
		Status:    domain.StatusRejected,
		UpdatedAt: "2026-08-01T12:00:00Z",
		UpdatedBy: ops2.ID,
	}, domain.StatusNew)
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestOpsOwnerSetOnce(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, sales)
	if _, err := env.Engine.MarkAvailable(env.Ctx, req.ID, ops, ""); err != nil {
		t.Fatalf("mark available: %v", err)
	}
	// A later write carrying a different ops owner must not displace the
	// first: the store keeps the earliest value.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = env.Engine.Repo.PatchRequest(env.Ctx, tx, req.ID, repo.RequestPatch{
		Status:        domain.StatusOpsAvailable,
		UpdatedAt:     "2026-08-01T13:00:00Z",
		UpdatedBy:     ops2.ID,
		OpsOwnerID:    &ops2.ID,
		OpsOwnerEmail: &ops2.Email,
	}, domain.StatusOpsAvailable)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.OpsOwnerID == nil || *got.OpsOwnerID != ops.ID {
		t.Fatalf("ops owner displaced: %+v", got.OpsOwnerID)
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, sales)
	if _, err := env.Engine.MarkAvailable(env.Ctx, req.ID, ops, "ok"); err != nil {
		t.Fatalf("mark available: %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, req.ID, sales); err != nil {
		t.Fatalf("approve: %v", err)
	}
	evts, err := env.Engine.Repo.Events(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	want := []string{"request.created", "request.ops_available", "request.client_approved"}
	if len(evts) != len(want) {
		t.Fatalf("got %d events, want %d", len(evts), len(want))
	}
	for i, evt := range evts {
		if evt.Type != want[i] {
			t.Fatalf("event %d: got %s want %s", i, evt.Type, want[i])
		}
		if evt.ActorID == "" {
			t.Fatalf("event %d missing actor", i)
		}
	}
}

func TestBrokerSeesTransitions(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, sales)
	updates, cancel := env.Engine.Broker.Subscribe(req.ID)
	defer cancel()
	if _, err := env.Engine.MarkAvailable(env.Ctx, req.ID, ops, ""); err != nil {
		t.Fatalf("mark available: %v", err)
	}
	select {
	case got := <-updates:
		if got.Status != domain.StatusOpsAvailable {
			t.Fatalf("snapshot status: %s", got.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no broker update")
	}
}

func TestParseCrew(t *testing.T) {
	got := engine.ParseCrew(" Ahmed , Khalid ,,")
	if len(got) != 2 || got[0] != "Ahmed" || got[1] != "Khalid" {
		t.Fatalf("got %v", got)
	}
}

package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"medflow/internal/domain"
	"medflow/internal/events"
	"medflow/internal/notify"
	"medflow/internal/rbac"
	"medflow/internal/repo"
)

// Notifier receives the committed snapshot of a transition and delivers the
// outcome out of band. *notify.Dispatcher satisfies it.
type Notifier interface {
	Dispatch(kind notify.Kind, req domain.TransportRequest)
}

// Engine validates and applies transport request transitions. Identity is
// always an explicit parameter; the engine holds no ambient actor state.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Broker   *events.Broker
	RBAC     *rbac.Resolver
	Notifier Notifier
	Log      zerolog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, log zerolog.Logger) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Broker: events.NewBroker(),
		RBAC:   rbac.NewResolver(db),
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() string {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// CreateOptions is the full creation payload for a transport request.
type CreateOptions struct {
	ProjectType  domain.ProjectType
	ServiceType  domain.ServiceType
	StartsAt     string
	EndsAt       string
	Requirements string
	CityScope    domain.CityScope
	City         string

	Teams           []domain.TeamRequirement
	AmbulanceNeeded bool
	AmbulanceCount  int
	RoamingNeeded   bool
	RoamingCount    int
	DurationDays    int
	DurationHours   int
}

// CreateRequest creates a request in status new on behalf of a sales-capable
// actor and notifies Ops.
func (e Engine) CreateRequest(ctx context.Context, actor domain.Actor, opts CreateOptions) (domain.TransportRequest, error) {
	if err := e.RBAC.Require(ctx, actor.Role, rbac.Cap(rbac.ModuleTransport, rbac.ActionCreate)); err != nil {
		return domain.TransportRequest{}, err
	}
	if err := validateCreate(opts); err != nil {
		return domain.TransportRequest{}, err
	}
	now := e.now()
	req := domain.TransportRequest{
		ID:     uuid.New().String(),
		Status: domain.StatusNew,

		ProjectType:  opts.ProjectType,
		ServiceType:  opts.ServiceType,
		StartsAt:     opts.StartsAt,
		EndsAt:       opts.EndsAt,
		Requirements: opts.Requirements,
		CityScope:    opts.CityScope,
		City:         opts.City,

		Teams:           opts.Teams,
		AmbulanceNeeded: opts.AmbulanceNeeded,
		AmbulanceCount:  opts.AmbulanceCount,
		RoamingNeeded:   opts.RoamingNeeded,
		RoamingCount:    opts.RoamingCount,
		DurationDays:    opts.DurationDays,
		DurationHours:   opts.DurationHours,

		SalesOwnerID:    actor.ID,
		SalesOwnerEmail: actor.Email,

		CreatedAt: now,
		CreatedBy: actor.ID,
		UpdatedAt: now,
		UpdatedBy: actor.ID,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransportRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actor.ID, actor.Email, now); err != nil {
		return domain.TransportRequest{}, err
	}
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.TransportRequest{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeCreated, req.ID, "transport_request", actor.ID, events.EventPayload{
		"status": string(req.Status),
		"city":   req.City,
	}); err != nil {
		return domain.TransportRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TransportRequest{}, err
	}
	e.publish(req)
	e.dispatch(notify.KindCreated, req)
	return req, nil
}

func validateCreate(opts CreateOptions) error {
	switch opts.ProjectType {
	case domain.ProjectCoverage, domain.ProjectTransporting:
	default:
		return ValidationError{Field: "project_type", Reason: "must be coverage or transporting"}
	}
	switch opts.ServiceType {
	case domain.ServiceALS, domain.ServiceBLS:
	default:
		return ValidationError{Field: "service_type", Reason: "must be ALS or BLS"}
	}
	switch opts.CityScope {
	case domain.CityInside, domain.CityOutside:
	default:
		return ValidationError{Field: "city_scope", Reason: "must be inside or outside"}
	}
	if strings.TrimSpace(opts.City) == "" {
		return ValidationError{Field: "city", Reason: "required"}
	}
	if opts.StartsAt == "" || opts.EndsAt == "" {
		return ValidationError{Field: "schedule", Reason: "starts_at and ends_at required"}
	}
	for i, team := range opts.Teams {
		if team.Composition == "" {
			return ValidationError{Field: fmt.Sprintf("teams[%d].composition", i), Reason: "required"}
		}
		if team.Quantity <= 0 {
			return ValidationError{Field: fmt.Sprintf("teams[%d].quantity", i), Reason: "must be a positive integer"}
		}
	}
	if opts.AmbulanceNeeded && opts.AmbulanceCount <= 0 {
		return ValidationError{Field: "ambulance_count", Reason: "must be positive when ambulance_needed"}
	}
	if opts.RoamingNeeded && opts.RoamingCount <= 0 {
		return ValidationError{Field: "roaming_count", Reason: "must be positive when roaming_needed"}
	}
	return nil
}

// transition describes one guarded status change.
type transition struct {
	name       string
	capability rbac.Capability
	from       domain.Status
	to         domain.Status
	eventType  string
	kind       notify.Kind
	opsTouch   bool
	validate   func() error
	patch      func(now string, actor domain.Actor) repo.RequestPatch
	payload    events.EventPayload
}

func requireNote(note string) func() error {
	return func() error {
		if note == "" {
			return ValidationError{Field: "note", Reason: "required to reject"}
		}
		return nil
	}
}

// MarkAvailable moves new -> ops_available and stamps the ops decision.
func (e Engine) MarkAvailable(ctx context.Context, id string, actor domain.Actor, note string) (domain.TransportRequest, error) {
	note = strings.TrimSpace(note)
	return e.apply(ctx, id, actor, transition{
		name:       "mark-available",
		capability: rbac.Cap(rbac.ModuleTransport, rbac.ActionOps),
		from:       domain.StatusNew,
		to:         domain.StatusOpsAvailable,
		eventType:  events.TypeOpsAvailable,
		kind:       notify.KindOpsAvailable,
		opsTouch:   true,
		patch: func(now string, actor domain.Actor) repo.RequestPatch {
			p := repo.RequestPatch{
				Status:       domain.StatusOpsAvailable,
				OpsDecidedAt: &now,
				OpsDecidedBy: &actor.ID,
			}
			if note != "" {
				p.OpsNote = &note
			}
			return p
		},
	})
}

// RejectOps moves new -> rejected with a required ops note.
func (e Engine) RejectOps(ctx context.Context, id string, actor domain.Actor, note string) (domain.TransportRequest, error) {
	note = strings.TrimSpace(note)
	return e.apply(ctx, id, actor, transition{
		name:       "ops-reject",
		capability: rbac.Cap(rbac.ModuleTransport, rbac.ActionOps),
		from:       domain.StatusNew,
		to:         domain.StatusRejected,
		eventType:  events.TypeOpsRejected,
		kind:       notify.KindOpsRejected,
		opsTouch:   true,
		validate:   requireNote(note),
		payload:    events.EventPayload{"note": note},
		patch: func(now string, actor domain.Actor) repo.RequestPatch {
			return repo.RequestPatch{
				Status:       domain.StatusRejected,
				OpsDecidedAt: &now,
				OpsDecidedBy: &actor.ID,
				OpsNote:      &note,
			}
		},
	})
}

// RejectClient moves ops_available -> rejected with a required client note.
func (e Engine) RejectClient(ctx context.Context, id string, actor domain.Actor, note string) (domain.TransportRequest, error) {
	note = strings.TrimSpace(note)
	return e.apply(ctx, id, actor, transition{
		name:       "client-reject",
		capability: rbac.Cap(rbac.ModuleTransport, rbac.ActionReject),
		from:       domain.StatusOpsAvailable,
		to:         domain.StatusRejected,
		eventType:  events.TypeClientRejected,
		kind:       notify.KindClientRejected,
		validate:   requireNote(note),
		payload:    events.EventPayload{"note": note},
		patch: func(now string, actor domain.Actor) repo.RequestPatch {
			return repo.RequestPatch{
				Status:          domain.StatusRejected,
				SalesRejectedAt: &now,
				SalesRejectedBy: &actor.ID,
				SalesRejectNote: &note,
			}
		},
	})
}

// Approve moves ops_available -> client_approved.
func (e Engine) Approve(ctx context.Context, id string, actor domain.Actor) (domain.TransportRequest, error) {
	return e.apply(ctx, id, actor, transition{
		name:       "client-approve",
		capability: rbac.Cap(rbac.ModuleTransport, rbac.ActionApprove),
		from:       domain.StatusOpsAvailable,
		to:         domain.StatusClientApproved,
		eventType:  events.TypeClientApproved,
		kind:       notify.KindClientApproved,
		patch: func(now string, actor domain.Actor) repo.RequestPatch {
			return repo.RequestPatch{
				Status:           domain.StatusClientApproved,
				ClientApprovedAt: &now,
				ClientApprovedBy: &actor.ID,
			}
		},
	})
}

// AssignOptions carries the unit assignment. Team is required; ambulance and
// crew are optional.
type AssignOptions struct {
	AmbulanceID string
	Team        string
	Crew        []string
}

// Assign moves client_approved -> assigned and stamps the assignment.
func (e Engine) Assign(ctx context.Context, id string, actor domain.Actor, opts AssignOptions) (domain.TransportRequest, error) {
	team := strings.TrimSpace(opts.Team)
	crew := cleanCrew(opts.Crew)
	ambulance := strings.TrimSpace(opts.AmbulanceID)
	return e.apply(ctx, id, actor, transition{
		name:       "assign",
		capability: rbac.Cap(rbac.ModuleTransport, rbac.ActionAssign),
		from:       domain.StatusClientApproved,
		to:         domain.StatusAssigned,
		eventType:  events.TypeAssigned,
		kind:       notify.KindAssigned,
		payload:    events.EventPayload{"team": team, "ambulance": ambulance},
		validate: func() error {
			if team == "" {
				return ValidationError{Field: "team", Reason: "required to assign"}
			}
			return nil
		},
		patch: func(now string, actor domain.Actor) repo.RequestPatch {
			p := repo.RequestPatch{
				Status:       domain.StatusAssigned,
				AssignedAt:   &now,
				AssignedBy:   &actor.ID,
				AssignedTeam: &team,
				AssignedCrew: crew,
			}
			if ambulance != "" {
				p.AssignedAmbulanceID = &ambulance
			}
			return p
		},
	})
}

// apply runs the shared guard sequence: capability, load, state, input, then
// one conditional patch plus audit event in a single transaction. Only after the
// commit does it build the notification from a fresh read of the row.
func (e Engine) apply(ctx context.Context, id string, actor domain.Actor, t transition) (domain.TransportRequest, error) {
	if err := e.RBAC.Require(ctx, actor.Role, t.capability); err != nil {
		return domain.TransportRequest{}, err
	}
	current, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return domain.TransportRequest{}, err
	}
	if current.Status != t.from {
		return domain.TransportRequest{}, InvalidStateError{Transition: t.name, Current: current.Status, Required: t.from}
	}
	if t.validate != nil {
		if err := t.validate(); err != nil {
			return domain.TransportRequest{}, err
		}
	}
	now := e.now()
	patch := t.patch(now, actor)
	patch.UpdatedAt = now
	patch.UpdatedBy = actor.ID
	if t.opsTouch {
		// First operations touch claims ops ownership; the store keeps the
		// earliest value via COALESCE.
		patch.OpsOwnerID = &actor.ID
		if actor.Email != "" {
			patch.OpsOwnerEmail = &actor.Email
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransportRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actor.ID, actor.Email, now); err != nil {
		return domain.TransportRequest{}, err
	}
	if err := e.Repo.PatchRequest(ctx, tx, id, patch, t.from); err != nil {
		return domain.TransportRequest{}, err
	}
	payload := events.EventPayload{"from": string(t.from), "to": string(t.to)}
	for k, v := range t.payload {
		payload[k] = v
	}
	if err := e.Events.Append(ctx, tx, t.eventType, id, "transport_request", actor.ID, payload); err != nil {
		return domain.TransportRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TransportRequest{}, err
	}

	// Post-commit snapshot: read-your-own-write, so the notification reflects
	// exactly the committed state with no unresolved timestamps.
	updated, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		e.Log.Error().Err(err).Str("request_id", id).Msg("post-commit read failed; notification skipped")
		return domain.TransportRequest{}, err
	}
	e.publish(updated)
	e.dispatch(t.kind, updated)
	return updated, nil
}

func (e Engine) publish(req domain.TransportRequest) {
	if e.Broker != nil {
		e.Broker.Publish(req)
	}
}

func (e Engine) dispatch(kind notify.Kind, req domain.TransportRequest) {
	if e.Notifier == nil {
		return
	}
	e.Notifier.Dispatch(kind, req)
}

// ParseCrew splits a comma-separated crew string into trimmed names.
func ParseCrew(s string) []string {
	return cleanCrew(strings.Split(s, ","))
}

func cleanCrew(in []string) []string {
	out := []string{}
	for _, name := range in {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// SeedRoles writes the config-declared roles and their capability rows, then
// drops any cached matrices so the next resolution sees the new grants.
func (e Engine) SeedRoles(ctx context.Context, roles map[string]RoleSeed) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for id, role := range roles {
		caps := make([]rbac.Capability, 0, len(role.Capabilities))
		for _, c := range role.Capabilities {
			caps = append(caps, rbac.Capability(c))
		}
		if err := rbac.SeedRole(ctx, tx, id, role.Description, caps); err != nil {
			return fmt.Errorf("seed role %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if e.RBAC != nil {
		e.RBAC.Invalidate("")
	}
	return nil
}

// RoleSeed mirrors the config role shape without importing config here.
type RoleSeed struct {
	Description  string
	Capabilities []string
}

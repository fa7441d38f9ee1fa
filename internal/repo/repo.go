package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"medflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict signals an optimistic-concurrency loss: the row exists but
	// its status no longer matches the expected current status.
	ErrConflict = errors.New("status conflict")
)

const requestColumns = `id, status,
project_type, service_type, starts_at, ends_at, COALESCE(requirements,''), city_scope, city,
teams_json, ambulance_needed, ambulance_count, roaming_needed, roaming_count, duration_days, duration_hours,
sales_owner_id, COALESCE(sales_owner_email,''), ops_owner_id, ops_owner_email,
ops_decided_at, ops_decided_by, ops_note,
sales_rejected_at, sales_rejected_by, sales_reject_note,
client_approved_at, client_approved_by,
assigned_at, assigned_by, assigned_ambulance_id, assigned_team, assigned_crew_json,
created_at, created_by, updated_at, updated_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.TransportRequest, error) {
	var (
		r           domain.TransportRequest
		status      string
		teamsJSON   sql.NullString
		ambNeeded   int
		roamNeeded  int
		opsOwnerID  sql.NullString
		opsOwnerEm  sql.NullString
		opsAt       sql.NullString
		opsBy       sql.NullString
		opsNote     sql.NullString
		salesAt     sql.NullString
		salesBy     sql.NullString
		salesNote   sql.NullString
		approvedAt  sql.NullString
		approvedBy  sql.NullString
		assignedAt  sql.NullString
		assignedBy  sql.NullString
		ambulanceID sql.NullString
		team        sql.NullString
		crewJSON    sql.NullString
	)
	var projectType, serviceType, cityScope string
	err := row.Scan(&r.ID, &status,
		&projectType, &serviceType, &r.StartsAt, &r.EndsAt, &r.Requirements, &cityScope, &r.City,
		&teamsJSON, &ambNeeded, &r.AmbulanceCount, &roamNeeded, &r.RoamingCount, &r.DurationDays, &r.DurationHours,
		&r.SalesOwnerID, &r.SalesOwnerEmail, &opsOwnerID, &opsOwnerEm,
		&opsAt, &opsBy, &opsNote,
		&salesAt, &salesBy, &salesNote,
		&approvedAt, &approvedBy,
		&assignedAt, &assignedBy, &ambulanceID, &team, &crewJSON,
		&r.CreatedAt, &r.CreatedBy, &r.UpdatedAt, &r.UpdatedBy)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.Status = domain.Status(status)
	r.ProjectType = domain.ProjectType(projectType)
	r.ServiceType = domain.ServiceType(serviceType)
	r.CityScope = domain.CityScope(cityScope)
	r.AmbulanceNeeded = ambNeeded != 0
	r.RoamingNeeded = roamNeeded != 0
	r.Teams = decodeTeams(teamsJSON)
	r.OpsOwnerID = fromNull(opsOwnerID)
	r.OpsOwnerEmail = fromNull(opsOwnerEm)
	r.OpsDecidedAt = fromNull(opsAt)
	r.OpsDecidedBy = fromNull(opsBy)
	r.OpsNote = fromNull(opsNote)
	r.SalesRejectedAt = fromNull(salesAt)
	r.SalesRejectedBy = fromNull(salesBy)
	r.SalesRejectNote = fromNull(salesNote)
	r.ClientApprovedAt = fromNull(approvedAt)
	r.ClientApprovedBy = fromNull(approvedBy)
	r.AssignedAt = fromNull(assignedAt)
	r.AssignedBy = fromNull(assignedBy)
	r.AssignedAmbulanceID = fromNull(ambulanceID)
	r.AssignedTeam = fromNull(team)
	r.AssignedCrew = decodeCrew(crewJSON)
	return r, nil
}

// InsertRequest writes a new request row inside the caller's transaction.
func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.TransportRequest) error {
	teamsJSON, err := encodeTeams(req.Teams)
	if err != nil {
		return fmt.Errorf("encode teams: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO transport_requests(
id, status,
project_type, service_type, starts_at, ends_at, requirements, city_scope, city,
teams_json, ambulance_needed, ambulance_count, roaming_needed, roaming_count, duration_days, duration_hours,
sales_owner_id, sales_owner_email,
created_at, created_by, updated_at, updated_by
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, string(req.Status),
		string(req.ProjectType), string(req.ServiceType), req.StartsAt, req.EndsAt, nullable(req.Requirements), string(req.CityScope), req.City,
		teamsJSON, boolInt(req.AmbulanceNeeded), req.AmbulanceCount, boolInt(req.RoamingNeeded), req.RoamingCount, req.DurationDays, req.DurationHours,
		req.SalesOwnerID, nullable(req.SalesOwnerEmail),
		req.CreatedAt, req.CreatedBy, req.UpdatedAt, req.UpdatedBy)
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.TransportRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM transport_requests WHERE id=?`, id)
	return scanRequest(row)
}

// ListRequests returns requests ordered by creation time descending,
// optionally filtered by status.
func (r Repo) ListRequests(ctx context.Context, status domain.Status) ([]domain.TransportRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM transport_requests`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransportRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// RequestPatch is the partial update a transition applies. Only non-nil
// fields are written. OpsOwner* are applied with COALESCE so the first value
// wins and a later transition never overwrites it.
type RequestPatch struct {
	Status    domain.Status
	UpdatedAt string
	UpdatedBy string

	OpsOwnerID    *string
	OpsOwnerEmail *string

	OpsDecidedAt *string
	OpsDecidedBy *string
	OpsNote      *string

	SalesRejectedAt *string
	SalesRejectedBy *string
	SalesRejectNote *string

	ClientApprovedAt *string
	ClientApprovedBy *string

	AssignedAt          *string
	AssignedBy          *string
	AssignedAmbulanceID *string
	AssignedTeam        *string
	AssignedCrew        []string
}

// PatchRequest applies the patch in one conditional UPDATE guarded by the
// expected current status. Two concurrent patches against the same request
// and expected status yield exactly one success and one ErrConflict.
func (r Repo) PatchRequest(ctx context.Context, tx *sql.Tx, id string, patch RequestPatch, expected domain.Status) error {
	fields := []string{"status=?", "updated_at=?", "updated_by=?"}
	args := []any{string(patch.Status), patch.UpdatedAt, patch.UpdatedBy}

	if patch.OpsOwnerID != nil {
		fields = append(fields, "ops_owner_id=COALESCE(ops_owner_id, ?)", "ops_owner_email=COALESCE(ops_owner_email, ?)")
		args = append(args, *patch.OpsOwnerID, nullable(deref(patch.OpsOwnerEmail)))
	}
	set := func(column string, v *string) {
		if v != nil {
			fields = append(fields, column+"=?")
			args = append(args, *v)
		}
	}
	set("ops_decided_at", patch.OpsDecidedAt)
	set("ops_decided_by", patch.OpsDecidedBy)
	set("ops_note", patch.OpsNote)
	set("sales_rejected_at", patch.SalesRejectedAt)
	set("sales_rejected_by", patch.SalesRejectedBy)
	set("sales_reject_note", patch.SalesRejectNote)
	set("client_approved_at", patch.ClientApprovedAt)
	set("client_approved_by", patch.ClientApprovedBy)
	set("assigned_at", patch.AssignedAt)
	set("assigned_by", patch.AssignedBy)
	set("assigned_ambulance_id", patch.AssignedAmbulanceID)
	set("assigned_team", patch.AssignedTeam)
	if patch.AssignedCrew != nil {
		crew, err := json.Marshal(patch.AssignedCrew)
		if err != nil {
			return err
		}
		fields = append(fields, "assigned_crew_json=?")
		args = append(args, string(crew))
	}

	args = append(args, id, string(expected))
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE transport_requests SET %s WHERE id=? AND status=?`, strings.Join(fields, ", ")), args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM transport_requests WHERE id=?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (r Repo) CountRequestsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM transport_requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, email, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, email, created_at) VALUES (?,?,?)`,
		actorID, nullable(email), now)
	return err
}

// Events returns the audit trail for one request, oldest first.
func (r Repo) Events(ctx context.Context, requestID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, ts, type, COALESCE(request_id,''), entity_kind, actor_id, payload_json FROM events WHERE request_id=? ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsAfter returns up to limit events with id greater than cursor.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, ts, type, COALESCE(request_id,''), entity_kind, actor_id, payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RequestID, &e.EntityKind, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func encodeTeams(teams []domain.TeamRequirement) (any, error) {
	if len(teams) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(teams)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeTeams(raw sql.NullString) []domain.TeamRequirement {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var teams []domain.TeamRequirement
	if err := json.Unmarshal([]byte(raw.String), &teams); err != nil {
		return nil
	}
	return teams
}

func decodeCrew(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var crew []string
	if err := json.Unmarshal([]byte(raw.String), &crew); err != nil {
		return nil
	}
	return crew
}

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

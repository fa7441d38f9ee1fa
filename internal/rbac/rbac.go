package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// Module is an application area a capability belongs to.
type Module string

const (
	ModuleTransport Module = "transport"
	ModuleDispatch  Module = "dispatch"
	ModuleFleet     Module = "fleet"
	ModuleClinics   Module = "clinics"
)

// Action is a gated operation within a module.
type Action string

const (
	ActionView    Action = "view"
	ActionCreate  Action = "create"
	ActionEdit    Action = "edit"
	ActionOps     Action = "ops"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionAssign  Action = "assign"
)

// AdminRole bypasses every capability check. The bypass is carried as an
// explicit flag on the resolved matrix and must be consulted by callers; the
// grant map itself never encodes it.
const AdminRole = "admin"

// Capability is a (module, action) pair in "module.action" form.
type Capability string

func (c Capability) Split() (Module, Action, error) {
	mod, act, ok := strings.Cut(string(c), ".")
	if !ok || mod == "" || act == "" {
		return "", "", fmt.Errorf("invalid capability %q, want module.action", string(c))
	}
	return Module(mod), Action(act), nil
}

func Cap(m Module, a Action) Capability {
	return Capability(string(m) + "." + string(a))
}

// ForbiddenError indicates the actor's role lacks a capability.
type ForbiddenError struct {
	Role       string
	Capability Capability
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s lacks capability %s", e.Role, e.Capability)
}

// Matrix is a sparse capability matrix for one role. Absent entries deny.
type Matrix struct {
	Role   string
	Admin  bool
	grants map[Module]map[Action]bool
}

// Grant reports whether the matrix grants (module, action). Default deny.
// The administrator bypass is NOT applied here; check Admin explicitly.
func (m Matrix) Grant(mod Module, act Action) bool {
	acts, ok := m.grants[mod]
	if !ok {
		return false
	}
	return acts[act]
}

// Grants returns the granted capabilities in stable module.action form.
func (m Matrix) Grants() []Capability {
	var caps []Capability
	for mod, acts := range m.grants {
		for act, on := range acts {
			if on {
				caps = append(caps, Cap(mod, act))
			}
		}
	}
	return caps
}

func newMatrix(role string) Matrix {
	return Matrix{Role: role, Admin: role == AdminRole, grants: map[Module]map[Action]bool{}}
}

func (m *Matrix) set(mod Module, act Action) {
	if m.grants[mod] == nil {
		m.grants[mod] = map[Action]bool{}
	}
	m.grants[mod][act] = true
}

// Resolver resolves role ids to capability matrices from the roles tables,
// caching resolved matrices. A resolution failure is returned as an error and
// never collapses into a deny.
type Resolver struct {
	DB *sql.DB

	mu    sync.RWMutex
	cache map[string]Matrix
}

func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{DB: db, cache: map[string]Matrix{}}
}

// Resolve returns the capability matrix for a role. Unknown roles resolve to
// an empty (all-deny) matrix rather than an error: the role simply has no
// grants.
func (r *Resolver) Resolve(ctx context.Context, role string) (Matrix, error) {
	if role == "" {
		return Matrix{}, fmt.Errorf("role required")
	}
	r.mu.RLock()
	m, ok := r.cache[role]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}
	m, err := r.load(ctx, role)
	if err != nil {
		return Matrix{}, err
	}
	r.mu.Lock()
	r.cache[role] = m
	r.mu.Unlock()
	return m, nil
}

// Invalidate drops the cached matrix for a role, or all roles when empty.
func (r *Resolver) Invalidate(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role == "" {
		r.cache = map[string]Matrix{}
		return
	}
	delete(r.cache, role)
}

func (r *Resolver) load(ctx context.Context, role string) (Matrix, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT module, action FROM role_capabilities WHERE role_id=?`, role)
	if err != nil {
		return Matrix{}, fmt.Errorf("load role %s: %w", role, err)
	}
	defer rows.Close()
	m := newMatrix(role)
	for rows.Next() {
		var mod, act string
		if err := rows.Scan(&mod, &act); err != nil {
			return Matrix{}, err
		}
		m.set(Module(mod), Action(act))
	}
	return m, rows.Err()
}

// Require returns a ForbiddenError unless the role is the administrator role
// or its matrix grants the capability. This is the single guard used by every
// engine operation.
func (r *Resolver) Require(ctx context.Context, role string, cap Capability) error {
	m, err := r.Resolve(ctx, role)
	if err != nil {
		return err
	}
	if m.Admin {
		return nil
	}
	mod, act, err := cap.Split()
	if err != nil {
		return err
	}
	if !m.Grant(mod, act) {
		return ForbiddenError{Role: role, Capability: cap}
	}
	return nil
}

// SeedRole replaces a role's capability rows inside the caller's transaction.
func SeedRole(ctx context.Context, tx *sql.Tx, role, description string, caps []Capability) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO roles(id, description) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description`, role, description); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_capabilities WHERE role_id=?`, role); err != nil {
		return err
	}
	for _, c := range caps {
		mod, act, err := c.Split()
		if err != nil {
			return fmt.Errorf("role %s: %w", role, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_capabilities(role_id, module, action) VALUES (?,?,?)`,
			role, string(mod), string(act)); err != nil {
			return err
		}
	}
	return nil
}

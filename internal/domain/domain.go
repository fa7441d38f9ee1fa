package domain

// Status is the lifecycle state of a transport request.
type Status string

const (
	StatusNew            Status = "new"
	StatusOpsAvailable   Status = "ops_available"
	StatusRejected       Status = "rejected"
	StatusClientApproved Status = "client_approved"
	StatusAssigned       Status = "assigned"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusAssigned
}

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusOpsAvailable, StatusRejected, StatusClientApproved, StatusAssigned:
		return true
	}
	return false
}

// Label returns the fixed human-readable label for a status.
func (s Status) Label() string {
	switch s {
	case StatusNew:
		return "New"
	case StatusOpsAvailable:
		return "Ops: Available"
	case StatusRejected:
		return "Rejected"
	case StatusClientApproved:
		return "Client Approved"
	case StatusAssigned:
		return "Assigned"
	}
	return string(s)
}

// ProjectType distinguishes standing event coverage from point-to-point transport.
type ProjectType string

const (
	ProjectCoverage     ProjectType = "coverage"
	ProjectTransporting ProjectType = "transporting"
)

// ServiceType is the clinical service level requested.
type ServiceType string

const (
	ServiceALS ServiceType = "ALS"
	ServiceBLS ServiceType = "BLS"
)

type CityScope string

const (
	CityInside  CityScope = "inside"
	CityOutside CityScope = "outside"
)

// TeamComposition is an enumerated staffing pattern for one team row.
type TeamComposition string

const (
	TeamDoctorEMT      TeamComposition = "doctor_emt"
	TeamDoctorNurse    TeamComposition = "doctor_nurse"
	TeamNurseEMT       TeamComposition = "nurse_emt"
	TeamParamedicEMT   TeamComposition = "paramedic_emt"
	TeamEMTOnly        TeamComposition = "emt_only"
	TeamDoctorSolo     TeamComposition = "doctor_solo"
	TeamParamedicSolo  TeamComposition = "paramedic_solo"
	TeamNurseParamedic TeamComposition = "nurse_paramedic"
)

// TeamRequirement is one requested team row: a staffing pattern and how many
// such teams are needed. Quantity must be strictly positive.
type TeamRequirement struct {
	Composition TeamComposition `json:"composition"`
	Quantity    int             `json:"quantity"`
}

// Actor is the identity performing an operation. It is always passed
// explicitly into the engine, never read from ambient state.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

// TransportRequest is the aggregate root of the sales workflow. Timestamps are
// RFC3339 strings; optional stamps are pointers left nil until the transition
// that produces them.
type TransportRequest struct {
	ID     string `json:"id"`
	Status Status `json:"status" enum:"new,ops_available,rejected,client_approved,assigned"`

	ProjectType  ProjectType `json:"project_type" enum:"coverage,transporting"`
	ServiceType  ServiceType `json:"service_type" enum:"ALS,BLS"`
	StartsAt     string      `json:"starts_at" format:"date-time"`
	EndsAt       string      `json:"ends_at" format:"date-time"`
	Requirements string      `json:"requirements,omitempty"`
	CityScope    CityScope   `json:"city_scope" enum:"inside,outside"`
	City         string      `json:"city"`

	Teams           []TeamRequirement `json:"teams,omitempty"`
	AmbulanceNeeded bool              `json:"ambulance_needed"`
	AmbulanceCount  int               `json:"ambulance_count,omitempty"`
	RoamingNeeded   bool              `json:"roaming_needed"`
	RoamingCount    int               `json:"roaming_count,omitempty"`
	DurationDays    int               `json:"duration_days,omitempty"`
	DurationHours   int               `json:"duration_hours,omitempty"`

	SalesOwnerID    string  `json:"sales_owner_id"`
	SalesOwnerEmail string  `json:"sales_owner_email,omitempty"`
	OpsOwnerID      *string `json:"ops_owner_id,omitempty"`
	OpsOwnerEmail   *string `json:"ops_owner_email,omitempty"`

	OpsDecidedAt *string `json:"ops_decided_at,omitempty" format:"date-time"`
	OpsDecidedBy *string `json:"ops_decided_by,omitempty"`
	OpsNote      *string `json:"ops_note,omitempty"`

	SalesRejectedAt *string `json:"sales_rejected_at,omitempty" format:"date-time"`
	SalesRejectedBy *string `json:"sales_rejected_by,omitempty"`
	SalesRejectNote *string `json:"sales_reject_note,omitempty"`

	ClientApprovedAt *string `json:"client_approved_at,omitempty" format:"date-time"`
	ClientApprovedBy *string `json:"client_approved_by,omitempty"`

	AssignedAt          *string  `json:"assigned_at,omitempty" format:"date-time"`
	AssignedBy          *string  `json:"assigned_by,omitempty"`
	AssignedAmbulanceID *string  `json:"assigned_ambulance_id,omitempty"`
	AssignedTeam        *string  `json:"assigned_team,omitempty"`
	AssignedCrew        []string `json:"assigned_crew,omitempty"`

	CreatedAt string `json:"created_at" format:"date-time"`
	CreatedBy string `json:"created_by"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
	UpdatedBy string `json:"updated_by"`
}

// DisplayLabel is the status label refined for rejected requests: the
// populated rejection note identifies which party rejected.
func (r TransportRequest) DisplayLabel() string {
	if r.Status != StatusRejected {
		return r.Status.Label()
	}
	if r.SalesRejectNote != nil {
		return "Rejected (Sales)"
	}
	if r.OpsNote != nil {
		return "Rejected (Ops)"
	}
	return r.Status.Label()
}

// EffectiveAmbulanceCount treats the stored count as zero unless the need
// flag is set, regardless of the stored value.
func (r TransportRequest) EffectiveAmbulanceCount() int {
	if !r.AmbulanceNeeded {
		return 0
	}
	return r.AmbulanceCount
}

func (r TransportRequest) EffectiveRoamingCount() int {
	if !r.RoamingNeeded {
		return 0
	}
	return r.RoamingCount
}

// Event is one audit log row for a transport request.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RequestID  string `json:"request_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a machine caller as a fixed actor with a fixed role.
type APIKey struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	ActorEmail string `json:"actor_email,omitempty"`
	Role       string `json:"role"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"key_hash"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

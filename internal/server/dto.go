package server

import (
	"encoding/json"

	"medflow/internal/domain"
	"medflow/internal/engine"
)

// CreateRequestPayload is the body of POST /transport-requests.
type CreateRequestPayload struct {
	ProjectType  string `json:"project_type" enum:"coverage,transporting" doc:"Standing coverage or point-to-point transporting"`
	ServiceType  string `json:"service_type" enum:"ALS,BLS"`
	StartsAt     string `json:"starts_at" format:"date-time"`
	EndsAt       string `json:"ends_at" format:"date-time"`
	Requirements string `json:"requirements,omitempty"`
	CityScope    string `json:"city_scope" enum:"inside,outside"`
	City         string `json:"city"`

	Teams           []domain.TeamRequirement `json:"teams,omitempty"`
	AmbulanceNeeded bool                     `json:"ambulance_needed,omitempty"`
	AmbulanceCount  int                      `json:"ambulance_count,omitempty" minimum:"0"`
	RoamingNeeded   bool                     `json:"roaming_needed,omitempty"`
	RoamingCount    int                      `json:"roaming_count,omitempty" minimum:"0"`
	DurationDays    int                      `json:"duration_days,omitempty" minimum:"0"`
	DurationHours   int                      `json:"duration_hours,omitempty" minimum:"0"`
}

func (p CreateRequestPayload) options() engine.CreateOptions {
	return engine.CreateOptions{
		ProjectType:     domain.ProjectType(p.ProjectType),
		ServiceType:     domain.ServiceType(p.ServiceType),
		StartsAt:        p.StartsAt,
		EndsAt:          p.EndsAt,
		Requirements:    p.Requirements,
		CityScope:       domain.CityScope(p.CityScope),
		City:            p.City,
		Teams:           p.Teams,
		AmbulanceNeeded: p.AmbulanceNeeded,
		AmbulanceCount:  p.AmbulanceCount,
		RoamingNeeded:   p.RoamingNeeded,
		RoamingCount:    p.RoamingCount,
		DurationDays:    p.DurationDays,
		DurationHours:   p.DurationHours,
	}
}

// NotePayload carries the decision note for ops and client transitions.
type NotePayload struct {
	Note string `json:"note,omitempty"`
}

// AssignPayload is the body of the assign transition.
type AssignPayload struct {
	Team        string   `json:"team"`
	AmbulanceID string   `json:"ambulance_id,omitempty"`
	Crew        []string `json:"crew,omitempty"`
}

// RequestResponse is a transport request plus its display label.
type RequestResponse struct {
	domain.TransportRequest
	Label string `json:"label" doc:"Status label, refined to the rejecting party for rejected requests"`
}

func requestResponse(req domain.TransportRequest) RequestResponse {
	return RequestResponse{TransportRequest: req, Label: req.DisplayLabel()}
}

type RequestListResponse struct {
	Items []RequestResponse `json:"items"`
}

// EventResponse is one audit log entry with its payload decoded.
type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

func eventResponse(evt domain.Event) EventResponse {
	var payload map[string]any
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:        evt.ID,
		TS:        evt.TS,
		Type:      evt.Type,
		RequestID: evt.RequestID,
		ActorID:   evt.ActorID,
		Payload:   payload,
	}
}

type EventListResponse struct {
	Items []EventResponse `json:"items"`
}

// RoleResponse describes a role's resolved capability matrix.
type RoleResponse struct {
	Role         string   `json:"role"`
	Admin        bool     `json:"admin" doc:"Administrator roles bypass capability checks"`
	Capabilities []string `json:"capabilities"`
}

// WhoAmIResponse echoes the authenticated principal.
type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Email   string `json:"email,omitempty"`
	Role    string `json:"role"`
	Source  string `json:"source" enum:"jwt,api_key,legacy_header"`
}

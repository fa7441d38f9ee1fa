package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"medflow/internal/domain"
)

// Kind identifies the transition outcome a notification announces.
type Kind string

const (
	KindCreated        Kind = "CREATED"
	KindOpsAvailable   Kind = "OPS_AVAILABLE"
	KindOpsRejected    Kind = "OPS_REJECTED"
	KindClientRejected Kind = "CLIENT_REJECTED"
	KindClientApproved Kind = "CLIENT_APPROVED"
	KindAssigned       Kind = "ASSIGNED"
)

// Recipient groups understood by the mail transport.
const (
	GroupOps   = "OPS"
	GroupSales = "SALES"
)

// Payload is the outbound mail request. Exactly one of To/RecipientGroup is
// set by the builder; Subject plus at least one of Text/HTML are required.
type Payload struct {
	To             []string `json:"to,omitempty"`
	RecipientGroup string   `json:"recipientGroup,omitempty"`
	Subject        string   `json:"subject"`
	Text           string   `json:"text,omitempty"`
	HTML           string   `json:"html,omitempty"`
}

// Validate flags caller errors: these are bugs in payload construction, not
// transient transport failures.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.Subject) == "" {
		return errors.New("notification subject required")
	}
	if p.Text == "" && p.HTML == "" {
		return errors.New("notification needs text or html content")
	}
	if len(p.To) == 0 && p.RecipientGroup == "" {
		return errors.New("notification needs a recipient or recipient group")
	}
	return nil
}

// Build maps a transition outcome plus a committed request snapshot to a mail
// payload. The outcome is routed to whichever party did not just act; a
// missing owner email falls back to the party's group. Build never fails on
// absent optional fields.
func Build(kind Kind, req domain.TransportRequest) Payload {
	p := Payload{
		Subject: fmt.Sprintf("[Transport %s] %s — %s", string(kind), shortID(req.ID), req.DisplayLabel()),
		Text:    bodyText(kind, req),
		HTML:    bodyHTML(kind, req),
	}
	switch kind {
	case KindCreated, KindClientRejected, KindClientApproved:
		if req.OpsOwnerEmail != nil && *req.OpsOwnerEmail != "" {
			p.To = []string{*req.OpsOwnerEmail}
		} else {
			p.RecipientGroup = GroupOps
		}
	default:
		if req.SalesOwnerEmail != "" {
			p.To = []string{req.SalesOwnerEmail}
		} else {
			p.RecipientGroup = GroupSales
		}
	}
	return p
}

func bodyText(kind Kind, req domain.TransportRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transport request %s is now %s.\n\n", req.ID, req.DisplayLabel())
	fmt.Fprintf(&b, "Project: %s / %s\n", req.ProjectType, req.ServiceType)
	fmt.Fprintf(&b, "City: %s (%s)\n", req.City, req.CityScope)
	fmt.Fprintf(&b, "Window: %s .. %s\n", req.StartsAt, req.EndsAt)
	if n := req.EffectiveAmbulanceCount(); n > 0 {
		fmt.Fprintf(&b, "Ambulances: %d\n", n)
	}
	if n := req.EffectiveRoamingCount(); n > 0 {
		fmt.Fprintf(&b, "Roaming units: %d\n", n)
	}
	for _, team := range req.Teams {
		fmt.Fprintf(&b, "Team: %s x%d\n", team.Composition, team.Quantity)
	}
	switch kind {
	case KindOpsRejected:
		if req.OpsNote != nil {
			fmt.Fprintf(&b, "\nOps note: %s\n", *req.OpsNote)
		}
	case KindClientRejected:
		if req.SalesRejectNote != nil {
			fmt.Fprintf(&b, "\nClient note: %s\n", *req.SalesRejectNote)
		}
	case KindOpsAvailable:
		if req.OpsNote != nil && *req.OpsNote != "" {
			fmt.Fprintf(&b, "\nOps note: %s\n", *req.OpsNote)
		}
	case KindAssigned:
		if req.AssignedTeam != nil {
			fmt.Fprintf(&b, "\nAssigned team: %s\n", *req.AssignedTeam)
		}
		if req.AssignedAmbulanceID != nil {
			fmt.Fprintf(&b, "Ambulance: %s\n", *req.AssignedAmbulanceID)
		}
		if len(req.AssignedCrew) > 0 {
			fmt.Fprintf(&b, "Crew: %s\n", strings.Join(req.AssignedCrew, ", "))
		}
	}
	return b.String()
}

func bodyHTML(kind Kind, req domain.TransportRequest) string {
	return fmt.Sprintf("<p>Transport request <b>%s</b> is now <b>%s</b>.</p><pre>%s</pre>",
		req.ID, req.DisplayLabel(), bodyText(kind, req))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Dispatcher posts payloads to the mail transport. Delivery is at-most-once:
// no retries, and a failed send is only logged.
type Dispatcher struct {
	URL    string
	Client *http.Client
	Log    zerolog.Logger
}

const defaultTimeout = 5 * time.Second

func NewDispatcher(url string, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
		Log:    log,
	}
}

// Send posts the payload synchronously. Validation failures are caller
// errors; transport failures come back as errors for the caller to log.
func (d *Dispatcher) Send(ctx context.Context, p Payload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(d.URL) == "" {
		return errors.New("mailer url not configured")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("mailer status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Dispatch fires the send on a detached goroutine. The transition that
// produced the payload has already committed; a failure here is logged and
// never propagates back into the transition's result.
func (d *Dispatcher) Dispatch(kind Kind, req domain.TransportRequest) {
	p := Build(kind, req)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout*2)
		defer cancel()
		if err := d.Send(ctx, p); err != nil {
			d.Log.Error().
				Err(err).
				Str("request_id", req.ID).
				Str("kind", string(kind)).
				Msg("notification delivery failed")
		}
	}()
}

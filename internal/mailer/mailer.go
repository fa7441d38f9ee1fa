package mailer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"medflow/internal/config"
)

// Service is the mail transport boundary: it accepts send requests, resolves
// recipient groups to configured address lists, and hands the message to a
// Sender. Missing subject/content/recipients are caller errors (400); a
// misconfigured or failing sender is a 500.
type Service struct {
	Config config.MailerConfig
	Sender Sender
	Log    zerolog.Logger
}

// SendRequest is the wire format of POST /send. `to` accepts a single address
// or a list.
type SendRequest struct {
	RecipientGroup string      `json:"recipientGroup,omitempty"`
	To             AddressList `json:"to,omitempty"`
	Subject        string      `json:"subject"`
	Text           string      `json:"text,omitempty"`
	HTML           string      `json:"html,omitempty"`
}

// AddressList unmarshals from either a JSON string or an array of strings.
type AddressList []string

func (a *AddressList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if strings.TrimSpace(one) == "" {
			*a = nil
			return nil
		}
		*a = AddressList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("to must be a string or list of strings")
	}
	*a = AddressList(many)
	return nil
}

type SendResponse struct {
	Recipients []string `json:"recipients"`
	MessageID  string   `json:"messageId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the HTTP handler for the transport.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/send", s.handleSend)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (s *Service) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json"})
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "subject_required"})
		return
	}
	if req.Text == "" && req.HTML == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "content_required"})
		return
	}
	recipients := cleanAddresses(req.To)
	if len(recipients) == 0 && req.RecipientGroup != "" {
		recipients = cleanAddresses(s.Config.Groups[strings.ToUpper(req.RecipientGroup)])
		if recipients == nil {
			// groups may be configured in any case
			for name, addrs := range s.Config.Groups {
				if strings.EqualFold(name, req.RecipientGroup) {
					recipients = cleanAddresses(addrs)
				}
			}
		}
	}
	if len(recipients) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "recipients_required"})
		return
	}

	if s.Sender == nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "sender_not_configured"})
		return
	}
	msg := Message{
		From:       s.Config.From,
		Recipients: recipients,
		Subject:    req.Subject,
		Text:       req.Text,
		HTML:       req.HTML,
	}
	id := uuid.New().String()
	if err := s.Sender.Send(r.Context(), msg); err != nil {
		s.Log.Error().Err(err).Str("message_id", id).Msg("mail send failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "send_failed"})
		return
	}
	s.Log.Info().
		Str("message_id", id).
		Strs("recipients", recipients).
		Str("subject", req.Subject).
		Msg("mail sent")
	writeJSON(w, http.StatusOK, SendResponse{Recipients: recipients, MessageID: id})
}

func cleanAddresses(in []string) []string {
	var out []string
	for _, addr := range in {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

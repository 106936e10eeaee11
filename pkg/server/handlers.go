package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/trustagent/mandates/pkg/api"
	"github.com/trustagent/mandates/pkg/auth"
	"github.com/trustagent/mandates/pkg/mandate"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Protocol: "AP2",
		Version:  s.version(),
		Features: Features,
	})
}

func owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := auth.GetOwnerID(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "")
		return "", false
	}
	return id, true
}

func (s *Server) respond(w http.ResponseWriter, status int, m *mandate.Mandate, msg string) {
	view, err := newMandateView(m, s.opts.Registry.Verify(m))
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, status, mandateResponse{Success: true, Mandate: view, Message: msg})
}

func (s *Server) handleCreate(kind mandate.Kind) http.HandlerFunc {
	schema := s.schemas[kind]
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := owner(w, r)
		if !ok {
			return
		}

		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				api.WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "Request Too Large",
					fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
				return
			}
			api.WriteBadRequest(w, "unreadable request body")
			return
		}
		if err := validateBody(schema, raw); err != nil {
			api.WriteErrorR(w, r, http.StatusBadRequest, "invalid_request", "Invalid Request", err.Error())
			return
		}
		p, err := decodeRequest(kind, raw)
		if err != nil {
			api.WriteErrorR(w, r, http.StatusBadRequest, "invalid_request", "Invalid Request", err.Error())
			return
		}

		m, err := s.opts.Registry.Create(r.Context(), ownerID, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.respond(w, http.StatusCreated, m, createdMessage(m))
	}
}

func createdMessage(m *mandate.Mandate) string {
	switch p := m.Payload.(type) {
	case mandate.IntentPayload:
		return fmt.Sprintf("Intent mandate created for %s", p.IntentType)
	case mandate.CartPayload:
		return fmt.Sprintf("Cart mandate created with %d items (%s)", len(p.Items), p.TotalAmount)
	case mandate.PaymentPayload:
		return fmt.Sprintf("Payment mandate created for %s (%s)", p.Purpose, p.Amount)
	}
	return "Mandate created"
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	var filter *mandate.Status
	if q := r.URL.Query().Get("status"); q != "" {
		st, err := mandate.ParseStatus(q)
		if err != nil {
			api.WriteErrorR(w, r, http.StatusBadRequest, "invalid_status", "Invalid Status", err.Error())
			return
		}
		filter = &st
	}

	list := s.opts.Registry.List(ownerID, filter)
	views := make([]mandateView, 0, len(list))
	for _, m := range list {
		v, err := newMandateView(m, s.opts.Registry.Verify(m))
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		views = append(views, v)
	}
	api.WriteJSON(w, http.StatusOK, listResponse{Success: true, Mandates: views, Count: len(views)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	m, err := s.opts.Registry.GetOwned(chi.URLParam(r, "id"), ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, m, "")
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	m, err := s.opts.Registry.Approve(r.Context(), chi.URLParam(r, "id"), ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, m, "Mandate approved successfully")
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	m, res, err := s.opts.Registry.Execute(r.Context(), chi.URLParam(r, "id"), ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := newMandateView(m, s.opts.Registry.Verify(m))
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, executeResponse{
		Success:         true,
		Mandate:         view,
		ExecutionResult: res,
		Message:         "Mandate executed successfully",
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	m, err := s.opts.Registry.Cancel(r.Context(), chi.URLParam(r, "id"), ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, m, "Mandate cancelled successfully")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   s.opts.Registry.Stats(ownerID),
	})
}

func (s *Server) handleAutoApprove(w http.ResponseWriter, r *http.Request) {
	n, err := s.opts.Registry.ProcessAutoApprovals(r.Context())
	s.sweepDone(w, r, "auto-approval", n, err, fmt.Sprintf("Auto-approved %d mandates", n))
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	n, err := s.opts.Registry.CleanupExpired(r.Context())
	s.sweepDone(w, r, "cleanup", n, err, fmt.Sprintf("Cleaned up %d expired mandates", n))
}

// sweepDone reports partial progress: a sweep that hit errors still
// applied the transitions it could.
func (s *Server) sweepDone(w http.ResponseWriter, r *http.Request, sweep string, n int, err error, msg string) {
	if err != nil {
		auth.Logger(r.Context(), s.logger).Error("sweep incomplete", "sweep", sweep, "affected", n, "error", err)
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, sweepResponse{Success: true, Affected: n, Message: msg})
}

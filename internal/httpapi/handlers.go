package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/aj9599/ev-dispatch/internal/model"
	"github.com/aj9599/ev-dispatch/internal/orchestrator"
	"github.com/aj9599/ev-dispatch/internal/recovery"
)

type submitRequest struct {
	UserID       string         `json:"user_id"`
	Mode         model.PileType `json:"mode"`
	RequestedKWh float64        `json:"requested_kwh"`
}

func (s *Server) handleSubmit(core *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		sess, err := core.Submit(r.Context(), req.UserID, req.Mode, req.RequestedKWh)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

type modifyRequest struct {
	UserID       string  `json:"user_id"`
	RequestedKWh float64 `json:"requested_kwh"`
}

func (s *Server) handleModify(core *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req modifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		sessionID := pathVar(r, "id")
		if err := core.ModifyAmount(r.Context(), sessionID, req.UserID, req.RequestedKWh); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "modified"})
	}
}

type cancelRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleCancel(core *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		sessionID := pathVar(r, "id")
		if err := core.Cancel(r.Context(), sessionID, req.UserID); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "cancelled"})
	}
}

func (s *Server) handleQueryStatus(core *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := pathVar(r, "id")
		sess, queuePosition, busyPeers, found, err := core.QueryStatus(r.Context(), userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "no active session for user")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session":        sess,
			"queue_position": queuePosition,
			"busy_peers":     busyPeers,
		})
	}
}

func (s *Server) handleSystemStatus(core *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := core.SystemStatusSnapshot(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

type adminStopRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleAdminStopPile(core *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req adminStopRequest
		// A force-stop body is optional; absence just means force=false.
		_ = json.NewDecoder(r.Body).Decode(&req)

		pileID := pathVar(r, "id")
		if err := core.AdminStopPile(r.Context(), pileID, req.Force); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"pile_id": pileID, "status": "offline"})
	}
}

func (s *Server) handleAdminStartPile(core *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pileID := pathVar(r, "id")
		if err := core.AdminStartPile(r.Context(), pileID); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"pile_id": pileID, "status": "idle"})
	}
}

// handleAdminForceSync dispatches straight to internal/recovery rather
// than through the orchestrator (see DESIGN.md: AdminForceSync is not an
// orchestrator method).
func (s *Server) handleAdminForceSync(rec *recovery.Recovery) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := rec.SyncPileStates(r.Context()); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
	}
}

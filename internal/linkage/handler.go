// internal/linkage/handler.go
package linkage

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/httpapi"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the linkage endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/links", h.handleLink)
	r.Delete("/links/{employeeID}", h.handleUnlink)
	r.Get("/links/statistics", h.handleStatistics)
	r.Get("/links/conflicts", h.handleConflicts)
	r.Get("/links/violations", h.handleViolations)
	r.Get("/links/export", h.handleExport)
	r.Get("/links/history", h.handleHistory)
	r.Get("/employees/{employeeID}/matches", h.handleMatches)
	r.Get("/employees/{employeeID}/conflicts", h.handleEmployeeConflicts)
}

type linkRequest struct {
	EmployeeID string `json:"employee_id" validate:"required"`
	MemberID   string `json:"member_id" validate:"required"`
	Notes      string `json:"notes" validate:"max=500"`
}

type unlinkRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, err)
		return
	}
	res, err := h.service.Link(r.Context(), req.EmployeeID, req.MemberID, req.Notes)
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusCreated, res)
}

func (h *Handler) handleUnlink(w http.ResponseWriter, r *http.Request) {
	var req unlinkRequest
	if r.ContentLength > 0 {
		if err := httpapi.Decode(r, &req); err != nil {
			httpapi.Error(w, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = r.URL.Query().Get("reason")
	}
	res, err := h.service.Unlink(r.Context(), chi.URLParam(r, "employeeID"), req.Reason)
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := h.service.FindPotentialMatches(r.Context(), chi.URLParam(r, "employeeID"))
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, matches)
}

func (h *Handler) handleEmployeeConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.service.DetectConflicts(r.Context(), chi.URLParam(r, "employeeID"))
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, conflicts)
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	httpapi.JSON(w, http.StatusOK, h.service.Statistics(r.Context()))
}

func (h *Handler) handleConflicts(w http.ResponseWriter, r *http.Request) {
	httpapi.JSON(w, http.StatusOK, h.service.Conflicts(r.Context()))
}

func (h *Handler) handleViolations(w http.ResponseWriter, r *http.Request) {
	httpapi.JSON(w, http.StatusOK, h.service.SymmetryViolations(r.Context()))
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	httpapi.JSON(w, http.StatusOK, h.service.ExportLinkageData(r.Context()))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	httpapi.JSON(w, http.StatusOK, h.service.History(r.Context(), r.URL.Query().Get("employee_id")))
}

// internal/tithe/handler.go
package tithe

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

// Routes mounts the ledger endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/tithes", h.handleRecord)
	r.Get("/tithes", h.handleExport)
	r.Get("/tithes/analytics", h.handleAnalytics)
	r.Get("/tithes/drift", h.handleDrift)
	r.Get("/tithes/orphans", h.handleOrphans)
	r.Post("/tithes/reconcile", h.handleReconcileAll)
	r.Post("/tithes/{titheID}/reverse", h.handleReverse)
	r.Post("/tithes/{titheID}/verify", h.handleVerify)
	r.Get("/members/search", h.handleSearch)
	r.Get("/members/{memberID}/tithes", h.handleMemberTithes)
	r.Post("/members/{memberID}/reconcile", h.handleReconcileMember)
}

type reverseRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	var in RecordInput
	if err := httpapi.Decode(r, &in); err != nil {
		httpapi.Error(w, err)
		return
	}
	rec, err := h.service.RecordTithe(r.Context(), in)
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	start, err := httpapi.DateParam(r, "start")
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	end, err := httpapi.DateParam(r, "end")
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, h.service.ExportTitheData(r.Context(), start, end))
}

func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	start, err := httpapi.DateParam(r, "start")
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	end, err := httpapi.DateParam(r, "end")
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, h.service.GetAnalytics(r.Context(), start, end))
}

func (h *Handler) handleDrift(w http.ResponseWriter, r *http.Request) {
	httpapi.JSON(w, http.StatusOK, h.service.AggregateDrift(r.Context()))
}

func (h *Handler) handleOrphans(w http.ResponseWriter, r *http.Request) {
	httpapi.JSON(w, http.StatusOK, h.service.OrphanTithes(r.Context()))
}

func (h *Handler) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.ReconcileAll(r.Context())
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	var req reverseRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, err)
		return
	}
	rec, err := h.service.ReverseTithe(r.Context(), chi.URLParam(r, "titheID"), req.Reason)
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.VerifyTithe(r.Context(), chi.URLParam(r, "titheID"))
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	httpapi.JSON(w, http.StatusOK, h.service.SearchMembers(r.Context(), r.URL.Query().Get("q")))
}

func (h *Handler) handleMemberTithes(w http.ResponseWriter, r *http.Request) {
	httpapi.JSON(w, http.StatusOK, h.service.GetMemberTithes(r.Context(), chi.URLParam(r, "memberID")))
}

func (h *Handler) handleReconcileMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.ReconcileMember(r.Context(), chi.URLParam(r, "memberID"))
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, m)
}

// internal/membership/handler.go
package membership

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/httpapi"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the membership endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/visits", h.handleRecordVisit)
	r.Get("/visitors", h.handleListVisitors)
	r.Get("/visitors/{id}", h.handleGetVisitor)
	r.Put("/visitors/{id}/status", h.handleVisitorStatus)
	r.Post("/visitors/{id}/promote", h.handlePromoteVisitor)
	r.Delete("/visitors/{id}", h.handleDeactivate(domain.EntityVisitor, "id"))

	r.Get("/new-members", h.handleListNewMembers)
	r.Get("/new-members/{id}", h.handleGetNewMember)
	r.Patch("/new-members/{id}", h.handleUpdateNewMember)
	r.Post("/new-members/{id}/promote", h.handlePromoteNewMember)
	r.Delete("/new-members/{id}", h.handleDeactivate(domain.EntityNewMember, "id"))

	r.Get("/members", h.handleListMembers)
	r.Post("/members", h.handleCreateMember)
	r.Get("/members/{memberID}", h.handleGetMember)
	r.Patch("/members/{memberID}", h.handleUpdateMember)
	r.Delete("/members/{memberID}", h.handleDeactivate(domain.EntityFullMember, "memberID"))

	r.Get("/employees", h.handleListEmployees)
	r.Post("/employees", h.handleCreateEmployee)
	r.Get("/employees/{employeeID}", h.handleGetEmployee)
	r.Patch("/employees/{employeeID}", h.handleUpdateEmployee)
	r.Delete("/employees/{employeeID}", h.handleDeactivate(domain.EntityEmployee, "employeeID"))
}

// expectedVersion reads the optimistic concurrency token from If-Match. Absent means unchecked.
func expectedVersion(r *http.Request) (int, error) {
	raw := strings.Trim(strings.TrimSpace(r.Header.Get("If-Match")), `"`)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%w: If-Match must be a positive record version", domain.ErrInvalid)
	}
	return v, nil
}

func includeInactive(r *http.Request) bool {
	ok, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))
	return ok
}

func readPatch(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrInvalid, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", domain.ErrInvalid)
	}
	return body, nil
}

func respond[T any](w http.ResponseWriter, status int, v T, err error) {
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, status, v)
}

func (h *Handler) handleRecordVisit(w http.ResponseWriter, r *http.Request) {
	var req VisitInput
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, err)
		return
	}
	v, err := h.service.RecordVisit(r.Context(), req)
	respond(w, http.StatusCreated, v, err)
}

func (h *Handler) handleListVisitors(w http.ResponseWriter, r *http.Request) {
	httpapi.JSON(w, http.StatusOK, h.service.ListVisitors(r.Context(), includeInactive(r)))
}

func (h *Handler) handleGetVisitor(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.GetVisitor(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, v, err)
}

func (h *Handler) handleVisitorStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status domain.VisitorStatus `json:"status" validate:"required"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, err)
		return
	}
	v, err := h.service.SetVisitorStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	respond(w, http.StatusOK, v, err)
}

func (h *Handler) handlePromoteVisitor(w http.ResponseWriter, r *http.Request) {
	var req PromotionInput
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, err)
		return
	}
	nm, err := h.service.PromoteVisitor(r.Context(), chi.URLParam(r, "id"), req)
	respond(w, http.StatusCreated, nm, err)
}

func (h *Handler) handleListNewMembers(w http.ResponseWriter, r *http.Request) {
	httpapi.JSON(w, http.StatusOK, h.service.ListNewMembers(r.Context(), includeInactive(r)))
}

func (h *Handler) handleGetNewMember(w http.ResponseWriter, r *http.Request) {
	nm, err := h.service.GetNewMember(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, nm, err)
}

func (h *Handler) handleUpdateNewMember(w http.ResponseWriter, r *http.Request) {
	version, err := expectedVersion(r)
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	patch, err := readPatch(r)
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	nm, err := h.service.UpdateNewMember(r.Context(), chi.URLParam(r, "id"), version, patch)
	respond(w, http.StatusOK, nm, err)
}

func (h *Handler) handlePromoteNewMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.PromoteNewMember(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusCreated, m, err)
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request) {
	httpapi.JSON(w, http.StatusOK, h.service.ListFullMembers(r.Context(), includeInactive(r)))
}

func (h *Handler) handleCreateMember(w http.ResponseWriter, r *http.Request) {
	var req FullMemberInput
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, err)
		return
	}
	m, err := h.service.CreateFullMember(r.Context(), req)
	respond(w, http.StatusCreated, m, err)
}

func (h *Handler) handleGetMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.GetFullMember(r.Context(), chi.URLParam(r, "memberID"))
	respond(w, http.StatusOK, m, err)
}

func (h *Handler) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	version, err := expectedVersion(r)
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	patch, err := readPatch(r)
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	m, err := h.service.UpdateFullMember(r.Context(), chi.URLParam(r, "memberID"), version, patch)
	respond(w, http.StatusOK, m, err)
}

func (h *Handler) handleListEmployees(w http.ResponseWriter, r *http.Request) {
	httpapi.JSON(w, http.StatusOK, h.service.ListEmployees(r.Context(), includeInactive(r)))
}

func (h *Handler) handleCreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req EmployeeInput
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, err)
		return
	}
	e, err := h.service.CreateEmployee(r.Context(), req)
	respond(w, http.StatusCreated, e, err)
}

func (h *Handler) handleGetEmployee(w http.ResponseWriter, r *http.Request) {
	e, err := h.service.GetEmployee(r.Context(), chi.URLParam(r, "employeeID"))
	respond(w, http.StatusOK, e, err)
}

func (h *Handler) handleUpdateEmployee(w http.ResponseWriter, r *http.Request) {
	version, err := expectedVersion(r)
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	patch, err := readPatch(r)
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	e, err := h.service.UpdateEmployee(r.Context(), chi.URLParam(r, "employeeID"), version, patch)
	respond(w, http.StatusOK, e, err)
}

func (h *Handler) handleDeactivate(entity domain.EntityType, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, err := expectedVersion(r)
		if err != nil {
			httpapi.Error(w, err)
			return
		}
		if err := h.service.Deactivate(r.Context(), entity, chi.URLParam(r, param), version); err != nil {
			httpapi.Error(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

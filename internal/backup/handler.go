// internal/backup/handler.go
package backup

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/httpapi"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the backup endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/backups", h.handleList)
	r.Post("/backups", h.handleSnapshot)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, list)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.Snapshot(r.Context())
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusCreated, info)
}

// internal/integrity/handler.go
package integrity

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/httpapi"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// Routes mounts the integrity endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/integrity", h.handleRun(false))
	r.Post("/integrity/repair", h.handleRun(true))
}

func (h *Handler) handleRun(repair bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := h.engine.Run(r.Context(), repair)
		if err != nil {
			httpapi.Error(w, err)
			return
		}
		httpapi.JSON(w, http.StatusOK, report)
	}
}

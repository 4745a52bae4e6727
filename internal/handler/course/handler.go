package course

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/profai/server/internal/model/course"
	"github.com/profai/server/pkg/utils"
)

// Handler exposes course data over HTTP.
type Handler struct {
	store course.Store
}

// New creates a course handler.
func New(store course.Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes registers course-related routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/courses", h.handleList)
	r.Get("/course/{courseID}", h.handleGet)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	courses, err := h.store.List(r.Context())
	if err != nil {
		log.Printf("[course] list failed: %v", err)
		h.respondLoadError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, courses)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "courseID")

	c, err := h.store.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, course.ErrCourseNotFound) {
			log.Printf("[course] get %s failed: %v", id, err)
		}
		h.respondLoadError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, c)
}

func (h *Handler) respondLoadError(w http.ResponseWriter, err error) {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, course.ErrCourseNotFound):
		utils.RespondError(w, http.StatusNotFound, "Course content not found")
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		utils.RespondError(w, http.StatusInternalServerError, "Course content file is corrupted")
	default:
		utils.RespondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

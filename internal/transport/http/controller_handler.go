package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"classroom-battle-service/internal/app"
	"classroom-battle-service/internal/domain"
)

// ControllerHandler exposes the teacher-facing battle and progression commands as JSON over HTTP.
type ControllerHandler struct {
	coordinator *app.Coordinator
	progression *app.ProgressionService
}

func NewControllerHandler(coordinator *app.Coordinator, progression *app.ProgressionService) *ControllerHandler {
	return &ControllerHandler{coordinator: coordinator, progression: progression}
}

// Register mounts the controller routes on mux.
func (h *ControllerHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", h.arm)
	mux.HandleFunc("GET /sessions/{id}", h.session)
	mux.HandleFunc("POST /sessions/{id}/rounds/open", h.openRound)
	mux.HandleFunc("POST /sessions/{id}/rounds/close", h.closeRound)
	mux.HandleFunc("POST /sessions/{id}/advance", h.advance)
	mux.HandleFunc("POST /sessions/{id}/terminate", h.terminate)
	mux.HandleFunc("DELETE /sessions/{id}", h.purge)

	mux.HandleFunc("GET /owners/{ownerId}/level-table", h.levelTable)
	mux.HandleFunc("PUT /owners/{ownerId}/level-table", h.setLevelTable)

	mux.HandleFunc("POST /students", h.enroll)
	mux.HandleFunc("GET /students/{id}", h.profile)
	mux.HandleFunc("POST /students/{id}/experience", h.adjustExperience)
}

type armRequest struct {
	OwnerID   string `json:"ownerId"`
	ContentID string `json:"contentId"`
}

type levelTableRequest struct {
	Thresholds []int `json:"thresholds"`
}

type enrollRequest struct {
	StudentID string                `json:"studentId"`
	Class     domain.CharacterClass `json:"class"`
}

type experienceRequest struct {
	Delta   int    `json:"delta"`
	OwnerID string `json:"ownerId"`
}

var errBadRequest = errors.New("bad request")

func (h *ControllerHandler) arm(w http.ResponseWriter, r *http.Request) {
	var req armRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.OwnerID == "" || req.ContentID == "" {
		writeError(w, badRequest("ownerId and contentId are required"))
		return
	}
	s, err := h.coordinator.Arm(r.Context(), req.OwnerID, req.ContentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *ControllerHandler) session(w http.ResponseWriter, r *http.Request) {
	s, err := h.coordinator.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *ControllerHandler) openRound(w http.ResponseWriter, r *http.Request) {
	s, err := h.coordinator.OpenRound(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *ControllerHandler) closeRound(w http.ResponseWriter, r *http.Request) {
	res, err := h.coordinator.CloseRound(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ControllerHandler) advance(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.coordinator.Advance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *ControllerHandler) terminate(w http.ResponseWriter, r *http.Request) {
	s, err := h.coordinator.Terminate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *ControllerHandler) purge(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.Purge(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ControllerHandler) levelTable(w http.ResponseWriter, r *http.Request) {
	table, err := h.progression.LevelTable(r.Context(), r.PathValue("ownerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, levelTableRequest{Thresholds: table})
}

func (h *ControllerHandler) setLevelTable(w http.ResponseWriter, r *http.Request) {
	var req levelTableRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.progression.SetLevelTable(r.Context(), r.PathValue("ownerId"), req.Thresholds); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ControllerHandler) enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.StudentID == "" {
		writeError(w, badRequest("studentId is required"))
		return
	}
	p, err := h.progression.Enroll(r.Context(), req.StudentID, req.Class)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *ControllerHandler) profile(w http.ResponseWriter, r *http.Request) {
	p, err := h.progression.Profile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ControllerHandler) adjustExperience(w http.ResponseWriter, r *http.Request) {
	var req experienceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.progression.AdjustExperience(r.Context(), r.PathValue("id"), req.OwnerID, req.Delta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid body: " + err.Error())
	}
	return nil
}

type requestError struct{ msg string }

func (e requestError) Error() string { return e.msg }
func (e requestError) Unwrap() error { return errBadRequest }

func badRequest(msg string) error { return requestError{msg: msg} }

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrContentNotFound),
		errors.Is(err, domain.ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyActive),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrProfileExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidLevelTable),
		errors.Is(err, domain.ErrUnknownClass),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("controller request failed: %v", err)
		msg = strings.ToLower(http.StatusText(status))
	}
	writeJSON(w, status, errorPayload{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

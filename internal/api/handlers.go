package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gwi.com/search-assistant/internal/core"
	"gwi.com/search-assistant/internal/sse"
	"gwi.com/search-assistant/internal/store"
)

type APIHandler struct {
	askService    *core.AskService
	threadService *core.ThreadService
}

func NewAPIHandler(as *core.AskService, ts *core.ThreadService) *APIHandler {
	return &APIHandler{askService: as, threadService: ts}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// writeError reports err verbatim. Only a missing thread gets its own status;
// every other failure is a client error.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, core.ErrThreadNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func (h *APIHandler) AskHandler(w http.ResponseWriter, r *http.Request) {
	var req core.AskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(h.askService.DefaultModel()); err != nil {
		writeError(w, err)
		return
	}

	if !req.Stream {
		resp, err := h.askService.Ask(r.Context(), req)
		if err != nil {
			log.Printf("Error answering for user %s: %v", req.UserID, err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// Once the stream is open every failure becomes an error event, so a bad
	// thread is rejected with a status code first, as in batch mode.
	if err := h.askService.CheckThread(req); err != nil {
		writeError(w, err)
		return
	}
	stream, err := sse.NewWriter(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if err := h.askService.AskStream(r.Context(), req, stream.Send); err != nil {
		log.Printf("Error streaming answer for user %s: %v", req.UserID, err)
	}
}

type modelsResponse struct {
	Models  []core.Model `json:"models"`
	Default string       `json:"default"`
}

func (h *APIHandler) ListModelsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modelsResponse{Models: core.Models, Default: h.askService.DefaultModel()})
}

type listThreadsResponse struct {
	Threads []store.Thread `json:"threads"`
}

func (h *APIHandler) ListThreadsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	threads, err := h.threadService.ListThreads(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listThreadsResponse{Threads: threads})
}

type CreateThreadRequest struct {
	UserID string `json:"user_id"`
	Title  string `json:"title,omitempty"`
}

type threadResponse struct {
	Thread   *store.Thread   `json:"thread"`
	Messages []store.Message `json:"messages,omitempty"`
}

func (h *APIHandler) CreateThreadHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateThreadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	thread, err := h.threadService.CreateThread(req.UserID, req.Title)
	if err != nil {
		log.Printf("Error creating thread for user %s: %v", req.UserID, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, threadResponse{Thread: thread})
}

type threadDetailsResponse struct {
	Thread   *store.Thread   `json:"thread"`
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetThreadHandler(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	userID := r.URL.Query().Get("user_id")

	thread, messages, err := h.threadService.GetThread(threadID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, threadDetailsResponse{Thread: thread, Messages: messages})
}

type successResponse struct {
	Success bool   `json:"success"`
	Deleted *int64 `json:"deleted,omitempty"`
}

func (h *APIHandler) DeleteThreadHandler(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	userID := r.URL.Query().Get("user_id")

	if err := h.threadService.DeleteThread(threadID, userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

type ClearThreadsRequest struct {
	UserID string `json:"user_id"`
}

func (h *APIHandler) ClearThreadsHandler(w http.ResponseWriter, r *http.Request) {
	var req ClearThreadsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	deleted, err := h.threadService.ClearThreads(req.UserID)
	if err != nil {
		log.Printf("Error clearing threads for user %s: %v", req.UserID, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Deleted: &deleted})
}

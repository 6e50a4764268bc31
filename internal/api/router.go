package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Get("/models", apiHandler.ListModelsHandler)

		r.Post("/ask", apiHandler.AskHandler)

		r.Route("/threads", func(r chi.Router) {
			r.Get("/", apiHandler.ListThreadsHandler)
			r.Post("/", apiHandler.CreateThreadHandler)
			r.Post("/clear", apiHandler.ClearThreadsHandler)
			r.Get("/{threadID}", apiHandler.GetThreadHandler)
			r.Delete("/{threadID}", apiHandler.DeleteThreadHandler)
		})
	})

	return r
}

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"scriptstream/internal/auth"
	"scriptstream/internal/util"
)

// App bundles the gateway router and its dependencies.
type App struct {
	Router chi.Router
}

func NewApp() *App {
	h := &Handler{Tokens: auth.EnvTokenSource{}}
	r := chi.NewRouter()
	r.Get("/healthz", health)
	r.Head("/healthz", health)
	r.Get("/readyz", health)
	r.Head("/readyz", health)
	r.Group(func(pr chi.Router) {
		pr.Use(requireKey)
		pr.Post("/v1/generate", h.generate)
	})
	return &App{Router: r}
}

func health(w http.ResponseWriter, r *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.VerifyRequest(r); err != nil {
			util.WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

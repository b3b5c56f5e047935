package router

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/tinoosan/fable/api/v1"
	"github.com/tinoosan/fable/internal/auth"
)

// New sets up the application routes and required middleware. token guards
// the API when non-empty; it comes from server.token in the config.
func New(logger *slog.Logger, token string, h *v1.BookHandler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Error("write healthz response", "err", err)
		}
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.Use(h.Log)
	r.Use(v1.RequestID)
	r.Use(auth.Middleware(token))

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/events", h.Events).Methods("GET")

	book := api.PathPrefix("/books/{id}").Subrouter()
	book.HandleFunc("/downloads", h.GetDownloads).Methods("GET")
	book.HandleFunc("/downloads", h.StartDownloads).Methods("POST")
	book.HandleFunc("/downloads", h.DeleteDownloads).Methods("DELETE")
	book.HandleFunc("/retry", h.Retry).Methods("POST")
	book.HandleFunc("/position", h.GetPosition).Methods("GET")
	book.HandleFunc("/position", h.PutPosition).Methods("PUT")

	return r
}

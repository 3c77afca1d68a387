package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fedlist/internal/hostname"
	"fedlist/internal/logger"
)

// Loader returns the current merged rows. It is called once per request
// so the endpoint always reflects the latest collection run.
type Loader func(ctx context.Context) ([]Row, error)

type rowView struct {
	Row
	Verified bool `json:"verified"`
}

type errorBody struct {
	Error string `json:"error"`
}

// NewHandler builds the read-only directory API.
//
//	GET /healthz
//	GET /api/instances?platform=&lang=&q=&verified=true
//	GET /api/instances/{host}
func NewHandler(load Loader, log logger.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.GetHead)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/instances", func(r chi.Router) {
		r.Get("/", listInstances(load, log))
		r.Get("/{host}", getInstance(load, log))
	})
	return r
}

func listInstances(load Loader, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := load(r.Context())
		if err != nil {
			log.Error("load directory", logger.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "directory unavailable"})
			return
		}
		q := r.URL.Query()
		rows = Filter(rows, Query{
			Platform:     q.Get("platform"),
			Language:     q.Get("lang"),
			Text:         q.Get("q"),
			VerifiedOnly: q.Get("verified") == "true",
		})

		out := make([]rowView, 0, len(rows))
		for _, row := range rows {
			out = append(out, rowView{Row: row, Verified: row.Verified()})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func getInstance(load Loader, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host := hostname.Normalize(chi.URLParam(r, "host"))
		if host == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid host"})
			return
		}
		rows, err := load(r.Context())
		if err != nil {
			log.Error("load directory", logger.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "directory unavailable"})
			return
		}
		for _, row := range rows {
			if row.Host == host {
				writeJSON(w, http.StatusOK, rowView{Row: row, Verified: row.Verified()})
				return
			}
		}
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown host"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusWriter captures the response status for the access log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func accessLog(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			log.Info("http_request",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", ww.status),
				logger.Duration("duration", time.Since(start)),
				logger.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

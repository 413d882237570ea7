package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// NewRouter wires the API routes. metricsHandler and events may be nil.
func NewRouter(h *PipelineHandler, metricsHandler, events http.Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	corsOptions := cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger()))
	r.Use(middleware.Recoverer)
	r.Use(cors.New(corsOptions).Handler)

	r.Route("/api", func(r chi.Router) {
		// runs are long; they stop when the client goes away
		r.Post("/process", h.Process)
		r.Post("/geocode", h.Geocode)
		if events != nil {
			r.Method(http.MethodGet, "/events", events)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/duplicates", h.FindDuplicates)
			r.Get("/compare", h.CompareImages)
			r.Get("/estimate", h.Estimate)
		})
	})

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteAPIError(w, http.StatusNotFound, "not_found", "No route for "+r.Method+" "+r.URL.Path)
	})
	return r
}

// requestLogger logs one structured line per request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/grahams11/finguru/internal/api/handlers"
	"github.com/grahams11/finguru/pkg/logger"
)

// NewRouter creates and configures the HTTP router
// ⭐ SSOT: routes are registered in this function only
func NewRouter(engineHandler *handlers.EngineHandler, log *logger.Logger) http.Handler {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = methodNotAllowed("")

	// Health check
	r.HandleFunc("/health", healthCheckHandler).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/feeds", engineHandler.GetFeeds).Methods("GET")
	api.HandleFunc("/scan/latest", engineHandler.GetLatestScan).Methods("GET")
	api.HandleFunc("/scan/{id}", engineHandler.GetScan).Methods("GET")
	api.HandleFunc("/scan", engineHandler.RunScan).Methods("POST")
	// subrouter method mismatches fall through to 404 otherwise
	api.Handle("/scan", methodNotAllowed("POST"))
	api.HandleFunc("/quotes/{symbol}", engineHandler.GetQuote).Methods("GET")
	api.HandleFunc("/greeks/{symbol}", engineHandler.GetGreeks).Methods("GET")
	api.HandleFunc("/ticks/{symbol}", engineHandler.GetTicks).Methods("GET")

	// Apply middleware
	r.Use(loggingMiddleware(log))
	r.Use(recoveryMiddleware(log))

	return r
}

// healthCheckHandler returns server health status
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "finguru-api",
	})
}

// methodNotAllowed answers 405, advertising allow when set
func methodNotAllowed(allow string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allow != "" {
			w.Header().Set("Allow", allow)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "Method not allowed",
		})
	})
}

// statusRecorder captures the response status for the request log
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			log.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start),
			}).Debug("HTTP request")
		})
	}
}

// recoveryMiddleware recovers from panics
func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{
						"error": "Internal server error",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

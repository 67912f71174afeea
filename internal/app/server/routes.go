package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"warden/internal/authorization"
	"warden/internal/exclusion"
	"warden/internal/lists"
)

const (
	maxBodyBytes    = 16 << 20
	shutdownTimeout = 10 * time.Second
)

// Deps are the services the routes are served from.
type Deps struct {
	Lists       *lists.Service
	Cache       *exclusion.Cache
	Coordinator *exclusion.Coordinator
	// Redis is nil for a single-instance deployment.
	Redis *redis.Client
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, PATCH, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter wires every route. Mutating routes require an admin token when
// JWT_SECRET is set.
func NewRouter(deps Deps) (http.Handler, error) {
	h := &handlers{Deps: deps}

	gqlHandler, err := newGraphQLHandler(deps)
	if err != nil {
		return nil, err
	}

	admin := func(fn http.HandlerFunc) http.Handler {
		return authorization.IsAdmin(fn)
	}

	router := http.NewServeMux()
	router.HandleFunc("GET /healthz", h.healthz)
	router.HandleFunc("GET /version", getVersion)
	router.Handle("GET /metrics", promhttp.Handler())

	router.HandleFunc("GET /instances", h.instances)
	router.HandleFunc("GET /exclusionLists/status", h.cacheStatus)
	router.HandleFunc("POST /exclusionLists/check", h.checkValue)
	router.Handle("POST /exclusionLists/rebuild", admin(h.rebuild))

	router.HandleFunc("GET /exclusionLists", h.listExclusionLists)
	router.Handle("POST /exclusionLists", admin(h.createExclusionList))
	router.HandleFunc("GET /exclusionLists/{id}", h.getExclusionList)
	router.HandleFunc("GET /exclusionLists/{id}/content", h.getExclusionListContent)
	router.Handle("PATCH /exclusionLists/{id}", admin(h.patchExclusionList))
	router.Handle("DELETE /exclusionLists/{id}", admin(h.deleteExclusionList))
	router.Handle("POST /exclusionLists/{id}/enable", admin(h.enableExclusionList))
	router.Handle("POST /exclusionLists/{id}/disable", admin(h.disableExclusionList))

	router.Handle("GET /settings", admin(getSettings))
	router.Handle("PUT /settings", admin(saveSettings))

	router.Handle("POST /graphql", gqlHandler)

	log.Debug("Routes opened")
	return enableCORS(router), nil
}

// OpenRoutes serves the API until ctx is done.
func OpenRoutes(ctx context.Context, port int, deps Deps) error {
	handler, err := NewRouter(deps)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("API server shutdown incomplete", "error", err)
		}
	}()

	log.Infof("Starting warden on port :%d", port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

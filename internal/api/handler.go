package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/carbbuild/internal/artifact"
	"github.com/kalambet/carbbuild/internal/jobs"
)

const maxRequestBodySize = 1 << 20 // 1MB

// BuildService is the build manager as seen by the HTTP and MCP layers.
type BuildService interface {
	Submit(ctx context.Context, req jobs.Request) (*jobs.Job, error)
	Get(ctx context.Context, key string) (jobs.Snapshot, error)
	List(ctx context.Context, f jobs.Filter) ([]jobs.Snapshot, error)
	Counts(ctx context.Context) (map[jobs.Status]int, error)
	InFlight() int
	OpenArtifact(ctx context.Context, key string, kind artifact.Kind) (*os.File, error)
}

type Deps struct {
	Builds BuildService
	// Token, when set, is required as a bearer token on every route but
	// /health.
	Token string
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/builds", handleSubmitBuild(deps))
		r.Get("/builds", handleListBuilds(deps))
		r.Get("/builds/{key}", handleGetBuild(deps))
		r.Get("/builds/{key}/files/{kind}", handleGetBuildFile(deps))
	})

	return r
}

type HealthResponse struct {
	Status   string         `json:"status"`
	InFlight int            `json:"in_flight"`
	Builds   map[string]int `json:"builds,omitempty"`
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", InFlight: deps.Builds.InFlight()}
		if counts, err := deps.Builds.Counts(r.Context()); err == nil {
			resp.Builds = make(map[string]int, len(counts))
			for s, n := range counts {
				resp.Builds[s.String()] = n
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

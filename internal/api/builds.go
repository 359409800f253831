package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/carbbuild/internal/artifact"
	"github.com/kalambet/carbbuild/internal/jobs"
	"github.com/kalambet/carbbuild/internal/parser"
)

const maxInlineStructure = 32 << 20 // 32MB

type BuildRequest struct {
	Spec     string `json:"spec"`
	Repeat   int    `json:"repeat"`
	Dihedral string `json:"dihedral,omitempty"`
}

type SubmitResponse struct {
	Key    string      `json:"key"`
	Status jobs.Status `json:"status"`
}

type LinkageView struct {
	FirstResidueID  string    `json:"first_residue_id,omitempty"`
	FirstResidue    string    `json:"first_residue"`
	FirstPosition   int       `json:"first_position"`
	SecondPosition  int       `json:"second_position"`
	SecondResidueID string    `json:"second_residue_id,omitempty"`
	SecondResidue   string    `json:"second_residue"`
	Phi             float64   `json:"phi"`
	Psi             float64   `json:"psi"`
	Rest            []float64 `json:"rest,omitempty"`
}

type BuildView struct {
	Key            string        `json:"key"`
	Status         jobs.Status   `json:"status"`
	Spec           string        `json:"spec"`
	Repeat         int           `json:"repeat"`
	Version        string        `json:"version"`
	Dihedral       string        `json:"dihedral,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	Linkages       []LinkageView `json:"linkages,omitempty"`
	FailReason     string        `json:"fail_reason,omitempty"`
	CompanionBuilt bool          `json:"companion_built"`
	Structure      string        `json:"structure,omitempty"`
}

// NewBuildView renders a snapshot for clients.
func NewBuildView(s jobs.Snapshot) BuildView {
	v := BuildView{
		Key:            s.Key,
		Status:         s.Status,
		Spec:           s.Request.Spec,
		Repeat:         s.Request.RepeatCount,
		Version:        s.Request.Version,
		Dihedral:       s.Request.Dihedral,
		CreatedAt:      s.CreatedAt,
		FailReason:     s.FailReason,
		CompanionBuilt: s.CompanionBuilt,
	}
	if !s.FinishedAt.IsZero() {
		t := s.FinishedAt
		v.FinishedAt = &t
	}
	for _, l := range s.Linkages {
		v.Linkages = append(v.Linkages, newLinkageView(l))
	}
	return v
}

func newLinkageView(l parser.Linkage) LinkageView {
	return LinkageView{
		FirstResidueID:  l.FirstResidueID,
		FirstResidue:    l.FirstResidue,
		FirstPosition:   l.FirstPosition,
		SecondPosition:  l.SecondPosition,
		SecondResidueID: l.SecondResidueID,
		SecondResidue:   l.SecondResidue,
		Phi:             l.Phi(),
		Psi:             l.Psi(),
		Rest:            l.Rest(),
	}
}

func handleSubmitBuild(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req BuildRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		job, err := deps.Builds.Submit(r.Context(), jobs.Request{
			Spec:        req.Spec,
			RepeatCount: req.Repeat,
			Dihedral:    req.Dihedral,
		})
		switch {
		case errors.Is(err, jobs.ErrEmptySpec), errors.Is(err, jobs.ErrInvalidRepeat):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, jobs.ErrLaunch):
			httpError(w, http.StatusInternalServerError, "launch_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "submitting build: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, SubmitResponse{Key: job.Key, Status: job.Status()})
	}
}

func handleListBuilds(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := jobs.Filter{
			Limit:  parseIntParam(r, "limit", 20, 100),
			Offset: parseIntParam(r, "offset", 0, 0),
		}
		if raw := r.URL.Query().Get("status"); raw != "" {
			status, err := jobs.ParseStatus(raw)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			f.Status = status
		}

		snaps, err := deps.Builds.List(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing builds: %v", err)
			return
		}

		views := make([]BuildView, len(snaps))
		for i, s := range snaps {
			views[i] = NewBuildView(s)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetBuild(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")

		snap, err := deps.Builds.Get(r.Context(), key)
		if errors.Is(err, jobs.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "build %s not found", key)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading build: %v", err)
			return
		}

		view := NewBuildView(snap)
		if inline, _ := strconv.ParseBool(r.URL.Query().Get("structure")); inline && snap.Status == jobs.StatusSuccess {
			text, err := readStructure(r, deps, key)
			if err != nil && !errors.Is(err, jobs.ErrNotFound) {
				httpError(w, http.StatusInternalServerError, "api_error", "reading structure: %v", err)
				return
			}
			view.Structure = text
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func readStructure(r *http.Request, deps Deps, key string) (string, error) {
	f, err := deps.Builds.OpenArtifact(r.Context(), key, artifact.KindStructure)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxInlineStructure))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func handleGetBuildFile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		kind, err := artifact.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		f, err := deps.Builds.OpenArtifact(r.Context(), key, kind)
		if errors.Is(err, jobs.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "opening artifact: %v", err)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading artifact: %v", err)
			return
		}

		rel, _ := artifact.For(key).Of(kind)
		name := path.Base(rel)
		w.Header().Set("Content-Type", artifact.ContentType(kind))
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		http.ServeContent(w, r, name, info.ModTime(), f)
	}
}

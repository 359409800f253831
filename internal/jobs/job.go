// Package jobs owns build jobs: it deduplicates submissions by content key,
// runs each new key exactly once and records the terminal state.
package jobs

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/carbbuild/internal/artifact"
	"github.com/kalambet/carbbuild/internal/buildkey"
	"github.com/kalambet/carbbuild/internal/parser"
	"github.com/kalambet/carbbuild/internal/storage"
)

var (
	ErrEmptySpec     = errors.New("structure specification is empty")
	ErrInvalidRepeat = errors.New("repeat count must not be negative")
	ErrNotFound      = errors.New("build not found")
	ErrLaunch        = errors.New("build could not be launched")
)

// Status is the lifecycle state of a job.
type Status int

const (
	StatusPending Status = iota + 1
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return storage.StatusPending
	case StatusSuccess:
		return storage.StatusSuccess
	case StatusFailed:
		return storage.StatusFailed
	}
	return "unknown"
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed:
		return true
	case StatusPending:
		return false
	}
	return false
}

// ParseStatus converts the stored form of a status.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case storage.StatusPending:
		return StatusPending, nil
	case storage.StatusSuccess:
		return StatusSuccess, nil
	case storage.StatusFailed:
		return StatusFailed, nil
	}
	return 0, fmt.Errorf("unknown build status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Request is the input of a build. It is not modified once accepted.
type Request struct {
	Spec        string
	RepeatCount int
	Dihedral    string
	Version     string
}

// Validate rejects requests that can never be built.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Spec) == "" {
		return ErrEmptySpec
	}
	if r.RepeatCount < 0 {
		return ErrInvalidRepeat
	}
	return nil
}

// Key returns the content key identifying r.
func (r Request) Key() string {
	return buildkey.Compute(r.Spec, r.RepeatCount, r.Version, r.Dihedral)
}

// Snapshot is a point-in-time copy of a job.
type Snapshot struct {
	Key            string
	Request        Request
	Status         Status
	CreatedAt      time.Time
	FinishedAt     time.Time
	Linkages       []parser.Linkage
	FailReason     string
	CompanionBuilt bool
	Paths          artifact.Paths
}

// Job is one build, shared by every submitter of the same request.
type Job struct {
	Key       string
	Request   Request
	CreatedAt time.Time
	Paths     artifact.Paths

	mu             sync.Mutex
	status         Status
	linkages       []parser.Linkage
	failReason     string
	companionBuilt bool
	finishedAt     time.Time
	done           chan struct{}
}

func newJob(key string, req Request, createdAt time.Time) *Job {
	return &Job{
		Key:       key,
		Request:   req,
		CreatedAt: createdAt,
		Paths:     artifact.For(key),
		status:    StatusPending,
		done:      make(chan struct{}),
	}
}

// completion is the terminal state computed by a finished execution.
type completion struct {
	status         Status
	linkages       []parser.Linkage
	failReason     string
	companionBuilt bool
	finishedAt     time.Time
}

// settle moves the job to its terminal state. Only the first call has an
// effect; it reports whether it was that call.
func (j *Job) settle(c completion) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = c.status
	j.linkages = c.linkages
	j.failReason = c.failReason
	j.companionBuilt = c.companionBuilt
	j.finishedAt = c.finishedAt
	close(j.done)
	return true
}

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Snapshot returns a copy of the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		Key:            j.Key,
		Request:        j.Request,
		Status:         j.status,
		CreatedAt:      j.CreatedAt,
		FinishedAt:     j.finishedAt,
		Linkages:       copyLinkages(j.linkages),
		FailReason:     j.failReason,
		CompanionBuilt: j.companionBuilt,
		Paths:          j.Paths,
	}
}

func copyLinkages(in []parser.Linkage) []parser.Linkage {
	if in == nil {
		return nil
	}
	out := make([]parser.Linkage, len(in))
	for i, l := range in {
		l.Angles = append([]float64(nil), l.Angles...)
		out[i] = l
	}
	return out
}

// record converts a snapshot to its stored form.
func (s Snapshot) record() storage.Build {
	b := storage.Build{
		Key:            s.Key,
		Spec:           s.Request.Spec,
		RepeatCount:    s.Request.RepeatCount,
		Version:        s.Request.Version,
		Dihedral:       s.Request.Dihedral,
		Status:         s.Status.String(),
		FailReason:     s.FailReason,
		CompanionBuilt: s.CompanionBuilt,
		CreatedAt:      s.CreatedAt,
		FinishedAt:     s.FinishedAt,
	}
	for _, l := range s.Linkages {
		b.Linkages = append(b.Linkages, storage.Linkage{
			FirstResidueID:  l.FirstResidueID,
			FirstResidue:    l.FirstResidue,
			FirstPosition:   l.FirstPosition,
			SecondPosition:  l.SecondPosition,
			SecondResidueID: l.SecondResidueID,
			SecondResidue:   l.SecondResidue,
			Phi:             l.Phi(),
			Psi:             l.Psi(),
			ExtraAngles:     append([]float64(nil), l.Rest()...),
		})
	}
	return b
}

// snapshotFromRecord rebuilds a snapshot from its stored form.
func snapshotFromRecord(b storage.Build) (Snapshot, error) {
	status, err := ParseStatus(b.Status)
	if err != nil {
		return Snapshot{}, fmt.Errorf("build %s: %w", b.Key, err)
	}
	s := Snapshot{
		Key: b.Key,
		Request: Request{
			Spec:        b.Spec,
			RepeatCount: b.RepeatCount,
			Dihedral:    b.Dihedral,
			Version:     b.Version,
		},
		Status:         status,
		CreatedAt:      b.CreatedAt,
		FinishedAt:     b.FinishedAt,
		FailReason:     b.FailReason,
		CompanionBuilt: b.CompanionBuilt,
		Paths:          artifact.For(b.Key),
	}
	for _, l := range b.Linkages {
		s.Linkages = append(s.Linkages, parser.Linkage{
			FirstResidueID:  l.FirstResidueID,
			FirstResidue:    l.FirstResidue,
			FirstPosition:   l.FirstPosition,
			SecondPosition:  l.SecondPosition,
			SecondResidueID: l.SecondResidueID,
			SecondResidue:   l.SecondResidue,
			Angles:          append([]float64{l.Phi, l.Psi}, l.ExtraAngles...),
		})
	}
	return s, nil
}

// settledJob returns a terminal Job holding s.
func settledJob(s Snapshot) *Job {
	j := newJob(s.Key, s.Request, s.CreatedAt)
	j.settle(completion{
		status:         s.Status,
		linkages:       s.Linkages,
		failReason:     s.FailReason,
		companionBuilt: s.CompanionBuilt,
		finishedAt:     s.FinishedAt,
	})
	return j
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/carbbuild/internal/artifact"
	"github.com/kalambet/carbbuild/internal/builder"
	"github.com/kalambet/carbbuild/internal/storage"
)

// InterruptedReason is recorded for builds left pending by a previous process.
const InterruptedReason = "Build was interrupted before completion"

// UnsavedReason is recorded when a finished build's result could not be stored.
const UnsavedReason = "Build result could not be saved"

// Runner prepares and runs builder processes.
type Runner interface {
	Prepare(spec builder.Spec) (*builder.Invocation, error)
	Run(ctx context.Context, inv *builder.Invocation) builder.Outcome
}

// BuildStore persists build records.
type BuildStore interface {
	FindBuild(ctx context.Context, key string) (storage.Build, error)
	SaveBuild(ctx context.Context, b storage.Build) error
	DeleteBuild(ctx context.Context, key string) error
	ListBuilds(ctx context.Context, f storage.BuildFilter) ([]storage.Build, error)
	CountBuilds(ctx context.Context) (map[string]int, error)
	FailStaleBuilds(ctx context.Context, reason string) ([]string, error)
}

// ArtifactStore reads and writes build artifacts.
type ArtifactStore interface {
	WriteFile(rel string, data []byte) error
	Exists(rel string) bool
	Open(rel string) (*os.File, error)
}

// Options tunes a Manager.
type Options struct {
	// Version is the builder version applied to requests that carry none.
	Version string
	// MaxConcurrent bounds the number of builds running at once. Zero
	// means unbounded.
	MaxConcurrent int
}

// Filter narrows List. A zero Status selects every status.
type Filter struct {
	Status Status
	Limit  int
	Offset int
}

// Manager is the content-addressed build cache. Each key is built at most
// once; concurrent submitters of a key share one Job.
type Manager struct {
	runner  Runner
	store   BuildStore
	files   ArtifactStore
	version string
	sem     *semaphore.Weighted
	logger  *slog.Logger

	flight singleflight.Group
	mu     sync.Mutex
	jobs   map[string]*Job
	wg     sync.WaitGroup
}

// NewManager creates a Manager with the given dependencies.
func NewManager(runner Runner, store BuildStore, files ArtifactStore, opts Options) *Manager {
	m := &Manager{
		runner:  runner,
		store:   store,
		files:   files,
		version: opts.Version,
		logger:  slog.Default(),
		jobs:    make(map[string]*Job),
	}
	if opts.MaxConcurrent > 0 {
		m.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return m
}

// Normalize fills in defaults and validates req.
func (m *Manager) Normalize(req Request) (Request, error) {
	if req.Version == "" {
		req.Version = m.version
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Submit returns the Job for req, creating and scheduling it if its key has
// never been seen. Input and launch errors are returned synchronously and
// leave nothing registered.
func (m *Manager) Submit(ctx context.Context, req Request) (*Job, error) {
	req, err := m.Normalize(req)
	if err != nil {
		return nil, err
	}
	key := req.Key()

	if j := m.lookup(key); j != nil {
		return j, nil
	}
	v, err, _ := m.flight.Do(key, func() (any, error) {
		return m.loadOrCreate(ctx, key, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Job), nil
}

func (m *Manager) lookup(key string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[key]
}

func (m *Manager) register(j *Job) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.jobs[j.Key]; ok {
		return existing
	}
	m.jobs[j.Key] = j
	return j
}

// loadOrCreate runs under the single-flight group for key.
func (m *Manager) loadOrCreate(ctx context.Context, key string, req Request) (*Job, error) {
	if j := m.lookup(key); j != nil {
		return j, nil
	}

	createdAt := time.Now().UTC()
	rec, err := m.store.FindBuild(ctx, key)
	switch {
	case err == nil:
		snap, err := snapshotFromRecord(rec)
		if err != nil {
			return nil, err
		}
		if snap.Status.Terminal() {
			return m.register(settledJob(snap)), nil
		}
		// Pending on disk but not running here: rebuild it.
		m.logger.Warn("restarting orphaned build", "key", key)
		createdAt = snap.CreatedAt
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("looking up build %s: %w", key, err)
	}

	job := newJob(key, req, createdAt)
	if err := m.store.SaveBuild(ctx, job.Snapshot().record()); err != nil {
		return nil, fmt.Errorf("saving build %s: %w", key, err)
	}

	inv, err := m.runner.Prepare(builder.Spec{
		Key:           key,
		Specification: req.Spec,
		RepeatCount:   req.RepeatCount,
		Dihedral:      req.Dihedral,
	})
	if err != nil {
		if derr := m.store.DeleteBuild(ctx, key); derr != nil {
			m.logger.Error("removing unlaunched build", "key", key, "error", derr)
		}
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	m.register(job)
	m.wg.Add(1)
	go m.execute(job, inv)

	m.logger.Info("build submitted", "key", key, "spec", req.Spec, "repeat", req.RepeatCount)
	return job, nil
}

// execute runs one build to completion. It is the only writer of job's
// terminal state.
func (m *Manager) execute(job *Job, inv *builder.Invocation) {
	defer m.wg.Done()
	ctx := context.Background()

	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			m.finish(job, builder.Outcome{StartErr: err})
			return
		}
		defer m.sem.Release(1)
	}

	m.finish(job, m.runner.Run(ctx, inv))
}

func (m *Manager) finish(job *Job, out builder.Outcome) {
	ok, reason := out.Verdict()
	c := completion{finishedAt: time.Now().UTC()}
	if ok {
		c.status = StatusSuccess
		c.linkages = out.Result.Linkages
		c.companionBuilt = m.files.Exists(job.Paths.Companion)
	} else {
		c.status = StatusFailed
		c.failReason = reason
		m.writeLog(job, out.ConsoleLog())
	}

	if err := m.save(job, c); err != nil {
		m.logger.Error("saving finished build", "key", job.Key, "status", c.status, "error", err)
		if c.status == StatusSuccess {
			// A success that was never stored must not be reported.
			c = completion{
				status:     StatusFailed,
				failReason: UnsavedReason,
				finishedAt: c.finishedAt,
			}
			m.writeLog(job, out.ConsoleLog()+fmt.Sprintf("[storage] %v\n", err))
			if err := m.save(job, c); err != nil {
				m.logger.Error("saving failed build", "key", job.Key, "error", err)
			}
		}
	}

	job.settle(c)
	m.logger.Info("build finished",
		"key", job.Key,
		"status", c.status,
		"linkages", len(c.linkages),
		"duration", out.Duration,
		"reason", c.failReason,
	)
}

// save persists job with c applied.
func (m *Manager) save(job *Job, c completion) error {
	snap := job.Snapshot()
	snap.Status = c.status
	snap.Linkages = c.linkages
	snap.FailReason = c.failReason
	snap.CompanionBuilt = c.companionBuilt
	snap.FinishedAt = c.finishedAt
	return m.store.SaveBuild(context.Background(), snap.record())
}

func (m *Manager) writeLog(job *Job, text string) {
	if err := m.files.WriteFile(job.Paths.FailLog, []byte(text)); err != nil {
		m.logger.Error("writing build log", "key", job.Key, "error", err)
	}
}

// Get returns the current state of the build stored under key.
func (m *Manager) Get(ctx context.Context, key string) (Snapshot, error) {
	if j := m.lookup(key); j != nil {
		return j.Snapshot(), nil
	}
	rec, err := m.store.FindBuild(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("looking up build %s: %w", key, err)
	}
	snap, err := snapshotFromRecord(rec)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Status.Terminal() {
		m.register(settledJob(snap))
	}
	return snap, nil
}

// List returns stored builds newest first, without linkages.
func (m *Manager) List(ctx context.Context, f Filter) ([]Snapshot, error) {
	sf := storage.BuildFilter{Limit: f.Limit, Offset: f.Offset}
	if f.Status != 0 {
		sf.Status = f.Status.String()
	}
	recs, err := m.store.ListBuilds(ctx, sf)
	if err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}
	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		snap, err := snapshotFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Counts returns the number of stored builds per status.
func (m *Manager) Counts(ctx context.Context) (map[Status]int, error) {
	raw, err := m.store.CountBuilds(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting builds: %w", err)
	}
	counts := make(map[Status]int, len(raw))
	for name, n := range raw {
		s, err := ParseStatus(name)
		if err != nil {
			m.logger.Warn("skipping unknown status", "status", name)
			continue
		}
		counts[s] = n
	}
	return counts, nil
}

// OpenArtifact opens the artifact of the given kind for the build under key.
// The caller closes the file.
func (m *Manager) OpenArtifact(ctx context.Context, key string, kind artifact.Kind) (*os.File, error) {
	if _, err := m.Get(ctx, key); err != nil {
		return nil, err
	}
	rel, err := artifact.For(key).Of(kind)
	if err != nil {
		return nil, err
	}
	f, err := m.files.Open(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s artifact of build %s: %w", kind, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s artifact of build %s: %w", kind, key, err)
	}
	return f, nil
}

// Recover marks builds left pending by a previous process as failed. It
// must run before the first Submit.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	keys, err := m.store.FailStaleBuilds(ctx, InterruptedReason)
	if err != nil {
		return 0, fmt.Errorf("recovering stale builds: %w", err)
	}
	for _, key := range keys {
		m.logger.Warn("marked interrupted build as failed", "key", key)
	}
	return len(keys), nil
}

// InFlight returns the number of builds that have not finished.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if !j.Status().Terminal() {
			n++
		}
	}
	return n
}

// Wait blocks until every scheduled build has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

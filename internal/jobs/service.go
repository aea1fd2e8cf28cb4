// Package jobs schedules patch verifications: it deduplicates by job key,
// serializes builds per defect and tracks each submission as a JobRecord.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"patchverify/internal/cache"
	"patchverify/internal/domain"
	"patchverify/internal/events"
	"patchverify/internal/executor"
	"patchverify/internal/fingerprint"
	"patchverify/internal/lock"
	"patchverify/internal/patch"
)

// Builder constructs patch artifacts.
type Builder interface {
	Build(ctx context.Context, req patch.Request) (*patch.Artifact, error)
}

// Historian is implemented by stores that keep transition history.
type Historian interface {
	History(ctx context.Context, handle string) ([]events.Event, error)
}

// ErrNoHistory is returned when the store keeps no history.
var ErrNoHistory = errors.New("job history not recorded by this store")

// ErrNoReproducer is returned by Reproduce when the executor cannot rebuild baselines.
var ErrNoReproducer = errors.New("executor does not support reproductions")

// TimeoutPolicy picks the build timeout per project.
type TimeoutPolicy struct {
	Default time.Duration
	Large   time.Duration
	// LargeProjects are substrings; a matching project uses Large.
	LargeProjects []string
}

// DefaultTimeouts mirror the build farm: 60m for LLVM-sized projects, 30m otherwise.
var DefaultTimeouts = TimeoutPolicy{Default: 30 * time.Minute, Large: 60 * time.Minute, LargeProjects: []string{"llvm"}}

// For returns the timeout for project.
func (p TimeoutPolicy) For(project string) time.Duration {
	lower := strings.ToLower(project)
	for _, s := range p.LargeProjects {
		if s != "" && strings.Contains(lower, strings.ToLower(s)) {
			if p.Large > 0 {
				return p.Large
			}
		}
	}
	if p.Default > 0 {
		return p.Default
	}
	return DefaultTimeouts.Default
}

// Service owns the scheduler state. Use New or set every collaborator.
type Service struct {
	Patches  Builder
	Executor executor.Executor
	// Reproducer runs baseline reproductions; New takes it from the executor when it can.
	Reproducer executor.Reproducer
	Cache      *cache.Tiered
	Store    Store
	Locks    *lock.Table
	Timeouts TimeoutPolicy
	Logger   *zap.Logger
	Now      func() time.Time

	wg sync.WaitGroup
}

// New returns a Service with an in-memory store and fresh lock table when those are nil.
func New(patches Builder, exec executor.Executor, tiers *cache.Tiered, store Store, log *zap.Logger) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	if tiers == nil {
		tiers = cache.NewTiered(log)
	}
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Service{
		Patches:  patches,
		Executor: exec,
		Cache:    tiers,
		Store:    store,
		Locks:    lock.NewTable(),
		Timeouts: DefaultTimeouts,
		Logger:   log,
		Now:      time.Now,
	}
	if r, ok := exec.(executor.Reproducer); ok {
		svc.Reproducer = r
	}
	return svc
}

func (s *Service) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (s *Service) log() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// SubmitRequest is one verification request.
type SubmitRequest struct {
	BugID    string
	Response string
	Strategy patch.Strategy
	Persist  bool
	// GenerateDiff also persists the diff next to the patched file.
	GenerateDiff bool
}

// Submission is what Submit hands back immediately.
type Submission struct {
	Handle string
	Key    fingerprint.Key
	Record domain.JobRecord
}

func newHandle() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Submit builds the artifact, answers from the cache when possible and
// otherwise queues a background build. Construction errors are returned
// before any job exists.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	art, err := s.Patches.Build(ctx, patch.Request{
		Defect:       req.BugID,
		Response:     req.Response,
		Strategy:     req.Strategy,
		GenerateDiff: req.GenerateDiff,
		Persist:      req.Persist,
		BuildFile:    true,
	})
	if err != nil {
		return Submission{}, err
	}
	key := art.Key()
	now := s.now()
	rec := domain.JobRecord{
		Handle:    newHandle(),
		Kind:      domain.KindVerify,
		Key:       key.String(),
		BugID:     art.Defect.String(),
		State:     domain.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Result:    domain.Result{ReturnCode: domain.NoReturnCode},
	}
	log := s.log().With(zap.String("handle", rec.Handle), zap.String("job_key", rec.Key))

	if hit := s.Cache.Find(ctx, key); hit.Status == cache.Found {
		s.release(art)
		rec.State = hit.Entry.State
		rec.Result = hit.Entry.Result
		rec.Cached = true
		if err := s.Store.Put(ctx, rec); err != nil {
			return Submission{}, fmt.Errorf("store job: %w", err)
		}
		log.Info("verification served from cache", zap.String("tier", hit.Tier), zap.String("status", string(rec.State)))
		return Submission{Handle: rec.Handle, Key: key, Record: rec}, nil
	}

	if err := s.Store.Put(ctx, rec); err != nil {
		s.release(art)
		return Submission{}, fmt.Errorf("store job: %w", err)
	}
	log.Info("verification queued")
	s.wg.Add(1)
	go s.execute(context.WithoutCancel(ctx), rec, key, art)
	return Submission{Handle: rec.Handle, Key: key, Record: rec}, nil
}

func (s *Service) release(art *patch.Artifact) {
	if err := art.Release(); err != nil {
		s.log().Warn("release artifact", zap.Error(err))
	}
}

func (s *Service) execute(ctx context.Context, rec domain.JobRecord, key fingerprint.Key, art *patch.Artifact) {
	defer s.wg.Done()
	defer s.release(art)
	log := s.log().With(zap.String("handle", rec.Handle), zap.String("job_key", rec.Key))

	from := domain.StateQueued
	defer func() {
		if r := recover(); r != nil {
			log.Error("verification panicked", zap.Any("panic", r))
			s.finish(ctx, log, rec, from, cache.Entry{
				State:  domain.StateFailed,
				Result: domain.Result{ReturnCode: domain.NoReturnCode, Error: fmt.Sprintf("internal error: %v", r), Timestamp: s.now()},
			}, false)
		}
	}()

	unlock := s.Locks.Lock(art.Defect)
	defer unlock()

	if !s.start(ctx, log, &rec) {
		return
	}
	from = domain.StateRunning

	if hit := s.Cache.Find(ctx, key); hit.Status == cache.Found {
		log.Info("verification finished by another job", zap.String("tier", hit.Tier))
		s.finish(ctx, log, rec, from, hit.Entry, true)
		return
	}

	timeout := s.Timeouts.For(art.Defect.Project)
	out, runErr := s.Executor.Run(ctx, art, timeout)
	entry := s.entryFor(out, runErr, timeout)
	if runErr == nil {
		s.Cache.Store(ctx, key, entry)
	} else {
		log.Warn("executor failed", zap.Error(runErr))
	}
	s.finish(ctx, log, rec, from, entry, false)
}

// start moves rec from queued to running. When the store cannot record
// that, the job is failed so pollers still reach a terminal state.
func (s *Service) start(ctx context.Context, log *zap.Logger, rec *domain.JobRecord) bool {
	running := *rec
	running.State = domain.StateRunning
	running.UpdatedAt = s.now()
	ok, err := s.Store.CompareAndSwapState(ctx, rec.Handle, domain.StateQueued, running)
	if ok && err == nil {
		*rec = running
		return true
	}
	if err == nil {
		log.Error("job is no longer queued")
		return false
	}
	log.Error("could not start job", zap.Error(err))
	failed := *rec
	failed.State = domain.StateFailed
	failed.UpdatedAt = s.now()
	failed.Result = domain.Result{ReturnCode: domain.NoReturnCode, Error: fmt.Sprintf("start job: %v", err), Timestamp: s.now()}
	if ok, err := s.Store.CompareAndSwapState(ctx, rec.Handle, domain.StateQueued, failed); err != nil || !ok {
		log.Error("could not fail job", zap.Bool("swapped", ok), zap.Error(err))
	}
	return false
}

func (s *Service) entryFor(out executor.Outcome, runErr error, timeout time.Duration) cache.Entry {
	e := cache.Entry{
		State: domain.StateCompleted,
		Result: domain.Result{
			ReturnCode: out.ExitCode,
			FixLog:     out.Log,
			FixMsg:     out.Msg,
			FixStatus:  out.Status,
			Timestamp:  s.now(),
		},
	}
	switch {
	case runErr != nil:
		e.State = domain.StateFailed
		e.ReturnCode = domain.NoReturnCode
		e.Error = domain.Wrap(domain.CodeBuildFailure, runErr, "run build").Error()
	case out.TimedOut:
		e.State = domain.StateFailed
		e.ReturnCode = domain.NoReturnCode
		e.Error = domain.Errorf(domain.CodeBuildTimeout, "build timed out after %s", timeout).Error()
	case out.ExitCode != 0:
		e.State = domain.StateFailed
		e.Error = domain.Errorf(domain.CodeBuildFailure, "build script exited %d", out.ExitCode).Error()
	}
	return e
}

func (s *Service) finish(ctx context.Context, log *zap.Logger, rec domain.JobRecord, from domain.JobState, e cache.Entry, cached bool) {
	rec.State = e.State
	rec.Result = e.Result
	rec.Cached = cached
	rec.UpdatedAt = s.now()
	ok, err := s.Store.CompareAndSwapState(ctx, rec.Handle, from, rec)
	if err != nil || !ok {
		log.Error("could not finish job", zap.Bool("swapped", ok), zap.Error(err))
		return
	}
	log.Info("job finished", zap.String("kind", string(rec.Kind)), zap.String("status", string(rec.State)), zap.Int("return_code", rec.ReturnCode), zap.Bool("cached", cached))
}

// ReproduceRequest asks for a rebuild of a defect's unpatched baseline.
type ReproduceRequest struct {
	BugID        string
	ForceCleanup bool
}

// Reproduce queues a baseline reproduction. It shares the defect lock with
// verifications and is never cached.
func (s *Service) Reproduce(ctx context.Context, req ReproduceRequest) (Submission, error) {
	id, err := domain.ParseDefectID(req.BugID)
	if err != nil {
		return Submission{}, err
	}
	if s.Reproducer == nil {
		return Submission{}, ErrNoReproducer
	}
	now := s.now()
	rec := domain.JobRecord{
		Handle:    newHandle(),
		Kind:      domain.KindReproduce,
		BugID:     id.String(),
		State:     domain.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Result:    domain.Result{ReturnCode: domain.NoReturnCode},
	}
	if err := s.Store.Put(ctx, rec); err != nil {
		return Submission{}, fmt.Errorf("store job: %w", err)
	}
	s.log().Info("reproduction queued", zap.String("handle", rec.Handle), zap.String("bug_id", rec.BugID), zap.Bool("force_cleanup", req.ForceCleanup))
	s.wg.Add(1)
	go s.reproduce(context.WithoutCancel(ctx), rec, id, req.ForceCleanup)
	return Submission{Handle: rec.Handle, Record: rec}, nil
}

func (s *Service) reproduce(ctx context.Context, rec domain.JobRecord, id domain.DefectID, forceCleanup bool) {
	defer s.wg.Done()
	log := s.log().With(zap.String("handle", rec.Handle), zap.String("bug_id", rec.BugID))

	from := domain.StateQueued
	defer func() {
		if r := recover(); r != nil {
			log.Error("reproduction panicked", zap.Any("panic", r))
			s.finish(ctx, log, rec, from, cache.Entry{
				State:  domain.StateFailed,
				Result: domain.Result{ReturnCode: domain.NoReturnCode, Error: fmt.Sprintf("internal error: %v", r), Timestamp: s.now()},
			}, false)
		}
	}()

	unlock := s.Locks.Lock(id)
	defer unlock()

	if !s.start(ctx, log, &rec) {
		return
	}
	from = domain.StateRunning

	timeout := s.Timeouts.For(id.Project)
	out, err := s.Reproducer.Reproduce(ctx, id, executor.ReproduceOptions{Handle: rec.Handle, ForceCleanup: forceCleanup}, timeout)
	if err != nil {
		log.Warn("reproduction failed to run", zap.Error(err))
	}
	s.finish(ctx, log, rec, from, s.entryFor(out, err, timeout), false)
}

// Status returns the current record for handle.
func (s *Service) Status(ctx context.Context, handle string) (domain.JobRecord, error) {
	return s.Store.Get(ctx, handle)
}

// List returns every job, oldest first.
func (s *Service) List(ctx context.Context) ([]domain.JobRecord, error) {
	return s.Store.List(ctx)
}

// History returns the recorded transitions for handle.
func (s *Service) History(ctx context.Context, handle string) ([]events.Event, error) {
	h, ok := s.Store.(Historian)
	if !ok {
		return nil, ErrNoHistory
	}
	return h.History(ctx, handle)
}

// Evict removes a job key from every cache tier.
func (s *Service) Evict(ctx context.Context, jobKey string) (bool, error) {
	key, err := fingerprint.ParseJobKey(jobKey)
	if err != nil {
		return false, err
	}
	return s.Cache.Evict(ctx, key)
}

// Wait blocks until every background job has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close waits for in-flight jobs or until ctx is done.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

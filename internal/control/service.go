// Package control is the in-process API for the HTTP adapter and the
// CLI: job admission, queue control, status queries and shutdown. Every
// operation checks the caller's session capabilities first.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/engine"
	"github.com/datallboy/usenetd/internal/infra/config"
	"github.com/datallboy/usenetd/internal/infra/logger"
	"github.com/datallboy/usenetd/internal/nntp"
	"github.com/datallboy/usenetd/internal/processor"
	"github.com/datallboy/usenetd/internal/spool"
	"github.com/datallboy/usenetd/internal/store"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	fingerprintCacheSize   = 4096
	fingerprintCacheTTL    = 24 * time.Hour
)

type Service struct {
	cfg     *config.Provider
	engine  *engine.Engine
	pipe    *processor.Pipeline
	history store.History
	source  Source
	log     *logger.Logger

	// seen caches fingerprints of archived done jobs.
	seen *expirable.LRU[string, uint64]

	mu     sync.Mutex
	alarms []Alarm

	closing  atomic.Bool
	cancel   context.CancelFunc
	pipeDone chan struct{}
	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

func New(cfg *config.Provider, eng *engine.Engine, pipe *processor.Pipeline, history store.History, log *logger.Logger) *Service {
	s := &Service{
		cfg:     cfg,
		engine:  eng,
		pipe:    pipe,
		history: history,
		log:     log,
		seen:    expirable.NewLRU[string, uint64](fingerprintCacheSize, nil, fingerprintCacheTTL),
		done:    make(chan struct{}),
	}
	eng.Dispatcher.OnHandoff(s.handoff)
	eng.Servers.OnAuthFail(s.authFailed)
	pipe.OnFinish(s.finished)
	cfg.Subscribe(s.apply)
	return s
}

// Start restores the queue, removes orphaned spool directories and runs
// the engine and the post-processing workers until Shutdown.
func (s *Service) Start(ctx context.Context) error {
	last, err := s.history.LastJobID(ctx)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	s.engine.Queue.SeedID(last)

	jobs, err := s.engine.Restore()
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		s.log.Info("Restored %d jobs from snapshot", len(jobs))
	}
	for _, j := range jobs {
		if j.State.Terminal() {
			s.archive(j.ID)
		}
	}
	s.cleanOrphans(ctx)

	base := context.WithoutCancel(ctx)
	s.engine.Start(base)

	pctx, cancel := context.WithCancel(base)
	s.cancel = cancel
	s.pipeDone = make(chan struct{})
	go func() {
		defer close(s.pipeDone)
		_ = s.pipe.Run(pctx)
	}()
	return nil
}

func (s *Service) cleanOrphans(ctx context.Context) {
	ids, err := s.engine.Spool.Orphans(func(id uint64) bool {
		if s.engine.Queue.Contains(id) {
			return true
		}
		_, err := s.history.Get(ctx, id)
		return err == nil
	})
	if err != nil {
		s.log.Warn("Scanning spool for orphans: %v", err)
		return
	}
	for _, id := range ids {
		s.log.Warn("Removing orphaned spool directory of job %d", id)
		if err := s.engine.Spool.Remove(id, 0); err != nil {
			s.log.Warn("%v", err)
		}
	}
}

// Done is closed once Shutdown has finished.
func (s *Service) Done() <-chan struct{} { return s.done }

// Shutdown stops admission, interrupts post-processing, lets in-flight
// articles finish for up to timeout and writes the final snapshot. Later
// calls wait for the first one.
func (s *Service) Shutdown(ctx context.Context, timeout time.Duration) error {
	if err := authorize(ctx, CapAdmin); err != nil {
		return err
	}
	s.stopOnce.Do(func() {
		s.closing.Store(true)
		if timeout <= 0 {
			timeout = s.cfg.Current().Download.ShutdownTimeout
		}
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		s.log.Info("Shutting down, waiting up to %s for in-flight articles", timeout)

		if s.cancel != nil {
			s.cancel()
			<-s.pipeDone
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		var errs []error
		if err := s.engine.Shutdown(sctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
		s.stopErr = errors.Join(errs...)
		close(s.done)
	})
	<-s.done
	return s.stopErr
}

// AddJob admits spec and returns the new job id.
func (s *Service) AddJob(ctx context.Context, spec domain.JobSpec) (uint64, error) {
	if err := authorize(ctx, CapAdd); err != nil {
		return 0, err
	}
	if s.closing.Load() {
		return 0, domain.ErrShutdown
	}
	if err := spec.Validate(); err != nil {
		return 0, err
	}

	cfg := s.cfg.Current()
	if !anyEnabled(cfg.Servers) {
		return 0, domain.ErrNoServers
	}
	if !spec.Force {
		if err := s.checkDuplicate(ctx, spec.Fingerprint()); err != nil {
			return 0, err
		}
	}

	rule := cfg.Category(spec.Category)
	pp := domain.PPDelete
	switch {
	case spec.PP != nil:
		pp = *spec.PP
	case rule.PP != nil:
		pp = domain.PPLevel(*rule.PP)
	}
	completeness := cfg.Download.RequiredCompleteness
	if completeness == 0 {
		completeness = 100
	}

	sp := s.engine.Spool
	j := spec.Build(s.engine.Queue.ReserveID(), pp, completeness, time.Now())
	if err := sp.Allocate(j.ID, j.SizeEstimate); err != nil {
		return 0, err
	}
	if err := sp.WriteSidecar(sidecarOf(j)); err != nil {
		_ = sp.Remove(j.ID, 0)
		return 0, err
	}
	s.engine.Queue.Add(j)
	s.log.Info("Added job %d (%s): %d files, %s, pp %d", j.ID, j.Name, len(j.Files),
		humanize.Bytes(uint64(j.SizeEstimate)), j.PP)
	return j.ID, nil
}

func sidecarOf(j *domain.Job) *spool.Sidecar {
	sc := &spool.Sidecar{ID: j.ID, Name: j.Name, Category: j.Category, CreatedAt: j.CreatedAt}
	for i, f := range j.Files {
		var size int64
		for _, a := range f.Articles {
			size += a.Length
		}
		sc.Files = append(sc.Files, spool.SidecarFile{Blob: spool.BlobName(i), Name: f.Name, Size: size})
	}
	return sc
}

func anyEnabled(servers []config.ServerConfig) bool {
	for _, srv := range servers {
		if srv.On() {
			return true
		}
	}
	return false
}

// checkDuplicate rejects fp when a live job or an archived done job
// already has it.
func (s *Service) checkDuplicate(ctx context.Context, fp string) error {
	if id, ok := s.engine.Queue.FindFingerprint(fp); ok {
		return duplicateOf(id)
	}
	if id, ok := s.seen.Get(fp); ok {
		return duplicateOf(id)
	}
	id, ok, err := s.history.FindFingerprint(ctx, fp)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if ok {
		s.seen.Add(fp, id)
		return duplicateOf(id)
	}
	return nil
}

func duplicateOf(id uint64) error {
	return &domain.Error{Kind: domain.KindAdmission, Code: domain.CodeDuplicate,
		Msg: fmt.Sprintf("same articles as job %d", id)}
}

// RemoveJob cancels a live job, or deletes a history entry. The job's
// spool directory is removed only when deleteFiles is set, after any
// running post-processing stage has returned.
func (s *Service) RemoveJob(ctx context.Context, id uint64, deleteFiles bool) error {
	if err := authorize(ctx, CapControl); err != nil {
		return err
	}

	j, err := s.engine.Queue.Remove(id)
	switch {
	case err == nil:
		s.log.Info("Removed job %d (%s)", id, j.Name)
		if err := s.history.Archive(ctx, store.NewRecord(j, time.Now())); err != nil {
			s.log.Error("Archiving job %d: %v", id, err)
		}
		s.engine.Spool.Release(id)
		if deleteFiles {
			return s.deleteSpool(ctx, id, len(j.Files))
		}
		return nil
	case !errors.Is(err, domain.ErrJobNotFound):
		return err
	}

	rec, err := s.history.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.history.Delete(ctx, id); err != nil {
		return err
	}
	s.seen.Remove(rec.Fingerprint)
	if deleteFiles {
		return s.deleteSpool(ctx, id, 0)
	}
	return nil
}

func (s *Service) deleteSpool(ctx context.Context, id uint64, files int) error {
	return s.pipe.Locked(ctx, id, func() error {
		return s.engine.Spool.Remove(id, files)
	})
}

func (s *Service) Pause(ctx context.Context, id uint64) error {
	if err := authorize(ctx, CapControl); err != nil {
		return err
	}
	return s.engine.Queue.SetPaused(id, true)
}

// PauseAll pauses every live job and returns how many changed.
func (s *Service) PauseAll(ctx context.Context) (int, error) {
	if err := authorize(ctx, CapControl); err != nil {
		return 0, err
	}
	return s.engine.Queue.SetPausedAll(true), nil
}

func (s *Service) Resume(ctx context.Context, id uint64) error {
	if err := authorize(ctx, CapControl); err != nil {
		return err
	}
	return s.engine.Queue.SetPaused(id, false)
}

func (s *Service) ResumeAll(ctx context.Context) (int, error) {
	if err := authorize(ctx, CapControl); err != nil {
		return 0, err
	}
	return s.engine.Queue.SetPausedAll(false), nil
}

// SetPriority changes the job's priority; PriorityPaused pauses it.
func (s *Service) SetPriority(ctx context.Context, id uint64, p domain.Priority) error {
	if err := authorize(ctx, CapControl); err != nil {
		return err
	}
	if p < domain.PriorityHigh || p > domain.PriorityPaused {
		return domain.Errorf(domain.KindInvalid, "", "priority %d out of range", p)
	}
	return s.engine.Queue.SetPriority(id, p)
}

// Reorder moves the job to position pos within the queue.
func (s *Service) Reorder(ctx context.Context, id uint64, pos int) error {
	if err := authorize(ctx, CapControl); err != nil {
		return err
	}
	return s.engine.Queue.Move(id, pos)
}

// ListJobs lists queued jobs in queue order, then history newest first
// when f.IncludeHistory is set.
func (s *Service) ListJobs(ctx context.Context, f domain.ListFilter) ([]domain.JobSummary, error) {
	if err := authorize(ctx, CapRead); err != nil {
		return nil, err
	}
	out := s.engine.Queue.Summaries(f)
	if f.Limit > 0 && len(out) >= f.Limit {
		return out[:f.Limit], nil
	}
	if !f.IncludeHistory {
		return out, nil
	}

	hf := f
	if f.Limit > 0 {
		hf.Limit = f.Limit - len(out)
	}
	recs, err := s.history.List(ctx, hf)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	for _, r := range recs {
		out = append(out, r.Summary())
	}
	return out, nil
}

// JobDetail describes a live job, or an archived one.
func (s *Service) JobDetail(ctx context.Context, id uint64) (domain.JobDetail, error) {
	if err := authorize(ctx, CapRead); err != nil {
		return domain.JobDetail{}, err
	}
	d, err := s.engine.Queue.Detail(id)
	if err == nil || !errors.Is(err, domain.ErrJobNotFound) {
		return d, err
	}
	rec, err := s.history.Get(ctx, id)
	if err != nil {
		return domain.JobDetail{}, err
	}
	return rec.Detail(), nil
}

// ReloadConfig re-reads the config file. A rejected reload keeps the
// running config.
func (s *Service) ReloadConfig(ctx context.Context) (config.ChangeSet, error) {
	if err := authorize(ctx, CapAdmin); err != nil {
		return config.ChangeSet{}, err
	}
	cs, err := s.cfg.Reload()
	if err != nil {
		return config.ChangeSet{}, &domain.Error{Kind: domain.KindConfig, Err: err}
	}
	return cs, nil
}

// apply pushes a new config into the running components.
func (s *Service) apply(_, next *config.Config, cs config.ChangeSet) {
	s.engine.Apply(next, cs)
	if cs.LogLevel {
		s.log.SetLevel(logger.ParseLevel(next.Log.Level))
	}
	for _, id := range append(cs.ServersChanged, cs.ServersRemoved...) {
		s.clearServerAlarms(id)
	}
	if len(cs.Restart) > 0 {
		s.log.Warn("Changes to %v take effect after a restart", cs.Restart)
	}
	s.log.Info("Configuration reloaded")
}

// Servers reports every configured server pool.
func (s *Service) Servers(ctx context.Context) ([]nntp.Status, error) {
	if err := authorize(ctx, CapRead); err != nil {
		return nil, err
	}
	return s.engine.Servers.Statuses(), nil
}

// handoff receives jobs leaving the download phase.
func (s *Service) handoff(id uint64, state domain.JobState) {
	switch {
	case state == domain.StateFailed:
		s.archive(id)
	case state.InPostProcessing():
		s.pipe.Submit(id)
	}
}

func (s *Service) finished(id uint64, _ domain.JobState) { s.archive(id) }

// archive moves a finished job from the queue into history. Done jobs
// lose their spool directory; failed ones keep it until removed.
func (s *Service) archive(id uint64) {
	j, err := s.engine.Queue.Remove(id)
	if err != nil {
		return
	}
	if j.State == domain.StateDone {
		s.seen.Add(j.Fingerprint, j.ID)
		if err := s.engine.Spool.Remove(id, len(j.Files)); err != nil {
			s.log.Warn("%v", err)
		}
	} else {
		s.engine.Spool.Release(id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.history.Archive(ctx, store.NewRecord(j, time.Now())); err != nil {
		s.log.Error("Archiving job %d: %v", id, err)
	}
}

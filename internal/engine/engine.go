package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/infra/config"
	"github.com/datallboy/usenetd/internal/infra/logger"
	"github.com/datallboy/usenetd/internal/nntp"
	"github.com/datallboy/usenetd/internal/spool"
)

// Engine ties the queue, its snapshot, the dispatcher and the server
// pools together and owns their lifecycle.
type Engine struct {
	Queue      *Queue
	Dispatcher *Dispatcher
	Servers    *nntp.Manager
	Spool      *spool.Spool

	persist *Persister
	log     *logger.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg *config.Config, sp *spool.Spool, log *logger.Logger) *Engine {
	q := NewQueue()
	d := NewDispatcher(q, sp, OptionsFrom(cfg.Download), log)
	m := nntp.NewManager(cfg.Servers, d, log)
	d.SetServers(m)
	return &Engine{
		Queue:      q,
		Dispatcher: d,
		Servers:    m,
		Spool:      sp,
		persist:    NewPersister(q, NewSnapshotStore(cfg.SnapshotPath(), log), cfg.Download.SnapshotInterval, log),
		log:        log,
	}
}

// Restore loads the snapshot and re-registers spool reservations for the
// restored jobs. Call before Start.
func (e *Engine) Restore() ([]*domain.Job, error) {
	jobs, err := e.persist.Restore()
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.State.Terminal() {
			continue
		}
		remaining := j.SizeEstimate - int64(j.Counters.BytesOnDisk)
		if err := e.Spool.Adopt(j.ID, remaining); err != nil {
			return nil, fmt.Errorf("restore job %d: %w", j.ID, err)
		}
	}
	return jobs, nil
}

// Start runs the decoders, the server pools and the snapshot loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.Dispatcher.Start(ctx)
	e.Dispatcher.Resume()
	e.Servers.Start(ctx)
	go func() {
		defer close(e.done)
		e.persist.Run(ctx)
	}()
}

// Apply pushes a reloaded config into the running engine.
func (e *Engine) Apply(cfg *config.Config, cs config.ChangeSet) {
	if len(cs.ServersAdded)+len(cs.ServersRemoved)+len(cs.ServersChanged) > 0 {
		e.Servers.Apply(cfg.Servers)
	}
	e.Spool.SetMinFree(cfg.Download.MinFreeSpaceBytes)
	e.Dispatcher.SetOptions(OptionsFrom(cfg.Download))
}

// Save writes a snapshot now.
func (e *Engine) Save() error { return e.persist.Save() }

// Shutdown stops dispatch, lets in-flight articles finish until ctx is
// done, force-closes what remains and writes the final snapshot.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Dispatcher.Stop()
	e.Servers.Drain()
	if err := e.Servers.Wait(ctx); err != nil {
		e.log.Warn("Shutdown timeout reached, closing remaining connections")
	}
	e.Servers.Close()
	e.Dispatcher.Close()
	if n := e.Dispatcher.DemoteAll(); n > 0 {
		e.log.Info("Returned %d in-flight articles to pending", n)
	}

	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	e.Spool.Writer.CloseAll()

	var errs []error
	if err := e.persist.Save(); err != nil {
		errs = append(errs, fmt.Errorf("final snapshot: %w", err))
	}
	return errors.Join(errs...)
}

// Package processor runs the post-download pipeline: finalize, verify and
// repair, extract, deobfuscate, move into complete/ and notify.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/extraction"
	"github.com/datallboy/usenetd/internal/infra/config"
	"github.com/datallboy/usenetd/internal/infra/logger"
	"github.com/datallboy/usenetd/internal/metrics"
	"github.com/datallboy/usenetd/internal/platform"
	"github.com/datallboy/usenetd/internal/spool"
)

// Queue is the part of the job queue the pipeline needs.
type Queue interface {
	View(fn func(jobs []*domain.Job))
	Update(id uint64, fn func(j *domain.Job) error) error
}

// Finish is called once a job reaches done or failed.
type Finish func(id uint64, state domain.JobState)

type Pipeline struct {
	cfg   *config.Provider
	spool *spool.Spool
	q     Queue
	log   *logger.Logger
	tools platform.Tools
	run   *platform.Runner
	ext   *Manager
	http  *http.Client

	mu       sync.Mutex
	pending  []uint64
	queued   map[uint64]bool
	held     map[uint64]chan struct{}
	wake     chan struct{}
	onFinish Finish
}

func New(cfg *config.Provider, sp *spool.Spool, q Queue, tools platform.Tools, log *logger.Logger) *Pipeline {
	pp := cfg.Current().PostProcess
	run := platform.NewRunner(tools, pp.Nice, pp.IONiceClass)
	return &Pipeline{
		cfg:    cfg,
		spool:  sp,
		q:      q,
		log:    log,
		tools:  tools,
		run:    run,
		ext:    NewManager(extraction.Available(tools, run)),
		http:   &http.Client{},
		queued: make(map[uint64]bool),
		held:   make(map[uint64]chan struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// OnFinish registers fn. Call before Run.
func (p *Pipeline) OnFinish(fn Finish) { p.onFinish = fn }

// Submit queues job id for processing. Duplicate submissions collapse.
func (p *Pipeline) Submit(id uint64) {
	p.mu.Lock()
	if !p.queued[id] {
		p.queued[id] = true
		p.pending = append(p.pending, id)
	}
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pending lists queued job ids in order.
func (p *Pipeline) Pending() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.pending)
}

func (p *Pipeline) take() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return 0, false
	}
	id := p.pending[0]
	p.pending = p.pending[1:]
	return id, true
}

func (p *Pipeline) release(id uint64) {
	p.mu.Lock()
	delete(p.queued, id)
	p.mu.Unlock()
}

// Run processes submitted jobs with the configured number of workers
// until ctx is done. A job interrupted by ctx keeps its state and is
// resumed from its stage markers on the next start.
func (p *Pipeline) Run(ctx context.Context) error {
	workers := max(p.cfg.Current().PostProcess.Workers, 1)
	g, ctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for {
				id, ok := p.take()
				if !ok {
					select {
					case <-ctx.Done():
						return nil
					case <-p.wake:
						continue
					}
				}
				if err := p.Process(ctx, id); err != nil && ctx.Err() == nil {
					p.log.Warn("Post-processing job %d: %v", id, err)
				}
				p.release(id)
				// Another worker may have been woken for our last item.
				select {
				case p.wake <- struct{}{}:
				default:
				}
			}
		})
	}
	return g.Wait()
}

// Process runs every remaining stage of job id under its lock.
func (p *Pipeline) Process(ctx context.Context, id uint64) error {
	release, err := p.lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	w, ok := p.load(id)
	if !ok || !w.state.InPostProcessing() {
		return nil
	}
	cfg := p.cfg.Current()
	w.rule = cfg.Category(w.category)

	for _, st := range p.stages(w) {
		if !p.alive(id) {
			p.log.Info("Job %d removed during post-processing, stopping before %s", id, st.name)
			return nil
		}
		if err := p.enter(id, st); err != nil {
			return err
		}
		if st.marker && p.stageDone(id, st.name) {
			continue
		}

		err := p.runStage(ctx, w, st, st.timeout(cfg.PostProcess.Timeouts))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.fail(w, err)
			return err
		}
		if st.marker {
			if err := p.markStage(id, st.name, ""); err != nil {
				p.fail(w, domain.Wrap(domain.KindStage, st.code, err))
				return err
			}
		}
	}

	dest, _ := p.readStage(id, destinationMarker)
	if err := p.q.Update(id, func(j *domain.Job) error {
		j.Stage = ""
		j.Destination = dest
		return j.Transition(domain.StateDone)
	}); err != nil {
		return err
	}
	p.log.Info("Job %d (%s) completed: %s", id, w.name, dest)
	p.notify(ctx, w, domain.StateDone, dest, nil)
	p.finish(id, domain.StateDone)
	return nil
}

// runStage runs st with an optional timeout and records its duration.
func (p *Pipeline) runStage(ctx context.Context, w *work, st stage, timeout time.Duration) error {
	sctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	err := st.run(sctx, w)
	result := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		result = "aborted"
	case errors.Is(sctx.Err(), context.DeadlineExceeded):
		result = "timeout"
		err = &domain.Error{Kind: domain.KindStage, Code: domain.CodeStageTimeout,
			Msg: fmt.Sprintf("%s exceeded %s", st.name, timeout), Err: err}
	default:
		result = "failed"
		if domain.KindOf(err) != domain.KindStage {
			err = domain.Wrap(domain.KindStage, st.code, err)
		}
	}
	metrics.StageDuration.WithLabelValues(st.name, result).Observe(time.Since(start).Seconds())
	return err
}

// enter publishes the stage name and moves the job forward into the
// stage's state. A job resumed past that state keeps it.
func (p *Pipeline) enter(id uint64, st stage) error {
	return p.q.Update(id, func(j *domain.Job) error {
		j.Stage = st.name
		if st.state != 0 && domain.CanTransition(j.State, st.state) {
			return j.Transition(st.state)
		}
		return nil
	})
}

func (p *Pipeline) fail(w *work, err error) {
	p.log.Warn("Job %d (%s) failed post-processing: %v", w.id, w.name, err)
	_ = p.q.Update(w.id, func(j *domain.Job) error {
		j.Fail(err)
		return nil
	})
	p.notify(context.Background(), w, domain.StateFailed, "", err)
	p.finish(w.id, domain.StateFailed)
}

func (p *Pipeline) finish(id uint64, state domain.JobState) {
	if p.onFinish != nil {
		p.onFinish(id, state)
	}
}

// warn attaches a non-fatal error to the job.
func (p *Pipeline) warn(id uint64, err error) {
	p.log.Info("Job %d: %v", id, err)
	_ = p.q.Update(id, func(j *domain.Job) error {
		j.AddError(err)
		return nil
	})
}

// alive reports whether the job is still queued and not cancelled.
func (p *Pipeline) alive(id uint64) bool {
	ok := false
	p.q.View(func(jobs []*domain.Job) {
		for _, j := range jobs {
			if j.ID == id {
				ok = !j.State.Terminal()
				return
			}
		}
	})
	return ok
}

// work is the pipeline's copy of a job, taken once under the queue lock.
type work struct {
	id       uint64
	name     string
	category string
	script   string
	password string
	pp       domain.PPLevel
	state    domain.JobState
	files    []workFile
	dir      string
	rule     config.CategoryRule
}

type workFile struct {
	index int
	name  string
	size  int64
}

func (p *Pipeline) load(id uint64) (*work, bool) {
	var w *work
	p.q.View(func(jobs []*domain.Job) {
		for _, j := range jobs {
			if j.ID != id {
				continue
			}
			w = &work{
				id:       j.ID,
				name:     j.Name,
				category: j.Category,
				script:   j.Script,
				password: j.Password,
				pp:       j.PP,
				state:    j.State,
				dir:      p.spool.JobDir(j.ID),
			}
			for i, f := range j.Files {
				w.files = append(w.files, workFile{index: i, name: f.Name, size: max(f.ExpectedSize, 0)})
			}
			return
		}
	})
	return w, w != nil
}

package nntp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/infra/config"
	"github.com/datallboy/usenetd/internal/infra/logger"
	"github.com/datallboy/usenetd/internal/metrics"
)

// Work is one article handed to a server worker.
type Work struct {
	JobID     uint64
	File      int
	Index     int
	MessageID string
	Groups    []string
	// Size is the expected raw size, used for bandwidth accounting.
	Size int64
}

// Result is what a worker reports for one Work.
type Result struct {
	Work
	Server  string
	Body    []byte
	Outcome domain.Outcome
	Err     error
}

// Source is the dispatcher seen from a server worker. Next never blocks.
type Source interface {
	// Pending counts articles serverID could take now, stopping at limit.
	Pending(serverID string, limit int) int
	Next(serverID string) (Work, bool)
	Report(Result)
	Changed() <-chan struct{}
	// Throttle blocks until n bytes may be fetched.
	Throttle(ctx context.Context, n int64) error
}

// Pool runs up to MaxConnection workers for one server. Connections are
// opened when there is work and closed after IdleTimeout without any.
type Pool struct {
	src Source
	log *logger.Logger

	mu         sync.Mutex
	cfg        config.ServerConfig
	opts       Options
	gen        int
	running    map[int]context.CancelFunc
	conns      map[int]*Conn
	backoff    *Backoff
	retryAt    time.Time
	authFailed bool
	draining   bool
	downSince  time.Time
	lastErr    error
	onAuthFail func(server string, err error)
	dial       DialFunc

	wakeup    chan struct{}
	drained   chan struct{}
	drainOnce sync.Once

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers sync.WaitGroup
}

// NewPool creates a stopped pool; call Start.
func NewPool(cfg config.ServerConfig, src Source, log *logger.Logger) *Pool {
	p := &Pool{
		src:     src,
		log:     log,
		running: make(map[int]context.CancelFunc),
		conns:   make(map[int]*Conn),
		backoff: DefaultBackoff(),
		wakeup:  make(chan struct{}, 1),
		drained: make(chan struct{}),
	}
	p.applyLocked(cfg)
	if !cfg.On() {
		p.downSince = time.Now()
	}
	return p
}

// OnAuthFail registers the alarm callback.
func (p *Pool) OnAuthFail(fn func(server string, err error)) {
	p.mu.Lock()
	p.onAuthFail = fn
	p.mu.Unlock()
}

// SetDialer replaces the network dialer, used by tests.
func (p *Pool) SetDialer(d DialFunc) {
	p.mu.Lock()
	p.dial = d
	p.opts.Dial = d
	p.mu.Unlock()
}

func (p *Pool) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.ID
}

// Config returns the server config in effect.
func (p *Pool) Config() config.ServerConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Pool) applyLocked(cfg config.ServerConfig) {
	if p.cfg.ID != "" {
		creds := !p.cfg.SameCredentials(cfg)
		if creds || p.cfg.Addr() != cfg.Addr() || p.cfg.TLS != cfg.TLS || p.cfg.StartTLS != cfg.StartTLS {
			p.gen++
		}
		if creds {
			p.authFailed = false
		}
	}
	p.cfg = cfg
	p.opts = OptionsFrom(cfg)
	p.opts.Dial = p.dial
}

// Update applies a reloaded config: enable flag, connection count and
// credentials take effect without restart. Workers above the new limit
// or on stale credentials stop after their current article.
func (p *Pool) Update(cfg config.ServerConfig) {
	p.mu.Lock()
	p.applyLocked(cfg)
	if !cfg.On() || p.authFailed {
		if p.downSince.IsZero() {
			p.downSince = time.Now()
		}
	} else if p.retryAt.IsZero() {
		p.downSince = time.Time{}
	}
	p.mu.Unlock()
	p.kick()
}

// Available reports whether the pool can take work. When it cannot,
// since is when it stopped being available.
func (p *Pool) Available() (ok bool, since time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.availableLocked(time.Now()) {
		return true, time.Time{}
	}
	return false, p.downSince
}

func (p *Pool) availableLocked(now time.Time) bool {
	return p.cfg.On() && !p.authFailed && !p.draining && !now.Before(p.retryAt)
}

// Status is a point-in-time view for the control plane.
type Status struct {
	ID          string    `json:"id"`
	Enabled     bool      `json:"enabled"`
	AuthFailed  bool      `json:"auth_failed"`
	Connections int       `json:"connections"`
	Max         int       `json:"max_connections"`
	RetryAt     time.Time `json:"retry_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		ID:          p.cfg.ID,
		Enabled:     p.cfg.On(),
		AuthFailed:  p.authFailed,
		Connections: len(p.conns),
		Max:         p.cfg.MaxConnection,
		RetryAt:     p.retryAt,
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	return s
}

// Start runs the supervisor until ctx is done or Drain is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.supervise()
}

func (p *Pool) kick() {
	select {
	case p.wakeup <- struct{}{}:
	default:
	}
}

func (p *Pool) supervise() {
	defer p.wg.Done()
	for {
		changed := p.src.Changed()
		wait := p.fill()

		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-p.ctx.Done():
		case <-changed:
		case <-p.wakeup:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if p.ctx.Err() != nil {
			return
		}
	}
}

// fill spawns workers while there is work and capacity. It returns how
// long to wait for a backoff to expire, or 0.
func (p *Pool) fill() time.Duration {
	id := p.ID()
	for {
		p.mu.Lock()
		now := time.Now()
		if p.draining || p.ctx.Err() != nil {
			p.mu.Unlock()
			return 0
		}
		if !p.availableLocked(now) {
			var wait time.Duration
			if p.cfg.On() && !p.authFailed && now.Before(p.retryAt) {
				wait = p.retryAt.Sub(now)
			}
			p.mu.Unlock()
			return wait
		}
		// While backing off, probe with a single connection.
		limit := p.cfg.MaxConnection
		if p.backoff.Attempts() > 0 {
			limit = 1
		}
		running := len(p.running)
		if running >= limit {
			p.mu.Unlock()
			return 0
		}
		p.mu.Unlock()

		// Asking the dispatcher takes the queue lock; never hold ours.
		if p.src.Pending(id, limit) <= running {
			return 0
		}

		p.mu.Lock()
		slot := -1
		for i := 0; i < limit; i++ {
			if _, busy := p.running[i]; !busy {
				slot = i
				break
			}
		}
		if slot < 0 || p.draining {
			p.mu.Unlock()
			return 0
		}
		wctx, cancel := context.WithCancel(p.ctx)
		p.running[slot] = cancel
		gen := p.gen
		p.workers.Add(1)
		p.mu.Unlock()

		go p.worker(wctx, slot, gen)
	}
}

// keep reports whether slot may continue after finishing an article.
func (p *Pool) keep(slot, gen int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.draining && p.cfg.On() && !p.authFailed && gen == p.gen && slot < p.cfg.MaxConnection
}

func (p *Pool) worker(ctx context.Context, slot, gen int) {
	defer p.workers.Done()
	id := p.ID()

	var conn *Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
		p.mu.Lock()
		if c, ok := p.conns[slot]; ok && c == conn {
			delete(p.conns, slot)
		}
		if cancel, ok := p.running[slot]; ok {
			cancel()
			delete(p.running, slot)
		}
		metrics.Connections.WithLabelValues(id).Set(float64(len(p.conns)))
		p.mu.Unlock()
		p.kick()
	}()

	p.mu.Lock()
	opts := p.opts
	idle := p.cfg.IdleTimeout
	p.mu.Unlock()

	c, err := Dial(ctx, opts, slot)
	if err != nil {
		p.connFailed(err)
		return
	}
	conn = c
	p.connOK(slot, conn)

	idleTimer := time.NewTimer(idle)
	defer idleTimer.Stop()

	for {
		if !p.keep(slot, gen) {
			return
		}
		changed := p.src.Changed()
		w, ok := p.src.Next(id)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.drained:
				return
			case <-changed:
				continue
			case <-idleTimer.C:
				p.log.Debug("Server %s slot %d idle, closing", id, slot)
				return
			}
		}

		res := p.fetch(ctx, conn, w)
		p.src.Report(res)

		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(idle)

		switch {
		case res.Outcome == domain.OutcomeAuthFail:
			p.authFail(res.Err)
			return
		case conn.State() == StateDisconnected:
			if res.Outcome == domain.OutcomeTransient && ctx.Err() == nil {
				p.connFailed(res.Err)
			}
			return
		}
	}
}

func (p *Pool) fetch(ctx context.Context, conn *Conn, w Work) Result {
	id := conn.ServerID()
	res := Result{Work: w, Server: id}
	if err := p.src.Throttle(ctx, w.Size); err != nil {
		res.Outcome, res.Err = domain.OutcomeAborted, err
		return res
	}
	body, err := conn.Body(ctx, w.MessageID, w.Groups)
	res.Body, res.Err = body, err
	res.Outcome = Classify(err)
	if err != nil && ctx.Err() != nil {
		res.Outcome = domain.OutcomeAborted
	}
	metrics.ArticlesTotal.WithLabelValues(id, string(res.Outcome)).Inc()
	if err == nil {
		metrics.BytesTotal.WithLabelValues(id).Add(float64(len(body)))
	}
	return res
}

func (p *Pool) connOK(slot int, c *Conn) {
	p.mu.Lock()
	p.conns[slot] = c
	p.backoff.Reset()
	p.retryAt = time.Time{}
	if p.cfg.On() && !p.authFailed {
		p.downSince = time.Time{}
	}
	p.lastErr = nil
	metrics.Connections.WithLabelValues(p.cfg.ID).Set(float64(len(p.conns)))
	p.mu.Unlock()
}

func (p *Pool) connFailed(err error) {
	if errors.Is(err, ErrAuthFailed) {
		p.authFail(err)
		return
	}
	p.mu.Lock()
	if p.ctx.Err() != nil || p.draining {
		p.mu.Unlock()
		return
	}
	delay := p.backoff.Next()
	p.retryAt = time.Now().Add(delay)
	if p.downSince.IsZero() {
		p.downSince = time.Now()
	}
	p.lastErr = err
	id := p.cfg.ID
	p.mu.Unlock()
	p.log.Warn("Server %s unavailable, retrying in %s: %v", id, delay.Round(time.Millisecond), err)
}

func (p *Pool) authFail(err error) {
	p.mu.Lock()
	if p.authFailed {
		p.mu.Unlock()
		return
	}
	p.authFailed = true
	p.lastErr = err
	if p.downSince.IsZero() {
		p.downSince = time.Now()
	}
	id, fn := p.cfg.ID, p.onAuthFail
	p.mu.Unlock()
	p.log.Warn("Server %s rejected credentials, disabled until they change: %v", id, err)
	if fn != nil {
		fn(id, err)
	}
}

// Drain stops handing out work; workers finish their current article.
func (p *Pool) Drain() {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()
	p.drainOnce.Do(func() { close(p.drained) })
	p.kick()
}

// Wait blocks until every worker exited or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close force-closes every connection and stops the supervisor.
func (p *Pool) Close() {
	p.Drain()
	p.mu.Lock()
	for _, c := range p.conns {
		c.ForceClose()
	}
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.workers.Wait()
	p.wg.Wait()
}

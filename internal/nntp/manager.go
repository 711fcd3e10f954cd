package nntp

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/datallboy/usenetd/internal/infra/config"
	"github.com/datallboy/usenetd/internal/infra/logger"
)

// Manager owns one Pool per configured server.
type Manager struct {
	src Source
	log *logger.Logger

	mu         sync.RWMutex
	pools      map[string]*Pool
	ctx        context.Context
	onAuthFail func(server string, err error)
	dial       DialFunc
	closing    sync.WaitGroup
}

func NewManager(servers []config.ServerConfig, src Source, log *logger.Logger) *Manager {
	m := &Manager{
		src:   src,
		log:   log,
		pools: make(map[string]*Pool),
	}
	for _, s := range servers {
		m.pools[s.ID] = NewPool(s, src, log)
	}
	return m
}

// OnAuthFail registers the alarm callback for every current and future pool.
func (m *Manager) OnAuthFail(fn func(server string, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAuthFail = fn
	for _, p := range m.pools {
		p.OnAuthFail(fn)
	}
}

// SetDialer replaces the dialer of every current and future pool.
func (m *Manager) SetDialer(d DialFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dial = d
	for _, p := range m.pools {
		p.SetDialer(d)
	}
}

func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
	for id, p := range m.pools {
		m.log.Info("Starting server %s (%d connections)", id, p.Config().MaxConnection)
		p.Start(ctx)
	}
}

// Apply reconciles the running pools with servers. New servers start,
// removed ones drain in the background and changed ones are updated in
// place.
func (m *Manager) Apply(servers []config.ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(servers))
	for _, s := range servers {
		seen[s.ID] = true
		if p, ok := m.pools[s.ID]; ok {
			p.Update(s)
			continue
		}
		p := NewPool(s, m.src, m.log)
		if m.onAuthFail != nil {
			p.OnAuthFail(m.onAuthFail)
		}
		if m.dial != nil {
			p.SetDialer(m.dial)
		}
		m.pools[s.ID] = p
		if m.ctx != nil {
			m.log.Info("Server %s added", s.ID)
			p.Start(m.ctx)
		}
	}

	for id, p := range m.pools {
		if seen[id] {
			continue
		}
		delete(m.pools, id)
		m.log.Info("Server %s removed, draining", id)
		m.retire(p)
	}
}

// retire lets in-flight articles finish within the server timeout.
func (m *Manager) retire(p *Pool) {
	p.Drain()
	grace := p.Config().Timeout
	m.closing.Add(1)
	go func() {
		defer m.closing.Done()
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		p.Wait(ctx)
		p.Close()
	}()
}

// Servers lists the configs of all pools ordered by priority, then id.
func (m *Manager) Servers() []config.ServerConfig {
	m.mu.RLock()
	out := make([]config.ServerConfig, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Config())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) Pool(id string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[id]
	return p, ok
}

// Available reports whether server id can take work. Unknown servers are
// never available.
func (m *Manager) Available(id string) (bool, time.Time) {
	p, ok := m.Pool(id)
	if !ok {
		return false, time.Time{}
	}
	return p.Available()
}

func (m *Manager) Statuses() []Status {
	servers := m.Servers()
	out := make([]Status, 0, len(servers))
	for _, s := range servers {
		if p, ok := m.Pool(s.ID); ok {
			out = append(out, p.Status())
		}
	}
	return out
}

func (m *Manager) each(fn func(*Pool)) {
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()
	for _, p := range pools {
		fn(p)
	}
}

// Drain stops every pool from taking new articles.
func (m *Manager) Drain() { m.each((*Pool).Drain) }

// Wait blocks until every worker finished its article or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	var err error
	m.each(func(p *Pool) {
		if werr := p.Wait(ctx); werr != nil {
			err = werr
		}
	})
	return err
}

// Close force-closes every connection.
func (m *Manager) Close() {
	m.each((*Pool).Close)
	m.closing.Wait()
}

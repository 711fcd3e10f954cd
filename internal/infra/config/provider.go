package config

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ChangeSet lists what differs between two configs, limited to the
// options that take effect without a restart. Anything else that changed
// is named in Restart.
type ChangeSet struct {
	LogLevel       bool     `json:"log_level"`
	Bandwidth      bool     `json:"bandwidth"`
	ServersAdded   []string `json:"servers_added,omitempty"`
	ServersRemoved []string `json:"servers_removed,omitempty"`
	ServersChanged []string `json:"servers_changed,omitempty"`
	Restart        []string `json:"restart,omitempty"`
}

func (c ChangeSet) Empty() bool {
	return !c.LogLevel && !c.Bandwidth && len(c.ServersAdded) == 0 &&
		len(c.ServersRemoved) == 0 && len(c.ServersChanged) == 0 && len(c.Restart) == 0
}

// Diff compares old and new.
func Diff(old, new *Config) ChangeSet {
	var cs ChangeSet
	cs.LogLevel = old.Log.Level != new.Log.Level
	cs.Bandwidth = old.Download.BandwidthBytes != new.Download.BandwidthBytes

	for _, s := range new.Servers {
		prev, ok := old.Server(s.ID)
		switch {
		case !ok:
			cs.ServersAdded = append(cs.ServersAdded, s.ID)
		case prev.On() != s.On() || prev.MaxConnection != s.MaxConnection ||
			!prev.SameCredentials(s) || prev.Addr() != s.Addr() || prev.TLS != s.TLS ||
			prev.StartTLS != s.StartTLS || prev.Priority != s.Priority || prev.FillOnly != s.FillOnly ||
			prev.Timeout != s.Timeout || prev.IdleTimeout != s.IdleTimeout || prev.RequireGroup != s.RequireGroup:
			cs.ServersChanged = append(cs.ServersChanged, s.ID)
		}
	}
	for _, s := range old.Servers {
		if _, ok := new.Server(s.ID); !ok {
			cs.ServersRemoved = append(cs.ServersRemoved, s.ID)
		}
	}

	if old.DataRoot != new.DataRoot {
		cs.Restart = append(cs.Restart, "data_root")
	}
	if old.Port != new.Port {
		cs.Restart = append(cs.Restart, "port")
	}
	if old.History != new.History {
		cs.Restart = append(cs.Restart, "history")
	}
	if old.PostProcess.Workers != new.PostProcess.Workers {
		cs.Restart = append(cs.Restart, "postprocess.workers")
	}
	if old.Download.Decoders != new.Download.Decoders {
		cs.Restart = append(cs.Restart, "download.decoders")
	}
	if !slices.Equal(old.Indexers, new.Indexers) {
		cs.Restart = append(cs.Restart, "indexers")
	}
	return cs
}

// Provider is the typed read-only view the rest of the process consumes.
// Current always returns a fully validated config; a failed Reload keeps
// the previous one.
type Provider struct {
	path string

	mu   sync.RWMutex
	cur  *Config
	subs []func(old, new *Config, cs ChangeSet)
}

// NewProvider loads path and returns a provider over it.
func NewProvider(path string) (*Provider, error) {
	path, err := ResolvePath(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(newViper(path))
	if err != nil {
		return nil, err
	}
	return &Provider{path: path, cur: cfg}, nil
}

// Static wraps an already-built config. Reload on a static provider
// re-validates the same config and reports no changes.
func Static(cfg *Config) *Provider {
	return &Provider{cur: cfg}
}

// Path is the file backing the provider, empty for static providers.
func (p *Provider) Path() string { return p.path }

// Current returns the active config. Callers must not mutate it.
func (p *Provider) Current() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

// Subscribe registers fn to run after every successful reload that
// changed something.
func (p *Provider) Subscribe(fn func(old, new *Config, cs ChangeSet)) {
	p.mu.Lock()
	p.subs = append(p.subs, fn)
	p.mu.Unlock()
}

// Reload re-reads the file. On error the old config is retained.
func (p *Provider) Reload() (ChangeSet, error) {
	if p.path == "" {
		return ChangeSet{}, nil
	}
	next, err := decode(newViper(p.path))
	if err != nil {
		return ChangeSet{}, fmt.Errorf("reload rejected: %w", err)
	}
	return p.swap(next), nil
}

// Replace installs cfg after validating it, as if it had been reloaded.
func (p *Provider) Replace(cfg *Config) (ChangeSet, error) {
	if err := cfg.validate(); err != nil {
		return ChangeSet{}, fmt.Errorf("reload rejected: %w", err)
	}
	return p.swap(cfg), nil
}

func (p *Provider) swap(next *Config) ChangeSet {
	p.mu.Lock()
	old := p.cur
	p.cur = next
	subs := slices.Clone(p.subs)
	p.mu.Unlock()

	cs := Diff(old, next)
	if !cs.Empty() {
		for _, fn := range subs {
			fn(old, next, cs)
		}
	}
	return cs
}

// Watch reloads on file change until ctx is done. Reload errors go to onErr.
func (p *Provider) Watch(ctx context.Context, onErr func(error)) {
	if p.path == "" {
		return
	}
	v := newViper(p.path)
	if err := v.ReadInConfig(); err != nil {
		onErr(err)
		return
	}

	events := make(chan fsnotify.Event, 1)
	v.OnConfigChange(func(e fsnotify.Event) {
		select {
		case events <- e:
		default:
		}
	})
	v.WatchConfig()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-events:
				if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
					continue
				}
				if _, err := p.Reload(); err != nil && onErr != nil {
					onErr(err)
				}
			}
		}
	}()
}


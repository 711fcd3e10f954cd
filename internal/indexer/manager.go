package indexer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/infra/logger"
)

// Manager resolves NZB references: "indexer:id" for a registered
// indexer, or an http(s) URL.
type Manager struct {
	mu       sync.RWMutex
	indexers map[string]Indexer
	http     *http.Client
	log      *logger.Logger
}

func NewManager(hc *http.Client, log *logger.Logger) *Manager {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Manager{indexers: make(map[string]Indexer), http: hc, log: log}
}

// AddIndexer registers an indexer (usually a CachedIndexer), replacing
// one with the same name.
func (m *Manager) AddIndexer(idx Indexer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexers[idx.Name()] = idx
}

// Names lists the registered indexers.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.indexers))
	for name := range m.indexers {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Fetch downloads the NZB ref points at.
func (m *Manager) Fetch(ctx context.Context, ref string) (*Download, error) {
	ref = strings.TrimSpace(ref)
	if u, err := url.Parse(ref); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		m.log.Debug("Fetching NZB from %s", u.Redacted())
		dl, err := Get(ctx, m.http, ref)
		if err != nil {
			return nil, domain.Wrap(domain.KindTransient, "", fmt.Errorf("fetch %s: %w", u.Redacted(), err))
		}
		return dl, nil
	}

	name, id, ok := strings.Cut(ref, ":")
	if !ok || id == "" {
		return nil, domain.Errorf(domain.KindInvalid, "", "nzb reference %q is neither a url nor indexer:id", ref)
	}
	m.mu.RLock()
	idx, found := m.indexers[name]
	m.mu.RUnlock()
	if !found {
		return nil, domain.Errorf(domain.KindNotFound, "", "indexer %q is not configured", name)
	}

	m.log.Debug("Fetching NZB %s from indexer %s", id, name)
	dl, err := idx.DownloadNZB(ctx, id)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "", err)
	}
	return dl, nil
}

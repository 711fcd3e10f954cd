// Package app builds the components of one usenetd process from its
// configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/datallboy/usenetd/internal/cache"
	"github.com/datallboy/usenetd/internal/control"
	"github.com/datallboy/usenetd/internal/engine"
	"github.com/datallboy/usenetd/internal/indexer"
	"github.com/datallboy/usenetd/internal/indexer/newsnab"
	"github.com/datallboy/usenetd/internal/infra/config"
	"github.com/datallboy/usenetd/internal/infra/logger"
	"github.com/datallboy/usenetd/internal/platform"
	"github.com/datallboy/usenetd/internal/processor"
	"github.com/datallboy/usenetd/internal/spool"
	"github.com/datallboy/usenetd/internal/store"
)

// Context holds the long-lived components and the handles that connect
// them. There is exactly one per process.
type Context struct {
	Config *config.Provider
	Logger *logger.Logger

	Spool    *spool.Spool
	Engine   *engine.Engine
	Pipeline *processor.Pipeline
	History  store.History
	Service  *control.Service
	Indexers *indexer.Manager

	Tools platform.Tools
}

// NewContext wires every component. Nothing runs until Service.Start.
func NewContext(ctx context.Context, cfg *config.Provider, log *logger.Logger) (*Context, error) {
	c := cfg.Current()

	sp, err := spool.New(c.IncompleteDir(), c.CompleteDir(), c.Download.MinFreeSpaceBytes)
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	history, err := store.Open(ctx, c.History, log)
	if err != nil {
		return nil, err
	}

	tools := platform.Discover(c.PostProcess)
	eng := engine.New(c, sp, log)
	pipe := processor.New(cfg, sp, eng.Queue, tools, log)

	indexers := newIndexers(c, log)
	svc := control.New(cfg, eng, pipe, history, log)
	svc.SetSource(indexers)

	return &Context{
		Config:   cfg,
		Logger:   log,
		Spool:    sp,
		Engine:   eng,
		Pipeline: pipe,
		History:  history,
		Service:  svc,
		Indexers: indexers,
		Tools:    tools,
	}, nil
}

// newIndexers registers every configured indexer behind the on-disk NZB
// cache. Indexer changes take effect after a restart.
func newIndexers(c *config.Config, log *logger.Logger) *indexer.Manager {
	m := indexer.NewManager(&http.Client{Timeout: time.Minute}, log)
	nzbCache := &cache.FileCache{Dir: c.NZBCacheDir()}
	for _, ic := range c.Indexers {
		client := newsnab.New(ic.Name, ic.URL, ic.APIKey, &http.Client{Timeout: ic.Timeout})
		m.AddIndexer(indexer.NewCachedIndexer(client, nzbCache))
	}
	if names := m.Names(); len(names) > 0 {
		log.Info("Indexers: %s", strings.Join(names, ", "))
	}
	return m
}

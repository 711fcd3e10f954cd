package control

import (
	"context"

	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/indexer"
	"github.com/datallboy/usenetd/internal/nzb"
)

// Source resolves an NZB reference such as a URL or "indexer:id".
type Source interface {
	Fetch(ctx context.Context, ref string) (*indexer.Download, error)
}

// SetSource enables AddURL. Call before Start.
func (s *Service) SetSource(src Source) { s.source = src }

// NZBOptions override what the NZB itself declares.
type NZBOptions struct {
	Name string

	// DefaultName names the job when neither Name nor the NZB head does.
	DefaultName string
	Category    string

	// Priority is a name or number; empty takes the category default.
	Priority string
	PP       *domain.PPLevel
	Script   string
	Password string
	Force    bool
}

// AddNZB parses an NZB document and admits it as one job.
func (s *Service) AddNZB(ctx context.Context, data []byte, opts NZBOptions) (uint64, error) {
	if err := authorize(ctx, CapAdd); err != nil {
		return 0, err
	}
	m, err := nzb.ParseBytes(data)
	if err != nil {
		return 0, err
	}

	spec := m.Spec(opts.DefaultName)
	if opts.Name != "" {
		spec.Name = opts.Name
	}
	if opts.Category != "" {
		spec.Category = opts.Category
	}
	if opts.Password != "" {
		spec.Password = opts.Password
	}
	rule := s.cfg.Current().Category(spec.Category)
	spec.Script = opts.Script
	if spec.Script == "" {
		spec.Script = rule.Script
	}
	prio := opts.Priority
	if prio == "" {
		prio = rule.Priority
	}
	if spec.Priority, err = domain.ParsePriority(prio); err != nil {
		return 0, err
	}
	spec.PP = opts.PP
	spec.Force = opts.Force
	return s.AddJob(ctx, spec)
}

// AddURL fetches the NZB ref points at and admits it. Names and
// categories sent by the indexer apply unless opts sets them.
func (s *Service) AddURL(ctx context.Context, ref string, opts NZBOptions) (uint64, error) {
	if err := authorize(ctx, CapAdd); err != nil {
		return 0, err
	}
	if s.closing.Load() {
		return 0, domain.ErrShutdown
	}
	if s.source == nil {
		return 0, domain.Errorf(domain.KindInvalid, "", "fetching by reference is not configured")
	}
	dl, err := s.source.Fetch(ctx, ref)
	if err != nil {
		return 0, err
	}
	if opts.DefaultName == "" {
		opts.DefaultName = dl.Name
	}
	if opts.Category == "" {
		opts.Category = dl.Category
	}
	return s.AddNZB(ctx, dl.Data, opts)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/infra/logger"
	"github.com/datallboy/usenetd/internal/spool"
)

// SnapshotStore reads and atomically replaces the queue snapshot file.
type SnapshotStore struct {
	Path string
	log  *logger.Logger
	now  func() time.Time
}

func NewSnapshotStore(path string, log *logger.Logger) *SnapshotStore {
	return &SnapshotStore{Path: path, log: log, now: time.Now}
}

// Load returns the persisted jobs. A missing file yields an empty queue;
// a corrupt one is rotated to <path>.bad and also yields an empty queue.
func (s *SnapshotStore) Load() ([]*domain.Job, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	jobs, at, err := DecodeSnapshot(data)
	if err != nil {
		bad := s.Path + ".bad"
		if rerr := os.Rename(s.Path, bad); rerr != nil {
			return nil, fmt.Errorf("rotate corrupt snapshot: %w", rerr)
		}
		s.log.Warn("Queue snapshot unreadable (%v), moved to %s; starting empty", err, bad)
		return nil, nil
	}
	s.log.Info("Restored %d jobs from snapshot written %s", len(jobs), at.Format(time.RFC3339))
	return jobs, nil
}

// Save writes data atomically.
func (s *SnapshotStore) Save(data []byte) error {
	return spool.WriteFileAtomic(s.Path, data, 0o600)
}

// Persister snapshots the queue on a timer and whenever the control
// plane asks for it.
type Persister struct {
	q        *Queue
	store    *SnapshotStore
	interval time.Duration
	log      *logger.Logger
}

func NewPersister(q *Queue, store *SnapshotStore, interval time.Duration, log *logger.Logger) *Persister {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Persister{q: q, store: store, interval: interval, log: log}
}

// Restore loads the snapshot into the queue.
func (p *Persister) Restore() ([]*domain.Job, error) {
	jobs, err := p.store.Load()
	if err != nil {
		return nil, err
	}
	p.q.restore(jobs)
	return jobs, nil
}

// Save encodes the queue under its lock and writes outside it.
func (p *Persister) Save() error {
	p.q.mu.Lock()
	data := EncodeSnapshot(p.q.jobs, p.store.now())
	p.q.takeDirtyLocked()
	p.q.mu.Unlock()

	if err := p.store.Save(data); err != nil {
		p.q.mu.Lock()
		p.q.dirty = true
		p.q.mu.Unlock()
		return err
	}
	return nil
}

func (p *Persister) saveIfDirty() {
	p.q.mu.Lock()
	dirty := p.q.dirty
	p.q.mu.Unlock()
	if !dirty {
		return
	}
	if err := p.Save(); err != nil {
		p.log.Error("Snapshot write failed: %v", err)
	}
}

// Run saves until ctx is done. The final snapshot is the caller's job.
func (p *Persister) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.saveIfDirty()
		case <-p.q.SaveRequested():
			p.saveIfDirty()
		}
	}
}

package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datallboy/usenetd/internal/spool"
)

const lockName = "lock"

var errLocked = errors.New("post-processing lock held")

// stageDone reports whether the marker for stage exists.
func (p *Pipeline) stageDone(id uint64, stage string) bool {
	_, err := os.Stat(filepath.Join(p.spool.StageDir(id), stage))
	return err == nil
}

// markStage records that stage completed, with optional content.
func (p *Pipeline) markStage(id uint64, stage, content string) error {
	dir := p.spool.StageDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return spool.WriteFileAtomic(filepath.Join(dir, stage), []byte(content), 0o644)
}

// readStage returns the content stored with a marker.
func (p *Pipeline) readStage(id uint64, stage string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(p.spool.StageDir(id), stage))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// lock takes the job's post-processing lock, retrying until ctx is done.
// The in-process guard is taken first, then the lock file for runners in
// other processes.
func (p *Pipeline) lock(ctx context.Context, id uint64) (func(), error) {
	if err := p.hold(ctx, id); err != nil {
		return nil, err
	}
	dir := p.spool.StageDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.unhold(id)
		return nil, err
	}
	path := filepath.Join(dir, lockName)
	for {
		release, err := tryLock(path)
		if err == nil {
			return func() {
				release()
				p.unhold(id)
			}, nil
		}
		if !errors.Is(err, errLocked) {
			p.unhold(id)
			return nil, err
		}
		select {
		case <-ctx.Done():
			p.unhold(id)
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// hold takes the in-process guard of job id, waiting until ctx is done.
func (p *Pipeline) hold(ctx context.Context, id uint64) error {
	for {
		p.mu.Lock()
		ch, busy := p.held[id]
		if !busy {
			p.held[id] = make(chan struct{})
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pipeline) unhold(id uint64) {
	p.mu.Lock()
	ch := p.held[id]
	delete(p.held, id)
	p.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Locked runs fn while holding job id's post-processing lock, waiting
// for a running stage to finish first.
func (p *Pipeline) Locked(ctx context.Context, id uint64, fn func() error) error {
	release, err := p.lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

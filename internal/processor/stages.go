package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/infra/config"
	"github.com/datallboy/usenetd/internal/repair"
	"github.com/datallboy/usenetd/internal/spool"
)

const destinationMarker = "destination"

type stage struct {
	name   string
	state  domain.JobState
	code   string
	marker bool
	run    func(ctx context.Context, w *work) error
	limit  func(config.StageTimeouts) time.Duration
}

func (s stage) timeout(t config.StageTimeouts) time.Duration {
	if s.limit == nil {
		return 0
	}
	return s.limit(t)
}

// stages lists what w still needs for its post-processing level.
func (p *Pipeline) stages(w *work) []stage {
	out := []stage{{
		name: "finalize", state: domain.StateVerifying, code: domain.CodeMove, marker: true,
		run: p.finalize,
	}}
	if w.pp >= domain.PPVerify {
		out = append(out, stage{
			name: "verify", state: domain.StateVerifying, code: domain.CodeVerification, marker: true,
			run: p.verify, limit: func(t config.StageTimeouts) time.Duration { return t.Verify },
		})
	}
	if w.pp >= domain.PPExtract {
		out = append(out, stage{
			name: "extract", state: domain.StateExtracting, code: domain.CodeExtraction, marker: true,
			run: p.extract, limit: func(t config.StageTimeouts) time.Duration { return t.Extract },
		})
	}
	return append(out,
		stage{
			name: "rename", code: domain.CodeRename, marker: true,
			run: p.rename, limit: func(t config.StageTimeouts) time.Duration { return t.Rename },
		},
		stage{
			name: "move", state: domain.StateMoving, code: domain.CodeMove, marker: true,
			run: p.move, limit: func(t config.StageTimeouts) time.Duration { return t.Move },
		},
	)
}

// finalize closes the scratch blobs at their decoded sizes and renames
// them to their real file names.
func (p *Pipeline) finalize(_ context.Context, w *work) error {
	sizes := make([]int64, len(w.files))
	names := make([]string, len(w.files))
	for i, f := range w.files {
		sizes[i] = f.size
		names[i] = domain.CleanName(f.name)
	}
	if err := p.spool.CloseBlobs(w.id, sizes); err != nil {
		return fmt.Errorf("failed to close blobs: %w", err)
	}

	for i, name := range uniqueNames(names) {
		blob := p.spool.BlobPath(w.id, w.files[i].index)
		if _, err := os.Stat(blob); errors.Is(err, os.ErrNotExist) {
			continue // never written, or renamed by an earlier run
		}
		if err := os.Rename(blob, filepath.Join(w.dir, name)); err != nil {
			return fmt.Errorf("finalize failed for %s: %w", name, err)
		}
		p.log.Debug("Finalized: %s", name)
	}
	return nil
}

// verify checks the par2 set and repairs when the damage is repairable.
func (p *Pipeline) verify(ctx context.Context, w *work) error {
	index, ok, err := repair.FindIndex(w.dir)
	if err != nil {
		return err
	}
	if !ok {
		p.warn(w.id, domain.Errorf(domain.KindStage, domain.CodeNoParity, "no par2 files, verification skipped"))
		return nil
	}

	repairer, err := repair.NewCLIPar2(p.tools.Par2, p.run)
	if err != nil {
		p.warn(w.id, domain.Errorf(domain.KindStage, domain.CodeNoParity, "cannot initialize repair engine: %v", err))
		return nil
	}

	p.log.Debug("PAR2 Index found: %s. Verifying...", index)
	result, err := repairer.Verify(ctx, w.dir, index)
	switch result {
	case repair.Healthy:
		p.log.Info("Job %d: all files verified healthy via PAR2.", w.id)
		return nil
	case repair.Repairable:
		p.log.Warn("Job %d: files are damaged. Attempting repair...", w.id)
		if err := repairer.Repair(ctx, w.dir, index); err != nil {
			return domain.Wrap(domain.KindStage, domain.CodeVerification, fmt.Errorf("PAR2 repair failed: %w", err))
		}
		p.log.Info("Job %d: repair complete.", w.id)
		return nil
	}
	return domain.Wrap(domain.KindStage, domain.CodeVerification, fmt.Errorf("PAR2 verification failed: %w", err))
}

// extract unpacks every top-level archive into _unpack, then archives
// found inside it for one more pass, or up to five with recursion on.
func (p *Pipeline) extract(ctx context.Context, w *work) error {
	depth := 1
	if p.cfg.Current().PostProcess.RecursiveExtract {
		depth = 5
	}
	unpack := filepath.Join(w.dir, unpackDir)
	done := map[string]bool{}
	scan := w.dir

	for pass := 0; pass <= depth; pass++ {
		found, unhandled, err := p.ext.DetectArchives(scan, done)
		if err != nil {
			return err
		}
		if pass == 0 && len(unhandled) > 0 {
			return domain.Errorf(domain.KindStage, domain.CodeExtraction,
				"no extractor available for %s", strings.Join(unhandled, ", "))
		}
		if len(found) == 0 {
			return nil
		}
		for _, a := range found {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.log.Info("Job %d: extracting %s (%s)", w.id, filepath.Base(a.path), a.extractor.Name())
			if err := a.extractor.Extract(ctx, a.path, unpack, w.password); err != nil {
				return domain.Wrap(domain.KindStage, domain.CodeExtraction, err)
			}
			done[a.path] = true
		}
		scan = unpack
	}
	return nil
}

// payloadDir is where the deliverable files live after extraction.
func payloadDir(w *work) string {
	unpack := filepath.Join(w.dir, unpackDir)
	if files, _ := payloadFiles(unpack); len(files) > 0 {
		return unpack
	}
	return w.dir
}

// rename gives a single obfuscated media file the job's name.
func (p *Pipeline) rename(_ context.Context, w *work) error {
	dir := payloadDir(w)
	infos, err := payloadFiles(dir)
	if err != nil {
		return err
	}
	var files []fileStat
	for _, fi := range infos {
		files = append(files, fileStat{name: fi.Name(), size: fi.Size()})
	}
	from, to := deobfuscatedName(domain.CleanName(w.name), files, p.cfg.Current().PostProcess.DeobfuscateMinBytes)
	if from == "" {
		return nil
	}
	target := filepath.Join(dir, to)
	if _, err := os.Lstat(target); err == nil {
		return nil
	}
	if err := os.Rename(filepath.Join(dir, from), target); err != nil {
		return err
	}
	p.log.Info("Job %d: renamed obfuscated %s to %s", w.id, from, to)
	return nil
}

// move promotes the payload to complete/<category>/<name>/. The chosen
// destination is recorded first so a rerun reuses it.
func (p *Pipeline) move(_ context.Context, w *work) error {
	dest, ok := p.readStage(w.id, destinationMarker)
	if !ok {
		dest = p.spool.Destination(w.rule.DirName(), w.name)
		if err := p.markStage(w.id, destinationMarker, dest); err != nil {
			return err
		}
	}
	skip := skipFunc(w.pp >= domain.PPDelete, cleanupSet(p.cfg.Current().PostProcess.CleanupExtensions))
	if err := spool.Promote(w.dir, dest, skip); err != nil {
		return err
	}
	unpack := filepath.Join(w.dir, unpackDir)
	if _, err := os.Stat(unpack); err == nil {
		if err := spool.Promote(unpack, dest, skip); err != nil {
			return err
		}
	}
	_ = p.q.Update(w.id, func(j *domain.Job) error {
		j.Destination = dest
		return nil
	})
	return nil
}

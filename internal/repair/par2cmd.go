// Package repair verifies and repairs downloads with par2.
package repair

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/datallboy/usenetd/internal/platform"
)

// Result of a verify run.
type Result int

const (
	Healthy Result = iota
	Repairable
	Unrepairable
)

type CLIPar2 struct {
	BinaryPath string
	run        *platform.Runner
}

func NewCLIPar2(bin string, run *platform.Runner) (*CLIPar2, error) {
	if bin == "" {
		return nil, errors.New("par2 binary not found in PATH")
	}
	return &CLIPar2{BinaryPath: bin, run: run}, nil
}

// Verify checks the set described by index. dir is the working directory.
func (c *CLIPar2) Verify(ctx context.Context, dir, index string) (Result, error) {
	// 'v' is verify, '-q' is quiet
	_, err := c.run.Run(ctx, dir, nil, c.BinaryPath, "v", "-q", index)
	if err == nil {
		return Healthy, nil // Exit code 0
	}
	if ctx.Err() != nil {
		return Unrepairable, err
	}

	if platform.ExitCode(err) == 1 {
		return Repairable, nil // Damaged but repairable
	}
	return Unrepairable, err // Unrepairable or hard error (exit code 2+)
}

// Repair rebuilds damaged or missing files from the recovery volumes.
func (c *CLIPar2) Repair(ctx context.Context, dir, index string) error {
	// 'r' is repair
	_, err := c.run.Run(ctx, dir, nil, c.BinaryPath, "r", "-q", index)
	return err
}

// FindIndex returns the main par2 file of dir: the one without a .volNN
// block, or the smallest volume when only volumes exist. ok is false when
// dir holds no par2 files.
func FindIndex(dir string) (string, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false, err
	}
	type cand struct {
		name string
		size int64
		vol  bool
	}
	var found []cand
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".par2") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return "", false, err
		}
		found = append(found, cand{
			name: e.Name(),
			size: info.Size(),
			vol:  strings.Contains(strings.ToLower(e.Name()), ".vol"),
		})
	}
	if len(found) == 0 {
		return "", false, nil
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].vol != found[j].vol {
			return !found[i].vol
		}
		if found[i].size != found[j].size {
			return found[i].size < found[j].size
		}
		return found[i].name < found[j].name
	})
	return found[0].name, true, nil
}

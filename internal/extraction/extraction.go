// Package extraction drives the external archive tools.
package extraction

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/datallboy/usenetd/internal/platform"
)

// Extractor defines the behavior for extracting compressed archives.
type Extractor interface {
	// Extract unpacks the archive at archivePath into destDir.
	Extract(ctx context.Context, archivePath, destDir, password string) error

	// CanExtract checks if this extractor handles the file. Only the first
	// volume of a multi-volume set qualifies.
	CanExtract(filePath string) (bool, error)

	// Name returns the human-readable name of this extractor (e.g. "RAR", "ZIP").
	Name() string
}

// Available returns an extractor for every tool that was found.
func Available(t platform.Tools, run *platform.Runner) []Extractor {
	var out []Extractor
	if t.Unrar != "" {
		out = append(out, &CLIUnrar{BinaryPath: t.Unrar, run: run})
	}
	if t.Unzip != "" {
		out = append(out, &CLIUnzip{BinaryPath: t.Unzip, run: run})
	}
	if t.SevenZip != "" {
		out = append(out, &CLI7z{BinaryPath: t.SevenZip, run: run})
	}
	return out
}

var (
	rarVolume   = regexp.MustCompile(`(?i)(\.part\d+\.rar|\.r\d{2,3}|\.s\d{2})$`)
	zipVolume   = regexp.MustCompile(`(?i)\.z\d{2}$`)
	sevenVolume = regexp.MustCompile(`(?i)\.7z\.\d{3}$`)
	parVolume   = regexp.MustCompile(`(?i)\.par2$`)
)

// IsArchivePart reports whether name belongs to an archive or parity set,
// which makes it source material rather than payload.
func IsArchivePart(name string) bool {
	lower := strings.ToLower(name)
	switch filepath.Ext(lower) {
	case ".rar", ".zip", ".7z", ".par2":
		return true
	}
	return rarVolume.MatchString(lower) || zipVolume.MatchString(lower) ||
		sevenVolume.MatchString(lower) || parVolume.MatchString(lower)
}

// hasSignature checks the first bytes of filePath against each signature.
func hasSignature(filePath string, sigs ...[]byte) (bool, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return false, err
	}
	defer file.Close()

	header := make([]byte, 8)
	n, err := file.Read(header)
	if err != nil {
		if n == 0 {
			return false, nil
		}
		return false, err
	}
	for _, sig := range sigs {
		if n >= len(sig) && bytes.Equal(header[:len(sig)], sig) {
			return true, nil
		}
	}
	return false, nil
}

func run(ctx context.Context, r *platform.Runner, name, bin, destDir string, args ...string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create extraction dir: %w", err)
	}
	if _, err := r.Run(ctx, destDir, nil, bin, args...); err != nil {
		return fmt.Errorf("%s extraction failed: %w", name, err)
	}
	return nil
}

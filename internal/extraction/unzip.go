package extraction

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/datallboy/usenetd/internal/platform"
)

// ZIP file signatures (magic bytes)
var zipSignatures = [][]byte{
	{0x50, 0x4B, 0x03, 0x04}, // Standard ZIP
	{0x50, 0x4B, 0x05, 0x06}, // Empty ZIP
	{0x50, 0x4B, 0x07, 0x08}, // Spanned ZIP
}

type CLIUnzip struct {
	BinaryPath string
	run        *platform.Runner
}

// Name returns the extractor name
func (u *CLIUnzip) Name() string {
	return "ZIP"
}

// CanExtract checks if the file is a ZIP archive
func (u *CLIUnzip) CanExtract(filePath string) (bool, error) {
	if !strings.HasSuffix(strings.ToLower(filepath.Base(filePath)), ".zip") {
		return false, nil
	}

	isZip, err := hasSignature(filePath, zipSignatures...)
	if err != nil {
		return false, fmt.Errorf("failed to verify ZIP signature: %w", err)
	}
	return isZip, nil
}

// Extract extracts the ZIP archive to the destination directory
func (u *CLIUnzip) Extract(ctx context.Context, archivePath, destDir, password string) error {
	// -o = overwrite existing files
	// -q = quiet mode
	args := []string{"-o", "-q"}
	if password != "" {
		args = append(args, "-P", password)
	}
	args = append(args, archivePath, "-d", destDir)
	return run(ctx, u.run, u.Name(), u.BinaryPath, destDir, args...)
}

package extraction

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/datallboy/usenetd/internal/platform"
)

// 7z file signature (magic bytes)
var sevenZipSignature = []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}

type CLI7z struct {
	BinaryPath string
	run        *platform.Runner
}

// Name returns the extractor name
func (z *CLI7z) Name() string {
	return "7-Zip"
}

// CanExtract checks if the file is a 7z archive or the first volume of a
// split one.
func (z *CLI7z) CanExtract(filePath string) (bool, error) {
	lower := strings.ToLower(filepath.Base(filePath))

	if !strings.HasSuffix(lower, ".7z") && !strings.HasSuffix(lower, ".7z.001") {
		return false, nil
	}

	is7z, err := hasSignature(filePath, sevenZipSignature)
	if err != nil {
		return false, fmt.Errorf("failed to verify 7z signature: %w", err)
	}
	return is7z, nil
}

// Extract extracts the 7z archive to the destination directory
func (z *CLI7z) Extract(ctx context.Context, archivePath, destDir, password string) error {
	// x = extract with full paths
	// -o = output directory (no space between -o and path)
	// -y = assume yes on all queries
	// -p = password; an empty one stops 7z from prompting
	return run(ctx, z.run, z.Name(), z.BinaryPath, destDir,
		"x", "-o"+destDir, "-y", "-p"+password, archivePath)
}

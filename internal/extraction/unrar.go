package extraction

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/datallboy/usenetd/internal/platform"
)

// RAR file signatures (magic bytes)
var rarSignatures = [][]byte{
	{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00},       // RAR 1.5+
	{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}, // RAR 5.0+
}

var rarPart = regexp.MustCompile(`(?i)\.part0*(\d+)\.rar$`)

type CLIUnrar struct {
	BinaryPath string
	run        *platform.Runner
}

// Name returns the extractor name
func (u *CLIUnrar) Name() string {
	return "RAR"
}

// CanExtract checks if the file is a RAR archive by verifying:
// 1. File extension (.rar)
// 2. Magic bytes (file signature)
// 3. For multi-part archives, only extract the first part
func (u *CLIUnrar) CanExtract(filePath string) (bool, error) {
	lower := strings.ToLower(filepath.Base(filePath))

	if !strings.HasSuffix(lower, ".rar") {
		return false, nil
	}

	if m := rarPart.FindStringSubmatch(lower); m != nil && m[1] != "1" {
		return false, nil // Skip other parts
	}

	isRar, err := hasSignature(filePath, rarSignatures...)
	if err != nil {
		return false, fmt.Errorf("failed to verify RAR signature: %w", err)
	}
	return isRar, nil
}

// Extract extracts the RAR archive to the destination directory
func (u *CLIUnrar) Extract(ctx context.Context, archivePath, destDir, password string) error {
	// x = extract with full paths
	// -o+ = overwrite existing files
	// -y = assume yes on all queries (non-interactive)
	// -kb = keep broken
	args := []string{"x", "-o+", "-y", "-kb"}

	if password != "" {
		args = append(args, "-p"+password)
	} else {
		args = append(args, "-p-")
	}

	args = append(args, archivePath, destDir+string(filepath.Separator))
	return run(ctx, u.run, u.Name(), u.BinaryPath, destDir, args...)
}

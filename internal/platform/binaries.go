package platform

import (
	"os/exec"

	"github.com/datallboy/usenetd/internal/infra/config"
	"github.com/datallboy/usenetd/internal/infra/logger"
)

// Tools holds resolved paths of the external helpers. An empty path means
// the tool is unavailable.
type Tools struct {
	Par2     string
	Unrar    string
	SevenZip string
	Unzip    string
	Nice     string
	IONice   string
}

// OptionalExtractorBinaries maps a binary to the format it unlocks.
var OptionalExtractorBinaries = map[string]string{
	"unrar": "RAR",
	"unzip": "ZIP",
	"7z":    "7-Zip",
	"7za":   "7-Zip",
}

// lookup returns configured when set, otherwise the first name found in PATH.
func lookup(configured string, names ...string) string {
	if configured != "" {
		if path, err := exec.LookPath(configured); err == nil {
			return path
		}
		return ""
	}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// Discover resolves every helper, preferring the paths in cfg.
func Discover(cfg config.PostProcessConfig) Tools {
	t := Tools{
		Par2:     lookup(cfg.Par2Path, "par2"),
		Unrar:    lookup(cfg.UnrarPath, "unrar"),
		SevenZip: lookup(cfg.SevenZipPath, "7z", "7za"),
		Unzip:    lookup(cfg.UnzipPath, "unzip"),
	}
	if cfg.Nice != 0 {
		t.Nice = lookup("", "nice")
	}
	if cfg.IONiceClass != 0 {
		t.IONice = lookup("", "ionice")
	}
	return t
}

// Report logs which features are disabled by missing helpers.
func (t Tools) Report(log *logger.Logger) {
	if t.Par2 == "" {
		log.Warn("par2 not found. Verification and repair will be skipped.")
	}
	for bin, path := range map[string]string{"unrar": t.Unrar, "unzip": t.Unzip, "7z": t.SevenZip} {
		if path == "" {
			format := OptionalExtractorBinaries[bin]
			log.Info("%s (%s) not found. %s extraction will be disabled.", bin, format, format)
		}
	}
}

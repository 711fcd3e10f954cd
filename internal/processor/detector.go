package processor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/datallboy/usenetd/internal/extraction"
)

// Manager handles multiple extractors and determines which to use
type Manager struct {
	extractors []extraction.Extractor
}

// NewManager wraps the extractors whose tools were found.
func NewManager(extractors []extraction.Extractor) *Manager {
	return &Manager{extractors: extractors}
}

// AvailableExtractors returns the names of available extractors
func (m *Manager) AvailableExtractors() []string {
	names := make([]string, len(m.extractors))
	for i, ext := range m.extractors {
		names[i] = ext.Name()
	}
	return names
}

// HasExtractors returns true if any extractors are available
func (m *Manager) HasExtractors() bool {
	return len(m.extractors) > 0
}

// archive pairs a first volume with the extractor that claimed it.
type archive struct {
	path      string
	extractor extraction.Extractor
}

// formatOf names the extractor a first volume needs, or "".
func formatOf(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".rar"):
		// Later parts are claimed through their first volume.
		if m := partNumber.FindStringSubmatch(lower); m != nil && m[1] != "1" {
			return ""
		}
		return "RAR"
	case strings.HasSuffix(lower, ".zip"):
		return "ZIP"
	case strings.HasSuffix(lower, ".7z"), strings.HasSuffix(lower, ".7z.001"):
		return "7-Zip"
	}
	return ""
}

// DetectArchives scans dir and returns archives that need extraction,
// skipping paths in done. unhandled lists archives whose format has no
// available extractor.
func (m *Manager) DetectArchives(dir string, done map[string]bool) (found []archive, unhandled []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if done[path] {
			continue
		}
		claimed := false
		// Try each extractor to see if it can handle this file
		for _, extractor := range m.extractors {
			canExtract, err := extractor.CanExtract(path)
			if err != nil {
				return nil, nil, fmt.Errorf("error checking if %s can extract %s: %w",
					extractor.Name(), e.Name(), err)
			}
			if canExtract {
				found = append(found, archive{path: path, extractor: extractor})
				claimed = true
				break // Found a matching extractor, move to next file
			}
		}
		if !claimed {
			if format := formatOf(e.Name()); format != "" && !m.has(format) {
				unhandled = append(unhandled, e.Name())
			}
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].path < found[j].path })
	return found, unhandled, nil
}

func (m *Manager) has(name string) bool {
	for _, ext := range m.extractors {
		if ext.Name() == name {
			return true
		}
	}
	return false
}

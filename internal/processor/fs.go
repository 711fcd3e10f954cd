package processor

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/datallboy/usenetd/internal/extraction"
)

// unpackDir receives extracted files inside the job directory.
const unpackDir = "_unpack"

var (
	partNumber = regexp.MustCompile(`\.part0*(\d+)\.rar$`)
	blobName   = regexp.MustCompile(`^file\d{4}\.part$`)
)

// cleanupSet normalises the configured extensions to ".ext" keys.
func cleanupSet(exts []string) map[string]struct{} {
	m := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		m[e] = struct{}{}
	}
	return m
}

// cleanupExtensions checks if a filename matches the user's cleanup list
func cleanupExtensions(fileName string, cleanupMap map[string]struct{}) bool {
	_, exists := cleanupMap[filepath.Ext(strings.ToLower(fileName))]
	return exists
}

// internalName reports spool bookkeeping entries that are never payload.
func internalName(name string) bool {
	return strings.HasPrefix(name, ".") || name == unpackDir || blobName.MatchString(name)
}

// skipFunc decides which entries stay behind when a job is promoted.
// With deleteSource, archive and parity sets and the cleanup list go too.
func skipFunc(deleteSource bool, cleanup map[string]struct{}) func(string) bool {
	return func(name string) bool {
		if internalName(name) {
			return true
		}
		return deleteSource && (extraction.IsArchivePart(name) || cleanupExtensions(name, cleanup))
	}
}

// uniqueNames resolves clashes in final file names by suffixing a
// counter before the extension.
func uniqueNames(names []string) []string {
	out := make([]string, len(names))
	taken := map[string]bool{}
	for i, name := range names {
		cand := name
		if internalName(cand) {
			cand = "_" + strings.TrimLeft(cand, ".")
		}
		ext := filepath.Ext(cand)
		base := strings.TrimSuffix(cand, ext)
		for n := 1; taken[strings.ToLower(cand)]; n++ {
			cand = base + "." + strconv.Itoa(n) + ext
		}
		taken[strings.ToLower(cand)] = true
		out[i] = cand
	}
	return out
}

// payloadFiles lists regular payload files directly under dir.
func payloadFiles(dir string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []os.FileInfo
	for _, e := range entries {
		if e.IsDir() || internalName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

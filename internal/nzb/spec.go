package nzb

import (
	"fmt"
	"html"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/datallboy/usenetd/internal/domain"
)

var (
	reYenc     = regexp.MustCompile(`(?i)\s+yenc.*$`)
	reLead     = regexp.MustCompile(`^\[\d+/\d+\]\s+`)
	reCounter  = regexp.MustCompile(`\s*[\[(]\d+/\d+[\])]\s*$`)
	badChars   = regexp.MustCompile(`[\\/:*?"<>|]`)
	rePassword = regexp.MustCompile(`\{\{(.+?)\}\}`)
)

// FileName extracts a file name from a Usenet subject and removes
// OS-illegal characters.
func FileName(subject string) string {
	res := html.UnescapeString(subject)

	// Try pattern A: Contents inside double quotes
	firstQuote := strings.Index(res, "\"")
	lastQuote := strings.LastIndex(res, "\"")
	if firstQuote != -1 && lastQuote != -1 && firstQuote < lastQuote {
		res = res[firstQuote+1 : lastQuote]
	} else {
		// Pattern B: strip the yEnc suffix and part counters
		res = reYenc.ReplaceAllString(res, "")
		res = reLead.ReplaceAllString(res, "")
		res = reCounter.ReplaceAllString(res, "")
	}

	res = badChars.ReplaceAllString(res, "_")
	return strings.TrimSpace(res)
}

// NameFromPath is the job name for an NZB file: its base name without
// the extension.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Spec converts m into a job spec. The name, category and password
// come from the NZB head when present; a "{{password}}" suffix on the
// name is honoured too. Segments are ordered by number with duplicates
// dropped.
func (m *Model) Spec(fallbackName string) domain.JobSpec {
	name := strings.TrimSpace(m.Value("name"))
	if name == "" {
		name = fallbackName
	}
	spec := domain.JobSpec{
		Category: strings.TrimSpace(m.Value("category")),
		Password: strings.TrimSpace(m.Value("password")),
	}
	if match := rePassword.FindStringSubmatch(name); match != nil {
		if spec.Password == "" {
			spec.Password = match[1]
		}
		name = strings.TrimSpace(rePassword.ReplaceAllString(name, ""))
	}
	spec.Name = name

	for i, f := range m.Files {
		fileName := FileName(f.Subject)
		if fileName == "" {
			fileName = fmt.Sprintf("%s.%03d", domain.CleanName(name), i+1)
		}
		fs := domain.FileSpec{Name: fileName, Groups: slices.Clone(f.Groups)}

		segs := slices.Clone(f.Segments)
		slices.SortStableFunc(segs, func(a, b Segment) int { return a.Number - b.Number })
		seen := map[int]bool{}
		for _, s := range segs {
			id := strings.Trim(strings.TrimSpace(s.MessageID), "<>")
			if id == "" || seen[s.Number] {
				continue
			}
			seen[s.Number] = true
			fs.Segments = append(fs.Segments, domain.SegmentSpec{Number: s.Number, Bytes: s.Bytes, MessageID: id})
		}
		if len(fs.Segments) > 0 {
			spec.Files = append(spec.Files, fs)
		}
	}
	return spec
}

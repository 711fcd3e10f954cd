package domain

import (
	"path"
	"sort"
	"strings"
	"time"
)

// SegmentSpec names one article of a file.
type SegmentSpec struct {
	Number    int    `json:"number"`
	Bytes     int64  `json:"bytes"`
	MessageID string `json:"message_id"`
}

// FileSpec describes one target file of a new job.
type FileSpec struct {
	Name     string        `json:"name"`
	Groups   []string      `json:"groups"`
	Segments []SegmentSpec `json:"segments"`
}

// JobSpec is everything needed to admit a job.
type JobSpec struct {
	Name     string     `json:"name"`
	Category string     `json:"category,omitempty"`
	Priority Priority   `json:"priority"`
	PP       *PPLevel   `json:"pp,omitempty"`
	Script   string     `json:"script,omitempty"`
	Password string     `json:"password,omitempty"`
	Files    []FileSpec `json:"files"`
	// RequiredCompleteness overrides the configured threshold when non-zero.
	RequiredCompleteness uint8 `json:"required_completeness,omitempty"`
	// Force admits the job even when it duplicates a known fingerprint.
	Force bool `json:"force,omitempty"`
}

// SegmentCount is the number of articles the job will own.
func (s *JobSpec) SegmentCount() int {
	n := 0
	for _, f := range s.Files {
		n += len(f.Segments)
	}
	return n
}

// SizeEstimate sums declared segment sizes.
func (s *JobSpec) SizeEstimate() int64 {
	var n int64
	for _, f := range s.Files {
		for _, seg := range f.Segments {
			n += seg.Bytes
		}
	}
	return n
}

// Validate rejects specs the queue cannot hold.
func (s *JobSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return Errorf(KindInvalid, "", "job name is empty")
	}
	if len(s.Files) == 0 {
		return Errorf(KindInvalid, "", "job %q has no files", s.Name)
	}
	if s.PP != nil && !s.PP.Valid() {
		return Errorf(KindInvalid, "", "pp level %d out of range", *s.PP)
	}
	if s.Priority < PriorityHigh || s.Priority > PriorityPaused {
		return Errorf(KindInvalid, "", "priority %d out of range", s.Priority)
	}
	for i, f := range s.Files {
		if f.Name == "" {
			return Errorf(KindInvalid, "", "file %d has no name", i)
		}
		if len(f.Segments) == 0 {
			return Errorf(KindInvalid, "", "file %q has no segments", f.Name)
		}
		for _, seg := range f.Segments {
			if seg.MessageID == "" {
				return Errorf(KindInvalid, "", "file %q segment %d has no message-id", f.Name, seg.Number)
			}
		}
	}
	return nil
}

// CleanName strips directories and characters unsafe in file names.
func CleanName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '|', '?', '*', 0:
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
	name = strings.Trim(name, " .")
	if name == "" || name == "/" {
		return "unnamed"
	}
	return name
}

// Build materialises the spec as a queued job. Segments are sorted by
// number and given estimated offsets until their yEnc headers arrive.
func (s *JobSpec) Build(id uint64, pp PPLevel, completeness uint8, now time.Time) *Job {
	j := &Job{
		ID:                   id,
		Name:                 CleanName(s.Name),
		Category:             s.Category,
		Priority:             s.Priority,
		PP:                   pp,
		Script:               s.Script,
		Password:             s.Password,
		CreatedAt:            now,
		UpdatedAt:            now,
		SizeEstimate:         s.SizeEstimate(),
		State:                StateQueued,
		RequiredCompleteness: completeness,
		Fingerprint:          s.Fingerprint(),
	}
	if j.Priority == PriorityPaused {
		j.Priority = PriorityNormal
		j.Paused = true
	}
	if s.RequiredCompleteness > 0 && s.RequiredCompleteness <= 100 {
		j.RequiredCompleteness = s.RequiredCompleteness
	}

	for _, fs := range s.Files {
		segs := append([]SegmentSpec(nil), fs.Segments...)
		sort.SliceStable(segs, func(a, b int) bool { return segs[a].Number < segs[b].Number })

		// ExpectedSize stays unknown until the first =ybegin arrives; NZB
		// byte counts are encoded sizes.
		f := &File{Name: CleanName(fs.Name), Groups: append([]string(nil), fs.Groups...)}
		var off int64
		for _, seg := range segs {
			f.Articles = append(f.Articles, &Article{
				MessageID: seg.MessageID,
				Segment:   seg.Number,
				Offset:    off,
				Length:    seg.Bytes,
			})
			off += seg.Bytes
		}
		j.Files = append(j.Files, f)
		j.Counters.ArticlesTotal += uint64(len(f.Articles))
	}
	return j
}

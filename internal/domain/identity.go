package domain

import (
	"encoding/hex"
	"io"
	"sort"

	"github.com/zeebo/blake3"
)

// CalculateFileHash generates the BLAKE3 fingerprint of raw NZB bytes.
func CalculateFileHash(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Fingerprint identifies a job by its article set, independent of file
// names or ordering inside the NZB, so re-posted copies still match.
func (s *JobSpec) Fingerprint() string {
	ids := make([]string, 0, s.SegmentCount())
	for _, f := range s.Files {
		for _, seg := range f.Segments {
			ids = append(ids, seg.MessageID)
		}
	}
	return fingerprint(ids)
}

// ComputeFingerprint recomputes the fingerprint from the job's articles.
func (j *Job) ComputeFingerprint() string {
	var ids []string
	for _, f := range j.Files {
		for _, a := range f.Articles {
			ids = append(ids, a.MessageID)
		}
	}
	return fingerprint(ids)
}

func fingerprint(ids []string) string {
	sort.Strings(ids)
	h := blake3.New()
	for _, id := range ids {
		_, _ = h.Write([]byte(id))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

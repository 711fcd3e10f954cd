// Package spool owns the on-disk working area: per-job directories under
// incomplete/, scratch blobs, free-space admission and promotion into
// complete/.
package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/datallboy/usenetd/internal/domain"
)

const (
	stageDir    = ".stages"
	sidecarName = ".meta.cbor"
)

// Spool manages incomplete/ and complete/ under one data root.
type Spool struct {
	incomplete string
	complete   string

	mu       sync.Mutex
	minFree  int64
	reserved map[uint64]int64

	// freeSpace is swapped in tests.
	freeSpace func(path string) (int64, error)

	Writer *FileWriter
}

// New creates incomplete and complete when missing.
func New(incomplete, complete string, minFree int64) (*Spool, error) {
	for _, dir := range []string{incomplete, complete} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("spool: %w", err)
		}
	}
	return &Spool{
		incomplete: incomplete,
		complete:   complete,
		minFree:    minFree,
		reserved:   make(map[uint64]int64),
		freeSpace:  freeBytes,
		Writer:     NewFileWriter(),
	}, nil
}

func (s *Spool) IncompleteRoot() string { return s.incomplete }
func (s *Spool) CompleteRoot() string   { return s.complete }

// JobDir is incomplete/<jobid>.
func (s *Spool) JobDir(id uint64) string {
	return filepath.Join(s.incomplete, strconv.FormatUint(id, 10))
}

// BlobName is the scratch blob name of the file at index.
func BlobName(index int) string { return fmt.Sprintf("file%04d.part", index) }

// BlobPath is the scratch blob of file index in job id.
func (s *Spool) BlobPath(id uint64, index int) string {
	return filepath.Join(s.JobDir(id), BlobName(index))
}

// StageDir holds post-processing markers for job id.
func (s *Spool) StageDir(id uint64) string {
	return filepath.Join(s.JobDir(id), stageDir)
}

// SetMinFree changes the free-space floor.
func (s *Spool) SetMinFree(n int64) {
	s.mu.Lock()
	s.minFree = n
	s.mu.Unlock()
}

// FreeSpace reports bytes available under incomplete/.
func (s *Spool) FreeSpace() (int64, error) { return s.freeSpace(s.incomplete) }

// Reserved is the sum of outstanding reservations.
func (s *Spool) Reserved() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservedLocked()
}

func (s *Spool) reservedLocked() int64 {
	var n int64
	for _, r := range s.reserved {
		n += r
	}
	return n
}

// Allocate checks free space for a job of size bytes, reserves it and
// creates the job directory. It fails with disk-full when the projected
// usage would dip below the floor.
func (s *Spool) Allocate(id uint64, size int64) error {
	free, err := s.FreeSpace()
	if err != nil {
		return fmt.Errorf("spool: statfs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if need := size + s.reservedLocked() + s.minFree; free < need {
		return &domain.Error{Kind: domain.KindAdmission, Code: domain.CodeDiskFull,
			Msg: fmt.Sprintf("need %s free, have %s", humanize.Bytes(uint64(need)), humanize.Bytes(uint64(max(free, 0))))}
	}
	if err := os.MkdirAll(s.JobDir(id), 0o755); err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	s.reserved[id] = size
	return nil
}

// Adopt re-registers a restored job without a free-space check.
func (s *Spool) Adopt(id uint64, remaining int64) error {
	if err := os.MkdirAll(s.JobDir(id), 0o755); err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	s.mu.Lock()
	s.reserved[id] = max(remaining, 0)
	s.mu.Unlock()
	return nil
}

// BelowFloor reports whether free space minus reservations is under the floor.
func (s *Spool) BelowFloor() (bool, error) {
	free, err := s.FreeSpace()
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return free-s.reservedLocked() < s.minFree, nil
}

// WriteAt writes one decoded segment into the scratch blob and shrinks
// the job's reservation by the bytes written.
func (s *Spool) WriteAt(id uint64, index int, data []byte, offset int64) error {
	if err := s.Writer.WriteAt(s.BlobPath(id, index), data, offset); err != nil {
		return err
	}
	s.mu.Lock()
	if r, ok := s.reserved[id]; ok {
		s.reserved[id] = max(r-int64(len(data)), 0)
	}
	s.mu.Unlock()
	return nil
}

// CloseBlobs closes the job's blobs, truncating each to its size.
func (s *Spool) CloseBlobs(id uint64, sizes []int64) error {
	var errs []error
	for i, size := range sizes {
		path := s.BlobPath(id, i)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			_ = s.Writer.CloseFile(path, 0)
			continue
		}
		if err := s.Writer.CloseFile(path, size); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Release drops the job's reservation.
func (s *Spool) Release(id uint64) {
	s.mu.Lock()
	delete(s.reserved, id)
	s.mu.Unlock()
}

// Remove deletes the job directory and its reservation.
func (s *Spool) Remove(id uint64, files int) error {
	for i := 0; i < files; i++ {
		_ = s.Writer.CloseFile(s.BlobPath(id, i), 0)
	}
	s.Release(id)
	if err := os.RemoveAll(s.JobDir(id)); err != nil {
		return fmt.Errorf("spool: remove job %d: %w", id, err)
	}
	return nil
}

// Orphans lists job directories with a sidecar whose id is not in known.
func (s *Spool) Orphans(known func(id uint64) bool) ([]uint64, error) {
	entries, err := os.ReadDir(s.incomplete)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil || known(id) {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.incomplete, e.Name(), sidecarName)); err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

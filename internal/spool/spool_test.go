package spool

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/datallboy/usenetd/internal/domain"
)

func newTestSpool(t *testing.T, free, minFree int64) *Spool {
	t.Helper()
	root := t.TempDir()
	s, err := New(filepath.Join(root, "incomplete"), filepath.Join(root, "complete"), minFree)
	if err != nil {
		t.Fatal(err)
	}
	s.freeSpace = func(string) (int64, error) { return free, nil }
	return s
}

func TestAllocateRefusesBelowFloor(t *testing.T) {
	s := newTestSpool(t, 1000, 100)

	if err := s.Allocate(1, 600); err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if _, err := os.Stat(s.JobDir(1)); err != nil {
		t.Fatalf("job dir missing: %v", err)
	}

	err := s.Allocate(2, 400)
	if !errors.Is(err, domain.ErrDiskFull) {
		t.Fatalf("second allocate err = %v, want disk-full", err)
	}
	if _, err := os.Stat(s.JobDir(2)); !os.IsNotExist(err) {
		t.Fatal("refused job got a directory")
	}

	s.Release(1)
	if err := s.Allocate(2, 400); err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
}

func TestWriteAtConsumesReservation(t *testing.T) {
	s := newTestSpool(t, 1<<30, 0)
	if err := s.Allocate(7, 10); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteAt(7, 0, []byte("abcd"), 6); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteAt(7, 0, []byte("012345"), 0); err != nil {
		t.Fatal(err)
	}
	if got := s.Reserved(); got != 0 {
		t.Fatalf("reserved = %d", got)
	}
	if err := s.CloseBlobs(7, []int64{10}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(s.BlobPath(7, 0))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "012345abcd" {
		t.Fatalf("blob = %q", data)
	}
}

func TestCloseFileTruncates(t *testing.T) {
	s := newTestSpool(t, 1<<30, 0)
	if err := s.Allocate(1, 0); err != nil {
		t.Fatal(err)
	}
	path := s.BlobPath(1, 0)
	if err := s.Writer.PreAllocate(path, 100); err != nil {
		t.Fatal(err)
	}
	if err := s.Writer.WriteAt(path, []byte("xyz"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Writer.CloseFile(path, 3); err != nil {
		t.Fatal(err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != 3 {
		t.Fatalf("size = %d", st.Size())
	}
}

func TestRemoveDeletesDirectory(t *testing.T) {
	s := newTestSpool(t, 1<<30, 0)
	if err := s.Allocate(3, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteAt(3, 0, []byte("hi"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(3, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.JobDir(3)); !os.IsNotExist(err) {
		t.Fatal("job dir still present")
	}
	if s.Reserved() != 0 {
		t.Fatal("reservation kept after remove")
	}
}

func TestDestinationSuffixes(t *testing.T) {
	s := newTestSpool(t, 1<<30, 0)
	first := s.Destination("tv", "Show.S01E01")
	if err := os.MkdirAll(first, 0o755); err != nil {
		t.Fatal(err)
	}
	second := s.Destination("tv", "Show.S01E01")
	if second != first+".1" {
		t.Fatalf("second = %q", second)
	}
	if filepath.Dir(first) != filepath.Join(s.CompleteRoot(), "tv") {
		t.Fatalf("first = %q", first)
	}
}

func TestPromoteSkipsAndMoves(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dest := filepath.Join(root, "dest")
	mustWrite(t, filepath.Join(src, "movie.mkv"), "payload")
	mustWrite(t, filepath.Join(src, "sub", "movie.srt"), "subs")
	mustWrite(t, filepath.Join(src, ".stages", "verify"), "")

	skip := func(name string) bool { return name == ".stages" }
	if err := Promote(src, dest, skip); err != nil {
		t.Fatal(err)
	}
	if got := mustRead(t, filepath.Join(dest, "movie.mkv")); got != "payload" {
		t.Fatalf("movie = %q", got)
	}
	if got := mustRead(t, filepath.Join(dest, "sub", "movie.srt")); got != "subs" {
		t.Fatalf("subs = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dest, ".stages")); !os.IsNotExist(err) {
		t.Fatal("skipped entry was promoted")
	}
	if _, err := os.Stat(filepath.Join(src, "movie.mkv")); !os.IsNotExist(err) {
		t.Fatal("source not removed")
	}

	// A second run has nothing left to move and must not fail.
	if err := Promote(src, dest, skip); err != nil {
		t.Fatalf("second promote: %v", err)
	}
}

func TestMoveCrossDeviceVerifies(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "a")
	mustWrite(t, filepath.Join(src, "x", "y.bin"), "deep")
	dest := filepath.Join(root, "b")

	if err := moveCrossDevice(src, dest); err != nil {
		t.Fatal(err)
	}
	if got := mustRead(t, filepath.Join(dest, "x", "y.bin")); got != "deep" {
		t.Fatalf("copied = %q", got)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source kept")
	}
}

func TestMoveEntryResumesInterruptedCopy(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "f.bin")
	dest := filepath.Join(root, "out", "f.bin")
	mustWrite(t, src, "same")
	mustWrite(t, dest, "same")

	if err := moveEntry(src, dest); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source kept")
	}

	mustWrite(t, src, "different")
	if err := moveEntry(src, dest); err == nil {
		t.Fatal("expected conflict error")
	}
}

func TestOrphansUseSidecar(t *testing.T) {
	s := newTestSpool(t, 1<<30, 0)
	for _, id := range []uint64{1, 2, 3} {
		if err := s.Allocate(id, 0); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range []uint64{1, 2} {
		sc := &Sidecar{ID: id, Name: "job", CreatedAt: time.Unix(1700000000, 0),
			Files: []SidecarFile{{Blob: BlobName(0), Name: "a.rar", Size: 10}}}
		if err := s.WriteSidecar(sc); err != nil {
			t.Fatal(err)
		}
	}

	orphans, err := s.Orphans(func(id uint64) bool { return id == 1 })
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 1 || orphans[0] != 2 {
		t.Fatalf("orphans = %v", orphans)
	}

	sc, err := s.ReadSidecar(2)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Files[0].Name != "a.rar" || !sc.CreatedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("sidecar = %+v", sc)
	}
}

func TestWriteFileAtomicLeavesNoTemp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	if err := WriteFileAtomic(path, []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := mustRead(t, path); got != "two" {
		t.Fatalf("content = %q", got)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

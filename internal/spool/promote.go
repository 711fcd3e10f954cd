package spool

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/zeebo/blake3"

	"github.com/datallboy/usenetd/internal/domain"
)

// Destination returns complete/<categoryDir>/<name>, suffixed .1, .2 …
// when that path is already taken.
func (s *Spool) Destination(categoryDir, name string) string {
	base := filepath.Join(s.complete, domain.CleanName(categoryDir), domain.CleanName(name))
	dest := base
	for i := 1; ; i++ {
		if _, err := os.Lstat(dest); errors.Is(err, fs.ErrNotExist) {
			return dest
		}
		dest = base + "." + strconv.Itoa(i)
	}
}

// Promote moves every entry of src not rejected by skip into dest.
// Entries are renamed when src and dest share a filesystem and copied,
// verified and unlinked otherwise. Re-running after an interruption
// finishes the remaining entries.
func Promote(src, dest string, skip func(name string) bool) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	for _, e := range entries {
		if skip != nil && skip(e.Name()) {
			continue
		}
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dest, e.Name())
		if err := moveEntry(from, to); err != nil {
			return fmt.Errorf("promote %s: %w", e.Name(), err)
		}
	}
	return nil
}

// moveEntry handles the logic of moving a file or directory, falling back
// to a cross-device copy only when rename reports EXDEV.
func moveEntry(source, dest string) error {
	if _, err := os.Lstat(dest); err == nil {
		// Left over from an interrupted cross-device move.
		same, err := sameContent(source, dest)
		if err != nil {
			return err
		}
		if same {
			return os.RemoveAll(source)
		}
		return fmt.Errorf("destination %s exists with different content", dest)
	}

	err := os.Rename(source, dest)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	return moveCrossDevice(source, dest)
}

// moveCrossDevice copies source to a temporary sibling of dest, verifies
// it and renames it into place before deleting source.
func moveCrossDevice(source, dest string) error {
	tempDest := filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp")
	os.RemoveAll(tempDest)

	if err := copyTree(source, tempDest); err != nil {
		os.RemoveAll(tempDest)
		return err
	}
	same, err := sameContent(source, tempDest)
	if err != nil || !same {
		os.RemoveAll(tempDest)
		if err == nil {
			err = fmt.Errorf("copy of %s failed verification", source)
		}
		return err
	}
	if err := os.Rename(tempDest, dest); err != nil {
		os.RemoveAll(tempDest)
		return err
	}

	// Remove the original only after copy success
	return os.RemoveAll(source)
}

func copyTree(source, dest string) error {
	return filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(source, dest string) error {
	src, err := os.Open(source)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	dst, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// sameContent compares two trees by relative path and BLAKE3 digest.
func sameContent(a, b string) (bool, error) {
	da, err := treeDigest(a)
	if err != nil {
		return false, err
	}
	db, err := treeDigest(b)
	if err != nil {
		return false, err
	}
	if len(da) != len(db) {
		return false, nil
	}
	for k, v := range da {
		if db[k] != v {
			return false, nil
		}
	}
	return true, nil
}

func treeDigest(root string) (map[string]string, error) {
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, err := FileDigest(path)
		if err != nil {
			return err
		}
		out[rel] = sum
		return nil
	})
	return out, err
}

// FileDigest is the hex BLAKE3 digest of the file at path.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

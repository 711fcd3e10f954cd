// Package cache keeps fetched NZB documents on disk.
package cache

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/datallboy/usenetd/internal/spool"
)

// FileCache implements indexer.IndexerCache. Keys are hashed into file
// names, so any string is a valid key.
type FileCache struct {
	Dir string
}

func (f *FileCache) path(key string) string {
	sum := blake3.Sum256([]byte(key))
	return filepath.Join(f.Dir, hex.EncodeToString(sum[:16])+".nzb")
}

func (f *FileCache) Get(key string) ([]byte, error) {
	return os.ReadFile(f.path(key))
}

func (f *FileCache) Put(key string, data []byte) error {
	return spool.WriteFileAtomic(f.path(key), data, 0o644)
}

func (f *FileCache) Exists(key string) bool {
	_, err := os.Stat(f.path(key))
	return err == nil
}

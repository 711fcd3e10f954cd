package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Sidecar is the metadata file kept next to a job's blobs. It lets an
// operator (or a cleanup pass) identify a directory without the queue.
type Sidecar struct {
	ID        uint64        `cbor:"1,keyasint"`
	Name      string        `cbor:"2,keyasint"`
	Category  string        `cbor:"3,keyasint"`
	CreatedAt time.Time     `cbor:"4,keyasint"`
	Files     []SidecarFile `cbor:"5,keyasint"`
}

type SidecarFile struct {
	Blob string `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
	Size int64  `cbor:"3,keyasint"`
}

var sidecarEnc, _ = cbor.CoreDetEncOptions().EncMode()

// WriteSidecar atomically replaces the sidecar of job sc.ID.
func (s *Spool) WriteSidecar(sc *Sidecar) error {
	data, err := sidecarEnc.Marshal(sc)
	if err != nil {
		return fmt.Errorf("spool: encode sidecar: %w", err)
	}
	return WriteFileAtomic(filepath.Join(s.JobDir(sc.ID), sidecarName), data, 0o644)
}

// ReadSidecar loads the sidecar of job id.
func (s *Spool) ReadSidecar(id uint64) (*Sidecar, error) {
	data, err := os.ReadFile(filepath.Join(s.JobDir(id), sidecarName))
	if err != nil {
		return nil, err
	}
	var sc Sidecar
	if err := cbor.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("spool: decode sidecar: %w", err)
	}
	return &sc, nil
}

// WriteFileAtomic writes data to path via temp → fsync → rename.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems refuse fsync on directories; the rename already happened.
	_ = d.Sync()
	return nil
}

package spool

import (
	"fmt"
	"os"
	"sync"
)

type fileHandle struct {
	mu   sync.Mutex
	file *os.File
}

// FileWriter keeps one open descriptor per scratch blob so concurrent
// decoders can write their segments at absolute offsets.
type FileWriter struct {
	mu      sync.RWMutex
	handles map[string]*fileHandle
}

func NewFileWriter() *FileWriter {
	return &FileWriter{
		handles: make(map[string]*fileHandle),
	}
}

// WriteAt finds the handle and performs a thread-safe write
func (fw *FileWriter) WriteAt(path string, data []byte, offset int64) error {
	h, err := fw.getOrCreateFile(path)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err = h.file.WriteAt(data, offset)
	return err
}

// ReadAt reads back a region, used for whole-file CRC checks.
func (fw *FileWriter) ReadAt(path string, buf []byte, offset int64) (int, error) {
	h, err := fw.getOrCreateFile(path)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.ReadAt(buf, offset)
}

func (fw *FileWriter) PreAllocate(path string, size int64) error {
	h, err := fw.getOrCreateFile(path)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	st, err := h.file.Stat()
	if err != nil {
		return err
	}
	if st.Size() >= size {
		return nil
	}
	// On Linux/Unix, Truncate creates a sparse file.
	return h.file.Truncate(size)
}

func (fw *FileWriter) getOrCreateFile(path string) (*fileHandle, error) {
	fw.mu.RLock()
	h, ok := fw.handles[path]
	fw.mu.RUnlock()
	if ok {
		return h, nil
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	h, ok = fw.handles[path]
	if ok {
		return h, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open scratch blob: %w", err)
	}

	h = &fileHandle{
		file: f,
	}

	fw.handles[path] = h

	return h, nil
}

// CloseAll closes every handle without truncating.
func (fw *FileWriter) CloseAll() {
	fw.mu.RLock()
	paths := make([]string, 0, len(fw.handles))
	for path := range fw.handles {
		paths = append(paths, path)
	}
	fw.mu.RUnlock()

	for _, path := range paths {
		_ = fw.CloseFile(path, 0) // Ignore error on global cleanup
	}
}

// CloseFile syncs and closes path. A positive finalSize truncates the
// blob to the size the yEnc header reported.
func (fw *FileWriter) CloseFile(path string, finalSize int64) error {
	fw.mu.Lock()
	h, ok := fw.handles[path]
	if !ok {
		fw.mu.Unlock()
		if finalSize > 0 {
			if st, err := os.Stat(path); err == nil && st.Size() != finalSize {
				return os.Truncate(path, finalSize)
			}
		}
		return nil
	}
	delete(fw.handles, path)
	fw.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if finalSize > 0 {
		if err := h.file.Truncate(finalSize); err != nil {
			h.file.Close()
			return fmt.Errorf("failed to truncate to final size: %w", err)
		}
	}

	if err := h.file.Sync(); err != nil {
		h.file.Close()
		return err
	}
	return h.file.Close()
}

package saga

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// FileWAL appends serialized entries to a file for durability.
type FileWAL struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewFileWAL constructs a FileWAL targeting the given path.
func NewFileWAL(path string) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{path: path, f: f}, nil
}

// Write appends the provided data to the WAL file and syncs it.
func (w *FileWAL) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.f.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	if n != len(data)+1 {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data)+1)
	}

	return w.f.Sync()
}

func (w *FileWAL) truncate(size int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Truncate(size); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close releases the underlying file handle.
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

package disktier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/yatagarasu/yatagarasu/internal/uid"
)

// PortableBackend implements Backend on top of os/io, dispatching each
// blocking syscall onto a bounded worker pool (golang.org/x/sync/errgroup
// plus a buffered-channel token pool) so the calling goroutine's scheduling thread
// never stalls the rest of the runtime under load — the role the design
// notes assign to "dispatched to a thread pool" for the portable backend.
type PortableBackend struct {
	root string
	pool *workerPool
}

// NewPortableBackend roots the backend at dir, creating dir and its .tmp
// subdirectory (used for the atomic write staging area) if missing.
func NewPortableBackend(dir string, poolSize int) (*PortableBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating disk cache root %q: %w", dir, err)
	}
	tmpDir := filepath.Join(dir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating disk cache temp directory %q: %w", tmpDir, err)
	}
	return &PortableBackend{root: dir, pool: newWorkerPool(poolSize)}, nil
}

// CleanTempFiles removes any leftover staging files from a crash mid-write.
// Called once on startup before crash recovery reconciles the index.
func (b *PortableBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.root, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading disk cache temp directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			os.Remove(filepath.Join(tmpDir, e.Name()))
		}
	}
	return nil
}

func (b *PortableBackend) abs(relPath string) string {
	return filepath.Join(b.root, relPath)
}

func (b *PortableBackend) tempPath() string {
	return filepath.Join(b.root, ".tmp", "tmp-"+uid.New())
}

// ReadAll reads the full contents of relPath on the worker pool.
func (b *PortableBackend) ReadAll(ctx context.Context, relPath string) ([]byte, error) {
	var data []byte
	err := b.pool.run(ctx, func() error {
		var readErr error
		data, readErr = os.ReadFile(b.abs(relPath))
		return readErr
	})
	return data, err
}

// WriteNewAtomic writes data to a temp file, fsyncs it, then renames it
// into place at relPath, so a concurrent reader of relPath never observes
// a partial write.
func (b *PortableBackend) WriteNewAtomic(ctx context.Context, relPath string, data []byte) error {
	return b.pool.run(ctx, func() error {
		finalPath := b.abs(relPath)
		if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
			return fmt.Errorf("creating blob parent directory: %w", err)
		}

		tmpPath := b.tempPath()
		tmpFile, err := os.Create(tmpPath)
		if err != nil {
			return fmt.Errorf("creating temp blob file: %w", err)
		}

		if _, err := tmpFile.Write(data); err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("writing blob data: %w", err)
		}
		if err := tmpFile.Sync(); err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("syncing temp blob file: %w", err)
		}
		if err := tmpFile.Close(); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("closing temp blob file: %w", err)
		}
		if err := os.Rename(tmpPath, finalPath); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("renaming blob into place: %w", err)
		}
		return nil
	})
}

// Remove deletes relPath. Removing a missing path is not an error.
func (b *PortableBackend) Remove(ctx context.Context, relPath string) error {
	return b.pool.run(ctx, func() error {
		err := os.Remove(b.abs(relPath))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
}

// Rename atomically moves oldPath to newPath, both relative to the root.
func (b *PortableBackend) Rename(ctx context.Context, oldPath, newPath string) error {
	return b.pool.run(ctx, func() error {
		if err := os.MkdirAll(filepath.Dir(b.abs(newPath)), 0o755); err != nil {
			return err
		}
		return os.Rename(b.abs(oldPath), b.abs(newPath))
	})
}

// FsyncDir fsyncs the directory containing relPath.
func (b *PortableBackend) FsyncDir(ctx context.Context, relPath string) error {
	return b.pool.run(ctx, func() error {
		dir := filepath.Dir(b.abs(relPath))
		f, err := os.Open(dir)
		if err != nil {
			return err
		}
		defer f.Close()
		return f.Sync()
	})
}

// Stat returns size and modification time for relPath.
func (b *PortableBackend) Stat(ctx context.Context, relPath string) (Stat, error) {
	var st Stat
	err := b.pool.run(ctx, func() error {
		info, err := os.Stat(b.abs(relPath))
		if err != nil {
			return err
		}
		st = Stat{Size: info.Size(), ModTime: info.ModTime()}
		return nil
	})
	return st, err
}

// workerPool bounds the number of blocking syscalls in flight at once,
// via an errgroup carrying a fixed concurrency limit.
type workerPool struct {
	tokens chan struct{}
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 1
	}
	return &workerPool{tokens: make(chan struct{}, size)}
}

// run executes fn on the pool, blocking until a slot is free or ctx is
// done, then waits for fn to finish before returning its error.
func (p *workerPool) run(ctx context.Context, fn func() error) error {
	select {
	case p.tokens <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.tokens }()

	g, _ := errgroup.WithContext(ctx)
	g.Go(fn)
	return g.Wait()
}

package persist

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Finalize writes the complete contents of sink to dest through a temporary
// file that is fsynced and renamed into place. With compress, a
// zstd-compressed copy is also written to dest+".zst". It returns the paths
// written.
func Finalize(sink Sink, dest string, compress bool) ([]string, error) {
	exp, ok := sink.(Exporter)
	if !ok {
		return nil, fmt.Errorf("sink %T cannot be exported", sink)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	if err := writeDurable(dest, exp.Export); err != nil {
		return nil, err
	}
	paths := []string{dest}
	log.Printf("[saver] backup written to %s", dest)

	if compress {
		zpath := dest + ".zst"
		err := writeDurable(zpath, func(w io.Writer) error {
			zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
			if err != nil {
				return err
			}
			if err := exp.Export(zw); err != nil {
				zw.Close()
				return err
			}
			return zw.Close()
		})
		if err != nil {
			return paths, err
		}
		paths = append(paths, zpath)
	}
	return paths, nil
}

func writeDurable(path string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := fill(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

// OpenBackup opens a backup for reading, decompressing .zst files.
func OpenBackup(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) != ".zst" {
		return f, nil
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &zstdFile{Decoder: zr, f: f}, nil
}

type zstdFile struct {
	*zstd.Decoder
	f *os.File
}

func (z *zstdFile) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}

// ExitHooks runs registered shutdown functions exactly once, in reverse
// registration order.
type ExitHooks struct {
	mu    sync.Mutex
	hooks []exitHook
	ran   bool
}

type exitHook struct {
	name string
	fn   func() error
}

// Register adds fn. Hooks registered after Run are run immediately.
func (h *ExitHooks) Register(name string, fn func() error) {
	h.mu.Lock()
	if h.ran {
		h.mu.Unlock()
		if err := fn(); err != nil {
			log.Printf("[saver] exit hook %s: %v", name, err)
		}
		return
	}
	h.hooks = append(h.hooks, exitHook{name, fn})
	h.mu.Unlock()
}

// Run executes the hooks. Only the first call does anything.
func (h *ExitHooks) Run() error {
	h.mu.Lock()
	if h.ran {
		h.mu.Unlock()
		return nil
	}
	h.ran = true
	hooks := h.hooks
	h.hooks = nil
	h.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i].fn(); err != nil {
			log.Printf("[saver] exit hook %s: %v", hooks[i].name, err)
			errs = append(errs, fmt.Errorf("%s: %w", hooks[i].name, err))
		}
	}
	return errors.Join(errs...)
}

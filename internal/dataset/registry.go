package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/BurntSushi/toml"
)

const infoFilename = "info.toml"

// Registry holds the datasets found under a base folder.
type Registry struct {
	base   string
	logger *slog.Logger

	generation atomic.Uint64

	mu       sync.RWMutex
	datasets map[string]*Dataset
}

// NewRegistry returns an empty registry for base; call Reload to populate it.
func NewRegistry(base string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{base: base, logger: logger, datasets: map[string]*Dataset{}}
}

// Reload rescans the base folder and swaps in the datasets found there.
// Datasets that fail to load are skipped with a warning. Every reload opens
// its datasets under a new Generation.
func (r *Registry) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(r.base)
	if err != nil {
		return fmt.Errorf("read datasets folder %s: %w", r.base, err)
	}
	generation := r.generation.Add(1)

	loaded := make(map[string]*Dataset, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(r.base, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, infoFilename)); err != nil {
			continue
		}
		ds, err := r.load(ctx, dir, entry.Name())
		if err != nil {
			r.logger.Warn("skipping dataset", slog.String("dir", dir), slog.Any("error", err.Error()))
			continue
		}
		ds.Generation = generation
		r.logger.Info("loaded dataset", slog.String("key", ds.Key), slog.Int("documents", ds.Total()))
		loaded[ds.Key] = ds
	}

	r.mu.Lock()
	previous := r.datasets
	r.datasets = loaded
	r.mu.Unlock()

	for _, ds := range previous {
		if err := ds.Close(); err != nil {
			r.logger.Warn("closing dataset", slog.String("key", ds.Key), slog.Any("error", err.Error()))
		}
	}
	return nil
}

func (r *Registry) load(ctx context.Context, dir, key string) (*Dataset, error) {
	info, err := readInfo(filepath.Join(dir, infoFilename))
	if err != nil {
		return nil, err
	}
	if !exists(filepath.Join(dir, info.DBFilename)) {
		return nil, fmt.Errorf("missing db file %s", info.DBFilename)
	}
	if !exists(filepath.Join(dir, info.ArrowFilename)) {
		return nil, fmt.Errorf("missing arrow file %s", info.ArrowFilename)
	}
	if info.KeywordsFilename == "" || !exists(filepath.Join(dir, info.KeywordsFilename)) {
		r.logger.Warn("dataset is missing keywords file", slog.String("dir", dir))
	}
	return Open(ctx, dir, key, info)
}

func readInfo(path string) (Info, error) {
	info := defaultInfo()
	if _, err := toml.DecodeFile(path, &info); err != nil {
		return Info{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := info.validate(); err != nil {
		return Info{}, fmt.Errorf("invalid %s: %w", path, err)
	}
	return info, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Get returns the dataset registered under key.
func (r *Registry) Get(key string) (*Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.datasets[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return ds, nil
}

// List returns the datasets ordered by key.
func (r *Registry) List() []*Dataset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Dataset, 0, len(r.datasets))
	for _, ds := range r.datasets {
		out = append(out, ds)
	}
	slices.SortFunc(out, func(a, b *Dataset) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Close closes every dataset.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, ds := range r.datasets {
		errs = append(errs, ds.Close())
	}
	r.datasets = map[string]*Dataset{}
	return errors.Join(errs...)
}

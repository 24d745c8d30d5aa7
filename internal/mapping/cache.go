// Package mapping builds the CoinGecko to exchange mapping table and keeps it
// resumable across interrupted runs.
package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/navid-fn/coinmap/internal/models"
	"github.com/navid-fn/coinmap/pkg/atomicfile"
)

// Cache maps a CoinGecko coin ID to its resolved exchange pair.
type Cache map[string]models.MappingEntry

// IDs returns the coin IDs of c in lexical order.
func (c Cache) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CacheWriter owns the mapping file and its in-memory table for one build.
type CacheWriter struct {
	fs     afero.Fs
	path   string
	table  Cache
	logger logrus.FieldLogger
}

func NewCacheWriter(fs afero.Fs, path string, logger logrus.FieldLogger) *CacheWriter {
	return &CacheWriter{
		fs:     fs,
		path:   path,
		table:  Cache{},
		logger: logger.WithField("component", "mapping_cache"),
	}
}

// Path returns the mapping file location.
func (w *CacheWriter) Path() string {
	return w.path
}

// Len returns the number of entries in the in-memory table.
func (w *CacheWriter) Len() int {
	return len(w.table)
}

// Snapshot returns a copy of the in-memory table.
func (w *CacheWriter) Snapshot() Cache {
	return maps.Clone(w.table)
}

// Reset empties the in-memory table without touching the file.
func (w *CacheWriter) Reset() {
	w.table = Cache{}
}

// LoadExisting replaces the in-memory table with the entries on disk and
// returns a copy of them. A missing or unreadable file yields an empty table.
func (w *CacheWriter) LoadExisting() Cache {
	w.table = Cache{}

	data, err := afero.ReadFile(w.fs, w.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.WithError(err).WithField("path", w.path).Warn("Failed to read mapping file, starting with an empty mapping")
		}
		return Cache{}
	}

	var loaded Cache
	if err := json.Unmarshal(data, &loaded); err != nil {
		w.logger.WithError(err).WithField("path", w.path).Warn("Mapping file is corrupted, starting with an empty mapping")
		return Cache{}
	}
	if loaded != nil {
		w.table = loaded
	}

	w.logger.WithField("entries", len(w.table)).Debug("Loaded existing mapping")
	return w.Snapshot()
}

// MergeAndPersist adds entries to the table, overwriting existing keys, and
// atomically rewrites the whole file. The in-memory table is only updated
// when the write succeeds.
func (w *CacheWriter) MergeAndPersist(entries Cache) error {
	merged := maps.Clone(w.table)
	if merged == nil {
		merged = Cache{}
	}
	maps.Copy(merged, entries)

	if err := atomicfile.WriteJSON(w.fs, w.path, merged); err != nil {
		return fmt.Errorf("persist mapping: %w", err)
	}

	w.table = merged
	w.logger.WithFields(logrus.Fields{
		"added":   len(entries),
		"entries": len(merged),
	}).Debug("Mapping persisted")
	return nil
}

// NeedsRebuild reports whether the mapping file at path is missing or older
// than maxAge. A non-positive maxAge never forces a rebuild of an existing file.
func NeedsRebuild(fs afero.Fs, path string, maxAge time.Duration, now time.Time) (bool, error) {
	info, err := fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("stat mapping file: %w", err)
	}
	if info.Size() == 0 {
		return true, nil
	}
	if maxAge <= 0 {
		return false, nil
	}
	return now.Sub(info.ModTime()) > maxAge, nil
}

// Summary counts mapping entries per target currency.
type Summary struct {
	Total    int            `json:"total_mappings"`
	ByTarget map[string]int `json:"by_target_currency"`
}

// Stats summarizes c.
func Stats(c Cache) Summary {
	summary := Summary{Total: len(c), ByTarget: map[string]int{}}
	for _, entry := range c {
		summary.ByTarget[entry.TargetCurrency]++
	}
	return summary
}

package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	gosync "sync"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/tonimelisma/dropbox-go/internal/config"
)

// safetySuffixes are always excluded to prevent syncing partial/temp files
// that indicate an in-progress write (invariant: never upload a file still
// being written).
var safetySuffixes = []string{".partial", ".tmp"}

// safetyPrefix is a tilde prefix used by editors/Office for lock files.
const safetyPrefix = "~"

// FilterEngine implements the Filter interface with a layered cascade:
// safety patterns, config patterns (skip_files, skip_dirs, skip_dotfiles,
// max_file_size), selective-sync exclusions, and .mignore marker
// files.
type FilterEngine struct {
	cfg      config.FilterConfig
	store    Store
	logger   *slog.Logger
	syncRoot string

	// maxFileSizeBytes is the parsed max_file_size threshold (0 = no limit).
	maxFileSizeBytes int64

	// mignoreCache stores parsed .mignore files per directory path. A nil
	// entry means the directory was checked but had no .mignore file.
	// Protected by mu for concurrent scanner access.
	mignoreCache map[string]*ignore.GitIgnore
	mu           gosync.RWMutex
}

// NewFilterEngine creates a filter engine from the given config, sync root,
// and index store (used for selective-sync exclusion lookups).
func NewFilterEngine(cfg *config.FilterConfig, syncRoot string, store Store, logger *slog.Logger) (*FilterEngine, error) {
	logger.Info("initializing filter engine",
		"sync_root", syncRoot,
		"skip_dotfiles", cfg.SkipDotfiles,
		"skip_symlinks", cfg.SkipSymlinks,
		"skip_files", cfg.SkipFiles,
		"skip_dirs", cfg.SkipDirs,
		"max_file_size", cfg.MaxFileSize,
		"ignore_marker", cfg.IgnoreMarker,
	)

	maxBytes, err := parseSizeFilter(cfg.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("invalid max_file_size %q: %w", cfg.MaxFileSize, err)
	}

	return &FilterEngine{
		cfg:              *cfg,
		store:            store,
		logger:           logger,
		syncRoot:         syncRoot,
		maxFileSizeBytes: maxBytes,
		mignoreCache:     make(map[string]*ignore.GitIgnore),
	}, nil
}

// ShouldSync evaluates whether the given path should be included in sync.
// dbxPathLower is slash-separated and relative to the sync root (no leading
// slash). It applies the config pattern cascade, then selective-sync
// exclusions, then .mignore patterns.
func (f *FilterEngine) ShouldSync(dbxPathLower string, isDir bool, size int64) FilterResult {
	if result := f.checkConfigPatterns(dbxPathLower, isDir, size); !result.Included {
		return result
	}

	if result := f.checkSelectiveSync(dbxPathLower); !result.Included {
		return result
	}

	if result := f.checkMignore(dbxPathLower, isDir); !result.Included {
		return result
	}

	return FilterResult{Included: true}
}

// checkConfigPatterns evaluates safety patterns, skip_files, skip_dirs,
// skip_dotfiles, and max_file_size.
func (f *FilterEngine) checkConfigPatterns(path string, isDir bool, size int64) FilterResult {
	name := filepath.Base(path)

	if !isDir {
		if result := f.checkSafetyPatterns(name, path); !result.Included {
			return result
		}
	}

	// skip_dotfiles applies to both files and directories.
	if f.cfg.SkipDotfiles && strings.HasPrefix(name, ".") {
		f.logger.Debug("path excluded by skip_dotfiles", "path", path)
		return FilterResult{Included: false, Reason: "dotfile excluded"}
	}

	if isDir {
		return f.checkDirPatterns(name, path)
	}

	return f.checkFilePatterns(name, path, size)
}

// checkSafetyPatterns excludes partial/temp files that indicate an
// in-progress local write.
func (f *FilterEngine) checkSafetyPatterns(name, path string) FilterResult {
	lower := strings.ToLower(name)

	for _, suffix := range safetySuffixes {
		if strings.HasSuffix(lower, suffix) {
			f.logger.Debug("path excluded by safety pattern", "path", path, "suffix", suffix)
			return FilterResult{Included: false, Reason: fmt.Sprintf("matches %s pattern", suffix)}
		}
	}

	if strings.HasPrefix(name, safetyPrefix) {
		f.logger.Debug("path excluded by safety pattern", "path", path, "prefix", safetyPrefix)
		return FilterResult{Included: false, Reason: "matches ~* pattern"}
	}

	return FilterResult{Included: true}
}

// checkDirPatterns checks skip_dirs glob patterns against the directory basename.
func (f *FilterEngine) checkDirPatterns(name, path string) FilterResult {
	if matchesSkipPattern(name, f.cfg.SkipDirs) {
		f.logger.Debug("path excluded by skip_dirs", "path", path, "name", name)
		return FilterResult{Included: false, Reason: "matches skip_dirs pattern"}
	}

	return FilterResult{Included: true}
}

// checkFilePatterns checks skip_files glob patterns and max_file_size threshold.
func (f *FilterEngine) checkFilePatterns(name, path string, size int64) FilterResult {
	if matchesSkipPattern(name, f.cfg.SkipFiles) {
		f.logger.Debug("path excluded by skip_files", "path", path, "name", name)
		return FilterResult{Included: false, Reason: "matches skip_files pattern"}
	}

	if f.maxFileSizeBytes > 0 && size > f.maxFileSizeBytes {
		f.logger.Debug("path excluded by max_file_size",
			"path", path, "size", size, "max", f.maxFileSizeBytes)
		return FilterResult{Included: false, Reason: "exceeds max_file_size"}
	}

	return FilterResult{Included: true}
}

// checkSelectiveSync: an item is excluded if it or any
// ancestor directory has been marked excluded via ExcludeItem. Exclusion is
// ancestor-closed, so a single directory exclusion covers its whole subtree.
func (f *FilterEngine) checkSelectiveSync(path string) FilterResult {
	if f.store == nil {
		return FilterResult{Included: true}
	}

	excluded, err := f.store.IsExcluded(context.Background(), path)
	if err != nil {
		f.logger.Warn("selective sync lookup failed, defaulting to included", "path", path, "error", err)
		return FilterResult{Included: true}
	}

	if excluded {
		f.logger.Debug("path excluded by selective sync", "path", path)
		return FilterResult{Included: false, Reason: "excluded by selective sync"}
	}

	return FilterResult{Included: true}
}

// checkMignore evaluates per-directory gitignore-style patterns.
// These patterns gate upload decisions for untracked items only — a caller
// that already has an index entry for path should not consult this layer
// to decide whether to remove it.
func (f *FilterEngine) checkMignore(path string, isDir bool) FilterResult {
	if f.cfg.IgnoreMarker == "" {
		return FilterResult{Included: true}
	}

	dir := filepath.Dir(path)
	gi := f.loadMignore(dir)

	if gi == nil {
		return FilterResult{Included: true}
	}

	// go-gitignore expects forward slashes and a trailing slash for dirs.
	matchPath := filepath.ToSlash(path)
	if isDir {
		matchPath += "/"
	}

	if gi.MatchesPath(matchPath) {
		f.logger.Debug("path excluded by mignore", "path", path, "dir", dir)
		return FilterResult{Included: false, Reason: "excluded by " + f.cfg.IgnoreMarker}
	}

	return FilterResult{Included: true}
}

// matchesSkipPattern checks if name matches any of the given glob patterns.
// Comparison is case-insensitive. Malformed patterns are logged and skipped.
func matchesSkipPattern(name string, patterns []string) bool {
	lowerName := strings.ToLower(name)

	for _, pattern := range patterns {
		lowerPattern := strings.ToLower(pattern)

		matched, err := filepath.Match(lowerPattern, lowerName)
		if err != nil {
			slog.Warn("malformed skip pattern", "pattern", pattern, "error", err)
			continue
		}

		if matched {
			return true
		}
	}

	return false
}

// loadMignore loads and caches the .mignore file for the given directory.
// Returns nil if no such file exists in that directory.
func (f *FilterEngine) loadMignore(dir string) *ignore.GitIgnore {
	f.mu.RLock()
	gi, cached := f.mignoreCache[dir]
	f.mu.RUnlock()

	if cached {
		return gi
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if gi, cached = f.mignoreCache[dir]; cached {
		return gi
	}

	mignorePath := filepath.Join(f.syncRoot, dir, f.cfg.IgnoreMarker)

	parsed, err := ignore.CompileIgnoreFile(mignorePath)
	if err != nil {
		f.logger.Debug("no mignore file found", "dir", dir, "path", mignorePath)
		f.mignoreCache[dir] = nil

		return nil
	}

	f.logger.Debug("loaded mignore file", "dir", dir, "path", mignorePath)
	f.mignoreCache[dir] = parsed

	return parsed
}

// Size multipliers for parseSizeFilter.
const (
	filterKilobyte = 1000
	filterMegabyte = 1000 * filterKilobyte
	filterGigabyte = 1000 * filterMegabyte
	filterTerabyte = 1000 * filterGigabyte

	filterKibibyte = 1024
	filterMebibyte = 1024 * filterKibibyte
	filterGibibyte = 1024 * filterMebibyte
	filterTebibyte = 1024 * filterGibibyte
)

// parseSizeFilter parses a human size string (e.g. "500MB", "2GiB", "0" for
// unlimited) into a byte count.
func parseSizeFilter(s string) (int64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}

	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)

	suffixes := []struct {
		suffix     string
		multiplier int64
	}{
		{"TIB", filterTebibyte},
		{"GIB", filterGibibyte},
		{"MIB", filterMebibyte},
		{"KIB", filterKibibyte},
		{"TB", filterTerabyte},
		{"GB", filterGigabyte},
		{"MB", filterMegabyte},
		{"KB", filterKilobyte},
		{"B", 1},
	}

	for _, sf := range suffixes {
		if strings.HasSuffix(upper, sf.suffix) {
			numStr := strings.TrimSpace(s[:len(s)-len(sf.suffix)])
			return parseSizeNumber(numStr, sf.multiplier)
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
	}

	return n, nil
}

// parseSizeNumber parses the numeric portion of a size string and applies the multiplier.
func parseSizeNumber(numStr string, multiplier int64) (int64, error) {
	n, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size number %q: %w", numStr, err)
	}

	result := int64(n * float64(multiplier))
	if result < 0 {
		return 0, fmt.Errorf("invalid size: must be non-negative")
	}

	return result, nil
}

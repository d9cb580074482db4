package sync

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// reportStalePartials scans syncRoot for leftover download temp files older
// than threshold and logs them as warnings. A partial should only exist
// while a download executor is actively writing it; one surviving past a
// full sync cycle means the process was killed mid-download.
func reportStalePartials(syncRoot string, threshold time.Duration, logger *slog.Logger) {
	var stale []string

	err := filepath.WalkDir(syncRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}

		if !strings.HasSuffix(path, partialSuffix) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}

		if time.Since(info.ModTime()) > threshold {
			rel, relErr := filepath.Rel(syncRoot, path)
			if relErr != nil {
				rel = path
			}

			stale = append(stale, rel)
		}

		return nil
	})
	if err != nil {
		logger.Warn("error scanning for stale partials", slog.String("error", err.Error()))
		return
	}

	if len(stale) > 0 {
		logger.Warn("stale partial download files found",
			slog.Int("count", len(stale)),
			slog.Duration("threshold", threshold),
		)

		for _, p := range stale {
			logger.Warn("stale partial", slog.String("path", p))
		}
	}
}

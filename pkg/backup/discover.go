package backup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Extension is the file extension of auto-backup files.
const Extension = ".osbkp"

// Found is a backup file discovered on disk.
type Found struct {
	Path   string
	Header *Header
}

// Discover lists the backup files in dir that belong to safeID. Files with no
// vault id in their header predate multi-vault support and are attributed to
// every vault. Files that are not backups, or whose header is damaged, are
// skipped. A missing dir yields no results. A nil log uses slog.Default.
func Discover(dir, safeID string, log *slog.Logger) ([]Found, error) {
	if log == nil {
		log = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backup: failed to list %s: %w", dir, err)
	}

	var found []Found
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		h, err := ReadHeaderFile(path)
		switch {
		case err == nil:
		case errors.Is(err, ErrInvalidMagic), errors.Is(err, ErrUnsupportedVersion):
			log.Debug("skipping file that is not a readable backup", "file", path, "err", err)
			continue
		case errors.Is(err, ErrMalformedHeader), errors.Is(err, ErrHeaderTooLarge):
			log.Warn("skipping backup with damaged header", "file", path, "err", err)
			continue
		default:
			return nil, fmt.Errorf("backup: failed to read %s: %w", path, err)
		}
		if h.SafeID != "" && h.SafeID != safeID {
			continue
		}
		found = append(found, Found{Path: path, Header: h})
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].Header.CreatedAt.Before(found[j].Header.CreatedAt)
	})
	return found, nil
}

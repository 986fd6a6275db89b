// Package storage owns the on-disk layout under the storage root and the
// per-dump SQLite databases that hold converted LSIF data.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lsifd/internal/logging"
)

const idBasedMarker = "id-based-filenames"

// PathSet resolves every path the server touches under the storage root.
type PathSet struct {
	root string
}

// NewPathSet creates the storage root and its subdirectories if needed.
func NewPathSet(root string) (*PathSet, error) {
	for _, dir := range []string{root, filepath.Join(root, "uploads"), filepath.Join(root, "tmp")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}
	return &PathSet{root: root}, nil
}

// Root returns the storage root directory.
func (p *PathSet) Root() string {
	return p.root
}

// UploadFilename returns the path of a raw upload spool file.
func (p *PathSet) UploadFilename(id string) string {
	return filepath.Join(p.root, "uploads", id)
}

// TempFilename returns a scratch path used while building a dump database.
func (p *PathSet) TempFilename(id string) string {
	return filepath.Join(p.root, "tmp", id)
}

// DBFilename returns the final path of the dump database for a dump id.
func (p *PathSet) DBFilename(dumpID int64) string {
	return filepath.Join(p.root, fmt.Sprintf("%d.lsif.db", dumpID))
}

// XrepoDBFilename returns the path of the shared cross-repository database.
func (p *PathSet) XrepoDBFilename() string {
	return filepath.Join(p.root, "xrepo.db")
}

// JobsDBFilename returns the path of the durable job queue database.
func (p *PathSet) JobsDBFilename() string {
	return filepath.Join(p.root, "jobs.db")
}

// MigrateFilenames renames legacy <repository>@<commit>.lsif.db files to the
// id-based scheme. The rename runs once; a marker file records completion.
// The resolve callback maps a legacy (repository, commit) pair to its dump id
// in the cross-repository database, returning false when no dump row exists.
func (p *PathSet) MigrateFilenames(logger *logging.Logger, resolve func(repository, commit string) (int64, bool, error)) error {
	marker := filepath.Join(p.root, idBasedMarker)
	if _, err := os.Stat(marker); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat migration marker: %w", err)
	}

	entries, err := os.ReadDir(p.root)
	if err != nil {
		return fmt.Errorf("failed to read storage root: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".lsif.db") {
			continue
		}
		base := strings.TrimSuffix(name, ".lsif.db")
		at := strings.LastIndex(base, "@")
		if at < 0 {
			// Already id-based or unrecognized.
			continue
		}
		repository, commit := base[:at], base[at+1:]

		id, ok, err := resolve(repository, commit)
		if err != nil {
			return fmt.Errorf("failed to resolve dump for %s@%s: %w", repository, commit, err)
		}
		if !ok {
			logger.Warn("No dump row for legacy database file, leaving in place", map[string]interface{}{
				"filename": name,
			})
			continue
		}

		if err := os.Rename(filepath.Join(p.root, name), p.DBFilename(id)); err != nil {
			return fmt.Errorf("failed to rename %s: %w", name, err)
		}
		logger.Info("Migrated legacy database filename", map[string]interface{}{
			"from":   name,
			"dumpID": id,
		})
	}

	if err := os.WriteFile(marker, nil, 0644); err != nil {
		return fmt.Errorf("failed to write migration marker: %w", err)
	}
	return nil
}

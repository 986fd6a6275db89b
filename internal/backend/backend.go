// Package backend resolves code-intelligence requests across dumps. It
// picks the closest dump for a commit, queries its database through the
// shared caches, and widens reference results to other dumps through the
// cross-repo index.
package backend

import (
	"context"
	"strings"

	"lsifd/internal/database"
	"lsifd/internal/logging"
	"lsifd/internal/storage"
	"lsifd/internal/xrepo"
)

// Position is a zero-based line/character pair.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open source range.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location names a source range in a specific repository and commit. Paths
// are relative to the repository root.
type Location struct {
	Repository string `json:"repository"`
	Commit     string `json:"commit"`
	Path       string `json:"path"`
	Range      Range  `json:"range"`
}

// Hover is hover text with the range it is attached to.
type Hover struct {
	Text  string `json:"text"`
	Range Range  `json:"range"`
}

// Backend answers exists/definitions/references/hover requests. It owns no
// state beyond handles to the cross-repo store, the storage layout, and the
// shared caches.
type Backend struct {
	logger *logging.Logger
	store  *xrepo.Store
	paths  *storage.PathSet
	caches database.Caches
	git    xrepo.GitserverClient
}

// New creates a backend. git may be nil when no repository host is
// reachable; commit discovery is then skipped.
func New(logger *logging.Logger, store *xrepo.Store, paths *storage.PathSet, caches database.Caches, git xrepo.GitserverClient) *Backend {
	return &Backend{
		logger: logger,
		store:  store,
		paths:  paths,
		caches: caches,
		git:    git,
	}
}

// Exists reports whether a dump covering path exists for the commit (or a
// near commit) and contains a document at path.
func (b *Backend) Exists(ctx context.Context, repository, commit, path string) (bool, error) {
	db, dump, ok, err := b.resolve(ctx, repository, commit, path)
	if err != nil || !ok {
		return false, err
	}
	return db.Exists(ctx, pathInDump(dump, path))
}

// Definitions returns the definition locations for the innermost range at
// the position. An unindexed commit yields an empty slice.
func (b *Backend) Definitions(ctx context.Context, repository, commit, path string, pos Position) ([]Location, error) {
	db, dump, ok, err := b.resolve(ctx, repository, commit, path)
	if err != nil || !ok {
		return nil, err
	}
	locations, err := db.Definitions(ctx, pathInDump(dump, path), pos.Line, pos.Character)
	if err != nil {
		return nil, err
	}
	return resolveLocations(dump, locations), nil
}

// Hover returns the hover text for the innermost range at the position, or
// nil when no range carries one.
func (b *Backend) Hover(ctx context.Context, repository, commit, path string, pos Position) (*Hover, error) {
	db, dump, ok, err := b.resolve(ctx, repository, commit, path)
	if err != nil || !ok {
		return nil, err
	}
	hover, found, err := db.Hover(ctx, pathInDump(dump, path), pos.Line, pos.Character)
	if err != nil || !found {
		return nil, err
	}
	resolved := resolveLocations(dump, []database.Location{hover.Range})
	return &Hover{Text: hover.Text, Range: resolved[0].Range}, nil
}

// References returns the reference locations for the innermost range at the
// position: the dump's own reference result, its moniker reference rows,
// the defining dump's reference rows for imported monikers, and the
// reference rows of every dump whose filter admits the moniker. Duplicates
// collapse to one location.
func (b *Backend) References(ctx context.Context, repository, commit, path string, pos Position) ([]Location, error) {
	db, dump, ok, err := b.resolve(ctx, repository, commit, path)
	if err != nil || !ok {
		return nil, err
	}
	inDump := pathInDump(dump, path)

	local, err := db.References(ctx, inDump, pos.Line, pos.Character)
	if err != nil {
		return nil, err
	}
	locations := resolveLocations(dump, local)

	monikers, err := db.MonikersAtPosition(ctx, inDump, pos.Line, pos.Character)
	if err != nil {
		return nil, err
	}

	queried := map[int64]bool{dump.ID: false}
	for _, moniker := range monikers {
		if moniker.Identifier == "" {
			continue
		}

		rows, err := db.MonikerResults(ctx, database.TableReferences, moniker.Scheme, moniker.Identifier)
		if err != nil {
			return nil, err
		}
		locations = append(locations, resolveLocations(dump, rows)...)

		if moniker.PackageInformation == nil {
			continue
		}
		pkg := xrepo.Package{
			Scheme:  moniker.Scheme,
			Name:    moniker.PackageInformation.Name,
			Version: moniker.PackageInformation.Version,
		}

		if moniker.Kind == "import" {
			defining, found, err := b.store.FindDefiningDump(ctx, pkg)
			if err != nil {
				return nil, err
			}
			if found && !seen(queried, defining.ID) {
				remote, err := b.monikerReferences(ctx, defining, moniker.Scheme, moniker.Identifier)
				if err != nil {
					return nil, err
				}
				locations = append(locations, remote...)
			}
		}

		referencing, err := b.store.FindReferencingDumps(ctx, pkg, moniker.Identifier)
		if err != nil {
			return nil, err
		}
		for _, ref := range referencing {
			if seen(queried, ref.ID) {
				continue
			}
			remote, err := b.monikerReferences(ctx, ref, moniker.Scheme, moniker.Identifier)
			if err != nil {
				return nil, err
			}
			locations = append(locations, remote...)
		}
	}

	return dedupeLocations(locations), nil
}

// resolve finds the closest dump covering path and opens its database. The
// boolean is false when the commit has no covering dump.
func (b *Backend) resolve(ctx context.Context, repository, commit, path string) (*database.Database, xrepo.Dump, bool, error) {
	if b.git != nil {
		if err := b.store.DiscoverAndUpdateCommit(ctx, b.git, repository, commit); err != nil {
			b.logger.Warn("Failed to discover commit", map[string]interface{}{
				"repository": repository,
				"commit":     commit,
				"error":      err.Error(),
			})
		}
	}

	dump, ok, err := b.store.FindClosestDump(ctx, repository, commit, path)
	if err != nil || !ok {
		return nil, xrepo.Dump{}, false, err
	}

	db, err := b.openDump(ctx, dump)
	if err != nil {
		return nil, xrepo.Dump{}, false, err
	}
	return db, dump, true, nil
}

func (b *Backend) openDump(ctx context.Context, dump xrepo.Dump) (*database.Database, error) {
	return database.Open(ctx, b.logger, b.caches, dump.ID, b.paths.DBFilename(dump.ID))
}

// monikerReferences opens another dump and reads its reference rows for the
// moniker.
func (b *Backend) monikerReferences(ctx context.Context, dump xrepo.Dump, scheme, identifier string) ([]Location, error) {
	db, err := b.openDump(ctx, dump)
	if err != nil {
		return nil, err
	}
	rows, err := db.MonikerResults(ctx, database.TableReferences, scheme, identifier)
	if err != nil {
		return nil, err
	}
	return resolveLocations(dump, rows), nil
}

// pathInDump converts a repository-relative path into a dump-relative one.
// FindClosestDump only returns dumps whose root covers the path.
func pathInDump(dump xrepo.Dump, path string) string {
	return strings.TrimPrefix(path, dump.Root)
}

// resolveLocations converts dump-relative locations into repository-scoped
// ones by joining the dump root back onto each path.
func resolveLocations(dump xrepo.Dump, locations []database.Location) []Location {
	resolved := make([]Location, 0, len(locations))
	for _, loc := range locations {
		resolved = append(resolved, Location{
			Repository: dump.Repository,
			Commit:     dump.Commit,
			Path:       dump.Root + loc.Path,
			Range: Range{
				Start: Position{Line: loc.StartLine, Character: loc.StartCharacter},
				End:   Position{Line: loc.EndLine, Character: loc.EndCharacter},
			},
		})
	}
	return resolved
}

// seen marks an id in the set and reports whether it was already present.
func seen(set map[int64]bool, id int64) bool {
	if _, ok := set[id]; ok {
		return true
	}
	set[id] = true
	return false
}

func dedupeLocations(locations []Location) []Location {
	unique := locations[:0]
	index := map[Location]struct{}{}
	for _, loc := range locations {
		if _, ok := index[loc]; ok {
			continue
		}
		index[loc] = struct{}{}
		unique = append(unique, loc)
	}
	return unique
}

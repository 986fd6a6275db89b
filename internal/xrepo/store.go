package xrepo

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"lsifd/internal/errors"
	"lsifd/internal/logging"
)

// MaxTraversalLimit bounds the number of commits visited when searching the
// commit graph for the nearest dump.
const MaxTraversalLimit = 100

const storeSchema = `
CREATE TABLE IF NOT EXISTS lsif_dumps (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository TEXT NOT NULL,
	"commit" TEXT NOT NULL,
	root TEXT NOT NULL DEFAULT '',
	visible_at_tip INTEGER NOT NULL DEFAULT 0,
	uploaded_at TIMESTAMP NOT NULL,
	UNIQUE (repository, "commit", root)
);

CREATE INDEX IF NOT EXISTS idx_lsif_dumps_repository ON lsif_dumps (repository);

CREATE TABLE IF NOT EXISTS lsif_packages (
	scheme TEXT NOT NULL,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	dump_id INTEGER NOT NULL REFERENCES lsif_dumps (id),
	UNIQUE (scheme, name, version)
);

CREATE TABLE IF NOT EXISTS lsif_references (
	scheme TEXT NOT NULL,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	dump_id INTEGER NOT NULL REFERENCES lsif_dumps (id),
	filter BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lsif_references_package ON lsif_references (scheme, name, version);

CREATE TABLE IF NOT EXISTS lsif_commits (
	repository TEXT NOT NULL,
	"commit" TEXT NOT NULL,
	parent_commit TEXT NOT NULL DEFAULT '',
	UNIQUE (repository, "commit", parent_commit)
);

CREATE INDEX IF NOT EXISTS idx_lsif_commits_repository ON lsif_commits (repository, "commit");
`

// GitserverClient answers questions about a repository's commit graph and
// default branch. Implementations talk to the repository host.
type GitserverClient interface {
	// Head returns the tip commit of the repository's default branch.
	Head(ctx context.Context, repository string) (string, error)
	// CommitsNear returns a parentage map for commits in the neighborhood
	// of the given commit, keyed by commit with a list of parent commits.
	CommitsNear(ctx context.Context, repository, commit string) (map[string][]string, error)
}

// Store is the shared cross-repository index backed by a single sqlite
// database. Both the HTTP surface and the worker open the same file;
// sqlite's single-writer lock, with a busy timeout, serializes writers.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
	now    func() time.Time
}

// OpenStore opens or creates the cross-repository database at path.
func OpenStore(ctx context.Context, logger *logging.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, errors.Wrap(errors.Transient, "failed to open cross-repo database", err)
	}
	for _, pragma := range []string{"PRAGMA busy_timeout=5000", "PRAGMA journal_mode=WAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errors.Wrap(errors.Transient, "failed to set pragma", err)
		}
	}
	if _, err := db.ExecContext(ctx, storeSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.Transient, "failed to create cross-repo schema", err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.Transient, "failed to begin transaction", err)
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.Transient, "failed to commit transaction", err)
	}
	return nil
}

// AddPackagesAndReferences registers a converted dump. The dump row is
// upserted on (repository, commit, root), retaining the dump id of a prior
// import so a retried conversion replaces its database file in place. Old
// package and reference rows are removed before the new ones are inserted.
func (s *Store) AddPackagesAndReferences(ctx context.Context, repository, commit, root string, packages []Package, references []PackageReference) (Dump, error) {
	dump := Dump{
		Repository: repository,
		Commit:     commit,
		Root:       root,
		UploadedAt: s.now().UTC(),
	}

	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM lsif_dumps WHERE repository = ? AND "commit" = ? AND root = ?`,
			repository, commit, root,
		).Scan(&id)
		switch {
		case err == sql.ErrNoRows:
			result, err := tx.ExecContext(ctx,
				`INSERT INTO lsif_dumps (repository, "commit", root, uploaded_at) VALUES (?, ?, ?, ?)`,
				repository, commit, root, dump.UploadedAt,
			)
			if err != nil {
				return errors.Wrap(errors.Transient, "failed to insert dump", err)
			}
			if id, err = result.LastInsertId(); err != nil {
				return errors.Wrap(errors.Transient, "failed to read dump id", err)
			}
		case err != nil:
			return errors.Wrap(errors.Transient, "failed to look up dump", err)
		default:
			if _, err := tx.ExecContext(ctx,
				"UPDATE lsif_dumps SET uploaded_at = ? WHERE id = ?",
				dump.UploadedAt, id,
			); err != nil {
				return errors.Wrap(errors.Transient, "failed to update dump", err)
			}
			for _, stmt := range []string{
				"DELETE FROM lsif_packages WHERE dump_id = ?",
				"DELETE FROM lsif_references WHERE dump_id = ?",
			} {
				if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
					return errors.Wrap(errors.Transient, "failed to clear old dump rows", err)
				}
			}
		}
		dump.ID = id

		for _, p := range packages {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO lsif_packages (scheme, name, version, dump_id) VALUES (?, ?, ?, ?)",
				p.Scheme, p.Name, p.Version, id,
			); err != nil {
				return errors.Wrap(errors.Transient, "failed to insert package", err)
			}
		}
		for _, r := range references {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO lsif_references (scheme, name, version, dump_id, filter) VALUES (?, ?, ?, ?, ?)",
				r.Scheme, r.Name, r.Version, id, r.Filter,
			); err != nil {
				return errors.Wrap(errors.Transient, "failed to insert reference", err)
			}
		}
		return nil
	})
	if err != nil {
		return Dump{}, err
	}
	return dump, nil
}

const dumpColumns = `id, repository, "commit", root, visible_at_tip, uploaded_at`

func scanDump(scanner interface{ Scan(...interface{}) error }) (Dump, error) {
	var d Dump
	if err := scanner.Scan(&d.ID, &d.Repository, &d.Commit, &d.Root, &d.VisibleAtTip, &d.UploadedAt); err != nil {
		return Dump{}, err
	}
	return d, nil
}

// GetDumpByID returns the dump with the given id.
func (s *Store) GetDumpByID(ctx context.Context, id int64) (Dump, bool, error) {
	dump, err := scanDump(s.db.QueryRowContext(ctx,
		"SELECT "+dumpColumns+" FROM lsif_dumps WHERE id = ?", id,
	))
	if err == sql.ErrNoRows {
		return Dump{}, false, nil
	}
	if err != nil {
		return Dump{}, false, errors.Wrap(errors.Transient, "failed to read dump", err)
	}
	return dump, true, nil
}

// GetDump returns the dump for an exact (repository, commit, root) triple.
func (s *Store) GetDump(ctx context.Context, repository, commit, root string) (Dump, bool, error) {
	dump, err := scanDump(s.db.QueryRowContext(ctx,
		`SELECT `+dumpColumns+` FROM lsif_dumps WHERE repository = ? AND "commit" = ? AND root = ?`,
		repository, commit, root,
	))
	if err == sql.ErrNoRows {
		return Dump{}, false, nil
	}
	if err != nil {
		return Dump{}, false, errors.Wrap(errors.Transient, "failed to read dump", err)
	}
	return dump, true, nil
}

// FindClosestDump returns the dump nearest to commit whose root covers path.
// The commit graph is searched breadth-first from the query commit, ancestors
// before descendants at equal distance, visiting at most MaxTraversalLimit
// commits. Among dumps at the chosen commit the most recent upload wins.
func (s *Store) FindClosestDump(ctx context.Context, repository, commit, path string) (Dump, bool, error) {
	dumpsByCommit, err := s.dumpsByCommit(ctx, repository)
	if err != nil {
		return Dump{}, false, err
	}
	if len(dumpsByCommit) == 0 {
		return Dump{}, false, nil
	}

	parents, children, err := s.commitGraph(ctx, repository)
	if err != nil {
		return Dump{}, false, err
	}

	// Breadth-first over the undirected graph. Commits reached through a
	// parent edge are placed before those reached through a child edge, so
	// at equal distance an ancestor's dump wins over a descendant's.
	visited := map[string]bool{}
	frontier := []string{commit}
	for len(frontier) > 0 && len(visited) < MaxTraversalLimit {
		var ancestors, descendants []string
		for _, c := range frontier {
			if visited[c] || len(visited) >= MaxTraversalLimit {
				continue
			}
			visited[c] = true

			if dump, ok := bestDump(dumpsByCommit[c], path); ok {
				return dump, true, nil
			}
			ancestors = append(ancestors, parents[c]...)
			descendants = append(descendants, children[c]...)
		}
		frontier = append(ancestors, descendants...)
	}
	return Dump{}, false, nil
}

func bestDump(candidates []Dump, path string) (Dump, bool) {
	var best Dump
	found := false
	for _, d := range candidates {
		if !rootCovers(d.Root, path) {
			continue
		}
		if !found || d.UploadedAt.After(best.UploadedAt) {
			best = d
			found = true
		}
	}
	return best, found
}

// rootCovers reports whether a dump rooted at root indexes path. The empty
// root covers every path.
func rootCovers(root, path string) bool {
	return root == "" || len(path) >= len(root) && path[:len(root)] == root
}

func (s *Store) dumpsByCommit(ctx context.Context, repository string) (map[string][]Dump, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+dumpColumns+" FROM lsif_dumps WHERE repository = ?", repository,
	)
	if err != nil {
		return nil, errors.Wrap(errors.Transient, "failed to query dumps", err)
	}
	defer rows.Close()

	byCommit := map[string][]Dump{}
	for rows.Next() {
		dump, err := scanDump(rows)
		if err != nil {
			return nil, errors.Wrap(errors.Transient, "failed to scan dump", err)
		}
		byCommit[dump.Commit] = append(byCommit[dump.Commit], dump)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.Transient, "failed to iterate dumps", err)
	}
	return byCommit, nil
}

// commitGraph loads the parent and child adjacency for a repository. Parent
// lists keep their insertion order so ancestors are expanded before
// descendants during the breadth-first walk.
func (s *Store) commitGraph(ctx context.Context, repository string) (parents, children map[string][]string, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT "commit", parent_commit FROM lsif_commits WHERE repository = ? ORDER BY rowid`, repository,
	)
	if err != nil {
		return nil, nil, errors.Wrap(errors.Transient, "failed to query commit graph", err)
	}
	defer rows.Close()

	parents = map[string][]string{}
	children = map[string][]string{}
	for rows.Next() {
		var commit, parent string
		if err := rows.Scan(&commit, &parent); err != nil {
			return nil, nil, errors.Wrap(errors.Transient, "failed to scan commit row", err)
		}
		if parent == "" {
			continue
		}
		parents[commit] = append(parents[commit], parent)
		children[parent] = append(children[parent], commit)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Wrap(errors.Transient, "failed to iterate commit rows", err)
	}
	return parents, children, nil
}

// FindDefiningDump returns the dump that exports the given package.
func (s *Store) FindDefiningDump(ctx context.Context, pkg Package) (Dump, bool, error) {
	dump, err := scanDump(s.db.QueryRowContext(ctx,
		`SELECT `+dumpColumns+` FROM lsif_dumps
		 WHERE id = (SELECT dump_id FROM lsif_packages WHERE scheme = ? AND name = ? AND version = ?)`,
		pkg.Scheme, pkg.Name, pkg.Version,
	))
	if err == sql.ErrNoRows {
		return Dump{}, false, nil
	}
	if err != nil {
		return Dump{}, false, errors.Wrap(errors.Transient, "failed to find defining dump", err)
	}
	return dump, true, nil
}

// FindReferencingDumps returns the dumps that import the given package and
// whose membership filter admits identifier. Corrupt filters are logged and
// the row skipped rather than failing the whole lookup.
func (s *Store) FindReferencingDumps(ctx context.Context, pkg Package, identifier string) ([]Dump, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.repository, d."commit", d.root, d.visible_at_tip, d.uploaded_at, r.filter
		 FROM lsif_references r JOIN lsif_dumps d ON d.id = r.dump_id
		 WHERE r.scheme = ? AND r.name = ? AND r.version = ?
		 ORDER BY d.id`,
		pkg.Scheme, pkg.Name, pkg.Version,
	)
	if err != nil {
		return nil, errors.Wrap(errors.Transient, "failed to query references", err)
	}
	defer rows.Close()

	var dumps []Dump
	for rows.Next() {
		var d Dump
		var filter []byte
		if err := rows.Scan(&d.ID, &d.Repository, &d.Commit, &d.Root, &d.VisibleAtTip, &d.UploadedAt, &filter); err != nil {
			return nil, errors.Wrap(errors.Transient, "failed to scan reference row", err)
		}
		ok, err := TestFilter(filter, identifier)
		if err != nil {
			s.logger.Warn("Skipping reference row with unreadable filter", map[string]interface{}{
				"dumpID": d.ID,
				"error":  err.Error(),
			})
			continue
		}
		if ok {
			dumps = append(dumps, d)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.Transient, "failed to iterate reference rows", err)
	}
	return dumps, nil
}

// Repositories returns every repository with at least one dump.
func (s *Store) Repositories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT repository FROM lsif_dumps")
	if err != nil {
		return nil, errors.Wrap(errors.Transient, "failed to query repositories", err)
	}
	defer rows.Close()

	var repositories []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, errors.Wrap(errors.Transient, "failed to scan repository", err)
		}
		repositories = append(repositories, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.Transient, "failed to iterate repositories", err)
	}
	sort.Strings(repositories)
	return repositories, nil
}

// UpdateTips marks each repository's dumps visible when their commit is the
// repository's current tip, and hidden otherwise.
func (s *Store) UpdateTips(ctx context.Context, tips map[string]string) error {
	return s.inTransaction(ctx, func(tx *sql.Tx) error {
		for repository, tip := range tips {
			if _, err := tx.ExecContext(ctx,
				`UPDATE lsif_dumps SET visible_at_tip = ("commit" = ?) WHERE repository = ?`,
				tip, repository,
			); err != nil {
				return errors.Wrap(errors.Transient, "failed to update tip visibility", err)
			}
		}
		return nil
	})
}

// UpdateCommits inserts parentage edges for a repository. Commits with no
// parents are recorded with an empty parent so they count as known.
func (s *Store) UpdateCommits(ctx context.Context, repository string, commits map[string][]string) error {
	return s.inTransaction(ctx, func(tx *sql.Tx) error {
		for commit, parents := range commits {
			if len(parents) == 0 {
				parents = []string{""}
			}
			for _, parent := range parents {
				if _, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO lsif_commits (repository, "commit", parent_commit) VALUES (?, ?, ?)`,
					repository, commit, parent,
				); err != nil {
					return errors.Wrap(errors.Transient, "failed to insert commit edge", err)
				}
			}
		}
		return nil
	})
}

// HasCommit reports whether the commit graph already contains the commit.
func (s *Store) HasCommit(ctx context.Context, repository, commit string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lsif_commits WHERE repository = ? AND "commit" = ?`,
		repository, commit,
	).Scan(&n)
	if err != nil {
		return false, errors.Wrap(errors.Transient, "failed to probe commit", err)
	}
	return n > 0, nil
}

// DiscoverAndUpdateCommit fetches the neighborhood of an unknown commit from
// the repository host and merges it into the commit graph. Repositories with
// no dumps are skipped; there is nothing a larger graph could select.
func (s *Store) DiscoverAndUpdateCommit(ctx context.Context, git GitserverClient, repository, commit string) error {
	known, err := s.HasCommit(ctx, repository, commit)
	if err != nil || known {
		return err
	}

	dumps, err := s.dumpsByCommit(ctx, repository)
	if err != nil {
		return err
	}
	if len(dumps) == 0 {
		return nil
	}

	commits, err := git.CommitsNear(ctx, repository, commit)
	if err != nil {
		return errors.Wrap(errors.Transient, "failed to fetch commits near "+commit, err)
	}
	s.logger.Debug("Discovered commits", map[string]interface{}{
		"repository": repository,
		"commit":     commit,
		"numCommits": len(commits),
	})
	return s.UpdateCommits(ctx, repository, commits)
}

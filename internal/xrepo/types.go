package xrepo

import "time"

// Dump is one imported LSIF payload for a (repository, commit, root).
type Dump struct {
	ID           int64
	Repository   string
	Commit       string
	Root         string
	VisibleAtTip bool
	UploadedAt   time.Time
}

// Package identifies a versioned namespace of monikers.
type Package struct {
	Scheme  string
	Name    string
	Version string
}

// PackageReference records that a dump imports a package, together with a
// membership filter over the moniker identifiers it uses from it.
type PackageReference struct {
	Package
	Filter []byte
}

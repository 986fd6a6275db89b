package main

import (
	"github.com/spf13/cobra"

	"lsifd/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "lsifd",
	Short: "lsifd - LSIF code intelligence server",
	Long: `lsifd ingests LSIF dumps and answers definition, reference, and hover
queries across repositories and commits. The serve subcommand runs the HTTP
API; the worker subcommand converts queued uploads into dump databases.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate("lsifd version {{.Version}}\n")
}

// Command pgstreamctl is the thin CLI surface this core leaves in scope: the
// sentinel control verbs (setup, get, set). Everything else in spec.md §6's
// CLI surface (stream receive/transform/catchup/replay argument plumbing,
// filter-file parsing, environment loading) is explicitly out of scope.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

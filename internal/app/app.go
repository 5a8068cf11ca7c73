package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "intake":
		return runIntake(args[1:])
	case "maintain", "recluster":
		return runMaintain(args[1:])
	case "search":
		return runSearch(args[1:])
	case "story":
		return runStory(args[1:])
	case "stats":
		return runStats(args[1:])
	case "serve":
		return runServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "storyline CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  storyline <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health     Verify database, search index and embedding service")
	fmt.Fprintln(os.Stderr, "  validate   Validate article JSON files against the intake schema")
	fmt.Fprintln(os.Stderr, "  intake     Store, cluster and index article JSON files")
	fmt.Fprintln(os.Stderr, "  maintain   Run one cluster maintenance cycle")
	fmt.Fprintln(os.Stderr, "  recluster  Alias for maintain")
	fmt.Fprintln(os.Stderr, "  search     Hybrid search over articles")
	fmt.Fprintln(os.Stderr, "  story      Show one story with its member articles")
	fmt.Fprintln(os.Stderr, "  stats      Show corpus and clustering statistics")
	fmt.Fprintln(os.Stderr, "  serve      Start the HTTP API and the maintenance scheduler")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"storyline <command> -h\" for command-specific flags.")
}

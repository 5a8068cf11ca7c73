package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/storyline/internal/cli"
)

func runMaintain(args []string) int {
	fs := flag.NewFlagSet("maintain", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")
	flushTimeout := fs.Duration("flush-timeout", 30*time.Second, "Time allowed for the final index flush")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "maintain does not accept positional arguments")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	cfg, logger, err := loadConfigAndLogger(envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Maintenance failed: %v\n", err)
		return 1
	}

	report, cycleErr := rt.maintainer.RunCycle(ctx)
	if closeErr := rt.Close(*flushTimeout); closeErr != nil {
		logger.Error().Err(closeErr).Msg("shutdown incomplete")
	}
	if cycleErr != nil {
		fmt.Fprintf(os.Stderr, "Maintenance failed: %v\n", cycleErr)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(report); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := [][]string{
		{"window_start", formatUTCTimestamp(report.WindowStart)},
		{"duration", report.Duration.String()},
		{"recomputed", fmt.Sprintf("%d", report.Recomputed)},
		{"merged", fmt.Sprintf("%d", report.Merged)},
		{"split", fmt.Sprintf("%d", report.Split)},
		{"reassigned", fmt.Sprintf("%d", report.Reassigned)},
		{"materialized", fmt.Sprintf("%d", report.Materialized)},
		{"refs_cleared", fmt.Sprintf("%d", report.RefsCleared)},
		{"orphans_deleted", fmt.Sprintf("%d", report.OrphansDeleted)},
		{"errors", fmt.Sprintf("%d", report.Errors)},
	}
	if err := writeTable([]string{"phase", "value"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	if report.Errors > 0 {
		return 1
	}
	return 0
}

package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/storyline/internal/cli"
)

type intakeSummary struct {
	Scanned  int
	Stored   int
	Joined   int
	Created  int
	Embedded int
	Indexed  int
	Failed   int
}

func runIntake(args []string) int {
	fs := flag.NewFlagSet("intake", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	file := fs.String("file", "", "Single article JSON file")
	dir := fs.String("dir", "", "Directory of article JSON files")
	recursive := fs.Bool("recursive", true, "Recursively scan subdirectories of --dir")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	flushTimeout := fs.Duration("flush-timeout", 30*time.Second, "Time allowed for the final index flush")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	filePath := strings.TrimSpace(*file)
	dirPath := strings.TrimSpace(*dir)
	if (filePath == "") == (dirPath == "") {
		fmt.Fprintln(os.Stderr, "exactly one of --file or --dir is required")
		return 2
	}

	target := filePath
	if target == "" {
		target = dirPath
	}
	files, err := collectJSONFiles(target, *recursive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Intake setup failed: %v\n", err)
		return 1
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "Intake failed: no .json files found under %s\n", target)
		return 1
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
		fmt.Fprintf(os.Stderr, "Intake failed: %v\n", err)
		return 1
	}

	summary := intakeSummary{}
	for _, path := range files {
		summary.Scanned++

		raw, err := os.ReadFile(path)
		if err != nil {
			summary.Failed++
			fmt.Fprintf(os.Stderr, "FAILED %s: read failed: %v\n", path, err)
			continue
		}

		result, err := rt.intake.IntakeJSON(ctx, raw)
		if err != nil {
			summary.Failed++
			logger.Warn().Err(err).Str("path", path).Msg("article intake failed")
			fmt.Fprintf(os.Stderr, "FAILED %s: %v\n", path, err)
			continue
		}

		summary.Stored++
		if result.Joined {
			summary.Joined++
		} else {
			summary.Created++
		}
		if result.Embedded {
			summary.Embedded++
		}
		if result.Indexed {
			summary.Indexed++
		}
	}

	closeErr := rt.Close(*flushTimeout)
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "Shutdown incomplete: %v\n", closeErr)
	}

	fmt.Printf(
		"intake scanned=%d stored=%d joined=%d created=%d embedded=%d queued=%d failed=%d\n",
		summary.Scanned,
		summary.Stored,
		summary.Joined,
		summary.Created,
		summary.Embedded,
		summary.Indexed,
		summary.Failed,
	)

	if summary.Failed > 0 || closeErr != nil {
		return 1
	}
	return 0
}

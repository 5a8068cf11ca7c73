package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"horse.fit/storyline/internal/cli"
	"horse.fit/storyline/internal/httpapi"
)

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Second, "Timeout for all dependency checks")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
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
		logger.Error().Err(err).Msg("health check failed")
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer rt.Close(*timeout)

	checks := rt.healthChecks()
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := 0
	for _, name := range names {
		err := checks[name](ctx)
		switch {
		case err == nil:
			fmt.Printf("ok: %s\n", name)
		case errors.Is(err, httpapi.ErrCheckDisabled):
			fmt.Printf("disabled: %s\n", name)
		default:
			failed++
			logger.Error().Err(err).Str("check", name).Msg("health check failed")
			fmt.Printf("error: %s: %v\n", name, err)
		}
	}

	if failed > 0 {
		return 1
	}
	logger.Info().Dur("timeout", *timeout).Msg("health checks passed")
	return 0
}

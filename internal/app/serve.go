package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"horse.fit/storyline/internal/cli"
	"horse.fit/storyline/internal/clustering"
	"horse.fit/storyline/internal/httpapi"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "0.0.0.0", "Host interface to bind")
	port := fs.Int("port", 8090, "HTTP port")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	flushTimeout := fs.Duration("flush-timeout", 30*time.Second, "Time allowed for the final index flush on shutdown")
	noScheduler := fs.Bool("no-scheduler", false, "Disable periodic cluster maintenance")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	cfg, logger, err := loadConfigAndLogger(envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	openCtx, openCancel := context.WithTimeout(context.Background(), 10*time.Second)
	rt, err := openRuntime(openCtx, cfg, logger)
	openCancel()
	if err != nil {
		logger.Error().Err(err).Msg("serve failed to start runtime")
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer func() {
		if err := rt.Close(*flushTimeout); err != nil {
			logger.Error().Err(err).Msg("shutdown incomplete")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		cancel()
	}()

	scheduler := clustering.NewScheduler(rt.maintainer, cfg.ReclusterInterval(), logger)
	if !*noScheduler {
		if err := scheduler.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start scheduler: %v\n", err)
			return 1
		}
		defer scheduler.Stop()
	}

	srv := httpapi.NewServer(httpapi.Dependencies{
		Search:      rt.engine,
		Stories:     rt.pool,
		Intake:      rt.intake,
		Maintenance: scheduler,
		Queue:       rt.queue,
		Checks:      rt.healthChecks(),
	}, logger, httpapi.Options{
		Host:               *host,
		Port:               *port,
		ReadTimeout:        *readTimeout,
		WriteTimeout:       *writeTimeout,
		ShutdownTimeout:    *shutdownTimeout,
		CORSAllowedOrigins: cfg.CORSAllowedOriginsList(),
		Window:             cfg.Window(),
	})

	if err := srv.Start(ctx); err != nil {
		logger.Error().Err(err).Str("host", *host).Int("port", *port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}

	return 0
}

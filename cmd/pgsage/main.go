package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pgsage/pgsage/internal/api"
	"github.com/pgsage/pgsage/internal/auth"
	"github.com/pgsage/pgsage/internal/config"
	"github.com/pgsage/pgsage/internal/database"
	"github.com/pgsage/pgsage/internal/introspect"
	"github.com/pgsage/pgsage/internal/jobs"
	"github.com/pgsage/pgsage/internal/llm"
	"github.com/pgsage/pgsage/internal/scanner"
	"github.com/pgsage/pgsage/internal/scheduler"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: pgsage <command>\n\nCommands:\n  serve    Start the server\n  migrate  Run database migrations\n")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "migrate":
		cmdMigrate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func cmdServe(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServe(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	traceShutdown, err := initTracing(context.Background())
	if err != nil {
		slog.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(ctx); err != nil {
			slog.Error("shutdown tracing", "error", err)
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Auto-migrate on startup
	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}

	authSvc := auth.NewService(cfg.Auth.JWTSecret, cfg.TokenDuration())

	var advisor api.SuggestionAdvisor
	if cfg.Advisor.OpenAIAPIKey != "" {
		advisor = llm.NewAdvisor(
			llm.NewOpenAI(cfg.Advisor.OpenAIAPIKey, cfg.Advisor.Model),
			llm.AdvisorOptions{
				MaxSuggestions: cfg.Advisor.MaxSuggestions,
				Timeout:        cfg.AdvisorTimeout(),
			},
		)
	} else {
		slog.Warn("no advisor API key configured, suggestions will be heuristic only")
	}

	gh := scanner.NewGitHubClient(cfg.Scanner.GitHubAPIBaseURL, cfg.Scanner.GitHubToken)
	codeScanner := scanner.New(gh, scanner.Options{
		MaxFiles:     cfg.Scanner.MaxFiles,
		MaxFileBytes: cfg.Scanner.MaxFileBytes,
	})

	queue := jobs.NewQueue(db, jobs.QueueOptions{})
	server := api.NewServer(db, authSvc, api.ServerOptions{
		Introspector: introspect.New(0),
		Scanner:      codeScanner,
		Advisor:      advisor,
		Queue:        queue,
		Workers:      cfg.Scheduler.Workers,
	})

	sched := scheduler.New(db, queue, scheduler.Options{Tick: cfg.SchedulerTick()})

	ctx := context.Background()
	if err := server.StartBackgroundWorkers(ctx); err != nil {
		slog.Error("start workers", "error", err)
		os.Exit(1)
	}
	if err := sched.Start(ctx); err != nil {
		slog.Error("start scheduler", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt)

	go func() {
		slog.Info("pgsage listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Warn("stop scheduler", "error", err)
	}
	if err := server.StopBackgroundWorkers(shutdownCtx); err != nil {
		slog.Warn("stop workers", "error", err)
	}
}

func cmdMigrate(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations complete")
}

func openDB(cfg *config.Config) (database.DB, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return database.OpenSQLite(cfg.Database.DSN)
	case "postgres":
		return database.OpenPostgres(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

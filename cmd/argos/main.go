package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"argos/internal/capture"
	"argos/internal/config"
	"argos/internal/ingest"
	"argos/internal/model"
	"argos/internal/ratelimit"
	"argos/internal/scheduler"
	"argos/internal/storage"
	"argos/internal/urlcheck"
)

func main() {
	cfg, args, err := config.Load(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return
		}
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	app := newApp(cfg, store, log)

	if err := app.run(args[0], args[1:]); err != nil {
		log.Error(args[0], "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: argos [OPTIONS] <command> [args]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve                                        Run the periodic fetch daemon")
	fmt.Fprintln(os.Stderr, "  fetch <user-id>                              Fetch all active sources for a user now")
	fmt.Fprintln(os.Stderr, "  capture <user-id> <url>                      Capture one article from a URL")
	fmt.Fprintln(os.Stderr, "  add-source <user-id> <type> <url> <name> [category]")
	fmt.Fprintln(os.Stderr, "                                               Subscribe a user to an rss or reddit source")
	fmt.Fprintln(os.Stderr, "  list-sources <user-id>                       List a user's sources")
}

// app wires the ingestion pipeline together.
type app struct {
	cfg          *config.Config
	store        storage.Storage
	orchestrator *ingest.Orchestrator
	capture      *capture.Service
	validator    *urlcheck.Validator
	log          *slog.Logger
}

func newApp(cfg *config.Config, store storage.Storage, log *slog.Logger) *app {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	gateway := ingest.NewGateway(store, log)
	rss := ingest.NewRSSFetcher(httpClient, gateway, cfg.UserAgent, log)
	reddit := ingest.NewRedditFetcher(httpClient, gateway, cfg.UserAgent, log)
	validator := urlcheck.New(log)
	limiter := ratelimit.New()

	return &app{
		cfg:          cfg,
		store:        store,
		orchestrator: ingest.NewOrchestrator(store, rss, reddit, log),
		capture:      capture.New(store, gateway, validator, limiter, log),
		validator:    validator,
		log:          log,
	}
}

func (a *app) run(command string, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "serve":
		return a.serve(ctx)
	case "fetch":
		if len(args) != 1 {
			return errors.New("usage: fetch <user-id>")
		}
		return a.fetch(ctx, args[0])
	case "capture":
		if len(args) != 2 {
			return errors.New("usage: capture <user-id> <url>")
		}
		return a.captureURL(ctx, args[0], args[1])
	case "add-source":
		if len(args) < 4 || len(args) > 5 {
			return errors.New("usage: add-source <user-id> <type> <url> <name> [category]")
		}
		category := ""
		if len(args) == 5 {
			category = args[4]
		}
		return a.addSource(ctx, args[0], args[1], args[2], args[3], category)
	case "list-sources":
		if len(args) != 1 {
			return errors.New("usage: list-sources <user-id>")
		}
		return a.listSources(ctx, args[0])
	default:
		usage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

func (a *app) serve(ctx context.Context) error {
	sched := scheduler.New(a.store, a.orchestrator, a.cfg.FetchInterval(), a.log)
	sched.Start()
	defer sched.Stop()

	a.log.Info("argos started", "fetch_interval", a.cfg.FetchInterval().String())
	<-ctx.Done()
	a.log.Info("shutting down")
	return nil
}

func (a *app) fetch(ctx context.Context, userID string) error {
	summary, err := a.orchestrator.RunForUser(ctx, userID)
	if err != nil {
		return err
	}

	fmt.Printf("Fetched %d/%d sources, %d new articles in %s\n",
		summary.SourcesProcessed, summary.TotalSources,
		summary.TotalArticlesAdded, summary.Duration.Round(time.Millisecond))
	for _, r := range summary.Results {
		if r.Success {
			fmt.Printf("  ok    %-30s +%d\n", r.SourceName, r.ArticlesAdded)
		} else {
			fmt.Printf("  fail  %-30s %s\n", r.SourceName, r.Error)
		}
	}
	return nil
}

func (a *app) captureURL(ctx context.Context, userID, url string) error {
	article, err := a.capture.Capture(ctx, url, userID)
	if err != nil {
		return err
	}
	fmt.Printf("Captured %q (%s)\n", article.Title, article.ID)
	return nil
}

func (a *app) addSource(ctx context.Context, userID, sourceType, url, name, category string) error {
	src := &model.Source{
		UserID:   userID,
		Name:     name,
		Category: category,
		IsActive: true,
	}

	switch model.SourceType(sourceType) {
	case model.SourceTypeRSS:
		if check := a.validator.Validate(ctx, url); !check.Safe {
			return fmt.Errorf("feed URL not allowed: %s", check.Reason)
		}
		src.Type = model.SourceTypeRSS
		src.URL = url
	case model.SourceTypeReddit:
		normalized, err := ingest.NormalizeSubredditURL(url)
		if err != nil {
			return err
		}
		src.Type = model.SourceTypeReddit
		src.URL = normalized
	default:
		return fmt.Errorf("unknown source type %q, want rss or reddit", sourceType)
	}

	if err := a.store.CreateSource(ctx, src); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return fmt.Errorf("user already has a source for %s", src.URL)
		}
		return err
	}

	fmt.Printf("Added %s source %q (%s)\n", src.Type, src.Name, src.ID)
	return nil
}

func (a *app) listSources(ctx context.Context, userID string) error {
	sources, err := a.store.ListSources(ctx, userID)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		fmt.Println("No sources")
		return nil
	}

	for _, src := range sources {
		status := "active"
		if !src.IsActive {
			status = "inactive"
		}
		last := "never"
		if src.LastFetchedAt != nil {
			last = src.LastFetchedAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-6s  %-8s  %-30s  %s  (last fetched: %s)\n",
			src.ID, src.Type, status, src.Name, src.URL, last)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

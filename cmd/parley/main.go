// Command parley runs one conversation turn against a configured provider,
// with forking, fd paging, and transcript persistence wired in.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	parley "github.com/parley-ai/parley"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/observer"
	"github.com/parley-ai/parley/provider/openaicompat"
	"github.com/parley-ai/parley/store/postgres"
	"github.com/parley-ai/parley/store/sqlite"
)

func main() {
	configPath := flag.String("config", os.Getenv("PARLEY_CONFIG"), "path to parley.toml")
	input := flag.String("input", "", "single input to run; omit for interactive mode")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	// 1. Provider
	provider := openaicompat.New(cfg.Provider.APIKey, cfg.Provider.Model, cfg.Provider.BaseURL,
		openaicompat.WithLogger(logger))

	// 2. Store
	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		log.Fatalf("init store: %v", err)
	}

	// 3. Plugins
	plugins := []any{
		parley.NewFDPlugin(),
		parley.NewStderrPlugin(),
		parley.NewTranscriptPlugin(store, logger),
	}
	if cfg.Guard.Enabled {
		plugins = append(plugins, parley.NewInjectionGuard(
			parley.InjectionPatterns(cfg.Guard.Patterns...),
			parley.InjectionLogger(logger),
		))
	}

	// 4. Observability
	opts := []parley.ProcessOption{
		parley.WithSystemPrompt(cfg.Process.SystemPrompt),
		parley.WithMaxTurns(cfg.Process.MaxTurns),
		parley.WithFDConfig(parley.FDConfig{
			PageSize:             cfg.FD.PageSize,
			MaxDirectOutputChars: cfg.FD.MaxDirectOutputChars,
			MaxInputChars:        cfg.FD.MaxInputChars,
			PageUserInput:        cfg.FD.PageUserInput,
			EnableReferences:     cfg.FD.EnableReferences,
		}),
		parley.WithTools(parley.ForkTool()),
		parley.WithLogger(logger),
	}
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("init observer: %v", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutCtx)
		}()
		plugins = append(plugins, observer.NewPlugin(inst))
		opts = append(opts, parley.WithTracer(observer.NewTracer()))
	}
	opts = append(opts, parley.WithPlugins(plugins...))

	if access, err := parley.ParseAccessLevel(cfg.Process.Access); err == nil {
		opts = append(opts, parley.WithAccess(access))
	}

	// 5. Process
	proc, err := parley.NewProcess(provider, opts...)
	if err != nil {
		log.Fatalf("create process: %v", err)
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = proc.Drain(drainCtx)
	}()

	if *input != "" {
		runOnce(ctx, proc, *input)
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		runOnce(ctx, proc, line)
	}
}

func runOnce(ctx context.Context, proc *parley.Process, input string) {
	result, err := proc.Run(ctx, input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	fmt.Println(result.Output)
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (parley.TranscriptStore, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return postgres.New(pool, postgres.WithLogger(logger)), nil
	case "sqlite", "":
		return sqlite.New(cfg.Path, sqlite.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

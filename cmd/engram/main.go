// Engram is a durable-memory service for LLM agents.
//
// It extracts memories worth keeping from conversation turns using a
// small local model, appends them to plain markdown files, and keeps a
// journal of every extraction run. An HTTP API accepts turns, a web
// dashboard shows what was remembered, and an optional MQTT bridge
// publishes presence and accepts manual memories. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	engram serve              Start the API server and extraction worker
//	engram init [dir]         Write an example config and home layout
//	engram extract [text]     Run one extraction synchronously (stdin if no text)
//	engram show               Print stored memories
//	engram import <file.md>   Import bullets from a markdown notes file
//	engram search <query>     Search journaled memory entries
//	engram version            Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/engram/internal/api"
	"github.com/nugget/engram/internal/buildinfo"
	"github.com/nugget/engram/internal/config"
	"github.com/nugget/engram/internal/connwatch"
	"github.com/nugget/engram/internal/events"
	"github.com/nugget/engram/internal/extractor"
	"github.com/nugget/engram/internal/ingest"
	"github.com/nugget/engram/internal/journal"
	"github.com/nugget/engram/internal/llm"
	"github.com/nugget/engram/internal/memory"
	"github.com/nugget/engram/internal/mqtt"
	"github.com/nugget/engram/internal/prompts"
	"github.com/nugget/engram/internal/web"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the engram command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var cwd string
	var scope string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-cwd" && i+1 < len(args):
			cwd = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-cwd="):
			cwd = strings.TrimPrefix(args[i], "-cwd=")
		case args[i] == "-scope" && i+1 < len(args):
			scope = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-scope="):
			scope = strings.TrimPrefix(args[i], "-scope=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}
	if scope == "" {
		scope = "global"
	}
	if scope != "global" && scope != "repo" {
		return fmt.Errorf("unknown scope: %q (expected global or repo)", scope)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "extract":
		return runExtract(ctx, stdout, configPath, outputFmt, cwd, cmdArgs)
	case "show":
		return runShow(stdout, configPath, outputFmt, cwd)
	case "import":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: engram import <file.md>")
		}
		return runImport(stdout, configPath, cwd, scope, cmdArgs[0])
	case "search":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: engram search <query>")
		}
		return runSearch(stdout, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// engram is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Engram - Durable memory for LLM agents")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: engram [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the API server and extraction worker")
	fmt.Fprintln(w, "  init [dir]       Write an example config and home layout (default: .)")
	fmt.Fprintln(w, "  extract [text]   Run one extraction synchronously (stdin if no text)")
	fmt.Fprintln(w, "  show             Print stored memories")
	fmt.Fprintln(w, "  import <file>    Import bullets from a markdown notes file")
	fmt.Fprintln(w, "  search <query>   Search journaled memory entries")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -cwd <dir>        Working directory for repo-scoped memories")
	fmt.Fprintln(w, "  -scope global|repo  Target memories file for import (default: global)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.engram/config.yaml, ~/.config/engram/config.yaml,")
	fmt.Fprintln(w, "  /etc/engram/config.yaml")
	return nil
}

// runExtract handles the "engram extract [text]" subcommand. It runs a
// single extraction synchronously against the configured model and
// prints the run result. With no text argument, stdin is read. Useful
// for testing a model or prompt variant without starting the server.
func runExtract(ctx context.Context, stdout io.Writer, configPath, outputFmt, cwd string, args []string) error {
	logger := config.NewLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	text := strings.Join(args, " ")
	if strings.TrimSpace(text) == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("nothing to extract: pass text or pipe it on stdin")
	}

	if err := os.MkdirAll(cfg.ResolveDataDir(), 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	jrnl, err := journal.NewStore(filepath.Join(cfg.ResolveDataDir(), "journal.db"), logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jrnl.Close()

	memories := memory.NewStore(cfg.ResolveHome(), logger)
	llmClient := createLLMClient(cfg, logger)

	// An explicit one-shot extraction runs even when the background
	// pipeline is disabled in config.
	cfg.Extraction.Enabled = true
	ex := newExtractor(cfg, memories, jrnl, llmClient, nil, cwd, logger)

	run := ex.Extract(ctx, uuid.Nil, journal.OriginCLI, []extractor.Input{
		{Kind: extractor.InputUser, Text: text},
	})

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}

	switch run.Outcome {
	case journal.OutcomeRecorded:
		fmt.Fprintf(stdout, "Recorded %d of %d candidate(s) to %s\n", run.Appended, run.Candidates, run.WritePath)
	case journal.OutcomeNoMemories:
		fmt.Fprintln(stdout, "No memories worth keeping.")
	case journal.OutcomeError:
		fmt.Fprintf(stdout, "Extraction failed: %s\n", run.Error)
	default:
		fmt.Fprintf(stdout, "Extraction %s\n", run.Outcome)
	}
	return nil
}

// runShow prints the memories visible from cwd: the global file plus,
// when cwd sits inside a git checkout, the repo-scoped file.
func runShow(stdout io.Writer, configPath, outputFmt, cwd string) error {
	logger := config.NewLogger(io.Discard, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	memories := memory.NewStore(cfg.ResolveHome(), logger)
	entries := memories.Entries(cwd)

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(stdout, "No memories stored.")
		return nil
	}

	var lastPath string
	for _, e := range entries {
		if e.Path != lastPath {
			if lastPath != "" {
				fmt.Fprintln(stdout)
			}
			fmt.Fprintf(stdout, "%s (%s)\n", e.Path, e.Scope)
			lastPath = e.Path
		}
		fmt.Fprintf(stdout, "  - %s\n", e.Text)
	}
	return nil
}

// runImport handles "engram import <file.md>": bullets from the notes
// file are appended to the global or repo-scoped memories file.
func runImport(stdout io.Writer, configPath, cwd, scope, file string) error {
	logger := config.NewLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	memories := memory.NewStore(cfg.ResolveHome(), logger)

	writePath := memories.GlobalPath()
	if scope == "repo" {
		if cwd == "" {
			if cwd, err = os.Getwd(); err != nil {
				return fmt.Errorf("resolve working directory: %w", err)
			}
		}
		repoPath, ok := memories.RepoPath(cwd)
		if !ok {
			return fmt.Errorf("repo scope requested but %s is not inside a git checkout", cwd)
		}
		writePath = repoPath
	}

	imp := ingest.NewImporter(memories, nil, logger)
	res, err := imp.ImportFile(file, writePath)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Imported %d of %d bullet(s) from %s into %s\n",
		res.Appended, res.Candidates, file, res.Path)
	return nil
}

// runSearch queries the journal for memory entries matching query.
func runSearch(stdout io.Writer, configPath, outputFmt, query string) error {
	logger := config.NewLogger(io.Discard, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	jrnl, err := journal.NewStore(filepath.Join(cfg.ResolveDataDir(), "journal.db"), logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jrnl.Close()

	entries, err := jrnl.SearchEntries(query, 50)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(stdout, "No matches.")
		return nil
	}
	for _, e := range entries {
		marker := " "
		if !e.Appended {
			marker = "~" // journaled but dropped as a duplicate
		}
		fmt.Fprintf(stdout, "%s %s  %s\n", marker, e.CreatedAt.Format("2006-01-02 15:04"), e.Text)
	}
	return nil
}

// runServe handles the "engram serve" subcommand. It is the primary
// operating mode: loads config, opens the journal, starts the
// extraction worker, the HTTP API with the dashboard, and optionally
// the MQTT bridge, then blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT bridge publishes its offline status and disconnects
//  3. The HTTP server drains in-flight requests
//  4. The worker stops and the journal closes via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting engram", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger is used only for the startup
	// banner; everything after this point uses the configured settings.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate().
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = config.NewLogger(stdout, level, cfg.LogFormat)
	}

	home := cfg.ResolveHome()
	dataDir := cfg.ResolveDataDir()

	logger.Info("config loaded",
		"path", cfgPath,
		"home", home,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
	)

	// --- Directories ---
	// The home dir holds the global memories.md; the data dir holds the
	// journal database and the MQTT instance ID.
	for _, dir := range []string{home, dataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	// --- Memory store ---
	// Plain markdown files. The server writes to the global file; repo
	// scoping only applies to callers that pass a working directory.
	memories := memory.NewStore(home, logger)

	// --- Journal ---
	// SQLite-backed record of every turn and extraction run. The
	// pending-turn queue lives here too, so turns submitted while the
	// model was down are picked up after a restart.
	jrnl, err := journal.NewStore(filepath.Join(dataDir, "journal.db"), logger)
	if err != nil {
		return fmt.Errorf("open journal database: %w", err)
	}
	defer jrnl.Close()
	logger.Info("journal opened", "path", filepath.Join(dataDir, "journal.db"), "fts", jrnl.FTSEnabled())

	// --- Event bus ---
	// Fans extraction lifecycle events out to WebSocket clients and the
	// MQTT bridge.
	bus := events.New()

	// --- LLM client ---
	// Multi-provider client that routes each model name to its
	// configured provider. Unknown models fall back to Ollama.
	llmClient := createLLMClient(cfg, logger)

	// --- Connection resilience ---
	// Background health monitoring with exponential backoff. Extraction
	// is queue-based, so a model outage delays memories rather than
	// losing them; the watchers make the outage visible on /api/health.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "llm",
		// Probe the provider serving the extraction model, which may
		// be a routed one rather than the fallback.
		Probe: func(pCtx context.Context) error {
			return llmClient.PingModel(pCtx, extractionModel(cfg))
		},
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})

	// --- Extractor and worker ---
	ex := newExtractor(cfg, memories, jrnl, llmClient, bus, "", logger)

	worker := extractor.NewWorker(ex, jrnl, logger, extractor.WorkerConfig{
		Interval: time.Duration(cfg.Extraction.ScanIntervalSec) * time.Second,
	})
	worker.Start(ctx)
	defer worker.Stop()
	logger.Info("extraction configured",
		"enabled", cfg.Extraction.Enabled,
		"variant", cfg.Extraction.Variant,
		"model", extractionModel(cfg),
	)

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, memories, jrnl, ex, bus, logger)
	server.SetConnWatch(connMgr)

	// --- Web dashboard ---
	if cfg.Web.Enabled {
		server.SetWebUI(web.NewServer(web.Config{
			Memories: memories,
			Journal:  jrnl,
			Logger:   logger,
		}))
		logger.Info("web dashboard enabled")
	}

	// --- MQTT bridge ---
	// Optional: retained state topics, availability presence, and a
	// remember topic for manual memories.
	var bridge *mqtt.Bridge
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(dataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}

		bridge = mqtt.New(cfg.MQTT, instanceID, extractionModel(cfg), "", memories, jrnl, bus, logger)
		go func() {
			if err := bridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge failed", "error", err)
			}
		}()

		// Register with connwatch for health endpoint visibility.
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return bridge.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt bridge enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt bridge disabled (not configured)")
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if bridge != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := bridge.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("engram stopped")
	return nil
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise, [config.FindConfig] searches the default locations.
// Returns the parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds a multi-provider LLM client from the
// configuration. Each model listed in config is mapped to its provider
// (ollama, openai). Models not explicitly mapped fall through to the
// Ollama provider, which acts as the default backend.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Models.OpenAI.BaseURL != "" {
		openaiClient := llm.NewOpenAIClient(cfg.Models.OpenAI.BaseURL, cfg.Models.OpenAI.APIKey, logger)
		multi.AddProvider("openai", openaiClient)
		logger.Info("OpenAI-compatible provider configured", "base_url", cfg.Models.OpenAI.BaseURL)
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	return multi
}

// extractionModel returns the model used for extraction runs:
// extraction.model when set, else models.default.
func extractionModel(cfg *config.Config) string {
	if cfg.Extraction.Model != "" {
		return cfg.Extraction.Model
	}
	return cfg.Models.Default
}

// newExtractor assembles an Extractor from config. dir is the working
// directory whose repo scope (if any) receives new memories.
func newExtractor(cfg *config.Config, memories *memory.Store, jrnl *journal.Store, client llm.Client, bus *events.Bus, dir string, logger *slog.Logger) *extractor.Extractor {
	// Variant strings are validated by config.Validate().
	variant, _ := prompts.ParseVariant(cfg.Extraction.Variant)

	return extractor.New(memories, jrnl, client, bus, logger, extractor.Config{
		Enabled: cfg.Extraction.Enabled,
		Model:   extractionModel(cfg),
		Variant: variant,
		Dir:     dir,
	})
}

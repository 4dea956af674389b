// Colloquy is a multi-strategy conversational AI backend.
//
// Each chat turn is answered by direct generation, by a web search, or
// by a tool-using agent that decides for itself whether to search.
// Conversations persist in SQLite and every turn can be traced to
// Langfuse. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	colloquy serve                          Start the API server
//	colloquy init [dir]                     Write an example config
//	colloquy ask [-strategy s] <question>   Ask a single question
//	colloquy user add <email> <password>    Create a user account
//	colloquy version                        Print version and build information
//	colloquy -o json version                Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/colloquy/internal/agent"
	"github.com/nugget/colloquy/internal/api"
	"github.com/nugget/colloquy/internal/auth"
	"github.com/nugget/colloquy/internal/buildinfo"
	"github.com/nugget/colloquy/internal/chat"
	"github.com/nugget/colloquy/internal/config"
	"github.com/nugget/colloquy/internal/connwatch"
	"github.com/nugget/colloquy/internal/direct"
	"github.com/nugget/colloquy/internal/events"
	"github.com/nugget/colloquy/internal/llm"
	"github.com/nugget/colloquy/internal/metrics"
	"github.com/nugget/colloquy/internal/mqtt"
	"github.com/nugget/colloquy/internal/search"
	"github.com/nugget/colloquy/internal/store"
	"github.com/nugget/colloquy/internal/tracing"
	"github.com/nugget/colloquy/internal/usage"
)

// traceStatsInterval is how often exporter drop counts reach metrics.
const traceStatsInterval = 15 * time.Second

// main constructs the OS-level environment and delegates to [run] so
// that os.Exit and os.Args stay out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx controls the process lifetime,
// structured logs go to stdout, and args excludes the program name.
// Arguments are parsed by hand to keep flag.CommandLine globals out of
// tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "user":
		return runUser(ctx, stdout, stderr, configPath, cmdArgs)
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Colloquy - Multi-strategy conversational AI backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: colloquy [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Start the API server")
	fmt.Fprintln(w, "  init [dir]                   Write an example config (default: .)")
	fmt.Fprintln(w, "  ask [-strategy s] [-model m] Ask a single question")
	fmt.Fprintln(w, "  user add <email> <password>  Create a user account")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/colloquy/config.yaml, /etc/colloquy/config.yaml")
	return nil
}

// askArgs is the parsed argument list of the ask subcommand.
type askArgs struct {
	strategy string
	model    string
	question string
}

func parseAskArgs(args []string) (askArgs, error) {
	var a askArgs
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-strategy" && i+1 < len(args):
			a.strategy = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-strategy="):
			a.strategy = strings.TrimPrefix(args[i], "-strategy=")
		case args[i] == "-model" && i+1 < len(args):
			a.model = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-model="):
			a.model = strings.TrimPrefix(args[i], "-model=")
		case strings.HasPrefix(args[i], "-"):
			return a, fmt.Errorf("unknown ask flag: %s", args[i])
		default:
			words = append(words, args[i])
		}
	}
	a.question = strings.TrimSpace(strings.Join(words, " "))
	if a.question == "" {
		return a, errors.New("usage: colloquy ask [-strategy none|internet|auto] [-model name] <question>")
	}
	return a, nil
}

// runAsk answers one question through the full turn pipeline against a
// throwaway database, printing the reply (or the whole stored message
// with -o json).
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	a, err := parseAskArgs(args)
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)
	logger.Debug("config loaded", "path", cfgPath)

	tmp, err := os.MkdirTemp("", "colloquy-ask-")
	if err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	st, err := store.OpenStore(store.DriverPure, tmp+"/ask.db")
	if err != nil {
		return fmt.Errorf("open scratch store: %w", err)
	}
	defer st.Close()

	user, err := st.CreateUser(ctx, "cli@localhost", "")
	if err != nil {
		return fmt.Errorf("create cli user: %w", err)
	}

	b, err := newBackends(cfg, logger)
	if err != nil {
		return err
	}
	svc := chat.NewService(chatConfig(cfg), b.deps(st, logger))

	resp, err := svc.Send(ctx, chat.SendRequest{
		UserID:   user.ID,
		Message:  a.question,
		Strategy: a.strategy,
		Model:    a.model,
	})
	if err != nil {
		var ce *chat.Error
		if errors.As(err, &ce) && ce.Err != nil {
			return fmt.Errorf("ask: %s: %w", ce.Message, ce.Err)
		}
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp.Message)
	}
	fmt.Fprintln(stdout, resp.Message.Content)
	return nil
}

// runUser handles account administration.
func runUser(ctx context.Context, stdout, stderr io.Writer, configPath string, args []string) error {
	if len(args) != 3 || args[0] != "add" {
		return errors.New("usage: colloquy user add <email> <password>")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, logger)
	if err != nil {
		return err
	}
	u, err := auth.NewService(st, issuer, bcrypt.DefaultCost).Register(ctx, args[1], args[2])
	if err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	fmt.Fprintf(stdout, "created user %d (%s)\n", u.ID, u.Email)
	return nil
}

// backends are the generation and search collaborators shared by the
// serve and ask commands.
type backends struct {
	ollama   *llm.OllamaClient
	direct   *direct.Generator
	agent    *agent.Agent
	searcher *search.Manager // nil when no provider is configured
}

func newBackends(cfg *config.Config, logger *slog.Logger) (*backends, error) {
	ollama := llm.NewOllamaClient(cfg.Ollama.URL, cfg.Ollama.Timeout, logger)
	gen := direct.New(ollama, cfg.Ollama.DefaultModel, cfg.Chat.DirectWindow, logger)

	searcher, err := newSearchManager(cfg.Search, logger)
	if err != nil {
		return nil, err
	}

	ag := agent.New(agent.Config{
		DefaultModel:     cfg.Ollama.DefaultModel,
		MemoryBufferSize: cfg.Agent.MemoryBufferSize,
		MaxIterations:    cfg.Agent.MaxIterations,
	}, ollama, searcher, gen, logger)

	return &backends{ollama: ollama, direct: gen, agent: ag, searcher: searcher}, nil
}

// deps assembles chat dependencies. Only the bare collaborators are
// filled in; serve adds tracing, usage, events and metrics.
func (b *backends) deps(st chat.Store, logger *slog.Logger) chat.Deps {
	d := chat.Deps{
		Store:  st,
		Direct: b.direct,
		Agent:  b.agent,
		Logger: logger,
	}
	if b.searcher != nil {
		d.Search = b.searcher
	}
	return d
}

// newSearchManager registers every provider with credentials. It
// returns nil when none is configured.
func newSearchManager(cfg config.SearchConfig, logger *slog.Logger) (*search.Manager, error) {
	if !cfg.Configured() {
		logger.Info("web search disabled (no provider configured)")
		return nil, nil
	}

	mgr := search.NewManager(cfg.Provider, search.Options{
		MaxResults: cfg.MaxResults,
		Depth:      cfg.Depth,
	})
	if cfg.Tavily.APIKey != "" {
		p, err := search.NewTavily(cfg.Tavily.APIKey, cfg.Tavily.BaseURL, cfg.Timeout, logger)
		if err != nil {
			return nil, fmt.Errorf("tavily: %w", err)
		}
		mgr.Register(p)
	}
	if cfg.SearXNG.URL != "" {
		p, err := search.NewSearXNG(cfg.SearXNG.URL, cfg.Timeout, logger)
		if err != nil {
			return nil, fmt.Errorf("searxng: %w", err)
		}
		mgr.Register(p)
	}
	if !mgr.Configured() {
		return nil, fmt.Errorf("search provider %q has no credentials (configured: %v)", cfg.Provider, mgr.Providers())
	}
	logger.Info("web search enabled", "primary", cfg.Provider, "providers", mgr.Providers())
	return mgr, nil
}

// searchWatch checks the search provider. Providers that can only be
// checked with a real query are probed when /v1/health asks, never on
// a timer.
func searchWatch(s *search.Manager) connwatch.WatcherConfig {
	return connwatch.WatcherConfig{
		Name:     api.ServiceSearch,
		Probe:    s.Ping,
		Backoff:  connwatch.DefaultBackoffConfig(),
		OnDemand: !s.Pollable(),
	}
}

func chatConfig(cfg *config.Config) chat.Config {
	return chat.Config{
		DefaultModel:  cfg.Ollama.DefaultModel,
		HistoryLimit:  cfg.Chat.HistoryLimit,
		SystemMessage: cfg.Chat.SystemMessage,
		Pricing:       cfg.Pricing,
	}
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then drains the HTTP server, flushes traces and takes the
// MQTT session offline.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	info := buildinfo.Info()
	logger.Info("starting Colloquy", "version", info["version"], "commit", info["git_commit"], "branch", info["git_branch"], "built", info["build_time"])
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Ollama.DefaultModel,
		"ollama_url", cfg.Ollama.URL,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Storage ---
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("database opened", "driver", cfg.Database.Driver, "path", cfg.DatabasePath())

	usageStore, err := usage.NewStore(st.DB())
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}

	// --- Event bus, metrics, health ---
	bus := events.New()
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	connMgr := connwatch.NewManager(logger, bus)
	defer connMgr.Stop()

	// --- Backends ---
	b, err := newBackends(cfg, logger)
	if err != nil {
		return err
	}

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    api.ServiceDatabase,
		Probe:   st.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
	})
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    api.ServiceOllama,
		Probe:   b.ollama.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			listCtx, listCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer listCancel()
			if models, err := b.ollama.ListModels(listCtx); err == nil {
				logger.Info("connected to Ollama", "url", cfg.Ollama.URL, "models", len(models))
			}
		},
	})
	if b.searcher != nil {
		connMgr.Watch(ctx, searchWatch(b.searcher))
	}

	// --- Tracing ---
	var tracer tracing.Tracer = tracing.Nop{}
	var langfuse *tracing.Langfuse
	if cfg.Langfuse.Configured() {
		langfuse = tracing.NewLangfuse(tracing.LangfuseOptions{
			Host:          cfg.Langfuse.Host,
			PublicKey:     cfg.Langfuse.PublicKey,
			SecretKey:     cfg.Langfuse.SecretKey,
			FlushInterval: cfg.Langfuse.FlushInterval,
			QueueSize:     cfg.Langfuse.QueueSize,
		}, logger)
		langfuse.Start(ctx)
		tracer = langfuse

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    api.ServiceTracing,
			Probe:   langfuse.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
		})
		if m != nil {
			go exportTraceStats(ctx, langfuse, m)
		}
		logger.Info("langfuse tracing enabled", "host", cfg.Langfuse.Host)
	} else {
		logger.Info("tracing disabled (langfuse not configured)")
	}

	// --- Chat ---
	deps := b.deps(st, logger)
	deps.Tracer = tracer
	deps.Usage = usageStore
	deps.Bus = bus
	deps.Metrics = m
	chatSvc := chat.NewService(chatConfig(cfg), deps)

	// --- Auth ---
	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, logger)
	if err != nil {
		return fmt.Errorf("create token issuer: %w", err)
	}
	authSvc := auth.NewService(st, issuer, bcrypt.DefaultCost)

	// --- MQTT forwarder ---
	var forwarder *mqtt.Forwarder
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		forwarder = mqtt.New(cfg.MQTT, instanceID, bus, mqtt.NewDailyTokens(nil), logger)
		go func() {
			if err := forwarder.Start(ctx); err != nil {
				logger.Error("mqtt forwarder failed", "error", err)
			}
		}()
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return forwarder.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
		})
		logger.Info("mqtt forwarding enabled", "broker", cfg.MQTT.Broker, "instance_id", instanceID)
	} else {
		logger.Info("mqtt forwarding disabled (not configured)")
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, chatSvc, st, authSvc, logger)
	server.SetModels(b.ollama, b.direct.DefaultModel())
	server.SetHealth(connMgr)
	server.SetUsage(usageStore)
	server.SetEvents(bus)
	if m != nil {
		server.SetMetrics(m, cfg.Metrics.Path)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
		if forwarder != nil {
			if err := forwarder.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
	}()

	serveErr := server.Start(ctx)

	if langfuse != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := langfuse.Close(flushCtx); err != nil {
			logger.Warn("final trace flush failed", "error", err)
		}
		flushCancel()
	}

	if serveErr != nil && ctx.Err() == nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	logger.Info("Colloquy stopped")
	return nil
}

// exportTraceStats mirrors the exporter's drop counter into metrics.
func exportTraceStats(ctx context.Context, l *tracing.Langfuse, m *metrics.Metrics) {
	ticker := time.NewTicker(traceStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.TraceEventsDropped(l.Stats().Dropped)
		}
	}
}

// newLogger builds the process logger from the configured level and
// format.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	// Validate has already rejected bad levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return slog.New(config.NewHandler(w, level, cfg.LogFormat))
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; otherwise [config.FindConfig] searches the
// default locations.
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

// openStore creates the data directory and opens the configured
// database.
func openStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	st, err := store.OpenStore(cfg.Database.Driver, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath(), err)
	}
	return st, nil
}

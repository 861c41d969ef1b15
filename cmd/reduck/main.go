// Command reduck serves the conversation API and hosts the voice bridge
// between a human speaker and the code agent CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/reduck-ai/reduck/internal/agentbridge"
	"github.com/reduck-ai/reduck/internal/config"
	"github.com/reduck-ai/reduck/internal/convstore"
	"github.com/reduck-ai/reduck/internal/health"
	"github.com/reduck-ai/reduck/internal/observe"
	"github.com/reduck-ai/reduck/internal/server"
	"github.com/reduck-ai/reduck/pkg/speech"
	"github.com/reduck-ai/reduck/pkg/speech/gemini"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file")
	port := flag.Int("port", 0, "HTTP port (overrides the config file)")
	host := flag.String("host", "", "HTTP bind interface (overrides the config file)")
	noBrowser := flag.Bool("no-browser", false, "do not open the browser on startup")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reduck: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// A LevelVar so the config watcher can adjust verbosity at runtime.
	level := &slog.LevelVar{}
	level.Set(config.LogLevelToSlog(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	slog.Info("reduck starting",
		"version", version,
		"addr", addr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "reduck",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Agent bridge ──────────────────────────────────────────────────────────
	var bridgeOpts []agentbridge.Option
	if cfg.Agent.Binary != "" {
		bridgeOpts = append(bridgeOpts, agentbridge.WithBinary(cfg.Agent.Binary))
	}
	if cfg.Agent.ConfigDir != "" {
		bridgeOpts = append(bridgeOpts, agentbridge.WithConfigDir(cfg.Agent.ConfigDir))
	}
	bridge := agentbridge.New(bridgeOpts...)

	binPath, err := bridge.LookupBinary()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reduck: %v\nInstall the agent CLI or set agent.binary in the config.\n", err)
		return 1
	}
	slog.Info("agent CLI resolved", "path", binPath)

	// ── Conversation store ────────────────────────────────────────────────────
	configRoot, err := bridge.ConfigDir()
	if err != nil {
		slog.Error("cannot resolve agent config directory", "err", err)
		return 1
	}
	projectCwd := cfg.Agent.ProjectCwd
	if projectCwd == "" {
		cwd, err := os.Getwd()
		if err != nil {
			slog.Error("cannot determine working directory", "err", err)
			return 1
		}
		projectCwd = cwd
	}
	logDir := convstore.ProjectDir(configRoot, projectCwd)
	store := convstore.New(logDir)
	slog.Info("conversation store ready", "dir", logDir)

	// ── Speech provider registry ──────────────────────────────────────────────
	// The provider is built for readiness reporting; the voice session
	// itself is driven by the browser client over the HTTP surface.
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	if _, err := buildSpeechProvider(cfg, reg); err != nil {
		slog.Warn("voice relay unavailable", "err", err)
	}

	// ── Config watcher (optional hot reload) ──────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				level.Set(config.LogLevelToSlog(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if d.KeywordsChanged || d.TTSChanged || d.AgentDefaultsChanged {
				slog.Info("voice or agent settings changed; restart to apply")
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	checks := health.New(
		health.AgentCLI(bridge.LookupBinary),
		health.ConversationDir(logDir),
	)
	srv := server.New(store, bridge,
		server.WithConfigDir(configRoot),
		server.WithProjectCwd(projectCwd),
		server.WithHealth(checks),
		server.WithAgentDefaults(server.AgentDefaults{
			Model:           cfg.Agent.Model,
			SystemPrompt:    cfg.Agent.SystemPrompt,
			PermissionMode:  cfg.Agent.PermissionMode,
			AllowedTools:    cfg.Agent.AllowedTools,
			DisallowedTools: cfg.Agent.DisallowedTools,
		}),
		server.WithVoiceSettings(server.VoiceSettings{
			Mode:         cfg.Voice.Mode,
			StopWords:    cfg.Voice.StopWords,
			AcceptWords:  cfg.Voice.AcceptWords,
			RejectWords:  cfg.Voice.RejectWords,
			TTSMinChars:  cfg.Voice.TTS.MinChars,
			TTSMaxWaitMs: cfg.Voice.TTS.MaxWait.Milliseconds(),
			Voice:        cfg.Speech.Voice,
		}),
	)

	if !*noBrowser {
		go openBrowser("http://" + addr)
	}

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := srv.Run(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Speech provider wiring ────────────────────────────────────────────────────

// registerBuiltinProviders wires the speech backends that ship with reduck.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSpeech("gemini", func(sc config.SpeechConfig) (speech.Provider, error) {
		key := sc.APIKey
		if key == "" {
			key = os.Getenv("GEMINI_API_KEY")
		}
		if key == "" {
			return nil, errors.New("no API key: set speech.api_key or GEMINI_API_KEY")
		}
		var opts []gemini.Option
		if sc.Model != "" {
			opts = append(opts, gemini.WithModel(sc.Model))
		}
		return gemini.New(key, opts...), nil
	})
}

// buildSpeechProvider instantiates the configured speech backend.
func buildSpeechProvider(cfg *config.Config, reg *config.Registry) (speech.Provider, error) {
	p, err := reg.CreateSpeech(cfg.Speech)
	if err != nil {
		return nil, fmt.Errorf("create speech provider %q: %w", cfg.Speech.Provider, err)
	}
	slog.Info("speech provider created", "name", cfg.Speech.Provider)
	return p, nil
}

// ── Browser ───────────────────────────────────────────────────────────────────

// openBrowser opens url in the platform default browser. Failures only log:
// the server is usable without it.
func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		slog.Warn("could not open browser", "url", url, "err", err)
	}
}

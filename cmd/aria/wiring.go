package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aria-run/aria/cmd/aria/providers"
	"github.com/aria-run/aria/pkg/audit"
	"github.com/aria-run/aria/pkg/kernel"
	"github.com/aria-run/aria/pkg/registry"
	"github.com/aria-run/aria/pkg/router"
	"github.com/aria-run/aria/pkg/scrub"
	"github.com/aria-run/aria/pkg/types"
)

// scrubbedEnvVars lists the environment variables whose values are
// registered with the scrubber so they never reach the audit log, even
// indirectly through a tool argument or model response.
var scrubbedEnvVars = []string{"ANTHROPIC_API_KEY"}

// config holds ARIA's environment-variable configuration. Load never
// fails outright; a missing required value is caught at wiring time,
// once the selected provider is known.
type config struct {
	AnthropicAPIKey string
	PrimaryProvider string
	PrimaryModel    string
	MaxSteps        int
	MaxCostUSD      float64
	DBPath          string
	LogPath         string
	LogLevel        string
	PluginDir       string
}

func loadConfig() *config {
	return &config{
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		PrimaryProvider: getenvDefault("ARIA_PRIMARY_PROVIDER", "anthropic"),
		PrimaryModel:    getenvDefault("ARIA_PRIMARY_MODEL", "claude-sonnet-4-5"),
		MaxSteps:        getenvIntDefault("ARIA_MAX_STEPS", 20),
		MaxCostUSD:      getenvFloatDefault("ARIA_MAX_COST_USD", 1.0),
		DBPath:          getenvDefault("ARIA_DB_PATH", "aria.db"),
		LogPath:         getenvDefault("ARIA_LOG_PATH", "aria.log"),
		LogLevel:        getenvDefault("ARIA_LOG_LEVEL", "INFO"),
		PluginDir:       getenvDefault("ARIA_PLUGIN_DIR", "plugins"),
	}
}

func getenvDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloatDefault(name string, def float64) float64 {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (c *config) limits() types.Limits {
	return types.Limits{MaxSteps: c.MaxSteps, MaxCost: c.MaxCostUSD}
}

// slogLevel maps the ARIA_LOG_LEVEL string to a slog.Level, defaulting to
// Info on an unrecognized value.
func (c *config) slogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger opens ARIA_LOG_PATH and returns a JSON slog.Logger writing to
// it, plus a closer the caller must defer. Log records are structured
// operational events, distinct from the audit chain: they are not
// hash-chained and carry no guarantee of durability.
func newLogger(c *config) (*slog.Logger, func(), error) {
	f, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file %s: %w", c.LogPath, err)
	}
	handler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: c.slogLevel()})
	return slog.New(handler), func() { f.Close() }, nil
}

// buildProvider selects the primary provider adapter named by
// ARIA_PRIMARY_PROVIDER. Provider construction lives entirely in this
// external composition root; the core never imports net/http.
func buildProvider(c *config) (router.Provider, error) {
	switch c.PrimaryProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required when ARIA_PRIMARY_PROVIDER=anthropic")
		}
		return providers.NewAnthropicProvider(c.AnthropicAPIKey, c.PrimaryModel), nil
	case "ollama":
		return providers.NewOllamaProvider(c.PrimaryModel), nil
	default:
		return nil, fmt.Errorf("unknown ARIA_PRIMARY_PROVIDER %q", c.PrimaryProvider)
	}
}

// components bundles every wired collaborator the CLI subcommands share.
type components struct {
	cfg     *config
	logger  *slog.Logger
	closeLg func()
	store   *audit.Store
	kernel  *kernel.Kernel
}

func wire(c *config) (*components, error) {
	logger, closeLg, err := newLogger(c)
	if err != nil {
		return nil, err
	}

	scrubber := scrub.New(scrubbedEnvVars)

	store, err := audit.Open(c.DBPath, scrubber)
	if err != nil {
		closeLg()
		return nil, fmt.Errorf("opening audit store: %w", err)
	}

	reg := registry.New()
	result, err := reg.Load(c.PluginDir)
	if err != nil {
		store.Close()
		closeLg()
		return nil, fmt.Errorf("loading plugin directory %s: %w", c.PluginDir, err)
	}
	for name, cause := range result.Rejected {
		logger.Warn("tool manifest rejected", "tool_dir", name, "error", cause)
	}

	provider, err := buildProvider(c)
	if err != nil {
		store.Close()
		closeLg()
		return nil, err
	}

	rt := router.New(provider, 5, 30*time.Second)
	k := kernel.New(store, reg, rt)

	return &components{cfg: c, logger: logger, closeLg: closeLg, store: store, kernel: k}, nil
}

func (comp *components) Close() {
	comp.store.Close()
	comp.closeLg()
}

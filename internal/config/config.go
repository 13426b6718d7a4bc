package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"trendlab/internal/cost"
	"trendlab/internal/domain"
	"trendlab/internal/engine"
	"trendlab/internal/exit"
	"trendlab/internal/regime"
	"trendlab/internal/strategy/builtins"
)

// DefaultPath is used when TRENDLAB_CONFIG is unset.
const DefaultPath = "config/trendlab.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for trendlab.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Logging  Logging        `yaml:"logging"`
	Gather   GatherConfig   `yaml:"gather"`
	Metrics  Metrics        `yaml:"metrics"`
	Backtest BacktestConfig `yaml:"backtest"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir     string `yaml:"data_dir"`
	Market      string `yaml:"market"`
	SQLitePath  string `yaml:"sqlite_path"`
	ArtifactDir string `yaml:"artifact_dir"`
	RecipesDir  string `yaml:"recipes_dir"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port"`
	HTTPPort int    `yaml:"http_port"` // 0 disables the HTTP API
}

// GRPCAddr returns host:grpc_port.
func (s Server) GRPCAddr() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.GRPCPort)) }

// HTTPAddr returns host:http_port.
func (s Server) HTTPAddr() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.HTTPPort)) }

// Alpaca holds credentials and endpoints for the Alpaca market data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GatherConfig controls data gathering.
type GatherConfig struct {
	USDaily GatherJobConfig `yaml:"us_daily"`
}

// GatherJobConfig holds parameters for a single data gathering job.
type GatherJobConfig struct {
	StartDate       string   `yaml:"start_date"`
	Symbols         []string `yaml:"symbols"`
	BatchSize       int      `yaml:"batch_size"`
	MaxWorkers      int      `yaml:"max_workers"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
}

// Metrics configures the Prometheus textfile written after runs.
type Metrics struct {
	TextfilePath string `yaml:"textfile_path"`
}

// CostConfig is the YAML form of cost.Model.
type CostConfig struct {
	SlippageBps     float64 `yaml:"slippage_bps"`
	CommissionFixed float64 `yaml:"commission_fixed"`
	CommissionBps   float64 `yaml:"commission_bps"`
}

// BacktestConfig is one engine invocation: data selection, engine
// parameters, costs, exits, regime and strategy parameters. A recipe file
// holds exactly one BacktestConfig.
type BacktestConfig struct {
	Name      string   `yaml:"name"`
	Strategy  string   `yaml:"strategy"`
	Timeframe string   `yaml:"timeframe"`
	Start     string   `yaml:"start"` // YYYY-MM-DD
	End       string   `yaml:"end"`
	Universe  []string `yaml:"universe"`
	Benchmark string   `yaml:"benchmark"`

	// WarmupDays of calendar history before Start are loaded to seed
	// indicators and the regime gate; they are never traded.
	WarmupDays int `yaml:"warmup_days"`

	InitialCash        float64 `yaml:"initial_cash"`
	FillRule           string  `yaml:"fill_rule"`
	MaxPositions       int     `yaml:"max_positions"`
	RiskFraction       float64 `yaml:"risk_fraction"`
	AlignmentTolerance int     `yaml:"alignment_tolerance"`
	CloseOpenAtEnd     bool    `yaml:"close_open_at_end"`

	Costs  CostConfig    `yaml:"costs"`
	Exits  exit.Config   `yaml:"exits"`
	Regime regime.Config `yaml:"regime"`

	builtins.Params `yaml:",inline"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:     "data",
			Market:      "us",
			SQLitePath:  "data/trendlab.db",
			ArtifactDir: "data/artifacts",
			RecipesDir:  "recipes",
		},
		Server:  Server{Host: "127.0.0.1", GRPCPort: 50061, HTTPPort: 8090},
		Alpaca:  Alpaca{Feed: "iex"},
		Logging: Logging{Level: "info", Format: "json"},
		Gather: GatherConfig{USDaily: GatherJobConfig{
			StartDate:       "2015-01-01",
			BatchSize:       100,
			MaxWorkers:      4,
			RateLimitPerMin: 180,
		}},
		Backtest: DefaultBacktest(),
	}
}

// DefaultBacktest returns the reference trend-breakout run on SPY.
func DefaultBacktest() BacktestConfig {
	ec := engine.DefaultConfig()
	return BacktestConfig{
		Name:               "default",
		Strategy:           "trend-breakout",
		Timeframe:          string(ec.Timeframe),
		Benchmark:          "SPY",
		WarmupDays:         400,
		InitialCash:        ec.InitialCash.InexactFloat64(),
		FillRule:           string(ec.FillRule),
		MaxPositions:       ec.MaxPositions,
		RiskFraction:       ec.RiskFraction.InexactFloat64(),
		AlignmentTolerance: ec.AlignmentTolerance,
		Costs:              CostConfig{SlippageBps: 5, CommissionFixed: 1},
		Exits:              exit.Config{HardStop: true, ATRPeriod: 14},
		Regime:             regime.DefaultConfig(),
		Params:             builtins.DefaultParams(),
	}
}

// ---------------------------------------------------------------------------
// Conversion and validation
// ---------------------------------------------------------------------------

// StartTime parses Start; an empty Start means the beginning of time.
func (b BacktestConfig) StartTime() (time.Time, error) {
	if b.Start == "" {
		return time.Unix(0, 0).UTC(), nil
	}
	return time.Parse(time.DateOnly, b.Start)
}

// LoadStart is the first day of bars to load: Start minus WarmupDays.
func (b BacktestConfig) LoadStart() (time.Time, error) {
	start, err := b.StartTime()
	if err != nil || b.WarmupDays <= 0 {
		return start, err
	}
	return start.AddDate(0, 0, -b.WarmupDays), nil
}

// EndTime parses End; an empty End means today (UTC).
func (b BacktestConfig) EndTime() (time.Time, error) {
	if b.End == "" {
		return time.Now().UTC().Truncate(24 * time.Hour), nil
	}
	return time.Parse(time.DateOnly, b.End)
}

// EngineConfig converts the bundle to an engine.Config.
func (b BacktestConfig) EngineConfig() engine.Config {
	return engine.Config{
		Timeframe:          domain.Timeframe(b.Timeframe),
		FillRule:           engine.FillRule(b.FillRule),
		InitialCash:        decimal.NewFromFloat(b.InitialCash),
		MaxPositions:       b.MaxPositions,
		RiskFraction:       decimal.NewFromFloat(b.RiskFraction),
		AlignmentTolerance: b.AlignmentTolerance,
		CloseOpenAtEnd:     b.CloseOpenAtEnd,
		Exits:              b.Exits,
		TradeStart:         b.tradeStart(),
	}
}

// tradeStart is Start when a warm-up is loaded before it.
func (b BacktestConfig) tradeStart() time.Time {
	if b.WarmupDays <= 0 {
		return time.Time{}
	}
	start, err := b.StartTime()
	if err != nil {
		return time.Time{}
	}
	return start
}

// CostModel converts the cost section to a cost.Model.
func (b BacktestConfig) CostModel() cost.Model {
	return cost.Model{
		SlippageBps:     decimal.NewFromFloat(b.Costs.SlippageBps),
		CommissionFixed: decimal.NewFromFloat(b.Costs.CommissionFixed),
		CommissionBps:   decimal.NewFromFloat(b.Costs.CommissionBps),
	}
}

// Validate reports the first invariant violation of the bundle.
func (b BacktestConfig) Validate() error {
	if b.Name == "" {
		return &engine.ConfigError{Field: "name", Reason: "must not be empty"}
	}
	if len(b.Universe) == 0 {
		return &engine.ConfigError{Field: "universe", Reason: "must list at least one instrument"}
	}
	start, err := b.StartTime()
	if err != nil {
		return &engine.ConfigError{Field: "start", Reason: err.Error()}
	}
	end, err := b.EndTime()
	if err != nil {
		return &engine.ConfigError{Field: "end", Reason: err.Error()}
	}
	if end.Before(start) {
		return &engine.ConfigError{Field: "end", Reason: "before start"}
	}
	if b.WarmupDays < 0 {
		return &engine.ConfigError{Field: "warmup_days", Reason: "must be >= 0"}
	}
	if err := b.EngineConfig().Validate(); err != nil {
		return err
	}
	if err := b.CostModel().Validate(); err != nil {
		return &engine.ConfigError{Field: "costs", Reason: err.Error()}
	}
	if b.Regime.Enabled {
		if b.Benchmark == "" {
			return &engine.ConfigError{Field: "benchmark", Reason: "required when the regime gate is enabled"}
		}
		if err := b.Regime.Validate(); err != nil {
			return &engine.ConfigError{Field: "regime", Reason: err.Error()}
		}
	}
	if _, err := builtins.Build(b.Strategy, b.Params); err != nil {
		return &engine.ConfigError{Field: "strategy", Reason: err.Error()}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the config path from TRENDLAB_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("TRENDLAB_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path over the
// defaults, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("TRENDLAB_METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.TextfilePath = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Recipes
// ---------------------------------------------------------------------------

// ErrRecipeNotFound is returned by LoadRecipe when neither the given path
// nor its location under the recipes directory exists.
var ErrRecipeNotFound = errors.New("recipe not found")

// recipePath adds the .yaml suffix when missing.
func recipePath(nameOrPath string) string {
	if filepath.Ext(nameOrPath) == "" {
		return nameOrPath + ".yaml"
	}
	return nameOrPath
}

// LoadRecipe loads a backtest bundle. nameOrPath is tried as given (with
// .yaml appended when it has no extension) and then under dir. Fields the
// recipe omits keep their defaults.
func LoadRecipe(nameOrPath, dir string) (*BacktestConfig, error) {
	path := recipePath(nameOrPath)
	if _, err := os.Stat(path); err != nil {
		alt := filepath.Join(dir, path)
		if _, err := os.Stat(alt); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrRecipeNotFound, nameOrPath)
		}
		path = alt
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	bc := DefaultBacktest()
	if err := yaml.Unmarshal(data, &bc); err != nil {
		return nil, fmt.Errorf("parse recipe %s: %w", path, err)
	}
	if bc.Name == "" || bc.Name == "default" {
		bc.Name = trimExt(filepath.Base(path))
	}
	return &bc, nil
}

// SaveRecipe writes bc as YAML. A bare name is placed under dir; a path
// with a directory component is used as given. It returns the path written.
func SaveRecipe(name, dir string, bc BacktestConfig) (string, error) {
	path := recipePath(name)
	if filepath.Base(path) == path {
		path = filepath.Join(dir, path)
	}
	data, err := Marshal(bc)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ListRecipes returns the names of the .yaml recipes in dir, sorted.
func ListRecipes(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = trimExt(filepath.Base(m))
	}
	return names, nil
}

// Marshal renders bc as a recipe document.
func Marshal(bc BacktestConfig) ([]byte, error) {
	return yaml.Marshal(bc)
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

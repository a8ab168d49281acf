package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

// Symbols the scenario can use without declaring them.
const (
	NativeSymbol  = "ETH"
	WrappedSymbol = "WETH"
)

// feeDenominator mirrors the pools' fee unit (1e10 = 100%).
const feeDenominator = 10_000_000_000

// maxAmplification mirrors the stable pool's accepted range.
const maxAmplification = 1_000_000

// Config holds all application configuration.
type Config struct {
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Scenario    ScenarioConfig    `yaml:"scenario"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Stream      StreamConfig      `yaml:"stream"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ExchangeConfig holds engine deployment settings.
type ExchangeConfig struct {
	Admin   string       `yaml:"admin"`
	Crypto  CryptoConfig `yaml:"crypto"`
	Stable  StableConfig `yaml:"stable"`
	MaxHops int          `yaml:"max_hops"`
}

// CryptoConfig holds the crypto pool family parameters.
type CryptoConfig struct {
	A                     uint64 `yaml:"a"`
	Fee                   uint64 `yaml:"fee"`
	EMAWindow             uint64 `yaml:"ema_window"`
	RebalanceThresholdBps uint64 `yaml:"rebalance_threshold_bps"`
	AdjustmentStepBps     uint64 `yaml:"adjustment_step_bps"`
}

// StableConfig holds the stable pool family parameters.
type StableConfig struct {
	Fee uint64 `yaml:"fee"`
}

// ScenarioConfig describes a simulated session run at startup.
type ScenarioConfig struct {
	Enabled       bool            `yaml:"enabled"`
	Trader        string          `yaml:"trader"`
	NativeFunding string          `yaml:"native_funding"`
	Tokens        []TokenConfig   `yaml:"tokens"`
	Pools         []PoolConfig    `yaml:"pools"`
	Swaps         []SwapConfig    `yaml:"swaps"`
	Removals      []RemovalConfig `yaml:"removals"`
	// KeepAlive keeps the servers running after the scenario finished.
	KeepAlive bool `yaml:"keep_alive"`
}

// TokenConfig declares a token minted to the trader.
type TokenConfig struct {
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
	Mint     string `yaml:"mint"`
}

// PoolConfig declares a pool and its initial liquidity.
type PoolConfig struct {
	Kind          string `yaml:"kind"`
	TokenA        string `yaml:"token_a"`
	TokenB        string `yaml:"token_b"`
	Amplification uint64 `yaml:"amplification"`
	LiquidityA    string `yaml:"liquidity_a"`
	LiquidityB    string `yaml:"liquidity_b"`
}

// SwapConfig declares a routed swap.
type SwapConfig struct {
	TokenIn      string `yaml:"token_in"`
	TokenOut     string `yaml:"token_out"`
	Amount       string `yaml:"amount"`
	WithdrawMode uint8  `yaml:"withdraw_mode"`
	SlippageBps  uint64 `yaml:"slippage_bps"`
}

// RemovalConfig declares a liquidity withdrawal, as a share of the
// trader's LP balance in the pool of TokenA/TokenB of Kind.
type RemovalConfig struct {
	Kind     string `yaml:"kind"`
	TokenA   string `yaml:"token_a"`
	TokenB   string `yaml:"token_b"`
	ShareBps uint64 `yaml:"share_bps"`
	TokenOut string `yaml:"token_out"` // empty for a proportional withdrawal
}

// PersistenceConfig holds database settings.
type PersistenceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SQLitePath string `yaml:"sqlite_path"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// StreamConfig holds event stream server settings.
type StreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	// Set defaults
	cfg.setDefaults()

	// Read YAML file if it exists
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		// Expand environment variables in YAML content
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options.
func (c *Config) setDefaults() {
	c.Exchange = ExchangeConfig{
		Admin: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		Crypto: CryptoConfig{
			A:                     2,
			Fee:                   30_000_000, // 0.3%
			EMAWindow:             8,
			RebalanceThresholdBps: 10,
			AdjustmentStepBps:     50,
		},
		Stable: StableConfig{
			Fee: 4_000_000, // 0.04%
		},
		MaxHops: 3,
	}
	c.Scenario = ScenarioConfig{
		Trader:        "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		NativeFunding: "0",
	}
	c.Persistence = PersistenceConfig{
		SQLitePath: "./data/exchange.db",
	}
	c.Metrics = MetricsConfig{
		Enabled: true,
		Port:    8080,
		Path:    "/metrics",
	}
	c.Stream = StreamConfig{
		Port: 8546,
		Path: "/ws",
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

// applyEnvOverrides applies environment variable overrides to configuration.
func (c *Config) applyEnvOverrides() {
	// Exchange config
	if v := os.Getenv("EXCHANGE_ADMIN"); v != "" {
		c.Exchange.Admin = v
	}
	if v := os.Getenv("EXCHANGE_MAX_HOPS"); v != "" {
		var hops int
		if _, err := fmt.Sscanf(v, "%d", &hops); err == nil && hops > 0 {
			c.Exchange.MaxHops = hops
		}
	}

	// Scenario config
	if v := os.Getenv("SCENARIO_ENABLED"); v != "" {
		c.Scenario.Enabled = parseBool(v, c.Scenario.Enabled)
	}
	if v := os.Getenv("SCENARIO_TRADER"); v != "" {
		c.Scenario.Trader = v
	}

	// Metrics config
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Metrics.Port = port
		}
	}

	// Stream config
	if v := os.Getenv("STREAM_ENABLED"); v != "" {
		c.Stream.Enabled = parseBool(v, c.Stream.Enabled)
	}
	if v := os.Getenv("STREAM_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Stream.Port = port
		}
	}

	// Persistence config
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Persistence.SQLitePath = v
		c.Persistence.Enabled = true
	}

	// Logging config
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
}

func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// validate checks that all required configuration values are present and valid.
func (c *Config) validate() error {
	if !common.IsHexAddress(c.Exchange.Admin) {
		return fmt.Errorf("exchange.admin must be a hex address (set EXCHANGE_ADMIN env var)")
	}
	if c.Exchange.Crypto.A == 0 {
		return fmt.Errorf("exchange.crypto.a must be positive")
	}
	if c.Exchange.Crypto.Fee >= feeDenominator {
		return fmt.Errorf("exchange.crypto.fee must be below %d", feeDenominator)
	}
	if c.Exchange.Crypto.EMAWindow == 0 {
		return fmt.Errorf("exchange.crypto.ema_window must be positive")
	}
	if c.Exchange.Stable.Fee >= feeDenominator {
		return fmt.Errorf("exchange.stable.fee must be below %d", feeDenominator)
	}
	if c.Exchange.MaxHops < 1 {
		return fmt.Errorf("exchange.max_hops must be at least 1")
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be a valid port number")
	}
	if c.Stream.Enabled && (c.Stream.Port <= 0 || c.Stream.Port > 65535) {
		return fmt.Errorf("stream.port must be a valid port number")
	}
	if c.Persistence.Enabled && c.Persistence.SQLitePath == "" {
		return fmt.Errorf("persistence.sqlite_path is required when persistence is enabled")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}
	if c.Scenario.Enabled {
		if err := c.Scenario.validate(); err != nil {
			return fmt.Errorf("scenario: %w", err)
		}
	}
	return nil
}

func (s *ScenarioConfig) validate() error {
	if !common.IsHexAddress(s.Trader) {
		return fmt.Errorf("trader must be a hex address")
	}
	if err := checkAmount("native_funding", s.NativeFunding); err != nil {
		return err
	}

	known := map[string]bool{NativeSymbol: true, WrappedSymbol: true}
	for i, t := range s.Tokens {
		if t.Symbol == "" {
			return fmt.Errorf("tokens[%d].symbol is required", i)
		}
		if known[t.Symbol] {
			return fmt.Errorf("tokens[%d]: duplicate or reserved symbol %s", i, t.Symbol)
		}
		if t.Decimals > 36 {
			return fmt.Errorf("tokens[%d].decimals must be at most 36", i)
		}
		if err := checkAmount(fmt.Sprintf("tokens[%d].mint", i), t.Mint); err != nil {
			return err
		}
		known[t.Symbol] = true
	}

	for i, p := range s.Pools {
		field := fmt.Sprintf("pools[%d]", i)
		if err := checkKind(field, p.Kind, p.Amplification); err != nil {
			return err
		}
		if err := checkPair(field, known, p.TokenA, p.TokenB); err != nil {
			return err
		}
		if err := checkAmount(field+".liquidity_a", p.LiquidityA); err != nil {
			return err
		}
		if err := checkAmount(field+".liquidity_b", p.LiquidityB); err != nil {
			return err
		}
	}

	for i, sw := range s.Swaps {
		field := fmt.Sprintf("swaps[%d]", i)
		if err := checkPair(field, known, sw.TokenIn, sw.TokenOut); err != nil {
			return err
		}
		if err := checkAmount(field+".amount", sw.Amount); err != nil {
			return err
		}
		if sw.WithdrawMode > 2 {
			return fmt.Errorf("%s.withdraw_mode must be 0, 1 or 2", field)
		}
		if sw.SlippageBps > 10_000 {
			return fmt.Errorf("%s.slippage_bps must be at most 10000", field)
		}
	}

	for i, r := range s.Removals {
		field := fmt.Sprintf("removals[%d]", i)
		if r.Kind != "crypto" && r.Kind != "stable" {
			return fmt.Errorf("%s.kind must be crypto or stable", field)
		}
		if err := checkPair(field, known, r.TokenA, r.TokenB); err != nil {
			return err
		}
		if r.ShareBps == 0 || r.ShareBps > 10_000 {
			return fmt.Errorf("%s.share_bps must be in [1, 10000]", field)
		}
		if r.TokenOut != "" && r.TokenOut != r.TokenA && r.TokenOut != r.TokenB {
			return fmt.Errorf("%s.token_out must be one of the pool tokens", field)
		}
	}
	return nil
}

func checkKind(field, kind string, amplification uint64) error {
	switch kind {
	case "crypto":
		return nil
	case "stable":
		if amplification < 1 || amplification > maxAmplification {
			return fmt.Errorf("%s.amplification must be in [1, %d]", field, maxAmplification)
		}
		return nil
	default:
		return fmt.Errorf("%s.kind must be crypto or stable", field)
	}
}

func checkPair(field string, known map[string]bool, a, b string) error {
	if !known[a] {
		return fmt.Errorf("%s: unknown token %q", field, a)
	}
	if !known[b] {
		return fmt.Errorf("%s: unknown token %q", field, b)
	}
	if pooled(a) == pooled(b) {
		return fmt.Errorf("%s: tokens must differ", field)
	}
	return nil
}

// pooled maps the native symbol to the wrapped token pools hold.
func pooled(symbol string) string {
	if symbol == NativeSymbol {
		return WrappedSymbol
	}
	return symbol
}

func checkAmount(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	if _, err := uint256.FromDecimal(v); err != nil {
		return fmt.Errorf("%s: invalid amount %q: %w", field, v, err)
	}
	return nil
}

// Amount parses a decimal amount validated by Load.
func Amount(v string) *uint256.Int {
	n, err := uint256.FromDecimal(v)
	if err != nil {
		return new(uint256.Int)
	}
	return n
}

package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration.
type Config struct {
	Version   int             `yaml:"version"`
	Global    GlobalConfig    `yaml:"global"`
	Parachain ParachainConfig `yaml:"parachain"`
	Relay     RelayConfig     `yaml:"relay"`
	APR       APRConfig       `yaml:"apr"`
}

type GlobalConfig struct {
	DBPath      string `yaml:"db_path"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
	HealthAddr  string `yaml:"health_addr"`
	RPCTimeout  string `yaml:"rpc_timeout"`
}

type ParachainConfig struct {
	Endpoints     []string  `yaml:"endpoints"`
	GenesisBlock  uint64    `yaml:"genesis_block"`
	MaxBlockRange uint32    `yaml:"max_block_range"`
	PollInterval  string    `yaml:"poll_interval"`
	Contracts     Contracts `yaml:"contracts"`
	ABIs          ABIPaths  `yaml:"abis"`
}

type Contracts struct {
	Nimbus       string `yaml:"nimbus"`
	OracleMaster string `yaml:"oracle_master"`
	Withdrawal   string `yaml:"withdrawal"`
	XcToken      string `yaml:"xctoken"`
	Controller   string `yaml:"controller"`
}

type ABIPaths struct {
	Nimbus       string `yaml:"nimbus"`
	Ledger       string `yaml:"ledger"`
	OracleMaster string `yaml:"oracle_master"`
	Withdrawal   string `yaml:"withdrawal"`
	XcToken      string `yaml:"xctoken"`
}

type RelayConfig struct {
	Endpoints          []string        `yaml:"endpoints"`
	EraDurationBlocks  uint64          `yaml:"era_duration_blocks"`
	ErasPerDay         int             `yaml:"eras_per_day"`
	ValidatorsInterval string          `yaml:"validators_interval"`
	PayoutAccount      string          `yaml:"payout_account"`
	Inflation          InflationParams `yaml:"inflation"`
}

// InflationParams mirrors the Polkadot UI inflation model inputs.
type InflationParams struct {
	AuctionAdjust float64 `yaml:"auction_adjust"`
	AuctionMax    int     `yaml:"auction_max"`
	Falloff       float64 `yaml:"falloff"`
	MaxInflation  float64 `yaml:"max_inflation"`
	MinInflation  float64 `yaml:"min_inflation"`
	StakeTarget   float64 `yaml:"stake_target"`
}

// APRConfig bounds the per-entry rates admitted into the APR average.
// Min/Max are whole percents; QueryLimit caps the reward-ledger window.
type APRConfig struct {
	MinPercent int `yaml:"min_percent"`
	MaxPercent int `yaml:"max_percent"`
	QueryLimit int `yaml:"query_limit"`
}

const (
	defaultMaxBlockRange = 2500
	defaultQueryLimit    = 100
	defaultAPRMin        = 3
	defaultAPRMax        = 45
	defaultRPCTimeout    = "60s"
	defaultPollInterval  = "1s"
	defaultValidatorsGap = "60s"
)

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, applies defaults, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = "info"
	}
	if c.Global.RPCTimeout == "" {
		c.Global.RPCTimeout = defaultRPCTimeout
	}
	if c.Parachain.MaxBlockRange == 0 {
		c.Parachain.MaxBlockRange = defaultMaxBlockRange
	}
	if c.Parachain.PollInterval == "" {
		c.Parachain.PollInterval = defaultPollInterval
	}
	if c.Relay.ValidatorsInterval == "" {
		c.Relay.ValidatorsInterval = defaultValidatorsGap
	}
	if c.APR.QueryLimit == 0 {
		c.APR.QueryLimit = defaultQueryLimit
	}
	if c.APR.MinPercent == 0 && c.APR.MaxPercent == 0 {
		c.APR.MinPercent = defaultAPRMin
		c.APR.MaxPercent = defaultAPRMax
	}
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if c.Global.DBPath == "" {
		return errors.New("global.db_path is required")
	}
	if c.Global.MetricsAddr == "" {
		return errors.New("global.metrics_addr is required")
	}
	if _, err := c.RPCTimeout(); err != nil {
		return fmt.Errorf("global.rpc_timeout: %w", err)
	}
	if _, err := c.PollInterval(); err != nil {
		return fmt.Errorf("parachain.poll_interval: %w", err)
	}
	if _, err := c.ValidatorsInterval(); err != nil {
		return fmt.Errorf("relay.validators_interval: %w", err)
	}

	if err := validateEndpoints("parachain", c.Parachain.Endpoints); err != nil {
		return err
	}
	if err := validateEndpoints("relay", c.Relay.Endpoints); err != nil {
		return err
	}

	if c.Parachain.MaxBlockRange < 1 {
		return errors.New("parachain.max_block_range must be at least 1")
	}

	for name, addr := range map[string]string{
		"nimbus":        c.Parachain.Contracts.Nimbus,
		"oracle_master": c.Parachain.Contracts.OracleMaster,
		"withdrawal":    c.Parachain.Contracts.Withdrawal,
		"xctoken":       c.Parachain.Contracts.XcToken,
	} {
		if addr == "" {
			return fmt.Errorf("parachain.contracts.%s is required", name)
		}
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("parachain.contracts.%s: invalid address %q", name, addr)
		}
	}
	// controller is optional; validate only when set
	if a := c.Parachain.Contracts.Controller; a != "" && !common.IsHexAddress(a) {
		return fmt.Errorf("parachain.contracts.controller: invalid address %q", a)
	}

	for name, path := range map[string]string{
		"nimbus":        c.Parachain.ABIs.Nimbus,
		"ledger":        c.Parachain.ABIs.Ledger,
		"oracle_master": c.Parachain.ABIs.OracleMaster,
		"withdrawal":    c.Parachain.ABIs.Withdrawal,
		"xctoken":       c.Parachain.ABIs.XcToken,
	} {
		if path == "" {
			return fmt.Errorf("parachain.abis.%s is required", name)
		}
	}

	if c.Relay.EraDurationBlocks == 0 {
		return errors.New("relay.era_duration_blocks must be positive")
	}
	// payout account is optional; when set it must be a 32-byte account id
	if c.Relay.PayoutAccount != "" {
		if _, ok := c.PayoutAccountID(); !ok {
			return fmt.Errorf("relay.payout_account: invalid account id %q", c.Relay.PayoutAccount)
		}
	}
	if c.Relay.ErasPerDay <= 0 {
		return errors.New("relay.eras_per_day must be positive")
	}

	if c.APR.MinPercent < 0 || c.APR.MaxPercent < 0 {
		return errors.New("apr bounds must be non-negative")
	}
	if c.APR.MinPercent > c.APR.MaxPercent {
		return errors.New("apr.min_percent is greater than apr.max_percent")
	}
	if c.APR.QueryLimit <= 0 {
		return errors.New("apr.query_limit must be positive")
	}

	return nil
}

func validateEndpoints(section string, endpoints []string) error {
	if len(endpoints) == 0 {
		return fmt.Errorf("%s.endpoints: at least one endpoint is required", section)
	}
	for _, ep := range endpoints {
		u, err := url.Parse(ep)
		if err != nil {
			return fmt.Errorf("%s.endpoints: invalid url %q: %w", section, ep, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("%s.endpoints: %q must use ws or wss", section, ep)
		}
		if u.Hostname() == "" {
			return fmt.Errorf("%s.endpoints: %q has no host", section, ep)
		}
	}
	return nil
}

// RPCTimeout returns the per-call timeout applied to every chain request.
func (c *Config) RPCTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Global.RPCTimeout)
}

// PollInterval returns the sleep between scan cycles when the head has not advanced.
func (c *Config) PollInterval() (time.Duration, error) {
	return time.ParseDuration(c.Parachain.PollInterval)
}

// ValidatorsInterval returns the wait between validators-info refreshes.
func (c *Config) ValidatorsInterval() (time.Duration, error) {
	return time.ParseDuration(c.Relay.ValidatorsInterval)
}

// PayoutAccountID decodes the relay payout account configured for balance
// monitoring. ok is false when none is configured or the value is not a
// 32-byte hex account id.
func (c *Config) PayoutAccountID() ([32]byte, bool) {
	var id [32]byte
	raw := strings.TrimPrefix(c.Relay.PayoutAccount, "0x")
	if raw == "" {
		return id, false
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != len(id) {
		return id, false
	}
	copy(id[:], decoded)
	return id, true
}

// APRMin returns the lower data-quality clamp as a fraction.
func (c *Config) APRMin() float64 { return float64(c.APR.MinPercent) / 100 }

// APRMax returns the upper data-quality clamp as a fraction.
func (c *Config) APRMax() float64 { return float64(c.APR.MaxPercent) / 100 }

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

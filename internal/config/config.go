// Package config loads the YAML configuration and resolves credentials from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vitos/copytrade/internal/domain"
	"github.com/vitos/copytrade/internal/infrastructure/exchange"
	"github.com/vitos/copytrade/internal/infrastructure/ratelimit"
)

type Config struct {
	Logging   LoggingConfig      `yaml:"logging"`
	Server    ServerConfig       `yaml:"server"`
	State     StateConfig        `yaml:"state"`
	Brokers   []BrokerConfig     `yaml:"brokers"`
	Accounts  []AccountConfig    `yaml:"accounts"`
	Execution ExecutionConfig    `yaml:"execution"`
	Copy      CopyConfig         `yaml:"copy"`
	Tiers     map[string]float64 `yaml:"tiers"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
	File     string `yaml:"file"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// StateConfig locates nonce files, ledgers and the journal database.
type StateConfig struct {
	Dir         string `yaml:"dir"`
	JournalPath string `yaml:"journal_path"`
}

type RuleConfig struct {
	MaxCalls int           `yaml:"max_calls"`
	Period   time.Duration `yaml:"period"`
}

type BrokerConfig struct {
	Name            string                `yaml:"name"`
	RESTEndpoint    string                `yaml:"rest_endpoint"`
	WSEndpoint      string                `yaml:"ws_endpoint"`
	RoundTripFeePct *float64              `yaml:"round_trip_fee_pct"`
	DustUSD         float64               `yaml:"dust_usd"`
	PaperBalance    float64               `yaml:"paper_balance"`
	HTTPTimeout     time.Duration         `yaml:"http_timeout"`
	PollInterval    time.Duration         `yaml:"poll_interval"`
	PollTimeout     time.Duration         `yaml:"poll_timeout"`
	NonceJumpMs     int64                 `yaml:"nonce_jump_ms"`
	RateLimits      map[string]RuleConfig `yaml:"rate_limits"`
	ProfitSteps     []domain.ProfitStep   `yaml:"profit_steps"`
	PriceStream     bool                  `yaml:"price_stream"`
}

type AccountConfig struct {
	Role         string   `yaml:"role"`
	Broker       string   `yaml:"broker"`
	UserID       string   `yaml:"user_id"`
	Enabled      *bool    `yaml:"enabled"`
	Tier         string   `yaml:"tier"`
	APIKeyEnv    string   `yaml:"api_key_env"`
	APISecretEnv string   `yaml:"api_secret_env"`
	Symbols      []string `yaml:"symbols"`
}

type ExecutionConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	StopLossPct    float64       `yaml:"stop_loss_pct"`
	MaxHold        time.Duration `yaml:"max_hold"`
	ForcedUnwind   bool          `yaml:"forced_unwind"`
	EntrySizeQuote float64       `yaml:"entry_size_quote"`
	CandleInterval string        `yaml:"candle_interval"`
	ErrorPause     time.Duration `yaml:"error_pause"`
}

type CopyConfig struct {
	Enabled       bool `yaml:"enabled"`
	QueueCapacity int  `yaml:"queue_capacity"`
}

// DefaultFeePct is the round-trip taker fee assumed when a broker omits one.
var DefaultFeePct = map[string]float64{
	"kraken":   0.36,
	"coinbase": 1.4,
	"bybit":    0.2,
	"paper":    0,
}

var (
	defaultStepFractions = []float64{0.10, 0.15, 0.25}
	defaultGrossSteps    = map[string][]float64{
		"kraken":   {0.7, 1.0, 1.5},
		"coinbase": {2.0, 2.5, 3.0},
		"bybit":    {0.5, 1.0, 1.5},
		"paper":    {0.5, 1.0, 1.5},
	}
)

// DefaultTiers map a follower risk tier to its maximum position size in quote currency.
func DefaultTiers() map[string]float64 {
	return map[string]float64{
		"SAVER":    25,
		"INVESTOR": 100,
		"INCOME":   250,
		"LIVABLE":  500,
		"BALLER":   1000,
	}
}

// Load reads .env (if present) and the YAML file at path, then applies defaults and validates.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.JournalPath == "" {
		c.State.JournalPath = c.State.Dir + "/journal.db"
	}
	if c.Execution.PollInterval <= 0 {
		c.Execution.PollInterval = 15 * time.Second
	}
	if c.Execution.StopLossPct <= 0 {
		c.Execution.StopLossPct = 2
	}
	if c.Execution.MaxHold <= 0 {
		c.Execution.MaxHold = 48 * time.Hour
	}
	if c.Execution.EntrySizeQuote <= 0 {
		c.Execution.EntrySizeQuote = 100
	}
	if c.Execution.CandleInterval == "" {
		c.Execution.CandleInterval = "5"
	}
	if c.Execution.ErrorPause <= 0 {
		c.Execution.ErrorPause = 30 * time.Second
	}
	if c.Copy.QueueCapacity <= 0 {
		c.Copy.QueueCapacity = 64
	}
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTiers()
	}

	for i := range c.Brokers {
		b := &c.Brokers[i]
		b.Name = strings.ToLower(b.Name)
		if b.RoundTripFeePct == nil {
			fee := DefaultFeePct[b.Name]
			b.RoundTripFeePct = &fee
		}
		if len(b.ProfitSteps) == 0 {
			gross, ok := defaultGrossSteps[b.Name]
			if !ok {
				gross = defaultGrossSteps["paper"]
			}
			for j, g := range gross {
				b.ProfitSteps = append(b.ProfitSteps, domain.ProfitStep{GrossPct: g, ExitFraction: defaultStepFractions[j]})
			}
		}
		if b.Name == "paper" && b.PaperBalance <= 0 {
			b.PaperBalance = 1000
		}
	}
	for i := range c.Accounts {
		a := &c.Accounts[i]
		a.Role = strings.ToUpper(a.Role)
		a.Broker = strings.ToLower(a.Broker)
		a.Tier = strings.ToUpper(a.Tier)
		if a.Enabled == nil {
			on := true
			a.Enabled = &on
		}
	}
}

func (c *Config) Validate() error {
	brokers := make(map[string]bool, len(c.Brokers))
	for _, b := range c.Brokers {
		if b.Name == "" {
			return fmt.Errorf("broker name is required")
		}
		if brokers[b.Name] {
			return fmt.Errorf("broker %s configured twice", b.Name)
		}
		brokers[b.Name] = true
		for _, s := range b.ProfitSteps {
			if s.ExitFraction <= 0 || s.ExitFraction > 1 {
				return fmt.Errorf("broker %s: exit_fraction must be in (0,1]", b.Name)
			}
		}
	}

	masters := make(map[string]int)
	keys := make(map[string]bool)
	for _, a := range c.Accounts {
		if !brokers[a.Broker] {
			return fmt.Errorf("account on unknown broker %q", a.Broker)
		}
		switch domain.Role(a.Role) {
		case domain.RoleMaster:
			masters[a.Broker]++
		case domain.RoleUser:
			if a.UserID == "" {
				return fmt.Errorf("user account on %s needs user_id", a.Broker)
			}
			if a.Tier != "" {
				if _, ok := c.Tiers[a.Tier]; !ok {
					return fmt.Errorf("user %s: unknown tier %q", a.UserID, a.Tier)
				}
			}
		default:
			return fmt.Errorf("account role must be MASTER or USER, got %q", a.Role)
		}
		key := a.Domain().Key()
		if keys[key] {
			return fmt.Errorf("account %s configured twice", key)
		}
		keys[key] = true
	}
	for _, a := range c.Accounts {
		if n := masters[a.Broker]; n != 1 {
			return fmt.Errorf("broker %s must have exactly one MASTER account, found %d", a.Broker, n)
		}
	}
	return nil
}

// Domain converts the YAML account into the domain identity.
func (a AccountConfig) Domain() domain.Account {
	enabled := a.Enabled == nil || *a.Enabled
	return domain.Account{
		Role:    domain.Role(a.Role),
		Broker:  a.Broker,
		UserID:  a.UserID,
		Tier:    a.Tier,
		Enabled: enabled,
	}
}

// Credentials reads the account's API key and secret from the environment.
func (a AccountConfig) Credentials() (exchange.Credentials, error) {
	if a.Broker == "paper" {
		return exchange.Credentials{}, nil
	}
	creds := exchange.Credentials{
		APIKey:    os.Getenv(a.APIKeyEnv),
		APISecret: os.Getenv(a.APISecretEnv),
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return creds, fmt.Errorf("missing credentials for %s (set %s and %s)", a.Domain().Key(), a.APIKeyEnv, a.APISecretEnv)
	}
	return creds, nil
}

func (c *Config) Broker(name string) (BrokerConfig, bool) {
	for _, b := range c.Brokers {
		if b.Name == name {
			return b, true
		}
	}
	return BrokerConfig{}, false
}

func (b BrokerConfig) FeePct() float64 {
	if b.RoundTripFeePct == nil {
		return DefaultFeePct[b.Name]
	}
	return *b.RoundTripFeePct
}

// Settings converts the broker section into adapter settings.
func (b BrokerConfig) Settings() exchange.Settings {
	return exchange.Settings{
		BaseURL:         b.RESTEndpoint,
		WSURL:           b.WSEndpoint,
		RoundTripFeePct: b.FeePct(),
		DustUSD:         b.DustUSD,
		HTTPTimeout:     b.HTTPTimeout,
		PollInterval:    b.PollInterval,
		PollTimeout:     b.PollTimeout,
		NonceJumpMs:     b.NonceJumpMs,
	}
}

// Rules returns the rate-limit rules for the broker layered over the package defaults.
func (b BrokerConfig) Rules() map[domain.EndpointCategory]ratelimit.Rule {
	rules := ratelimit.DefaultRules()
	for cat, r := range b.RateLimits {
		rules[domain.EndpointCategory(strings.ToUpper(cat))] = ratelimit.Rule{MaxCalls: r.MaxCalls, Period: r.Period}
	}
	return rules
}

// ExitPolicy splits the configured steps into actionable ones and those that
// cannot net a profit after this broker's round-trip fee.
func (c *Config) ExitPolicy(b BrokerConfig) (domain.ExitPolicy, []domain.ProfitStep) {
	fee := b.FeePct()
	var kept, dropped []domain.ProfitStep
	for _, s := range b.ProfitSteps {
		if s.Actionable(fee) {
			kept = append(kept, s)
		} else {
			dropped = append(dropped, s)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].GrossPct < kept[j].GrossPct })
	return domain.ExitPolicy{
		RoundTripFeePct: fee,
		StopLossPct:     c.Execution.StopLossPct,
		MaxHold:         c.Execution.MaxHold,
		Steps:           kept,
	}, dropped
}

// TierMax returns the follower's maximum position size; zero means uncapped.
func (c *Config) TierMax(tier string) float64 {
	return c.Tiers[strings.ToUpper(tier)]
}

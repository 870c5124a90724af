package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug       bool   `mapstructure:"debug"`
	SentryDSN   string `mapstructure:"sentry_dsn"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// RedisConfig holds Redis configuration for the idempotency guard and rate
// limiter. Leaving Addr empty selects the in-process guard.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ChainConfig holds blockchain verification configuration
type ChainConfig struct {
	RPCURL           string `mapstructure:"rpc_url"`
	TokenContract    string `mapstructure:"token_contract"`
	Confirmations    uint64 `mapstructure:"confirmations"`
	TokenDecimals    int32  `mapstructure:"token_decimals"`
	HotWalletAddress string `mapstructure:"hot_wallet_address"`
	BurnAddress      string `mapstructure:"burn_address"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"`  // in seconds
}

// AuthConfig holds admin authentication configuration
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// LimitsConfig bounds user-initiated operations
type LimitsConfig struct {
	MinWithdraw       string        `mapstructure:"min_withdraw"`
	MaxWithdraw       string        `mapstructure:"max_withdraw"`
	AutoApproveBound  string        `mapstructure:"auto_approve_bound"`
	SignatureFreshFor time.Duration `mapstructure:"signature_fresh_for"`
	IdempotencyTTL    time.Duration `mapstructure:"idempotency_ttl"`
	RatePerMinute     int           `mapstructure:"rate_per_minute"`

	minWithdraw      decimal.Decimal
	maxWithdraw      decimal.Decimal
	autoApproveBound decimal.Decimal
}

// MinWithdrawAmount is the parsed minimum withdrawal
func (c *LimitsConfig) MinWithdrawAmount() decimal.Decimal { return c.minWithdraw }

// MaxWithdrawAmount is the parsed maximum withdrawal
func (c *LimitsConfig) MaxWithdrawAmount() decimal.Decimal { return c.maxWithdraw }

// AutoApproveAmount is the parsed bound below which withdrawals skip manual review
func (c *LimitsConfig) AutoApproveAmount() decimal.Decimal { return c.autoApproveBound }

func (c *LimitsConfig) Parse() error {
	var err error
	if c.minWithdraw, err = decimal.NewFromString(c.MinWithdraw); err != nil {
		return fmt.Errorf("bad limits.min_withdraw: %w", err)
	}
	if c.maxWithdraw, err = decimal.NewFromString(c.MaxWithdraw); err != nil {
		return fmt.Errorf("bad limits.max_withdraw: %w", err)
	}
	if c.autoApproveBound, err = decimal.NewFromString(c.AutoApproveBound); err != nil {
		return fmt.Errorf("bad limits.auto_approve_bound: %w", err)
	}
	return nil
}

// RewardsConfig holds the level threshold and rate tables. Rate tables are
// indexed by level and must have MaxLevel+1 entries; thresholds[i] is the
// partial performance required to reach level i+1.
type RewardsConfig struct {
	LevelThresholds     []string `mapstructure:"level_thresholds"`
	StaticRates         []string `mapstructure:"static_rates"`
	DynamicRates        []string `mapstructure:"dynamic_rates"`
	StaticCapMultiple   string   `mapstructure:"static_cap_multiple"`
	DynamicCapIncrement string   `mapstructure:"dynamic_cap_increment"`
	DynamicCapCeiling   string   `mapstructure:"dynamic_cap_ceiling"`
	DynamicScale        string   `mapstructure:"dynamic_scale"`
	MidNodePrice        string   `mapstructure:"mid_node_price"`
	TopNodePrice        string   `mapstructure:"top_node_price"`
	MidNodeDiffRate     string   `mapstructure:"mid_node_diff_rate"`
	TopNodeDiffRate     string   `mapstructure:"top_node_diff_rate"`

	levelThresholds     []decimal.Decimal
	staticRates         []decimal.Decimal
	dynamicRates        []decimal.Decimal
	staticCapMultiple   decimal.Decimal
	dynamicCapIncrement decimal.Decimal
	dynamicCapCeiling   decimal.Decimal
	dynamicScale        decimal.Decimal
	midNodePrice        decimal.Decimal
	topNodePrice        decimal.Decimal
	midNodeDiffRate     decimal.Decimal
	topNodeDiffRate     decimal.Decimal
}

// MaxLevel is the highest reachable level
func (c *RewardsConfig) MaxLevel() int { return len(c.levelThresholds) }

// Thresholds returns the parsed per-level performance thresholds
func (c *RewardsConfig) Thresholds() []decimal.Decimal { return c.levelThresholds }

// StaticRate returns the static reward rate for a level
func (c *RewardsConfig) StaticRate(level int) decimal.Decimal {
	return rateAt(c.staticRates, level)
}

// DynamicRate returns the dynamic reward rate for a level
func (c *RewardsConfig) DynamicRate(level int) decimal.Decimal {
	return rateAt(c.dynamicRates, level)
}

// StaticCapFactor multiplies a confirmed stake into added static reward cap
func (c *RewardsConfig) StaticCapFactor() decimal.Decimal { return c.staticCapMultiple }

// DynamicCapGrowth returns the daily dynamic-cap increment and its ceiling
func (c *RewardsConfig) DynamicCapGrowth() (increment, ceiling decimal.Decimal) {
	return c.dynamicCapIncrement, c.dynamicCapCeiling
}

// Scale is the per-batch dynamic reward scaling factor
func (c *RewardsConfig) Scale() decimal.Decimal { return c.dynamicScale }

// NodePrice returns the locked-token price of a node tier by rank
func (c *RewardsConfig) NodePrice(rank int) decimal.Decimal {
	if rank >= 2 {
		return c.topNodePrice
	}
	return c.midNodePrice
}

// NodeDiffRate returns the tier-difference commission rate by rank. Ordinary
// members carry no node rate, so a commission computed against them is the
// beneficiary's full rate.
func (c *RewardsConfig) NodeDiffRate(rank int) decimal.Decimal {
	if rank <= 0 {
		return decimal.Zero
	}
	if rank >= 2 {
		return c.topNodeDiffRate
	}
	return c.midNodeDiffRate
}

func rateAt(rates []decimal.Decimal, level int) decimal.Decimal {
	if level < 0 || len(rates) == 0 {
		return decimal.Zero
	}
	if level >= len(rates) {
		level = len(rates) - 1
	}
	return rates[level]
}

func (c *RewardsConfig) Parse() error {
	var err error
	if c.levelThresholds, err = parseDecimals(c.LevelThresholds); err != nil {
		return fmt.Errorf("bad rewards.level_thresholds: %w", err)
	}
	if c.staticRates, err = parseDecimals(c.StaticRates); err != nil {
		return fmt.Errorf("bad rewards.static_rates: %w", err)
	}
	if c.dynamicRates, err = parseDecimals(c.DynamicRates); err != nil {
		return fmt.Errorf("bad rewards.dynamic_rates: %w", err)
	}
	if len(c.staticRates) != len(c.levelThresholds)+1 {
		return errors.New("rewards.static_rates must have one entry per level")
	}
	if len(c.dynamicRates) != len(c.levelThresholds)+1 {
		return errors.New("rewards.dynamic_rates must have one entry per level")
	}
	for name, pair := range map[string]struct {
		raw string
		dst *decimal.Decimal
	}{
		"static_cap_multiple":   {c.StaticCapMultiple, &c.staticCapMultiple},
		"dynamic_cap_increment": {c.DynamicCapIncrement, &c.dynamicCapIncrement},
		"dynamic_cap_ceiling":   {c.DynamicCapCeiling, &c.dynamicCapCeiling},
		"dynamic_scale":         {c.DynamicScale, &c.dynamicScale},
		"mid_node_price":        {c.MidNodePrice, &c.midNodePrice},
		"top_node_price":        {c.TopNodePrice, &c.topNodePrice},
		"mid_node_diff_rate":    {c.MidNodeDiffRate, &c.midNodeDiffRate},
		"top_node_diff_rate":    {c.TopNodeDiffRate, &c.topNodeDiffRate},
	} {
		if *pair.dst, err = decimal.NewFromString(pair.raw); err != nil {
			return fmt.Errorf("bad rewards.%s: %w", name, err)
		}
	}
	return nil
}

func parseDecimals(raw []string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, 0, len(raw))
	for _, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("bad decimal %q: %w", s, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// SettlementConfig holds settlement scheduler configuration
type SettlementConfig struct {
	CronSpec      string        `mapstructure:"cron_spec"`
	BatchSize     int           `mapstructure:"batch_size"`
	PoolSize      int           `mapstructure:"pool_size"`
	SettlingDelay time.Duration `mapstructure:"settling_delay"`
	RetryWindow   time.Duration `mapstructure:"retry_window"`
}

// APIConfig holds configuration for the API server
type APIConfig struct {
	BaseConfig `mapstructure:",squash"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Rewards    RewardsConfig    `mapstructure:"rewards"`
	Settlement SettlementConfig `mapstructure:"settlement"`

	v *viper.Viper
}

// SettlerConfig holds configuration for the settlement daemon
type SettlerConfig struct {
	BaseConfig `mapstructure:",squash"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Rewards    RewardsConfig    `mapstructure:"rewards"`
	Settlement SettlementConfig `mapstructure:"settlement"`

	v *viper.Viper
}

// LoadAPIConfig loads configuration for the API server
func LoadAPIConfig(configFile string, envPath string) (*APIConfig, error) {
	v := configureViper("api", configFile, envPath)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)
	v.SetDefault("server.idle_timeout", 60)
	setCommonDefaults(v)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg APIConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.v = v
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Reload re-reads refreshable values (rate tables, limits) from the config
// source
func (c *APIConfig) Reload() error {
	if err := readConfig(c.v); err != nil {
		return err
	}
	if err := c.v.Unmarshal(c); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return c.validate()
}

func (c *APIConfig) validate() error {
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.DBName == "" {
		return errors.New("database.dbname is required")
	}
	if err := c.Limits.Parse(); err != nil {
		return err
	}
	return c.Rewards.Parse()
}

// LoadSettlerConfig loads configuration for the settlement daemon
func LoadSettlerConfig(configFile string, envPath string) (*SettlerConfig, error) {
	v := configureViper("settler", configFile, envPath)
	setCommonDefaults(v)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg SettlerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.v = v
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Reload re-reads refreshable values from the config source
func (c *SettlerConfig) Reload() error {
	if err := readConfig(c.v); err != nil {
		return err
	}
	if err := c.v.Unmarshal(c); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return c.validate()
}

func (c *SettlerConfig) validate() error {
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.DBName == "" {
		return errors.New("database.dbname is required")
	}
	return c.Rewards.Parse()
}

func setCommonDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("chain.confirmations", 12)
	v.SetDefault("chain.token_decimals", 18)
	v.SetDefault("limits.min_withdraw", "10")
	v.SetDefault("limits.max_withdraw", "100000")
	v.SetDefault("limits.auto_approve_bound", "1000")
	v.SetDefault("limits.signature_fresh_for", "5m")
	v.SetDefault("limits.idempotency_ttl", "5m")
	v.SetDefault("limits.rate_per_minute", 60)
	v.SetDefault("settlement.cron_spec", "10 0 * * *")
	v.SetDefault("settlement.batch_size", 500)
	v.SetDefault("settlement.pool_size", 16)
	v.SetDefault("settlement.settling_delay", "10s")
	v.SetDefault("settlement.retry_window", "24h")
	v.SetDefault("rewards.level_thresholds", []string{"5000", "30000", "100000", "500000", "2000000"})
	v.SetDefault("rewards.static_rates", []string{"0.003", "0.004", "0.005", "0.006", "0.007", "0.008"})
	v.SetDefault("rewards.dynamic_rates", []string{"0", "0.01", "0.02", "0.03", "0.04", "0.05"})
	v.SetDefault("rewards.static_cap_multiple", "3")
	v.SetDefault("rewards.dynamic_cap_increment", "100")
	v.SetDefault("rewards.dynamic_cap_ceiling", "50000")
	v.SetDefault("rewards.dynamic_scale", "1")
	v.SetDefault("rewards.mid_node_price", "5000")
	v.SetDefault("rewards.top_node_price", "20000")
	v.SetDefault("rewards.mid_node_diff_rate", "0.05")
	v.SetDefault("rewards.top_node_diff_rate", "0.1")
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Config file not found, use environment variables
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// configureViper returns a viper instance with the config file and environment
// variables set
func configureViper(service string, configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath, service)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(fmt.Sprintf("cmd/%s/", service))
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix("REFERRAL_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars explicitly binds all possible environment variables.
// This is required for viper to map env vars to config struct fields when no
// config file exists.
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		"sentry_dsn",
		"environment",
		// Database
		"database.host",
		"database.port",
		"database.user",
		"database.password",
		"database.dbname",
		"database.sslmode",
		"database.max_open_conns",
		"database.max_idle_conns",
		"database.conn_max_lifetime",
		"database.conn_max_idle_time",
		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",
		// Chain
		"chain.rpc_url",
		"chain.token_contract",
		"chain.confirmations",
		"chain.token_decimals",
		"chain.hot_wallet_address",
		"chain.burn_address",
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		// Auth
		"auth.api_keys",
		// Limits
		"limits.min_withdraw",
		"limits.max_withdraw",
		"limits.auto_approve_bound",
		"limits.signature_fresh_for",
		"limits.idempotency_ttl",
		"limits.rate_per_minute",
		// Rewards
		"rewards.level_thresholds",
		"rewards.static_rates",
		"rewards.dynamic_rates",
		"rewards.static_cap_multiple",
		"rewards.dynamic_cap_increment",
		"rewards.dynamic_cap_ceiling",
		"rewards.dynamic_scale",
		"rewards.mid_node_price",
		"rewards.top_node_price",
		"rewards.mid_node_diff_rate",
		"rewards.top_node_diff_rate",
		// Settlement
		"settlement.cron_spec",
		"settlement.batch_size",
		"settlement.pool_size",
		"settlement.settling_delay",
		"settlement.retry_window",
	}

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// loadEnv loads environment variables from the config directory
func loadEnv(envPath string, service string) {
	envFiles := []string{".env", ".env.local"}
	if service != "" {
		envFiles = append(envFiles, ".env."+service+".local")
	}

	if envPath == "" {
		envPath = "config/"
	}

	for _, envFile := range envFiles {
		candidate := filepath.Join(envPath, envFile)
		_ = godotenv.Overload(candidate) // Overload lets later files override earlier ones
	}
}

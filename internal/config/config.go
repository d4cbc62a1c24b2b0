package config

import (
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/dealerscope/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Fetch        FetchConfig        `yaml:"fetch" mapstructure:"fetch"`
	Compliance   ComplianceConfig   `yaml:"compliance" mapstructure:"compliance"`
	Extract      ExtractConfig      `yaml:"extract" mapstructure:"extract"`
	Budget       BudgetConfig       `yaml:"budget" mapstructure:"budget"`
	Pricing      PricingConfig      `yaml:"pricing" mapstructure:"pricing"`
	Scoring      ScoringConfig      `yaml:"scoring" mapstructure:"scoring"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Notify       NotifyConfig       `yaml:"notify" mapstructure:"notify"`
	SitesFile    string             `yaml:"sites_file" mapstructure:"sites_file"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the control server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// FetchConfig configures the conditional fetcher.
type FetchConfig struct {
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBodyBytes int64   `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerSec   float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst        int     `yaml:"burst" mapstructure:"burst"`
}

// ComplianceConfig configures robots caching and document retention.
type ComplianceConfig struct {
	RobotsTTLHours    int `yaml:"robots_ttl_hours" mapstructure:"robots_ttl_hours"`
	HTMLRetentionDays int `yaml:"html_retention_days" mapstructure:"html_retention_days"`
	PIIRetentionDays  int `yaml:"pii_retention_days" mapstructure:"pii_retention_days"`
}

// ExtractConfig configures the tiered field extractor.
type ExtractConfig struct {
	TierThreshold        float64 `yaml:"tier_threshold" mapstructure:"tier_threshold"`
	MaxRetries           int     `yaml:"max_retries" mapstructure:"max_retries"`
	GenerativeEnabled    bool    `yaml:"generative_enabled" mapstructure:"generative_enabled"`
	GenerativeTokens     int     `yaml:"generative_tokens" mapstructure:"generative_tokens"`
	MaxPromptChars       int     `yaml:"max_prompt_chars" mapstructure:"max_prompt_chars"`
	BreakerThreshold     int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs     int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	MaxListingsPerSite   int     `yaml:"max_listings_per_site" mapstructure:"max_listings_per_site"`
	HeadlessMinutesPerPg float64 `yaml:"headless_minutes_per_page" mapstructure:"headless_minutes_per_page"`
}

// BudgetConfig configures per-site daily caps by tier.
type BudgetConfig struct {
	NearLimitPct float64                          `yaml:"near_limit_pct" mapstructure:"near_limit_pct"`
	Tiers        map[string]model.ResourceAmounts `yaml:"tiers" mapstructure:"tiers"`
}

// PricingConfig holds per-resource pricing rates used for cost reporting.
type PricingConfig struct {
	Anthropic         map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	HTTPPerRequest    float64                 `yaml:"http_per_request" mapstructure:"http_per_request"`
	HeadlessPerMinute float64                 `yaml:"headless_per_minute" mapstructure:"headless_per_minute"`
	CaptchaPerSolve   float64                 `yaml:"captcha_per_solve" mapstructure:"captcha_per_solve"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// TransportBand is a transport cost rule for a group of states.
type TransportBand struct {
	States []string `yaml:"states" mapstructure:"states"`
	Base   float64  `yaml:"base" mapstructure:"base"`
	Rate   float64  `yaml:"rate" mapstructure:"rate"`
}

// ScoringConfig holds deal scoring policy values. Zero values are replaced
// with defaults by the scorer.
type ScoringConfig struct {
	MinROI        float64 `yaml:"min_roi" mapstructure:"min_roi"`
	MinProfit     float64 `yaml:"min_profit" mapstructure:"min_profit"`
	MaxRisk       float64 `yaml:"max_risk" mapstructure:"max_risk"`
	MinConfidence float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	HotROI        float64 `yaml:"hot_roi" mapstructure:"hot_roi"`
	HotMaxRisk    float64 `yaml:"hot_max_risk" mapstructure:"hot_max_risk"`
	GoodROI       float64 `yaml:"good_roi" mapstructure:"good_roi"`
	GoodMaxRisk   float64 `yaml:"good_max_risk" mapstructure:"good_max_risk"`

	MarketCacheTTLHours int     `yaml:"market_cache_ttl_hours" mapstructure:"market_cache_ttl_hours"`
	SalesYearWindow     int     `yaml:"sales_year_window" mapstructure:"sales_year_window"`
	MaxSales            int     `yaml:"max_sales" mapstructure:"max_sales"`
	SalesConfidenceCap  float64 `yaml:"sales_confidence_cap" mapstructure:"sales_confidence_cap"`

	BasePrices          map[string]float64 `yaml:"base_prices" mapstructure:"base_prices"`
	DefaultBasePrice    float64            `yaml:"default_base_price" mapstructure:"default_base_price"`
	DepreciationPerYear float64            `yaml:"depreciation_per_year" mapstructure:"depreciation_per_year"`
	DepreciationFloor   float64            `yaml:"depreciation_floor" mapstructure:"depreciation_floor"`
	MileagePenaltyPer1K float64            `yaml:"mileage_penalty_per_1k" mapstructure:"mileage_penalty_per_1k"`
	MileageFloor        float64            `yaml:"mileage_floor" mapstructure:"mileage_floor"`
	TitleMultipliers    map[string]float64 `yaml:"title_multipliers" mapstructure:"title_multipliers"`
	TitleRisk           map[string]float64 `yaml:"title_risk" mapstructure:"title_risk"`

	LowCostTransport  TransportBand `yaml:"low_cost_transport" mapstructure:"low_cost_transport"`
	RustBeltTransport TransportBand `yaml:"rust_belt_transport" mapstructure:"rust_belt_transport"`
	DefaultTransport  TransportBand `yaml:"default_transport" mapstructure:"default_transport"`
	RustBeltRisk      float64       `yaml:"rust_belt_risk" mapstructure:"rust_belt_risk"`
	RemoteStates      []string      `yaml:"remote_states" mapstructure:"remote_states"`
	RemoteStateRisk   float64       `yaml:"remote_state_risk" mapstructure:"remote_state_risk"`
}

// OrchestratorConfig configures batch scheduling.
type OrchestratorConfig struct {
	BatchSize         int           `yaml:"batch_size" mapstructure:"batch_size"`
	InterBatchDelayMs int           `yaml:"inter_batch_delay_ms" mapstructure:"inter_batch_delay_ms"`
	UpsertBatchSize   int           `yaml:"upsert_batch_size" mapstructure:"upsert_batch_size"`
	Proxies           []ProxyConfig `yaml:"proxies" mapstructure:"proxies"`
}

// ProxyConfig is one outbound proxy available for rotation.
type ProxyConfig struct {
	ID  string `yaml:"id" mapstructure:"id" json:"id"`
	URL string `yaml:"url" mapstructure:"url" json:"url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// NotifyConfig configures event delivery.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DEALERSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "dealerscope.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("fetch.timeout_secs", 10)
	v.SetDefault("fetch.max_body_bytes", 5<<20)
	v.SetDefault("fetch.user_agent", "DealerScopeBot/1.0")
	v.SetDefault("fetch.rate_per_sec", 2.0)
	v.SetDefault("fetch.burst", 2)
	v.SetDefault("compliance.robots_ttl_hours", 24)
	v.SetDefault("compliance.html_retention_days", 30)
	v.SetDefault("compliance.pii_retention_days", 7)
	v.SetDefault("extract.tier_threshold", 0.5)
	v.SetDefault("extract.max_retries", 2)
	v.SetDefault("extract.generative_enabled", true)
	v.SetDefault("extract.generative_tokens", 1500)
	v.SetDefault("extract.max_prompt_chars", 12000)
	v.SetDefault("extract.breaker_threshold", 5)
	v.SetDefault("extract.breaker_reset_secs", 60)
	v.SetDefault("extract.max_listings_per_site", 50)
	v.SetDefault("extract.headless_minutes_per_page", 0.5)
	v.SetDefault("budget.near_limit_pct", 0.8)
	v.SetDefault("budget.tiers.high.http_requests", 2000)
	v.SetDefault("budget.tiers.high.headless_minutes", 120)
	v.SetDefault("budget.tiers.high.llm_tokens", 200000)
	v.SetDefault("budget.tiers.high.captcha_solves", 50)
	v.SetDefault("budget.tiers.medium.http_requests", 1000)
	v.SetDefault("budget.tiers.medium.headless_minutes", 60)
	v.SetDefault("budget.tiers.medium.llm_tokens", 100000)
	v.SetDefault("budget.tiers.medium.captcha_solves", 20)
	v.SetDefault("budget.tiers.low.http_requests", 300)
	v.SetDefault("budget.tiers.low.headless_minutes", 15)
	v.SetDefault("budget.tiers.low.llm_tokens", 25000)
	v.SetDefault("budget.tiers.low.captcha_solves", 5)
	v.SetDefault("pricing.http_per_request", 0.0001)
	v.SetDefault("pricing.headless_per_minute", 0.01)
	v.SetDefault("pricing.captcha_per_solve", 0.003)
	v.SetDefault("scoring.min_roi", 15.0)
	v.SetDefault("scoring.min_profit", 3000.0)
	v.SetDefault("scoring.max_risk", 70.0)
	v.SetDefault("scoring.min_confidence", 40.0)
	v.SetDefault("scoring.hot_roi", 25.0)
	v.SetDefault("scoring.hot_max_risk", 40.0)
	v.SetDefault("scoring.good_roi", 20.0)
	v.SetDefault("scoring.good_max_risk", 50.0)
	v.SetDefault("scoring.market_cache_ttl_hours", 24)
	v.SetDefault("scoring.sales_year_window", 2)
	v.SetDefault("scoring.max_sales", 50)
	v.SetDefault("orchestrator.batch_size", 3)
	v.SetDefault("orchestrator.inter_batch_delay_ms", 2000)
	v.SetDefault("orchestrator.upsert_batch_size", 100)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("sites_file", "sites.yaml")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that required fields are present for the given mode.
// mode is the command being run ("scrape", "serve", "score", ...).
func (c *Config) Validate(mode string) error {
	var missing []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url")
		}
	case "sqlite":
	default:
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}

	switch mode {
	case "scrape", "serve":
		if c.SitesFile == "" {
			missing = append(missing, "sites_file")
		}
		if c.Extract.GenerativeEnabled && c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key")
		}
	}

	if c.Extract.TierThreshold < 0 || c.Extract.TierThreshold > 1 {
		return eris.New("config: extract.tier_threshold must be between 0 and 1")
	}
	if c.Budget.NearLimitPct < 0 || c.Budget.NearLimitPct > 1 {
		return eris.New("config: budget.near_limit_pct must be between 0 and 1")
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required fields for %s: %s", mode, strings.Join(missing, ", "))
	}
	return nil
}

type sitesFile struct {
	Sites []model.Site `yaml:"sites"`
}

// LoadSites reads site definitions from a YAML file. Sites without an
// explicit allowlist are restricted to their base URL's host.
func LoadSites(path string) ([]model.Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read sites file %s", path)
	}

	var f sitesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "config: parse sites file %s", path)
	}

	seen := make(map[string]bool, len(f.Sites))
	for i := range f.Sites {
		s := &f.Sites[i]
		if s.ID == "" || s.BaseURL == "" {
			return nil, eris.Errorf("config: site %d missing id or base_url", i)
		}
		if seen[s.ID] {
			return nil, eris.Errorf("config: duplicate site id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Status == "" {
			s.Status = model.SiteStatusActive
		}
		if s.Trust == "" {
			s.Trust = model.TrustNormal
		}
		if len(s.AllowedDomains) == 0 {
			u, err := url.Parse(s.BaseURL)
			if err != nil || u.Hostname() == "" {
				return nil, eris.Errorf("config: site %q has invalid base_url %q", s.ID, s.BaseURL)
			}
			s.AllowedDomains = []string{u.Hostname()}
		}
	}
	return f.Sites, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

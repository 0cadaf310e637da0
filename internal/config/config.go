package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig  BasicConfig               `mapstructure:"basic_config"`
	Databases    map[string]DatabaseConfig `mapstructure:"databases"`
	Analytics    AnalyticsConfig           `mapstructure:"analytics"`
	Redis        RedisConfig               `mapstructure:"redis"`
	Providers    map[string]ProviderConfig `mapstructure:"providers"`
	Capabilities map[string]string         `mapstructure:"capabilities"`
	Log          LogConfig                 `mapstructure:"log"`
}

type BasicConfig struct {
	ServerAddress     string `mapstructure:"server_address"`
	DatabaseDriver    string `mapstructure:"database_driver"`
	MinWorkers        int    `mapstructure:"min_workers"`
	MaxWorkers        int    `mapstructure:"max_workers"`
	QueueSize         int    `mapstructure:"queue_size"`
	WorkerIdleTimeout int    `mapstructure:"worker_idle_timeout"` // minutes
}

// DatabaseConfig describes the checkpoint database for one driver.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Params   string `mapstructure:"params"`
}

// AnalyticsConfig points at the local usage database the questions are about.
type AnalyticsConfig struct {
	DatabasePath   string `mapstructure:"database_path"`
	TableDocsDir   string `mapstructure:"table_docs_dir"`
	ChunkRows      int    `mapstructure:"chunk_rows"`
	TopK           int    `mapstructure:"top_k"`
	RebuildOnStart bool   `mapstructure:"rebuild_on_start"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ProviderConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	Temperature float32 `mapstructure:"temperature"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

const (
	DefaultChunkRows = 5000
	DefaultTopK      = 150
)

// Load reads configuration from the provided path (defaults to config.json).
// Keys can be overridden with PACHAT_ prefixed environment variables, e.g.
// PACHAT_BASIC_CONFIG_SERVER_ADDRESS.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(absPath)
	v.SetEnvPrefix("PACHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":8000")
	v.SetDefault("basic_config.database_driver", "sqlite3")
	v.SetDefault("basic_config.min_workers", 2)
	v.SetDefault("basic_config.max_workers", 8)
	v.SetDefault("basic_config.queue_size", 64)
	v.SetDefault("basic_config.worker_idle_timeout", 5)
	v.SetDefault("analytics.chunk_rows", DefaultChunkRows)
	v.SetDefault("analytics.top_k", DefaultTopK)
	v.SetDefault("analytics.rebuild_on_start", true)
	v.SetDefault("log.level", "info")
}

func (c *Config) normalize(baseDir string) error {
	if c.Analytics.DatabasePath == "" {
		return fmt.Errorf("analytics.database_path must be configured")
	}
	c.Analytics.DatabasePath = resolve(baseDir, c.Analytics.DatabasePath)
	if c.Analytics.TableDocsDir != "" {
		c.Analytics.TableDocsDir = resolve(baseDir, c.Analytics.TableDocsDir)
	}
	if c.Analytics.ChunkRows <= 0 {
		c.Analytics.ChunkRows = DefaultChunkRows
	}
	if c.Analytics.TopK <= 0 {
		c.Analytics.TopK = DefaultTopK
	}
	if sqliteCfg, ok := c.Databases["sqlite3"]; ok && sqliteCfg.DSN != "" && !strings.HasPrefix(sqliteCfg.DSN, "file:") {
		sqliteCfg.DSN = resolve(baseDir, sqliteCfg.DSN)
		c.Databases["sqlite3"] = sqliteCfg
	}
	for capability, provider := range c.Capabilities {
		if _, ok := c.Providers[provider]; !ok {
			return fmt.Errorf("capability %s uses unknown provider %q", capability, provider)
		}
	}
	return nil
}

func resolve(baseDir, p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

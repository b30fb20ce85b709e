// Package config provides configuration loading for the verification service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Repository RepositoryConfig `mapstructure:"repository"`
	IPFS       IPFSConfig       `mapstructure:"ipfs"`
	Compiler   CompilerConfig   `mapstructure:"compiler"`
	Session    SessionConfig    `mapstructure:"session"`
	Chains     []ChainConfig    `mapstructure:"chains"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
}

// DatabaseConfig holds PostgreSQL configuration, used only by the chain
// registry: chain RPC endpoints and explorer credentials are kept in a
// real store rather than a hardcoded map.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration. Redis backs the session store
// (SessionStager) and the rate limiter.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RepositoryConfig holds MatchStore filesystem-repository configuration.
type RepositoryConfig struct {
	Path      string `mapstructure:"path"`
	ServerURL string `mapstructure:"server_url"`
}

// IPFSConfig holds decentralized-storage gateway configuration.
type IPFSConfig struct {
	Gateway string `mapstructure:"gateway"`
	API     string `mapstructure:"api"`
}

// CompilerConfig selects between the local and remote (lambda) compiler
// driver implementations.
type CompilerConfig struct {
	LambdaEnabled bool          `mapstructure:"lambda_enabled"`
	LambdaURL     string        `mapstructure:"lambda_url"`
	SolcDir       string        `mapstructure:"solc_dir"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// SessionConfig holds SessionStager limits: the cumulative upload size
// cap per session and how long an idle session survives before eviction.
type SessionConfig struct {
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	IdleExpiry     time.Duration `mapstructure:"idle_expiry"`
}

// ChainConfig describes one chain's RPC endpoint and explorer credentials.
type ChainConfig struct {
	ChainID        uint64 `mapstructure:"chain_id"`
	Name           string `mapstructure:"name"`
	RPCURL         string `mapstructure:"rpc_url"`
	ExplorerAPIURL string `mapstructure:"explorer_api_url"`
	ExplorerAPIKey string `mapstructure:"explorer_api_key"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/sourcify")

	v.SetEnvPrefix("SOURCIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sourcify")
	v.SetDefault("database.password", "sourcify")
	v.SetDefault("database.database", "sourcify")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("repository.path", "./repository")
	v.SetDefault("repository.server_url", "")

	v.SetDefault("ipfs.gateway", "https://ipfs.io/ipfs/")
	v.SetDefault("ipfs.api", "")

	v.SetDefault("compiler.lambda_enabled", false)
	v.SetDefault("compiler.solc_dir", "./compilers")
	v.SetDefault("compiler.timeout", "60s")

	v.SetDefault("session.max_upload_bytes", 50*1024*1024) // 50 MiB cap
	v.SetDefault("session.idle_expiry", "30m")
}

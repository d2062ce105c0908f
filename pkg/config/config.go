// Package config loads the process configuration described in spec.md
// §6.6 from the environment (with sane defaults), using viper the way the
// rest of the Go ecosystem pairs it with cobra-based binaries.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ipcasj/ethhook/pkg/types"
)

// Config holds every setting the core needs to run, regardless of which
// cmd/ethhook subcommand (run, subscriber, matcher, delivery) reads it.
type Config struct {
	DatabaseURL string
	BrokerURL   string // empty selects the in-memory, single-process broker

	Chains []types.ChainConfig

	WorkerCount       int
	MaxRetries        int
	RetryBaseSeconds  int
	RetryMaxSeconds   int
	CacheRefreshSecs  int
	HMACToleranceSecs int

	LogLevel string
	LogJSON  bool

	MetricsAddr string
}

// ErrConfig wraps a configuration failure; cmd/ethhook exits 1 on it per
// spec.md §6.6.
type ErrConfig struct {
	msg string
}

func (e *ErrConfig) Error() string { return e.msg }

func configErrorf(format string, args ...interface{}) error {
	return &ErrConfig{msg: fmt.Sprintf(format, args...)}
}

// Load reads configuration from the environment. Every env var name below
// matches spec.md §6.6 verbatim; CHAINS enumerates the per-chain names used
// to build the {NAME}_WS_URL / {NAME}_HTTP_URL pairs (not spelled out in
// the wire format, resolved here as the natural way to support an arbitrary
// chain set without a code change).
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("WORKER_COUNT", 10)
	v.SetDefault("MAX_RETRIES", 15)
	v.SetDefault("RETRY_BASE_SECONDS", 10)
	v.SetDefault("RETRY_MAX_SECONDS", 3600)
	v.SetDefault("ENDPOINT_CACHE_REFRESH_SECONDS", 10)
	v.SetDefault("HMAC_TIMESTAMP_TOLERANCE_SECONDS", 300)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", false)
	v.SetDefault("METRICS_ADDR", "127.0.0.1:9090")

	databaseURL := v.GetString("DATABASE_URL")
	if databaseURL == "" {
		return nil, configErrorf("DATABASE_URL is required")
	}

	chainNames := splitNonEmpty(v.GetString("CHAINS"))
	if len(chainNames) == 0 {
		return nil, configErrorf("CHAINS must list at least one chain name (e.g. CHAINS=ETHEREUM,POLYGON)")
	}

	chains := make([]types.ChainConfig, 0, len(chainNames))
	for _, name := range chainNames {
		wsURL := v.GetString(name + "_WS_URL")
		httpURL := v.GetString(name + "_HTTP_URL")
		if wsURL == "" || httpURL == "" {
			return nil, configErrorf("%s_WS_URL and %s_HTTP_URL are both required", name, name)
		}

		chainID, err := strconv.ParseUint(v.GetString(name+"_CHAIN_ID"), 10, 32)
		if err != nil {
			return nil, configErrorf("%s_CHAIN_ID must be a positive integer: %v", name, err)
		}

		confirmations := v.GetUint64(name + "_CONFIRMATIONS")
		if confirmations == 0 {
			confirmations = 1
		}

		chains = append(chains, types.ChainConfig{
			ChainID:       uint32(chainID),
			Name:          name,
			WSURL:         wsURL,
			HTTPURL:       httpURL,
			Confirmations: confirmations,
			BackupWSURL:   v.GetString(name + "_BACKUP_WS_URL"),
		})
	}

	return &Config{
		DatabaseURL:       databaseURL,
		BrokerURL:         v.GetString("BROKER_URL"),
		Chains:            chains,
		WorkerCount:       v.GetInt("WORKER_COUNT"),
		MaxRetries:        v.GetInt("MAX_RETRIES"),
		RetryBaseSeconds:  v.GetInt("RETRY_BASE_SECONDS"),
		RetryMaxSeconds:   v.GetInt("RETRY_MAX_SECONDS"),
		CacheRefreshSecs:  v.GetInt("ENDPOINT_CACHE_REFRESH_SECONDS"),
		HMACToleranceSecs: v.GetInt("HMAC_TIMESTAMP_TOLERANCE_SECONDS"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogJSON:           v.GetBool("LOG_JSON"),
		MetricsAddr:       v.GetString("METRICS_ADDR"),
	}, nil
}

// RetryBase returns RetryBaseSeconds as a time.Duration.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

// RetryMax returns RetryMaxSeconds as a time.Duration.
func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxSeconds) * time.Second
}

// CacheRefreshInterval returns CacheRefreshSecs as a time.Duration.
func (c *Config) CacheRefreshInterval() time.Duration {
	return time.Duration(c.CacheRefreshSecs) * time.Second
}

// HMACTolerance returns HMACToleranceSecs as a time.Duration.
func (c *Config) HMACTolerance() time.Duration {
	return time.Duration(c.HMACToleranceSecs) * time.Second
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

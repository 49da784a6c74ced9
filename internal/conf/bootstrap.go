// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables.
package conf

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Scheduling modes accepted by pool.scheduling.mode.
const (
	ModeCacheFirst       = "cache_first"
	ModeBalance          = "balance"
	ModePerformanceFirst = "performance_first"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with PROXYLANE_.
//
// Configuration priority: Environment variables > Config file > Defaults
//
// Required settings:
//   - DATABASE_DSN or PROXYLANE_DATA_DATABASE_SOURCE (not needed for the sqlite driver)
//   - ENCRYPTION_KEY or PROXYLANE_AUTH_ENCRYPTION_KEY: credential encryption key
//   - ADMIN_KEY or PROXYLANE_SERVER_ADMIN_KEY: admin API key
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PROXYLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("data.database.source", "DATABASE_DSN", "PROXYLANE_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "PROXYLANE_DATA_REDIS_ADDR")
	_ = v.BindEnv("auth.encryption.key", "ENCRYPTION_KEY", "PROXYLANE_AUTH_ENCRYPTION_KEY")
	_ = v.BindEnv("server.admin_key", "ADMIN_KEY", "PROXYLANE_SERVER_ADMIN_KEY")
	_ = v.BindEnv("upstream.oauth.client_secret", "OAUTH_CLIENT_SECRET", "PROXYLANE_UPSTREAM_OAUTH_CLIENT_SECRET")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	steps, err := parseDurations(v.GetStringSlice("pool.circuit_breaker.backoff_steps"))
	if err != nil {
		return nil, fmt.Errorf("invalid pool.circuit_breaker.backoff_steps: %w", err)
	}

	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: v.GetDuration("server.http.timeout"),
			},
			AdminKey: v.GetString("server.admin_key"),
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: strings.ToLower(v.GetString("data.database.driver")),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				Password:     v.GetString("data.redis.password"),
				DB:           v.GetInt("data.redis.db"),
				ReadTimeout:  v.GetDuration("data.redis.read_timeout"),
				WriteTimeout: v.GetDuration("data.redis.write_timeout"),
			},
		},
		Auth: &Auth{
			Encryption: &Auth_Encryption{
				Key: v.GetString("auth.encryption.key"),
			},
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
		Pool: &Pool{
			CircuitBreaker: &Pool_CircuitBreaker{
				Enabled:      v.GetBool("pool.circuit_breaker.enabled"),
				BackoffSteps: steps,
			},
			QuotaProtection: &Pool_QuotaProtection{
				Enabled:             v.GetBool("pool.quota_protection.enabled"),
				ThresholdPercentage: v.GetInt("pool.quota_protection.threshold_percentage"),
				MonitoredModels:     v.GetStringSlice("pool.quota_protection.monitored_models"),
				RelaxOnExhaustion:   v.GetBool("pool.quota_protection.relax_on_exhaustion"),
			},
			Scheduling: &Pool_Scheduling{
				Mode:        strings.ToLower(v.GetString("pool.scheduling.mode")),
				MaxWait:     v.GetDuration("pool.scheduling.max_wait"),
				StickyTTL:   v.GetDuration("pool.scheduling.sticky_ttl"),
				MaxSessions: v.GetInt("pool.scheduling.max_sessions"),
			},
			PreferredAccountID: v.GetString("pool.preferred_account_id"),
			MaxRetryAttempts:   v.GetInt("pool.max_retry_attempts"),
			RefreshSkew:        v.GetDuration("pool.refresh_skew"),
			ShutdownTimeout:    v.GetDuration("pool.shutdown_timeout"),
		},
		Upstream: &Upstream{
			OAuth: &Upstream_OAuth{
				ClientID:     v.GetString("upstream.oauth.client_id"),
				ClientSecret: v.GetString("upstream.oauth.client_secret"),
				TokenURL:     v.GetString("upstream.oauth.token_url"),
				ProxyURL:     v.GetString("upstream.oauth.proxy_url"),
				Timeout:      v.GetDuration("upstream.oauth.timeout"),
				MaxRetries:   v.GetInt("upstream.oauth.max_retries"),
			},
			Quota: &Upstream_Quota{
				BaseURL:           v.GetString("upstream.quota.base_url"),
				ProxyURL:          v.GetString("upstream.quota.proxy_url"),
				Timeout:           v.GetDuration("upstream.quota.timeout"),
				RequestsPerSecond: v.GetFloat64("upstream.quota.requests_per_second"),
				Burst:             v.GetInt("upstream.quota.burst"),
			},
			Fallback: &Upstream_Fallback{
				Enabled:     v.GetBool("upstream.fallback.enabled"),
				BaseURL:     v.GetString("upstream.fallback.base_url"),
				APIKey:      v.GetString("upstream.fallback.api_key"),
				Timeout:     v.GetDuration("upstream.fallback.timeout"),
				MaxFailures: v.GetUint32("upstream.fallback.max_failures"),
				OpenTimeout: v.GetDuration("upstream.fallback.open_timeout"),
			},
		},
		Cron: &Cron{
			CredentialRefresh: v.GetString("cron.credential_refresh"),
			QuotaRefresh:      v.GetString("cron.quota_refresh"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8045")
	v.SetDefault("server.http.timeout", 30*time.Second)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Pool defaults
	v.SetDefault("pool.circuit_breaker.enabled", true)
	v.SetDefault("pool.circuit_breaker.backoff_steps", []string{"60s", "5m", "30m", "2h"})
	v.SetDefault("pool.quota_protection.enabled", false)
	v.SetDefault("pool.quota_protection.threshold_percentage", 10)
	v.SetDefault("pool.quota_protection.monitored_models", []string{
		"claude-sonnet-4-5", "gemini-3-pro-high", "gemini-3-flash", "gemini-3-pro-image",
	})
	v.SetDefault("pool.quota_protection.relax_on_exhaustion", true)
	v.SetDefault("pool.scheduling.mode", ModeBalance)
	v.SetDefault("pool.scheduling.max_wait", 60*time.Second)
	v.SetDefault("pool.scheduling.sticky_ttl", 10*time.Minute)
	v.SetDefault("pool.scheduling.max_sessions", 10000)
	v.SetDefault("pool.max_retry_attempts", 3)
	v.SetDefault("pool.refresh_skew", 5*time.Minute)
	v.SetDefault("pool.shutdown_timeout", 10*time.Second)

	// Upstream defaults
	v.SetDefault("upstream.oauth.token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("upstream.oauth.timeout", 15*time.Second)
	v.SetDefault("upstream.oauth.max_retries", 2)
	v.SetDefault("upstream.quota.base_url", "https://cloudcode-pa.googleapis.com")
	v.SetDefault("upstream.quota.timeout", 15*time.Second)
	v.SetDefault("upstream.quota.requests_per_second", 2.0)
	v.SetDefault("upstream.quota.burst", 2)
	v.SetDefault("upstream.fallback.timeout", 120*time.Second)
	v.SetDefault("upstream.fallback.max_failures", 5)
	v.SetDefault("upstream.fallback.open_timeout", 30*time.Second)

	// Cron defaults (seconds field first)
	v.SetDefault("cron.credential_refresh", "0 */10 * * * *")
	v.SetDefault("cron.quota_refresh", "0 */15 * * * *")
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all problems.
func Validate(bc *Bootstrap) error {
	var missingFields []string

	sqlite := bc.Data != nil && bc.Data.Database != nil && bc.Data.Database.Driver == "sqlite"
	if !sqlite && (bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "") {
		missingFields = append(missingFields, "data.database.source (DATABASE_DSN)")
	}

	if bc.Auth == nil || bc.Auth.Encryption == nil || bc.Auth.Encryption.Key == "" {
		missingFields = append(missingFields, "auth.encryption.key (ENCRYPTION_KEY)")
	}

	if bc.Server == nil || bc.Server.AdminKey == "" {
		missingFields = append(missingFields, "server.admin_key (ADMIN_KEY)")
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missingFields, ", "))
	}

	if bc.Data.Database.Driver != "" {
		switch bc.Data.Database.Driver {
		case "mysql", "postgres", "sqlite":
		default:
			return fmt.Errorf("unsupported data.database.driver %q", bc.Data.Database.Driver)
		}
	}

	if p := bc.Pool; p != nil {
		if p.Scheduling != nil && p.Scheduling.Mode != "" {
			switch p.Scheduling.Mode {
			case ModeCacheFirst, ModeBalance, ModePerformanceFirst:
			default:
				return fmt.Errorf("unsupported pool.scheduling.mode %q", p.Scheduling.Mode)
			}
		}
		if p.CircuitBreaker != nil {
			for _, s := range p.CircuitBreaker.BackoffSteps {
				if s <= 0 {
					return fmt.Errorf("pool.circuit_breaker.backoff_steps must be positive, got %s", s)
				}
			}
		}
		if p.QuotaProtection != nil {
			if th := p.QuotaProtection.ThresholdPercentage; th < 0 || th > 100 {
				return fmt.Errorf("pool.quota_protection.threshold_percentage must be within [0, 100], got %d", th)
			}
		}
	}

	return nil
}

// parseDurations accepts Go duration strings or bare seconds.
func parseDurations(raw []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if d, err := time.ParseDuration(s); err == nil {
			out = append(out, d)
			continue
		}
		secs, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as duration", s)
		}
		out = append(out, time.Duration(secs)*time.Second)
	}
	return out, nil
}

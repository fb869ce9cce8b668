package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads a TOML (.toml) or YAML (.yaml, .yml) file on top of Defaults, loads a
// .env file when present and applies AMM_* environment overrides. The result is not
// validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := decode(path, data, &cfg); err != nil {
		return nil, err
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("config: parse TOML %q: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parse YAML %q: %w", path, err)
		}
	default:
		return fmt.Errorf("config: unsupported file extension %q", ext)
	}
	return nil
}

// applyEnvOverrides lets operators inject deployment settings without editing the file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "AMM_LOG_LEVEL")
	setStr(&cfg.LogFormat, "AMM_LOG_FORMAT")

	setStr(&cfg.Server.Addr, "AMM_SERVER_ADDR")
	setStringSlice(&cfg.Server.CORSOrigins, "AMM_SERVER_CORS_ORIGINS")
	setFloat64(&cfg.Server.RateLimit, "AMM_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "AMM_SERVER_RATE_BURST")

	setStr(&cfg.Store.Driver, "AMM_STORE_DRIVER")
	setStr(&cfg.Store.DSN, "AMM_STORE_DSN")

	setStr(&cfg.Redis.Addr, "AMM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "AMM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "AMM_REDIS_DB")

	setStr(&cfg.AMM.SafeBox, "AMM_SAFE_BOX")
	setStr(&cfg.Pool.Address, "AMM_POOL_ADDRESS")
	setStr(&cfg.Pool.DefaultLiquidityProvider, "AMM_POOL_DEFAULT_LIQUIDITY_PROVIDER")
	setStr(&cfg.Pool.RoundLength, "AMM_POOL_ROUND_LENGTH")
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

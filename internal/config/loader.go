package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// LoadRegion loads the region configuration from file and environment variables
func LoadRegion(configPath string) (*RegionConfig, error) {
	cfg := DefaultRegionConfig()
	if err := readInto(configPath, cfg); err != nil {
		return nil, err
	}

	applyRegionEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadRack loads the rack configuration from file and environment variables
func LoadRack(configPath string) (*RackConfig, error) {
	cfg := DefaultRackConfig()
	if err := readInto(configPath, cfg); err != nil {
		return nil, err
	}

	applyRackEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// readInto unmarshals the YAML file over the defaults already held in out.
// A missing file is not an error; defaults and environment apply.
func readInto(configPath string, out interface{}) error {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
		return nil
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

func applyRegionEnvironmentOverrides(cfg *RegionConfig) {
	applyServerOverrides(&cfg.Server)

	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		cfg.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			cfg.Database.Port = p
		}
	}
	if dbName := os.Getenv("DATABASE_NAME"); dbName != "" {
		cfg.Database.Database = dbName
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		cfg.Database.User = dbUser
	}
	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		cfg.Database.Password = dbPassword
	}

	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}
	if backend := os.Getenv("LOCKS_BACKEND"); backend != "" {
		cfg.Locks.Backend = backend
	}
	if seeds := os.Getenv("CLUSTER_SEED_NODES"); seeds != "" {
		cfg.Cluster.Enabled = true
		cfg.Cluster.SeedNodes = splitList(seeds)
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

func applyRackEnvironmentOverrides(cfg *RackConfig) {
	applyServerOverrides(&cfg.Server)

	if systemID := os.Getenv("MAAS_ID"); systemID != "" {
		cfg.Rack.SystemID = systemID
	}
	if hostname := os.Getenv("RACK_HOSTNAME"); hostname != "" {
		cfg.Rack.Hostname = hostname
	}
	if addr := os.Getenv("RACK_ADVERTISE_ADDRESS"); addr != "" {
		cfg.Rack.AdvertiseAddress = addr
	}
	if endpoints := os.Getenv("REGION_ENDPOINTS"); endpoints != "" {
		cfg.Regions.Endpoints = splitList(endpoints)
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

func applyServerOverrides(s *ServerConfig) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		s.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			s.Port = p
		}
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

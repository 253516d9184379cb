package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
//  1. 加载 .env.{env}（敏感信息）
//  2. 加载 common.yaml 与 {env}.yaml
//  3. 环境变量覆盖并校验
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)
	// .env 文件可能设置了 APP_ENV
	env = parseEnv(getEnv("APP_ENV", "dev"))

	yamlCfg, err := loadYAMLConfig(env)
	if err != nil {
		return nil, err
	}

	dbPassword := os.Getenv("DB_PASSWORD")
	databaseURL := os.Getenv("DATABASE_URL")
	driver := detectDatabaseDriver(yamlCfg.Database.Driver, databaseURL)
	yamlCfg.Database.Driver = driver
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(yamlCfg.Database, dbPassword)
	}

	yamlCfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	yamlCfg.MinIO.AccessKey = firstEnv("MINIO_ROOT_USER", "MINIO_ACCESS_KEY")
	yamlCfg.MinIO.SecretKey = firstEnv("MINIO_ROOT_PASSWORD", "MINIO_SECRET_KEY")

	cfg := &Config{
		Env:            env,
		Runner:         yamlCfg.Runner,
		DatabaseDriver: driver,
		DatabaseURL:    databaseURL,
		DatabaseName:   yamlCfg.Database.Name,
		State:          yamlCfg.State,
		Redis:          yamlCfg.Redis,
		RedisURL:       getEnv("REDIS_URL", buildRedisURL(yamlCfg.Redis)),
		Etcd:           yamlCfg.Etcd,
		MinIO:          yamlCfg.MinIO,
		Log:            yamlCfg.Log,
		Metrics:        yamlCfg.Metrics,
		CatalogPath:    getEnv("ELT_CATALOG", yamlCfg.Catalog),
		ConfigFilePath: yamlCfg.loadedFrom,
	}
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultYAMLConfig 硬编码默认值
func defaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Runner: RunnerConfig{
			WorkDir:            filepath.Join(os.TempDir(), "elt-runner"),
			LogDir:             ".elt/logs",
			TerminationGrace:   10 * time.Second,
			HeartbeatInterval:  30 * time.Second,
			StaleThreshold:     5 * time.Minute,
			MaxLineBytes:       1024 * 1024,
			MaxStateBytes:      16 * 1024 * 1024,
			CheckpointInterval: 5 * time.Second,
			BufferSize:         32 * 1024,
		},
		Database: DatabaseConfig{Driver: "sqlite", Path: ".elt/elt.db", Host: "localhost", Port: 5432, User: "elt", Name: "elt_runner", SSLMode: "disable"},
		State:    StateConfig{Backend: StateBackendDB, LocalDir: ".elt/state"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379, DB: 0, Prefix: "elt:"},
		Etcd:     EtcdConfig{Endpoints: []string{"localhost:2379"}, Prefix: "/elt", DialTimeout: 5 * time.Second},
		MinIO:    MinIOConfig{Endpoint: "localhost:9000", Bucket: "elt-runner"},
		Log:      LogConfig{Level: "info", Format: "text", Output: "stderr"},
		Catalog:  "elt.yaml",
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) (*YAMLConfig, error) {
	cfg := defaultYAMLConfig()

	for _, name := range []string{"common.yaml", fmt.Sprintf("%s.yaml", env)} {
		for _, base := range effectiveConfigPaths() {
			path := filepath.Join(base, name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
			cfg.loadedFrom = path
			break
		}
	}

	return cfg, nil
}

// applyEnvOverrides 环境变量覆盖 YAML 配置
func (c *Config) applyEnvOverrides() {
	c.State.Backend = getEnv("ELT_STATE_BACKEND", c.State.Backend)
	c.State.LocalDir = getEnv("ELT_STATE_DIR", c.State.LocalDir)
	c.Runner.WorkDir = getEnv("ELT_WORK_DIR", c.Runner.WorkDir)
	c.Runner.LogDir = getEnv("ELT_LOG_DIR", c.Runner.LogDir)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Metrics.Addr = getEnv("METRICS_ADDR", c.Metrics.Addr)
	if v := os.Getenv("ELT_TERMINATION_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Runner.TerminationGrace = d
		}
	}
	if v := os.Getenv("ELT_MAX_LINE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runner.MaxLineBytes = n
		}
	}
	if v := os.Getenv("ELT_MAX_STATE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runner.MaxStateBytes = n
		}
	}
}

// validate 校验配置并填充零值默认值
func (c *Config) validate() error {
	switch c.State.Backend {
	case StateBackendDB, StateBackendLocal, StateBackendS3, StateBackendEtcd, StateBackendRedis, StateBackendMemory:
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}
	if c.State.Backend == StateBackendLocal && c.State.LocalDir == "" {
		return fmt.Errorf("state.local_dir is required for local state backend")
	}
	if c.State.Backend == StateBackendEtcd && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints is required for etcd state backend")
	}

	defaults := defaultYAMLConfig().Runner
	if c.Runner.TerminationGrace <= 0 {
		c.Runner.TerminationGrace = defaults.TerminationGrace
	}
	if c.Runner.HeartbeatInterval <= 0 {
		c.Runner.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.Runner.StaleThreshold <= 0 {
		c.Runner.StaleThreshold = defaults.StaleThreshold
	}
	if c.Runner.MaxLineBytes <= 0 {
		c.Runner.MaxLineBytes = defaults.MaxLineBytes
	}
	if c.Runner.BufferSize <= 0 {
		c.Runner.BufferSize = defaults.BufferSize
	}
	if c.Runner.CheckpointInterval < 0 {
		c.Runner.CheckpointInterval = 0
	}
	return nil
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, Driver: %s, DB: %s, State: %s, Redis: %s}",
		c.Env, c.DatabaseDriver, maskPassword(c.DatabaseURL), c.State.Backend, maskPassword(c.RedisURL))
}

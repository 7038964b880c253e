package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sitegen/internal/apiserver/auth"
	"sitegen/internal/apiserver/server"
	"sitegen/internal/orchestrator/bridge"
	"sitegen/internal/orchestrator/dispatcher"
	"sitegen/internal/orchestrator/estimator"
	"sitegen/internal/orchestrator/pipeline"
	"sitegen/internal/orchestrator/retry"
	"sitegen/internal/orchestrator/taskmgr"
	"sitegen/internal/provider/gemini"
	"sitegen/internal/provider/ollama"
	"sitegen/pkg/logging"
)

// Load 加载配置
//
//  1. 加载 .env（敏感信息 + APP_ENV）
//  2. 按 默认值 → common.yaml → {env}.yaml 加载 YAML
//  3. 环境变量覆盖凭据与少量部署相关字段
//  4. 校验
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)
	env = parseEnv(getEnv("APP_ENV", string(env)))

	yamlCfg, err := loadYAMLConfig(env)
	if err != nil {
		return nil, err
	}
	return build(env, yamlCfg)
}

// defaults 代码硬编码默认值
func defaults() YAMLConfig {
	return YAMLConfig{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 30 * time.Second,
			Config:          server.DefaultConfig(),
		},
		Log:      logging.Config{Level: "info", Format: "json", Output: "stdout"},
		Database: DatabaseConfig{Path: "data/sitegen.db", Host: "localhost", Port: 5432, User: "sitegen", Name: "sitegen", SSLMode: "disable"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379},
		MinIO:    MinIOConfig{Bucket: "sitegen"},
		Provider: ProviderConfig{
			Type:    ProviderOllama,
			Timeout: 5 * time.Minute,
			Ollama:  ollama.DefaultConfig(),
			Gemini:  gemini.DefaultConfig(),
		},
		Auth: auth.DefaultConfig(),
		Orchestrator: OrchestratorConfig{
			Estimator:  estimator.DefaultConfig(),
			Pipeline:   pipeline.DefaultConfig(),
			Retry:      retry.DefaultPolicy(),
			Dispatcher: dispatcher.DefaultConfig(),
			Tasks:      taskmgr.DefaultConfig(),
			Bridge:     bridge.DefaultConfig(),
		},
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml，文件缺失时跳过
func loadYAMLConfig(env Environment) (*yamlConfigInternal, error) {
	cfg := &yamlConfigInternal{YAMLConfig: defaults()}

	for _, name := range []string{"common.yaml", fmt.Sprintf("%s.yaml", env)} {
		path := findConfigFile(env, name)
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.loadedFrom = path
	}
	return cfg, nil
}

// build 合并环境变量并生成最终配置
func build(env Environment, y *yamlConfigInternal) (*Config, error) {
	// 凭据只从环境变量读取
	y.Database.Password = firstEnv("DB_PASSWORD", "POSTGRES_PASSWORD", "MONGO_ROOT_PASSWORD")
	y.Redis.Password = os.Getenv("REDIS_PASSWORD")
	y.MinIO.AccessKey = os.Getenv("MINIO_ROOT_USER")
	y.MinIO.SecretKey = os.Getenv("MINIO_ROOT_PASSWORD")
	y.Provider.Gemini.APIKey = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
	y.Auth.JWTSecret = os.Getenv("JWT_SECRET")

	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		y.Provider.Ollama.Host = v
	}
	if v := os.Getenv("PROVIDER_TYPE"); v != "" {
		y.Provider.Type = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		y.Log.Level = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		y.Redis.URL = v
		y.Redis.Enabled = true
	}

	databaseURL := os.Getenv("DATABASE_URL")
	driver := detectDatabaseDriver(y.Database.Driver, databaseURL)
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(driver, y.Database, y.Database.Password)
	}

	cfg := &Config{
		Env:             env,
		APIPort:         getEnv("API_PORT", y.Server.Port),
		ShutdownTimeout: y.Server.ShutdownTimeout,
		Log:             y.Log,
		DatabaseDriver:  driver,
		DatabaseURL:     databaseURL,
		DatabaseDBName:  y.Database.Name,
		Redis:           y.Redis,
		MinIO:           y.MinIO,
		Provider:        y.Provider,
		Auth:            y.Auth,
		Server:          y.Server.Config,
		Orchestrator:    y.Orchestrator,
		ConfigFilePath:  y.loadedFrom,
	}
	if y.Redis.Enabled {
		cfg.RedisURL = buildRedisURL(y.Redis)
	}
	if cfg.Server.DefaultModel == "" {
		cfg.Server.DefaultModel = cfg.defaultProviderModel()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultProviderModel 当前 Provider 的默认模型
func (c *Config) defaultProviderModel() string {
	switch c.Provider.Type {
	case ProviderGemini:
		return c.Provider.Gemini.DefaultModel
	case ProviderOllama:
		return c.Provider.Ollama.DefaultModel
	default:
		return "stub"
	}
}

// validate 校验配置
func (c *Config) validate() error {
	switch c.Provider.Type {
	case ProviderOllama, ProviderStub:
	case ProviderGemini:
		if c.Provider.Gemini.APIKey == "" {
			return fmt.Errorf("provider gemini requires GEMINI_API_KEY")
		}
	default:
		return fmt.Errorf("unknown provider type %q", c.Provider.Type)
	}

	if c.Env == EnvProduction && !c.Auth.Enabled() {
		return fmt.Errorf("authentication must be configured in production (JWT_SECRET or auth.api_keys)")
	}

	est := c.Orchestrator.Estimator
	if est.SmallThreshold <= 0 || est.LargeThreshold <= est.SmallThreshold {
		return fmt.Errorf("estimator thresholds must satisfy 0 < small_threshold < large_threshold (got %d, %d)",
			est.SmallThreshold, est.LargeThreshold)
	}
	if c.Orchestrator.Pipeline.SegmentCount < 1 {
		return fmt.Errorf("pipeline.segment_count must be at least 1")
	}
	if c.Orchestrator.Tasks.MaxConcurrent < 1 {
		return fmt.Errorf("tasks.max_concurrent_tasks must be at least 1")
	}
	if c.MinIO.Endpoint != "" && (c.MinIO.AccessKey == "" || c.MinIO.SecretKey == "") {
		return fmt.Errorf("minio endpoint %s requires MINIO_ROOT_USER and MINIO_ROOT_PASSWORD", c.MinIO.Endpoint)
	}
	return nil
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// UsesRedis 任务存储与事件日志是否使用 Redis
func (c *Config) UsesRedis() bool {
	return c.RedisURL != ""
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Config{Env: %s, Port: %s, Driver: %s, DB: %s", c.Env, c.APIPort, c.DatabaseDriver, maskPassword(c.DatabaseURL))
	if c.UsesRedis() {
		fmt.Fprintf(&b, ", Redis: %s", maskPassword(c.RedisURL))
	} else {
		b.WriteString(", Redis: disabled")
	}
	fmt.Fprintf(&b, ", Provider: %s, Auth: %t}", c.Provider.Type, c.Auth.Enabled())
	return b.String()
}
